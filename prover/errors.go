package prover

import (
	"errors"
	"fmt"
)

// The three failure classes a proving attempt can end in. Reason() yields
// the canonical machine-readable string surfaced in job status.

// ExitError is the prover process or service finishing unsuccessfully
// while still speaking the protocol, e.g. a non-200 HTTP status.
type ExitError struct {
	Code   int
	Detail string
}

func (e *ExitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("prover exited with code %d", e.Code)
	}
	return fmt.Sprintf("prover exited with code %d: %s", e.Code, e.Detail)
}

func (e *ExitError) Reason() string {
	return fmt.Sprintf("nonzero-exit:%d", e.Code)
}

// ParseError is a malformed or undecodable prover response.
type ParseError struct {
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable prover output: %s", e.Detail)
}

func (e *ParseError) Reason() string {
	return fmt.Sprintf("parse-error:%s", e.Detail)
}

// ProcessError is a failure to run or reach the prover at all: transport
// errors, timeouts, rejected witnesses.
type ProcessError struct {
	Detail string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("prover process failed: %s", e.Detail)
}

func (e *ProcessError) Reason() string {
	return fmt.Sprintf("process-error:%s", e.Detail)
}

// Reasoner is implemented by all three failure classes.
type Reasoner interface {
	Reason() string
}

// FailureReason classifies err into the canonical reason string. Errors
// outside the three classes fall back to process-error.
func FailureReason(err error) string {
	var r Reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	return (&ProcessError{Detail: err.Error()}).Reason()
}
