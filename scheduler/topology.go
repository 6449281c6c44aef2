// Package scheduler executes a DAG of transfer edges: it builds and proves
// each edge through the job queue, submits finished proofs to the ledger
// and applies confirmed state to wallets and the shadow accumulator. All
// state mutation happens on the scheduler loop goroutine.
package scheduler

import (
	"fmt"
	"time"

	"shielded/orchestrator/builder"
)

// State is an edge's lifecycle position. Edges only move forward;
// CONFIRMED and FAILED are terminal.
type State string

const (
	StateReady     State = "ready"
	StateProving   State = "proving"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is an end state.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Edge is one transfer in the topology: From pays Amount to To, after
// every edge in DependsOn has confirmed.
type Edge struct {
	ID        string
	From      string
	To        string
	Amount    uint64
	DependsOn []string

	// Runtime fields, written only by the scheduler loop.
	State        State
	JobID        string
	FailReason   string
	TxHash       [32]byte
	StartedAt    time.Time
	ProofReadyAt time.Time
	FinishedAt   time.Time

	transfer *builder.Transfer
}

// Topology is the full transfer DAG for one run.
type Topology struct {
	Edges []*Edge
}

// Validate checks structural soundness: unique edge IDs, dependencies that
// exist, positive amounts, distinct endpoints and no cycles.
func (t *Topology) Validate() error {
	if len(t.Edges) == 0 {
		return fmt.Errorf("topology has no edges")
	}

	byID := make(map[string]*Edge, len(t.Edges))
	for _, e := range t.Edges {
		if e.ID == "" {
			return fmt.Errorf("edge with empty ID")
		}
		if _, dup := byID[e.ID]; dup {
			return fmt.Errorf("duplicate edge ID %q", e.ID)
		}
		if e.Amount == 0 {
			return fmt.Errorf("edge %s: zero amount", e.ID)
		}
		if e.From == e.To {
			return fmt.Errorf("edge %s: sender and receiver are both %q", e.ID, e.From)
		}
		byID[e.ID] = e
	}

	for _, e := range t.Edges {
		for _, dep := range e.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("edge %s depends on unknown edge %q", e.ID, dep)
			}
			if dep == e.ID {
				return fmt.Errorf("edge %s depends on itself", e.ID)
			}
		}
	}

	// Cycle detection by DFS with colors.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(t.Edges))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle through edge %s", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, e := range t.Edges {
		if err := visit(e.ID); err != nil {
			return err
		}
	}
	return nil
}

// edgeByID builds the lookup map; Validate must have passed.
func (t *Topology) edgeByID() map[string]*Edge {
	byID := make(map[string]*Edge, len(t.Edges))
	for _, e := range t.Edges {
		byID[e.ID] = e
	}
	return byID
}

// eligible reports whether the edge can start: it is still READY and every
// dependency has confirmed.
func eligible(e *Edge, byID map[string]*Edge) bool {
	if e.State != StateReady {
		return false
	}
	for _, dep := range e.DependsOn {
		if byID[dep].State != StateConfirmed {
			return false
		}
	}
	return true
}

// doomed returns the ID of a failed dependency, if any. An edge whose
// dependency failed can never become eligible and is failed itself so the
// run terminates.
func doomed(e *Edge, byID map[string]*Edge) (string, bool) {
	for _, dep := range e.DependsOn {
		if byID[dep].State == StateFailed {
			return dep, true
		}
	}
	return "", false
}
