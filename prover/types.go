// Package prover defines the proving backends: the wire types shared with
// the external proving service, a local simulation backend, and an HTTP
// client for a remote prover. Backends are interchangeable behind the
// Prover interface; the job queue does not know which one it drives.
package prover

import (
	"context"
	"fmt"

	"shielded/orchestrator/note"
)

// NoteData is the wire form of a note. Owner and blinding travel as
// 0x-prefixed 32-byte hex.
type NoteData struct {
	Amount      uint64 `json:"amount"`
	OwnerPubkey string `json:"ownerPubkey"`
	Blinding    string `json:"blinding"`
}

// NoteFromWire decodes a wire note into its binary form.
func NoteFromWire(d NoteData) (note.Note, error) {
	owner, err := note.DecodeHash(d.OwnerPubkey)
	if err != nil {
		return note.Note{}, fmt.Errorf("owner pubkey: %w", err)
	}
	blinding, err := note.DecodeHash(d.Blinding)
	if err != nil {
		return note.Note{}, fmt.Errorf("blinding: %w", err)
	}
	return note.New(d.Amount, owner, blinding), nil
}

// NoteToWire encodes a note for transport.
func NoteToWire(n note.Note) NoteData {
	return NoteData{
		Amount:      n.Amount,
		OwnerPubkey: note.EncodeHash(n.OwnerPubkey),
		Blinding:    note.EncodeHash(n.Blinding),
	}
}

// Request is a complete proving request for one transfer. Field names and
// encodings match the proving service's JSON contract: hashes and
// signatures as 0x-hex, merkle proofs as per-input sibling lists.
type Request struct {
	InputNotes          []NoteData `json:"inputNotes"`
	OutputNotes         []NoteData `json:"outputNotes"`
	NullifierSignatures []string   `json:"nullifierSignatures"`
	TxSignatures        []string   `json:"txSignatures"`
	InputIndices        []uint64   `json:"inputIndices"`
	InputProofs         [][]string `json:"inputProofs"`
	OldRoot             string     `json:"oldRoot"`
}

// Validate checks the structural invariants every backend assumes: equal
// per-input array lengths, at least one input and one output, decodable
// hex. Semantic checks (merkle membership, balance) are the backend's job.
func (r *Request) Validate() error {
	n := len(r.InputNotes)
	if n == 0 {
		return fmt.Errorf("no input notes")
	}
	if len(r.OutputNotes) == 0 {
		return fmt.Errorf("no output notes")
	}
	if len(r.NullifierSignatures) != n || len(r.TxSignatures) != n ||
		len(r.InputIndices) != n || len(r.InputProofs) != n {
		return fmt.Errorf("per-input arrays disagree: %d notes, %d nullifier sigs, %d tx sigs, %d indices, %d proofs",
			n, len(r.NullifierSignatures), len(r.TxSignatures), len(r.InputIndices), len(r.InputProofs))
	}
	if _, err := note.DecodeHash(r.OldRoot); err != nil {
		return fmt.Errorf("old root: %w", err)
	}
	for i, d := range r.InputNotes {
		if _, err := NoteFromWire(d); err != nil {
			return fmt.Errorf("input note %d: %w", i, err)
		}
	}
	for i, d := range r.OutputNotes {
		if _, err := NoteFromWire(d); err != nil {
			return fmt.Errorf("output note %d: %w", i, err)
		}
	}
	for i, s := range r.NullifierSignatures {
		if _, err := note.DecodeSignature(s); err != nil {
			return fmt.Errorf("nullifier signature %d: %w", i, err)
		}
	}
	for i, s := range r.TxSignatures {
		if _, err := note.DecodeSignature(s); err != nil {
			return fmt.Errorf("tx signature %d: %w", i, err)
		}
	}
	return nil
}

// PublicOutputs are the decoded public values the verifier binds the proof
// to: the accumulator transition and the transfer's spend and create sets.
type PublicOutputs struct {
	OldRoot           string   `json:"oldRoot"`
	NewRoot           string   `json:"newRoot"`
	Nullifiers        []string `json:"nullifiers"`
	OutputCommitments []string `json:"outputCommitments"`
}

// Response is a finished proof: the proof artifact, the raw committed
// public values, their decoded form and the verification-key hash.
type Response struct {
	Proof           string        `json:"proof"`
	PublicValuesRaw string        `json:"publicValuesRaw"`
	PublicOutputs   PublicOutputs `json:"publicOutputs"`
	VKeyHash        string        `json:"vkeyHash"`
}

// Stage is the advisory progress a backend reports while proving. The job
// queue mirrors these into job status; they carry no correctness weight.
type Stage string

const (
	StagePreparing Stage = "preparing"
	StageComputing Stage = "computing"
	StageProving   Stage = "proving"
)

// ProgressFunc receives advisory stage transitions. May be nil.
type ProgressFunc func(Stage)

// Prover is a proving backend. Prove blocks until the proof is ready or
// fails; cancellation is delivered through ctx. Failures are reported as
// *ExitError, *ParseError or *ProcessError so callers can classify them.
type Prover interface {
	Prove(ctx context.Context, req *Request, progress ProgressFunc) (*Response, error)

	// VKeyHash returns the hash of the verification key this backend
	// proves under, without running a proof.
	VKeyHash(ctx context.Context) (string, error)
}
