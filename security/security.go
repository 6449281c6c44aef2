// Package security gates proof submission on ledger truth. Before any
// transfer is enqueued, every claimed input must be re-derived and found
// in the ledger's commitment log at exactly the claimed position. A wallet
// that lies about its UTXOs, or drifted from chain state, is stopped here
// rather than burning minutes of proving on a doomed witness.
package security

import (
	"context"
	"fmt"

	"shielded/orchestrator/ledger"
	"shielded/orchestrator/logging"
	"shielded/orchestrator/note"
)

// Violation is a failed pre-submission check. It aborts the owning
// transfer before a proof job exists.
type Violation struct {
	InputIndex int
	Detail     string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("security violation on input %d: %s", v.InputIndex, v.Detail)
}

// Verifier checks claimed inputs against the ledger commitment log.
type Verifier struct {
	client ledger.Client
	bypass bool
}

// NewVerifier builds a verifier bound to a ledger client.
func NewVerifier(client ledger.Client) *Verifier {
	return &Verifier{client: client}
}

// NewSimulationBypass builds a verifier that skips all checks. Only the
// local-simulation wiring constructs this; with a real ledger client the
// checking constructor is the only path.
func NewSimulationBypass() *Verifier {
	logging.Logger().Warn().Msg("security verification bypassed, simulation only")
	return &Verifier{bypass: true}
}

// Verify recomputes each note's commitment and requires it to appear in
// the ledger's commitment log at exactly the claimed leaf index. Notes
// and indices are matched pairwise.
func (v *Verifier) Verify(ctx context.Context, notes []note.Note, claimedIndices []uint64) error {
	if v.bypass {
		return nil
	}
	if len(notes) != len(claimedIndices) {
		return &Violation{InputIndex: -1, Detail: fmt.Sprintf(
			"%d notes against %d claimed indices", len(notes), len(claimedIndices))}
	}

	events, err := v.client.CommitmentLog(ctx)
	if err != nil {
		return fmt.Errorf("replaying commitment log: %w", err)
	}
	byCommitment := make(map[[32]byte]uint64, len(events))
	for _, ev := range events {
		byCommitment[ev.Commitment] = ev.LeafIndex
	}

	for i, n := range notes {
		commitment := n.Commitment()
		index, present := byCommitment[commitment]
		if !present {
			return &Violation{InputIndex: i, Detail: fmt.Sprintf(
				"commitment %s was never emitted by the ledger", note.EncodeHash(commitment))}
		}
		if index != claimedIndices[i] {
			return &Violation{InputIndex: i, Detail: fmt.Sprintf(
				"commitment %s sits at leaf %d, claimed %d", note.EncodeHash(commitment), index, claimedIndices[i])}
		}
	}

	logging.Logger().Debug().
		Int("inputs", len(notes)).
		Int("log_size", len(events)).
		Msg("inputs verified against ledger commitment log")
	return nil
}
