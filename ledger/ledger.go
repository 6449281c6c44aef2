// Package ledger abstracts the canonical shielded-pool contract: the
// commitment-emission log, the nullifier registry and transaction
// submission. The in-memory implementation in this package stands in for
// the chain in local simulation and in tests.
package ledger

import (
	"context"
	"fmt"
)

// CommitmentEvent is one entry of the pool's commitment-emission log,
// replayed from the contract's deployment point. LeafIndex is the position
// the commitment occupies in the on-chain accumulator.
type CommitmentEvent struct {
	Commitment [32]byte
	LeafIndex  uint64
	TxHash     [32]byte
	Block      uint64
}

// Transaction is a fully-proved transfer ready for submission. PublicValues
// carries the raw committed bytes the on-chain verifier checks the proof
// against; the decoded fields are duplicated for the contract call data.
type Transaction struct {
	Proof             []byte
	PublicValues      []byte
	OldRoot           [32]byte
	NewRoot           [32]byte
	Nullifiers        [][32]byte
	OutputCommitments [][32]byte
	VKeyHash          string
	EncryptedOutputs  [][]byte
}

// Client is the ledger-facing surface the orchestrator depends on.
type Client interface {
	// SubmitTransaction relays a proved transfer. It returns the
	// transaction hash on acceptance or a *RelayerError on rejection.
	SubmitTransaction(ctx context.Context, tx *Transaction) ([32]byte, error)

	// CommitmentLog replays every commitment emission from the contract's
	// deployment point to latest, in leaf order.
	CommitmentLog(ctx context.Context) ([]CommitmentEvent, error)

	// CommitmentLeaves returns just the emitted commitments in leaf order.
	CommitmentLeaves(ctx context.Context) ([][32]byte, error)

	// LatestRoot returns the accumulator root the contract reports.
	LatestRoot(ctx context.Context) ([32]byte, error)

	// IsNullifierUsed reports whether a spend marker has been seen.
	IsNullifierUsed(ctx context.Context, nullifier [32]byte) (bool, error)
}

// RelayerError is a ledger-side rejection of a submitted transaction. It
// terminates only the owning transfer, never the run.
type RelayerError struct {
	Reason string
}

func (e *RelayerError) Error() string {
	return fmt.Sprintf("ledger rejected transaction: %s", e.Reason)
}

func rejectf(format string, args ...any) error {
	return &RelayerError{Reason: fmt.Sprintf(format, args...)}
}
