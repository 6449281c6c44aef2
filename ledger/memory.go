package ledger

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"shielded/orchestrator/logging"
	"shielded/orchestrator/merkletree"
)

// Memory is a process-local simulation of the shielded-pool contract. It
// keeps the same observable behavior: an append-only commitment log, a
// nullifier registry that rejects double spends, and root progression that
// only accepts transactions proved against the current root.
type Memory struct {
	mu         sync.Mutex
	tree       *merkletree.Tree
	events     []CommitmentEvent
	nullifiers map[[32]byte]struct{}
	block      uint64

	// ExpectedVKeyHash, when set, rejects proofs produced under a
	// different verification key, like the contract's immutable vkey check.
	ExpectedVKeyHash string
}

// NewMemory returns an empty simulated ledger.
func NewMemory() *Memory {
	return &Memory{
		tree:       merkletree.New(),
		nullifiers: make(map[[32]byte]struct{}),
		block:      1,
	}
}

// Seed inserts a commitment directly, bypassing proof checks. Used to set
// up genesis funding notes in simulation; the real contract has a deposit
// path serving the same purpose.
func (m *Memory) Seed(commitment [32]byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(commitment, [32]byte{})
}

func (m *Memory) appendLocked(commitment [32]byte, txHash [32]byte) uint64 {
	index := m.tree.Insert(commitment)
	m.events = append(m.events, CommitmentEvent{
		Commitment: commitment,
		LeafIndex:  index,
		TxHash:     txHash,
		Block:      m.block,
	})
	return index
}

func (m *Memory) SubmitTransaction(ctx context.Context, tx *Transaction) ([32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(tx.Proof) == 0 {
		return [32]byte{}, rejectf("empty proof")
	}
	if m.ExpectedVKeyHash != "" && tx.VKeyHash != m.ExpectedVKeyHash {
		return [32]byte{}, rejectf("verification key mismatch: got %s", tx.VKeyHash)
	}
	if tx.OldRoot != m.tree.Root() {
		return [32]byte{}, rejectf("stale root: proof built against a superseded accumulator state")
	}
	for _, nf := range tx.Nullifiers {
		if _, used := m.nullifiers[nf]; used {
			return [32]byte{}, rejectf("nullifier already used")
		}
	}
	if len(tx.OutputCommitments) == 0 {
		return [32]byte{}, rejectf("no output commitments")
	}

	// Apply on a scratch copy first so a new-root mismatch leaves the
	// canonical state untouched.
	scratch := m.tree.Clone()
	for _, c := range tx.OutputCommitments {
		scratch.Insert(c)
	}
	if scratch.Root() != tx.NewRoot {
		return [32]byte{}, rejectf("reported new root does not match accumulator transition")
	}

	txHash := txHashOf(tx)
	m.block++
	for _, nf := range tx.Nullifiers {
		m.nullifiers[nf] = struct{}{}
	}
	for _, c := range tx.OutputCommitments {
		m.appendLocked(c, txHash)
	}

	logging.Logger().Debug().
		Hex("tx_hash", txHash[:]).
		Int("nullifiers", len(tx.Nullifiers)).
		Int("outputs", len(tx.OutputCommitments)).
		Uint64("leaf_count", m.tree.LeafCount()).
		Msg("transaction accepted")

	return txHash, nil
}

func (m *Memory) CommitmentLog(ctx context.Context) ([]CommitmentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommitmentEvent, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *Memory) CommitmentLeaves(ctx context.Context) ([][32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Leaves(), nil
}

func (m *Memory) LatestRoot(ctx context.Context) ([32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Root(), nil
}

func (m *Memory) IsNullifierUsed(ctx context.Context, nullifier [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, used := m.nullifiers[nullifier]
	return used, nil
}

// txHashOf derives a deterministic transaction hash from the submission
// contents, mimicking the chain's tx hash for log correlation.
func txHashOf(tx *Transaction) [32]byte {
	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(len(tx.OutputCommitments)))
	pieces := [][]byte{tx.OldRoot[:], tx.NewRoot[:], count[:]}
	for _, nf := range tx.Nullifiers {
		nf := nf
		pieces = append(pieces, nf[:])
	}
	for _, c := range tx.OutputCommitments {
		c := c
		pieces = append(pieces, c[:])
	}
	pieces = append(pieces, tx.Proof)
	var out [32]byte
	copy(out[:], crypto.Keccak256(pieces...))
	return out
}
