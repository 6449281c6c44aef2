// Package merkletree implements the append-only commitment accumulator: a
// fixed-height incremental Merkle tree over Keccak256, byte-compatible with
// the on-chain contract's keccak256(abi.encodePacked(left, right)).
package merkletree

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// TreeHeight is fixed at 32 levels, supporting 2^32 leaves. Inclusion
// proofs always carry exactly TreeHeight siblings so the circuit's witness
// shape never varies.
const TreeHeight = 32

// zeros[i] is the root of an empty subtree of height i.
var zeros = func() [TreeHeight][32]byte {
	var z [TreeHeight][32]byte
	for i := 1; i < TreeHeight; i++ {
		z[i] = HashPair(z[i-1], z[i-1])
	}
	return z
}()

// HashPair hashes two nodes into their parent.
func HashPair(left, right [32]byte) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256(left[:], right[:]))
	return out
}

// ZeroHash returns the empty-subtree hash at the given level.
func ZeroHash(level int) [32]byte {
	return zeros[level]
}

// Proof is an inclusion proof for a single leaf: the leaf's position plus
// one sibling per level, leaf to root.
type Proof struct {
	LeafIndex uint64
	Siblings  [][32]byte
}

// Tree is the accumulator. Leaves are only ever appended; indices are
// assigned in insertion order and never reused. Insertion happens on a
// single writer; the lock lets other goroutines snapshot and read safely,
// proving backends in particular.
type Tree struct {
	mu             sync.RWMutex
	leaves         [][32]byte
	filledSubtrees [TreeHeight][32]byte
	nextIndex      uint64
}

// New returns an empty tree.
func New() *Tree {
	t := &Tree{}
	t.filledSubtrees = zeros
	return t
}

// NewWithLeaves builds a tree from an initial leaf sequence.
func NewWithLeaves(leaves [][32]byte) *Tree {
	t := New()
	for _, leaf := range leaves {
		t.Insert(leaf)
	}
	return t
}

// Insert appends a leaf at the next free index and updates the frontier in
// O(TreeHeight). Returns the assigned index.
func (t *Tree) Insert(leaf [32]byte) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := t.nextIndex
	t.leaves = append(t.leaves, leaf)

	current := leaf
	pos := index
	for level := 0; level < TreeHeight; level++ {
		if pos%2 == 0 {
			t.filledSubtrees[level] = current
			current = HashPair(current, zeros[level])
		} else {
			current = HashPair(t.filledSubtrees[level], current)
		}
		pos /= 2
	}

	t.nextIndex++
	return index
}

// Root returns the current root. The empty tree's root is the full-height
// zero hash chain.
func (t *Tree) Root() [32]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.leaves) == 0 {
		return zeros[TreeHeight-1]
	}

	current := t.leaves[len(t.leaves)-1]
	pos := t.nextIndex - 1
	for level := 0; level < TreeHeight; level++ {
		if pos%2 == 0 {
			current = HashPair(current, zeros[level])
		} else {
			current = HashPair(t.filledSubtrees[level], current)
		}
		pos /= 2
	}
	return current
}

// LeafCount returns the number of inserted leaves.
func (t *Tree) LeafCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextIndex
}

// Leaf returns the leaf at index, if present.
func (t *Tree) Leaf(index uint64) ([32]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= uint64(len(t.leaves)) {
		return [32]byte{}, false
	}
	return t.leaves[index], true
}

// Leaves returns a copy of all leaves in insertion order.
func (t *Tree) Leaves() [][32]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][32]byte, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Clone returns an independent copy of the tree.
func (t *Tree) Clone() *Tree {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Tree{
		leaves:         make([][32]byte, len(t.leaves)),
		filledSubtrees: t.filledSubtrees,
		nextIndex:      t.nextIndex,
	}
	copy(c.leaves, t.leaves)
	return c
}

// GenerateProof produces the inclusion proof for the leaf at index. The
// proof stays valid against the root observed at generation time even
// after later insertions; it does not need regeneration as the tree grows.
func (t *Tree) GenerateProof(index uint64) (Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= uint64(len(t.leaves)) {
		return Proof{}, fmt.Errorf("leaf index %d out of range (have %d leaves)", index, len(t.leaves))
	}

	siblings := make([][32]byte, 0, TreeHeight)
	level := make([][32]byte, len(t.leaves))
	copy(level, t.leaves)
	pos := index

	for depth := 0; depth < TreeHeight; depth++ {
		siblingIndex := pos ^ 1
		if siblingIndex < uint64(len(level)) {
			siblings = append(siblings, level[siblingIndex])
		} else {
			siblings = append(siblings, zeros[depth])
		}

		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := zeros[depth]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashPair(left, right))
		}
		level = next
		pos /= 2
	}

	return Proof{LeafIndex: index, Siblings: siblings}, nil
}

// VerifyProof checks a proof against an expected root. This mirrors the
// in-circuit verification exactly; it depends only on the proof contents,
// never on tree state.
func VerifyProof(leaf [32]byte, proof Proof, expectedRoot [32]byte) bool {
	if len(proof.Siblings) != TreeHeight {
		return false
	}
	current := leaf
	pos := proof.LeafIndex
	for _, sibling := range proof.Siblings {
		if pos%2 == 0 {
			current = HashPair(current, sibling)
		} else {
			current = HashPair(sibling, current)
		}
		pos /= 2
	}
	return current == expectedRoot
}
