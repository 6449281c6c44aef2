package merkletree

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaf(b byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func TestZeroHashes(t *testing.T) {
	assert.Equal(t, [32]byte{}, ZeroHash(0))
	for i := 1; i < TreeHeight; i++ {
		assert.Equal(t, HashPair(ZeroHash(i-1), ZeroHash(i-1)), ZeroHash(i), "level %d", i)
	}
}

func TestEmptyTreeRoot(t *testing.T) {
	assert.Equal(t, ZeroHash(TreeHeight-1), New().Root())
}

func TestSingleLeafRoot(t *testing.T) {
	tree := New()
	l := leaf(0x01)
	index := tree.Insert(l)
	assert.Equal(t, uint64(0), index)
	assert.Equal(t, uint64(1), tree.LeafCount())

	expected := l
	for level := 0; level < TreeHeight; level++ {
		expected = HashPair(expected, ZeroHash(level))
	}
	assert.Equal(t, expected, tree.Root())
}

func TestTwoLeafRoot(t *testing.T) {
	tree := New()
	tree.Insert(leaf(0x01))
	tree.Insert(leaf(0x02))

	expected := HashPair(leaf(0x01), leaf(0x02))
	for level := 1; level < TreeHeight; level++ {
		expected = HashPair(expected, ZeroHash(level))
	}
	assert.Equal(t, expected, tree.Root())
}

func TestIndicesStrictlyIncrease(t *testing.T) {
	tree := New()
	for i := uint64(0); i < 5; i++ {
		assert.Equal(t, i, tree.Insert(leaf(byte(i))))
	}
}

func TestProofGenerationAndVerification(t *testing.T) {
	tree := New()
	leaves := [][32]byte{leaf(1), leaf(2), leaf(3), leaf(4), leaf(5)}
	for _, l := range leaves {
		tree.Insert(l)
	}
	root := tree.Root()

	for i, l := range leaves {
		proof, err := tree.GenerateProof(uint64(i))
		require.NoError(t, err)
		assert.Len(t, proof.Siblings, TreeHeight)
		assert.True(t, VerifyProof(l, proof, root), "proof for leaf %d", i)
	}
}

// A proof generated against root R must keep verifying against R after
// arbitrarily many later insertions.
func TestProofStableUnderGrowth(t *testing.T) {
	tree := New()
	tree.Insert(leaf(0xaa))
	rootAfterFirst := tree.Root()
	proof, err := tree.GenerateProof(0)
	require.NoError(t, err)
	require.True(t, VerifyProof(leaf(0xaa), proof, rootAfterFirst))

	for i := 0; i < 20; i++ {
		tree.Insert(leaf(byte(i)))
		assert.True(t, VerifyProof(leaf(0xaa), proof, rootAfterFirst), "after %d extra leaves", i+1)

		fresh, err := tree.GenerateProof(0)
		require.NoError(t, err)
		assert.True(t, VerifyProof(leaf(0xaa), fresh, tree.Root()), "fresh proof after %d extra leaves", i+1)
	}
}

func TestForgedLeafRejected(t *testing.T) {
	tree := New()
	tree.Insert(leaf(0x01))
	root := tree.Root()

	proof, err := tree.GenerateProof(0)
	require.NoError(t, err)

	assert.False(t, VerifyProof(leaf(0x63), proof, root), "fake leaf with real proof must fail")

	forged := Proof{LeafIndex: 0, Siblings: make([][32]byte, TreeHeight)}
	assert.False(t, VerifyProof(leaf(0x63), forged, root), "fake leaf with all-zero proof must fail")
}

func TestCorruptedProofRejected(t *testing.T) {
	tree := New()
	tree.Insert(leaf(0x01))
	tree.Insert(leaf(0x02))
	root := tree.Root()

	proof, err := tree.GenerateProof(0)
	require.NoError(t, err)
	require.True(t, VerifyProof(leaf(0x01), proof, root))

	proof.Siblings[0][0] ^= 0x01
	assert.False(t, VerifyProof(leaf(0x01), proof, root))
}

func TestWrongIndexProofRejected(t *testing.T) {
	tree := New()
	tree.Insert(leaf(0x01))
	tree.Insert(leaf(0x02))
	root := tree.Root()

	proof, err := tree.GenerateProof(0)
	require.NoError(t, err)
	proof.LeafIndex = 1
	assert.False(t, VerifyProof(leaf(0x01), proof, root))
}

func TestProofOutOfRange(t *testing.T) {
	_, err := New().GenerateProof(0)
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	tree := New()
	tree.Insert(leaf(0x01))
	clone := tree.Clone()
	require.Equal(t, tree.Root(), clone.Root())

	clone.Insert(leaf(0x02))
	assert.NotEqual(t, tree.Root(), clone.Root())
	assert.Equal(t, uint64(1), tree.LeafCount())
	assert.Equal(t, uint64(2), clone.LeafCount())
}

type fakeSource struct {
	leaves [][32]byte
	root   [32]byte
}

func (f *fakeSource) CommitmentLeaves(ctx context.Context) ([][32]byte, error) {
	return f.leaves, nil
}

func (f *fakeSource) LatestRoot(ctx context.Context) ([32]byte, error) {
	return f.root, nil
}

func TestMirrorSync(t *testing.T) {
	canonical := NewWithLeaves([][32]byte{leaf(1), leaf(2), leaf(3)})
	src := &fakeSource{leaves: canonical.Leaves(), root: canonical.Root()}

	mirror := NewMirror()
	require.Error(t, mirror.RequireSynced())

	require.NoError(t, mirror.Sync(context.Background(), src))
	require.NoError(t, mirror.RequireSynced())
	assert.Equal(t, canonical.Root(), mirror.Root())
	assert.Equal(t, uint64(3), mirror.LeafCount())
}

func TestMirrorSyncRootMismatchIsFatal(t *testing.T) {
	canonical := NewWithLeaves([][32]byte{leaf(1), leaf(2)})
	src := &fakeSource{leaves: canonical.Leaves(), root: leaf(0xee)}

	mirror := NewMirror()
	err := mirror.Sync(context.Background(), src)
	require.Error(t, err)
	assert.Error(t, mirror.RequireSynced())
}

func TestFixedProofShape(t *testing.T) {
	tree := New()
	for i := 0; i < 4; i++ {
		tree.Insert(leaf(byte(i + 1)))
	}
	for i := uint64(0); i < 4; i++ {
		proof, err := tree.GenerateProof(i)
		require.NoError(t, err)
		assert.Len(t, proof.Siblings, TreeHeight, fmt.Sprintf("leaf %d", i))
	}
}

// Proving backends snapshot the tree from worker goroutines while the
// single writer keeps inserting. Every snapshot must be internally
// consistent: its root equals the root of a tree rebuilt from its leaves.
func TestCloneConsistentDuringConcurrentInserts(t *testing.T) {
	tree := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 256; i++ {
			tree.Insert(leaf(byte(i)))
		}
	}()

	for i := 0; i < 64; i++ {
		snapshot := tree.Clone()
		rebuilt := NewWithLeaves(snapshot.Leaves())
		assert.Equal(t, rebuilt.Root(), snapshot.Root())
		assert.Equal(t, rebuilt.LeafCount(), snapshot.LeafCount())
	}
	<-done

	final := NewWithLeaves(tree.Leaves())
	assert.Equal(t, final.Root(), tree.Root())
}
