package wallet

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shielded/orchestrator/note"
)

func testNote(t *testing.T, w *Wallet, amount uint64, fill byte) note.Note {
	t.Helper()
	var blinding [32]byte
	for i := range blinding {
		blinding[i] = fill
	}
	return note.New(amount, w.OwnerPubkey(), blinding)
}

func TestOwnerPubkeyIsCompressedX(t *testing.T) {
	w, err := NewFromHex("alice", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)

	compressed := crypto.CompressPubkey(w.PublicKey())
	require.Len(t, compressed, 33)
	ownerPubkey := w.OwnerPubkey()
	assert.Equal(t, compressed[1:], ownerPubkey[:])
}

func TestBalanceTracksSpends(t *testing.T) {
	w, err := New("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), w.Balance())

	w.AddUTXO(testNote(t, w, 100, 0x01), 0)
	w.AddUTXO(testNote(t, w, 40, 0x02), 1)
	assert.Equal(t, uint64(140), w.Balance())

	require.NoError(t, w.MarkSpent(0))
	assert.Equal(t, uint64(40), w.Balance())

	assert.Error(t, w.MarkSpent(0), "double mark must fail")
	assert.Error(t, w.MarkSpent(7), "unknown index must fail")
}

func TestSelectInputsLargestFirst(t *testing.T) {
	w, err := New("alice")
	require.NoError(t, err)
	w.AddUTXO(testNote(t, w, 10, 0x01), 0)
	w.AddUTXO(testNote(t, w, 50, 0x02), 1)
	w.AddUTXO(testNote(t, w, 30, 0x03), 2)

	selected, change, err := w.SelectInputs(45)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, uint64(50), selected[0].Note.Amount)
	assert.Equal(t, uint64(5), change)

	selected, change, err = w.SelectInputs(70)
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, uint64(50), selected[0].Note.Amount)
	assert.Equal(t, uint64(30), selected[1].Note.Amount)
	assert.Equal(t, uint64(10), change)
}

func TestSelectInputsSkipsSpent(t *testing.T) {
	w, err := New("alice")
	require.NoError(t, err)
	w.AddUTXO(testNote(t, w, 100, 0x01), 0)
	require.NoError(t, w.MarkSpent(0))

	_, _, err = w.SelectInputs(1)
	assert.Error(t, err)
}

func TestSelectInputsInsufficient(t *testing.T) {
	w, err := New("alice")
	require.NoError(t, err)
	w.AddUTXO(testNote(t, w, 10, 0x01), 0)

	_, _, err = w.SelectInputs(11)
	assert.ErrorContains(t, err, "insufficient balance")
}

func TestNullifierSignatureRecoversOwner(t *testing.T) {
	w, err := New("alice")
	require.NoError(t, err)
	n := testNote(t, w, 42, 0x05)
	commitment := n.Commitment()

	sig, err := w.SignNullifier(commitment)
	require.NoError(t, err)
	require.Len(t, sig, note.SignatureLen)
	assert.Contains(t, []byte{27, 28}, sig[64])

	recovered, err := RecoverOwner(crypto.Keccak256(commitment[:]), sig)
	require.NoError(t, err)
	assert.Equal(t, w.OwnerPubkey(), recovered)
}

func TestNullifierSignatureDeterministic(t *testing.T) {
	w, err := New("alice")
	require.NoError(t, err)
	commitment := testNote(t, w, 42, 0x05).Commitment()

	sig1, err := w.SignNullifier(commitment)
	require.NoError(t, err)
	sig2, err := w.SignNullifier(commitment)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2, "nullifier must be a stable spend marker")

	nf1, err := note.NullifierFromSignature(sig1)
	require.NoError(t, err)
	nf2, err := note.NullifierFromSignature(sig2)
	require.NoError(t, err)
	assert.Equal(t, nf1, nf2)
}

func TestTransactionSignatureBindsOutputs(t *testing.T) {
	w, err := New("alice")
	require.NoError(t, err)
	commitment := testNote(t, w, 42, 0x05).Commitment()
	sig, err := w.SignNullifier(commitment)
	require.NoError(t, err)
	nf, err := note.NullifierFromSignature(sig)
	require.NoError(t, err)

	out1 := testNote(t, w, 20, 0x06).Commitment()
	out2 := testNote(t, w, 22, 0x07).Commitment()

	txSig, err := w.SignTransaction(nf, [][32]byte{out1, out2})
	require.NoError(t, err)
	txSigSwapped, err := w.SignTransaction(nf, [][32]byte{out2, out1})
	require.NoError(t, err)
	assert.NotEqual(t, txSig, txSigSwapped, "output order must be part of the binding")
}

func TestRecoverOwnerRejectsWrongSigner(t *testing.T) {
	alice, err := New("alice")
	require.NoError(t, err)
	bob, err := New("bob")
	require.NoError(t, err)

	commitment := testNote(t, alice, 42, 0x05).Commitment()
	sig, err := bob.SignNullifier(commitment)
	require.NoError(t, err)

	recovered, err := RecoverOwner(crypto.Keccak256(commitment[:]), sig)
	require.NoError(t, err)
	assert.NotEqual(t, alice.OwnerPubkey(), recovered)
}

func TestRandomBlindingVaries(t *testing.T) {
	a, err := RandomBlinding()
	require.NoError(t, err)
	b, err := RandomBlinding()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
