package prover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shielded/orchestrator/merkletree"
	"shielded/orchestrator/note"
	"shielded/orchestrator/wallet"
)

// buildTransfer sets up a one-input two-output transfer request with a
// genuine merkle proof and signatures, plus the tree it was built against.
func buildTransfer(t *testing.T) (*Request, *merkletree.Tree, *wallet.Wallet) {
	t.Helper()

	alice, err := wallet.New("alice")
	require.NoError(t, err)
	bob, err := wallet.New("bob")
	require.NoError(t, err)

	var blinding [32]byte
	blinding[0] = 0x01
	input := note.New(100, alice.OwnerPubkey(), blinding)

	tree := merkletree.New()
	index := tree.Insert(input.Commitment())
	proof, err := tree.GenerateProof(index)
	require.NoError(t, err)

	var outBlinding1, outBlinding2 [32]byte
	outBlinding1[0] = 0x02
	outBlinding2[0] = 0x03
	toBob := note.New(60, bob.OwnerPubkey(), outBlinding1)
	change := note.New(40, alice.OwnerPubkey(), outBlinding2)

	nullifierSig, err := alice.SignNullifier(input.Commitment())
	require.NoError(t, err)
	nf, err := note.NullifierFromSignature(nullifierSig)
	require.NoError(t, err)
	txSig, err := alice.SignTransaction(nf, [][32]byte{toBob.Commitment(), change.Commitment()})
	require.NoError(t, err)

	siblings := make([]string, len(proof.Siblings))
	for i, s := range proof.Siblings {
		siblings[i] = note.EncodeHash(s)
	}

	req := &Request{
		InputNotes:          []NoteData{NoteToWire(input)},
		OutputNotes:         []NoteData{NoteToWire(toBob), NoteToWire(change)},
		NullifierSignatures: []string{note.EncodeSignature(nullifierSig)},
		TxSignatures:        []string{note.EncodeSignature(txSig)},
		InputIndices:        []uint64{index},
		InputProofs:         [][]string{siblings},
		OldRoot:             note.EncodeHash(tree.Root()),
	}
	return req, tree, alice
}

func snapshotOf(tree *merkletree.Tree) func() *merkletree.Tree {
	return func() *merkletree.Tree { return tree.Clone() }
}

func TestLocalProveHappyPath(t *testing.T) {
	req, tree, _ := buildTransfer(t)
	local := NewLocal(snapshotOf(tree))

	var stages []Stage
	resp, err := local.Prove(context.Background(), req, func(s Stage) { stages = append(stages, s) })
	require.NoError(t, err)

	assert.Equal(t, []Stage{StagePreparing, StageComputing, StageProving}, stages)
	assert.Equal(t, MockVKeyHash, resp.VKeyHash)
	assert.Equal(t, req.OldRoot, resp.PublicOutputs.OldRoot)
	assert.Len(t, resp.PublicOutputs.Nullifiers, 1)
	assert.Len(t, resp.PublicOutputs.OutputCommitments, 2)
	assert.NotEmpty(t, resp.Proof)
	assert.NotEmpty(t, resp.PublicValuesRaw)

	// New root must equal the tree after appending both outputs.
	expected := tree.Clone()
	for _, c := range resp.PublicOutputs.OutputCommitments {
		h, err := note.DecodeHash(c)
		require.NoError(t, err)
		expected.Insert(h)
	}
	assert.Equal(t, note.EncodeHash(expected.Root()), resp.PublicOutputs.NewRoot)
}

func TestLocalProveDeterministic(t *testing.T) {
	req, tree, _ := buildTransfer(t)
	local := NewLocal(snapshotOf(tree))

	resp1, err := local.Prove(context.Background(), req, nil)
	require.NoError(t, err)
	resp2, err := local.Prove(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, resp1, resp2)
}

func TestLocalProveRejectsStaleRoot(t *testing.T) {
	req, tree, _ := buildTransfer(t)
	tree.Insert([32]byte{0xff})

	_, err := NewLocal(snapshotOf(tree)).Prove(context.Background(), req, nil)
	require.Error(t, err)
	assert.Contains(t, FailureReason(err), "process-error:accumulator moved")
}

func TestLocalProveRejectsBadMerkleProof(t *testing.T) {
	req, tree, _ := buildTransfer(t)
	req.InputIndices[0] = 5

	_, err := NewLocal(snapshotOf(tree)).Prove(context.Background(), req, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merkle proof")
}

func TestLocalProveRejectsUnbalancedTransfer(t *testing.T) {
	req, tree, _ := buildTransfer(t)
	req.OutputNotes[0].Amount += 1

	_, err := NewLocal(snapshotOf(tree)).Prove(context.Background(), req, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value not conserved")
}

func TestLocalProveRejectsForeignSignature(t *testing.T) {
	req, tree, _ := buildTransfer(t)
	mallory, err := wallet.New("mallory")
	require.NoError(t, err)
	input, err := NoteFromWire(req.InputNotes[0])
	require.NoError(t, err)
	forged, err := mallory.SignNullifier(input.Commitment())
	require.NoError(t, err)
	req.NullifierSignatures[0] = note.EncodeSignature(forged)

	_, err = NewLocal(snapshotOf(tree)).Prove(context.Background(), req, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not recover the note owner")
}

func TestLocalProveInjectedFailure(t *testing.T) {
	req, tree, _ := buildTransfer(t)
	local := NewLocal(snapshotOf(tree))
	local.Intercept = func(*Request) error {
		return &ExitError{Code: 3}
	}

	_, err := local.Prove(context.Background(), req, nil)
	require.Error(t, err)
	assert.Equal(t, "nonzero-exit:3", FailureReason(err))
}

func TestLocalProveTimeout(t *testing.T) {
	req, tree, _ := buildTransfer(t)
	local := NewLocal(snapshotOf(tree))
	local.Latency = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := local.Prove(ctx, req, nil)
	require.Error(t, err)
	assert.Equal(t, "process-error:timeout", FailureReason(err))
}

func TestRequestValidate(t *testing.T) {
	req, _, _ := buildTransfer(t)
	require.NoError(t, req.Validate())

	broken := *req
	broken.InputIndices = nil
	assert.Error(t, broken.Validate())

	broken = *req
	broken.OldRoot = "0x12"
	assert.Error(t, broken.Validate())

	broken = *req
	broken.OutputNotes = nil
	assert.Error(t, broken.Validate())
}

func TestRequestWireFieldNames(t *testing.T) {
	req, _, _ := buildTransfer(t)
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{
		"inputNotes", "outputNotes", "nullifierSignatures",
		"txSignatures", "inputIndices", "inputProofs", "oldRoot",
	} {
		assert.Contains(t, decoded, key)
	}
}

func TestFailureReasonMapping(t *testing.T) {
	assert.Equal(t, "nonzero-exit:1", FailureReason(&ExitError{Code: 1}))
	assert.Equal(t, "parse-error:bad json", FailureReason(&ParseError{Detail: "bad json"}))
	assert.Equal(t, "process-error:timeout", FailureReason(&ProcessError{Detail: "timeout"}))
	assert.Equal(t, "process-error:boom", FailureReason(errors.New("boom")))

	wrapped := fmt.Errorf("attempt failed: %w", &ExitError{Code: 7})
	assert.Equal(t, "nonzero-exit:7", FailureReason(wrapped))
}

func TestGroth16JSONRoundTrip(t *testing.T) {
	raw := make([]byte, groth16ProofWords*fpSize)
	for i := range raw {
		raw[i] = byte(i % 251)
	}
	hexProof := "0x" + fmt.Sprintf("%x", raw)

	j, err := Groth16ToJSON(hexProof)
	require.NoError(t, err)
	back, err := Groth16FromJSON(j)
	require.NoError(t, err)
	assert.Equal(t, raw, back)
}

func TestGroth16ToJSONStripsSelector(t *testing.T) {
	raw := make([]byte, selectorSize+groth16ProofWords*fpSize)
	for i := range raw {
		raw[i] = byte(i % 7)
	}
	j, err := Groth16ToJSON(fmt.Sprintf("%x", raw))
	require.NoError(t, err)
	back, err := Groth16FromJSON(j)
	require.NoError(t, err)
	assert.Equal(t, raw[selectorSize:], back)
}

func TestGroth16RejectsBadLength(t *testing.T) {
	_, err := Groth16ToJSON("0xdeadbeef")
	assert.Error(t, err)
	_, err = DecodeGroth16("0xdeadbeef")
	assert.Error(t, err)
}

func TestHTTPClientErrorStatusMapsToExit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "witness rejected", http.StatusInternalServerError)
	}))
	defer srv.Close()

	req, _, _ := buildTransfer(t)
	client := NewHTTPClient(&HTTPConfig{ServerURL: srv.URL, Timeout: time.Second})
	_, err := client.Prove(context.Background(), req, nil)
	require.Error(t, err)
	assert.Equal(t, "nonzero-exit:500", FailureReason(err))
}

func TestHTTPClientMalformedBodyMapsToParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	req, _, _ := buildTransfer(t)
	client := NewHTTPClient(&HTTPConfig{ServerURL: srv.URL, Timeout: time.Second})
	_, err := client.Prove(context.Background(), req, nil)
	require.Error(t, err)
	assert.Contains(t, FailureReason(err), "parse-error:")
}

func TestHTTPClientUnreachableMapsToProcess(t *testing.T) {
	req, _, _ := buildTransfer(t)
	client := NewHTTPClient(&HTTPConfig{ServerURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	_, err := client.Prove(context.Background(), req, nil)
	require.Error(t, err)
	assert.Contains(t, FailureReason(err), "process-error:")
}

func TestHTTPClientVKeyAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/vkey":
			json.NewEncoder(w).Encode(map[string]string{"vkeyHash": "0xabc123"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(&HTTPConfig{ServerURL: srv.URL, Timeout: time.Second})
	require.NoError(t, client.HealthCheck(context.Background()))

	hash, err := client.VKeyHash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", hash)
}
