package prover

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"shielded/orchestrator/logging"
	"shielded/orchestrator/merkletree"
	"shielded/orchestrator/note"
	"shielded/orchestrator/wallet"
)

const mockProofDomain = "shielded-mock-proof-v1"

// MockVKeyHash is the verification-key hash the simulation backend stamps
// on its proofs. Simulated ledgers pin the same value.
var MockVKeyHash = "0x" + hex.EncodeToString(crypto.Keccak256([]byte("shielded-transfer-vkey-mock-v1")))

// Local is the simulation backend. It performs the same witness checks a
// real circuit would (merkle membership, ownership, balance), computes the
// public outputs honestly and emits a deterministic mock proof artifact.
// The accumulator transition is simulated on a private clone of the shadow
// tree, so the backend never mutates shared state.
type Local struct {
	snapshot func() *merkletree.Tree

	// Latency delays the proving stage, for exercising queue and timeout
	// paths in tests and demos.
	Latency time.Duration

	// Intercept, when set, runs before any work; a non-nil return fails
	// the attempt with that error. Tests use it to inject failures.
	Intercept func(req *Request) error
}

// NewLocal builds a simulation backend. snapshot must return a private
// clone of the current shadow accumulator; it is invoked once per proof.
func NewLocal(snapshot func() *merkletree.Tree) *Local {
	return &Local{snapshot: snapshot}
}

func (l *Local) VKeyHash(ctx context.Context) (string, error) {
	return MockVKeyHash, nil
}

func (l *Local) Prove(ctx context.Context, req *Request, progress ProgressFunc) (*Response, error) {
	if l.Intercept != nil {
		if err := l.Intercept(req); err != nil {
			return nil, err
		}
	}

	report := func(s Stage) {
		if progress != nil {
			progress(s)
		}
	}

	report(StagePreparing)
	if err := req.Validate(); err != nil {
		return nil, &ProcessError{Detail: err.Error()}
	}

	oldRoot, _ := note.DecodeHash(req.OldRoot)
	tree := l.snapshot()
	if tree.Root() != oldRoot {
		return nil, &ProcessError{Detail: fmt.Sprintf(
			"accumulator moved: request built against %s, snapshot at %s",
			req.OldRoot, note.EncodeHash(tree.Root()))}
	}

	inputs := make([]note.Note, len(req.InputNotes))
	for i, d := range req.InputNotes {
		inputs[i], _ = NoteFromWire(d)
	}

	// The circuit's witness checks: each input must sit in the tree at its
	// claimed index, and each nullifier signature must recover the note's
	// owner.
	for i, n := range inputs {
		commitment := n.Commitment()

		siblings := make([][32]byte, len(req.InputProofs[i]))
		for j, s := range req.InputProofs[i] {
			sib, err := note.DecodeHash(s)
			if err != nil {
				return nil, &ProcessError{Detail: fmt.Sprintf("input %d sibling %d: %v", i, j, err)}
			}
			siblings[j] = sib
		}
		proof := merkletree.Proof{LeafIndex: req.InputIndices[i], Siblings: siblings}
		if !merkletree.VerifyProof(commitment, proof, oldRoot) {
			return nil, &ProcessError{Detail: fmt.Sprintf("merkle proof for input %d does not verify against old root", i)}
		}

		sig, _ := note.DecodeSignature(req.NullifierSignatures[i])
		owner, err := wallet.RecoverOwner(crypto.Keccak256(commitment[:]), sig)
		if err != nil {
			return nil, &ProcessError{Detail: fmt.Sprintf("input %d nullifier signature: %v", i, err)}
		}
		if owner != n.OwnerPubkey {
			return nil, &ProcessError{Detail: fmt.Sprintf("input %d nullifier signature does not recover the note owner", i)}
		}
	}

	report(StageComputing)

	var inSum, outSum uint64
	for _, n := range inputs {
		inSum += n.Amount
	}
	outputs := make([]note.Note, len(req.OutputNotes))
	outputCommitments := make([][32]byte, len(req.OutputNotes))
	for i, d := range req.OutputNotes {
		outputs[i], _ = NoteFromWire(d)
		outSum += outputs[i].Amount
		outputCommitments[i] = outputs[i].Commitment()
	}
	if inSum != outSum {
		return nil, &ProcessError{Detail: fmt.Sprintf("value not conserved: inputs %d, outputs %d", inSum, outSum)}
	}

	nullifiers := make([][32]byte, len(inputs))
	for i := range inputs {
		sig, _ := note.DecodeSignature(req.NullifierSignatures[i])
		nf, err := note.NullifierFromSignature(sig)
		if err != nil {
			return nil, &ProcessError{Detail: fmt.Sprintf("input %d: %v", i, err)}
		}
		nullifiers[i] = nf
	}

	for _, c := range outputCommitments {
		tree.Insert(c)
	}
	newRoot := tree.Root()

	report(StageProving)
	if l.Latency > 0 {
		select {
		case <-time.After(l.Latency):
		case <-ctx.Done():
			return nil, &ProcessError{Detail: "timeout"}
		}
	}

	publicValues := encodePublicValues(oldRoot, newRoot, nullifiers, outputCommitments)
	proofBytes := crypto.Keccak256(append([]byte(mockProofDomain), publicValues...))

	outs := PublicOutputs{
		OldRoot:           note.EncodeHash(oldRoot),
		NewRoot:           note.EncodeHash(newRoot),
		Nullifiers:        make([]string, len(nullifiers)),
		OutputCommitments: make([]string, len(outputCommitments)),
	}
	for i, nf := range nullifiers {
		outs.Nullifiers[i] = note.EncodeHash(nf)
	}
	for i, c := range outputCommitments {
		outs.OutputCommitments[i] = note.EncodeHash(c)
	}

	logging.Logger().Debug().
		Int("inputs", len(inputs)).
		Int("outputs", len(outputs)).
		Str("new_root", outs.NewRoot).
		Msg("simulated proof complete")

	return &Response{
		Proof:           "0x" + hex.EncodeToString(proofBytes),
		PublicValuesRaw: "0x" + hex.EncodeToString(publicValues),
		PublicOutputs:   outs,
		VKeyHash:        MockVKeyHash,
	}, nil
}

// encodePublicValues lays the decoded outputs into the byte order the
// on-chain verifier commits to: oldRoot, newRoot, then the length-prefixed
// nullifier and commitment sets.
func encodePublicValues(oldRoot, newRoot [32]byte, nullifiers, outputs [][32]byte) []byte {
	buf := make([]byte, 0, 64+2+32*(len(nullifiers)+len(outputs)))
	buf = append(buf, oldRoot[:]...)
	buf = append(buf, newRoot[:]...)
	buf = append(buf, byte(len(nullifiers)))
	for _, nf := range nullifiers {
		buf = append(buf, nf[:]...)
	}
	buf = append(buf, byte(len(outputs)))
	for _, c := range outputs {
		buf = append(buf, c[:]...)
	}
	return buf
}
