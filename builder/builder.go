// Package builder assembles proof requests for transfers: input
// selection, output note construction, authorization signatures, witness
// merkle proofs and recipient-encrypted output payloads.
package builder

import (
	"context"
	"fmt"

	"shielded/orchestrator/ledger"
	"shielded/orchestrator/logging"
	"shielded/orchestrator/merkletree"
	"shielded/orchestrator/note"
	"shielded/orchestrator/prover"
	"shielded/orchestrator/security"
	"shielded/orchestrator/wallet"
)

// Transfer is an assembled transfer: the proving request plus everything
// the scheduler needs to apply wallet state once the ledger confirms.
type Transfer struct {
	Request *prover.Request

	InputUTXOs []wallet.UTXO
	Payment    note.Note
	Change     *note.Note
	OldRoot    [32]byte

	// EncryptedOutputs holds one ciphertext per output commitment, in
	// commitment order: payment to the recipient, change to the sender.
	EncryptedOutputs [][]byte
}

// Builder assembles transfers against the current shadow accumulator,
// gated by the security verifier.
type Builder struct {
	verifier *security.Verifier
}

// New builds a transfer builder.
func New(verifier *security.Verifier) *Builder {
	return &Builder{verifier: verifier}
}

// Build selects inputs from the sender, constructs payment and change
// notes with fresh blinding, signs, and generates witness proofs against
// the tree's current root. The tree must be the synced shadow of the
// ledger the transfer will be submitted to.
func (b *Builder) Build(ctx context.Context, from, to *wallet.Wallet, amount uint64, tree *merkletree.Tree) (*Transfer, error) {
	if amount == 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}

	inputs, changeAmount, err := from.SelectInputs(amount)
	if err != nil {
		return nil, fmt.Errorf("selecting inputs for %s: %w", from.Name, err)
	}

	inputNotes := make([]note.Note, len(inputs))
	inputIndices := make([]uint64, len(inputs))
	for i, u := range inputs {
		inputNotes[i] = u.Note
		inputIndices[i] = u.Index
	}
	if err := b.verifier.Verify(ctx, inputNotes, inputIndices); err != nil {
		return nil, err
	}

	paymentBlinding, err := wallet.RandomBlinding()
	if err != nil {
		return nil, err
	}
	payment := note.New(amount, to.OwnerPubkey(), paymentBlinding)

	outputs := []note.Note{payment}
	var change *note.Note
	if changeAmount > 0 {
		changeBlinding, err := wallet.RandomBlinding()
		if err != nil {
			return nil, err
		}
		c := note.New(changeAmount, from.OwnerPubkey(), changeBlinding)
		change = &c
		outputs = append(outputs, c)
	}

	outputCommitments := make([][32]byte, len(outputs))
	for i, o := range outputs {
		outputCommitments[i] = o.Commitment()
	}

	oldRoot := tree.Root()
	req := &prover.Request{
		InputNotes:          make([]prover.NoteData, len(inputs)),
		OutputNotes:         make([]prover.NoteData, len(outputs)),
		NullifierSignatures: make([]string, len(inputs)),
		TxSignatures:        make([]string, len(inputs)),
		InputIndices:        inputIndices,
		InputProofs:         make([][]string, len(inputs)),
		OldRoot:             note.EncodeHash(oldRoot),
	}

	for i, u := range inputs {
		req.InputNotes[i] = prover.NoteToWire(u.Note)

		nullifierSig, err := from.SignNullifier(u.Note.Commitment())
		if err != nil {
			return nil, fmt.Errorf("signing nullifier for input %d: %w", i, err)
		}
		nf, err := note.NullifierFromSignature(nullifierSig)
		if err != nil {
			return nil, err
		}
		txSig, err := from.SignTransaction(nf, outputCommitments)
		if err != nil {
			return nil, fmt.Errorf("signing transaction binding for input %d: %w", i, err)
		}
		req.NullifierSignatures[i] = note.EncodeSignature(nullifierSig)
		req.TxSignatures[i] = note.EncodeSignature(txSig)

		proof, err := tree.GenerateProof(u.Index)
		if err != nil {
			return nil, fmt.Errorf("witness proof for input %d: %w", i, err)
		}
		siblings := make([]string, len(proof.Siblings))
		for j, s := range proof.Siblings {
			siblings[j] = note.EncodeHash(s)
		}
		req.InputProofs[i] = siblings
	}

	for i, o := range outputs {
		req.OutputNotes[i] = prover.NoteToWire(o)
	}

	encrypted := make([][]byte, 0, len(outputs))
	paymentCt, err := EncryptNote(to.PublicKey(), payment)
	if err != nil {
		return nil, fmt.Errorf("encrypting payment output: %w", err)
	}
	encrypted = append(encrypted, paymentCt)
	if change != nil {
		changeCt, err := EncryptNote(from.PublicKey(), *change)
		if err != nil {
			return nil, fmt.Errorf("encrypting change output: %w", err)
		}
		encrypted = append(encrypted, changeCt)
	}

	logging.Logger().Debug().
		Str("from", from.Name).
		Str("to", to.Name).
		Uint64("amount", amount).
		Int("inputs", len(inputs)).
		Uint64("change", changeAmount).
		Msg("transfer assembled")

	return &Transfer{
		Request:          req,
		InputUTXOs:       inputs,
		Payment:          payment,
		Change:           change,
		OldRoot:          oldRoot,
		EncryptedOutputs: encrypted,
	}, nil
}

// LedgerTransaction shapes a proof response into the ledger submission.
func (t *Transfer) LedgerTransaction(resp *prover.Response) (*ledger.Transaction, error) {
	proofBytes, err := decodeHexBytes(resp.Proof)
	if err != nil {
		return nil, fmt.Errorf("proof artifact: %w", err)
	}
	publicValues, err := decodeHexBytes(resp.PublicValuesRaw)
	if err != nil {
		return nil, fmt.Errorf("public values: %w", err)
	}
	oldRoot, err := note.DecodeHash(resp.PublicOutputs.OldRoot)
	if err != nil {
		return nil, fmt.Errorf("old root: %w", err)
	}
	newRoot, err := note.DecodeHash(resp.PublicOutputs.NewRoot)
	if err != nil {
		return nil, fmt.Errorf("new root: %w", err)
	}

	nullifiers := make([][32]byte, len(resp.PublicOutputs.Nullifiers))
	for i, s := range resp.PublicOutputs.Nullifiers {
		if nullifiers[i], err = note.DecodeHash(s); err != nil {
			return nil, fmt.Errorf("nullifier %d: %w", i, err)
		}
	}
	commitments := make([][32]byte, len(resp.PublicOutputs.OutputCommitments))
	for i, s := range resp.PublicOutputs.OutputCommitments {
		if commitments[i], err = note.DecodeHash(s); err != nil {
			return nil, fmt.Errorf("output commitment %d: %w", i, err)
		}
	}

	// The response must describe this transfer exactly. A prover that
	// returns a different output or nullifier set, even one the ledger
	// would accept, must fail here and take down only the owning transfer.
	expected := [][32]byte{t.Payment.Commitment()}
	if t.Change != nil {
		expected = append(expected, t.Change.Commitment())
	}
	if len(commitments) != len(expected) {
		return nil, fmt.Errorf("prover reported %d output commitments, transfer has %d", len(commitments), len(expected))
	}
	for i := range expected {
		if commitments[i] != expected[i] {
			return nil, fmt.Errorf("output commitment %d does not match the transfer's note", i)
		}
	}
	if len(nullifiers) != len(t.InputUTXOs) {
		return nil, fmt.Errorf("prover reported %d nullifiers, transfer spends %d inputs", len(nullifiers), len(t.InputUTXOs))
	}

	return &ledger.Transaction{
		Proof:             proofBytes,
		PublicValues:      publicValues,
		OldRoot:           oldRoot,
		NewRoot:           newRoot,
		Nullifiers:        nullifiers,
		OutputCommitments: commitments,
		VKeyHash:          resp.VKeyHash,
		EncryptedOutputs:  t.EncryptedOutputs,
	}, nil
}
