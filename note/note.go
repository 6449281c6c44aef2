// Package note implements the confidential note commitment scheme shared
// with the proving circuit and the on-chain verifier. The byte layout of
// every digest here is consensus-critical: it must match both sides
// bit-for-bit or proofs stop binding to the notes they claim to spend.
package note

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Domain separators. Versioned so a future scheme change cannot collide
// with digests produced under the current one.
const (
	commitmentDomain = "NOTE_COMMITMENT_v1"
	nullifierDomain  = "NULLIFIER_v1"
)

// SignatureLen is the length of an authorization signature: 64 bytes of
// r||s plus one recovery byte (v in {27, 28}).
const SignatureLen = 65

// Note is a confidential value record. Only its commitment ever appears on
// the ledger; amount and blinding stay in the owner's wallet and in proof
// witnesses.
type Note struct {
	Amount      uint64
	OwnerPubkey [32]byte
	Blinding    [32]byte
}

// New creates a note with the given amount, owner and blinding.
func New(amount uint64, owner [32]byte, blinding [32]byte) Note {
	return Note{Amount: amount, OwnerPubkey: owner, Blinding: blinding}
}

// Commitment computes the hiding, binding digest of the note:
// BLAKE3(domain || amount as 8 little-endian bytes || owner || blinding).
func (n Note) Commitment() [32]byte {
	return Commit(n.Amount, n.OwnerPubkey, n.Blinding)
}

// Commit is the raw commitment function. Amount is serialized as exactly
// 8 little-endian bytes regardless of magnitude.
func Commit(amount uint64, owner [32]byte, blinding [32]byte) [32]byte {
	h := blake3.New()
	h.Write([]byte(commitmentDomain))
	var amt [8]byte
	for i := 0; i < 8; i++ {
		amt[i] = byte(amount >> (8 * i))
	}
	h.Write(amt[:])
	h.Write(owner[:])
	h.Write(blinding[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NullifierFromSignature derives the public spend marker for a note from
// the owner's authorization signature over its commitment:
// BLAKE3(domain || signature). The signature is deterministic (RFC 6979),
// so the nullifier is stable, and observers cannot link it back to the
// commitment without the signature itself.
func NullifierFromSignature(sig []byte) ([32]byte, error) {
	var out [32]byte
	if len(sig) != SignatureLen {
		return out, fmt.Errorf("nullifier signature must be %d bytes, got %d", SignatureLen, len(sig))
	}
	h := blake3.New()
	h.Write([]byte(nullifierDomain))
	h.Write(sig)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// EncodeHash renders a 32-byte value as 0x-prefixed hex, the wire encoding
// used by the prover and the ledger.
func EncodeHash(b [32]byte) string {
	return "0x" + hex.EncodeToString(b[:])
}

// DecodeHash parses a 0x-prefixed (or bare) hex string into exactly 32 bytes.
func DecodeHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// EncodeSignature renders a 65-byte signature as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// DecodeSignature parses a hex signature and checks its length.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature %q: %w", s, err)
	}
	if len(raw) != SignatureLen {
		return nil, fmt.Errorf("expected %d-byte signature, got %d", SignatureLen, len(raw))
	}
	return raw, nil
}
