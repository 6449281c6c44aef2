package builder

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto/ecies"

	"shielded/orchestrator/note"
)

// notePlaintextLen is amount (8 LE bytes) || owner (32) || blinding (32).
const notePlaintextLen = 72

// EncryptNote seals a note's full contents to the recipient's key so they
// can recognize and later spend the output without any off-band exchange.
func EncryptNote(recipient *ecdsa.PublicKey, n note.Note) ([]byte, error) {
	plaintext := make([]byte, notePlaintextLen)
	binary.LittleEndian.PutUint64(plaintext[:8], n.Amount)
	copy(plaintext[8:40], n.OwnerPubkey[:])
	copy(plaintext[40:72], n.Blinding[:])

	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(recipient), plaintext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ecies encryption: %w", err)
	}
	return ct, nil
}

// DecryptNote opens a sealed output with the recipient's private key.
func DecryptNote(priv *ecdsa.PrivateKey, ciphertext []byte) (note.Note, error) {
	plaintext, err := ecies.ImportECDSA(priv).Decrypt(ciphertext, nil, nil)
	if err != nil {
		return note.Note{}, fmt.Errorf("ecies decryption: %w", err)
	}
	if len(plaintext) != notePlaintextLen {
		return note.Note{}, fmt.Errorf("expected %d-byte note plaintext, got %d", notePlaintextLen, len(plaintext))
	}

	var owner, blinding [32]byte
	copy(owner[:], plaintext[8:40])
	copy(blinding[:], plaintext[40:72])
	return note.New(binary.LittleEndian.Uint64(plaintext[:8]), owner, blinding), nil
}

func decodeHexBytes(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	return raw, nil
}
