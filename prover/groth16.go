package prover

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
)

// A wrapped Groth16 proof on BN254 is eight 32-byte field elements:
// ar (2), bs (4), krs (2). The proving service prepends a 4-byte
// verifier selector which the codec strips.
const (
	fpSize            = 32
	groth16ProofWords = 8
	selectorSize      = 4
)

// Groth16JSON is the point-wise JSON form of a wrapped proof, each
// coordinate a 0x-prefixed 64-digit hex number.
type Groth16JSON struct {
	Ar  [2]string    `json:"ar"`
	Bs  [2][2]string `json:"bs"`
	Krs [2]string    `json:"krs"`
}

func fromHex(i *big.Int, s string) error {
	s = strings.TrimPrefix(s, "0x")
	if _, ok := i.SetString(s, 16); !ok {
		return fmt.Errorf("invalid number: %s", s)
	}
	return nil
}

func toHex(i *big.Int) string {
	return fmt.Sprintf("0x%064x", i)
}

// DecodeGroth16 parses a hex proof artifact into a gnark proof object,
// which validates that the bytes are well-formed curve points.
func DecodeGroth16(proofHex string) (groth16.Proof, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(proofHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding proof hex: %w", err)
	}
	if len(raw) == selectorSize+groth16ProofWords*fpSize {
		raw = raw[selectorSize:]
	}
	if len(raw) != groth16ProofWords*fpSize {
		return nil, fmt.Errorf("unexpected proof length %d", len(raw))
	}

	proof := groth16.NewProof(ecc.BN254)

	// Newer gnark proof encodings carry trailing commitment fields; pad
	// with zeros so ReadFrom sees the size it expects.
	probe := groth16.NewProof(ecc.BN254)
	var probeBuf bytes.Buffer
	if _, err := probe.WriteRawTo(&probeBuf); err != nil {
		return nil, fmt.Errorf("probing proof size: %w", err)
	}
	full := make([]byte, 0, probeBuf.Len())
	full = append(full, raw...)
	if probeBuf.Len() > len(full) {
		full = append(full, make([]byte, probeBuf.Len()-len(full))...)
	}

	if _, err := proof.ReadFrom(bytes.NewReader(full)); err != nil {
		return nil, fmt.Errorf("reading proof points: %w", err)
	}
	return proof, nil
}

// Groth16ToJSON splits a hex proof artifact into its ar/bs/krs
// coordinates for contract call data.
func Groth16ToJSON(proofHex string) (*Groth16JSON, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(proofHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding proof hex: %w", err)
	}
	if len(raw) == selectorSize+groth16ProofWords*fpSize {
		raw = raw[selectorSize:]
	}
	if len(raw) != groth16ProofWords*fpSize {
		return nil, fmt.Errorf("unexpected proof length %d", len(raw))
	}

	words := [groth16ProofWords]string{}
	for i := 0; i < groth16ProofWords; i++ {
		words[i] = toHex(new(big.Int).SetBytes(raw[i*fpSize : (i+1)*fpSize]))
	}
	return &Groth16JSON{
		Ar:  [2]string{words[0], words[1]},
		Bs:  [2][2]string{{words[2], words[3]}, {words[4], words[5]}},
		Krs: [2]string{words[6], words[7]},
	}, nil
}

// Groth16FromJSON reassembles the flat proof bytes from their point-wise
// JSON form.
func Groth16FromJSON(j *Groth16JSON) ([]byte, error) {
	words := [groth16ProofWords]string{
		j.Ar[0], j.Ar[1],
		j.Bs[0][0], j.Bs[0][1],
		j.Bs[1][0], j.Bs[1][1],
		j.Krs[0], j.Krs[1],
	}
	out := make([]byte, groth16ProofWords*fpSize)
	for i, w := range words {
		var n big.Int
		if err := fromHex(&n, w); err != nil {
			return nil, err
		}
		b := n.Bytes()
		if len(b) > fpSize {
			return nil, fmt.Errorf("coordinate %d overflows 32 bytes", i)
		}
		copy(out[i*fpSize+fpSize-len(b):(i+1)*fpSize], b)
	}
	return out, nil
}
