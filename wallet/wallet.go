// Package wallet holds per-participant key material and the set of unspent
// notes tracked against the accumulator. Signing follows the Ethereum
// personal-sign scheme so signatures recover on-chain and inside the
// circuit identically.
package wallet

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"shielded/orchestrator/note"
)

const personalSignPrefix = "\x19Ethereum Signed Message:\n32"

// UTXO is a note the wallet can spend, pinned to the accumulator position
// it was inserted at. Indices are assigned by the ledger in insertion
// order and never reused.
type UTXO struct {
	Note  note.Note
	Index uint64
	Spent bool
}

// Wallet is one participant: an address, a secp256k1 keypair and the
// ordered set of tracked UTXOs. UTXO mutations happen only on the
// scheduler loop; the mutex exists for concurrent balance reads from
// reporting and metrics.
type Wallet struct {
	Name string

	priv    *ecdsa.PrivateKey
	address string

	mu    sync.Mutex
	utxos []*UTXO
}

// New generates a wallet with a fresh keypair.
func New(name string) (*Wallet, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating wallet key: %w", err)
	}
	return fromKey(name, priv), nil
}

// NewFromHex builds a wallet from a hex-encoded private key, for
// reproducible scenarios.
func NewFromHex(name, privHex string) (*Wallet, error) {
	priv, err := crypto.HexToECDSA(privHex)
	if err != nil {
		return nil, fmt.Errorf("parsing wallet key: %w", err)
	}
	return fromKey(name, priv), nil
}

func fromKey(name string, priv *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		Name:    name,
		priv:    priv,
		address: crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}
}

// Address returns the wallet's Ethereum address.
func (w *Wallet) Address() string {
	return w.address
}

// PublicKey returns the wallet's public key for output encryption.
func (w *Wallet) PublicKey() *ecdsa.PublicKey {
	return &w.priv.PublicKey
}

// PrivateKey exposes the key for decrypting incoming sealed outputs.
func (w *Wallet) PrivateKey() *ecdsa.PrivateKey {
	return w.priv
}

// OwnerPubkey is the 32-byte note-owner identity: the X coordinate of the
// compressed public key, matching what the circuit recovers from
// signatures.
func (w *Wallet) OwnerPubkey() [32]byte {
	var out [32]byte
	compressed := crypto.CompressPubkey(&w.priv.PublicKey)
	copy(out[:], compressed[1:])
	return out
}

// Balance sums the wallet's unspent UTXO amounts.
func (w *Wallet) Balance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total uint64
	for _, u := range w.utxos {
		if !u.Spent {
			total += u.Note.Amount
		}
	}
	return total
}

// AddUTXO records a newly confirmed note at its accumulator index.
func (w *Wallet) AddUTXO(n note.Note, index uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.utxos = append(w.utxos, &UTXO{Note: n, Index: index})
}

// MarkSpent flags the UTXO at the given accumulator index as consumed.
func (w *Wallet) MarkSpent(index uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, u := range w.utxos {
		if u.Index == index {
			if u.Spent {
				return fmt.Errorf("utxo at index %d already spent", index)
			}
			u.Spent = true
			return nil
		}
	}
	return fmt.Errorf("no utxo at index %d", index)
}

// Unspent returns a snapshot of the wallet's spendable UTXOs in insertion
// order.
func (w *Wallet) Unspent() []UTXO {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]UTXO, 0, len(w.utxos))
	for _, u := range w.utxos {
		if !u.Spent {
			out = append(out, *u)
		}
	}
	return out
}

// Newest returns the most recently added UTXO, spent or not.
func (w *Wallet) Newest() (UTXO, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.utxos) == 0 {
		return UTXO{}, false
	}
	return *w.utxos[len(w.utxos)-1], true
}

// SelectInputs picks a covering subset of unspent UTXOs for the amount,
// largest first, and returns the change. Any covering selection is
// correct; largest-first keeps input counts small.
func (w *Wallet) SelectInputs(amount uint64) ([]UTXO, uint64, error) {
	candidates := w.Unspent()
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Note.Amount > candidates[j].Note.Amount
	})

	var selected []UTXO
	var total uint64
	for _, u := range candidates {
		if total >= amount {
			break
		}
		selected = append(selected, u)
		total += u.Note.Amount
	}
	if total < amount {
		return nil, 0, fmt.Errorf("insufficient balance: have %d, need %d", total, amount)
	}
	return selected, total - amount, nil
}

// SignNullifier authorizes spending a note: a personal-sign signature over
// Keccak256(commitment). The nullifier is derived from this signature, so
// it must be deterministic for the note to have a stable spend marker.
func (w *Wallet) SignNullifier(commitment [32]byte) ([]byte, error) {
	return w.signDigest(crypto.Keccak256(commitment[:]))
}

// SignTransaction binds the authorization to the exact output set:
// a signature over nullifier || concat(outputCommitments). Without this an
// intermediary could swap outputs after the nullifier signature was given.
func (w *Wallet) SignTransaction(nullifier [32]byte, outputCommitments [][32]byte) ([]byte, error) {
	msg := make([]byte, 0, 32+32*len(outputCommitments))
	msg = append(msg, nullifier[:]...)
	for _, c := range outputCommitments {
		msg = append(msg, c[:]...)
	}
	return w.signDigest(crypto.Keccak256(msg))
}

func (w *Wallet) signDigest(digest []byte) ([]byte, error) {
	prefixed := crypto.Keccak256(append([]byte(personalSignPrefix), digest...))
	sig, err := crypto.Sign(prefixed, w.priv)
	if err != nil {
		return nil, fmt.Errorf("signing digest: %w", err)
	}
	// crypto.Sign yields v in {0,1}; the circuit and contract expect the
	// transaction-style {27,28}.
	sig[64] += 27
	return sig, nil
}

// RecoverOwner recovers the 32-byte owner pubkey from a personal-sign
// signature over digest. Used by tests and the local prover to mirror the
// circuit's ownership check.
func RecoverOwner(digest, sig []byte) ([32]byte, error) {
	var out [32]byte
	if len(sig) != note.SignatureLen {
		return out, fmt.Errorf("expected %d-byte signature, got %d", note.SignatureLen, len(sig))
	}
	normalized := make([]byte, note.SignatureLen)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	prefixed := crypto.Keccak256(append([]byte(personalSignPrefix), digest...))
	pub, err := crypto.SigToPub(prefixed, normalized)
	if err != nil {
		return out, fmt.Errorf("recovering signer: %w", err)
	}
	compressed := crypto.CompressPubkey(pub)
	copy(out[:], compressed[1:])
	return out, nil
}

// RandomBlinding draws 32 bytes of fresh commitment entropy.
func RandomBlinding() ([32]byte, error) {
	var out [32]byte
	if _, err := rand.Read(out[:]); err != nil {
		return out, fmt.Errorf("drawing blinding: %w", err)
	}
	return out, nil
}
