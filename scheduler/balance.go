package scheduler

import (
	"fmt"

	"shielded/orchestrator/wallet"
)

// Balance violation kinds. Diagnostic only: recorded and reported, never
// run-halting.
const (
	ViolationBalanceInconsistent = "balance_inconsistent"
	ViolationWrongAmountReceived = "wrong_amount_received"
)

// BalanceViolation is a failed conservation check on one wallet.
type BalanceViolation struct {
	Wallet string
	Kind   string
	Detail string
}

func (v BalanceViolation) String() string {
	return fmt.Sprintf("%s[%s]: %s", v.Kind, v.Wallet, v.Detail)
}

// BalanceVerifier tracks the arithmetic each wallet's balance should
// follow: starting balance minus sent amounts plus received amounts. After
// every confirmed edge the tracked expectation is compared against the
// balance derived from the wallet's UTXO set.
type BalanceVerifier struct {
	expected map[string]uint64
}

// NewBalanceVerifier snapshots the wallets' starting balances.
func NewBalanceVerifier(wallets map[string]*wallet.Wallet) *BalanceVerifier {
	expected := make(map[string]uint64, len(wallets))
	for name, w := range wallets {
		expected[name] = w.Balance()
	}
	return &BalanceVerifier{expected: expected}
}

// ApplyTransfer advances the expectations for one confirmed transfer.
func (b *BalanceVerifier) ApplyTransfer(from, to string, amount uint64) {
	b.expected[from] -= amount
	b.expected[to] += amount
}

// CheckEdge verifies both endpoints of a just-confirmed edge: each side's
// UTXO-derived balance must match the expectation, and the receiver's
// newest UTXO must carry exactly the transferred amount.
func (b *BalanceVerifier) CheckEdge(from, to *wallet.Wallet, amount uint64) []BalanceViolation {
	var violations []BalanceViolation
	violations = append(violations, b.checkWallet(from)...)
	violations = append(violations, b.checkWallet(to)...)

	newest, ok := to.Newest()
	if !ok || newest.Note.Amount != amount {
		got := uint64(0)
		if ok {
			got = newest.Note.Amount
		}
		violations = append(violations, BalanceViolation{
			Wallet: to.Name,
			Kind:   ViolationWrongAmountReceived,
			Detail: fmt.Sprintf("expected newest note of %d, got %d", amount, got),
		})
	}
	return violations
}

// Final runs the balance predicate over every wallet.
func (b *BalanceVerifier) Final(wallets map[string]*wallet.Wallet) []BalanceViolation {
	var violations []BalanceViolation
	for _, w := range wallets {
		violations = append(violations, b.checkWallet(w)...)
	}
	return violations
}

func (b *BalanceVerifier) checkWallet(w *wallet.Wallet) []BalanceViolation {
	got := w.Balance()
	want := b.expected[w.Name]
	if got == want {
		return nil
	}
	return []BalanceViolation{{
		Wallet: w.Name,
		Kind:   ViolationBalanceInconsistent,
		Detail: fmt.Sprintf("utxo set sums to %d, ledger arithmetic expects %d", got, want),
	}}
}
