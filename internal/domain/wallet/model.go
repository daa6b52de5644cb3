// Package wallet defines the ledger-backed wallet entities. The transaction
// log is append-only; balance is always derivable as the sum of amounts.
package wallet

import "time"

// Wallet is the per-user balance row. Balance and Reserved are integers of
// the smallest currency unit.
type Wallet struct {
	ID        string
	UserID    string
	Balance   int64
	Reserved  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available returns the spendable balance.
func (w Wallet) Available() int64 { return w.Balance - w.Reserved }

// TransactionType classifies ledger rows.
type TransactionType string

const (
	TxTopup             TransactionType = "topup"
	TxActivationReserve TransactionType = "activation_reserve"
	TxActivationCommit  TransactionType = "activation_commit"
	TxRefund            TransactionType = "refund"
	TxManualAdjust      TransactionType = "manual_adjust"
)

// Transaction is one append-only ledger row. Rows are never updated or
// deleted.
type Transaction struct {
	ID       string
	WalletID string
	UserID   string
	// Amount is signed: negative rows remove funds, positive rows restore
	// or add them. An activation_commit row carries amount 0 and marks the
	// reserve as captured.
	Amount      int64
	Type        TransactionType
	Description string
	// IdempotencyKey is globally unique when present; replays return the
	// stored row verbatim.
	IdempotencyKey *string
	// ReferenceID links the row to its activation when applicable.
	ReferenceID string
	CreatedAt   time.Time
}
