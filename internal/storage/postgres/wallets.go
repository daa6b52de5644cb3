package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/numhive/platform/internal/domain/wallet"
	"github.com/numhive/platform/internal/storage"
)

// --- WalletStore ------------------------------------------------------------
//
// Every ledger op runs in one transaction: the wallet row is locked, the
// ledger row is inserted and the counters are updated together. The wallet
// balance keeps reserved funds until a commit removes them, so the ledger
// sum equals the balance again once no reservation is pending.

const walletColumns = `id, user_id, balance, reserved, created_at, updated_at`

const txColumns = `id, wallet_id, user_id, amount, type, description, idempotency_key, reference_id, created_at`

type walletRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Balance   int64     `db:"balance"`
	Reserved  int64     `db:"reserved"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r walletRow) toDomain() wallet.Wallet {
	return wallet.Wallet{
		ID:        r.ID,
		UserID:    r.UserID,
		Balance:   r.Balance,
		Reserved:  r.Reserved,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

type txRow struct {
	ID             string         `db:"id"`
	WalletID       string         `db:"wallet_id"`
	UserID         string         `db:"user_id"`
	Amount         int64          `db:"amount"`
	Type           string         `db:"type"`
	Description    string         `db:"description"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	ReferenceID    string         `db:"reference_id"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r txRow) toDomain() wallet.Transaction {
	out := wallet.Transaction{
		ID:          r.ID,
		WalletID:    r.WalletID,
		UserID:      r.UserID,
		Amount:      r.Amount,
		Type:        wallet.TransactionType(r.Type),
		Description: r.Description,
		ReferenceID: r.ReferenceID,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.IdempotencyKey.Valid {
		k := r.IdempotencyKey.String
		out.IdempotencyKey = &k
	}
	return out
}

func (s *Store) GetWallet(ctx context.Context, userID string) (wallet.Wallet, error) {
	var r walletRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id = $1
	`, userID)
	if err != nil {
		return wallet.Wallet{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) CreateWallet(ctx context.Context, userID string) (wallet.Wallet, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, reserved, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.NewString(), userID, time.Now().UTC())
	if err != nil {
		return wallet.Wallet{}, err
	}
	return s.GetWallet(ctx, userID)
}

type ledgerKind int

const (
	ledgerCredit ledgerKind = iota
	ledgerReserve
	ledgerCommit
	ledgerRollback
)

func (s *Store) Credit(ctx context.Context, op storage.LedgerOp) (wallet.Transaction, error) {
	return s.applyLedgerOp(ctx, op, ledgerCredit)
}

func (s *Store) Reserve(ctx context.Context, op storage.LedgerOp) (wallet.Transaction, error) {
	return s.applyLedgerOp(ctx, op, ledgerReserve)
}

func (s *Store) Commit(ctx context.Context, op storage.LedgerOp) (wallet.Transaction, error) {
	return s.applyLedgerOp(ctx, op, ledgerCommit)
}

func (s *Store) Rollback(ctx context.Context, op storage.LedgerOp) (wallet.Transaction, error) {
	return s.applyLedgerOp(ctx, op, ledgerRollback)
}

func (s *Store) applyLedgerOp(ctx context.Context, op storage.LedgerOp, kind ledgerKind) (wallet.Transaction, error) {
	if op.Amount < 0 {
		return wallet.Transaction{}, fmt.Errorf("ledger amount must not be negative: %d", op.Amount)
	}

	var out wallet.Transaction
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Lock the wallet row first so replays of the same key on one
		// wallet serialize behind the lock.
		var w walletRow
		if err := tx.GetContext(ctx, &w, `
			SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE
		`, op.UserID); err != nil {
			return err
		}

		if op.IdempotencyKey != "" {
			var prev txRow
			err := tx.GetContext(ctx, &prev, `
				SELECT `+txColumns+` FROM wallet_transactions WHERE idempotency_key = $1
			`, op.IdempotencyKey)
			if err == nil {
				out = prev.toDomain()
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		amount := int64(0)
		balance := w.Balance
		reserved := w.Reserved
		switch kind {
		case ledgerCredit:
			amount = op.Amount
			balance += op.Amount
		case ledgerReserve:
			if w.Balance-w.Reserved < op.Amount {
				return storage.ErrInsufficientFunds
			}
			amount = -op.Amount
			reserved += op.Amount
		case ledgerCommit:
			if w.Reserved < op.Amount {
				return storage.ErrReservationShort
			}
			// Capture marker: the reserve row already carries the debit.
			amount = 0
			balance -= op.Amount
			reserved -= op.Amount
		case ledgerRollback:
			if w.Reserved < op.Amount {
				return storage.ErrReservationShort
			}
			amount = op.Amount
			reserved -= op.Amount
		}

		now := time.Now().UTC()
		row := txRow{
			ID:          uuid.NewString(),
			WalletID:    w.ID,
			UserID:      op.UserID,
			Amount:      amount,
			Type:        string(op.Type),
			Description: op.Description,
			ReferenceID: op.ActivationID,
			CreatedAt:   now,
		}
		if op.IdempotencyKey != "" {
			row.IdempotencyKey = sql.NullString{String: op.IdempotencyKey, Valid: true}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (`+txColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, row.ID, row.WalletID, row.UserID, row.Amount, row.Type, row.Description,
			row.IdempotencyKey, row.ReferenceID, row.CreatedAt); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance = $2, reserved = $3, updated_at = $4 WHERE id = $1
		`, w.ID, balance, reserved, now); err != nil {
			return err
		}

		out = row.toDomain()
		return nil
	})
	if err != nil {
		// A concurrent writer on another wallet can still race the global
		// key uniqueness; the stored row wins.
		if isUniqueViolation(err) && op.IdempotencyKey != "" {
			return s.GetTransactionByKey(ctx, op.IdempotencyKey)
		}
		return wallet.Transaction{}, err
	}
	return out, nil
}

func (s *Store) GetTransactionByKey(ctx context.Context, idempotencyKey string) (wallet.Transaction, error) {
	var r txRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+txColumns+` FROM wallet_transactions WHERE idempotency_key = $1
	`, idempotencyKey)
	if err != nil {
		return wallet.Transaction{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]wallet.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []txRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+txColumns+` FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]wallet.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) CountTransactions(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM wallet_transactions WHERE user_id = $1
	`, userID)
	return n, err
}

func (s *Store) SumByActivation(ctx context.Context, activationID string) (map[wallet.TransactionType]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COALESCE(SUM(amount), 0)
		FROM wallet_transactions
		WHERE reference_id = $1
		GROUP BY type
	`, activationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[wallet.TransactionType]int64)
	for rows.Next() {
		var (
			typ string
			sum int64
		)
		if err := rows.Scan(&typ, &sum); err != nil {
			return nil, err
		}
		out[wallet.TransactionType(typ)] = sum
	}
	return out, rows.Err()
}
