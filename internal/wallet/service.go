// Package wallet implements the ledger-backed wallet operations. Every
// mutation is an idempotent ledger op; balances are never written directly.
package wallet

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"

	"github.com/numhive/platform/internal/domain/wallet"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100

	// integrityPageSize bounds the ledger scan of VerifyIntegrity.
	integrityPageSize = 500
)

// Service exposes wallet reads and the four ledger verbs.
type Service struct {
	wallets storage.WalletStore
	log     *logger.Logger
}

// New creates the wallet service.
func New(wallets storage.WalletStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("wallet")
	}
	return &Service{wallets: wallets, log: log}
}

// Wallet returns the user's wallet, provisioning it on first access.
func (s *Service) Wallet(ctx context.Context, userID string) (wallet.Wallet, error) {
	if strings.TrimSpace(userID) == "" {
		return wallet.Wallet{}, errors.MissingField("userId")
	}
	w, err := s.wallets.GetWallet(ctx, userID)
	if stderrors.Is(err, sql.ErrNoRows) {
		w, err = s.wallets.CreateWallet(ctx, userID)
	}
	if err != nil {
		return wallet.Wallet{}, errors.Database(err)
	}
	return w, nil
}

// Topup credits funds to the available balance.
func (s *Service) Topup(ctx context.Context, userID string, amountCents int64, idempotencyKey, description string) (wallet.Transaction, error) {
	if err := s.validateOp(userID, amountCents, idempotencyKey); err != nil {
		return wallet.Transaction{}, err
	}
	if description == "" {
		description = "wallet top-up"
	}
	if _, err := s.Wallet(ctx, userID); err != nil {
		return wallet.Transaction{}, err
	}
	tx, err := s.wallets.Credit(ctx, storage.LedgerOp{
		UserID:         userID,
		Amount:         amountCents,
		Type:           wallet.TxTopup,
		IdempotencyKey: idempotencyKey,
		Description:    description,
	})
	if err != nil {
		return wallet.Transaction{}, errors.WalletTxFailed(err)
	}
	s.log.WithFields(map[string]interface{}{
		"user_id": userID,
		"amount":  amountCents,
	}).Info("wallet credited")
	return tx, nil
}

// Reserve places a hold on available funds for an activation.
func (s *Service) Reserve(ctx context.Context, userID, activationID string, amountCents int64, idempotencyKey string) (wallet.Transaction, error) {
	if err := s.validateOp(userID, amountCents, idempotencyKey); err != nil {
		return wallet.Transaction{}, err
	}
	if _, err := s.Wallet(ctx, userID); err != nil {
		return wallet.Transaction{}, err
	}
	tx, err := s.wallets.Reserve(ctx, storage.LedgerOp{
		UserID:         userID,
		Amount:         amountCents,
		Type:           wallet.TxActivationReserve,
		IdempotencyKey: idempotencyKey,
		ActivationID:   activationID,
		Description:    "number reservation hold",
	})
	if err != nil {
		if stderrors.Is(err, storage.ErrInsufficientFunds) {
			return wallet.Transaction{}, errors.InsufficientFunds()
		}
		return wallet.Transaction{}, errors.WalletTxFailed(err)
	}
	return tx, nil
}

// Commit captures a previously reserved amount as spent.
func (s *Service) Commit(ctx context.Context, userID, activationID string, amountCents int64, idempotencyKey string) (wallet.Transaction, error) {
	if err := s.validateOp(userID, amountCents, idempotencyKey); err != nil {
		return wallet.Transaction{}, err
	}
	tx, err := s.wallets.Commit(ctx, storage.LedgerOp{
		UserID:         userID,
		Amount:         amountCents,
		Type:           wallet.TxActivationCommit,
		IdempotencyKey: idempotencyKey,
		ActivationID:   activationID,
		Description:    "number purchase capture",
	})
	if err != nil {
		return wallet.Transaction{}, errors.WalletTxFailed(err)
	}
	return tx, nil
}

// Rollback releases a hold back to the available balance.
func (s *Service) Rollback(ctx context.Context, userID, activationID string, amountCents int64, idempotencyKey, reason string) (wallet.Transaction, error) {
	if err := s.validateOp(userID, amountCents, idempotencyKey); err != nil {
		return wallet.Transaction{}, err
	}
	if reason == "" {
		reason = "reservation released"
	}
	tx, err := s.wallets.Rollback(ctx, storage.LedgerOp{
		UserID:         userID,
		Amount:         amountCents,
		Type:           wallet.TxRefund,
		IdempotencyKey: idempotencyKey,
		ActivationID:   activationID,
		Description:    reason,
	})
	if err != nil {
		return wallet.Transaction{}, errors.WalletTxFailed(err)
	}
	s.log.WithFields(map[string]interface{}{
		"user_id":       userID,
		"activation_id": activationID,
		"amount":        amountCents,
	}).Info("reservation rolled back")
	return tx, nil
}

// Refund credits back an amount that was already captured.
func (s *Service) Refund(ctx context.Context, userID, activationID string, amountCents int64, idempotencyKey, reason string) (wallet.Transaction, error) {
	if err := s.validateOp(userID, amountCents, idempotencyKey); err != nil {
		return wallet.Transaction{}, err
	}
	if reason == "" {
		reason = "activation refund"
	}
	tx, err := s.wallets.Credit(ctx, storage.LedgerOp{
		UserID:         userID,
		Amount:         amountCents,
		Type:           wallet.TxRefund,
		IdempotencyKey: idempotencyKey,
		ActivationID:   activationID,
		Description:    reason,
	})
	if err != nil {
		return wallet.Transaction{}, errors.WalletTxFailed(err)
	}
	s.log.WithFields(map[string]interface{}{
		"user_id":       userID,
		"activation_id": activationID,
		"amount":        amountCents,
	}).Info("captured amount refunded")
	return tx, nil
}

// Adjust credits a manual balance correction. Debits are not supported
// here; money only leaves a wallet through the reserve/commit path.
func (s *Service) Adjust(ctx context.Context, userID string, amountCents int64, idempotencyKey, reason string) (wallet.Transaction, error) {
	if err := s.validateOp(userID, amountCents, idempotencyKey); err != nil {
		return wallet.Transaction{}, err
	}
	if reason == "" {
		return wallet.Transaction{}, errors.MissingField("reason")
	}
	if _, err := s.Wallet(ctx, userID); err != nil {
		return wallet.Transaction{}, err
	}
	tx, err := s.wallets.Credit(ctx, storage.LedgerOp{
		UserID:         userID,
		Amount:         amountCents,
		Type:           wallet.TxManualAdjust,
		IdempotencyKey: idempotencyKey,
		Description:    reason,
	})
	if err != nil {
		return wallet.Transaction{}, errors.WalletTxFailed(err)
	}
	return tx, nil
}

// Transactions lists one page of the user's ledger, newest first, along
// with the total row count for pagination.
func (s *Service) Transactions(ctx context.Context, userID string, limit, offset int) ([]wallet.Transaction, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, 0, errors.MissingField("userId")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.wallets.ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, errors.Database(err)
	}
	total, err := s.wallets.CountTransactions(ctx, userID)
	if err != nil {
		return nil, 0, errors.Database(err)
	}
	return rows, total, nil
}

// TransactionByKey resolves a ledger row by its idempotency key.
func (s *Service) TransactionByKey(ctx context.Context, idempotencyKey string) (wallet.Transaction, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return wallet.Transaction{}, errors.MissingField("idempotencyKey")
	}
	tx, err := s.wallets.GetTransactionByKey(ctx, idempotencyKey)
	if stderrors.Is(err, sql.ErrNoRows) {
		return wallet.Transaction{}, errors.NotFound("transaction")
	}
	if err != nil {
		return wallet.Transaction{}, errors.Database(err)
	}
	return tx, nil
}

// IntegrityReport is the outcome of a wallet audit.
type IntegrityReport struct {
	WalletID  string `json:"walletId"`
	Balance   int64  `json:"balance"`
	Reserved  int64  `json:"reserved"`
	LedgerSum int64  `json:"ledgerSum"`
	// Consistent is true when balance - reserved equals the ledger sum.
	Consistent bool `json:"consistent"`
}

// VerifyIntegrity recomputes the ledger sum and compares it against the
// stored balance. With no outstanding holds the balance itself must equal
// the sum; with holds, balance minus reserved does.
func (s *Service) VerifyIntegrity(ctx context.Context, userID string) (IntegrityReport, error) {
	w, err := s.Wallet(ctx, userID)
	if err != nil {
		return IntegrityReport{}, err
	}

	var sum int64
	offset := 0
	for {
		rows, err := s.wallets.ListTransactions(ctx, userID, integrityPageSize, offset)
		if err != nil {
			return IntegrityReport{}, errors.Database(err)
		}
		for _, tx := range rows {
			sum += tx.Amount
		}
		if len(rows) < integrityPageSize {
			break
		}
		offset += len(rows)
	}

	report := IntegrityReport{
		WalletID:   w.ID,
		Balance:    w.Balance,
		Reserved:   w.Reserved,
		LedgerSum:  sum,
		Consistent: w.Balance-w.Reserved == sum,
	}
	if !report.Consistent {
		s.log.WithFields(map[string]interface{}{
			"wallet_id":  w.ID,
			"balance":    w.Balance,
			"reserved":   w.Reserved,
			"ledger_sum": sum,
		}).Error("wallet ledger drift detected")
	}
	return report, nil
}

func (s *Service) validateOp(userID string, amountCents int64, idempotencyKey string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.MissingField("userId")
	}
	if amountCents <= 0 {
		return errors.Validation("amount must be a positive number of cents")
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return errors.MissingField("idempotencyKey")
	}
	return nil
}
