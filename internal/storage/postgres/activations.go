package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/numhive/platform/internal/domain/activation"
	"github.com/numhive/platform/internal/storage"
)

// --- ActivationStore --------------------------------------------------------

const activationColumns = `id, user_id, provider_id, price, idempotency_key, state,
	reserved_tx_id, captured_tx_id, refund_tx_id, service_code, country_code, operator_id,
	provider_activation_id, phone_number, number_id, expires_at, created_at, updated_at`

type activationRow struct {
	ID                   string       `db:"id"`
	UserID               string       `db:"user_id"`
	ProviderID           string       `db:"provider_id"`
	Price                int64        `db:"price"`
	IdempotencyKey       string       `db:"idempotency_key"`
	State                string       `db:"state"`
	ReservedTxID         string       `db:"reserved_tx_id"`
	CapturedTxID         string       `db:"captured_tx_id"`
	RefundTxID           string       `db:"refund_tx_id"`
	ServiceCode          string       `db:"service_code"`
	CountryCode          string       `db:"country_code"`
	OperatorID           string       `db:"operator_id"`
	ProviderActivationID string       `db:"provider_activation_id"`
	PhoneNumber          string       `db:"phone_number"`
	NumberID             string       `db:"number_id"`
	ExpiresAt            sql.NullTime `db:"expires_at"`
	CreatedAt            time.Time    `db:"created_at"`
	UpdatedAt            time.Time    `db:"updated_at"`
}

func (r activationRow) toDomain() activation.Activation {
	return activation.Activation{
		ID:                   r.ID,
		UserID:               r.UserID,
		ProviderID:           r.ProviderID,
		Price:                r.Price,
		IdempotencyKey:       r.IdempotencyKey,
		State:                activation.State(r.State),
		ReservedTxID:         r.ReservedTxID,
		CapturedTxID:         r.CapturedTxID,
		RefundTxID:           r.RefundTxID,
		ServiceCode:          r.ServiceCode,
		CountryCode:          r.CountryCode,
		OperatorID:           r.OperatorID,
		ProviderActivationID: r.ProviderActivationID,
		PhoneNumber:          r.PhoneNumber,
		NumberID:             r.NumberID,
		ExpiresAt:            fromNullTime(r.ExpiresAt),
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
}

func (s *Store) CreateActivation(ctx context.Context, a activation.Activation) (activation.Activation, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.State == "" {
		a.State = activation.StateReserved
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activations (`+activationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, a.ID, a.UserID, a.ProviderID, a.Price, a.IdempotencyKey, string(a.State),
		a.ReservedTxID, a.CapturedTxID, a.RefundTxID, a.ServiceCode, a.CountryCode, a.OperatorID,
		a.ProviderActivationID, a.PhoneNumber, a.NumberID, nullTime(a.ExpiresAt), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		// Purchase replays collide on the idempotency key and get the
		// original activation back.
		if isUniqueViolation(err) && a.IdempotencyKey != "" {
			return s.GetActivationByKey(ctx, a.IdempotencyKey)
		}
		return activation.Activation{}, err
	}
	return a, nil
}

func (s *Store) GetActivationByKey(ctx context.Context, key string) (activation.Activation, error) {
	var r activationRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+activationColumns+` FROM activations WHERE idempotency_key = $1
	`, key)
	if err != nil {
		return activation.Activation{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) GetActivation(ctx context.Context, id string) (activation.Activation, error) {
	var r activationRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+activationColumns+` FROM activations WHERE id = $1
	`, id)
	if err != nil {
		return activation.Activation{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) GetActivationByProviderRef(ctx context.Context, providerID, providerActivationID string) (activation.Activation, error) {
	var r activationRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+activationColumns+` FROM activations
		WHERE provider_id = $1 AND provider_activation_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, providerID, providerActivationID)
	if err != nil {
		return activation.Activation{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) GetActivationForUser(ctx context.Context, id, userID string) (activation.Activation, error) {
	var r activationRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+activationColumns+` FROM activations WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return activation.Activation{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) ListActivationsByUser(ctx context.Context, userID string, limit, offset int) ([]activation.Activation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []activationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+activationColumns+` FROM activations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]activation.Activation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) CountActivationsByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM activations WHERE user_id = $1`, userID)
	return n, err
}

func (s *Store) TransitionActivation(ctx context.Context, id string, from, to activation.State, at time.Time) error {
	if !activation.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s is not a legal transition", storage.ErrStateConflict, from, to)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE activations SET state = $3, updated_at = $4 WHERE id = $1 AND state = $2
	`, id, string(from), string(to), at.UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		cur, err := s.GetActivation(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return err
		}
		return fmt.Errorf("%w: activation %s is %s, expected %s", storage.ErrStateConflict, id, cur.State, from)
	}
	return nil
}

func (s *Store) UpdateActivationProviderRef(ctx context.Context, id, providerActivationID, phoneNumber, numberID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE activations
		SET provider_activation_id = $2, phone_number = $3, number_id = $4, updated_at = now()
		WHERE id = $1
	`, id, providerActivationID, phoneNumber, numberID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) SetActivationCapturedTx(ctx context.Context, id, capturedTxID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE activations SET captured_tx_id = $2, updated_at = now() WHERE id = $1
	`, id, capturedTxID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) SetActivationRefundTx(ctx context.Context, id, refundTxID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE activations SET refund_tx_id = $2, updated_at = now() WHERE id = $1 AND refund_tx_id = ''
	`, id, refundTxID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		cur, err := s.GetActivation(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: activation %s already refunded by tx %s", storage.ErrStateConflict, id, cur.RefundTxID)
	}
	return nil
}

func (s *Store) ListUnsettled(ctx context.Context, olderThan time.Time, limit int) ([]activation.Activation, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []activationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+activationColumns+` FROM activations
		WHERE state IN ('FAILED', 'CANCELLED', 'EXPIRED', 'TIMEOUT')
			AND refund_tx_id = ''
			AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]activation.Activation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
