package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/numhive/platform/internal/domain/activation"
	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/storage"
)

// --- NumberStore ------------------------------------------------------------

const numberColumns = `id, user_id, activation_id, provider_id, provider_slug, phone_number,
	service_code, country_code, status, expires_at, error_count, poll_count,
	next_poll_at, last_polled_at, created_at, updated_at`

type numberRow struct {
	ID           string       `db:"id"`
	UserID       string       `db:"user_id"`
	ActivationID string       `db:"activation_id"`
	ProviderID   string       `db:"provider_id"`
	ProviderSlug string       `db:"provider_slug"`
	PhoneNumber  string       `db:"phone_number"`
	ServiceCode  string       `db:"service_code"`
	CountryCode  string       `db:"country_code"`
	Status       string       `db:"status"`
	ExpiresAt    time.Time    `db:"expires_at"`
	ErrorCount   int          `db:"error_count"`
	PollCount    int          `db:"poll_count"`
	NextPollAt   time.Time    `db:"next_poll_at"`
	LastPolledAt sql.NullTime `db:"last_polled_at"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

func (r numberRow) toDomain() number.Number {
	return number.Number{
		ID:           r.ID,
		UserID:       r.UserID,
		ActivationID: r.ActivationID,
		ProviderID:   r.ProviderID,
		ProviderSlug: r.ProviderSlug,
		PhoneNumber:  r.PhoneNumber,
		ServiceCode:  r.ServiceCode,
		CountryCode:  r.CountryCode,
		Status:       number.Status(r.Status),
		ExpiresAt:    r.ExpiresAt.UTC(),
		ErrorCount:   r.ErrorCount,
		PollCount:    r.PollCount,
		NextPollAt:   r.NextPollAt.UTC(),
		LastPolledAt: timePtr(r.LastPolledAt),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func (s *Store) CreateNumber(ctx context.Context, n number.Number) (number.Number, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = number.StatusActive
	}
	now := time.Now().UTC()
	if n.NextPollAt.IsZero() {
		n.NextPollAt = now
	}
	n.CreatedAt = now
	n.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO numbers (`+numberColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, n.ID, n.UserID, n.ActivationID, n.ProviderID, n.ProviderSlug, n.PhoneNumber,
		n.ServiceCode, n.CountryCode, string(n.Status), n.ExpiresAt.UTC(), n.ErrorCount, n.PollCount,
		n.NextPollAt.UTC(), nullTimeFromPtr(n.LastPolledAt), n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return number.Number{}, err
	}
	return n, nil
}

func (s *Store) GetNumber(ctx context.Context, id string) (number.Number, error) {
	var r numberRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+numberColumns+` FROM numbers WHERE id = $1
	`, id)
	if err != nil {
		return number.Number{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) GetNumberForUser(ctx context.Context, id, userID string) (number.Number, error) {
	var r numberRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+numberColumns+` FROM numbers WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return number.Number{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) ListNumbersByUser(ctx context.Context, userID string, activeOnly bool, limit, offset int) ([]number.Number, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + numberColumns + ` FROM numbers WHERE user_id = $1`
	if activeOnly {
		query += ` AND status IN ('active', 'received')`
	}
	query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	var rows []numberRow
	if err := s.db.SelectContext(ctx, &rows, query, userID, limit, offset); err != nil {
		return nil, err
	}
	out := make([]number.Number, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) CountNumbersByUser(ctx context.Context, userID string, activeOnly bool) (int64, error) {
	query := `SELECT COUNT(*) FROM numbers WHERE user_id = $1`
	if activeOnly {
		query += ` AND status IN ('active', 'received')`
	}
	var n int64
	err := s.db.GetContext(ctx, &n, query, userID)
	return n, err
}

func (s *Store) DuePollNumbers(ctx context.Context, now time.Time, limit int) ([]number.Number, error) {
	if limit <= 0 {
		limit = 100
	}
	// Numbers about to expire or stalled on errors are left to the
	// lifecycle cleanup; received numbers poll ahead of fresh ones.
	var rows []numberRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+numberColumns+` FROM numbers
		WHERE status IN ('active', 'received')
		  AND error_count < 5
		  AND next_poll_at <= $1
		  AND expires_at > $2
		ORDER BY (status = 'received') DESC, created_at
		LIMIT $3
	`, now.UTC(), now.UTC().Add(30*time.Second), limit)
	if err != nil {
		return nil, err
	}
	out := make([]number.Number, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) RecordPoll(ctx context.Context, id string, status number.Status, pollErr string, nextPollAt time.Time) error {
	now := time.Now().UTC()
	var (
		result sql.Result
		err    error
	)
	// The pollable-status guard keeps a late poll write from resurrecting
	// a number settled through a concurrent cancel or expiry.
	if pollErr == "" {
		result, err = s.db.ExecContext(ctx, `
			UPDATE numbers
			SET status = $2, error_count = 0, poll_count = poll_count + 1,
				last_polled_at = $3, next_poll_at = $4, updated_at = $3
			WHERE id = $1 AND status IN ('active', 'received')
		`, id, string(status), now, nextPollAt.UTC())
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE numbers
			SET error_count = error_count + 1, poll_count = poll_count + 1,
				last_polled_at = $2, next_poll_at = $3, updated_at = $2
			WHERE id = $1 AND status IN ('active', 'received')
		`, id, now, nextPollAt.UTC())
	}
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) TransitionNumber(ctx context.Context, id string, from, to number.Status, at time.Time) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: number %s is already %s", storage.ErrStateConflict, id, from)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE numbers SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at.UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		cur, err := s.GetNumber(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return err
		}
		return fmt.Errorf("%w: number %s is %s, expected %s", storage.ErrStateConflict, id, cur.Status, from)
	}
	return nil
}

func (s *Store) MarkReceived(ctx context.Context, numberID, activationID string, at time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE numbers SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4
		`, numberID, string(number.StatusReceived), at.UTC(), string(number.StatusActive))
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("%w: number %s is not active", storage.ErrStateConflict, numberID)
		}
		result, err = tx.ExecContext(ctx, `
			UPDATE activations SET state = $2, updated_at = $3 WHERE id = $1 AND state = $4
		`, activationID, string(activation.StateReceived), at.UTC(), string(activation.StateActive))
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("%w: activation %s is not active", storage.ErrStateConflict, activationID)
		}
		return nil
	})
}

const messageColumns = `id, number_id, sender, content, code, confidence, content_hash, fingerprint, received_at, created_at`

type messageRow struct {
	ID          string    `db:"id"`
	NumberID    string    `db:"number_id"`
	Sender      string    `db:"sender"`
	Content     string    `db:"content"`
	Code        string    `db:"code"`
	Confidence  float64   `db:"confidence"`
	ContentHash string    `db:"content_hash"`
	Fingerprint string    `db:"fingerprint"`
	ReceivedAt  time.Time `db:"received_at"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r messageRow) toDomain() number.SmsMessage {
	return number.SmsMessage{
		ID:          r.ID,
		NumberID:    r.NumberID,
		Sender:      r.Sender,
		Content:     r.Content,
		Code:        r.Code,
		Confidence:  r.Confidence,
		ContentHash: r.ContentHash,
		Fingerprint: r.Fingerprint,
		ReceivedAt:  r.ReceivedAt.UTC(),
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

func (s *Store) InsertMessages(ctx context.Context, rows []number.SmsMessage) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	batch := make([]messageRow, 0, len(rows))
	for _, m := range rows {
		receivedAt := m.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = now
		}
		batch = append(batch, messageRow{
			ID:          m.ID,
			NumberID:    m.NumberID,
			Sender:      m.Sender,
			Content:     m.Content,
			Code:        m.Code,
			Confidence:  m.Confidence,
			ContentHash: m.ContentHash,
			Fingerprint: m.Fingerprint,
			ReceivedAt:  receivedAt.UTC(),
			CreatedAt:   now,
		})
	}
	// Redelivered messages collide on the composite id and drop out here.
	result, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sms_messages (`+messageColumns+`)
		VALUES (:id, :number_id, :sender, :content, :code, :confidence, :content_hash, :fingerprint, :received_at, :created_at)
		ON CONFLICT (id) DO NOTHING
	`, batch)
	if err != nil {
		return 0, err
	}
	inserted, _ := result.RowsAffected()
	return int(inserted), nil
}

func (s *Store) ListMessages(ctx context.Context, numberID string) ([]number.SmsMessage, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM sms_messages WHERE number_id = $1 ORDER BY received_at, id
	`, numberID)
	if err != nil {
		return nil, err
	}
	out := make([]number.SmsMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type auditRow struct {
	ID        string    `db:"id"`
	NumberID  string    `db:"number_id"`
	Operation string    `db:"operation"`
	Status    string    `db:"status"`
	Detail    string    `db:"detail"`
	LatencyMs int64     `db:"latency_ms"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) AppendAudit(ctx context.Context, rows []number.PollAudit) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := make([]auditRow, 0, len(rows))
	for _, a := range rows {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		batch = append(batch, auditRow{
			ID:        id,
			NumberID:  a.NumberID,
			Operation: a.Operation,
			Status:    a.Status,
			Detail:    a.Detail,
			LatencyMs: a.LatencyMs,
			CreatedAt: createdAt.UTC(),
		})
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO poll_audit (id, number_id, operation, status, detail, latency_ms, created_at)
		VALUES (:id, :number_id, :operation, :status, :detail, :latency_ms, :created_at)
	`, batch)
	return err
}

func (s *Store) ListAudit(ctx context.Context, numberID string, limit int) ([]number.PollAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, number_id, operation, status, detail, latency_ms, created_at
		FROM poll_audit
		WHERE number_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, numberID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]number.PollAudit, 0, len(rows))
	for _, r := range rows {
		out = append(out, number.PollAudit{
			ID:        r.ID,
			NumberID:  r.NumberID,
			Operation: r.Operation,
			Status:    r.Status,
			Detail:    r.Detail,
			LatencyMs: r.LatencyMs,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return out, nil
}
