package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/numhive/platform/internal/domain/outbox"
)

// --- OutboxStore ------------------------------------------------------------

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, processed,
	retry_count, processed_at, error, created_at`

type outboxRow struct {
	ID            int64        `db:"id"`
	AggregateType string       `db:"aggregate_type"`
	AggregateID   string       `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Processed     bool         `db:"processed"`
	RetryCount    int          `db:"retry_count"`
	ProcessedAt   sql.NullTime `db:"processed_at"`
	Error         string       `db:"error"`
	CreatedAt     time.Time    `db:"created_at"`
}

func (r outboxRow) toDomain() outbox.Event {
	return outbox.Event{
		ID:            r.ID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Payload:       json.RawMessage(r.Payload),
		Processed:     r.Processed,
		RetryCount:    r.RetryCount,
		ProcessedAt:   timePtr(r.ProcessedAt),
		Error:         r.Error,
		CreatedAt:     r.CreatedAt.UTC(),
	}
}

func (s *Store) InsertEvent(ctx context.Context, e outbox.Event) (outbox.Event, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	e.CreatedAt = time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, e.AggregateType, e.AggregateID, e.EventType, []byte(payload), e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return outbox.Event{}, err
	}
	e.Payload = payload
	return e, nil
}

// ClaimPending returns the oldest unprocessed events still inside their
// retry budget. Delivery is at-least-once: a crash between claim and mark
// re-delivers the batch.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]outbox.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []outboxRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE NOT processed AND retry_count < $1
		ORDER BY id
		LIMIT $2
	`, outbox.MaxRetries, limit)
	if err != nil {
		return nil, err
	}
	out := make([]outbox.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) MarkProcessed(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET processed = TRUE, processed_at = $2, error = '' WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET retry_count = retry_count + 1, error = $2 WHERE id = $1
	`, id, reason)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_events WHERE processed AND processed_at < $1
	`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM outbox_events WHERE NOT processed AND retry_count < $1
	`, outbox.MaxRetries)
	return n, err
}

// CountDeadLettered counts unprocessed events past their retry budget.
func (s *Store) CountDeadLettered(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM outbox_events WHERE NOT processed AND retry_count >= $1
	`, outbox.MaxRetries)
	return n, err
}

func (s *Store) OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest sql.NullTime
	err := s.db.GetContext(ctx, &oldest, `
		SELECT MIN(created_at) FROM outbox_events WHERE NOT processed AND retry_count < $1
	`, outbox.MaxRetries)
	if err != nil {
		return 0, err
	}
	if !oldest.Valid {
		return 0, nil
	}
	age := now.UTC().Sub(oldest.Time.UTC())
	if age < 0 {
		age = 0
	}
	return age, nil
}

func (s *Store) RecordWebhookEvent(ctx context.Context, e outbox.WebhookEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return false, err
	}
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, provider_slug, idempotency_key, payload, headers, source_ip, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, e.ID, e.ProviderSlug, e.IdempotencyKey, []byte(payload), headers, e.SourceIP, receivedAt.UTC())
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

const notificationColumns = `id, user_id, endpoint_url, event_type, payload, attempt_count,
	next_attempt, delivered_at, last_error, created_at`

type notificationRow struct {
	ID           string       `db:"id"`
	UserID       string       `db:"user_id"`
	EndpointURL  string       `db:"endpoint_url"`
	EventType    string       `db:"event_type"`
	Payload      []byte       `db:"payload"`
	AttemptCount int          `db:"attempt_count"`
	NextAttempt  time.Time    `db:"next_attempt"`
	DeliveredAt  sql.NullTime `db:"delivered_at"`
	LastError    string       `db:"last_error"`
	CreatedAt    time.Time    `db:"created_at"`
}

func (r notificationRow) toDomain() outbox.Notification {
	return outbox.Notification{
		ID:           r.ID,
		UserID:       r.UserID,
		EndpointURL:  r.EndpointURL,
		EventType:    r.EventType,
		Payload:      json.RawMessage(r.Payload),
		AttemptCount: r.AttemptCount,
		NextAttempt:  r.NextAttempt.UTC(),
		DeliveredAt:  timePtr(r.DeliveredAt),
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

func (s *Store) EnqueueNotification(ctx context.Context, n outbox.Notification) (outbox.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	payload := n.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	if n.NextAttempt.IsZero() {
		n.NextAttempt = now
	}
	n.CreatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, endpoint_url, event_type, payload, attempt_count, next_attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.UserID, n.EndpointURL, n.EventType, []byte(payload), n.AttemptCount, n.NextAttempt.UTC(), n.CreatedAt)
	if err != nil {
		return outbox.Notification{}, err
	}
	n.Payload = payload
	return n, nil
}

func (s *Store) DueNotifications(ctx context.Context, now time.Time, limit int) ([]outbox.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE delivered_at IS NULL AND attempt_count < $1 AND next_attempt <= $2
		ORDER BY next_attempt
		LIMIT $3
	`, outbox.MaxDeliveryAttempts, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]outbox.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) MarkNotificationDelivered(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET delivered_at = $2, last_error = '' WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) RescheduleNotification(ctx context.Context, id string, attempt int, nextAttempt time.Time, lastError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET attempt_count = $2, next_attempt = $3, last_error = $4 WHERE id = $1
	`, id, attempt, nextAttempt.UTC(), lastError)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type endpointRow struct {
	ID         string    `db:"id"`
	UserID     string    `db:"user_id"`
	URL        string    `db:"url"`
	Secret     string    `db:"secret"`
	EventTypes string    `db:"event_types"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r endpointRow) toDomain() outbox.WebhookEndpoint {
	return outbox.WebhookEndpoint{
		ID:         r.ID,
		UserID:     r.UserID,
		URL:        r.URL,
		Secret:     r.Secret,
		EventTypes: splitEventTypes(r.EventTypes),
		Active:     r.Active,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

func splitEventTypes(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) CreateWebhookEndpoint(ctx context.Context, e outbox.WebhookEndpoint) (outbox.WebhookEndpoint, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.Active = true
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, user_id, url, secret, event_types, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.UserID, e.URL, e.Secret, strings.Join(e.EventTypes, ","), e.Active, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return outbox.WebhookEndpoint{}, err
	}
	return e, nil
}

func (s *Store) ListWebhookEndpoints(ctx context.Context, userID string, activeOnly bool) ([]outbox.WebhookEndpoint, error) {
	query := `SELECT id, user_id, url, secret, event_types, active, created_at, updated_at
		FROM webhook_endpoints WHERE user_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY created_at`

	var rows []endpointRow
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}
	out := make([]outbox.WebhookEndpoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) DeleteWebhookEndpoint(ctx context.Context, id, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE webhook_endpoints SET active = FALSE, updated_at = $3 WHERE id = $1 AND user_id = $2
	`, id, userID, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
