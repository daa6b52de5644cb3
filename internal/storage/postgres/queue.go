package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/numhive/platform/internal/domain/queue"
)

// --- QueueStore -------------------------------------------------------------

const jobColumns = `id, queue, job_type, payload, status, priority, attempts, max_attempts,
	dedup_key, correlation_id, run_at, locked_by, locked_at, last_error, created_at, updated_at`

type jobRow struct {
	ID            int64        `db:"id"`
	Queue         string       `db:"queue"`
	JobType       string       `db:"job_type"`
	Payload       []byte       `db:"payload"`
	Status        string       `db:"status"`
	Priority      int          `db:"priority"`
	Attempts      int          `db:"attempts"`
	MaxAttempts   int          `db:"max_attempts"`
	DedupKey      string       `db:"dedup_key"`
	CorrelationID string       `db:"correlation_id"`
	RunAt         time.Time    `db:"run_at"`
	LockedBy      string       `db:"locked_by"`
	LockedAt      sql.NullTime `db:"locked_at"`
	LastError     string       `db:"last_error"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r jobRow) toDomain() queue.Job {
	return queue.Job{
		ID:            r.ID,
		Queue:         r.Queue,
		Type:          r.JobType,
		Payload:       json.RawMessage(r.Payload),
		Status:        queue.Status(r.Status),
		Priority:      r.Priority,
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		DedupKey:      r.DedupKey,
		CorrelationID: r.CorrelationID,
		RunAt:         r.RunAt.UTC(),
		LockedBy:      r.LockedBy,
		LockedAt:      timePtr(r.LockedAt),
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (s *Store) EnqueueJob(ctx context.Context, j queue.Job) (queue.Job, error) {
	if j.Queue == "" {
		j.Queue = "default"
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 5
	}
	if j.Priority == 0 {
		j.Priority = 100
	}
	payload := j.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.Status = queue.StatusPending
	j.CreatedAt = now
	j.UpdatedAt = now

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO queue_jobs (queue, job_type, payload, status, priority, max_attempts, dedup_key, correlation_id, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id
	`, j.Queue, j.Type, []byte(payload), string(j.Status), j.Priority, j.MaxAttempts,
		j.DedupKey, j.CorrelationID, j.RunAt.UTC(), now).Scan(&j.ID)
	if err != nil {
		// A live twin with the same dedup key absorbs the submission.
		if isUniqueViolation(err) && j.DedupKey != "" {
			var r jobRow
			getErr := s.db.GetContext(ctx, &r, `
				SELECT `+jobColumns+` FROM queue_jobs
				WHERE queue = $1 AND dedup_key = $2 AND status IN ('pending', 'running')
				ORDER BY id DESC
				LIMIT 1
			`, j.Queue, j.DedupKey)
			if getErr == nil {
				return r.toDomain(), nil
			}
			if !errors.Is(getErr, sql.ErrNoRows) {
				return queue.Job{}, getErr
			}
		}
		return queue.Job{}, err
	}
	j.Payload = payload
	return j, nil
}

func (s *Store) ClaimJobs(ctx context.Context, queueName, workerID string, limit int, now time.Time) ([]queue.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE queue_jobs
		SET status = 'running', locked_by = $2, locked_at = $3,
			attempts = attempts + 1, updated_at = $3
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue = $1 AND status = 'pending' AND run_at <= $3
			ORDER BY priority, run_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns+`
	`, queueName, workerID, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]queue.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'completed', locked_by = '', locked_at = NULL, last_error = '', updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id int64, reason string, retryAt time.Time) (queue.Job, error) {
	// Attempts were spent at claim time; the budget decides dead vs retry.
	var r jobRow
	err := s.db.GetContext(ctx, &r, `
		UPDATE queue_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'pending' END,
			run_at = CASE WHEN attempts >= max_attempts THEN run_at ELSE $3 END,
			last_error = $2, locked_by = '', locked_at = NULL, updated_at = $4
		WHERE id = $1
		RETURNING `+jobColumns+`
	`, id, reason, retryAt.UTC(), time.Now().UTC())
	if err != nil {
		return queue.Job{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) ReleaseStuckJobs(ctx context.Context, lockedBefore time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'pending', locked_by = '', locked_at = NULL, updated_at = $2
		WHERE status = 'running' AND locked_at < $1
	`, lockedBefore.UTC(), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (s *Store) PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_jobs WHERE status IN ('completed', 'dead') AND updated_at < $1
	`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (s *Store) CountJobs(ctx context.Context, queueName string) (map[queue.Status]int64, error) {
	query := `SELECT status, COUNT(*) FROM queue_jobs`
	args := []interface{}{}
	if queueName != "" {
		query += ` WHERE queue = $1`
		args = append(args, queueName)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[queue.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[queue.Status(status)] = n
	}
	return out, rows.Err()
}
