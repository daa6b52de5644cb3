// Package queue runs the durable job queue: a publish/claim service over
// the relational store, cron registration for scheduled queues and the
// master worker tick that orchestrates the background pipeline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/domain/queue"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/metrics"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

const (
	// retryBase is the first retry delay; each further attempt doubles it.
	retryBase = 30 * time.Second
	// retryCap bounds the doubling.
	retryCap = 10 * time.Minute
)

// Handler executes one claimed job. A nil return completes the job; an
// error books a retry until the attempt budget is spent.
type Handler func(ctx context.Context, job queue.Job) error

// PublishOptions tunes one job submission.
type PublishOptions struct {
	// StartAfter delays the first run.
	StartAfter time.Duration
	// DedupKey collapses resubmission while a matching job is live.
	DedupKey string
	// CorrelationID ties the job to the request or event producing it.
	CorrelationID string
	Priority      int
	MaxAttempts   int
}

// Service is the queue facade shared by producers and the worker loops.
// One instance serves every queue; handlers are keyed by job type.
type Service struct {
	store    storage.QueueStore
	outbox   storage.OutboxStore
	workerID string
	cfg      config.WorkerConfig
	log      *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates the service. outboxStore may be nil; dead-lettered jobs are
// then only logged and counted.
func New(store storage.QueueStore, outboxStore storage.OutboxStore, cfg config.WorkerConfig, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("queue")
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 2 * time.Second
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 5 * time.Minute
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Service{
		store:    store,
		outbox:   outboxStore,
		workerID: host + "-" + uuid.NewString()[:8],
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Later registrations replace
// earlier ones; registration is not safe once Work loops run.
func (s *Service) Register(jobType string, h Handler) {
	s.mu.Lock()
	s.handlers[jobType] = h
	s.mu.Unlock()
}

func (s *Service) handler(jobType string) (Handler, bool) {
	s.mu.RLock()
	h, ok := s.handlers[jobType]
	s.mu.RUnlock()
	return h, ok
}

// Publish appends a job. The payload marshals to JSON; a nil payload
// stores an empty object so handlers can always unmarshal.
func (s *Service) Publish(ctx context.Context, queueName, jobType string, payload interface{}, opts *PublishOptions) (queue.Job, error) {
	if queueName == "" || jobType == "" {
		return queue.Job{}, errors.Validation("queue and job type are required")
	}
	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return queue.Job{}, errors.Validation("job payload not serializable")
		}
		raw = b
	}
	j := queue.Job{
		Queue:   queueName,
		Type:    jobType,
		Payload: raw,
		RunAt:   time.Now().UTC(),
	}
	if opts != nil {
		if opts.StartAfter > 0 {
			j.RunAt = j.RunAt.Add(opts.StartAfter)
		}
		j.DedupKey = opts.DedupKey
		j.CorrelationID = opts.CorrelationID
		j.Priority = opts.Priority
		j.MaxAttempts = opts.MaxAttempts
	}
	stored, err := s.store.EnqueueJob(ctx, j)
	if err != nil {
		return queue.Job{}, errors.Database(err)
	}
	metrics.RecordQueueJob(queueName, "published")
	return stored, nil
}

// Fetch claims up to batch runnable jobs for this worker.
func (s *Service) Fetch(ctx context.Context, queueName string, batch int) ([]queue.Job, error) {
	if batch <= 0 {
		batch = s.cfg.FetchBatch
	}
	jobs, err := s.store.ClaimJobs(ctx, queueName, s.workerID, batch, time.Now().UTC())
	if err != nil {
		return nil, errors.Database(err)
	}
	return jobs, nil
}

// Work consumes queueName until ctx is cancelled. Claimed batches run
// with bounded concurrency; empty passes sleep the idle delay.
func (s *Service) Work(ctx context.Context, queueName string) error {
	for {
		n, err := s.RunOnce(ctx, queueName)
		if err != nil {
			s.log.WithError(err).WithField("queue", queueName).Error("queue pass failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.IdleDelay):
		}
	}
}

// RunOnce claims one batch from queueName and runs it to completion.
// Returns how many jobs ran.
func (s *Service) RunOnce(ctx context.Context, queueName string) (int, error) {
	jobs, err := s.Fetch(ctx, queueName, s.cfg.FetchBatch)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			s.runJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

func (s *Service) runJob(ctx context.Context, job queue.Job) {
	h, ok := s.handler(job.Type)
	if !ok {
		s.failJob(ctx, job, fmt.Errorf("no handler for job type %q", job.Type))
		return
	}
	if err := h(ctx, job); err != nil {
		s.failJob(ctx, job, err)
		return
	}
	if err := s.store.CompleteJob(ctx, job.ID); err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("complete job")
		return
	}
	metrics.RecordQueueJob(job.Queue, "success")
}

func (s *Service) failJob(ctx context.Context, job queue.Job, cause error) {
	retryAt := time.Now().UTC().Add(retryDelay(job.Attempts))
	updated, err := s.store.FailJob(ctx, job.ID, cause.Error(), retryAt)
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("book job failure")
		return
	}
	if updated.Status == queue.StatusDead {
		metrics.RecordQueueJob(job.Queue, "dead")
		s.recordDeadJob(ctx, updated, cause)
		s.log.WithError(cause).WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"queue":    job.Queue,
			"job_type": job.Type,
			"attempts": updated.Attempts,
		}).Error("job dead-lettered")
		return
	}
	metrics.RecordQueueJob(job.Queue, "error")
	s.log.WithError(cause).WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"queue":    job.Queue,
		"job_type": job.Type,
		"attempt":  updated.Attempts,
		"retry_at": retryAt.Format(time.RFC3339),
	}).Warn("job failed, retry booked")
}

// recordDeadJob appends the terminal failure to the outbox so operators
// see it on the event trail, not only in logs.
func (s *Service) recordDeadJob(ctx context.Context, job queue.Job, cause error) {
	if s.outbox == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"jobId":         job.ID,
		"queue":         job.Queue,
		"type":          job.Type,
		"attempts":      job.Attempts,
		"error":         cause.Error(),
		"correlationId": job.CorrelationID,
	})
	if err != nil {
		return
	}
	_, err = s.outbox.InsertEvent(ctx, outbox.Event{
		AggregateType: "job",
		AggregateID:   strconv.FormatInt(job.ID, 10),
		EventType:     outbox.EventJobFailedPermanently,
		Payload:       payload,
	})
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Warn("record dead job event")
	}
}

// Status reports per-state job counts for one queue and refreshes the
// backlog gauge.
func (s *Service) Status(ctx context.Context, queueName string) (map[queue.Status]int64, error) {
	counts, err := s.store.CountJobs(ctx, queueName)
	if err != nil {
		return nil, errors.Database(err)
	}
	metrics.SetQueueDepth(queueName, int(counts[queue.StatusPending]))
	return counts, nil
}

// Maintain releases locks abandoned by dead workers and purges settled
// jobs past retention. Runs from the cleanup job.
func (s *Service) Maintain(ctx context.Context) (released, purged int64, err error) {
	released, err = s.store.ReleaseStuckJobs(ctx, time.Now().UTC().Add(-s.cfg.StuckAfter))
	if err != nil {
		return 0, 0, errors.Database(err)
	}
	if released > 0 {
		s.log.WithField("count", released).Warn("released stuck jobs")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	purged, err = s.store.PurgeJobs(ctx, cutoff)
	if err != nil {
		return released, 0, errors.Database(err)
	}
	return released, purged, nil
}

func retryDelay(attempts int) time.Duration {
	d := retryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}
