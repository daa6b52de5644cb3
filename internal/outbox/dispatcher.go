// Package outbox drains the transactional event tail: rows co-committed
// with domain writes are routed to the search index, the job queue and
// webhook subscribers, in id order, at least once.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/domain/queue"
	"github.com/numhive/platform/internal/metrics"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

// providerRequestAttempts is the retry budget of queued upstream calls.
const providerRequestAttempts = 5

// Index is the slice of the search indexer the dispatcher routes offer
// events through. A nil Index skips index maintenance.
type Index interface {
	IndexOffer(ctx context.Context, documentID string) error
	RemoveOffer(ctx context.Context, documentID string) error
	RemoveProvider(ctx context.Context, providerSlug string) error
	IndexProvider(ctx context.Context, providerID string) (int, error)
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Store storage.OutboxStore
	Jobs  storage.QueueStore
	// Index may be nil when the process runs without a search engine.
	Index  Index
	Config config.OutboxConfig
}

// Dispatcher claims pending outbox rows and routes them by event type.
// Failures bump the row's retry count; rows past the budget become dead
// letters visible only through metrics.
type Dispatcher struct {
	store storage.OutboxStore
	jobs  storage.QueueStore
	index Index
	cfg   config.OutboxConfig
	log   *logger.Logger
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(d Deps, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("outbox")
	}
	cfg := d.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	return &Dispatcher{
		store: d.Store,
		jobs:  d.Jobs,
		index: d.Index,
		cfg:   cfg,
		log:   log,
	}
}

// DispatchPending drains one batch and refreshes the backlog gauges.
// Returns how many events were handled, success or not; the master worker
// uses a non-zero count as a turbo signal.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	events, err := d.store.ClaimPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim pending: %w", err)
	}
	for _, e := range events {
		if ctx.Err() != nil {
			break
		}
		if err := d.route(ctx, e); err != nil {
			d.fail(ctx, e, err)
			continue
		}
		if err := d.store.MarkProcessed(ctx, e.ID); err != nil {
			d.log.WithError(err).WithField("event_id", e.ID).Error("mark outbox event processed")
			continue
		}
		metrics.RecordOutboxEvent("success")
	}
	d.refreshGauges(ctx)
	return len(events), nil
}

// fail books one dispatch failure and flags the transition into the dead
// letter set.
func (d *Dispatcher) fail(ctx context.Context, e outbox.Event, cause error) {
	if err := d.store.MarkFailed(ctx, e.ID, cause.Error()); err != nil {
		d.log.WithError(err).WithField("event_id", e.ID).Error("mark outbox event failed")
		return
	}
	if e.RetryCount+1 >= outbox.MaxRetries {
		metrics.RecordOutboxEvent("dead")
		d.log.WithFields(map[string]interface{}{
			"event_id":   e.ID,
			"event_type": e.EventType,
			"aggregate":  e.AggregateType + "/" + e.AggregateID,
			"error":      cause.Error(),
		}).Error("outbox event dead-lettered")
		return
	}
	metrics.RecordOutboxEvent("error")
	d.log.WithError(cause).WithFields(map[string]interface{}{
		"event_id":   e.ID,
		"event_type": e.EventType,
	}).Warn("outbox dispatch failed, will retry")
}

func (d *Dispatcher) refreshGauges(ctx context.Context) {
	pending, err := d.store.CountPending(ctx)
	if err != nil {
		return
	}
	lag, err := d.store.OldestPendingAge(ctx, time.Now().UTC())
	if err != nil {
		return
	}
	metrics.SetOutboxBacklog(int(pending), lag)
	if dead, err := d.store.CountDeadLettered(ctx); err == nil {
		metrics.SetOutboxDeadLetters(int(dead))
	}
}

// route executes the side effect one event stands for. Unknown types are
// errors so schema drift surfaces as dead letters instead of silent loss.
func (d *Dispatcher) route(ctx context.Context, e outbox.Event) error {
	switch e.EventType {
	case outbox.EventOfferCreated, outbox.EventOfferUpdated:
		return d.reindexOffer(ctx, e)
	case outbox.EventOfferUpserted:
		return d.reindexProvider(ctx, e)
	case outbox.EventOfferDeleted:
		return d.dropFromIndex(ctx, e)
	case outbox.EventAggregateUpdated:
		// Aggregates live in the relational store; the index needs nothing.
		return nil
	case outbox.EventProviderSynced:
		d.log.WithFields(map[string]interface{}{
			"provider": gjson.GetBytes(e.Payload, "providerSlug").String(),
			"status":   gjson.GetBytes(e.Payload, "status").String(),
			"took_ms":  gjson.GetBytes(e.Payload, "tookMs").Int(),
		}).Info("provider catalogue synced")
		return nil
	case outbox.EventProviderRequest:
		return d.enqueueProviderRequest(ctx, e)
	case outbox.EventActivationRefunded:
		return d.fanOutToSubscribers(ctx, e)
	case outbox.EventJobFailedPermanently:
		d.log.WithFields(map[string]interface{}{
			"queue":    gjson.GetBytes(e.Payload, "queue").String(),
			"job_type": gjson.GetBytes(e.Payload, "type").String(),
			"error":    gjson.GetBytes(e.Payload, "error").String(),
		}).Error("job failed permanently")
		return nil
	default:
		return fmt.Errorf("outbox: no route for event type %q", e.EventType)
	}
}

func (d *Dispatcher) reindexOffer(ctx context.Context, e outbox.Event) error {
	if d.index == nil {
		return nil
	}
	id := gjson.GetBytes(e.Payload, "offerId").String()
	if id == "" {
		id = e.AggregateID
	}
	return d.index.IndexOffer(ctx, id)
}

func (d *Dispatcher) reindexProvider(ctx context.Context, e outbox.Event) error {
	if d.index == nil {
		return nil
	}
	id := gjson.GetBytes(e.Payload, "providerId").String()
	if id == "" {
		id = e.AggregateID
	}
	_, err := d.index.IndexProvider(ctx, id)
	return err
}

// dropFromIndex removes a single document or, for provider-level prunes,
// every document the provider still has in the index.
func (d *Dispatcher) dropFromIndex(ctx context.Context, e outbox.Event) error {
	if d.index == nil {
		return nil
	}
	if id := gjson.GetBytes(e.Payload, "offerId").String(); id != "" {
		return d.index.RemoveOffer(ctx, id)
	}
	if slug := gjson.GetBytes(e.Payload, "providerSlug").String(); slug != "" {
		return d.index.RemoveProvider(ctx, slug)
	}
	return d.index.RemoveOffer(ctx, e.AggregateID)
}

// enqueueProviderRequest turns the event into a durable job; the dedup key
// collapses redeliveries of the same activation request.
func (d *Dispatcher) enqueueProviderRequest(ctx context.Context, e outbox.Event) error {
	doc := gjson.ParseBytes(e.Payload)
	activationID := doc.Get("activationId").String()
	action := doc.Get("action").String()
	if activationID == "" || action == "" {
		return fmt.Errorf("outbox: provider_request %d missing action or activation", e.ID)
	}
	_, err := d.jobs.EnqueueJob(ctx, queue.Job{
		Queue:       queue.QueueLifecycleCleanup,
		Type:        queue.TypeProviderRequest,
		Payload:     e.Payload,
		MaxAttempts: providerRequestAttempts,
		DedupKey:    "provider_request:" + action + ":" + activationID,
	})
	return err
}

// fanOutToSubscribers queues one notification per webhook endpoint that
// subscribes to the event, then nudges the delivery queue.
func (d *Dispatcher) fanOutToSubscribers(ctx context.Context, e outbox.Event) error {
	userID := gjson.GetBytes(e.Payload, "userId").String()
	if userID == "" {
		return fmt.Errorf("outbox: %s event %d has no userId", e.EventType, e.ID)
	}
	endpoints, err := d.store.ListWebhookEndpoints(ctx, userID, true)
	if err != nil {
		return fmt.Errorf("outbox: list endpoints: %w", err)
	}
	queued := 0
	for _, ep := range endpoints {
		if !ep.Wants(e.EventType) {
			continue
		}
		if _, err := d.store.EnqueueNotification(ctx, outbox.Notification{
			UserID:      userID,
			EndpointURL: ep.URL,
			EventType:   e.EventType,
			Payload:     e.Payload,
		}); err != nil {
			return fmt.Errorf("outbox: enqueue notification: %w", err)
		}
		queued++
	}
	if queued == 0 {
		return nil
	}
	payload, _ := json.Marshal(map[string]int{"queued": queued})
	if _, err := d.jobs.EnqueueJob(ctx, queue.Job{
		Queue:       queue.QueueNotificationDelivery,
		Type:        queue.TypeWebhookDelivery,
		Payload:     payload,
		MaxAttempts: 3,
		DedupKey:    "notification-delivery-pass",
	}); err != nil {
		// The master tick also drives delivery; losing the nudge only
		// delays it.
		d.log.WithError(err).Debug("queue delivery pass")
	}
	return nil
}

// Purge removes processed rows older than the retention window. Runs
// hourly from the scheduler.
func (d *Dispatcher) Purge(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.cfg.RetentionDays)
	n, err := d.store.PurgeProcessed(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: purge processed: %w", err)
	}
	if n > 0 {
		d.log.WithField("purged", n).Info("purged processed outbox events")
	}
	return n, nil
}
