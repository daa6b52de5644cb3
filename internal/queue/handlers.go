package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/numhive/platform/internal/domain/queue"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/errors"
)

// reconcileWindow is how long an activation may sit unsettled before the
// reconcile job refunds it.
const reconcileWindow = 30 * time.Minute

// reconcileBatch bounds refunds per reconcile pass.
const reconcileBatch = 100

// Syncer is the catalogue slice driven by sync jobs.
type Syncer interface {
	SyncAll(ctx context.Context) error
	SyncProvider(ctx context.Context, providerID string) error
	SyncBalances(ctx context.Context) (int, error)
	RefreshMetadata(ctx context.Context, providerID string) error
}

// Indexer rebuilds the search index.
type Indexer interface {
	ReindexAll(ctx context.Context) (int, error)
}

// UpstreamVendor is the lifecycle slice of a provider adapter used by
// deferred provider requests.
type UpstreamVendor interface {
	CancelNumber(ctx context.Context, activationID string) error
	SetStatus(ctx context.Context, activationID, status string) error
}

// Vendors resolves the vendor serving a provider.
type Vendors interface {
	Vendor(ctx context.Context, providerID string) (UpstreamVendor, error)
}

// WebhookSink settles parsed provider webhooks.
type WebhookSink interface {
	Process(ctx context.Context, providerID string, payload engine.WebhookPayload) error
}

// Reconciler refunds activations stuck between states.
type Reconciler interface {
	ReconcileUnsettled(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// Aggregates rebuilds the service/country rollups.
type Aggregates interface {
	RebuildAggregates(ctx context.Context, at time.Time) error
}

// Purger trims settled outbox rows.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// WebhookJob is the payload of a webhook_process job, produced by the
// inbound webhook endpoint after signature verification.
type WebhookJob struct {
	ProviderID   string                  `json:"providerId"`
	ActivationID string                  `json:"activationId"`
	Status       string                  `json:"status"`
	Messages     []engine.InboundMessage `json:"messages,omitempty"`
}

// Handlers bundles the domain operations the job types drive. Nil fields
// leave their job types unregistered.
type Handlers struct {
	Syncer     Syncer
	Indexer    Indexer
	Vendors    Vendors
	Webhooks   WebhookSink
	Notifier   Deliverer
	Reconciler Reconciler
	Lifecycle  Lifecycle
	Aggregates Aggregates
	Purger     Purger
	Master     *Master
}

// RegisterAll binds every job type to its handler and registers the
// scheduled queues on the cron. sched may be nil to skip cron entries
// (API processes publish but never consume).
func RegisterAll(svc *Service, sched *Scheduler, h Handlers) error {
	if h.Syncer != nil {
		svc.Register(queue.TypeProviderSync, func(ctx context.Context, j queue.Job) error {
			if id := gjson.GetBytes(j.Payload, "providerId").String(); id != "" {
				return h.Syncer.SyncProvider(ctx, id)
			}
			return h.Syncer.SyncAll(ctx)
		})
		svc.Register(queue.TypeBalanceSync, func(ctx context.Context, _ queue.Job) error {
			_, err := h.Syncer.SyncBalances(ctx)
			return err
		})
		svc.Register(queue.TypeMetadataSync, func(ctx context.Context, j queue.Job) error {
			id := gjson.GetBytes(j.Payload, "providerId").String()
			if id == "" {
				return errors.Validation("metadata_sync payload missing providerId")
			}
			return h.Syncer.RefreshMetadata(ctx, id)
		})
	}
	if h.Indexer != nil {
		svc.Register(queue.TypeSearchReindex, func(ctx context.Context, _ queue.Job) error {
			_, err := h.Indexer.ReindexAll(ctx)
			return err
		})
	}
	if h.Aggregates != nil {
		svc.Register(queue.TypeAggregateRefresh, func(ctx context.Context, _ queue.Job) error {
			return h.Aggregates.RebuildAggregates(ctx, time.Now().UTC())
		})
	}
	if h.Vendors != nil {
		svc.Register(queue.TypeProviderRequest, providerRequestHandler(h.Vendors))
	}
	if h.Webhooks != nil {
		svc.Register(queue.TypeWebhookProcess, func(ctx context.Context, j queue.Job) error {
			var job WebhookJob
			if err := json.Unmarshal(j.Payload, &job); err != nil {
				return errors.Validation("webhook_process payload malformed")
			}
			return h.Webhooks.Process(ctx, job.ProviderID, engine.WebhookPayload{
				ActivationID: job.ActivationID,
				Status:       job.Status,
				Messages:     job.Messages,
			})
		})
	}
	if h.Notifier != nil {
		svc.Register(queue.TypeWebhookDelivery, func(ctx context.Context, _ queue.Job) error {
			_, err := h.Notifier.DeliverDue(ctx)
			return err
		})
	}
	if h.Reconciler != nil {
		svc.Register(queue.TypeReconcile, func(ctx context.Context, _ queue.Job) error {
			_, err := h.Reconciler.ReconcileUnsettled(ctx, time.Now().UTC().Add(-reconcileWindow), reconcileBatch)
			return err
		})
	}
	svc.Register(queue.TypeCleanup, func(ctx context.Context, _ queue.Job) error {
		if h.Lifecycle != nil {
			if _, err := h.Lifecycle.CleanupExpired(ctx); err != nil {
				return err
			}
		}
		_, _, err := svc.Maintain(ctx)
		return err
	})
	if h.Purger != nil {
		svc.Register(queue.TypeOutboxPurge, func(ctx context.Context, _ queue.Job) error {
			_, err := h.Purger.Purge(ctx)
			return err
		})
	}
	if h.Master != nil {
		svc.Register(queue.TypeMasterTick, func(ctx context.Context, _ queue.Job) error {
			h.Master.Tick(ctx)
			return nil
		})
	}

	if sched == nil {
		return nil
	}
	entries := []struct {
		queue, expr, jobType string
	}{
		{queue.QueueScheduledSync, "0 0 * * *", queue.TypeProviderSync},
		{queue.QueueLifecycleCleanup, "*/10 * * * *", queue.TypeCleanup},
		{queue.QueueLifecycleCleanup, "@hourly", queue.TypeOutboxPurge},
		{queue.QueuePaymentReconcile, "*/15 * * * *", queue.TypeReconcile},
		{queue.QueueMasterWorker, "* * * * *", queue.TypeMasterTick},
	}
	for _, e := range entries {
		if err := sched.Schedule(e.queue, e.expr, e.jobType, nil); err != nil {
			return fmt.Errorf("schedule %s on %s: %w", e.jobType, e.queue, err)
		}
	}
	return nil
}

// providerRequestHandler relays deferred lifecycle calls upstream. The
// payload was written by the activation service when the local settle
// could not wait on the provider.
func providerRequestHandler(vendors Vendors) Handler {
	return func(ctx context.Context, j queue.Job) error {
		action := gjson.GetBytes(j.Payload, "action").String()
		providerID := gjson.GetBytes(j.Payload, "providerId").String()
		ref := gjson.GetBytes(j.Payload, "providerActivationId").String()
		if providerID == "" || ref == "" {
			return errors.Validation("provider_request payload incomplete")
		}
		vendor, err := vendors.Vendor(ctx, providerID)
		if err != nil {
			return err
		}
		switch action {
		case "cancel":
			return vendor.CancelNumber(ctx, ref)
		case "complete":
			return vendor.SetStatus(ctx, ref, engine.StatusCompleted)
		default:
			return errors.Validation("provider_request action unknown: " + action)
		}
	}
}

// Queues lists every queue the worker process consumes.
func Queues() []string {
	return []string{
		queue.QueueProviderSync,
		queue.QueueScheduledSync,
		queue.QueueLifecycleCleanup,
		queue.QueuePaymentReconcile,
		queue.QueueNotificationDelivery,
		queue.QueueWebhookProcessing,
		queue.QueueMasterWorker,
	}
}
