package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	stderrors "errors"

	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/metrics"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

// WebhookProcessor settles numbers from provider-initiated deliveries.
// It shares the poller's validation and settle paths, so a webhook and a
// poll observing the same upstream state converge on the same outcome.
// The HTTP layer only verifies and stores the raw delivery; this runs
// async off the webhook-processing queue.
type WebhookProcessor struct {
	numbers     storage.NumberStore
	activations storage.ActivationStore
	lifecycle   Lifecycle
	publisher   Publisher
	audit       *AuditBuffer
	log         *logger.Logger
}

// NewWebhookProcessor creates the processor. publisher may be nil.
func NewWebhookProcessor(numbers storage.NumberStore, activations storage.ActivationStore, lifecycle Lifecycle, publisher Publisher, log *logger.Logger) *WebhookProcessor {
	if log == nil {
		log = logger.NewDefault("inbox-webhook")
	}
	return &WebhookProcessor{
		numbers:     numbers,
		activations: activations,
		lifecycle:   lifecycle,
		publisher:   publisher,
		audit:       NewAuditBuffer(numbers, log),
		log:         log,
	}
}

// Process applies one parsed webhook to the number it references. The
// upstream activation id is resolved against the provider that delivered
// it; an unknown reference is returned as not-found so the queue retries
// cover deliveries racing ahead of the purchase commit.
func (w *WebhookProcessor) Process(ctx context.Context, providerID string, payload engine.WebhookPayload) error {
	if payload.ActivationID == "" {
		return errors.Validation("webhook carries no activation reference")
	}
	act, err := w.activations.GetActivationByProviderRef(ctx, providerID, payload.ActivationID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NotFound("activation")
		}
		return errors.Database(err)
	}
	if act.NumberID == "" {
		// The provider request has not resolved a number yet; retry later.
		return errors.NotFound("number")
	}
	num, err := w.numbers.GetNumber(ctx, act.NumberID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NotFound("number")
		}
		return errors.Database(err)
	}
	defer func() {
		if err := w.audit.Flush(ctx); err != nil {
			w.log.WithError(err).Debug("flush webhook audit")
		}
	}()

	if num.Status.IsTerminal() {
		// Redelivery after the number settled; nothing left to apply.
		w.audit.Record(num.ID, "webhook", string(num.Status), "delivery after settle, dropped", 0)
		return nil
	}

	now := time.Now().UTC()
	recent, err := w.numbers.ListMessages(ctx, num.ID)
	if err != nil {
		return errors.Database(err)
	}
	accepted, rejected := acceptMessages(num, payload.Messages, recent, now)
	inserted := 0
	if len(accepted) > 0 {
		inserted, err = w.numbers.InsertMessages(ctx, accepted)
		if err != nil {
			return errors.Database(err)
		}
		if inserted > 0 {
			metrics.RecordMessagesReceived(num.ProviderSlug, inserted)
			publishInbound(ctx, w.publisher, w.log, num, accepted)
		}
	}
	for _, reason := range rejected {
		w.audit.Record(num.ID, "reject", payload.Status, reason, 0)
	}
	w.audit.Record(num.ID, "webhook", payload.Status, fmt.Sprintf("%d new message(s)", inserted), 0)

	hasMessages := len(recent) > 0 || inserted > 0
	switch payload.Status {
	case engine.StatusCompleted, engine.StatusCancelled:
		if hasMessages {
			if num.Status == number.StatusActive {
				if err := w.lifecycle.MarkReceived(ctx, num.ID); err != nil {
					w.log.WithError(err).WithField("number_id", num.ID).Warn("mark received before finalize")
				}
			}
			if err := w.lifecycle.FinalizeFromPoll(ctx, num.ID); err != nil {
				return err
			}
		} else {
			if err := w.lifecycle.TimeoutFromPoll(ctx, num.ID); err != nil {
				return err
			}
		}
	default:
		if hasMessages && num.Status == number.StatusActive {
			if err := w.lifecycle.MarkReceived(ctx, num.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
