// Package inbox polls provider adapters for inbound SMS, validates and
// deduplicates what they return and reconciles number state with the
// upstream activation status.
package inbox

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/event"
	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/metrics"
	"github.com/numhive/platform/internal/redis"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

// perNumberRatePerMin caps status calls on one number well above the
// hottest legitimate schedule.
const perNumberRatePerMin = 30

// previewLen bounds the message excerpt carried in fan-out events.
const previewLen = 120

// Vendor is the status-poll slice of a provider adapter.
type Vendor interface {
	GetStatus(ctx context.Context, activationID string) (*engine.StatusResult, error)
}

// VendorSource resolves the vendor serving a provider.
type VendorSource interface {
	Vendor(ctx context.Context, providerID string) (Vendor, error)
}

// Lifecycle is the slice of the activation service the poller settles
// numbers through.
type Lifecycle interface {
	MarkReceived(ctx context.Context, numberID string) error
	TimeoutFromPoll(ctx context.Context, numberID string) error
	FinalizeFromPoll(ctx context.Context, numberID string) error
}

// Publisher fans live events out to connected clients.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Deps wires the poller's collaborators.
type Deps struct {
	Numbers     storage.NumberStore
	Activations storage.ActivationStore
	Lifecycle   Lifecycle
	Vendors     VendorSource
	Redis       *redis.Client
	// Publisher may be nil; fan-out is then skipped.
	Publisher Publisher
	Config    config.PollerConfig
}

// Poller drives one polling pass over every due number. Each number is
// guarded by a redis lock so concurrent workers never double-poll, and
// every status call is paced by per-number and per-provider windows.
type Poller struct {
	numbers     storage.NumberStore
	activations storage.ActivationStore
	lifecycle   Lifecycle
	vendors     VendorSource
	redis       *redis.Client
	publisher   Publisher
	audit       *AuditBuffer
	cfg         config.PollerConfig
	log         *logger.Logger
}

// New creates the poller.
func New(d Deps, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewDefault("inbox")
	}
	cfg := d.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 15 * time.Second
	}
	if cfg.ProviderRatePerMin <= 0 {
		cfg.ProviderRatePerMin = 300
	}
	return &Poller{
		numbers:     d.Numbers,
		activations: d.Activations,
		lifecycle:   d.Lifecycle,
		vendors:     d.Vendors,
		redis:       d.Redis,
		publisher:   d.Publisher,
		audit:       NewAuditBuffer(d.Numbers, log),
		cfg:         cfg,
		log:         log,
	}
}

// PollDue runs one pass: select due numbers, poll them with bounded
// concurrency and flush the audit trail. Returns how many numbers were
// actually polled; lock and rate skips do not count.
func (p *Poller) PollDue(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := p.numbers.DuePollNumbers(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return 0, errors.Database(err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var polled int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, num := range due {
		num := num
		g.Go(func() error {
			if p.pollOne(gctx, num) {
				atomic.AddInt64(&polled, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := p.audit.Flush(ctx); err != nil {
		p.log.WithError(err).Warn("flush poll audit")
	}
	return int(atomic.LoadInt64(&polled)), nil
}

// pollOne polls a single number. Reports whether a status call was made.
func (p *Poller) pollOne(ctx context.Context, num number.Number) bool {
	lock, ok, err := p.redis.TryLock(ctx, "poll:"+num.ID, p.cfg.LockTTL)
	if err != nil {
		p.log.WithError(err).WithField("number_id", num.ID).Debug("poll lock")
		return false
	}
	if !ok {
		// Another worker owns this number.
		return false
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			p.log.WithError(err).WithField("number_id", num.ID).Debug("release poll lock")
		}
	}()

	if allowed, err := p.redis.Allow(ctx, "poll:number:"+num.ID, perNumberRatePerMin, time.Minute); err == nil && !allowed {
		return false
	}
	providerKey := num.ProviderSlug
	if providerKey == "" {
		providerKey = num.ProviderID
	}
	if allowed, err := p.redis.Allow(ctx, "poll:provider:"+providerKey, p.cfg.ProviderRatePerMin, time.Minute); err == nil && !allowed {
		p.audit.Record(num.ID, "skip", string(num.Status), "provider rate window exhausted", 0)
		return false
	}

	now := time.Now().UTC()
	age := now.Sub(num.CreatedAt)
	if pollAnomalous(age, num.PollCount) {
		p.audit.Record(num.ID, "anomaly", string(num.Status), fmt.Sprintf("%d polls in %s", num.PollCount, age.Round(time.Second)), 0)
		p.log.WithFields(map[string]interface{}{
			"number_id":  num.ID,
			"poll_count": num.PollCount,
			"age":        age.Round(time.Second).String(),
		}).Warn("poll count out of proportion to number age")
	}

	act, err := p.activations.GetActivation(ctx, num.ActivationID)
	if err != nil {
		p.recordError(ctx, num, "activation lookup: "+err.Error(), 0)
		return true
	}
	if act.ProviderActivationID == "" {
		p.recordError(ctx, num, "no upstream activation reference", 0)
		return true
	}
	vendor, err := p.vendors.Vendor(ctx, num.ProviderID)
	if err != nil {
		p.recordError(ctx, num, "resolve vendor: "+err.Error(), 0)
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.StatusTimeout)
	start := time.Now()
	res, err := vendor.GetStatus(callCtx, act.ProviderActivationID)
	cancel()
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordPoll(num.ProviderSlug, "error", elapsed)
		p.recordError(ctx, num, err.Error(), elapsed)
		return true
	}
	metrics.RecordPoll(num.ProviderSlug, res.Status, elapsed)

	p.reconcile(ctx, num, res, elapsed, now)
	return true
}

// recordError books a failed poll: backoff schedule, error counter and
// audit row. The fifth consecutive error stalls the number; the due
// query then skips it until lifecycle cleanup settles the activation.
func (p *Poller) recordError(ctx context.Context, num number.Number, cause string, latency time.Duration) {
	if err := p.numbers.RecordPoll(ctx, num.ID, num.Status, cause, time.Now().UTC().Add(errorBackoff)); err != nil {
		p.log.WithError(err).WithField("number_id", num.ID).Debug("record poll error")
	}
	p.audit.Record(num.ID, "poll", "error", cause, latency)
	if num.ErrorCount+1 >= maxErrorCount {
		p.audit.Record(num.ID, "stalled", string(num.Status), "error budget exhausted, polling stops", 0)
		p.log.WithFields(map[string]interface{}{
			"number_id": num.ID,
			"provider":  num.ProviderSlug,
		}).Warn("number stalled after repeated poll errors")
	}
}

// reconcile stores validated messages, reschedules the next poll and
// maps the upstream status onto the local lifecycle.
func (p *Poller) reconcile(ctx context.Context, num number.Number, res *engine.StatusResult, latency time.Duration, now time.Time) {
	recent, err := p.numbers.ListMessages(ctx, num.ID)
	if err != nil {
		p.recordError(ctx, num, "list inbox: "+err.Error(), latency)
		return
	}

	accepted, rejected := acceptMessages(num, res.Messages, recent, now)
	inserted := 0
	if len(accepted) > 0 {
		inserted, err = p.numbers.InsertMessages(ctx, accepted)
		if err != nil {
			p.recordError(ctx, num, "insert messages: "+err.Error(), latency)
			return
		}
		if inserted > 0 {
			metrics.RecordMessagesReceived(num.ProviderSlug, inserted)
			publishInbound(ctx, p.publisher, p.log, num, accepted)
		}
	}
	for _, reason := range rejected {
		p.audit.Record(num.ID, "reject", res.Status, reason, 0)
	}

	// Bookkeeping precedes the settle transitions; the store drops this
	// write if the number settled through another path meanwhile.
	var lastSMS time.Time
	if num.Status == number.StatusReceived {
		lastSMS = num.UpdatedAt
	}
	if len(recent) > 0 {
		if t := recent[len(recent)-1].ReceivedAt; t.After(lastSMS) {
			lastSMS = t
		}
	}
	if inserted > 0 {
		lastSMS = now
	}
	next := now.Add(nextDelay(now.Sub(num.CreatedAt), lastSMS, now))
	if err := p.numbers.RecordPoll(ctx, num.ID, num.Status, "", next); err != nil {
		p.log.WithError(err).WithField("number_id", num.ID).Debug("record poll")
	}
	p.audit.Record(num.ID, "poll", res.Status, fmt.Sprintf("%d new message(s)", inserted), latency)

	hasMessages := len(recent) > 0 || inserted > 0
	switch strings.ToLower(res.Status) {
	case engine.StatusCompleted, engine.StatusCancelled:
		// Upstream is done with the number. Delivered inboxes finalize,
		// empty ones time out and refund.
		if hasMessages {
			if num.Status == number.StatusActive {
				if err := p.lifecycle.MarkReceived(ctx, num.ID); err != nil {
					p.log.WithError(err).WithField("number_id", num.ID).Warn("mark received before finalize")
				}
			}
			if err := p.lifecycle.FinalizeFromPoll(ctx, num.ID); err != nil {
				p.log.WithError(err).WithField("number_id", num.ID).Warn("finalize from poll")
			}
		} else {
			if err := p.lifecycle.TimeoutFromPoll(ctx, num.ID); err != nil {
				p.log.WithError(err).WithField("number_id", num.ID).Warn("timeout from poll")
			}
		}
	default:
		if hasMessages && num.Status == number.StatusActive {
			if err := p.lifecycle.MarkReceived(ctx, num.ID); err != nil {
				p.log.WithError(err).WithField("number_id", num.ID).Warn("mark received")
			}
		}
	}
}

// publishInbound fans stored messages out to the owner's room. Shared by
// the poller and the webhook processor so both channels emit one shape.
func publishInbound(ctx context.Context, pub Publisher, log *logger.Logger, num number.Number, rows []number.SmsMessage) {
	if pub == nil {
		return
	}
	for _, m := range rows {
		payload := map[string]interface{}{
			"numberId": num.ID,
			"sender":   m.Sender,
			"preview":  preview(m.Content),
		}
		if m.Code != "" {
			payload["code"] = m.Code
			payload["confidence"] = m.Confidence
		}
		env, err := event.New(event.TypeSmsReceived, event.UserRoom(num.UserID), payload)
		if err != nil {
			continue
		}
		if err := pub.Publish(ctx, env); err != nil {
			log.WithError(err).Debug("publish sms.received")
		}
	}
}

func preview(content string) string {
	if len(content) <= previewLen {
		return content
	}
	return content[:previewLen]
}
