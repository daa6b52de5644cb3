// Package events publishes typed fan-out envelopes after domain writes
// commit: cache invalidation first, then the redis transport.
package events

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/numhive/platform/internal/domain/event"
	"github.com/numhive/platform/internal/redis"
	"github.com/numhive/platform/pkg/logger"
)

// Publisher validates envelopes, evicts the caches they invalidate and
// hands them to the redis transport. A nil redis client turns every
// publish into a no-op so tests and tools can run without a broker.
type Publisher struct {
	redis  *redis.Client
	source string
	seq    int64
	log    *logger.Logger
}

// NewPublisher creates a publisher stamping envelopes with source (the
// process name: "api", "worker", "socket").
func NewPublisher(rdb *redis.Client, source string, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Publisher{redis: rdb, source: source, log: log}
}

// Publish completes the envelope, invalidates the caches the event makes
// stale and broadcasts it. Publishing an unregistered type or a payload
// that fails its schema is an error; transport errors are returned so
// callers can decide whether fan-out loss matters to them.
func (p *Publisher) Publish(ctx context.Context, env event.Envelope) error {
	if p == nil || p.redis == nil {
		return nil
	}
	if err := event.ValidatePayload(env.Type, env.Payload); err != nil {
		return err
	}
	if env.Room == "" {
		return fmt.Errorf("events: envelope for %s has no room", env.Type)
	}
	if env.V == 0 {
		env.V = event.Version
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.Ts == 0 {
		env.Ts = time.Now().UTC().UnixMilli()
	}
	if env.Meta.Source == "" {
		env.Meta.Source = p.source
	}
	env.Seq = atomic.AddInt64(&p.seq, 1)

	p.invalidate(ctx, env)

	if _, err := p.redis.PublishEvent(ctx, env); err != nil {
		return err
	}
	p.log.WithFields(map[string]interface{}{
		"type": env.Type,
		"room": env.Room,
	}).Debug("event published")
	return nil
}

// invalidate drops the cached views the event makes stale. Eviction
// failures are logged, never fatal: a stale cache entry expires on its
// own TTL.
func (p *Publisher) invalidate(ctx context.Context, env event.Envelope) {
	userID := event.UserID(env.Room)
	if userID == "" {
		return
	}
	keys := []string{DashboardKey(userID)}
	switch env.Type {
	case event.TypeWalletUpdated, event.TypeActivationUpdated:
		keys = append(keys, BalanceKey(userID))
	}
	if err := p.redis.Evict(ctx, keys...); err != nil {
		p.log.WithError(err).WithField("user_id", userID).Debug("evict user caches")
	}
}

// DashboardKey is the cache key of a user's dashboard view.
func DashboardKey(userID string) string { return "dashboard:" + userID }

// BalanceKey is the cache key of a user's wallet balance view.
func BalanceKey(userID string) string { return "wallet:" + userID }
