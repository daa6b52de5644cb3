package queue

import (
	"context"
	"time"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/pkg/logger"
)

// Dispatcher is the outbox slice of the master tick.
type Dispatcher interface {
	DispatchPending(ctx context.Context) (int, error)
}

// Poller is the inbox slice of the master tick.
type Poller interface {
	PollDue(ctx context.Context) (int, error)
}

// Deliverer is the notification slice of the master tick.
type Deliverer interface {
	DeliverDue(ctx context.Context) (int, error)
}

// Lifecycle is the reservation cleanup slice of the master tick.
type Lifecycle interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// TickStats counts what one master pass moved per bucket.
type TickStats struct {
	Dispatched int
	Polled     int
	Delivered  int
	Settled    int
}

// Busy reports whether any bucket did work.
func (t TickStats) Busy() bool {
	return t.Dispatched+t.Polled+t.Delivered+t.Settled > 0
}

// MasterDeps wires the tick's collaborators. Any of them may be nil;
// the bucket is then skipped.
type MasterDeps struct {
	Dispatcher Dispatcher
	Poller     Poller
	Notifier   Deliverer
	Lifecycle  Lifecycle
}

// Master drives the background pipeline: outbox dispatch, inbox polling,
// notification delivery and reservation cleanup, in that order. A pass
// that moved anything re-ticks immediately; idle passes space out.
type Master struct {
	d    MasterDeps
	idle time.Duration
	log  *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMaster creates the master worker.
func NewMaster(d MasterDeps, cfg config.WorkerConfig, log *logger.Logger) *Master {
	if log == nil {
		log = logger.NewDefault("master")
	}
	idle := cfg.MasterIdleDelay
	if idle <= 0 {
		idle = 5 * time.Second
	}
	return &Master{d: d, idle: idle, log: log}
}

// Tick runs one pass over all buckets. Bucket errors are logged and never
// abort the pass; a cancelled context does.
func (m *Master) Tick(ctx context.Context) TickStats {
	var st TickStats
	if m.d.Dispatcher != nil && ctx.Err() == nil {
		n, err := m.d.Dispatcher.DispatchPending(ctx)
		if err != nil {
			m.log.WithError(err).Error("outbox dispatch")
		}
		st.Dispatched = n
	}
	if m.d.Poller != nil && ctx.Err() == nil {
		n, err := m.d.Poller.PollDue(ctx)
		if err != nil {
			m.log.WithError(err).Error("inbox poll")
		}
		st.Polled = n
	}
	if m.d.Notifier != nil && ctx.Err() == nil {
		n, err := m.d.Notifier.DeliverDue(ctx)
		if err != nil {
			m.log.WithError(err).Error("notification delivery")
		}
		st.Delivered = n
	}
	if m.d.Lifecycle != nil && ctx.Err() == nil {
		n, err := m.d.Lifecycle.CleanupExpired(ctx)
		if err != nil {
			m.log.WithError(err).Error("reservation cleanup")
		}
		st.Settled = n
	}
	return st
}

// Run ticks until ctx is cancelled.
func (m *Master) Run(ctx context.Context) {
	for {
		st := m.Tick(ctx)
		if ctx.Err() != nil {
			return
		}
		if st.Busy() {
			// Turbo: more work is likely queued right behind this pass.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.idle):
		}
	}
}

// Name implements system.Service.
func (m *Master) Name() string { return "master-worker" }

// Start launches the tick loop.
func (m *Master) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.Run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for the current tick, bounded by ctx.
func (m *Master) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
