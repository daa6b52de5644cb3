package queue

import (
	"context"
	"sync"
	"time"

	"github.com/numhive/platform/pkg/logger"
)

// Runner consumes a set of queues as one lifecycle service, spawning a
// Work loop per queue and draining them on stop.
type Runner struct {
	svc    *Service
	queues []string
	drain  time.Duration
	log    *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates the runner over svc. An empty queues list consumes
// every registered queue.
func NewRunner(svc *Service, queues []string, drain time.Duration, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("queue-runner")
	}
	if len(queues) == 0 {
		queues = Queues()
	}
	if drain <= 0 {
		drain = 10 * time.Second
	}
	return &Runner{svc: svc, queues: queues, drain: drain, log: log}
}

// Name implements system.Service.
func (r *Runner) Name() string { return "queue-runner" }

// Start launches one consumer loop per queue.
func (r *Runner) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	for _, q := range r.queues {
		q := q
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.svc.Work(ctx, q); err != nil && ctx.Err() == nil {
				r.log.WithError(err).WithField("queue", q).Error("queue consumer exited")
			}
		}()
	}
	r.log.WithField("queues", len(r.queues)).Info("queue consumers started")
	return nil
}

// Stop cancels the loops and waits for in-flight jobs, bounded by the
// drain timeout and ctx.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(r.drain):
		r.log.Warn("queue drain timeout, abandoning in-flight jobs")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
