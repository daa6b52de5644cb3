package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	stderrors "errors"

	"github.com/tidwall/gjson"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/domain/queue"
	"github.com/numhive/platform/internal/storage/memory"
)

func newService(store *memory.Store, cfg config.WorkerConfig) *Service {
	return New(store, store, cfg, nil)
}

func TestPublishAndRunOnce(t *testing.T) {
	store := memory.New()
	svc := newService(store, config.WorkerConfig{})
	ctx := context.Background()

	var got atomic.Value
	svc.Register("echo", func(_ context.Context, j queue.Job) error {
		got.Store(gjson.GetBytes(j.Payload, "value").String())
		return nil
	})

	if _, err := svc.Publish(ctx, "test-queue", "echo", map[string]string{"value": "hi"}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	n, err := svc.RunOnce(ctx, "test-queue")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("ran %d jobs, want 1", n)
	}
	if v, _ := got.Load().(string); v != "hi" {
		t.Fatalf("handler saw %q, want hi", v)
	}

	counts, err := svc.Status(ctx, "test-queue")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if counts[queue.StatusCompleted] != 1 || counts[queue.StatusPending] != 0 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestPublishDedupCollapses(t *testing.T) {
	store := memory.New()
	svc := newService(store, config.WorkerConfig{})
	ctx := context.Background()

	opts := &PublishOptions{DedupKey: "only-one"}
	first, err := svc.Publish(ctx, "q", "noop", nil, opts)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := svc.Publish(ctx, "q", "noop", nil, opts)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("dedup produced two jobs: %d and %d", first.ID, second.ID)
	}
	counts, _ := svc.Status(ctx, "q")
	if counts[queue.StatusPending] != 1 {
		t.Fatalf("pending = %d, want 1", counts[queue.StatusPending])
	}
}

func TestFailedJobBooksRetry(t *testing.T) {
	store := memory.New()
	svc := newService(store, config.WorkerConfig{})
	ctx := context.Background()

	svc.Register("flaky", func(_ context.Context, _ queue.Job) error {
		return stderrors.New("upstream hiccup")
	})
	if _, err := svc.Publish(ctx, "q", "flaky", nil, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := svc.RunOnce(ctx, "q"); err != nil {
		t.Fatalf("run: %v", err)
	}

	counts, _ := svc.Status(ctx, "q")
	if counts[queue.StatusPending] != 1 {
		t.Fatalf("counts = %v, want retry pending", counts)
	}
	// The retry is booked in the future, so an immediate pass skips it.
	n, err := svc.RunOnce(ctx, "q")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n != 0 {
		t.Fatalf("claimed %d jobs before the retry came due", n)
	}
}

func TestSpentBudgetDeadLettersWithOutboxTrail(t *testing.T) {
	store := memory.New()
	svc := newService(store, config.WorkerConfig{})
	ctx := context.Background()

	svc.Register("doomed", func(_ context.Context, _ queue.Job) error {
		return stderrors.New("always broken")
	})
	if _, err := svc.Publish(ctx, "q", "doomed", nil, &PublishOptions{MaxAttempts: 1, CorrelationID: "c-7"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := svc.RunOnce(ctx, "q"); err != nil {
		t.Fatalf("run: %v", err)
	}

	counts, _ := svc.Status(ctx, "q")
	if counts[queue.StatusDead] != 1 {
		t.Fatalf("counts = %v, want one dead job", counts)
	}
	events, err := store.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	if len(events) != 1 || events[0].EventType != outbox.EventJobFailedPermanently {
		t.Fatalf("outbox events = %+v, want job.failed_permanently", events)
	}
	if gjson.GetBytes(events[0].Payload, "correlationId").String() != "c-7" {
		t.Fatalf("dead job trail lost the correlation id: %s", events[0].Payload)
	}
}

func TestMissingHandlerFailsJob(t *testing.T) {
	store := memory.New()
	svc := newService(store, config.WorkerConfig{})
	ctx := context.Background()

	if _, err := svc.Publish(ctx, "q", "unhandled", nil, &PublishOptions{MaxAttempts: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := svc.RunOnce(ctx, "q"); err != nil {
		t.Fatalf("run: %v", err)
	}
	counts, _ := svc.Status(ctx, "q")
	if counts[queue.StatusDead] != 1 {
		t.Fatalf("counts = %v, want dead job", counts)
	}
}

func TestPriorityOrdersClaims(t *testing.T) {
	store := memory.New()
	svc := newService(store, config.WorkerConfig{FetchBatch: 1, Concurrency: 1})
	ctx := context.Background()

	var order []string
	svc.Register("tag", func(_ context.Context, j queue.Job) error {
		order = append(order, gjson.GetBytes(j.Payload, "tag").String())
		return nil
	})
	if _, err := svc.Publish(ctx, "q", "tag", map[string]string{"tag": "later"}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := svc.Publish(ctx, "q", "tag", map[string]string{"tag": "first"}, &PublishOptions{Priority: 1}); err != nil {
		t.Fatalf("publish priority: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.RunOnce(ctx, "q"); err != nil {
			t.Fatalf("run #%d: %v", i+1, err)
		}
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "later" {
		t.Fatalf("run order = %v", order)
	}
}

func TestDelayedJobWaitsForStartAfter(t *testing.T) {
	store := memory.New()
	svc := newService(store, config.WorkerConfig{})
	ctx := context.Background()

	svc.Register("noop", func(_ context.Context, _ queue.Job) error { return nil })
	if _, err := svc.Publish(ctx, "q", "noop", nil, &PublishOptions{StartAfter: time.Hour}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	n, err := svc.RunOnce(ctx, "q")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 0 {
		t.Fatalf("claimed %d jobs before StartAfter elapsed", n)
	}
}

func TestMaintainReleasesAbandonedLocks(t *testing.T) {
	store := memory.New()
	svc := newService(store, config.WorkerConfig{StuckAfter: time.Millisecond})
	ctx := context.Background()

	if _, err := svc.Publish(ctx, "q", "noop", nil, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// A different worker claims the job and dies without settling it.
	if _, err := store.ClaimJobs(ctx, "q", "w-dead", 1, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	released, _, err := svc.Maintain(ctx)
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	counts, _ := svc.Status(ctx, "q")
	if counts[queue.StatusPending] != 1 {
		t.Fatalf("counts = %v, want job back in pending", counts)
	}
}
