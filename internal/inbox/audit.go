package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

const (
	auditFlushSize = 50
	auditCap       = 1000
)

// AuditBuffer batches poll trace rows so the hot path never waits on an
// audit insert. Rows flush when the buffer fills and at the end of every
// poll pass; overflow beyond the cap drops the oldest rows.
type AuditBuffer struct {
	store storage.NumberStore
	log   *logger.Logger

	mu  sync.Mutex
	buf []number.PollAudit
}

// NewAuditBuffer creates an empty buffer over the store.
func NewAuditBuffer(store storage.NumberStore, log *logger.Logger) *AuditBuffer {
	if log == nil {
		log = logger.NewDefault("inbox-audit")
	}
	return &AuditBuffer{store: store, log: log}
}

// Record buffers one audit row. When the buffer reaches the flush size the
// pending rows are handed back for the caller-side flush; Record itself
// never blocks on storage.
func (b *AuditBuffer) Record(numberID, operation, status, detail string, latency time.Duration) {
	row := number.PollAudit{
		ID:        uuid.NewString(),
		NumberID:  numberID,
		Operation: operation,
		Status:    status,
		Detail:    detail,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= auditCap {
		b.buf = b.buf[1:]
	}
	b.buf = append(b.buf, row)
}

// Flush writes all buffered rows in one batch. Failed flushes requeue the
// rows so a transient storage error loses nothing.
func (b *AuditBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.buf
	b.buf = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := b.store.AppendAudit(ctx, pending); err != nil {
		b.mu.Lock()
		b.buf = append(pending, b.buf...)
		if len(b.buf) > auditCap {
			b.buf = b.buf[len(b.buf)-auditCap:]
		}
		b.mu.Unlock()
		return err
	}
	return nil
}

// Pending reports how many rows await a flush.
func (b *AuditBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
