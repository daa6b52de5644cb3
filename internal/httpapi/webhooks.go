package httpapi

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/domain/queue"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/metrics"
	jobs "github.com/numhive/platform/internal/queue"
)

// maxWebhookBody bounds inbound delivery payloads.
const maxWebhookBody = 1 << 20

// handleProviderWebhook verifies an inbound provider delivery, records it
// for idempotency and hands settlement to the webhook-processing queue.
// The signature covers "timestamp.body", so the raw body is read before
// anything parses it.
func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil || s.jobs == nil {
		writeError(w, errors.Internal("webhook ingestion is not configured", nil).WithStatus(http.StatusNotImplemented))
		return
	}
	slug := chi.URLParam(r, "providerSlug")

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, errors.Validation("request body unreadable"))
		return
	}

	adapter, err := s.registry.AdapterBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	verification := adapter.VerifyWebhook(raw, r.Header, sourceIP(r), now)
	if !verification.Valid {
		metrics.RecordWebhookAnomaly(slug, verification.Error)
		s.log.WithFields(map[string]interface{}{
			"provider": slug,
			"reason":   verification.Error,
			"drift_ms": verification.TimeDrift.Milliseconds(),
		}).Warn("webhook rejected")
		writeError(w, errors.Unauthorized("webhook signature invalid"))
		return
	}

	payload, err := adapter.ParseWebhook(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	spec := adapter.Provider().Webhook
	tsHeader := spec.TimestampHeader
	if tsHeader == "" {
		tsHeader = engine.DefaultTimestampHeader
	}
	sigHeader := spec.SignatureHeader
	if sigHeader == "" {
		sigHeader = engine.DefaultSignatureHeader
	}
	ts := r.Header.Get(tsHeader)
	key := payload.IdempotencyKey(slug, ts)
	fresh, err := s.outbox.RecordWebhookEvent(r.Context(), outbox.WebhookEvent{
		ProviderSlug:   slug,
		IdempotencyKey: key,
		Payload:        raw,
		Headers: map[string]string{
			sigHeader: r.Header.Get(sigHeader),
			tsHeader:  ts,
		},
		SourceIP:   sourceIP(r),
		ReceivedAt: now,
	})
	if err != nil {
		writeError(w, errors.Database(err))
		return
	}
	if fresh {
		_, err = s.jobs.Publish(r.Context(), queue.QueueWebhookProcessing, queue.TypeWebhookProcess, jobs.WebhookJob{
			ProviderID:   adapter.Provider().ID,
			ActivationID: payload.ActivationID,
			Status:       payload.Status,
			Messages:     payload.Messages,
		}, &jobs.PublishOptions{
			DedupKey:      key,
			CorrelationID: CorrelationFrom(r.Context()),
		})
		if err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// sourceIP is the peer address without the port. RealIP rewrites RemoteAddr
// from forwarding headers when present; direct connections keep "ip:port".
func sourceIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
