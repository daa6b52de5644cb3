package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/domain/queue"
	"github.com/numhive/platform/internal/engine"
)

const hookSecret = "hook-secret"

func seedWebhookProvider(t *testing.T, h *harness) {
	t.Helper()
	_, err := h.store.CreateProvider(context.Background(), provider.Provider{
		ID:      "p-wh",
		Slug:    "smshub",
		Name:    "SMS Hub",
		Active:  true,
		Webhook: provider.WebhookSpec{Secret: hookSecret},
		Mappings: map[provider.Operation]provider.MappingSpec{
			provider.OpParseWebhook: {
				Type: provider.MapJSONObject,
				Fields: map[string]string{
					"activationId": "activation_id",
					"status":       "status",
					"text":         "sms.text",
					"sender":       "sms.sender",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("seed provider: %v", err)
	}
}

func postWebhook(h *harness, slug string, body []byte, ts, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+slug, bytes.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", sig)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProviderWebhookDelivery(t *testing.T) {
	h := newHarness(t)
	seedWebhookProvider(t, h)

	body := []byte(`{"activation_id": "act-77", "status": "received", "sms": {"text": "code 4242", "sender": "TG"}}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := engine.SignWebhook(hookSecret, ts, body)

	rec := postWebhook(h, "smshub", body, ts, sig)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("webhook: %d %s", rec.Code, rec.Body.String())
	}

	// The raw delivery is parked on the processing queue, not settled
	// inline.
	var captured []queue.Job
	h.jobs.Register(queue.TypeWebhookProcess, func(_ context.Context, j queue.Job) error {
		captured = append(captured, j)
		return nil
	})
	n, err := h.jobs.RunOnce(context.Background(), queue.QueueWebhookProcessing)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 || len(captured) != 1 {
		t.Fatalf("processed %d jobs, captured %d", n, len(captured))
	}
	payload := captured[0].Payload
	if gjson.GetBytes(payload, "activationId").String() != "act-77" {
		t.Fatalf("job payload = %s", payload)
	}
	if gjson.GetBytes(payload, "providerId").String() != "p-wh" {
		t.Fatalf("job payload = %s", payload)
	}
	if gjson.GetBytes(payload, "messages.0.Text").String() != "code 4242" {
		t.Fatalf("job payload = %s", payload)
	}

	// The same delivery replayed is acknowledged but not re-queued.
	rec = postWebhook(h, "smshub", body, ts, sig)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("replay: %d", rec.Code)
	}
	n, err = h.jobs.RunOnce(context.Background(), queue.QueueWebhookProcessing)
	if err != nil {
		t.Fatalf("run once after replay: %v", err)
	}
	if n != 0 {
		t.Fatalf("replay enqueued %d jobs", n)
	}
}

func TestProviderWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	seedWebhookProvider(t, h)

	body := []byte(`{"activation_id": "act-78", "status": "received"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	rec := postWebhook(h, "smshub", body, ts, engine.SignWebhook("wrong-secret", ts, body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: %d %s", rec.Code, rec.Body.String())
	}

	h.jobs.Register(queue.TypeWebhookProcess, func(_ context.Context, _ queue.Job) error { return nil })
	if n, _ := h.jobs.RunOnce(context.Background(), queue.QueueWebhookProcessing); n != 0 {
		t.Fatalf("rejected delivery enqueued %d jobs", n)
	}
}

func TestProviderWebhookRejectsStaleTimestamp(t *testing.T) {
	h := newHarness(t)
	seedWebhookProvider(t, h)

	body := []byte(`{"activation_id": "act-79", "status": "received"}`)
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

	// The signature itself is correct; only the timestamp is outside
	// tolerance.
	rec := postWebhook(h, "smshub", body, ts, engine.SignWebhook(hookSecret, ts, body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale timestamp: %d %s", rec.Code, rec.Body.String())
	}
}

func TestProviderWebhookUnknownProvider(t *testing.T) {
	h := newHarness(t)

	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	rec := postWebhook(h, "nobody", body, ts, engine.SignWebhook(hookSecret, ts, body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider: %d %s", rec.Code, rec.Body.String())
	}
}
