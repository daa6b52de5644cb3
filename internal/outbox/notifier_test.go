package outbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/storage/memory"
)

func TestDeliverDueSignsAndMarksDelivered(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, err := store.CreateWebhookEndpoint(ctx, outbox.WebhookEndpoint{
		UserID: "u1", URL: srv.URL, Secret: "topsecret",
	}); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	notif, err := store.EnqueueNotification(ctx, outbox.Notification{
		UserID:      "u1",
		EndpointURL: srv.URL,
		EventType:   outbox.EventActivationRefunded,
		Payload:     []byte(`{"activationId":"act-1","userId":"u1","amount":150}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n := NewNotifier(store, srv.Client(), nil)
	delivered, err := n.DeliverDue(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	if gotHeaders.Get("X-Webhook-Event") != outbox.EventActivationRefunded {
		t.Fatalf("event header = %q", gotHeaders.Get("X-Webhook-Event"))
	}
	if gotHeaders.Get("X-Webhook-Delivery") != notif.ID {
		t.Fatalf("delivery header = %q", gotHeaders.Get("X-Webhook-Delivery"))
	}
	// The receiver can verify the delivery with the same routine providers
	// use on inbound webhooks.
	v := engine.VerifyWebhook(provider.WebhookSpec{Secret: "topsecret"}, gotBody, gotHeaders, "", time.Now().UTC())
	if !v.Valid {
		t.Fatalf("signature invalid: %s", v.Error)
	}

	due, err := store.DueNotifications(ctx, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("notification still due after delivery: %d", len(due))
	}
}

func TestDeliverDueReschedulesOnFailure(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := store.CreateWebhookEndpoint(ctx, outbox.WebhookEndpoint{
		UserID: "u1", URL: srv.URL, Secret: "s",
	}); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	if _, err := store.EnqueueNotification(ctx, outbox.Notification{
		UserID:      "u1",
		EndpointURL: srv.URL,
		EventType:   outbox.EventActivationRefunded,
		Payload:     []byte(`{}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n := NewNotifier(store, srv.Client(), nil)
	delivered, err := n.DeliverDue(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}

	// Not due now; due again after the first backoff step.
	due, err := store.DueNotifications(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("due now: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("failed notification immediately due again")
	}
	due, err = store.DueNotifications(ctx, time.Now().UTC().Add(deliveryBackoff[0]+time.Second), 10)
	if err != nil {
		t.Fatalf("due later: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("notification not rescheduled: %d", len(due))
	}
	if due[0].AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", due[0].AttemptCount)
	}
	if due[0].LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestDeliverDueDeadLettersAfterBudget(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := store.CreateWebhookEndpoint(ctx, outbox.WebhookEndpoint{
		UserID: "u1", URL: srv.URL, Secret: "s",
	}); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	if _, err := store.EnqueueNotification(ctx, outbox.Notification{
		UserID:       "u1",
		EndpointURL:  srv.URL,
		EventType:    outbox.EventActivationRefunded,
		Payload:      []byte(`{}`),
		AttemptCount: outbox.MaxDeliveryAttempts - 1,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n := NewNotifier(store, srv.Client(), nil)
	if _, err := n.DeliverDue(ctx); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	// The budget is spent: never due again, on any horizon.
	due, err := store.DueNotifications(ctx, time.Now().UTC().Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("dead-lettered notification still due: %d", len(due))
	}
}

func TestDeliverDueDropsOrphanedNotification(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// No endpoint registered for this URL; the subscription is gone.
	if _, err := store.EnqueueNotification(ctx, outbox.Notification{
		UserID:      "u1",
		EndpointURL: "https://hooks.example/removed",
		EventType:   outbox.EventActivationRefunded,
		Payload:     []byte(`{}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n := NewNotifier(store, &http.Client{Timeout: time.Second}, nil)
	delivered, err := n.DeliverDue(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
	due, err := store.DueNotifications(ctx, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("orphaned notification still queued: %d", len(due))
	}
}
