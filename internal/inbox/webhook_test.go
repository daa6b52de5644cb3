package inbox

import (
	"context"
	"testing"
	"time"

	stderrors "errors"

	"github.com/numhive/platform/internal/domain/activation"
	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/errors"
)

func TestWebhookStoresMessageAndMarksReceived(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()
	_, numID := f.purchase(t, "buy-1")
	w := NewWebhookProcessor(f.store, f.store, f.acts, nil, nil)

	err := w.Process(ctx, "p1", engine.WebhookPayload{
		ActivationID: "up-1",
		Status:       engine.StatusReceived,
		Messages: []engine.InboundMessage{
			{ID: "m1", Sender: "Telegram", Text: "Your code is 842193", ReceivedAt: time.Now().UTC()},
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	num, _ := f.store.GetNumber(ctx, numID)
	if num.Status != number.StatusReceived {
		t.Fatalf("number status = %s, want received", num.Status)
	}
	msgs, _ := f.store.ListMessages(ctx, numID)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Code != "842193" {
		t.Fatalf("extracted code = %q", msgs[0].Code)
	}
	if ops := f.auditOps(t, numID); ops["webhook"] == 0 {
		t.Fatalf("audit ops = %v, want webhook row", ops)
	}
}

func TestWebhookRedeliveryInsertsOnce(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()
	_, numID := f.purchase(t, "buy-1")
	w := NewWebhookProcessor(f.store, f.store, f.acts, nil, nil)

	payload := engine.WebhookPayload{
		ActivationID: "up-1",
		Status:       engine.StatusReceived,
		Messages: []engine.InboundMessage{
			{ID: "m1", Sender: "Telegram", Text: "Your code is 842193", ReceivedAt: time.Now().UTC()},
		},
	}
	for i := 0; i < 2; i++ {
		if err := w.Process(ctx, "p1", payload); err != nil {
			t.Fatalf("process #%d: %v", i+1, err)
		}
	}

	msgs, _ := f.store.ListMessages(ctx, numID)
	if len(msgs) != 1 {
		t.Fatalf("messages after redelivery = %d, want 1", len(msgs))
	}
}

func TestWebhookCancelledEmptyRefunds(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()
	actID, numID := f.purchase(t, "buy-1")
	w := NewWebhookProcessor(f.store, f.store, f.acts, nil, nil)

	err := w.Process(ctx, "p1", engine.WebhookPayload{
		ActivationID: "up-1",
		Status:       engine.StatusCancelled,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	num, _ := f.store.GetNumber(ctx, numID)
	if num.Status != number.StatusTimeout {
		t.Fatalf("number status = %s, want timeout", num.Status)
	}
	act, _ := f.store.GetActivation(ctx, actID)
	if act.State != activation.StateRefunded {
		t.Fatalf("activation state = %s, want REFUNDED", act.State)
	}
	wlt, _ := f.funds.Wallet(ctx, "u1")
	if wlt.Balance != 500 || wlt.Reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want full refund", wlt.Balance, wlt.Reserved)
	}
}

func TestWebhookCompletedDeliveredFinalizes(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()
	actID, numID := f.purchase(t, "buy-1")
	w := NewWebhookProcessor(f.store, f.store, f.acts, nil, nil)

	if err := w.Process(ctx, "p1", engine.WebhookPayload{
		ActivationID: "up-1",
		Status:       engine.StatusReceived,
		Messages: []engine.InboundMessage{
			{ID: "m1", Sender: "Telegram", Text: "Your code is 842193", ReceivedAt: time.Now().UTC()},
		},
	}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := w.Process(ctx, "p1", engine.WebhookPayload{
		ActivationID: "up-1",
		Status:       engine.StatusCompleted,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	num, _ := f.store.GetNumber(ctx, numID)
	if num.Status != number.StatusCompleted {
		t.Fatalf("number status = %s, want completed", num.Status)
	}
	act, _ := f.store.GetActivation(ctx, actID)
	if act.State != activation.StateCompleted {
		t.Fatalf("activation state = %s, want COMPLETED", act.State)
	}
	wlt, _ := f.funds.Wallet(ctx, "u1")
	if wlt.Balance != 400 {
		t.Fatalf("balance = %d, want captured 400", wlt.Balance)
	}
}

func TestWebhookUnknownReferenceIsNotFound(t *testing.T) {
	f := newPollFixture(t)
	f.purchase(t, "buy-1")
	w := NewWebhookProcessor(f.store, f.store, f.acts, nil, nil)

	err := w.Process(context.Background(), "p1", engine.WebhookPayload{
		ActivationID: "up-unknown",
		Status:       engine.StatusReceived,
	})
	var se *errors.ServiceError
	if !stderrors.As(err, &se) || se.HTTPStatus != 404 {
		t.Fatalf("err = %v, want not-found service error", err)
	}
}

func TestWebhookAfterSettleIsDropped(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()
	_, numID := f.purchase(t, "buy-1")
	w := NewWebhookProcessor(f.store, f.store, f.acts, nil, nil)

	if err := w.Process(ctx, "p1", engine.WebhookPayload{
		ActivationID: "up-1",
		Status:       engine.StatusCancelled,
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// Late duplicate after the number timed out.
	if err := w.Process(ctx, "p1", engine.WebhookPayload{
		ActivationID: "up-1",
		Status:       engine.StatusReceived,
		Messages: []engine.InboundMessage{
			{ID: "m9", Sender: "Telegram", Text: "code 111111", ReceivedAt: time.Now().UTC()},
		},
	}); err != nil {
		t.Fatalf("late redelivery: %v", err)
	}

	msgs, _ := f.store.ListMessages(ctx, numID)
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want settled number to drop delivery", len(msgs))
	}
}
