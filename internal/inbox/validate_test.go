package inbox

import (
	"strings"
	"testing"
	"time"

	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/engine"
)

func testNumber(now time.Time) number.Number {
	return number.Number{
		ID:           "n1",
		UserID:       "u1",
		ActivationID: "a1",
		ServiceCode:  "tg",
		Status:       number.StatusActive,
		CreatedAt:    now.Add(-time.Minute),
		ExpiresAt:    now.Add(20 * time.Minute),
	}
}

func TestAcceptMessagesValidatesAndExtracts(t *testing.T) {
	now := time.Now().UTC()
	num := testNumber(now)

	msgs := []engine.InboundMessage{
		{ID: "m1", Sender: "Telegram", Text: "Your code is 842193", ReceivedAt: now},
		{ID: "m2", Sender: "x", Text: "   ", ReceivedAt: now},
		{ID: "m3", Sender: "x", Text: "too old", ReceivedAt: now.Add(-2 * time.Hour)},
		{ID: "m4", Sender: "x", Text: "from the future", ReceivedAt: now.Add(time.Hour)},
	}
	accepted, rejected := acceptMessages(num, msgs, nil, now)
	if len(accepted) != 1 {
		t.Fatalf("accepted = %d, want 1 (%v)", len(accepted), rejected)
	}
	if len(rejected) != 3 {
		t.Fatalf("rejected = %v, want 3 reasons", rejected)
	}
	m := accepted[0]
	if m.ID != "n1_m1" {
		t.Fatalf("id = %q, want composite n1_m1", m.ID)
	}
	if m.Code != "842193" || m.Confidence < 0.8 {
		t.Fatalf("extraction = %q/%v, want 842193 with confidence >= 0.8", m.Code, m.Confidence)
	}
	if m.ContentHash == "" || m.Fingerprint == "" {
		t.Fatalf("hashes missing: %+v", m)
	}
}

func TestAcceptMessagesRejectsStoredDuplicateID(t *testing.T) {
	now := time.Now().UTC()
	num := testNumber(now)
	recent := []number.SmsMessage{{
		ID:          "n1_m1",
		ContentHash: ContentHash("s", "old"),
		ReceivedAt:  now.Add(-time.Minute),
	}}

	accepted, rejected := acceptMessages(num, []engine.InboundMessage{
		{ID: "m1", Sender: "s", Text: "redelivered", ReceivedAt: now},
	}, recent, now)
	if len(accepted) != 0 || len(rejected) != 1 {
		t.Fatalf("accepted=%d rejected=%v, want pure rejection", len(accepted), rejected)
	}
}

func TestAcceptMessagesCollapsesSameBatchDuplicates(t *testing.T) {
	now := time.Now().UTC()
	num := testNumber(now)

	accepted, _ := acceptMessages(num, []engine.InboundMessage{
		{ID: "m7", Sender: "s", Text: "code 1111", ReceivedAt: now},
		{ID: "m7", Sender: "s", Text: "code 1111", ReceivedAt: now},
	}, nil, now)
	if len(accepted) != 1 {
		t.Fatalf("accepted = %d, want same-batch duplicate collapsed", len(accepted))
	}
}

func TestAcceptMessagesContentHashWindow(t *testing.T) {
	now := time.Now().UTC()
	num := testNumber(now)
	recent := []number.SmsMessage{{
		ID:          "n1_old",
		ContentHash: ContentHash("Bank", "code 4242"),
		ReceivedAt:  now.Add(-5 * time.Second),
	}}

	// Same payload under a fresh upstream id within the window is a
	// redelivery.
	accepted, rejected := acceptMessages(num, []engine.InboundMessage{
		{ID: "m9", Sender: "Bank", Text: "code 4242", ReceivedAt: now},
	}, recent, now)
	if len(accepted) != 0 || len(rejected) != 1 {
		t.Fatalf("in-window redelivery accepted: %d/%v", len(accepted), rejected)
	}

	// The same payload outside the window is a legitimate re-send.
	recent[0].ReceivedAt = now.Add(-30 * time.Second)
	accepted, _ = acceptMessages(num, []engine.InboundMessage{
		{ID: "m9", Sender: "Bank", Text: "code 4242", ReceivedAt: now},
	}, recent, now)
	if len(accepted) != 1 {
		t.Fatalf("out-of-window re-send dropped")
	}
}

func TestAcceptMessagesBlankUpstreamIDGetsStableSlot(t *testing.T) {
	now := time.Now().UTC()
	num := testNumber(now)

	first, _ := acceptMessages(num, []engine.InboundMessage{
		{Sender: "s", Text: "Code 1234", ReceivedAt: now},
	}, nil, now)
	if len(first) != 1 {
		t.Fatalf("accepted = %d, want 1", len(first))
	}
	wantID := "n1_" + Fingerprint("Code 1234")[:12]
	if first[0].ID != wantID {
		t.Fatalf("id = %q, want fingerprint slot %q", first[0].ID, wantID)
	}

	// Redelivery of the same idless payload collides on the slot.
	_, rejected := acceptMessages(num, []engine.InboundMessage{
		{Sender: "s", Text: "Code 1234", ReceivedAt: now.Add(time.Minute)},
	}, first, now.Add(time.Minute))
	if len(rejected) != 1 {
		t.Fatalf("idless redelivery not rejected: %v", rejected)
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("ab\x00c\x1b", 10); got != "abc" {
		t.Fatalf("control strip = %q", got)
	}
	if got := sanitize("a\nb", 10); got != "a\nb" {
		t.Fatalf("newline must survive: %q", got)
	}
	if got := sanitize(strings.Repeat("x", 2*maxContentLen), maxContentLen); len(got) != maxContentLen {
		t.Fatalf("cap = %d, want %d", len(got), maxContentLen)
	}
	if got := sanitize("  padded  ", 10); got != "padded" {
		t.Fatalf("trim = %q", got)
	}
}
