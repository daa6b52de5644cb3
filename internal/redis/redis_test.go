package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/numhive/platform/internal/domain/event"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, nil), mr
}

func TestTryLockExclusive(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	lock, ok, err := c.TryLock(ctx, "number:123", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	_, ok, err = c.TryLock(ctx, "number:123", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("lock acquired twice")
	}

	if err := lock.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	_, ok, err = c.TryLock(ctx, "number:123", time.Minute)
	if err != nil || !ok {
		t.Fatalf("reacquire after unlock: ok=%v err=%v", ok, err)
	}
}

func TestTryLockExpires(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	if _, ok, err := c.TryLock(ctx, "number:9", 5*time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	mr.FastForward(6 * time.Second)

	_, ok, err := c.TryLock(ctx, "number:9", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
}

func TestUnlockDoesNotReleaseStolenLock(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	first, ok, err := c.TryLock(ctx, "number:7", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Second)

	second, ok, err := c.TryLock(ctx, "number:7", time.Minute)
	if err != nil || !ok {
		t.Fatalf("second holder acquire: ok=%v err=%v", ok, err)
	}

	// The first holder's token no longer matches; unlock must be a no-op.
	if err := first.Unlock(ctx); err != nil {
		t.Fatalf("stale unlock: %v", err)
	}
	_, ok, err = c.TryLock(ctx, "number:7", time.Minute)
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if ok {
		t.Fatal("stale unlock released the second holder's lock")
	}
	_ = second.Unlock(ctx)
}

func TestAllowSlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := c.Allow(ctx, "provider:acme", 3, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("hit %d rejected below limit", i)
		}
	}
	ok, err := c.Allow(ctx, "provider:acme", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if ok {
		t.Fatal("fourth hit allowed with limit 3")
	}

	remaining, err := c.WindowRemaining(ctx, "provider:acme", 3, time.Minute)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
}

func TestAllowZeroLimitIsUnbounded(t *testing.T) {
	c, _ := newTestClient(t)
	ok, err := c.Allow(context.Background(), "provider:none", 0, time.Minute)
	if err != nil || !ok {
		t.Fatalf("zero limit: ok=%v err=%v", ok, err)
	}
}

func TestMarkOnce(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	first, err := c.MarkOnce(ctx, "webhook:acme:abc", 24*time.Hour)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if !first {
		t.Fatal("first mark reported as replay")
	}
	second, err := c.MarkOnce(ctx, "webhook:acme:abc", 24*time.Hour)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second {
		t.Fatal("replayed mark reported as first seen")
	}
}

func TestJSONCacheAndEvictPrefix(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type entry struct {
		Name string `json:"name"`
	}
	if err := c.SetJSON(ctx, "search:services:gb", entry{Name: "telegram"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.SetJSON(ctx, "search:services:us", entry{Name: "whatsapp"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.SetJSON(ctx, "dashboard:u1", entry{Name: "dash"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got entry
	hit, err := c.GetJSON(ctx, "search:services:gb", &got)
	if err != nil || !hit {
		t.Fatalf("get: hit=%v err=%v", hit, err)
	}
	if got.Name != "telegram" {
		t.Fatalf("got %q, want telegram", got.Name)
	}

	if err := c.EvictPrefix(ctx, "search:"); err != nil {
		t.Fatalf("evict prefix: %v", err)
	}
	hit, err = c.GetJSON(ctx, "search:services:gb", &got)
	if err != nil {
		t.Fatalf("get after evict: %v", err)
	}
	if hit {
		t.Fatal("evicted key still cached")
	}
	hit, err = c.GetJSON(ctx, "dashboard:u1", &got)
	if err != nil || !hit {
		t.Fatalf("unrelated key evicted: hit=%v err=%v", hit, err)
	}
}

func TestPublishEventReplaysThroughUserStream(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	env1, err := event.New(event.TypeWalletUpdated, event.UserRoom("u1"), map[string]interface{}{
		"walletId": "w1",
		"balance":  400,
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	id1, err := c.PublishEvent(ctx, env1)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id1 == "" {
		t.Fatal("user-room publish returned empty stream id")
	}

	env2, err := event.New(event.TypeSmsReceived, event.UserRoom("u1"), map[string]interface{}{
		"numberId": "n1",
		"sender":   "Telegram",
		"preview":  "Code: 12345",
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if _, err := c.PublishEvent(ctx, env2); err != nil {
		t.Fatalf("publish: %v", err)
	}

	all, err := c.ReplayUserEvents(ctx, "u1", "", 10)
	if err != nil {
		t.Fatalf("replay all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("replayed %d events, want 2", len(all))
	}
	if all[0].Envelope.EventID != env1.EventID {
		t.Fatalf("replay order wrong: got %s first", all[0].Envelope.EventID)
	}

	tail, err := c.ReplayUserEvents(ctx, "u1", id1, 10)
	if err != nil {
		t.Fatalf("replay after id: %v", err)
	}
	if len(tail) != 1 {
		t.Fatalf("replayed %d events after %s, want 1", len(tail), id1)
	}
	if tail[0].Envelope.Type != event.TypeSmsReceived {
		t.Fatalf("got %s, want sms.received", tail[0].Envelope.Type)
	}
}

func TestPublishEventSkipsStreamForNonUserRooms(t *testing.T) {
	c, _ := newTestClient(t)

	env, err := event.New(event.TypeActivationUpdated, event.OrderRoom("a1"), map[string]interface{}{
		"activationId": "a1",
		"state":        "ACTIVE",
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	id, err := c.PublishEvent(context.Background(), env)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "" {
		t.Fatalf("order-room publish returned stream id %q", id)
	}
}

func TestSubscribeGlobalReceivesPublishedEvents(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sub := c.SubscribeGlobal(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	env, err := event.New(event.TypeNumberUpdated, event.UserRoom("u2"), map[string]interface{}{
		"numberId": "n2",
		"status":   "COMPLETED",
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if _, err := c.PublishEvent(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Channel != GlobalChannel {
			t.Fatalf("message on channel %s", msg.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestStreamIDAfter(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"2-0", "1-0", true},
		{"1-1", "1-0", true},
		{"1-0", "1-0", false},
		{"1-0", "1-1", false},
		{"10-0", "9-5", true},
		{"1692000000000-3", "1692000000000-2", true},
	}
	for _, tc := range cases {
		if got := streamIDAfter(tc.a, tc.b); got != tc.want {
			t.Errorf("streamIDAfter(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
