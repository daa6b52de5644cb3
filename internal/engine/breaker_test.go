package engine

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(3)

	for i := 0; i < 2; i++ {
		b.Failure()
		if err := b.Allow(); err != nil {
			t.Fatalf("closed below threshold, got %v after %d failures", err, i+1)
		}
	}
	b.Failure()
	if err := b.Allow(); err != ErrBreakerOpen {
		t.Fatalf("expected ErrBreakerOpen at threshold, got %v", err)
	}
	if !b.Open() {
		t.Fatal("Open() should report true")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3)
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if err := b.Allow(); err != nil {
		t.Fatalf("success should reset the count, got %v", err)
	}
}

func TestBreakerProbeAfterDelay(t *testing.T) {
	clock := time.Now()
	b := NewBreaker(1)
	b.now = func() time.Time { return clock }

	b.Failure()
	if err := b.Allow(); err != ErrBreakerOpen {
		t.Fatalf("expected open, got %v", err)
	}

	// Probe window not yet reached.
	clock = clock.Add(29 * time.Second)
	if err := b.Allow(); err != ErrBreakerOpen {
		t.Fatalf("probe allowed too early: %v", err)
	}

	// One probe gets through; a second concurrent caller does not.
	clock = clock.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be allowed, got %v", err)
	}
	if err := b.Allow(); err != ErrBreakerOpen {
		t.Fatalf("second caller during probe must fail fast, got %v", err)
	}

	b.Success()
	if err := b.Allow(); err != nil {
		t.Fatalf("circuit should close after probe success, got %v", err)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	clock := time.Now()
	b := NewBreaker(1)
	b.now = func() time.Time { return clock }

	b.Failure()
	clock = clock.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be allowed, got %v", err)
	}
	b.Failure()
	if err := b.Allow(); err != ErrBreakerOpen {
		t.Fatalf("failed probe must reopen immediately, got %v", err)
	}

	// And the next probe window starts from the reopen.
	clock = clock.Add(29 * time.Second)
	if err := b.Allow(); err != ErrBreakerOpen {
		t.Fatalf("reopen should restart the probe delay, got %v", err)
	}
	clock = clock.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("next probe should be allowed, got %v", err)
	}
}

func TestBreakerZeroThresholdUsesDefault(t *testing.T) {
	b := NewBreaker(0)
	for i := 0; i < DefaultBreakerThreshold-1; i++ {
		b.Failure()
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("below default threshold: %v", err)
	}
	b.Failure()
	if err := b.Allow(); err != ErrBreakerOpen {
		t.Fatalf("expected open at default threshold, got %v", err)
	}
}
