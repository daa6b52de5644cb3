package engine

import (
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned without touching the network while a
// provider's circuit is open.
var ErrBreakerOpen = fmt.Errorf("engine: circuit breaker open")

// DefaultBreakerThreshold opens the circuit after this many consecutive
// failures when the provider does not configure its own.
const DefaultBreakerThreshold = 5

// defaultProbeAfter is how long an open circuit waits before letting one
// probe call through.
const defaultProbeAfter = 30 * time.Second

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker is a per-provider circuit breaker. Calls fail fast while open;
// after the probe delay a single call is let through and its outcome
// closes or re-opens the circuit.
type Breaker struct {
	mu         sync.Mutex
	threshold  int
	probeAfter time.Duration
	now        func() time.Time

	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker builds a breaker opening after threshold consecutive
// failures; threshold ≤ 0 selects the default.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	return &Breaker{threshold: threshold, probeAfter: defaultProbeAfter, now: time.Now}
}

// Allow reports whether a call may proceed. While open it returns
// ErrBreakerOpen; once the probe delay passes exactly one caller gets
// through as the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.probeAfter {
			return ErrBreakerOpen
		}
		b.state = breakerHalfOpen
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
}

// Success records a healthy call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.probing = false
}

// Failure records an unhealthy call; at the threshold the circuit opens.
// A failed probe re-opens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = breakerOpen
	b.openedAt = b.now()
	b.failures = b.threshold
	b.probing = false
}

// Open reports whether calls currently fail fast.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && b.now().Sub(b.openedAt) < b.probeAfter
}
