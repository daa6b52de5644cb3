package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// credentialRing rotates through a provider's credential list, honoring
// per-credential cooldowns set by upstream rate-limit hints.
type credentialRing struct {
	mu       sync.Mutex
	keys     []string
	next     int
	cooldown map[string]time.Time
	now      func() time.Time
}

func newCredentialRing(keys []string) *credentialRing {
	clean := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			clean = append(clean, k)
		}
	}
	return &credentialRing{
		keys:     clean,
		cooldown: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Empty reports whether the ring holds no credentials at all.
func (r *credentialRing) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys) == 0
}

// Size returns the number of configured credentials.
func (r *credentialRing) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Acquire returns the next credential that is not cooling down. When every
// credential cools, it returns the one that frees up soonest along with
// the remaining wait.
func (r *credentialRing) Acquire() (string, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) == 0 {
		return "", 0, fmt.Errorf("engine: no credentials configured")
	}

	now := r.now()
	bestWait := time.Duration(-1)
	bestKey := ""
	for i := 0; i < len(r.keys); i++ {
		key := r.keys[(r.next+i)%len(r.keys)]
		until, cooling := r.cooldown[key]
		if !cooling || !until.After(now) {
			r.next = (r.next + i + 1) % len(r.keys)
			delete(r.cooldown, key)
			return key, 0, nil
		}
		if wait := until.Sub(now); bestWait < 0 || wait < bestWait {
			bestWait, bestKey = wait, key
		}
	}
	return bestKey, bestWait, nil
}

// CoolDown parks a credential for d.
func (r *credentialRing) CoolDown(key string, d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown[key] = r.now().Add(d)
}
