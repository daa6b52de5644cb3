package engine

import (
	"sync"
	"time"
)

// swrCache is an in-process stale-while-revalidate cache. Entries past the
// revalidation point (80% of TTL) are still served, but the first reader
// to observe the staleness claims a background refresh slot.
type swrCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*swrEntry
	now     func() time.Time
}

type swrEntry struct {
	value        interface{}
	storedAt     time.Time
	revalidating bool
}

func newSWRCache(ttl time.Duration) *swrCache {
	return &swrCache{ttl: ttl, entries: make(map[string]*swrEntry), now: time.Now}
}

// Get returns the cached value. refresh is true when this caller claimed
// the revalidation slot and must refresh the entry in the background.
func (c *swrCache) Get(key string) (value interface{}, ok bool, refresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		return nil, false, false
	}
	age := c.now().Sub(e.storedAt)
	if age >= c.ttl {
		delete(c.entries, key)
		return nil, false, false
	}
	if age >= c.ttl*4/5 && !e.revalidating {
		e.revalidating = true
		return e.value, true, true
	}
	return e.value, true, false
}

// Put stores a fresh value and clears any revalidation claim.
func (c *swrCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &swrEntry{value: value, storedAt: c.now()}
}

// Release drops a revalidation claim after a failed refresh so a later
// reader can retry.
func (c *swrCache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.revalidating = false
	}
}

// Invalidate removes a key outright.
func (c *swrCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
