package engine

import (
	"testing"
	"time"
)

func TestSWRCacheFreshHit(t *testing.T) {
	clock := time.Now()
	c := newSWRCache(60 * time.Second)
	c.now = func() time.Time { return clock }

	c.Put("k", 42)
	v, ok, refresh := c.Get("k")
	if !ok || refresh {
		t.Fatalf("fresh entry: ok=%v refresh=%v", ok, refresh)
	}
	if v.(int) != 42 {
		t.Fatalf("value: %v", v)
	}
}

func TestSWRCacheRevalidationClaim(t *testing.T) {
	clock := time.Now()
	c := newSWRCache(60 * time.Second)
	c.now = func() time.Time { return clock }

	c.Put("k", "stale-ok")
	clock = clock.Add(48 * time.Second) // past 80% of TTL

	v, ok, refresh := c.Get("k")
	if !ok || !refresh {
		t.Fatalf("first stale reader should claim refresh: ok=%v refresh=%v", ok, refresh)
	}
	if v.(string) != "stale-ok" {
		t.Fatalf("stale value still served: %v", v)
	}

	// Only one claim at a time.
	if _, ok, refresh := c.Get("k"); !ok || refresh {
		t.Fatalf("second reader must not claim: ok=%v refresh=%v", ok, refresh)
	}

	// A failed refresh releases the claim for a later reader.
	c.Release("k")
	if _, ok, refresh := c.Get("k"); !ok || !refresh {
		t.Fatalf("released claim should be reclaimable: ok=%v refresh=%v", ok, refresh)
	}

	// A successful refresh resets age and claim.
	c.Put("k", "fresh")
	v, ok, refresh = c.Get("k")
	if !ok || refresh || v.(string) != "fresh" {
		t.Fatalf("after refresh: v=%v ok=%v refresh=%v", v, ok, refresh)
	}
}

func TestSWRCacheExpiry(t *testing.T) {
	clock := time.Now()
	c := newSWRCache(60 * time.Second)
	c.now = func() time.Time { return clock }

	c.Put("k", 1)
	clock = clock.Add(61 * time.Second)
	if _, ok, _ := c.Get("k"); ok {
		t.Fatal("entry past TTL must miss")
	}
}

func TestSWRCacheInvalidate(t *testing.T) {
	c := newSWRCache(time.Minute)
	c.Put("k", 1)
	c.Invalidate("k")
	if _, ok, _ := c.Get("k"); ok {
		t.Fatal("invalidated entry served")
	}
}
