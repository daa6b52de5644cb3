package engine

import (
	"testing"
	"time"
)

func TestCredentialRingRotates(t *testing.T) {
	r := newCredentialRing([]string{"a", "b", "c"})

	var got []string
	for i := 0; i < 6; i++ {
		key, wait, err := r.Acquire()
		if err != nil || wait != 0 {
			t.Fatalf("acquire %d: key=%s wait=%s err=%v", i, key, wait, err)
		}
		got = append(got, key)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation order: got %v, want %v", got, want)
		}
	}
}

func TestCredentialRingSkipsCooling(t *testing.T) {
	clock := time.Now()
	r := newCredentialRing([]string{"a", "b"})
	r.now = func() time.Time { return clock }

	r.CoolDown("a", time.Minute)
	for i := 0; i < 3; i++ {
		key, wait, err := r.Acquire()
		if err != nil || wait != 0 {
			t.Fatalf("acquire: %v %s", err, wait)
		}
		if key != "b" {
			t.Fatalf("cooling key served: %s", key)
		}
	}

	// Cooldown expiry returns the key to rotation.
	clock = clock.Add(61 * time.Second)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		key, _, _ := r.Acquire()
		seen[key] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both keys back in rotation, saw %v", seen)
	}
}

func TestCredentialRingAllCoolingReturnsSoonest(t *testing.T) {
	clock := time.Now()
	r := newCredentialRing([]string{"a", "b"})
	r.now = func() time.Time { return clock }

	r.CoolDown("a", 30*time.Second)
	r.CoolDown("b", 10*time.Second)

	key, wait, err := r.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if key != "b" {
		t.Fatalf("expected the soonest-free key, got %s", key)
	}
	if wait <= 0 || wait > 10*time.Second {
		t.Fatalf("wait out of range: %s", wait)
	}
}

func TestCredentialRingEmpty(t *testing.T) {
	r := newCredentialRing([]string{" ", ""})
	if !r.Empty() {
		t.Fatal("whitespace keys should be dropped")
	}
	if _, _, err := r.Acquire(); err == nil {
		t.Fatal("expected error from empty ring")
	}
}
