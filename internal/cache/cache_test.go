package cache_test

import (
	"testing"
	"time"

	"github.com/forgeworks/specforge/internal/cache"
)

func TestGetSet_RoundTrip(t *testing.T) {
	c := cache.New(time.Minute)
	c.Set("artifact:contracts/star-rating/contract.md", []byte("contract"))

	got, ok := c.Get("artifact:contracts/star-rating/contract.md")
	if !ok {
		t.Fatalf("expected hit")
	}
	if string(got) != "contract" {
		t.Fatalf("unexpected value: %q", string(got))
	}
}

func TestGet_MissOnAbsent(t *testing.T) {
	c := cache.New(time.Minute)
	if _, ok := c.Get("absent"); ok {
		t.Fatalf("expected miss for absent key")
	}
}

func TestGet_ExpiredIsMiss(t *testing.T) {
	c := cache.New(time.Minute)
	c.SetWithTTL("stale", []byte("old"), -time.Second)

	if _, ok := c.Get("stale"); ok {
		t.Fatalf("expected miss for expired entry")
	}
}

func TestCounters_TrackHitsAndMisses(t *testing.T) {
	c := cache.New(time.Minute)
	c.Set("k", []byte("v"))

	c.Get("k")
	c.Get("k")
	c.Get("absent")

	hits, misses := c.Counters()
	if hits != 2 {
		t.Fatalf("expected 2 hits, got %d", hits)
	}
	if misses != 1 {
		t.Fatalf("expected 1 miss, got %d", misses)
	}
}

func TestInvalidate_RemovesKey(t *testing.T) {
	c := cache.New(time.Minute)
	c.Set("k", []byte("v"))
	c.Invalidate("k")

	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected miss after invalidate")
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := cache.New(time.Minute)
	c.Set("artifact:a", []byte("1"))
	c.Set("artifact:b", []byte("2"))
	c.Set("catalog:v3", []byte("3"))

	if dropped := c.InvalidatePrefix("artifact:"); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", c.Len())
	}
	if _, ok := c.Get("catalog:v3"); !ok {
		t.Fatalf("unrelated key was dropped")
	}
}

func TestSweep_CollectsOnlyExpired(t *testing.T) {
	c := cache.New(time.Minute)
	c.SetWithTTL("expired-1", []byte("x"), -time.Second)
	c.SetWithTTL("expired-2", []byte("y"), -time.Second)
	c.Set("live", []byte("z"))

	if swept := c.Sweep(); swept != 2 {
		t.Fatalf("expected 2 swept, got %d", swept)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry after sweep, got %d", c.Len())
	}
}
