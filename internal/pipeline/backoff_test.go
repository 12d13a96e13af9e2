package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgeworks/specforge/internal/config"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestStageBackOff_DeterministicDoubling(t *testing.T) {
	rc := config.RetryConfig{InitialIntervalMS: 200, MaxIntervalMS: 1000, MaxElapsedMS: 60000}
	bo := newStageBackOff(rc, nil)

	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1000 * time.Millisecond, // capped
		1000 * time.Millisecond,
	}
	for i, w := range want {
		if got := bo.NextBackOff(); got != w {
			t.Fatalf("delay %d = %v, want %v", i+1, got, w)
		}
	}
}

func TestStageBackOff_FreshInstancesDoNotShareState(t *testing.T) {
	rc := config.RetryConfig{InitialIntervalMS: 200, MaxIntervalMS: 5000, MaxElapsedMS: 60000}

	first := newStageBackOff(rc, nil)
	first.NextBackOff()
	first.NextBackOff()

	second := newStageBackOff(rc, nil)
	if got := second.NextBackOff(); got != 200*time.Millisecond {
		t.Errorf("fresh instance first delay = %v, want 200ms", got)
	}
}

func TestStageBackOff_StopsPastMaxElapsed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	rc := config.RetryConfig{InitialIntervalMS: 200, MaxIntervalMS: 5000, MaxElapsedMS: 1000}
	bo := newStageBackOff(rc, clock)

	if got := bo.NextBackOff(); got != 200*time.Millisecond {
		t.Fatalf("first delay = %v, want 200ms", got)
	}
	clock.now = clock.now.Add(2 * time.Second)
	if got := bo.NextBackOff(); got != backoff.Stop {
		t.Fatalf("delay past max elapsed = %v, want Stop", got)
	}
}

func TestRealSleeper(t *testing.T) {
	t.Run("returns on elapsed duration", func(t *testing.T) {
		if err := (realSleeper{}).Sleep(context.Background(), time.Millisecond); err != nil {
			t.Fatalf("Sleep() = %v", err)
		}
	})

	t.Run("zero duration is immediate", func(t *testing.T) {
		if err := (realSleeper{}).Sleep(context.Background(), 0); err != nil {
			t.Fatalf("Sleep(0) = %v", err)
		}
	})

	t.Run("honors canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := (realSleeper{}).Sleep(ctx, time.Hour)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Sleep() = %v, want context.Canceled", err)
		}
	})
}
