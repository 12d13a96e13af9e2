package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgeworks/specforge/internal/config"
)

// newStageBackOff builds the transient-retry policy from configuration.
// Randomization is disabled so identical failures schedule identical
// delays; jitter across builds comes from the store's fallback schedule,
// not from here. BackOff implementations are stateful, so every stage
// run gets a fresh instance.
func newStageBackOff(rc config.RetryConfig, clock backoff.Clock) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(rc.InitialIntervalMS) * time.Millisecond
	bo.MaxInterval = time.Duration(rc.MaxIntervalMS) * time.Millisecond
	bo.MaxElapsedTime = time.Duration(rc.MaxElapsedMS) * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	if clock != nil {
		bo.Clock = clock
	}
	bo.Reset()
	return bo
}

// Sleeper waits out retry backoff. The orchestrator takes it injected
// so tests can skip real time.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
