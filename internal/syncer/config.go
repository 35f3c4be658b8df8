package syncer

import (
	"context"
	"time"
)

// Config bounds the retry behaviour of a sync cycle.
type Config struct {
	// MaxCycleRestarts is how many times a cycle may restart after a
	// pagination-mutation conflict before the connection is marked Failed.
	MaxCycleRestarts int

	// MaxPageRetries is how many times a single page request is retried
	// after a transient failure.
	MaxPageRetries int

	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// PageTimeout bounds each provider call. Zero disables the bound.
	PageTimeout time.Duration
}

// DefaultConfig returns the production retry budget.
func DefaultConfig() Config {
	return Config{
		MaxCycleRestarts: 3,
		MaxPageRetries:   5,
		BaseBackoff:      500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		PageTimeout:      30 * time.Second,
	}
}

// backoff returns the wait before retry number attempt (0-based):
// BaseBackoff doubled per attempt, capped at MaxBackoff.
func (c Config) backoff(attempt int) time.Duration {
	d := c.BaseBackoff
	for i := 0; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
