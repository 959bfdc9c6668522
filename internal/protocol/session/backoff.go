package session

import (
	"context"
	"math/rand"
	"time"
)

// Delay returns the wait before retry number attempt (1-based). Growth is
// geometric and capped at MaxDelay; with Jitter and a non-nil rng the result
// is scaled into [0.5, 1.5) of the base and capped again.
func (c BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	base := float64(c.InitialDelay)
	limit := float64(c.MaxDelay)
	for i := 1; i < attempt; i++ {
		base *= mult
		if limit > 0 && base >= limit {
			base = limit
			break
		}
	}
	if c.Jitter && rng != nil {
		base *= 0.5 + rng.Float64()
		if limit > 0 && base > limit {
			base = limit
		}
	}
	return time.Duration(base)
}

// Backoff paces one reconnect loop. It is not safe for concurrent use.
type Backoff struct {
	cfg         BackoffConfig
	rng         *rand.Rand
	maxAttempts int
	attempt     int
}

// NewBackoff returns a pacer that allows maxAttempts tries; zero or less retries forever.
func NewBackoff(cfg BackoffConfig, maxAttempts int, rng *rand.Rand) *Backoff {
	return &Backoff{cfg: cfg, rng: rng, maxAttempts: maxAttempts}
}

// Attempts reports how many failures have been recorded.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Wait records a failed attempt and sleeps for its delay. It returns false
// once the attempt budget is spent, and ctx.Err() when ctx ends first.
func (b *Backoff) Wait(ctx context.Context) (bool, error) {
	b.attempt++
	if b.maxAttempts > 0 && b.attempt >= b.maxAttempts {
		return false, nil
	}
	delay := b.cfg.Delay(b.attempt, b.rng)
	if delay <= 0 {
		return true, ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}
