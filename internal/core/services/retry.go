package services

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy is exponential backoff with full jitter.
type RetryPolicy struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	RateLimitWait time.Duration

	jitter func(time.Duration) time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.RateLimitWait <= 0 {
		p.RateLimitWait = 10 * time.Second
	}
	if p.jitter == nil {
		p.jitter = fullJitter
	}
	return p
}

// Backoff returns the wait before attempt+1 after attempt failed. The ceiling
// is base*2^(attempt-1) capped at MaxBackoff; the wait is uniform below it.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	ceiling := p.BaseBackoff
	for i := 1; i < attempt && ceiling < p.MaxBackoff; i++ {
		ceiling *= 2
	}
	ceiling = min(ceiling, p.MaxBackoff)
	return p.jitter(ceiling)
}

// RateLimited returns the wait for a rate-limit error. The provider hint wins
// over the configured default.
func (p RetryPolicy) RateLimited(hint time.Duration) time.Duration {
	if hint <= 0 {
		return p.RateLimitWait
	}
	return hint
}

func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
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
