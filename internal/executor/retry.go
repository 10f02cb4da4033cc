package executor

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls per-stage retry behavior for external capability calls.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per stage, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth of the delay.
	MaxBackoff time.Duration
	// JitterFraction adds +/- this fraction of random jitter to each delay.
	JitterFraction float64
}

// DefaultRetryPolicy returns the standard stage retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.2,
	}
}

// Backoff returns the delay to sleep after the given 1-based failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.JitterFraction > 0 {
		jitter := float64(d) * p.JitterFraction
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*jitter)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
// Backoff sleeps go through here so an abandoned run can be cancelled
// mid-wait.
func sleep(ctx context.Context, d time.Duration) error {
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
