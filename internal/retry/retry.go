// Package retry implements the exponential-backoff-with-jitter policy used
// to re-attempt transient segment and probe failures.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"tachyon-engine/internal/engineerr"
)

// Policy configures the backoff curve. Delay for attempt k (0-indexed) is
// min(InitialDelay * BackoffFactor^k, MaxDelay), then, when Jitter is set,
// scaled by a uniform jitter factor in [0.75, 1.25].
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultPolicy matches the engine's documented defaults: 5 attempts,
// starting at 1000ms, doubling up to a 30s ceiling, jitter on.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   5,
		InitialDelay:  1000 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Delay returns the backoff duration before attempt k (0-indexed), honoring
// retryAfter when the server supplied one (takes precedence over the curve).
func (p Policy) Delay(k int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	raw := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(k))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	factor := 1.0
	if p.Jitter {
		factor = 0.75 + rand.Float64()*0.5 // uniform in [0.75, 1.25]
	}
	return time.Duration(raw * factor)
}

// MaxTotalDelay returns the invariant-8 upper bound on cumulative backoff
// across n attempts: Σ min(initialDelay·factor^k, maxDelay)·(1.25 if jitter
// else 1).
func (p Policy) MaxTotalDelay(n int) time.Duration {
	cap := 1.0
	if p.Jitter {
		cap = 1.25
	}
	var total float64
	for k := 0; k < n; k++ {
		raw := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(k))
		if raw > float64(p.MaxDelay) {
			raw = float64(p.MaxDelay)
		}
		total += raw * cap
	}
	return time.Duration(total)
}

// RetryAfterHint describes an error carrying a server-supplied Retry-After
// delay in seconds. Do does not consult it: retryAfterOf reads the hint
// through a GetRetryAfter() int method, which *engineerr.Error implements.
type RetryAfterHint interface {
	RetryAfterSeconds() int
}

// Do runs fn up to policy.MaxAttempts times, sleeping according to the
// backoff curve between attempts, stopping early when fn succeeds, when ctx
// is cancelled, or when the returned error is not retryable per
// engineerr.IsRetryable.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt-1, retryAfterOf(lastErr))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !engineerr.IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

func retryAfterOf(err error) time.Duration {
	if err == nil {
		return 0
	}
	type withRetryAfter interface{ GetRetryAfter() int }
	if e, ok := err.(withRetryAfter); ok {
		return time.Duration(e.GetRetryAfter()) * time.Second
	}
	return 0
}
