package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon-engine/internal/engineerr"
)

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func(attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesRetryableErrorsUpToMaxAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2}
	calls := 0
	err := Do(context.Background(), policy, func(attempt int) error {
		calls++
		return engineerr.New("test", engineerr.NetworkTransient, errors.New("reset"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsImmediatelyOnNonRetryableError(t *testing.T) {
	policy := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2}
	calls := 0
	wantErr := engineerr.New("test", engineerr.ChecksumMismatch, nil)
	err := Do(context.Background(), policy, func(attempt int) error {
		calls++
		return wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 1, calls)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	policy := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2}
	calls := 0
	err := Do(context.Background(), policy, func(attempt int) error {
		calls++
		if calls < 3 {
			return engineerr.New("test", engineerr.NetworkTransient, nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	policy := Policy{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, policy, func(attempt int) error {
		calls++
		return engineerr.New("test", engineerr.NetworkTransient, nil)
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 10)
}

func TestDelayHonorsRetryAfterOverride(t *testing.T) {
	p := DefaultPolicy()
	d := p.Delay(0, 7*time.Second)
	assert.Equal(t, 7*time.Second, d)
}

func TestDelayGrowsWithinJitterBounds(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2, Jitter: true}
	for k := 0; k < 6; k++ {
		d := p.Delay(k, 0)
		raw := float64(p.InitialDelay) * pow2(k)
		if raw > float64(p.MaxDelay) {
			raw = float64(p.MaxDelay)
		}
		assert.GreaterOrEqual(t, float64(d), raw*0.75)
		assert.LessOrEqual(t, float64(d), raw*1.25+1) // +1ns slack for float rounding
	}
}

func pow2(k int) float64 {
	v := 1.0
	for i := 0; i < k; i++ {
		v *= 2
	}
	return v
}

func TestMaxTotalDelayCapsAtMaxDelayPerAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 2 * time.Second, BackoffFactor: 10, Jitter: true}
	total := p.MaxTotalDelay(3)
	// Every attempt beyond the first saturates MaxDelay, so the bound is
	// (InitialDelay + MaxDelay + MaxDelay) * 1.25.
	want := time.Duration(float64(time.Second+2*time.Second+2*time.Second) * 1.25)
	assert.Equal(t, want, total)
}

func TestDelayIsExactWhenJitterDisabled(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2, Jitter: false}
	assert.Equal(t, time.Second, p.Delay(0, 0))
	assert.Equal(t, 2*time.Second, p.Delay(1, 0))
	assert.Equal(t, 4*time.Second, p.Delay(2, 0))
}

func TestDefaultPolicyMatchesDocumentedCurve(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.BackoffFactor)
	assert.True(t, p.Jitter)
}

func TestRetryAfterOfReadsServerHint(t *testing.T) {
	err := engineerr.New("op", engineerr.HttpClientStatus, nil).WithStatus(429).WithRetryAfter(5)
	assert.Equal(t, 5*time.Second, retryAfterOf(err))
	assert.Equal(t, time.Duration(0), retryAfterOf(nil))
	assert.Equal(t, time.Duration(0), retryAfterOf(errors.New("plain")))
}
