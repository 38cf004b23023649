package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/types"
)

func fastPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RateLimitPause: 2 * time.Millisecond,
		Ceiling:        time.Second,
	}
}

var (
	errTransient = apperrors.NewProviderTransientError(types.ProviderA, errors.New("502 bad gateway"))
	errLimited   = apperrors.NewProviderRateLimitedError(types.ProviderA, errors.New("429"))
)

func TestExecute_SucceedsFirstTry(t *testing.T) {
	calls := 0
	result := fastPolicy().Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
	assert.NoError(t, result.Err())
}

func TestExecute_TransientThenSuccess(t *testing.T) {
	result := fastPolicy().Execute(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt < 3 {
			return errTransient
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
}

func TestExecute_TransientExhaustsBudget(t *testing.T) {
	calls := 0
	result := fastPolicy().Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errTransient
	})

	assert.False(t, result.Success)
	assert.Equal(t, FailureExhausted, result.Kind)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, result.Err(), apperrors.ErrProviderTransient)
}

func TestExecute_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	result := fastPolicy().Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("invalid api key")
	})

	assert.Equal(t, FailurePermanent, result.Kind)
	assert.Equal(t, 1, calls)
}

func TestExecute_RateLimitDoesNotConsumeAttempts(t *testing.T) {
	// Five rate-limit pauses followed by two transient failures and a success:
	// with a budget of 3 transient attempts this must still succeed.
	result := fastPolicy().Execute(context.Background(), func(ctx context.Context, attempt int) error {
		switch {
		case attempt <= 5:
			return errLimited
		case attempt <= 7:
			return errTransient
		default:
			return nil
		}
	})

	require.True(t, result.Success)
	assert.Equal(t, 8, result.Attempts)
	assert.Equal(t, 5, result.RateLimitPauses)
}

func TestExecute_RateLimitBoundedByCeiling(t *testing.T) {
	p := fastPolicy()
	p.RateLimitPause = 10 * time.Millisecond
	p.Ceiling = 50 * time.Millisecond

	start := time.Now()
	result := p.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		return errLimited
	})

	assert.False(t, result.Success)
	assert.Equal(t, FailureExhausted, result.Kind)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.ErrorIs(t, result.LastError, apperrors.ErrProviderRateLimited)
}

func TestExecuteBefore_SharedDeadline(t *testing.T) {
	p := fastPolicy()
	p.RateLimitPause = 10 * time.Millisecond

	calls := 0
	result := p.ExecuteBefore(context.Background(), time.Now().Add(-time.Millisecond), func(ctx context.Context, attempt int) error {
		calls++
		return errLimited
	})

	assert.Equal(t, 1, calls, "a passed deadline still allows the first call")
	assert.Equal(t, FailureExhausted, result.Kind)
}

func TestExecuteBefore_CeilingStillApplies(t *testing.T) {
	p := fastPolicy()
	p.RateLimitPause = 10 * time.Millisecond
	p.Ceiling = 30 * time.Millisecond

	start := time.Now()
	result := p.ExecuteBefore(context.Background(), time.Now().Add(time.Hour), func(ctx context.Context, attempt int) error {
		return errLimited
	})

	assert.Equal(t, FailureExhausted, result.Kind)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecute_CallTimeoutIsTransient(t *testing.T) {
	p := fastPolicy()
	p.CallTimeout = 5 * time.Millisecond

	result := p.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
}

func TestExecute_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy()
	p.RateLimitPause = time.Hour
	p.Ceiling = 2 * time.Hour

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	result := p.Execute(ctx, func(ctx context.Context, attempt int) error {
		return errLimited
	})

	assert.Equal(t, FailureCanceled, result.Kind)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestBackoff(t *testing.T) {
	p := &Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Backoff(tt.n))
		})
	}
}

func TestBackoff_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("backoff is monotonic and capped", prop.ForAll(
		func(baseMs, maxMs, n int) bool {
			p := &Policy{
				BaseDelay: time.Duration(baseMs) * time.Millisecond,
				MaxDelay:  time.Duration(maxMs) * time.Millisecond,
			}
			cur, next := p.Backoff(n), p.Backoff(n+1)
			return cur <= next && next <= p.MaxDelay || p.BaseDelay > p.MaxDelay
		},
		gen.IntRange(1, 1000),
		gen.IntRange(1, 60000),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

func TestStatsTracker(t *testing.T) {
	tracker := NewStatsTracker()
	tracker.Record(&Result{Attempts: 1, Success: true})
	tracker.Record(&Result{Attempts: 3, Success: false, RateLimitPauses: 2})

	stats := tracker.Snapshot()
	assert.Equal(t, 2, stats.TotalOperations)
	assert.Equal(t, 1, stats.SuccessfulOps)
	assert.Equal(t, 1, stats.FailedOps)
	assert.Equal(t, 2, stats.TotalRetries)
	assert.Equal(t, 2, stats.RateLimitPauses)
}
