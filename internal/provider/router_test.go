package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citation-checker/internal/circuitbreaker"
	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/retry"
	"github.com/citation-checker/internal/types"
)

// fakeAdapter answers every citation as valid unless fail is set.
type fakeAdapter struct {
	name  types.Provider
	calls atomic.Int32
	fail  func(call int) error
	delay time.Duration
}

func (f *fakeAdapter) Name() types.Provider { return f.name }

func (f *fakeAdapter) ValidateBatch(ctx context.Context, citations []string, style string) (*types.BatchOutcome, error) {
	call := int(f.calls.Add(1))
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			return nil, err
		}
	}
	out := types.NewBatchOutcome()
	for i, c := range citations {
		out.Parsed[i+1] = types.Verdict{OriginalText: c, IsValid: true, Errors: []types.CitationError{}, ParseStatus: types.ParseStatusOK}
	}
	return out, nil
}

func fastPolicy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts:    2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RateLimitPause: time.Millisecond,
		Ceiling:        time.Second,
		CallTimeout:    time.Second,
	}
}

func alwaysTransient(p types.Provider) func(int) error {
	return func(int) error {
		return apperrors.NewProviderTransientError(p, errors.New("upstream 503"))
	}
}

func newTestRouter(t *testing.T, a, b Adapter, breakers *circuitbreaker.Manager) *Router {
	t.Helper()
	r, err := NewRouter(RouterConfig{
		Adapters:    []Adapter{a, b},
		Default:     types.ProviderA,
		Fallback:    types.ProviderA,
		Policy:      fastPolicy(),
		MaxInflight: 4,
		Breakers:    breakers,
	})
	require.NoError(t, err)
	return r
}

func TestRouter_PreferredSucceeds(t *testing.T) {
	a := &fakeAdapter{name: types.ProviderA}
	b := &fakeAdapter{name: types.ProviderB}
	r := newTestRouter(t, a, b, nil)

	d := r.Dispatch(context.Background(), []string{"x", "y"}, "apa7", types.ProviderB)

	require.NoError(t, d.Err)
	assert.Equal(t, types.ProviderB, d.Requested)
	assert.Equal(t, types.ProviderB, d.ProviderUsed)
	assert.False(t, d.FallbackOccurred)
	assert.Len(t, d.Outcome.Parsed, 2)
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestRouter_DefaultPreference(t *testing.T) {
	a := &fakeAdapter{name: types.ProviderA}
	b := &fakeAdapter{name: types.ProviderB}
	r := newTestRouter(t, a, b, nil)

	d := r.Dispatch(context.Background(), []string{"x"}, "apa7", "")

	require.NoError(t, d.Err)
	assert.Equal(t, types.ProviderA, d.ProviderUsed)
	assert.False(t, d.FallbackOccurred)
}

func TestRouter_FallsBackWhenPreferredGivesUp(t *testing.T) {
	a := &fakeAdapter{name: types.ProviderA}
	b := &fakeAdapter{name: types.ProviderB, fail: alwaysTransient(types.ProviderB)}
	r := newTestRouter(t, a, b, nil)

	d := r.Dispatch(context.Background(), []string{"x", "y", "z"}, "apa7", types.ProviderB)

	require.NoError(t, d.Err)
	assert.True(t, d.FallbackOccurred)
	assert.Equal(t, types.ProviderB, d.Requested)
	assert.Equal(t, types.ProviderA, d.ProviderUsed)
	assert.Len(t, d.Outcome.Parsed, 3)
	assert.Equal(t, int32(2), b.calls.Load(), "preferred should use its whole attempt budget")
}

func TestRouter_PermanentErrorFallsBackWithoutRetry(t *testing.T) {
	a := &fakeAdapter{name: types.ProviderA}
	b := &fakeAdapter{name: types.ProviderB, fail: func(int) error {
		return apperrors.NewProviderError(types.ProviderB, errors.New("401 bad key"))
	}}
	r := newTestRouter(t, a, b, nil)

	d := r.Dispatch(context.Background(), []string{"x"}, "apa7", types.ProviderB)

	require.NoError(t, d.Err)
	assert.True(t, d.FallbackOccurred)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestRouter_RateLimitDoesNotSpendAttempts(t *testing.T) {
	a := &fakeAdapter{name: types.ProviderA, fail: func(call int) error {
		if call <= 3 {
			return apperrors.NewProviderRateLimitedError(types.ProviderA, errors.New("429"))
		}
		return nil
	}}
	b := &fakeAdapter{name: types.ProviderB}
	r := newTestRouter(t, a, b, nil)

	d := r.Dispatch(context.Background(), []string{"x"}, "apa7", types.ProviderA)

	require.NoError(t, d.Err)
	assert.Equal(t, types.ProviderA, d.ProviderUsed)
	assert.Equal(t, int32(4), a.calls.Load())
	assert.Equal(t, 3, r.Status()[types.ProviderA].Retries.RateLimitPauses)
}

func TestRouter_BothFailIsUnavailable(t *testing.T) {
	a := &fakeAdapter{name: types.ProviderA, fail: alwaysTransient(types.ProviderA)}
	b := &fakeAdapter{name: types.ProviderB, fail: alwaysTransient(types.ProviderB)}
	r := newTestRouter(t, a, b, nil)

	d := r.Dispatch(context.Background(), []string{"x"}, "apa7", types.ProviderB)

	require.Error(t, d.Err)
	assert.True(t, errors.Is(d.Err, apperrors.ErrProviderUnavailable))
	assert.Nil(t, d.Outcome)
	assert.Empty(t, d.ProviderUsed)
	assert.True(t, d.FallbackOccurred)
}

func TestRouter_FallbackFailsAloneIsUnavailable(t *testing.T) {
	a := &fakeAdapter{name: types.ProviderA, fail: alwaysTransient(types.ProviderA)}
	b := &fakeAdapter{name: types.ProviderB}
	r := newTestRouter(t, a, b, nil)

	d := r.Dispatch(context.Background(), []string{"x"}, "apa7", types.ProviderA)

	assert.True(t, errors.Is(d.Err, apperrors.ErrProviderUnavailable))
	assert.False(t, d.FallbackOccurred)
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestRouter_OpenBreakerSkipsPreferred(t *testing.T) {
	a := &fakeAdapter{name: types.ProviderA}
	b := &fakeAdapter{name: types.ProviderB}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	breakers.For(types.ProviderB).ForceOpen()
	r := newTestRouter(t, a, b, breakers)

	d := r.Dispatch(context.Background(), []string{"x"}, "apa7", types.ProviderB)

	require.NoError(t, d.Err)
	assert.True(t, d.FallbackOccurred)
	assert.Equal(t, types.ProviderA, d.ProviderUsed)
	assert.Equal(t, int32(0), b.calls.Load())

	status := r.Status()
	require.NotNil(t, status[types.ProviderB].Breaker)
	assert.Equal(t, circuitbreaker.StateOpen, status[types.ProviderB].Breaker.State)
}

func TestRouter_UnconfiguredPreferenceFallsBack(t *testing.T) {
	a := &fakeAdapter{name: types.ProviderA}
	r, err := NewRouter(RouterConfig{
		Adapters: []Adapter{a},
		Fallback: types.ProviderA,
		Policy:   fastPolicy(),
	})
	require.NoError(t, err)

	d := r.Dispatch(context.Background(), []string{"x"}, "apa7", types.ProviderB)

	require.NoError(t, d.Err)
	assert.True(t, d.FallbackOccurred)
	assert.Equal(t, types.ProviderA, d.ProviderUsed)
}

func TestRouter_CeilingCoversWholeBatch(t *testing.T) {
	limited := func(p types.Provider) func(int) error {
		return func(int) error {
			return apperrors.NewProviderRateLimitedError(p, errors.New("429"))
		}
	}
	a := &fakeAdapter{name: types.ProviderA, fail: limited(types.ProviderA)}
	b := &fakeAdapter{name: types.ProviderB, fail: limited(types.ProviderB)}
	policy := fastPolicy()
	policy.RateLimitPause = 40 * time.Millisecond
	policy.Ceiling = 60 * time.Millisecond
	r, err := NewRouter(RouterConfig{
		Adapters: []Adapter{a, b},
		Fallback: types.ProviderA,
		Policy:   policy,
	})
	require.NoError(t, err)

	d := r.Dispatch(context.Background(), []string{"x"}, "apa7", types.ProviderB)

	assert.ErrorIs(t, d.Err, apperrors.ErrProviderUnavailable)
	assert.Equal(t, int32(2), b.calls.Load())
	assert.Equal(t, int32(1), a.calls.Load(), "fallback runs within what is left of the batch ceiling")
}

func TestNewRouter_RequiresFallbackAdapter(t *testing.T) {
	_, err := NewRouter(RouterConfig{
		Adapters: []Adapter{&fakeAdapter{name: types.ProviderB}},
		Fallback: types.ProviderA,
	})
	assert.Error(t, err)
}

func TestRouter_CanceledContext(t *testing.T) {
	a := &fakeAdapter{name: types.ProviderA, delay: time.Second}
	b := &fakeAdapter{name: types.ProviderB}
	r := newTestRouter(t, a, b, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	d := r.Dispatch(ctx, []string{"x"}, "apa7", types.ProviderA)

	assert.ErrorIs(t, d.Err, context.DeadlineExceeded)
	assert.False(t, errors.Is(d.Err, apperrors.ErrProviderUnavailable))
}

func TestRouter_BoundsInflightCalls(t *testing.T) {
	var inflight, peak atomic.Int32
	a := &fakeAdapter{name: types.ProviderA, fail: func(int) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	}}
	r, err := NewRouter(RouterConfig{
		Adapters:    []Adapter{a},
		Fallback:    types.ProviderA,
		Policy:      fastPolicy(),
		MaxInflight: 2,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := r.Dispatch(context.Background(), []string{fmt.Sprintf("c%d", i)}, "apa7", "")
			assert.NoError(t, d.Err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(10), a.calls.Load())
}
