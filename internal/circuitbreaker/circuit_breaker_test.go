package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citation-checker/internal/types"
)

var errBoom = errors.New("boom")

func newTestBreaker(clock *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(types.ProviderB, &Config{
		MinCalls:         4,
		FailureThreshold: 0.5,
		MaxConsecutive:   3,
		Cooldown:         time.Minute,
		HalfOpenProbes:   1,
	})
	cb.now = func() time.Time { return *clock }
	return cb
}

func TestCircuitBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_OpensOnFailureRate(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)
	ctx := context.Background()

	outcomes := []error{nil, errBoom, nil, errBoom}
	for _, want := range outcomes {
		_ = cb.Execute(ctx, func(context.Context) error { return want })
	}

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)
	cb.ForceOpen()

	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	// Only one probe at a time.
	assert.ErrorIs(t, cb.Allow(), ErrTooManyRequests)

	cb.Record(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)
	cb.ForceOpen()

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	cb.Record(errBoom)

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)

	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.GetStats().TotalCalls)
}

func TestManager_ReusesBreakers(t *testing.T) {
	m := NewManager(nil)

	a := m.For(types.ProviderA)
	assert.Same(t, a, m.For(types.ProviderA))
	assert.NotSame(t, a, m.For(types.ProviderB))

	a.ForceOpen()
	stats := m.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, StateOpen, stats[types.ProviderA].State)

	m.ResetAll()
	assert.Equal(t, StateClosed, a.State())
}
