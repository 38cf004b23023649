package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citation-checker/internal/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RetryClass
	}{
		{"nil", nil, RetryNone},
		{"transient", NewProviderTransientError(types.ProviderA, stderrors.New("503")), RetryTransient},
		{"rate limited", NewProviderRateLimitedError(types.ProviderB, stderrors.New("429")), RetryRateLimited},
		{"wrapped rate limit", fmt.Errorf("batch 2: %w", NewProviderRateLimitedError(types.ProviderA, nil)), RetryRateLimited},
		{"permanent provider error", NewProviderError(types.ProviderA, stderrors.New("401")), RetryNone},
		{"deadline", context.DeadlineExceeded, RetryTransient},
		{"canceled", context.Canceled, RetryNone},
		{"network", &net.OpError{Op: "dial", Err: stderrors.New("connection refused")}, RetryTransient},
		{"plain", stderrors.New("bad"), RetryNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestCategorize(t *testing.T) {
	assert.Nil(t, Categorize(nil))

	exhausted := Categorize(fmt.Errorf("reserve: %w", ErrEntitlementExhausted))
	assert.Equal(t, http.StatusPaymentRequired, exhausted.StatusCode)

	notFound := Categorize(fmt.Errorf("lookup: %w", ErrJobNotFound))
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)

	wrapped := Categorize(fmt.Errorf("outer: %w", NewUnauthorizedError("bad token")))
	assert.Equal(t, http.StatusUnauthorized, wrapped.StatusCode)

	unknown := Categorize(stderrors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, unknown.StatusCode)
	assert.Equal(t, CategorySystem, unknown.Category)
}

func TestEntitlementExhaustedDetails(t *testing.T) {
	err := NewEntitlementExhaustedError(7)

	require.True(t, stderrors.Is(err, ErrEntitlementExhausted))
	se := err.ToServiceError()
	assert.Equal(t, "ENTITLEMENT_EXHAUSTED", se.Code)
	assert.Equal(t, 0, se.Details["credits_remaining"])
	assert.Equal(t, 7, se.Details["citations_remaining"])
}

func TestProviderUnavailableKeepsBothCauses(t *testing.T) {
	first := NewProviderTransientError(types.ProviderB, stderrors.New("timeout"))
	second := NewProviderTransientError(types.ProviderA, stderrors.New("503"))
	err := NewProviderUnavailableError([]types.Provider{types.ProviderB, types.ProviderA}, stderrors.Join(first, second))

	assert.True(t, stderrors.Is(err, ErrProviderUnavailable))
	assert.True(t, stderrors.Is(err, ErrProviderTransient))
	assert.Equal(t, http.StatusServiceUnavailable, GetHTTPStatusCode(err))
}

func TestIsUserError(t *testing.T) {
	assert.True(t, IsUserError(NewInvalidInputError("citations", "required")))
	assert.True(t, IsUserError(NewJobNotFoundError("x")))
	assert.False(t, IsUserError(NewInternalError("boom", nil)))
	assert.False(t, IsUserError(nil))
}
