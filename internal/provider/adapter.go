// Package provider wraps the LLM backends that validate citation batches and
// routes each batch to a preferred backend with transparent fallback.
package provider

import (
	"context"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/types"
)

// Adapter is a uniform interface over heterogeneous validation backends.
//
// ValidateBatch returns an error only when the backend could not be reached
// or refused the call; those errors carry a retry class (see errors.Classify).
// Anything the model said, however malformed, comes back as a BatchOutcome.
type Adapter interface {
	Name() types.Provider
	ValidateBatch(ctx context.Context, citations []string, style string) (*types.BatchOutcome, error)
}

// classifyStatus turns a backend HTTP status into the error taxonomy.
func classifyStatus(provider types.Provider, status int, cause error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewProviderRateLimitedError(provider, cause)
	case status == http.StatusRequestTimeout, status >= 500:
		return apperrors.NewProviderTransientError(provider, cause)
	default:
		return apperrors.NewProviderError(provider, cause)
	}
}

// Health represents the call health of one provider
type Health struct {
	Provider         types.Provider `json:"provider"`
	TotalRequests    int64          `json:"totalRequests"`
	SuccessfulReqs   int64          `json:"successfulRequests"`
	FailedReqs       int64          `json:"failedRequests"`
	RateLimited      int64          `json:"rateLimited"`
	SuccessRate      float64        `json:"successRate"`
	AverageLatency   time.Duration  `json:"averageLatency"`
	LastSuccess      time.Time      `json:"lastSuccess"`
	LastFailure      time.Time      `json:"lastFailure"`
	ConsecutiveFails int            `json:"consecutiveFails"`
	IsHealthy        bool           `json:"isHealthy"`
}

type healthCounters struct {
	totalRequests    int64
	successfulReqs   int64
	failedReqs       int64
	rateLimited      int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int
}

// HealthTracker records per-provider call outcomes
type HealthTracker struct {
	mu                  sync.RWMutex
	counters            map[types.Provider]*healthCounters
	maxConsecutiveFails int
	minSuccessRate      float64
}

// NewHealthTracker creates a tracker with the default thresholds
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		counters:            make(map[types.Provider]*healthCounters),
		maxConsecutiveFails: 5,
		minSuccessRate:      0.5,
	}
}

func (h *HealthTracker) get(p types.Provider) *healthCounters {
	c, ok := h.counters[p]
	if !ok {
		c = &healthCounters{}
		h.counters[p] = c
	}
	return c
}

// RecordSuccess records a successful call
func (h *HealthTracker) RecordSuccess(p types.Provider, duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.get(p)
	c.totalRequests++
	c.successfulReqs++
	c.totalLatency += duration
	c.lastSuccess = time.Now()
	c.consecutiveFails = 0
}

// RecordFailure records a failed call
func (h *HealthTracker) RecordFailure(p types.Provider, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.get(p)
	c.totalRequests++
	c.failedReqs++
	c.lastFailure = time.Now()
	c.consecutiveFails++
	if apperrors.Classify(err) == apperrors.RetryRateLimited {
		c.rateLimited++
	}
}

// Snapshot returns the health of one provider
func (h *HealthTracker) Snapshot(p types.Provider) *Health {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.counters[p]
	if !ok {
		return &Health{Provider: p, IsHealthy: true}
	}

	var successRate float64
	if c.totalRequests > 0 {
		successRate = float64(c.successfulReqs) / float64(c.totalRequests)
	}
	var avgLatency time.Duration
	if c.successfulReqs > 0 {
		avgLatency = c.totalLatency / time.Duration(c.successfulReqs)
	}

	healthy := c.consecutiveFails < h.maxConsecutiveFails
	if c.totalRequests >= 10 && successRate < h.minSuccessRate {
		healthy = false
	}

	return &Health{
		Provider:         p,
		TotalRequests:    c.totalRequests,
		SuccessfulReqs:   c.successfulReqs,
		FailedReqs:       c.failedReqs,
		RateLimited:      c.rateLimited,
		SuccessRate:      successRate,
		AverageLatency:   avgLatency,
		LastSuccess:      c.lastSuccess,
		LastFailure:      c.lastFailure,
		ConsecutiveFails: c.consecutiveFails,
		IsHealthy:        healthy,
	}
}
