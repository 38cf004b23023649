// Package retry implements the backoff strategy used around provider calls.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/logging"
)

// Policy configures retry behavior.
// A Policy holds no per-call state and may be shared; every Execute starts a fresh budget.
type Policy struct {
	MaxAttempts    int           // attempts that may fail transiently before giving up
	BaseDelay      time.Duration // first backoff delay, doubled per attempt
	MaxDelay       time.Duration // cap on a single backoff delay
	RateLimitPause time.Duration // fixed pause after a rate-limit response
	Ceiling        time.Duration // wall-clock bound on one Execute, pauses included
	CallTimeout    time.Duration // deadline applied to each attempt; 0 disables

	// Classify decides how a failed attempt is treated. Defaults to errors.Classify.
	Classify func(error) apperrors.RetryClass
}

// DefaultPolicy returns a default retry configuration
// Pattern: 1s, 2s, 4s between attempts, 10s rate-limit pause, 2m ceiling
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		RateLimitPause: 10 * time.Second,
		Ceiling:        2 * time.Minute,
		CallTimeout:    60 * time.Second,
	}
}

// FailureKind explains why Execute gave up
type FailureKind string

const (
	// FailureNone is set on success
	FailureNone FailureKind = ""
	// FailureExhausted means the attempt budget or the wall-clock ceiling ran out
	FailureExhausted FailureKind = "exhausted"
	// FailurePermanent means the operation returned a non-retryable error
	FailurePermanent FailureKind = "permanent"
	// FailureCanceled means the caller's context ended
	FailureCanceled FailureKind = "canceled"
)

// Result contains information about the retry operation
type Result struct {
	Attempts        int           `json:"attempts"`
	RateLimitPauses int           `json:"rateLimitPauses"`
	Success         bool          `json:"success"`
	Kind            FailureKind   `json:"kind,omitempty"`
	TotalDuration   time.Duration `json:"totalDuration"`
	LastError       error         `json:"-"`
}

// Err returns nil on success, otherwise an error describing the failure
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%s after %d attempts: %w", r.Kind, r.Attempts, r.LastError)
}

// Func is a function that can be retried. attempt counts every call, starting at 1.
type Func func(ctx context.Context, attempt int) error

// Execute runs fn until it succeeds, fails permanently, or the budget runs out.
// Transient failures consume an attempt and back off exponentially.
// Rate-limit failures pause for RateLimitPause without consuming an attempt;
// the Ceiling bounds how long that can go on.
func (p *Policy) Execute(ctx context.Context, fn Func) *Result {
	return p.ExecuteBefore(ctx, time.Time{}, fn)
}

// ExecuteBefore is Execute with an outer deadline shared across several
// Executes, such as the attempts of one batch on different providers.
// The earlier of deadline and now+Ceiling applies. The first call always runs;
// the deadline only stops further waits.
func (p *Policy) ExecuteBefore(ctx context.Context, deadline time.Time, fn Func) *Result {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	if p.Ceiling > 0 {
		own := startTime.Add(p.Ceiling)
		if deadline.IsZero() || own.Before(deadline) {
			deadline = own
		}
	}

	classify := p.Classify
	if classify == nil {
		classify = apperrors.Classify
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	result := &Result{}
	finish := func(kind FailureKind, err error) *Result {
		result.Kind = kind
		result.LastError = err
		result.Success = kind == FailureNone
		result.TotalDuration = time.Since(startTime)
		return result
	}

	spent := 0
	for call := 1; ; call++ {
		result.Attempts = call

		err := p.call(ctx, call, fn)
		if err == nil {
			if call > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      call,
					"totalDuration": time.Since(startTime).String(),
				}).Info("Operation succeeded after retry")
			}
			return finish(FailureNone, nil)
		}

		if ctx.Err() != nil {
			return finish(FailureCanceled, ctx.Err())
		}

		var wait time.Duration
		switch classify(err) {
		case apperrors.RetryRateLimited:
			result.RateLimitPauses++
			wait = p.RateLimitPause
		case apperrors.RetryTransient:
			spent++
			if spent >= maxAttempts {
				logger.WithFields(map[string]interface{}{
					"attempts":      call,
					"totalDuration": time.Since(startTime).String(),
				}).WithError(err).Warn("Operation failed after max retry attempts")
				return finish(FailureExhausted, err)
			}
			wait = p.Backoff(spent)
		default:
			return finish(FailurePermanent, err)
		}

		if !deadline.IsZero() && time.Now().Add(wait).After(deadline) {
			logger.WithFields(map[string]interface{}{
				"attempts": call,
				"ceiling":  p.Ceiling.String(),
			}).WithError(err).Warn("Retry ceiling reached")
			return finish(FailureExhausted, err)
		}

		logger.WithFields(map[string]interface{}{
			"attempt":     call,
			"maxAttempts": maxAttempts,
			"delay":       wait.String(),
		}).WithError(err).Debug("Operation failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return finish(FailureCanceled, ctx.Err())
		}
	}
}

func (p *Policy) call(ctx context.Context, attempt int, fn Func) error {
	if p.CallTimeout <= 0 {
		return fn(ctx, attempt)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	return fn(callCtx, attempt)
}

// Backoff returns the delay after the n-th transient failure (n >= 1):
// BaseDelay * 2^(n-1), capped at MaxDelay.
func (p *Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Stats tracks statistics about retry operations
type Stats struct {
	TotalOperations int `json:"totalOperations"`
	SuccessfulOps   int `json:"successfulOps"`
	FailedOps       int `json:"failedOps"`
	TotalRetries    int `json:"totalRetries"`
	RateLimitPauses int `json:"rateLimitPauses"`
}

// StatsTracker aggregates Results; safe for concurrent use
type StatsTracker struct {
	mu    sync.Mutex
	stats Stats
}

// NewStatsTracker creates a new retry stats tracker
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{}
}

// Record records the result of a retry operation
func (st *StatsTracker) Record(result *Result) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.stats.TotalOperations++
	if result.Success {
		st.stats.SuccessfulOps++
	} else {
		st.stats.FailedOps++
	}
	if result.Attempts > 1 {
		st.stats.TotalRetries += result.Attempts - 1
	}
	st.stats.RateLimitPauses += result.RateLimitPauses
}

// Snapshot returns the current retry statistics
func (st *StatsTracker) Snapshot() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stats
}
