package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/citation-checker/internal/circuitbreaker"
	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/metrics"
	"github.com/citation-checker/internal/retry"
	"github.com/citation-checker/internal/types"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	// Adapters are keyed by their Name(). At least the fallback is required.
	Adapters []Adapter

	// Default is used when a request names no preference.
	Default types.Provider

	// Fallback is the stable provider tried after the preferred one gives up.
	Fallback types.Provider

	// Policy is the retry template; every provider attempt gets its own copy.
	Policy *retry.Policy

	// MaxInflight bounds adapter calls in flight across all jobs.
	MaxInflight int64

	// Breakers is optional; nil disables circuit breaking.
	Breakers *circuitbreaker.Manager
}

// Router selects a provider per batch and falls back transparently.
type Router struct {
	adapters   map[types.Provider]Adapter
	def        types.Provider
	fallback   types.Provider
	policy     retry.Policy
	sem        *semaphore.Weighted
	breakers   *circuitbreaker.Manager
	health     *HealthTracker
	retryStats map[types.Provider]*retry.StatsTracker
}

// Dispatch is the outcome of routing one batch.
type Dispatch struct {
	Outcome          *types.BatchOutcome
	Requested        types.Provider
	ProviderUsed     types.Provider // empty when no provider answered
	FallbackOccurred bool
	Err              error // ProviderUnavailable, or the caller's context error
}

// Status is the per-provider view served on /health.
type Status struct {
	Health  *Health               `json:"health"`
	Breaker *circuitbreaker.Stats `json:"breaker,omitempty"`
	Retries retry.Stats           `json:"retries"`
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Policy == nil {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 8
	}

	r := &Router{
		adapters:   make(map[types.Provider]Adapter, len(cfg.Adapters)),
		def:        cfg.Default,
		fallback:   cfg.Fallback,
		policy:     *cfg.Policy,
		sem:        semaphore.NewWeighted(cfg.MaxInflight),
		breakers:   cfg.Breakers,
		health:     NewHealthTracker(),
		retryStats: make(map[types.Provider]*retry.StatsTracker),
	}
	for _, a := range cfg.Adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Name()] = a
		r.retryStats[a.Name()] = retry.NewStatsTracker()
	}

	if _, ok := r.adapters[r.fallback]; !ok {
		return nil, fmt.Errorf("fallback provider %q has no adapter", r.fallback)
	}
	if r.def == "" {
		r.def = r.fallback
	}
	return r, nil
}

// Preferred resolves a request's preference to the provider tried first.
func (r *Router) Preferred(preference types.Provider) types.Provider {
	if preference != "" {
		return preference
	}
	return r.def
}

// Dispatch runs one batch: preferred provider through a fresh retry budget,
// then the fallback through another fresh budget. Both share one wall-clock
// ceiling for the batch. If both give up the result carries a
// ProviderUnavailable error and no outcome.
func (r *Router) Dispatch(ctx context.Context, citations []string, style string, preference types.Provider) *Dispatch {
	preferred := r.Preferred(preference)
	d := &Dispatch{Requested: preferred}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"requested_provider": preferred,
		"batch_size":         len(citations),
	})
	start := time.Now()
	defer func() {
		used := string(d.ProviderUsed)
		if used == "" {
			used = "none"
		}
		metrics.BatchLatency.WithLabelValues(used).Observe(time.Since(start).Seconds())
	}()

	var deadline time.Time
	if r.policy.Ceiling > 0 {
		deadline = start.Add(r.policy.Ceiling)
	}

	out, err := r.attempt(ctx, preferred, deadline, citations, style)
	if err == nil {
		d.Outcome, d.ProviderUsed = out, preferred
		return d
	}
	if ctx.Err() != nil {
		d.Err = ctx.Err()
		return d
	}

	firstErr := err
	if preferred != r.fallback {
		logger.WithError(err).Warn("Preferred provider gave up, falling back")
		metrics.ProviderFallbacks.WithLabelValues(string(preferred), string(r.fallback)).Inc()
		d.FallbackOccurred = true

		out, err = r.attempt(ctx, r.fallback, deadline, citations, style)
		if err == nil {
			d.Outcome, d.ProviderUsed = out, r.fallback
			return d
		}
		if ctx.Err() != nil {
			d.Err = ctx.Err()
			return d
		}
	}

	logger.WithError(err).Error("No provider could validate batch")
	metrics.ProviderUnavailable.Inc()
	providers := []types.Provider{preferred}
	if preferred != r.fallback {
		providers = append(providers, r.fallback)
	}
	d.Err = apperrors.NewProviderUnavailableError(providers, errors.Join(firstErr, err))
	return d
}

// attempt runs one provider under its breaker and a fresh retry budget bounded by deadline.
func (r *Router) attempt(ctx context.Context, p types.Provider, deadline time.Time, citations []string, style string) (*types.BatchOutcome, error) {
	adapter, ok := r.adapters[p]
	if !ok {
		return nil, apperrors.NewProviderError(p, fmt.Errorf("provider %q is not configured", p))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if r.breakers != nil {
		breaker = r.breakers.For(p)
		if err := breaker.Allow(); err != nil {
			return nil, apperrors.NewProviderError(p, err)
		}
	}

	policy := r.policy
	var out *types.BatchOutcome
	result := policy.ExecuteBefore(ctx, deadline, func(ctx context.Context, attempt int) error {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer r.sem.Release(1)

		callStart := time.Now()
		res, err := adapter.ValidateBatch(ctx, citations, style)
		if err != nil {
			r.health.RecordFailure(p, err)
			metrics.ProviderCalls.WithLabelValues(string(p), apperrors.Classify(err).String()).Inc()
			return err
		}
		r.health.RecordSuccess(p, time.Since(callStart))
		metrics.ProviderCalls.WithLabelValues(string(p), "ok").Inc()
		out = res
		return nil
	})

	r.retryStats[p].Record(result)
	if breaker != nil {
		breaker.Record(result.Err())
	}
	if !result.Success {
		return nil, result.Err()
	}
	if out == nil {
		out = types.NewBatchOutcome()
	}
	return out, nil
}

// Status returns health, breaker and retry statistics per configured provider.
func (r *Router) Status() map[types.Provider]*Status {
	status := make(map[types.Provider]*Status, len(r.adapters))
	for p := range r.adapters {
		s := &Status{
			Health:  r.health.Snapshot(p),
			Retries: r.retryStats[p].Snapshot(),
		}
		if r.breakers != nil {
			s.Breaker = r.breakers.For(p).GetStats()
		}
		status[p] = s
	}
	return status
}

// Fallback returns the stable provider.
func (r *Router) Fallback() types.Provider {
	return r.fallback
}
