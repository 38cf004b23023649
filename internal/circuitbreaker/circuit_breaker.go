// Package circuitbreaker tracks per-provider failure rates and stops routing
// batches to a provider that keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/types"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the provider has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe quota is used up
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	MinCalls         int           // calls observed before the failure rate counts
	FailureThreshold float64       // failure rate that opens the circuit (0.0-1.0)
	MaxConsecutive   int           // consecutive failures that open the circuit
	Cooldown         time.Duration // time spent open before probing
	HalfOpenProbes   int           // successful probes needed to close again
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		MinCalls:         10,
		FailureThreshold: 0.5,
		MaxConsecutive:   5,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   2,
	}
}

// CircuitBreaker implements the circuit breaker pattern for one provider.
// A "call" is one full retry-policy execution against the provider.
type CircuitBreaker struct {
	provider types.Provider
	cfg      Config
	now      func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	totalCalls       int
	consecutiveFails int
	inFlightProbes   int
	lastFailureTime  time.Time
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(provider types.Provider, cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &CircuitBreaker{
		provider:        provider,
		cfg:             *cfg,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a call may go out now. Every successful Allow must be
// followed by exactly one Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.cfg.Cooldown {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.inFlightProbes++
		return nil
	case StateHalfOpen:
		if cb.inFlightProbes+cb.successes >= cb.cfg.HalfOpenProbes {
			return ErrTooManyRequests
		}
		cb.inFlightProbes++
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of an allowed call back into the breaker.
// Caller cancellation is neither a success nor a failure.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.inFlightProbes > 0 {
		cb.inFlightProbes--
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	cb.totalCalls++
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

// Execute runs fn under breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Record(err)
	return err
}

func (cb *CircuitBreaker) onSuccess() {
	cb.successes++
	cb.consecutiveFails = 0

	if cb.state == StateHalfOpen && cb.successes >= cb.cfg.HalfOpenProbes {
		cb.transition(StateClosed)
		logging.WithFields(map[string]interface{}{
			"provider": cb.provider,
			"state":    StateClosed,
		}).Info("Circuit breaker closed after successful recovery")
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.consecutiveFails++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.shouldOpen() {
			logging.WithFields(map[string]interface{}{
				"provider":         cb.provider,
				"failures":         cb.failures,
				"totalCalls":       cb.totalCalls,
				"failureRate":      cb.failureRate(),
				"consecutiveFails": cb.consecutiveFails,
			}).Warn("Circuit breaker opened due to failures")
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
		logging.WithField("provider", cb.provider).Warn("Circuit breaker reopened after failure in half-open state")
	}
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.cfg.MaxConsecutive > 0 && cb.consecutiveFails >= cb.cfg.MaxConsecutive {
		return true
	}
	if cb.totalCalls < cb.cfg.MinCalls {
		return false
	}
	return cb.failureRate() >= cb.cfg.FailureThreshold
}

func (cb *CircuitBreaker) failureRate() float64 {
	if cb.totalCalls == 0 {
		return 0.0
	}
	return float64(cb.failures) / float64(cb.totalCalls)
}

// transition changes state and starts a fresh counting window
func (cb *CircuitBreaker) transition(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.totalCalls = 0
	cb.consecutiveFails = 0
	cb.inFlightProbes = 0
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Provider         types.Provider `json:"provider"`
	State            State          `json:"state"`
	Failures         int            `json:"failures"`
	Successes        int            `json:"successes"`
	TotalCalls       int            `json:"totalCalls"`
	ConsecutiveFails int            `json:"consecutiveFails"`
	FailureRate      float64        `json:"failureRate"`
	LastFailureTime  time.Time      `json:"lastFailureTime"`
	LastStateChange  time.Time      `json:"lastStateChange"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &Stats{
		Provider:         cb.provider,
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		TotalCalls:       cb.totalCalls,
		ConsecutiveFails: cb.consecutiveFails,
		FailureRate:      cb.failureRate(),
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	logging.WithField("provider", cb.provider).Info("Circuit breaker manually reset")
}

// ForceOpen manually forces the circuit breaker to open state
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateOpen)
	logging.WithField("provider", cb.provider).Warn("Circuit breaker manually forced open")
}

// Manager holds one breaker per provider
type Manager struct {
	cfg      *Config
	mu       sync.RWMutex
	breakers map[types.Provider]*CircuitBreaker
}

// NewManager creates a manager whose breakers share cfg
func NewManager(cfg *Config) *Manager {
	return &Manager{
		cfg:      cfg,
		breakers: make(map[types.Provider]*CircuitBreaker),
	}
}

// For gets the provider's breaker, creating it on first use
func (m *Manager) For(provider types.Provider) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(provider, m.cfg)
	m.breakers[provider] = cb
	return cb
}

// AllStats returns statistics for all circuit breakers
func (m *Manager) AllStats() map[types.Provider]*Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[types.Provider]*Stats, len(m.breakers))
	for p, cb := range m.breakers {
		result[p] = cb.GetStats()
	}
	return result
}

// ResetAll resets all circuit breakers
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}
