// Package resilience provides the availability layer of the orchestration
// core: per-model circuit breakers, inference slot semaphores, admission
// rate limiting, error classification with retry policy, and the
// self-healing monitor that drives autonomic recovery actions.
package resilience

import (
	"sync"
	"time"

	"github.com/blueberrycongee/morc/internal/model"
)

// CircuitBreakerConfig contains configuration for a per-model circuit breaker.
type CircuitBreakerConfig struct {
	// OpenOnConsecutiveFailures opens the circuit after this many
	// back-to-back failures.
	OpenOnConsecutiveFailures int
	// OpenOnFailureRate opens the circuit when the rolling failure rate
	// exceeds this fraction, once MinSamples requests have been observed.
	OpenOnFailureRate float64
	// MinSamples is the minimum number of observations before the failure
	// rate is considered meaningful.
	MinSamples int
	// Cooldown is how long the circuit stays open before transitioning to
	// half-open.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		OpenOnConsecutiveFailures: 5,
		OpenOnFailureRate:         0.5,
		MinSamples:                10,
		Cooldown:                  30 * time.Second,
	}
}

// CircuitBreaker gates a single model's availability. State transitions:
// Closed -> Open after N consecutive failures or failure-rate above
// threshold; Open -> HalfOpen once the cooldown elapses; HalfOpen -> Closed
// on the first success; HalfOpen -> Open on the first failure.
type CircuitBreaker struct {
	mu            sync.Mutex
	modelID       string
	state         model.CircuitState
	consecutive   int
	successes     int64
	failures      int64
	openedAt      time.Time
	config        CircuitBreakerConfig
	onStateChange func(modelID string, from, to model.CircuitState)
}

// NewCircuitBreaker creates a closed breaker for the given model.
func NewCircuitBreaker(modelID string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.OpenOnConsecutiveFailures <= 0 {
		cfg.OpenOnConsecutiveFailures = 5
	}
	if cfg.OpenOnFailureRate <= 0 {
		cfg.OpenOnFailureRate = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		modelID: modelID,
		state:   model.CircuitClosed,
		config:  cfg,
	}
}

// OnStateChange sets a callback invoked on every transition. The callback
// runs on its own goroutine so slow subscribers cannot stall the caller.
func (cb *CircuitBreaker) OnStateChange(fn func(modelID string, from, to model.CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a request may proceed against this model. An open
// breaker whose cooldown has elapsed transitions to half-open and admits
// the probe request.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case model.CircuitClosed, model.CircuitHalfOpen:
		return true
	case model.CircuitOpen:
		if time.Since(cb.openedAt) >= cb.config.Cooldown {
			cb.transitionTo(model.CircuitHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful inference. The first success in
// half-open state closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.consecutive = 0
	if cb.state == model.CircuitHalfOpen {
		cb.transitionTo(model.CircuitClosed)
		cb.successes = 0
		cb.failures = 0
	}
}

// RecordFailure notes a failed inference and opens the circuit when the
// consecutive-failure or failure-rate threshold is crossed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.consecutive++

	switch cb.state {
	case model.CircuitClosed:
		if cb.consecutive >= cb.config.OpenOnConsecutiveFailures || cb.rateExceeded() {
			cb.open()
		}
	case model.CircuitHalfOpen:
		// Any failure during the probe window reopens the circuit.
		cb.open()
	}
}

// ForceOpen trips the breaker regardless of counters; used by the
// self-healing monitor when the rolling failure rate computed over the
// HealthRecord window crosses the threshold.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != model.CircuitOpen {
		cb.open()
	}
}

// Reset returns the breaker to closed with cleared counters; used when a
// model is reloaded by a healing action.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(model.CircuitClosed)
	cb.consecutive = 0
	cb.successes = 0
	cb.failures = 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() model.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ModelID returns the model this breaker gates.
func (cb *CircuitBreaker) ModelID() string {
	return cb.modelID
}

func (cb *CircuitBreaker) rateExceeded() bool {
	total := cb.successes + cb.failures
	if total < int64(cb.config.MinSamples) {
		return false
	}
	return float64(cb.failures)/float64(total) > cb.config.OpenOnFailureRate
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = time.Now()
	cb.transitionTo(model.CircuitOpen)
}

func (cb *CircuitBreaker) transitionTo(newState model.CircuitState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.modelID, oldState, newState)
	}
}
