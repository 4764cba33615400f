package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/stagehand/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting runs
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial runs allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages circuit breakers keyed by step type.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil if a run of the given step type may proceed, or
// a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q: %d consecutive failures", key, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"step_type":            key,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (cb.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: max trial runs reached", key)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for key.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure for key and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the circuit for key.
func (r *CircuitBreakerRegistry) GetState(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *CircuitBreakerRegistry) getOrCreate(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed, config: r.config}
		r.breakers[key] = cb
	}
	return cb
}

// CircuitBreakerAdvisor fails runs of a step type whose recent runs kept
// failing, instead of executing them. Outcomes are recorded from every
// synchronous response, async completion and execute error.
type CircuitBreakerAdvisor struct {
	Registry *CircuitBreakerRegistry
}

func (a CircuitBreakerAdvisor) Consult(ctx context.Context, ev *AdviceEvent) *Advice {
	if a.Registry == nil || ev.Step == nil {
		return nil
	}
	key := ev.Step.Type()

	switch ev.Phase {
	case PhaseBeforeExecute:
		if err := a.Registry.AllowRequest(key); err != nil {
			return &Advice{SkipState: true, SkipError: err.Error()}
		}
	case PhaseAfterResponse:
		if ev.Failed() {
			a.Registry.RecordFailure(key)
		} else if ev.Response != nil && ev.Response.Status.IsPositive() {
			a.Registry.RecordSuccess(key)
		}
	case PhaseException:
		a.Registry.RecordFailure(key)
	}
	return nil
}
