package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/waghostel/medregagent/pkg/logging"
)

// CircuitState represents the state of a service's circuit
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single trial request is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// circuit from closed to open
	FailureThreshold int
	// ResetTimeout is the period of the open state, after which the next
	// request is admitted as a half-open trial
	ResetTimeout time.Duration
	// OnStateChange is called whenever a service's circuit changes state
	OnStateChange func(service string, from CircuitState, to CircuitState)
}

// DefaultCircuitBreakerConfig returns a sensible default configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// circuitState tracks the breaker state for one service key
type circuitState struct {
	status        CircuitState
	failureCount  int
	openedAt      time.Time
	trialInFlight bool
}

// CircuitSnapshot is a read-only view of one service's circuit
type CircuitSnapshot struct {
	Service      string    `json:"service"`
	Status       string    `json:"status"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// CircuitBreaker tracks per-service circuits and fails fast while a
// dependency is known to be down. States are created lazily on first use
// and live for the lifetime of the breaker.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mutex  sync.Mutex
	states map[string]*circuitState

	now    func() time.Time
	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		states: make(map[string]*circuitState),
		now:    time.Now,
		logger: logging.GetLogger(),
	}
}

// Call runs fn if the circuit for service admits it, recording the outcome
func (cb *CircuitBreaker) Call(ctx context.Context, service string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.Allow(service); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.RecordFailure(service)
			panic(r)
		}
	}()

	result, err := fn(ctx)
	if err != nil {
		cb.RecordFailure(service)
		return nil, err
	}

	cb.RecordSuccess(service)
	return result, nil
}

// Allow reports whether a request to service may proceed. An open circuit
// whose reset timeout has elapsed transitions to half-open and admits the
// caller as the single trial request.
func (cb *CircuitBreaker) Allow(service string) error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.getState(service)
	now := cb.now()

	switch state.status {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(state.openedAt) >= cb.config.ResetTimeout {
			cb.setState(service, state, StateHalfOpen)
			state.trialInFlight = true
			return nil
		}
		return &CircuitOpenError{Service: service, State: StateOpen}
	case StateHalfOpen:
		if state.trialInFlight {
			return &CircuitOpenError{Service: service, State: StateHalfOpen}
		}
		state.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful call against the service's circuit.
// A half-open trial success closes the circuit; any success while closed
// resets the consecutive failure count.
func (cb *CircuitBreaker) RecordSuccess(service string) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.getState(service)

	switch state.status {
	case StateHalfOpen:
		state.trialInFlight = false
		cb.setState(service, state, StateClosed)
	case StateClosed:
		state.failureCount = 0
	}
}

// RecordFailure records a failed call against the service's circuit.
// The failure count only advances while closed or half-open; reaching the
// threshold while closed trips the circuit, and any half-open failure
// reopens it with a fresh reset timeout.
func (cb *CircuitBreaker) RecordFailure(service string) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.getState(service)
	now := cb.now()

	switch state.status {
	case StateClosed:
		state.failureCount++
		if state.failureCount >= cb.config.FailureThreshold {
			state.openedAt = now
			cb.setState(service, state, StateOpen)
		}
	case StateHalfOpen:
		state.failureCount++
		state.trialInFlight = false
		state.openedAt = now
		cb.setState(service, state, StateOpen)
	}
}

// State returns the current state of the service's circuit, applying the
// lazy open-to-half-open transition if the reset timeout has elapsed
func (cb *CircuitBreaker) State(service string) CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.getState(service)
	if state.status == StateOpen && cb.now().Sub(state.openedAt) >= cb.config.ResetTimeout {
		return StateHalfOpen
	}
	return state.status
}

// FailureCount returns the current consecutive failure count for service
func (cb *CircuitBreaker) FailureCount(service string) int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.getState(service).failureCount
}

// Snapshot returns a copy of every tracked circuit for stats reporting
func (cb *CircuitBreaker) Snapshot() map[string]CircuitSnapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	snapshot := make(map[string]CircuitSnapshot, len(cb.states))
	for service, state := range cb.states {
		snapshot[service] = CircuitSnapshot{
			Service:      service,
			Status:       state.status.String(),
			FailureCount: state.failureCount,
			OpenedAt:     state.openedAt,
		}
	}
	return snapshot
}

// getState returns the circuit state for service, creating it on first use.
// Callers must hold the mutex.
func (cb *CircuitBreaker) getState(service string) *circuitState {
	state, ok := cb.states[service]
	if !ok {
		state = &circuitState{status: StateClosed}
		cb.states[service] = state
	}
	return state
}

// setState transitions a service's circuit, firing the change callback.
// Callers must hold the mutex.
func (cb *CircuitBreaker) setState(service string, state *circuitState, to CircuitState) {
	if state.status == to {
		return
	}

	from := state.status
	state.status = to

	if to == StateClosed {
		state.failureCount = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(service, from, to)
	}

	cb.logger.LogCircuitTransition(context.Background(), service, from.String(), to.String(), logrus.Fields{
		"failure_count": state.failureCount,
	})
}

// CircuitOpenError represents a request rejected by an open circuit
type CircuitOpenError struct {
	Service string
	State   CircuitState
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for '%s' is %s", e.Service, e.State.String())
}

// IsCircuitOpenError checks if an error is a circuit breaker rejection
func IsCircuitOpenError(err error) bool {
	var cbErr *CircuitOpenError
	return errors.As(err, &cbErr)
}
