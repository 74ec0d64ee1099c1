package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_DefaultBehavior(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
	})

	// Initially closed
	assert.Equal(t, StateClosed, cb.State("fda_api"))

	// Successful requests should keep it closed
	for i := 0; i < 5; i++ {
		result, err := cb.Call(context.Background(), "fda_api", func(ctx context.Context) (interface{}, error) {
			return "success", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "success", result)
		assert.Equal(t, StateClosed, cb.State("fda_api"))
	}
}

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	})

	// Failures below the threshold keep the circuit closed
	for i := 0; i < 2; i++ {
		_, err := cb.Call(context.Background(), "fda_api", func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("connection refused")
		})
		require.Error(t, err)
		assert.Equal(t, StateClosed, cb.State("fda_api"))
	}

	// The third consecutive failure trips it
	_, err := cb.Call(context.Background(), "fda_api", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State("fda_api"))

	// Requests are rejected without invoking the function
	invoked := false
	_, err = cb.Call(context.Background(), "fda_api", func(ctx context.Context) (interface{}, error) {
		invoked = true
		return "should not execute", nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	assert.True(t, IsCircuitOpenError(err))
	assert.Contains(t, err.Error(), "circuit breaker")
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	})

	cb.RecordFailure("fda_api")
	cb.RecordFailure("fda_api")
	assert.Equal(t, 2, cb.FailureCount("fda_api"))

	// A success breaks the consecutive failure streak
	cb.RecordSuccess("fda_api")
	assert.Equal(t, 0, cb.FailureCount("fda_api"))

	// Two more failures still do not trip the circuit
	cb.RecordFailure("fda_api")
	cb.RecordFailure("fda_api")
	assert.Equal(t, StateClosed, cb.State("fda_api"))
}

func TestCircuitBreaker_HalfOpenTrialSuccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})

	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure("fda_api")
	cb.RecordFailure("fda_api")
	assert.Equal(t, StateOpen, cb.State("fda_api"))

	// Before the reset timeout elapses, callers are rejected
	require.Error(t, cb.Allow("fda_api"))

	// After the timeout, a single trial is admitted
	now = now.Add(61 * time.Second)
	require.NoError(t, cb.Allow("fda_api"))

	// A concurrent caller is rejected while the trial is in flight
	err := cb.Allow("fda_api")
	require.Error(t, err)
	assert.True(t, IsCircuitOpenError(err))

	// Trial success closes the circuit and resets the failure count
	cb.RecordSuccess("fda_api")
	assert.Equal(t, StateClosed, cb.State("fda_api"))
	assert.Equal(t, 0, cb.FailureCount("fda_api"))
}

func TestCircuitBreaker_HalfOpenTrialFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})

	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure("fda_api")
	cb.RecordFailure("fda_api")
	openedAt := now

	// Admit the trial after the reset timeout
	now = openedAt.Add(61 * time.Second)
	require.NoError(t, cb.Allow("fda_api"))

	// Trial failure reopens the circuit with a fresh timeout
	cb.RecordFailure("fda_api")
	assert.Equal(t, StateOpen, cb.State("fda_api"))

	// Still rejected 30s later because the timeout restarted
	now = now.Add(30 * time.Second)
	require.Error(t, cb.Allow("fda_api"))

	// Admitted again once the fresh timeout elapses
	now = now.Add(31 * time.Second)
	require.NoError(t, cb.Allow("fda_api"))
}

func TestCircuitBreaker_IndependentServices(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})

	cb.RecordFailure("fda_api")
	cb.RecordFailure("fda_api")

	assert.Equal(t, StateOpen, cb.State("fda_api"))
	assert.Equal(t, StateClosed, cb.State("ema_api"))

	// The healthy service still accepts calls
	result, err := cb.Call(context.Background(), "ema_api", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange: func(service string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure("fda_api")
	cb.RecordFailure("fda_api")

	now = now.Add(61 * time.Second)
	require.NoError(t, cb.Allow("fda_api"))
	cb.RecordSuccess("fda_api")

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestCircuitBreaker_Panic(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
	})

	// Test that panics are recorded as failures
	assert.Panics(t, func() {
		cb.Call(context.Background(), "fda_api", func(ctx context.Context) (interface{}, error) {
			panic("test panic")
		})
	})

	assert.Equal(t, 1, cb.FailureCount("fda_api"))
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})

	cb.RecordFailure("fda_api")
	cb.RecordFailure("fda_api")
	cb.RecordSuccess("ema_api")

	snapshot := cb.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "OPEN", snapshot["fda_api"].Status)
	assert.Equal(t, 2, snapshot["fda_api"].FailureCount)
	assert.False(t, snapshot["fda_api"].OpenedAt.IsZero())
	assert.Equal(t, "CLOSED", snapshot["ema_api"].Status)
}

func TestIsCircuitOpenError(t *testing.T) {
	err := &CircuitOpenError{Service: "fda_api", State: StateOpen}
	assert.True(t, IsCircuitOpenError(err))
	assert.Contains(t, err.Error(), "fda_api")
	assert.Contains(t, err.Error(), "OPEN")

	regularErr := errors.New("regular error")
	assert.False(t, IsCircuitOpenError(regularErr))
}
