package resilience

import (
	"context"
	goerrors "errors"
	"sync"

	"github.com/waghostel/medregagent/pkg/errors"
	"github.com/waghostel/medregagent/pkg/logging"
)

// RecoveryHandler inspects a terminal failure and attempts to repair its
// cause, for example by rotating an API key or resetting a session. A true
// return tells the caller one more pass through the normal pipeline is
// worth making; false propagates the failure as-is.
type RecoveryHandler func(ctx context.Context, err error) bool

// RecoveryTypeStats counts recovery activity for a single error type
type RecoveryTypeStats struct {
	Attempts  uint64 `json:"attempts"`
	Successes uint64 `json:"successes"`
}

// RecoveryStats is a snapshot of all recovery activity
type RecoveryStats struct {
	TotalAttempts uint64                       `json:"total_attempts"`
	Successes     uint64                       `json:"successes"`
	ByType        map[string]RecoveryTypeStats `json:"by_type"`
}

// ErrorRecoveryWorkflow dispatches terminal failures to handlers registered
// per error type name. Every invocation is counted regardless of outcome.
type ErrorRecoveryWorkflow struct {
	mutex      sync.RWMutex
	strategies map[string]RecoveryHandler
	stats      map[string]*RecoveryTypeStats

	logger *logging.Logger
}

// NewErrorRecoveryWorkflow creates a new recovery workflow
func NewErrorRecoveryWorkflow() *ErrorRecoveryWorkflow {
	return &ErrorRecoveryWorkflow{
		strategies: make(map[string]RecoveryHandler),
		stats:      make(map[string]*RecoveryTypeStats),
		logger:     logging.GetLogger(),
	}
}

// RegisterRecoveryStrategy installs a handler for one error type name.
// Type names follow the error taxonomy, e.g. "rate_limit" or
// "circuit_open". Registering twice replaces the previous handler.
func (rw *ErrorRecoveryWorkflow) RegisterRecoveryStrategy(errorTypeName string, handler RecoveryHandler) {
	rw.mutex.Lock()
	defer rw.mutex.Unlock()

	rw.strategies[errorTypeName] = handler
	rw.logger.Info("Recovery strategy registered", "error_type", errorTypeName)
}

// RegisteredStrategies lists the error type names with a handler installed
func (rw *ErrorRecoveryWorkflow) RegisteredStrategies() []string {
	rw.mutex.RLock()
	defer rw.mutex.RUnlock()

	names := make([]string, 0, len(rw.strategies))
	for name := range rw.strategies {
		names = append(names, name)
	}
	return names
}

// Recover runs the handler matching err's type, trying the outer error
// first and then the underlying cause for wrapped terminal errors such as
// exhausted retries. Returns true when a matched handler asks for one more
// pipeline pass; false when no handler matches or the handler declines.
func (rw *ErrorRecoveryWorkflow) Recover(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}

	for _, name := range recoveryTypeNames(err) {
		rw.mutex.RLock()
		handler, exists := rw.strategies[name]
		rw.mutex.RUnlock()
		if !exists {
			continue
		}
		return rw.invoke(ctx, name, handler, err)
	}
	return false
}

func (rw *ErrorRecoveryWorkflow) invoke(ctx context.Context, name string, handler RecoveryHandler, err error) (recovered bool) {
	// Attempts are counted up front so a panicking handler still shows up
	// in the stats.
	rw.mutex.Lock()
	typeStats, exists := rw.stats[name]
	if !exists {
		typeStats = &RecoveryTypeStats{}
		rw.stats[name] = typeStats
	}
	typeStats.Attempts++
	rw.mutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			rw.logger.Error("Recovery handler panicked",
				"error_type", name,
				"panic", r,
			)
			recovered = false
		}
	}()

	recovered = handler(ctx, err)

	if recovered {
		rw.mutex.Lock()
		typeStats.Successes++
		rw.mutex.Unlock()
	}

	rw.logger.Info("Recovery strategy invoked",
		"error_type", name,
		"recovered", recovered,
		"error", err.Error(),
	)
	return recovered
}

// Stats returns a snapshot of recovery activity
func (rw *ErrorRecoveryWorkflow) Stats() RecoveryStats {
	rw.mutex.RLock()
	defer rw.mutex.RUnlock()

	stats := RecoveryStats{
		ByType: make(map[string]RecoveryTypeStats, len(rw.stats)),
	}
	for name, typeStats := range rw.stats {
		stats.ByType[name] = *typeStats
		stats.TotalAttempts += typeStats.Attempts
		stats.Successes += typeStats.Successes
	}
	return stats
}

// recoveryTypeNames lists candidate type names for err, most specific
// first. An exhausted-retries wrapper also exposes its last underlying
// error so strategies can target the original failure class.
func recoveryTypeNames(err error) []string {
	names := []string{string(errors.GetType(err))}

	var exhausted *ExhaustedRetriesError
	if goerrors.As(err, &exhausted) {
		names = []string{string(errors.ErrorTypeRetriesExhausted)}
		if exhausted.LastErr != nil {
			names = append(names, string(errors.GetType(exhausted.LastErr)))
		}
		return names
	}

	var open *CircuitOpenError
	if goerrors.As(err, &open) {
		return []string{string(errors.ErrorTypeCircuitOpen)}
	}

	var fallbackExhausted *FallbackExhaustedError
	if goerrors.As(err, &fallbackExhausted) {
		names = []string{string(errors.ErrorTypeFallbackExhausted)}
		if fallbackExhausted.Cause != nil {
			names = append(names, string(errors.GetType(fallbackExhausted.Cause)))
		}
		return names
	}

	return names
}
