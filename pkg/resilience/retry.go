package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/waghostel/medregagent/pkg/errors"
	"github.com/waghostel/medregagent/pkg/logging"
)

// RetryStrategy selects how backoff delays are computed between attempts
type RetryStrategy int

const (
	// StrategyFixed waits BaseDelay between every attempt
	StrategyFixed RetryStrategy = iota
	// StrategyExponential grows the delay by ExponentialBase per attempt
	StrategyExponential
	// StrategyExponentialJitter grows the delay exponentially, then picks a
	// uniformly random delay in [0, computed] to avoid retry storms
	StrategyExponentialJitter
)

func (s RetryStrategy) String() string {
	switch s {
	case StrategyFixed:
		return "FIXED"
	case StrategyExponential:
		return "EXPONENTIAL"
	case StrategyExponentialJitter:
		return "EXPONENTIAL_JITTER"
	default:
		return "UNKNOWN"
	}
}

// RetryPolicy is an immutable description of how a call may be retried.
// Callers own the policy and pass it per call.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int
	// BaseDelay is the starting delay between attempts
	BaseDelay time.Duration
	// MaxDelay caps the computed delay
	MaxDelay time.Duration
	// ExponentialBase is the growth factor for exponential strategies
	ExponentialBase float64
	// Jitter replaces the computed delay with a uniformly random value
	// in [0, delay], regardless of strategy
	Jitter bool
	// Strategy selects the delay computation
	Strategy RetryStrategy
}

// DefaultRetryPolicy returns the policy used when callers do not supply one
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		Strategy:        StrategyExponentialJitter,
	}
}

// normalize fills zero-valued policy fields with usable defaults
func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.ExponentialBase <= 1.0 {
		p.ExponentialBase = 2.0
	}
	return p
}

// ExhaustedRetriesError reports that every permitted attempt failed
type ExhaustedRetriesError struct {
	LastErr  error
	Attempts int
	Elapsed  time.Duration
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts in %s: %v", e.Attempts, e.Elapsed, e.LastErr)
}

// Unwrap returns the last underlying error
func (e *ExhaustedRetriesError) Unwrap() error {
	return e.LastErr
}

// RetryConfig holds configuration for the retry handler
type RetryConfig struct {
	// Policy is the default policy applied when a call supplies none
	Policy RetryPolicy
	// IsRetryable decides whether an error is worth another attempt
	IsRetryable func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryableErrors determines if an error is retryable by default.
// Only transient network failures, upstream rate limiting, and
// 5xx-equivalent upstream errors are retried; circuit rejections and
// validation-type errors propagate immediately.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}

	if IsCircuitOpenError(err) {
		return false
	}

	return errors.IsRetryable(err)
}

// Retrier drives the backoff retry loop around a single operation
type Retrier struct {
	config RetryConfig
	logger *logging.Logger
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig) *Retrier {
	if config.Policy == (RetryPolicy{}) {
		config.Policy = DefaultRetryPolicy()
	}
	if config.IsRetryable == nil {
		config.IsRetryable = DefaultRetryableErrors
	}

	return &Retrier{
		config: config,
		logger: logging.GetLogger(),
	}
}

// Execute runs the operation under the retrier's default policy
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	return r.ExecuteWithPolicy(ctx, r.config.Policy, operation)
}

// ExecuteWithPolicy runs the operation, retrying retryable failures until
// the policy's attempt budget (initial attempt plus MaxRetries) is spent.
// A rate-limit error carrying a retry-after hint overrides the computed
// backoff delay for that attempt.
func (r *Retrier) ExecuteWithPolicy(ctx context.Context, policy RetryPolicy, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	policy = policy.normalize()
	start := time.Now()

	var lastErr error

	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		// Check if context is cancelled
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result, err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"elapsed", time.Since(start).String(),
				)
			}
			return result, nil
		}

		lastErr = err

		// Terminal errors propagate immediately, unwrapped
		if !r.config.IsRetryable(err) {
			r.logger.Debug("Error is not retryable, stopping",
				"error", err.Error(),
				"attempt", attempt,
			)
			return nil, err
		}

		// Out of budget
		if attempt == policy.MaxRetries+1 {
			break
		}

		delay := r.calculateDelay(policy, attempt)

		// An upstream retry-after hint takes precedence over backoff
		if hint, ok := errors.GetRetryAfter(err); ok {
			delay = hint
		}

		r.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_retries", policy.MaxRetries,
			"delay", delay.String(),
		)

		// Call retry callback if provided
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		// Wait before retry
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			// Continue to next attempt
		}
	}

	elapsed := time.Since(start)
	r.logger.Error("Operation failed after all retry attempts",
		"error", lastErr.Error(),
		"attempts", policy.MaxRetries+1,
		"elapsed", elapsed.String(),
	)

	return nil, &ExhaustedRetriesError{
		LastErr:  lastErr,
		Attempts: policy.MaxRetries + 1,
		Elapsed:  elapsed,
	}
}

// calculateDelay computes the backoff delay after a failed attempt.
// Attempt numbering starts at 1, so the first retry waits BaseDelay under
// the exponential strategies.
func (r *Retrier) calculateDelay(policy RetryPolicy, attempt int) time.Duration {
	var delay float64

	switch policy.Strategy {
	case StrategyFixed:
		delay = float64(policy.BaseDelay)
	default:
		delay = float64(policy.BaseDelay) * math.Pow(policy.ExponentialBase, float64(attempt-1))
	}

	// Apply maximum delay limit
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	// Full jitter: uniformly random delay in [0, delay]
	if policy.Jitter || policy.Strategy == StrategyExponentialJitter {
		delay = rand.Float64() * delay
	}

	return time.Duration(delay)
}

// RetryWithBackoff is a convenience function that retries the operation
// under the given policy with the default retryable-error classification
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	retrier := NewRetrier(RetryConfig{Policy: policy})
	return retrier.ExecuteWithPolicy(ctx, policy, operation)
}
