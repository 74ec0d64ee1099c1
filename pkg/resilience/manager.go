package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/waghostel/medregagent/pkg/errors"
	"github.com/waghostel/medregagent/pkg/logging"
)

// ManagerConfig wires the sub-components of a ResilienceManager
type ManagerConfig struct {
	Breaker     CircuitBreakerConfig
	RateLimit   RateLimiterConfig
	Retry       RetryPolicy
	Fallback    FallbackConfig
	Degradation DegradationConfig

	// DefaultTimeout bounds each request unless overridden per call.
	// Zero disables the pipeline deadline.
	DefaultTimeout time.Duration
}

// Result is the outcome of a protected request. Stale and Age describe
// values served from the fallback cache; Degraded marks responses produced
// by a degraded path instead of the primary call. Attempts counts the
// upstream attempts made on behalf of this call, which is zero when the
// outcome was shared from a concurrent identical request.
type Result struct {
	Value    interface{}   `json:"value"`
	Stale    bool          `json:"stale"`
	Age      time.Duration `json:"age"`
	Degraded bool          `json:"degraded"`
	Attempts int           `json:"attempts"`
}

// PipelineStats counts request outcomes across the whole pipeline
type PipelineStats struct {
	Requests       uint64 `json:"requests"`
	Successes      uint64 `json:"successes"`
	Failures       uint64 `json:"failures"`
	Retries        uint64 `json:"retries"`
	RateLimitWaits uint64 `json:"rate_limit_waits"`
	Timeouts       uint64 `json:"timeouts"`
	RecoveryPasses uint64 `json:"recovery_passes"`
}

// ComprehensiveStats aggregates every sub-component snapshot into one view
type ComprehensiveStats struct {
	Pipeline    PipelineStats                 `json:"pipeline"`
	Circuits    map[string]CircuitSnapshot    `json:"circuits"`
	RateLimits  map[string]RateWindowSnapshot `json:"rate_limits"`
	Dedup       DedupStats                    `json:"dedup"`
	Fallback    FallbackStats                 `json:"fallback"`
	Degradation DegradationStats              `json:"degradation"`
	Recovery    RecoveryStats                 `json:"recovery"`
	GeneratedAt time.Time                     `json:"generated_at"`
}

// requestOptions carries the per-call knobs of ExecuteResilientRequest
type requestOptions struct {
	useRetry        bool
	useFallback     bool
	fallbackValue   interface{}
	timeout         time.Duration
	policy          RetryPolicy
	cacheKey        string
	dedupKey        string
	degradedHandler func(context.Context) (interface{}, error)
}

// RequestOption customizes a single protected request
type RequestOption func(*requestOptions)

// WithRetryDisabled makes the request a single attempt
func WithRetryDisabled() RequestOption {
	return func(o *requestOptions) { o.useRetry = false }
}

// WithFallbackDisabled propagates terminal failures without consulting the
// fallback cache or static values
func WithFallbackDisabled() RequestOption {
	return func(o *requestOptions) { o.useFallback = false }
}

// WithFallbackValue sets a static value served when the primary call fails
// and no cached value exists
func WithFallbackValue(value interface{}) RequestOption {
	return func(o *requestOptions) { o.fallbackValue = value }
}

// WithTimeout bounds the whole pipeline for this request
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = timeout }
}

// WithRetryPolicy overrides the manager's default retry policy
func WithRetryPolicy(policy RetryPolicy) RequestOption {
	return func(o *requestOptions) { o.policy = policy }
}

// WithCacheKey names the fallback cache slot for this request. Without a
// cache key the cached fallback tier is skipped.
func WithCacheKey(key string) RequestOption {
	return func(o *requestOptions) { o.cacheKey = key }
}

// WithDedupKey collapses concurrent identical requests onto one upstream
// call, keyed by the canonical request identity
func WithDedupKey(method, path string, params map[string]string) RequestOption {
	return func(o *requestOptions) { o.dedupKey = DedupKey(method, path, params) }
}

// WithDegradedHandler supplies the degraded path invoked when the
// operation's capability flag is off
func WithDegradedHandler(fn func(context.Context) (interface{}, error)) RequestOption {
	return func(o *requestOptions) { o.degradedHandler = fn }
}

// ResilienceManager composes the circuit breaker, rate limiter, retry
// handler, deduplicator, fallback cache, degradation routing, and error
// recovery into one entry point for calls to unreliable upstreams.
type ResilienceManager struct {
	config ManagerConfig

	breaker     *CircuitBreaker
	rateLimiter *RateLimiter
	retrier     *Retrier
	dedup       *RequestDeduplicator
	fallback    *FallbackManager
	degradation *GracefulDegradationManager
	recovery    *ErrorRecoveryWorkflow

	mutex    sync.Mutex
	pipeline PipelineStats

	logger *logging.Logger
}

// NewResilienceManager creates a manager with all sub-components wired.
// cache backs the fallback tier and may be nil to disable it.
func NewResilienceManager(cache Cache, config ManagerConfig) *ResilienceManager {
	if config.Retry == (RetryPolicy{}) {
		config.Retry = DefaultRetryPolicy()
	}

	rm := &ResilienceManager{
		config:      config,
		breaker:     NewCircuitBreaker(config.Breaker),
		rateLimiter: NewRateLimiter(config.RateLimit),
		dedup:       NewRequestDeduplicator(),
		fallback:    NewFallbackManager(cache, config.Fallback),
		degradation: NewGracefulDegradationManager(config.Degradation),
		recovery:    NewErrorRecoveryWorkflow(),
		logger:      logging.GetLogger(),
	}
	rm.retrier = NewRetrier(RetryConfig{
		Policy: config.Retry,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			rm.count(func(s *PipelineStats) { s.Retries++ })
		},
	})
	return rm
}

// ExecuteResilientRequest runs fn for serviceName/operation under the full
// protection pipeline: degradation routing, the circuit gate, client-side
// rate pacing, retries with backoff, deduplication, error recovery, and
// cache-backed fallback. Callers receive fresh data, a stale-flagged
// fallback value, or one typed terminal error.
func (rm *ResilienceManager) ExecuteResilientRequest(ctx context.Context, serviceName, operation string, fn func(context.Context) (interface{}, error), opts ...RequestOption) (*Result, error) {
	o := rm.buildOptions(opts)
	rm.count(func(s *PipelineStats) { s.Requests++ })

	parent := ctx
	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	attempts := 0

	// One upstream attempt: gate on the circuit, pace against the
	// client-side window, then let the breaker admit and account for the
	// call. The initial gate is a read-only peek so a rejected attempt
	// consumes no rate-limit slot.
	attempt := func(ctx context.Context) (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if state := rm.breaker.State(serviceName); state == StateOpen {
			return nil, &CircuitOpenError{Service: serviceName, State: StateOpen}
		}
		if !rm.rateLimiter.IsAllowed(serviceName) {
			retryAfter := time.Until(rm.rateLimiter.ResetTime(serviceName))
			rm.count(func(s *PipelineStats) { s.RateLimitWaits++ })
			return nil, errors.NewRateLimitError(
				fmt.Sprintf("client-side rate limit reached for %s", serviceName)).
				WithRetryAfter(retryAfter)
		}
		attempts++
		return rm.breaker.Call(ctx, serviceName, fn)
	}

	run := func(ctx context.Context) (interface{}, error) {
		if o.useRetry {
			return rm.retrier.ExecuteWithPolicy(ctx, o.policy, attempt)
		}
		return attempt(ctx)
	}

	executor := run
	if o.dedupKey != "" {
		executor = func(ctx context.Context) (interface{}, error) {
			return rm.dedup.Do(ctx, o.dedupKey, run)
		}
	}

	// protected is one full pass of the inner pipeline. A terminal failure
	// may earn one extra pass from a recovery strategy; an expired pipeline
	// deadline is converted to a typed timeout and charged to the breaker.
	protected := func(context.Context) (interface{}, error) {
		result, err := executor(callCtx)
		if err == nil {
			return result, nil
		}

		if callCtx.Err() == nil && rm.recovery.Recover(callCtx, err) {
			rm.count(func(s *PipelineStats) { s.RecoveryPasses++ })
			result, err = executor(callCtx)
			if err == nil {
				return result, nil
			}
		}

		if o.timeout > 0 && callCtx.Err() != nil && parent.Err() == nil {
			rm.count(func(s *PipelineStats) { s.Timeouts++ })
			rm.breaker.RecordFailure(serviceName)
			err = errors.NewTimeoutError(fmt.Sprintf("%s %s", serviceName, operation)).
				WithDetail("service", serviceName).
				WithCause(err)
		}
		return nil, err
	}

	execute := func() (*Result, error) {
		if !o.useFallback {
			value, err := protected(callCtx)
			if err != nil {
				return nil, err
			}
			return &Result{Value: value, Attempts: attempts}, nil
		}

		// Fallback reads run on the caller's original context so an expired
		// pipeline deadline cannot block serving a cached value.
		fbResult, err := rm.fallback.ExecuteWithFallback(parent, serviceName, o.cacheKey, protected, o.fallbackValue)
		if err != nil {
			return nil, err
		}
		return &Result{
			Value:    fbResult.Value,
			Stale:    fbResult.Stale,
			Age:      fbResult.Age,
			Attempts: attempts,
		}, nil
	}

	value, err := rm.degradation.ExecuteWithDegradation(callCtx, serviceName, operation,
		func(context.Context) (interface{}, error) {
			return execute()
		},
		o.degradedHandler,
	)
	if err != nil {
		rm.count(func(s *PipelineStats) { s.Failures++ })
		rm.logger.Warn("Protected request failed terminally",
			"service", serviceName,
			"operation", operation,
			"attempts", attempts,
			"error", err.Error(),
		)
		return nil, err
	}
	rm.count(func(s *PipelineStats) { s.Successes++ })

	if result, ok := value.(*Result); ok {
		return result, nil
	}
	return &Result{Value: value, Degraded: true}, nil
}

// RegisterRecoveryStrategy installs a startup-time recovery hook on the
// underlying workflow
func (rm *ResilienceManager) RegisterRecoveryStrategy(errorTypeName string, handler RecoveryHandler) {
	rm.recovery.RegisterRecoveryStrategy(errorTypeName, handler)
}

// RegisterServiceCapabilities pushes capability flags to the degradation
// manager
func (rm *ResilienceManager) RegisterServiceCapabilities(serviceName string, capabilities map[string]bool) {
	rm.degradation.RegisterServiceCapabilities(serviceName, capabilities)
}

// GetComprehensiveStats aggregates circuit state, rate-limiter utilization,
// retry counts, dedup hit rate, fallback activity, degradation triggers,
// and recovery attempts into one snapshot
func (rm *ResilienceManager) GetComprehensiveStats() ComprehensiveStats {
	rm.mutex.Lock()
	pipeline := rm.pipeline
	rm.mutex.Unlock()

	return ComprehensiveStats{
		Pipeline:    pipeline,
		Circuits:    rm.breaker.Snapshot(),
		RateLimits:  rm.rateLimiter.Utilization(),
		Dedup:       rm.dedup.Stats(),
		Fallback:    rm.fallback.Stats(),
		Degradation: rm.degradation.Stats(),
		Recovery:    rm.recovery.Stats(),
		GeneratedAt: time.Now(),
	}
}

// Breaker exposes the circuit breaker for health checks and alert wiring
func (rm *ResilienceManager) Breaker() *CircuitBreaker {
	return rm.breaker
}

// RateLimiter exposes the client-side rate limiter
func (rm *ResilienceManager) RateLimiter() *RateLimiter {
	return rm.rateLimiter
}

// Degradation exposes the degradation manager
func (rm *ResilienceManager) Degradation() *GracefulDegradationManager {
	return rm.degradation
}

// Recovery exposes the error recovery workflow
func (rm *ResilienceManager) Recovery() *ErrorRecoveryWorkflow {
	return rm.recovery
}

// Fallback exposes the fallback manager
func (rm *ResilienceManager) Fallback() *FallbackManager {
	return rm.fallback
}

// Deduplicator exposes the request deduplicator
func (rm *ResilienceManager) Deduplicator() *RequestDeduplicator {
	return rm.dedup
}

func (rm *ResilienceManager) buildOptions(opts []RequestOption) requestOptions {
	o := requestOptions{
		useRetry:    true,
		useFallback: true,
		timeout:     rm.config.DefaultTimeout,
		policy:      rm.config.Retry,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (rm *ResilienceManager) count(update func(*PipelineStats)) {
	rm.mutex.Lock()
	update(&rm.pipeline)
	rm.mutex.Unlock()
}

// Execute runs fn under the manager's pipeline and decodes the outcome into
// T. Values served from the fallback cache decode through JSON since the
// cache stores type-erased payloads.
func Execute[T any](ctx context.Context, rm *ResilienceManager, serviceName, operation string, fn func(context.Context) (T, error), opts ...RequestOption) (T, *Result, error) {
	var zero T

	result, err := rm.ExecuteResilientRequest(ctx, serviceName, operation,
		func(ctx context.Context) (interface{}, error) {
			return fn(ctx)
		}, opts...)
	if err != nil {
		return zero, nil, err
	}

	value, err := DecodeResult[T](result)
	if err != nil {
		return zero, result, err
	}
	return value, result, nil
}

// DecodeResult converts a result value to T, round-tripping through JSON
// when the value came from the cache as generic decoded JSON
func DecodeResult[T any](result *Result) (T, error) {
	var zero T

	if value, ok := result.Value.(T); ok {
		return value, nil
	}

	payload, err := json.Marshal(result.Value)
	if err != nil {
		return zero, errors.NewInternalError(
			fmt.Sprintf("result value of type %T cannot be decoded", result.Value)).WithCause(err)
	}

	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		return zero, errors.NewInternalError(
			fmt.Sprintf("result value of type %T cannot be decoded", result.Value)).WithCause(err)
	}
	return value, nil
}
