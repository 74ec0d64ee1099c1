// Package resilience protects calls to unreliable upstream APIs with
// circuit breaking, client-side rate limiting, retry with backoff, request
// deduplication, cache-backed fallback, capability-based degradation, and
// pluggable error recovery.
//
// This package implements the following patterns:
//
// # Circuit Breaker Pattern
//
// The circuit breaker tracks consecutive failures per service key and fails
// fast while a dependency is known to be down. After the reset timeout a
// single half-open trial request decides whether the circuit closes again.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		FailureThreshold: 5,
//		ResetTimeout:     60 * time.Second,
//	})
//
//	result, err := cb.Call(ctx, "fda_api", func(ctx context.Context) (interface{}, error) {
//		return upstream.Fetch(ctx, query)
//	})
//
// # Sliding-Window Rate Limiting
//
// The rate limiter paces outbound requests per key against a trailing
// window, so this process never exceeds an upstream quota it knows about.
// A denied request has no side effects.
//
//	rl := resilience.NewRateLimiter(resilience.RateLimiterConfig{
//		Capacity: 240,
//		Window:   time.Minute,
//	})
//
//	if !rl.IsAllowed("fda_api") {
//		wait := time.Until(rl.ResetTime("fda_api"))
//		// back off until a slot frees up
//	}
//
// # Retry with Exponential Backoff
//
// The retry handler re-runs retryable failures under a caller-owned policy,
// honoring upstream retry-after hints and applying full jitter to avoid
// thundering-herd retries.
//
//	result, err := resilience.RetryWithBackoff(ctx, resilience.DefaultRetryPolicy(),
//		func(ctx context.Context) (interface{}, error) {
//			return upstream.Fetch(ctx, query)
//		})
//
// # Request Deduplication
//
// Concurrent identical requests collapse onto a single upstream call; every
// caller receives the one shared outcome.
//
//	dedup := resilience.NewRequestDeduplicator()
//	result, err := dedup.DeduplicateRequest(ctx, "GET", "/device/510k",
//		map[string]string{"k_number": "K123456"}, fetch)
//
// # Cache-Backed Fallback
//
// When the primary path fails, the fallback manager serves the last known
// good value from a cache, marked stale with its age. Fresh successes are
// written through in the background.
//
//	fm := resilience.NewFallbackManager(cache, resilience.FallbackConfig{TTL: time.Hour})
//	result, err := fm.ExecuteWithFallback(ctx, "fda_api", "device:K123456", fetch, nil)
//
// # Orchestrated Usage
//
// ResilienceManager composes every pattern into one entry point. This is
// the surface the rest of the application calls.
//
//	rm := resilience.NewResilienceManager(cache, resilience.ManagerConfig{})
//	result, err := rm.ExecuteResilientRequest(ctx, "fda_api", "device_lookup",
//		func(ctx context.Context) (interface{}, error) {
//			return upstream.Fetch(ctx, query)
//		},
//		resilience.WithCacheKey("device:K123456"),
//		resilience.WithDedupKey("GET", "/device/510k", params),
//	)
//
// The package is designed to be thread-safe and can handle high-concurrency
// scenarios typical in API-facing backends.
package resilience
