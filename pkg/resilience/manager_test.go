package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/waghostel/medregagent/pkg/errors"
)

func fastRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      maxRetries,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		ExponentialBase: 2.0,
		Strategy:        StrategyFixed,
	}
}

func newTestManager(cache Cache) *ResilienceManager {
	return NewResilienceManager(cache, ManagerConfig{
		Breaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     time.Minute,
		},
		RateLimit: RateLimiterConfig{
			Capacity: 1000,
			Window:   time.Minute,
		},
		Retry: fastRetryPolicy(3),
	})
}

func TestResilienceManager_FreshSuccess(t *testing.T) {
	rm := newTestManager(newFakeCache())

	calls := 0
	result, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			calls++
			return "device-record", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "device-record", result.Value)
	assert.False(t, result.Stale)
	assert.False(t, result.Degraded)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, rm.Breaker().State("fda_api"))

	stats := rm.GetComprehensiveStats()
	assert.Equal(t, uint64(1), stats.Pipeline.Requests)
	assert.Equal(t, uint64(1), stats.Pipeline.Successes)
}

func TestResilienceManager_RetriesThenSuccess(t *testing.T) {
	rm := newTestManager(newFakeCache())

	calls := 0
	result, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			calls++
			if calls < 3 {
				return nil, appErrors.NewTransientNetworkError("connection reset")
			}
			return "device-record", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "device-record", result.Value)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)

	// Two backoff sleeps happened before the successful attempt
	assert.Equal(t, uint64(2), rm.GetComprehensiveStats().Pipeline.Retries)
}

func TestResilienceManager_ExhaustedRetries(t *testing.T) {
	rm := newTestManager(newFakeCache())

	calls := 0
	_, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, appErrors.NewTransientNetworkError("connection reset")
		},
		WithFallbackDisabled(),
		WithRetryPolicy(fastRetryPolicy(2)),
	)

	require.Error(t, err)
	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls)
}

func TestResilienceManager_NonRetryableSingleAttempt(t *testing.T) {
	rm := newTestManager(newFakeCache())

	calls := 0
	validationErr := appErrors.NewValidationError("bad device number")
	_, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, validationErr
		},
		WithFallbackDisabled(),
	)

	require.Error(t, err)
	assert.Same(t, validationErr, err)
	assert.Equal(t, 1, calls)
}

func TestResilienceManager_OpenCircuitServesCachedFallback(t *testing.T) {
	cache := newFakeCache()
	cache.seed(t, "device:K123456", map[string]interface{}{"device_name": "infusion pump"}, time.Now().Add(-10*time.Minute))

	rm := newTestManager(cache)
	for i := 0; i < 3; i++ {
		rm.Breaker().RecordFailure("fda_api")
	}
	require.Equal(t, StateOpen, rm.Breaker().State("fda_api"))

	result, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			t.Error("an open circuit must not invoke the primary function")
			return nil, nil
		},
		WithCacheKey("device:K123456"),
	)

	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.GreaterOrEqual(t, result.Age, 10*time.Minute)
	assert.Equal(t, 0, result.Attempts)
	assert.Equal(t, map[string]interface{}{"device_name": "infusion pump"}, result.Value)
}

func TestResilienceManager_OpenCircuitWithoutFallbackExhausts(t *testing.T) {
	rm := newTestManager(newFakeCache())
	for i := 0; i < 3; i++ {
		rm.Breaker().RecordFailure("fda_api")
	}

	_, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			t.Error("an open circuit must not invoke the primary function")
			return nil, nil
		},
		WithCacheKey("device:unseeded"),
	)

	require.Error(t, err)
	var exhausted *FallbackExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, IsCircuitOpenError(exhausted.Cause))
}

func TestResilienceManager_StaticFallbackValue(t *testing.T) {
	rm := newTestManager(newFakeCache())

	result, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			return nil, appErrors.NewTransientNetworkError("connection reset")
		},
		WithRetryPolicy(fastRetryPolicy(0)),
		WithFallbackValue(map[string]string{"status": "unknown"}),
	)

	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Zero(t, result.Age)
	assert.Equal(t, map[string]string{"status": "unknown"}, result.Value)
}

func TestResilienceManager_RetryDisabled(t *testing.T) {
	rm := newTestManager(newFakeCache())

	calls := 0
	_, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, appErrors.NewTransientNetworkError("connection reset")
		},
		WithRetryDisabled(),
		WithFallbackDisabled(),
	)

	require.Error(t, err)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeTransientNetwork))
	assert.Equal(t, 1, calls)
}

func TestResilienceManager_PipelineTimeout(t *testing.T) {
	rm := newTestManager(newFakeCache())

	_, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			return nil, appErrors.NewTransientNetworkError("connection reset")
		},
		WithRetryPolicy(RetryPolicy{
			MaxRetries: 3,
			BaseDelay:  200 * time.Millisecond,
			Strategy:   StrategyFixed,
		}),
		WithTimeout(30*time.Millisecond),
		WithFallbackDisabled(),
	)

	require.Error(t, err)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeTimeout))

	stats := rm.GetComprehensiveStats()
	assert.Equal(t, uint64(1), stats.Pipeline.Timeouts)
	// One genuine upstream failure plus the timeout charge
	assert.Equal(t, 2, rm.Breaker().FailureCount("fda_api"))
}

func TestResilienceManager_TimeoutStillServesCachedFallback(t *testing.T) {
	cache := newFakeCache()
	cache.seed(t, "device:K777", "cached-device", time.Now().Add(-time.Minute))

	rm := newTestManager(cache)
	result, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			return nil, appErrors.NewTransientNetworkError("connection reset")
		},
		WithRetryPolicy(RetryPolicy{
			MaxRetries: 5,
			BaseDelay:  200 * time.Millisecond,
			Strategy:   StrategyFixed,
		}),
		WithTimeout(30*time.Millisecond),
		WithCacheKey("device:K777"),
	)

	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Equal(t, "cached-device", result.Value)
}

func TestResilienceManager_Dedup(t *testing.T) {
	rm := newTestManager(newFakeCache())

	var invocations int32
	release := make(chan struct{})

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
				func(ctx context.Context) (interface{}, error) {
					atomic.AddInt32(&invocations, 1)
					<-release
					return "shared-outcome", nil
				},
				WithDedupKey("GET", "/device/510k", map[string]string{"k_number": "K123456"}),
			)
		}(i)
	}

	assert.Eventually(t, func() bool {
		return rm.Deduplicator().Stats().InFlight == 1
	}, time.Second, 5*time.Millisecond)
	// Give the remaining callers time to join the pending call
	assert.Eventually(t, func() bool {
		return rm.Deduplicator().Stats().Hits == uint64(callers-1)
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-outcome", results[i].Value)
	}
}

func TestResilienceManager_RecoveryGrantsExtraPass(t *testing.T) {
	rm := newTestManager(newFakeCache())

	repaired := false
	rm.RegisterRecoveryStrategy(string(appErrors.ErrorTypeRetriesExhausted), func(ctx context.Context, err error) bool {
		repaired = true
		return true
	})

	calls := 0
	result, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			calls++
			if !repaired {
				return nil, appErrors.NewTransientNetworkError("stale session")
			}
			return "recovered-record", nil
		},
		WithRetryPolicy(fastRetryPolicy(0)),
	)

	require.NoError(t, err)
	assert.Equal(t, "recovered-record", result.Value)
	assert.Equal(t, 2, calls)

	stats := rm.GetComprehensiveStats()
	assert.Equal(t, uint64(1), stats.Pipeline.RecoveryPasses)
	assert.Equal(t, uint64(1), stats.Recovery.TotalAttempts)
	assert.Equal(t, uint64(1), stats.Recovery.Successes)
}

func TestResilienceManager_DecliningRecoveryPropagates(t *testing.T) {
	rm := newTestManager(newFakeCache())

	rm.RegisterRecoveryStrategy(string(appErrors.ErrorTypeRetriesExhausted), func(ctx context.Context, err error) bool {
		return false
	})

	calls := 0
	_, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, appErrors.NewTransientNetworkError("stale session")
		},
		WithRetryPolicy(fastRetryPolicy(0)),
		WithFallbackDisabled(),
	)

	require.Error(t, err)
	assert.Equal(t, 1, calls, "a declining strategy must not grant an extra pass")
	assert.Equal(t, uint64(1), rm.GetComprehensiveStats().Recovery.TotalAttempts)
}

func TestResilienceManager_DegradedOperationRouting(t *testing.T) {
	rm := newTestManager(newFakeCache())
	rm.RegisterServiceCapabilities("fda_api", map[string]bool{
		"device_lookup": false,
	})

	result, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			t.Error("a degraded operation must not invoke the primary function")
			return nil, nil
		},
		WithDegradedHandler(func(ctx context.Context) (interface{}, error) {
			return "degraded-summary", nil
		}),
	)

	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, "degraded-summary", result.Value)
	assert.Equal(t, uint64(1), rm.GetComprehensiveStats().Degradation.DegradedCalls)
}

func TestResilienceManager_RateLimitDenialNotChargedToBreaker(t *testing.T) {
	rm := NewResilienceManager(newFakeCache(), ManagerConfig{
		Breaker:   CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute},
		RateLimit: RateLimiterConfig{Capacity: 2, Window: time.Minute},
		Retry:     fastRetryPolicy(3),
	})

	fn := func(ctx context.Context) (interface{}, error) { return "ok", nil }

	for i := 0; i < 2; i++ {
		_, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup", fn,
			WithRetryDisabled(), WithFallbackDisabled())
		require.NoError(t, err)
	}

	_, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup", fn,
		WithRetryDisabled(), WithFallbackDisabled())
	require.Error(t, err)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeRateLimit))

	retryAfter, ok := appErrors.GetRetryAfter(err)
	assert.True(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))

	// A client-side denial is not evidence of upstream failure
	assert.Equal(t, 0, rm.Breaker().FailureCount("fda_api"))
	assert.Equal(t, uint64(1), rm.GetComprehensiveStats().Pipeline.RateLimitWaits)
}

func TestResilienceManager_WriteThroughThenStale(t *testing.T) {
	cache := newFakeCache()
	rm := newTestManager(cache)

	result, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			return map[string]interface{}{"device_name": "stent"}, nil
		},
		WithCacheKey("device:K999"),
	)
	require.NoError(t, err)
	assert.False(t, result.Stale)

	// The write-through is asynchronous
	require.Eventually(t, func() bool { return cache.has("device:K999") }, time.Second, 5*time.Millisecond)

	result, err = rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) {
			return nil, appErrors.NewTransientNetworkError("connection reset")
		},
		WithRetryPolicy(fastRetryPolicy(0)),
		WithCacheKey("device:K999"),
	)
	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Equal(t, map[string]interface{}{"device_name": "stent"}, result.Value)
}

func TestResilienceManager_GetComprehensiveStats(t *testing.T) {
	rm := newTestManager(newFakeCache())

	_, err := rm.ExecuteResilientRequest(context.Background(), "fda_api", "device_lookup",
		func(ctx context.Context) (interface{}, error) { return "ok", nil })
	require.NoError(t, err)

	stats := rm.GetComprehensiveStats()
	assert.Equal(t, uint64(1), stats.Pipeline.Requests)
	assert.Contains(t, stats.Circuits, "fda_api")
	assert.Contains(t, stats.RateLimits, "fda_api")
	assert.False(t, stats.GeneratedAt.IsZero())
}

type deviceRecord struct {
	DeviceName string `json:"device_name"`
	KNumber    string `json:"k_number"`
}

func TestExecute_TypedResults(t *testing.T) {
	rm := newTestManager(newFakeCache())

	record, result, err := Execute(context.Background(), rm, "fda_api", "device_lookup",
		func(ctx context.Context) (deviceRecord, error) {
			return deviceRecord{DeviceName: "infusion pump", KNumber: "K123456"}, nil
		})

	require.NoError(t, err)
	assert.False(t, result.Stale)
	assert.Equal(t, "infusion pump", record.DeviceName)
}

func TestExecute_TypedStaleDecode(t *testing.T) {
	cache := newFakeCache()
	cache.seed(t, "device:K123456", deviceRecord{DeviceName: "infusion pump", KNumber: "K123456"}, time.Now().Add(-time.Minute))

	rm := newTestManager(cache)
	for i := 0; i < 3; i++ {
		rm.Breaker().RecordFailure("fda_api")
	}

	record, result, err := Execute(context.Background(), rm, "fda_api", "device_lookup",
		func(ctx context.Context) (deviceRecord, error) {
			t.Error("an open circuit must not invoke the primary function")
			return deviceRecord{}, nil
		},
		WithCacheKey("device:K123456"))

	require.NoError(t, err)
	assert.True(t, result.Stale)
	// Cached values decode through JSON back into the typed record
	assert.Equal(t, "infusion pump", record.DeviceName)
	assert.Equal(t, "K123456", record.KNumber)
}
