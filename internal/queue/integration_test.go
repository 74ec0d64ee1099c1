package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appErrors "github.com/waghostel/medregagent/pkg/errors"
	"github.com/waghostel/medregagent/pkg/resilience"
)

// bulkManager builds a resilience manager tuned for fast tests: a small
// retry budget with millisecond delays and no fallback cache.
func bulkManager(breaker resilience.CircuitBreakerConfig) *resilience.ResilienceManager {
	return resilience.NewResilienceManager(nil, resilience.ManagerConfig{
		Breaker: breaker,
		RateLimit: resilience.RateLimiterConfig{
			Capacity: 10000,
			Window:   time.Minute,
		},
		Retry: resilience.RetryPolicy{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
			Strategy:   resilience.StrategyFixed,
		},
	})
}

// A bulk lookup batch runs every item through the queue, and each queued
// job calls the upstream under the full protection pipeline. Transient
// upstream failures must be absorbed by retries without surfacing to any
// caller in the batch.
func TestQueueBulkLookupsThroughPipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 4
	cfg.RatePerMinute = 0
	q := newTestQueue(t, cfg)

	rm := bulkManager(resilience.CircuitBreakerConfig{
		FailureThreshold: 50,
		ResetTimeout:     time.Minute,
	})

	// Every third upstream call drops the connection. Consecutive calls
	// never both fail, so one retry always recovers a failed lookup.
	var calls, failures int64
	fetch := func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt64(&calls, 1)
		if n%3 == 0 {
			atomic.AddInt64(&failures, 1)
			return nil, appErrors.NewTransientNetworkError("connection reset by peer")
		}
		return fmt.Sprintf("device-%d", n), nil
	}

	const batch = 12
	var wg sync.WaitGroup
	errs := make(chan error, batch)
	for i := 0; i < batch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), "bulk_device_lookup", PriorityNormal,
				func(ctx context.Context) (interface{}, error) {
					result, err := rm.ExecuteResilientRequest(ctx, "fda_api", "device_lookup", fetch,
						resilience.WithFallbackDisabled())
					if err != nil {
						return nil, err
					}
					return result.Value, nil
				})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Bulk lookup failed despite retry budget: %v", err)
		}
	}

	stats := q.Stats()
	if stats.Completed != batch {
		t.Errorf("Expected %d completed jobs, got %d", batch, stats.Completed)
	}
	if stats.Failed != 0 {
		t.Errorf("Expected no failed jobs, got %d", stats.Failed)
	}
	if stats.Depth != 0 || stats.Running != 0 {
		t.Errorf("Queue not drained: %+v", stats)
	}

	totalCalls := atomic.LoadInt64(&calls)
	totalFailures := atomic.LoadInt64(&failures)
	if totalCalls != batch+totalFailures {
		t.Errorf("Expected %d+%d upstream calls, got %d", batch, totalFailures, totalCalls)
	}
	if totalFailures == 0 {
		t.Error("Flaky upstream never failed, test exercised nothing")
	}

	pipeline := rm.GetComprehensiveStats().Pipeline
	if pipeline.Requests != batch {
		t.Errorf("Expected %d pipeline requests, got %d", batch, pipeline.Requests)
	}
	if pipeline.Failures != 0 {
		t.Errorf("Expected no terminal pipeline failures, got %d", pipeline.Failures)
	}
}

// When the upstream goes down mid-batch, the first job burns its retry
// budget and trips the circuit; the rest of the batch fails fast with a
// circuit-open error instead of hammering the dead upstream.
func TestQueueFailsFastOnOpenCircuit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.RatePerMinute = 0
	q := newTestQueue(t, cfg)

	rm := bulkManager(resilience.CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	})

	var calls int64
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		return nil, appErrors.NewExternalError("fda_api", "upstream returned 503")
	}
	lookup := func(ctx context.Context) (interface{}, error) {
		result, err := rm.ExecuteResilientRequest(ctx, "fda_api", "device_lookup", fetch,
			resilience.WithFallbackDisabled())
		if err != nil {
			return nil, err
		}
		return result.Value, nil
	}

	// The single-slot queue serializes the batch, so the first job's three
	// attempts trip the threshold-3 breaker before job two dispatches.
	_, err := q.Enqueue(context.Background(), "bulk_device_lookup", PriorityNormal, lookup)
	if err == nil {
		t.Fatal("Lookup against a dead upstream should fail")
	}
	if resilience.IsCircuitOpenError(err) {
		t.Fatalf("First job should exhaust retries, not see an open circuit: %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("Expected 3 upstream attempts from the first job, got %d", got)
	}
	if state := rm.Breaker().State("fda_api"); state != resilience.StateOpen {
		t.Fatalf("Expected an open circuit after the first job, got %s", state)
	}

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), "bulk_device_lookup", PriorityNormal, lookup)
		if !resilience.IsCircuitOpenError(err) {
			t.Errorf("Job %d should fail fast on the open circuit, got %v", i+2, err)
		}
	}

	// Fail-fast jobs never reached the upstream
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Errorf("Open circuit leaked upstream calls: %d total", got)
	}

	stats := q.Stats()
	if stats.Failed != 4 {
		t.Errorf("Expected 4 failed jobs, got %d", stats.Failed)
	}
}
