package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/waghostel/medregagent/internal/api"
	"github.com/waghostel/medregagent/internal/cache"
	"github.com/waghostel/medregagent/internal/queue"
	"github.com/waghostel/medregagent/internal/regulatory"
	"github.com/waghostel/medregagent/pkg/config"
	"github.com/waghostel/medregagent/pkg/errors"
	"github.com/waghostel/medregagent/pkg/health"
	"github.com/waghostel/medregagent/pkg/logging"
	"github.com/waghostel/medregagent/pkg/metrics"
	"github.com/waghostel/medregagent/pkg/resilience"
	"github.com/waghostel/medregagent/pkg/tracing"
)

const serviceVersion = "1.0.0"

// rateLimitRecoveryCeiling bounds how long a request is held open waiting
// out an upstream cool-off hint before giving up on recovery.
const rateLimitRecoveryCeiling = 5 * time.Second

func main() {
	// A .env file is optional; deployments normally configure the
	// environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "medregagent",
		Version:     serviceVersion,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetGlobalLogger(logger)

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Error("Tracing shutdown failed", "error", err.Error())
		}
	}()

	// Select the fallback cache backend
	var store resilience.Cache
	var redisStore *cache.Redis
	switch cfg.Cache.Backend {
	case "redis":
		redisStore, err = cache.NewRedis(&cfg.Redis, cfg.Cache.KeyPrefix)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		store = redisStore
		logger.Info("Fallback cache backed by Redis", "addr", cfg.RedisAddr())
	default:
		memStore := cache.NewMemory(5 * time.Minute)
		defer memStore.Stop()
		store = memStore
		logger.Info("Fallback cache backed by process memory")
	}

	m := metrics.NewMetrics(nil)

	// Circuit transitions and degradation level changes raise alerts; the
	// logging handler is the only sink in this deployment
	alerts := resilience.NewAlertManager()
	alerts.AddHandler(resilience.NewLoggingAlertHandler())
	alertGen := resilience.NewResilienceAlertGenerator(alerts)
	circuitAlert := alertGen.CircuitStateHook()

	retryStrategy := resilience.StrategyExponential
	if cfg.Resilience.Jitter {
		retryStrategy = resilience.StrategyExponentialJitter
	}

	manager := resilience.NewResilienceManager(store, resilience.ManagerConfig{
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			ResetTimeout:     cfg.Resilience.ResetTimeout,
			OnStateChange: func(service string, from, to resilience.CircuitState) {
				circuitAlert(service, from, to)
				m.RecordCircuitTransition(service, from.String(), to.String())
			},
		},
		RateLimit: resilience.RateLimiterConfig{
			Capacity: cfg.Resilience.RateLimitCapacity,
			Window:   cfg.Resilience.RateLimitWindow,
		},
		Retry: resilience.RetryPolicy{
			MaxRetries:      cfg.Resilience.MaxRetries,
			BaseDelay:       cfg.Resilience.BaseDelay,
			MaxDelay:        cfg.Resilience.MaxDelay,
			ExponentialBase: cfg.Resilience.ExponentialBase,
			Strategy:        retryStrategy,
		},
		Fallback: resilience.FallbackConfig{
			TTL: cfg.Cache.DefaultTTL,
		},
		Degradation: resilience.DegradationConfig{
			FailClosed: cfg.Resilience.FailClosed,
		},
		DefaultTimeout: cfg.Resilience.DefaultTimeout,
	})

	// Every regulatory operation starts enabled; operators flip individual
	// capabilities during an incident
	manager.RegisterServiceCapabilities(regulatory.ServiceName, map[string]bool{
		regulatory.Op510KSearch:           true,
		regulatory.Op510KLookup:           true,
		regulatory.OpClassificationSearch: true,
		regulatory.OpRecallSearch:         true,
		regulatory.OpEventSearch:          true,
	})

	// A rate-limited terminal failure earns one extra pipeline pass once the
	// upstream's cool-off hint expires. Longer hints are not worth holding
	// the request open for.
	manager.RegisterRecoveryStrategy(string(errors.ErrorTypeRateLimit), func(ctx context.Context, err error) bool {
		var appErr *errors.AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		wait, ok := errors.GetRetryAfter(appErr)
		if !ok || wait <= 0 || wait > rateLimitRecoveryCeiling {
			return false
		}
		select {
		case <-time.After(wait):
			return true
		case <-ctx.Done():
			return false
		}
	})

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	degradationWatch := resilience.NewDegradationWatcher(alerts, manager.Degradation(), 30*time.Second)
	degradationWatch.Start(rootCtx)
	defer degradationWatch.Stop()

	q := queue.NewRequestQueue(queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		RatePerMinute: cfg.Queue.RateLimitPerMinute,
		MaxDepth:      cfg.Queue.MaxDepth,
		ShutdownGrace: cfg.Queue.ShutdownGrace,
	})
	if err := q.Start(rootCtx); err != nil {
		logger.Fatalf("Failed to start request queue: %v", err)
	}

	client := regulatory.NewClient(cfg.Regulatory, manager, tracer, m)

	// Gauges that describe current state rather than events are refreshed on
	// a sampling tick
	collector := metrics.NewCollector(m, 15*time.Second,
		func(m *metrics.Metrics) {
			stats := q.Stats()
			for priority, depth := range stats.ByPriority {
				m.SetQueueDepth(priority.String(), depth)
			}
			m.SetQueueRunning(stats.Running)
		},
		func(m *metrics.Metrics) {
			m.SetDegradationLevel(float64(manager.Degradation().CurrentLevel()))
		},
		func(m *metrics.Metrics) {
			if redisStore == nil {
				return
			}
			pool := redisStore.PoolStats()
			m.UpdateRedisConnections(int(pool.TotalConns), int(pool.IdleConns), int(pool.StaleConns))
		},
	)
	go collector.Start(rootCtx)
	defer collector.Stop()

	healthSvc := health.NewService(logger, &health.Config{
		Timeout: 5 * time.Second,
		Metadata: map[string]string{
			"service": "medregagent",
			"version": serviceVersion,
		},
	})
	healthSvc.RegisterChecker("circuits", health.NewCircuitChecker(manager.Breaker(), regulatory.ServiceName))
	healthSvc.RegisterChecker("queue", health.NewQueueChecker(q, "request_queue", cfg.Queue.MaxDepth))
	healthSvc.RegisterChecker("capabilities", health.NewDegradationChecker(manager.Degradation(), "capabilities"))
	if redisStore != nil {
		healthSvc.RegisterChecker("redis", health.NewRedisChecker(redisStore, "fallback_cache"))
	}

	router := api.NewRouter(cfg, logger, manager, client, q, healthSvc, m, tracer)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("API server listening",
			"addr", server.Addr,
			"upstream", cfg.Regulatory.BaseURL,
			"cache_backend", cfg.Cache.Backend,
		)
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	// Stop accepting HTTP traffic first, then drain the queue so in-flight
	// bulk work can finish inside the grace period
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown was not clean", "error", err.Error())
	}

	if err := q.Stop(shutdownCtx); err != nil {
		logger.Error("Queue shutdown was not clean", "error", err.Error())
	}

	logger.Info("Shutdown complete")
}
