package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Upstream metrics
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	RetriesTotal            *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitTransitionsTotal *prometheus.CounterVec
	CircuitState            *prometheus.GaugeVec

	// Rate limiter metrics
	RateLimitDenialsTotal *prometheus.CounterVec

	// Deduplication metrics
	DedupRequestsTotal *prometheus.CounterVec

	// Fallback metrics
	FallbackServesTotal    *prometheus.CounterVec
	FallbackExhaustedTotal *prometheus.CounterVec

	// Degradation metrics
	DegradationLevel prometheus.Gauge

	// Recovery metrics
	RecoveryAttemptsTotal *prometheus.CounterVec

	// Queue metrics
	QueueDepth        *prometheus.GaugeVec
	QueueRunning      prometheus.Gauge
	QueueJobsTotal    *prometheus.CounterVec
	QueueWaitDuration *prometheus.HistogramVec

	// Cache metrics
	RedisConnections *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "medregagent",
		Subsystem: "",
		Enabled:   true,
	}
}

// Circuit state gauge values
const (
	circuitStateClosed   = 0
	circuitStateHalfOpen = 1
	circuitStateOpen     = 2
)

// NewMetrics creates all Prometheus metrics on a private registry so
// multiple instances never collide
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		// Upstream metrics
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "upstream_requests_total",
				Help:      "Total number of upstream API requests",
			},
			[]string{"service", "operation", "status"},
		),
		UpstreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "upstream_request_duration_seconds",
				Help:      "Upstream API request duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "operation", "status"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retries_total",
				Help:      "Total number of retry attempts against upstreams",
			},
			[]string{"service", "operation"},
		),

		// Circuit breaker metrics
		CircuitTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"service", "from_state", "to_state"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),

		// Rate limiter metrics
		RateLimitDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rate_limit_denials_total",
				Help:      "Total number of client-side rate limit denials",
			},
			[]string{"key"},
		),

		// Deduplication metrics
		DedupRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "dedup_requests_total",
				Help:      "Total number of deduplicated request resolutions",
			},
			[]string{"outcome"},
		),

		// Fallback metrics
		FallbackServesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_serves_total",
				Help:      "Total number of responses served from a fallback tier",
			},
			[]string{"service", "source"},
		),
		FallbackExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_exhausted_total",
				Help:      "Total number of requests that failed with every fallback tier empty",
			},
			[]string{"service"},
		),

		// Degradation metrics
		DegradationLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degradation_level",
				Help:      "Current service degradation level (0=normal, 1=partial, 2=severe, 3=critical)",
			},
		),

		// Recovery metrics
		RecoveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recovery_attempts_total",
				Help:      "Total number of error recovery attempts",
			},
			[]string{"error_type", "outcome"},
		),

		// Queue metrics
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_depth",
				Help:      "Number of pending jobs in the request queue",
			},
			[]string{"priority"},
		),
		QueueRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_running",
				Help:      "Number of queue jobs currently executing",
			},
		),
		QueueJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_jobs_total",
				Help:      "Total number of finished queue jobs",
			},
			[]string{"outcome"},
		),
		QueueWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_wait_duration_seconds",
				Help:      "Time jobs spend waiting in the queue before dispatch",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"priority"},
		),

		// Cache metrics
		RedisConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "redis_connections",
				Help:      "Number of Redis connections",
			},
			[]string{"state"},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics",
			},
			[]string{"component"},
		),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.RetriesTotal,
		m.CircuitTransitionsTotal,
		m.CircuitState,
		m.RateLimitDenialsTotal,
		m.DedupRequestsTotal,
		m.FallbackServesTotal,
		m.FallbackExhaustedTotal,
		m.DegradationLevel,
		m.RecoveryAttemptsTotal,
		m.QueueDepth,
		m.QueueRunning,
		m.QueueJobsTotal,
		m.QueueWaitDuration,
		m.RedisConnections,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordUpstreamRequest records one upstream API call outcome
func (m *Metrics) RecordUpstreamRequest(service, operation, status string, duration time.Duration) {
	if m == nil || m.UpstreamRequestsTotal == nil {
		return
	}

	m.UpstreamRequestsTotal.WithLabelValues(service, operation, status).Inc()
	m.UpstreamRequestDuration.WithLabelValues(service, operation, status).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt against an upstream
func (m *Metrics) RecordRetry(service, operation string) {
	if m == nil || m.RetriesTotal == nil {
		return
	}

	m.RetriesTotal.WithLabelValues(service, operation).Inc()
}

// RecordCircuitTransition records a circuit state change and moves the
// state gauge
func (m *Metrics) RecordCircuitTransition(service, fromState, toState string) {
	if m == nil || m.CircuitTransitionsTotal == nil {
		return
	}

	m.CircuitTransitionsTotal.WithLabelValues(service, fromState, toState).Inc()
	m.CircuitState.WithLabelValues(service).Set(circuitStateValue(toState))
}

func circuitStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return circuitStateOpen
	case "HALF_OPEN":
		return circuitStateHalfOpen
	default:
		return circuitStateClosed
	}
}

// RecordRateLimitDenial records a client-side rate limit denial
func (m *Metrics) RecordRateLimitDenial(key string) {
	if m == nil || m.RateLimitDenialsTotal == nil {
		return
	}

	m.RateLimitDenialsTotal.WithLabelValues(key).Inc()
}

// RecordDedup records a deduplicated request resolution. Outcome is
// "primary" for the request that performed the call and "shared" for
// requests that received the primary's result.
func (m *Metrics) RecordDedup(outcome string) {
	if m == nil || m.DedupRequestsTotal == nil {
		return
	}

	m.DedupRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordFallbackServe records a response served from a fallback tier.
// Source is "cache" or "static".
func (m *Metrics) RecordFallbackServe(service, source string) {
	if m == nil || m.FallbackServesTotal == nil {
		return
	}

	m.FallbackServesTotal.WithLabelValues(service, source).Inc()
}

// RecordFallbackExhausted records a request that failed with every
// fallback tier empty
func (m *Metrics) RecordFallbackExhausted(service string) {
	if m == nil || m.FallbackExhaustedTotal == nil {
		return
	}

	m.FallbackExhaustedTotal.WithLabelValues(service).Inc()
}

// SetDegradationLevel moves the degradation level gauge
func (m *Metrics) SetDegradationLevel(level float64) {
	if m == nil || m.DegradationLevel == nil {
		return
	}

	m.DegradationLevel.Set(level)
}

// RecordRecoveryAttempt records an error recovery attempt. Outcome is
// "recovered" or "abandoned".
func (m *Metrics) RecordRecoveryAttempt(errorType, outcome string) {
	if m == nil || m.RecoveryAttemptsTotal == nil {
		return
	}

	m.RecoveryAttemptsTotal.WithLabelValues(errorType, outcome).Inc()
}

// SetQueueDepth moves the pending-jobs gauge for one priority
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	if m == nil || m.QueueDepth == nil {
		return
	}

	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// SetQueueRunning moves the executing-jobs gauge
func (m *Metrics) SetQueueRunning(running int) {
	if m == nil || m.QueueRunning == nil {
		return
	}

	m.QueueRunning.Set(float64(running))
}

// RecordQueueJob records a finished queue job. Outcome is "completed",
// "failed", or "canceled".
func (m *Metrics) RecordQueueJob(outcome, priority string, wait time.Duration) {
	if m == nil || m.QueueJobsTotal == nil {
		return
	}

	m.QueueJobsTotal.WithLabelValues(outcome).Inc()
	m.QueueWaitDuration.WithLabelValues(priority).Observe(wait.Seconds())
}

// UpdateRedisConnections updates Redis connection pool gauges
func (m *Metrics) UpdateRedisConnections(total, idle, stale int) {
	if m == nil || m.RedisConnections == nil {
		return
	}

	m.RedisConnections.WithLabelValues("total").Set(float64(total))
	m.RedisConnections.WithLabelValues("idle").Set(float64(idle))
	m.RedisConnections.WithLabelValues("stale").Set(float64(stale))
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil || m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m == nil || m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m != nil && m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Sampler copies point-in-time values into gauges on each collection tick
type Sampler func(m *Metrics)

// Collector periodically refreshes gauge metrics from registered samplers
type Collector struct {
	metrics  *Metrics
	interval time.Duration
	samplers []Sampler
	stopCh   chan struct{}
}

// NewCollector creates a collector that runs every interval
func NewCollector(metrics *Metrics, interval time.Duration, samplers ...Sampler) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		metrics:  metrics,
		interval: interval,
		samplers: samplers,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection and blocks until Stop is called or ctx
// is cancelled
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop stops periodic collection
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, sampler := range c.samplers {
		sampler(c.metrics)
	}
}
