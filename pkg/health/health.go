package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waghostel/medregagent/internal/cache"
	"github.com/waghostel/medregagent/internal/queue"
	"github.com/waghostel/medregagent/pkg/logging"
	"github.com/waghostel/medregagent/pkg/resilience"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: config.Metadata,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth performs all health checks concurrently
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			check := checker.Check(ctx)

			mutex.Lock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
			mutex.Unlock()
		}(name, checker)
	}

	wg.Wait()

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for health checks
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// RedisChecker checks fallback cache connectivity
type RedisChecker struct {
	redis *cache.Redis
	name  string
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(redis *cache.Redis, name string) *RedisChecker {
	return &RedisChecker{
		redis: redis,
		name:  name,
	}
}

// Check performs Redis health check
func (rc *RedisChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      rc.name,
		Timestamp: start,
	}

	if rc.redis == nil {
		check.Status = StatusUnhealthy
		check.Error = "redis connection is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := rc.redis.Health(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	stats := rc.redis.PoolStats()
	check.Status = StatusHealthy
	check.Message = "redis is healthy"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"total_connections": fmt.Sprintf("%d", stats.TotalConns),
		"idle_connections":  fmt.Sprintf("%d", stats.IdleConns),
		"stale_connections": fmt.Sprintf("%d", stats.StaleConns),
	}

	return check
}

// CircuitChecker reports degraded health while any upstream circuit is not
// closed
type CircuitChecker struct {
	breaker *resilience.CircuitBreaker
	name    string
}

// NewCircuitChecker creates a new circuit breaker health checker
func NewCircuitChecker(breaker *resilience.CircuitBreaker, name string) *CircuitChecker {
	return &CircuitChecker{
		breaker: breaker,
		name:    name,
	}
}

// Check inspects every tracked circuit
func (cc *CircuitChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  map[string]string{},
	}

	open := 0
	trial := 0
	for service, snapshot := range cc.breaker.Snapshot() {
		check.Metadata[service] = snapshot.Status
		switch snapshot.Status {
		case resilience.StateOpen.String():
			open++
		case resilience.StateHalfOpen.String():
			trial++
		}
	}

	check.Duration = time.Since(start)
	switch {
	case open > 0:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d upstream circuit(s) open", open)
	case trial > 0:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d upstream circuit(s) in trial", trial)
	default:
		check.Status = StatusHealthy
		check.Message = "all upstream circuits closed"
	}

	return check
}

// QueueChecker checks the request queue's state and backlog headroom
type QueueChecker struct {
	queue    *queue.RequestQueue
	name     string
	maxDepth int
}

// NewQueueChecker creates a new queue health checker. maxDepth is the
// queue's configured backlog bound.
func NewQueueChecker(q *queue.RequestQueue, name string, maxDepth int) *QueueChecker {
	return &QueueChecker{
		queue:    q,
		name:     name,
		maxDepth: maxDepth,
	}
}

// Check performs queue health check
func (qc *QueueChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      qc.name,
		Timestamp: start,
	}

	if qc.queue == nil {
		check.Status = StatusUnhealthy
		check.Error = "request queue is nil"
		check.Duration = time.Since(start)
		return check
	}

	stats := qc.queue.Stats()
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"state":   stats.State,
		"depth":   fmt.Sprintf("%d", stats.Depth),
		"running": fmt.Sprintf("%d", stats.Running),
	}

	switch qc.queue.State() {
	case queue.StateRunning:
		check.Status = StatusHealthy
		check.Message = "request queue is running"
	case queue.StateStopping:
		check.Status = StatusDegraded
		check.Message = "request queue is draining"
		return check
	default:
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("request queue is %s", stats.State)
		return check
	}

	// Near-full backlogs reject work soon
	if qc.maxDepth > 0 && stats.Depth >= int(float64(qc.maxDepth)*0.8) {
		check.Status = StatusDegraded
		check.Message = "request queue backlog is nearly full"
	}

	return check
}

// DegradationChecker reflects the capability-based degradation level
type DegradationChecker struct {
	degradation *resilience.GracefulDegradationManager
	name        string
}

// NewDegradationChecker creates a new degradation health checker
func NewDegradationChecker(degradation *resilience.GracefulDegradationManager, name string) *DegradationChecker {
	return &DegradationChecker{
		degradation: degradation,
		name:        name,
	}
}

// Check maps the degradation level onto a health status
func (dc *DegradationChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      dc.name,
		Timestamp: start,
	}

	level := dc.degradation.CurrentLevel()
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"level": level.String(),
	}

	switch level {
	case resilience.LevelNormal:
		check.Status = StatusHealthy
		check.Message = "all capabilities available"
	case resilience.LevelCritical:
		check.Status = StatusUnhealthy
		check.Message = "almost all capabilities disabled"
	default:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("service is running at %s capability", level)
	}

	return check
}

// HTTPChecker checks HTTP endpoint health
type HTTPChecker struct {
	url    string
	name   string
	client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(url, name string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		url:  url,
		name: name,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Check performs HTTP health check
func (hc *HTTPChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      hc.name,
		Timestamp: start,
	}

	req, err := http.NewRequestWithContext(ctx, "GET", hc.url, nil)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("failed to create request: %v", err)
		check.Duration = time.Since(start)
		return check
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("request failed: %v", err)
		check.Duration = time.Since(start)
		return check
	}
	defer resp.Body.Close()

	check.Duration = time.Since(start)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		check.Status = StatusHealthy
		check.Message = "endpoint is healthy"
	} else if resp.StatusCode >= 500 {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	} else {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}

	check.Metadata = map[string]string{
		"status_code":   fmt.Sprintf("%d", resp.StatusCode),
		"response_time": check.Duration.String(),
	}

	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
