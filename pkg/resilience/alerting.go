package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waghostel/medregagent/pkg/errors"
	"github.com/waghostel/medregagent/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// SeverityInfo - informational alerts
	SeverityInfo AlertSeverity = iota
	// SeverityWarning - warning alerts that need attention
	SeverityWarning
	// SeverityError - error alerts that need immediate attention
	SeverityError
	// SeverityCritical - critical alerts that need urgent attention
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager routes alerts to registered handlers. Alerts are rate
// limited per source over a sliding window so a flapping circuit or a
// sustained upstream outage cannot flood the handlers.
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.RWMutex
	logger   *logging.Logger

	limiter *RateLimiter
}

// NewAlertManager creates a new alert manager allowing up to 100 alerts
// per source per hour.
func NewAlertManager() *AlertManager {
	return &AlertManager{
		handlers: make([]AlertHandler, 0),
		logger:   logging.GetLogger(),
		limiter:  NewRateLimiter(RateLimiterConfig{Capacity: 100, Window: time.Hour}),
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers. It returns an
// error only when the alert was rate limited or every handler failed.
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	if !am.limiter.IsAllowed(alert.Source) {
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	// Snapshot the handler list so a slow handler never holds the lock.
	am.mutex.RLock()
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mutex.RUnlock()

	am.logger.Info("Sending alert",
		"id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
	)

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler() *LoggingAlertHandler {
	return &LoggingAlertHandler{
		logger: logging.GetLogger(),
	}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
		"description", alert.Description,
		"timestamp", alert.Timestamp,
	}

	for key, value := range alert.Tags {
		fields = append(fields, fmt.Sprintf("tag_%s", key), value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, fmt.Sprintf("meta_%s", key), value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case SeverityCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// ResilienceAlertGenerator turns resilience events into alerts: terminal
// request errors and circuit breaker state transitions.
type ResilienceAlertGenerator struct {
	alertManager *AlertManager
	logger       *logging.Logger
}

// NewResilienceAlertGenerator creates a new resilience alert generator
func NewResilienceAlertGenerator(alertManager *AlertManager) *ResilienceAlertGenerator {
	return &ResilienceAlertGenerator{
		alertManager: alertManager,
		logger:       logging.GetLogger(),
	}
}

// HandleError processes an error and generates an alert with a severity
// matching the error classification
func (g *ResilienceAlertGenerator) HandleError(ctx context.Context, err error, source string, metadata map[string]interface{}) {
	if err == nil {
		return
	}

	alert := Alert{
		Severity:    g.determineSeverity(err),
		Title:       g.generateTitle(err),
		Description: err.Error(),
		Source:      source,
		Tags:        g.generateTags(err),
		Metadata:    metadata,
	}

	if alertErr := g.alertManager.SendAlert(ctx, alert); alertErr != nil {
		g.logger.Error("Failed to send error alert",
			"original_error", err,
			"alert_error", alertErr,
			"source", source,
		)
	}
}

// CircuitStateHook returns a callback suitable for
// CircuitBreakerConfig.OnStateChange. The breaker invokes the callback
// while holding its lock, so the alert is dispatched on a separate
// goroutine.
func (g *ResilienceAlertGenerator) CircuitStateHook() func(service string, from, to CircuitState) {
	return func(service string, from, to CircuitState) {
		alert := Alert{
			Severity:    circuitTransitionSeverity(to),
			Title:       "Circuit Breaker State Changed",
			Description: fmt.Sprintf("Circuit for service %q transitioned from %s to %s", service, from, to),
			Source:      "circuit_breaker",
			Tags: map[string]string{
				"service":    service,
				"from_state": from.String(),
				"to_state":   to.String(),
			},
		}

		go func() {
			if err := g.alertManager.SendAlert(context.Background(), alert); err != nil {
				g.logger.Error("Failed to send circuit state alert",
					"service", service,
					"error", err,
				)
			}
		}()
	}
}

func circuitTransitionSeverity(to CircuitState) AlertSeverity {
	switch to {
	case StateOpen:
		return SeverityError
	case StateHalfOpen:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (g *ResilienceAlertGenerator) determineSeverity(err error) AlertSeverity {
	switch errors.ErrorType(recoveryTypeNames(err)[0]) {
	case errors.ErrorTypeFallbackExhausted:
		return SeverityCritical
	case errors.ErrorTypeCircuitOpen, errors.ErrorTypeRetriesExhausted, errors.ErrorTypeInternal:
		return SeverityError
	case errors.ErrorTypeTimeout, errors.ErrorTypeTransientNetwork, errors.ErrorTypeRateLimit,
		errors.ErrorTypeExternal, errors.ErrorTypeUnavailable:
		return SeverityWarning
	case errors.ErrorTypeValidation, errors.ErrorTypeNotFound, errors.ErrorTypeConflict:
		return SeverityInfo
	default:
		return SeverityError
	}
}

func (g *ResilienceAlertGenerator) generateTitle(err error) string {
	switch errors.ErrorType(recoveryTypeNames(err)[0]) {
	case errors.ErrorTypeTimeout:
		return "Operation Timeout"
	case errors.ErrorTypeTransientNetwork:
		return "Transient Network Failure"
	case errors.ErrorTypeRateLimit:
		return "Upstream Rate Limit Reached"
	case errors.ErrorTypeExternal:
		return "Upstream Service Error"
	case errors.ErrorTypeUnavailable:
		return "Service Unavailable"
	case errors.ErrorTypeCircuitOpen:
		return "Circuit Rejected Request"
	case errors.ErrorTypeRetriesExhausted:
		return "Retry Budget Exhausted"
	case errors.ErrorTypeFallbackExhausted:
		return "Fallback Exhausted"
	case errors.ErrorTypeInternal:
		return "Internal System Error"
	case errors.ErrorTypeValidation:
		return "Validation Error"
	default:
		return fmt.Sprintf("Error: %s", errors.GetCode(err))
	}
}

func (g *ResilienceAlertGenerator) generateTags(err error) map[string]string {
	typeName := recoveryTypeNames(err)[0]

	tags := map[string]string{
		"error_type": typeName,
	}
	if code := errors.GetCode(err); code != "UNKNOWN_ERROR" {
		tags["error_code"] = code
	}
	if typeName == string(errors.ErrorTypeCircuitOpen) {
		tags["circuit_breaker"] = "true"
	}

	return tags
}

// DegradationWatcher polls the degradation manager and raises an alert
// whenever the overall degradation level changes.
type DegradationWatcher struct {
	alertManager *AlertManager
	degradation  *GracefulDegradationManager
	logger       *logging.Logger

	checkInterval time.Duration
	lastLevel     DegradationLevel
	stopChan      chan struct{}
	running       bool
	mutex         sync.Mutex
}

// NewDegradationWatcher creates a watcher that checks the degradation
// level every interval. A non-positive interval defaults to 30 seconds.
func NewDegradationWatcher(alertManager *AlertManager, degradation *GracefulDegradationManager, interval time.Duration) *DegradationWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DegradationWatcher{
		alertManager:  alertManager,
		degradation:   degradation,
		logger:        logging.GetLogger(),
		checkInterval: interval,
		lastLevel:     LevelNormal,
	}
}

// Start starts the watcher
func (w *DegradationWatcher) Start(ctx context.Context) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.running {
		return
	}

	// A fresh channel per run lets the watcher be restarted after Stop.
	w.stopChan = make(chan struct{})
	w.running = true
	go w.watchLoop(ctx, w.stopChan)
	w.logger.Info("Degradation watcher started", "interval", w.checkInterval)
}

// Stop stops the watcher
func (w *DegradationWatcher) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.running {
		return
	}

	close(w.stopChan)
	w.running = false
	w.logger.Info("Degradation watcher stopped")
}

func (w *DegradationWatcher) watchLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.checkLevel(ctx)
		}
	}
}

func (w *DegradationWatcher) checkLevel(ctx context.Context) {
	level := w.degradation.CurrentLevel()
	if level == w.lastLevel {
		return
	}

	alert := Alert{
		Severity:    degradationLevelSeverity(level),
		Title:       "Degradation Level Changed",
		Description: fmt.Sprintf("Degradation level changed from %s to %s", w.lastLevel, level),
		Source:      "degradation_watcher",
		Tags: map[string]string{
			"previous_level": w.lastLevel.String(),
			"current_level":  level.String(),
		},
		Metadata: map[string]interface{}{
			"capabilities": w.degradation.Capabilities(),
		},
	}
	w.lastLevel = level

	if err := w.alertManager.SendAlert(ctx, alert); err != nil {
		w.logger.Error("Failed to send degradation alert", "error", err)
	}
}

func degradationLevelSeverity(level DegradationLevel) AlertSeverity {
	switch level {
	case LevelCritical:
		return SeverityCritical
	case LevelSevere:
		return SeverityError
	case LevelPartial:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
