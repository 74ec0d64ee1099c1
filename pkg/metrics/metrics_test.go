package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IndependentInstances(t *testing.T) {
	// Private registries keep two instances from colliding on registration
	first := NewMetrics(DefaultConfig())
	second := NewMetrics(DefaultConfig())

	first.RecordRetry("fda_api", "device_lookup")
	first.RecordRetry("fda_api", "device_lookup")

	assert.Equal(t, float64(2), testutil.ToFloat64(first.RetriesTotal.WithLabelValues("fda_api", "device_lookup")))
	assert.Equal(t, float64(0), testutil.ToFloat64(second.RetriesTotal.WithLabelValues("fda_api", "device_lookup")))
}

func TestMetrics_DisabledIsNoOp(t *testing.T) {
	m := NewMetrics(&Config{Enabled: false})

	// Every helper must tolerate the disabled zero value
	m.RecordHTTPRequest("GET", "/api/v1/devices/510k", 200, time.Millisecond)
	m.RecordUpstreamRequest("fda_api", "device_lookup", "success", time.Millisecond)
	m.RecordRetry("fda_api", "device_lookup")
	m.RecordCircuitTransition("fda_api", "CLOSED", "OPEN")
	m.RecordRateLimitDenial("fda_api")
	m.RecordDedup("shared")
	m.RecordFallbackServe("fda_api", "cache")
	m.RecordFallbackExhausted("fda_api")
	m.SetDegradationLevel(1)
	m.RecordRecoveryAttempt("timeout", "recovered")
	m.SetQueueDepth("HIGH", 3)
	m.SetQueueRunning(2)
	m.RecordQueueJob("completed", "NORMAL", time.Second)
	m.UpdateRedisConnections(10, 5, 0)
	m.RecordError("api", "internal")
	m.RecordPanic("queue")

	require.NotNil(t, m.Handler())
}

func TestPrometheusMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(DefaultConfig())

	router := gin.New()
	router.Use(m.PrometheusMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ping", "200")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.HTTPRequestsInFlight.WithLabelValues("GET", "/ping")))
}

func TestRecordCircuitTransition_MovesStateGauge(t *testing.T) {
	m := NewMetrics(DefaultConfig())

	m.RecordCircuitTransition("fda_api", "CLOSED", "OPEN")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CircuitState.WithLabelValues("fda_api")))

	m.RecordCircuitTransition("fda_api", "OPEN", "HALF_OPEN")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CircuitState.WithLabelValues("fda_api")))

	m.RecordCircuitTransition("fda_api", "HALF_OPEN", "CLOSED")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.CircuitState.WithLabelValues("fda_api")))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CircuitTransitionsTotal.WithLabelValues("fda_api", "CLOSED", "OPEN")))
}

func TestMetricsEndpointServesRecordedValues(t *testing.T) {
	m := NewMetrics(DefaultConfig())
	m.RecordUpstreamRequest("fda_api", "recall_search", "success", 120*time.Millisecond)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "medregagent_upstream_requests_total")
}

func TestCollector_RunsSamplers(t *testing.T) {
	m := NewMetrics(DefaultConfig())

	sampled := make(chan struct{}, 1)
	collector := NewCollector(m, 10*time.Millisecond, func(m *Metrics) {
		m.SetQueueRunning(4)
		select {
		case sampled <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go collector.Start(ctx)
	defer collector.Stop()

	select {
	case <-sampled:
	case <-time.After(time.Second):
		t.Fatal("collector never ran its sampler")
	}
	assert.Equal(t, float64(4), testutil.ToFloat64(m.QueueRunning))
}
