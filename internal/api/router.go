package api

import (
	"github.com/gin-gonic/gin"

	"github.com/waghostel/medregagent/internal/middleware"
	"github.com/waghostel/medregagent/internal/queue"
	"github.com/waghostel/medregagent/internal/regulatory"
	"github.com/waghostel/medregagent/pkg/config"
	"github.com/waghostel/medregagent/pkg/health"
	"github.com/waghostel/medregagent/pkg/logging"
	"github.com/waghostel/medregagent/pkg/metrics"
	"github.com/waghostel/medregagent/pkg/resilience"
	"github.com/waghostel/medregagent/pkg/security"
	"github.com/waghostel/medregagent/pkg/tracing"
)

// NewRouter creates and configures the API router
func NewRouter(
	cfg *config.Config,
	logger *logging.Logger,
	manager *resilience.ResilienceManager,
	client *regulatory.Client,
	q *queue.RequestQueue,
	healthSvc *health.Service,
	m *metrics.Metrics,
	tracer *tracing.TracingService,
) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.ErrorLoggingMiddleware(logger))
	router.Use(security.Middleware(security.DefaultConfig())...)
	// Recovery sits after the timeout middleware so its deferred handler
	// runs in the goroutine that executes route handlers
	router.Use(middleware.RecoveryMiddleware(logger))
	if tracer != nil {
		router.Use(tracer.TracingMiddleware())
	}
	router.Use(m.PrometheusMiddleware())

	// Health and metrics endpoints sit outside the API group
	router.GET("/health", healthSvc.Handler())
	router.GET("/health/live", healthSvc.LivenessHandler())
	router.GET("/health/ready", healthSvc.ReadinessHandler())
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// API version info
	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, map[string]interface{}{
			"name":    "medregagent API",
			"version": "1.0.0",
			"status":  "ok",
		})
	})

	deviceHandler := NewDeviceHandler(client, q)
	statsHandler := NewStatsHandler(manager, q)

	v1 := router.Group("/api/v1")
	{
		resilienceGroup := v1.Group("/resilience")
		{
			resilienceGroup.GET("/stats", statsHandler.GetStats)
		}

		devices := v1.Group("/devices")
		{
			devices.GET("/510k", deviceHandler.Search510K)
			devices.GET("/510k/:k_number", deviceHandler.Lookup510K)
			devices.GET("/classification", deviceHandler.SearchClassifications)
			devices.GET("/recalls", deviceHandler.SearchRecalls)
			devices.GET("/events", deviceHandler.SearchAdverseEvents)
			devices.POST("/bulk", deviceHandler.BulkSearch)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
