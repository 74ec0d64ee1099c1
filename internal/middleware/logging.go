// Package middleware carries the request-scoped plumbing shared by every
// route: correlation and request IDs, structured request logging, and
// panic recovery.
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/waghostel/medregagent/pkg/logging"
)

// LoggingMiddleware tags every request with correlation and request IDs and
// logs completion with the final status code. An inbound X-Request-ID is
// honored so upstream proxies can stitch traces; correlation IDs propagate
// the same way.
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logging.NewCorrelationID()
		}

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		ctx = logging.WithRequestID(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)

		// Handlers and response envelopes read the request ID from here
		c.Set("request_id", requestID)

		c.Header("X-Correlation-ID", correlationID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		duration := time.Since(start)
		logger.LogRequest(
			ctx,
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			duration,
		)
	}
}

// ErrorLoggingMiddleware logs every error a handler attached to the gin
// context, with the request-scoped IDs included.
func ErrorLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.LogError(
				c.Request.Context(),
				err.Err,
				"Request processing error",
				logrus.Fields{
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
					"status": c.Writer.Status(),
				},
			)
		}
	}
}

// RecoveryMiddleware recovers from handler panics, logs them with full
// context, and answers 500 without leaking the panic value.
func RecoveryMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.LogPanic(
			c.Request.Context(),
			recovered,
			"Request panic recovered",
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":          "Internal server error",
			"correlation_id": logging.GetCorrelationID(c.Request.Context()),
		})
	})
}
