package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waghostel/medregagent/pkg/errors"
	"github.com/waghostel/medregagent/pkg/resilience"
)

// APIResponse is the envelope every endpoint answers with
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Meta      *Meta       `json:"meta,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError carries a machine-readable code alongside the human message
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Meta describes how the response was served. Stale is set when the data
// came from the fallback cache during an upstream outage.
type Meta struct {
	Stale     bool      `json:"stale,omitempty"`
	CacheAge  string    `json:"cache_age,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func requestIDFrom(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a 200 with the standard envelope
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// StaleResponse sends a 200 for data served from the fallback cache. The
// Age and X-Served-From headers mirror the envelope metadata for clients
// that only look at headers.
func StaleResponse(c *gin.Context, data interface{}, age time.Duration) {
	c.Header("X-Served-From", "cache")
	c.Header("Age", strconv.Itoa(int(age.Seconds())))

	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
		Meta: &Meta{
			Stale:     true,
			CacheAge:  age.Round(time.Second).String(),
			Timestamp: time.Now(),
		},
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// classifyError maps an error chain to an HTTP status and the envelope
// error. Resilience wrappers are unwrapped to the first AppError so clients
// see the root classification rather than the wrapper.
func classifyError(err error) (int, *APIError) {
	if resilience.IsCircuitOpenError(err) {
		return http.StatusServiceUnavailable, &APIError{
			Code:    "CIRCUIT_OPEN",
			Message: "Upstream service is temporarily unavailable",
		}
	}

	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return http.StatusInternalServerError, &APIError{
			Code:    "UNKNOWN_ERROR",
			Message: "An unknown error occurred",
		}
	}

	var statusCode int
	switch appErr.Type {
	case errors.ErrorTypeValidation:
		statusCode = http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		statusCode = http.StatusNotFound
	case errors.ErrorTypeConflict:
		statusCode = http.StatusConflict
	case errors.ErrorTypeRateLimit:
		statusCode = http.StatusTooManyRequests
	case errors.ErrorTypeTimeout:
		statusCode = http.StatusGatewayTimeout
	case errors.ErrorTypeTransientNetwork,
		errors.ErrorTypeExternal,
		errors.ErrorTypeRetriesExhausted,
		errors.ErrorTypeFallbackExhausted:
		statusCode = http.StatusBadGateway
	case errors.ErrorTypeUnavailable, errors.ErrorTypeCircuitOpen:
		statusCode = http.StatusServiceUnavailable
	default:
		statusCode = http.StatusInternalServerError
	}

	apiError := &APIError{
		Code:    appErr.Code,
		Message: appErr.Message,
	}
	if len(appErr.Details) > 0 {
		apiError.Details = make(map[string]interface{}, len(appErr.Details))
		for k, v := range appErr.Details {
			apiError.Details[k] = v
		}
	}

	return statusCode, apiError
}

// ErrorResponseFromError sends the envelope for a failed request. Rate
// limited responses carry a Retry-After header when the upstream supplied
// a wait hint. Server-side failures are attached to the gin context so the
// error logging middleware records them.
func ErrorResponseFromError(c *gin.Context, err error) {
	statusCode, apiError := classifyError(err)

	if statusCode >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	if statusCode == http.StatusTooManyRequests {
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			if retryAfter, ok := errors.GetRetryAfter(appErr); ok {
				c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			}
		}
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "BAD_REQUEST",
			Message: message,
		},
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "NOT_FOUND",
			Message: message,
		},
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// InternalErrorResponse sends a 500 Internal Server Error response
func InternalErrorResponse(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "INTERNAL_ERROR",
			Message: message,
		},
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// ServiceUnavailableResponse sends a 503 Service Unavailable response
func ServiceUnavailableResponse(c *gin.Context, message string) {
	c.JSON(http.StatusServiceUnavailable, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "SERVICE_UNAVAILABLE",
			Message: message,
		},
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}
