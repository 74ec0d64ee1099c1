package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeTransientNetwork  ErrorType = "transient_network"
	ErrorTypeRateLimit         ErrorType = "rate_limit"
	ErrorTypeCircuitOpen       ErrorType = "circuit_open"
	ErrorTypeRetriesExhausted  ErrorType = "retries_exhausted"
	ErrorTypeFallbackExhausted ErrorType = "fallback_exhausted"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeUnavailable       ErrorType = "unavailable"
	ErrorTypeInternal          ErrorType = "internal"
	ErrorTypeExternal          ErrorType = "external"
)

// AppError represents an application error with context
type AppError struct {
	Type       ErrorType         `json:"type"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	RequestID  string            `json:"request_id"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Cause      error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// WithRetryAfter attaches an upstream retry-after hint to the error
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	e.RetryAfter = d
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

// NewTransientNetworkError marks a failure as a transient transport-level
// condition that is safe to retry
func NewTransientNetworkError(message string) *AppError {
	return NewAppError(ErrorTypeTransientNetwork, "TRANSIENT_NETWORK_ERROR", message)
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewUnavailableError(service string) *AppError {
	return NewAppError(ErrorTypeUnavailable, "SERVICE_UNAVAILABLE", fmt.Sprintf("%s is unavailable", service)).
		WithDetail("service", service)
}

// Upstream-specific errors
func NewUpstreamError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "UPSTREAM_ERROR", message).
		WithDetail("service", service)
}

func NewUpstreamStatusError(service string, statusCode int) *AppError {
	return NewAppError(ErrorTypeExternal, "UPSTREAM_STATUS_ERROR",
		fmt.Sprintf("%s returned status %d", service, statusCode)).
		WithDetail("service", service).
		WithDetail("status_code", fmt.Sprintf("%d", statusCode))
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsRetryable reports whether an error represents a condition that is safe
// to retry: transient network failures, upstream rate limiting, and
// 5xx-equivalent upstream errors. Everything else is terminal.
func IsRetryable(err error) bool {
	switch GetType(err) {
	case ErrorTypeTransientNetwork, ErrorTypeRateLimit, ErrorTypeExternal:
		return true
	default:
		return false
	}
}

// GetRetryAfter returns the retry-after hint carried by the error, if any
func GetRetryAfter(err error) (time.Duration, bool) {
	if appErr, ok := err.(*AppError); ok && appErr.RetryAfter > 0 {
		return appErr.RetryAfter, true
	}
	return 0, false
}
