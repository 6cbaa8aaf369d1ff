package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType classifies failures across the pipeline
type ErrorType string

const (
	// ErrorTypeAuth means credentials are missing or invalid at startup.
	// Fatal, never retried.
	ErrorTypeAuth ErrorType = "auth"

	// ErrorTypeAuthExpired means the remote service rejected a previously
	// valid session (HTTP 401 or a login-required marker in the body).
	// Fatal; re-authentication is outside the pipeline.
	ErrorTypeAuthExpired ErrorType = "auth_expired"

	// ErrorTypeRateLimit covers HTTP 429/403 and throttling bodies.
	// Retried with backoff up to a ceiling.
	ErrorTypeRateLimit ErrorType = "rate_limited"

	// ErrorTypeMalformed means the response parsed as JSON but lacked the
	// expected structure. Not retried; retrying a parse failure rarely helps.
	ErrorTypeMalformed ErrorType = "malformed"

	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Error is a typed pipeline error carrying the HTTP status code when one
// was involved (0 otherwise).
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
}

// New creates a typed error.
func New(t ErrorType, message string, code int) *Error {
	return &Error{Type: t, Message: message, Code: code}
}

// Newf creates a typed error with a formatted message and no status code.
func Newf(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// TypeOf returns the ErrorType of err, unwrapping as needed.
// Plain errors report ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// Is reports whether err is a typed error of type t.
func Is(err error, t ErrorType) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Type == t
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	case ErrorTypeAuth, ErrorTypeAuthExpired, ErrorTypeMalformed, ErrorTypeNotFound:
		return false
	default:
		return false
	}
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // Network error
		return true
	case 403, 429: // Throttled
		return true
	case 500, 502, 503, 504:
		return true
	case 401, 404: // Won't change on retry
		return false
	default:
		return statusCode >= 500
	}
}
