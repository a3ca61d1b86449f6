// Copyright 2025 James Ross
package gatewayerr

import "fmt"

// Code is a stable error code from the taxonomy in spec §7. Stability
// matters more than Go idiom here: clients match on the string, not on a
// Go type.
type Code string

const (
	InvalidAPIKey      Code = "INVALID_API_KEY"
	Forbidden          Code = "FORBIDDEN"
	RouteNotFound      Code = "ROUTE_NOT_FOUND"
	HandlerNotFound    Code = "HANDLER_NOT_FOUND"
	RateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CircuitBreakerOpen Code = "CIRCUIT_BREAKER_OPEN"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	Timeout            Code = "TIMEOUT"
	PlatformError      Code = "PLATFORM_ERROR"
	InternalError      Code = "INTERNAL_ERROR"

	InputValidation    Code = "INPUT_VALIDATION"
	Transformation     Code = "TRANSFORMATION"
	Normalization      Code = "NORMALIZATION"
	DuplicateDetection Code = "DUPLICATE_DETECTION"
	Merging            Code = "MERGING"
	OutputValidation   Code = "OUTPUT_VALIDATION"
)

// httpStatus maps each taxonomy code to its stable HTTP status (spec §7).
var httpStatus = map[Code]int{
	InvalidAPIKey:      401,
	Forbidden:          403,
	RouteNotFound:      404,
	HandlerNotFound:    500,
	RateLimitExceeded:  429,
	CircuitBreakerOpen: 503,
	ServiceUnavailable: 503,
	Timeout:            408,
	InternalError:      500,
}

// Error is the gateway's one error shape; every non-taxonomy error is
// wrapped into one of these before it leaves the gateway (spec §7
// Propagation).
type Error struct {
	Code       Code
	Message    string
	StatusCode int
	RequestID  string
	RetryAfter float64 // seconds; 0 means unset
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error with the status implied by code, unless
// status is overridden (used for PLATFORM_ERROR passthrough, which carries
// whatever status the downstream returned).
func New(code Code, message string, status int) *Error {
	if status == 0 {
		status = httpStatus[code]
	}
	if status == 0 {
		status = 500
	}
	return &Error{Code: code, Message: message, StatusCode: status}
}

// Wrap converts an arbitrary error into the taxonomy, defaulting to
// INTERNAL_ERROR when the error isn't already one of ours.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
		return e
	}
	return &Error{Code: InternalError, Message: err.Error(), StatusCode: 500, Cause: err}
}
