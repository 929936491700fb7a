package plexus

import (
	"errors"
	"fmt"
)

// Wire error codes surfaced in the error envelope.
const (
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeUnauthenticated         = "UNAUTHENTICATED"
	CodeForbidden               = "FORBIDDEN"
	CodeTaskNotFound            = "TASK_NOT_FOUND"
	CodeInvalidTaskState        = "INVALID_TASK_STATE"
	CodeIdempotencyConflict     = "IDEMPOTENCY_CONFLICT"
	CodeCapabilityNotSupported  = "CAPABILITY_NOT_SUPPORTED"
	CodeRateLimited             = "RATE_LIMITED"
	CodeInternalError           = "INTERNAL_ERROR"
)

// Error is a typed gateway error carrying the wire code and optional details.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

// Error returns "CODE: message".
func (e *Error) Error() string { return e.Code + ": " + e.Message }

// NewError builds a typed error.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a details map and returns the error.
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// Sentinel errors for the routing and dispatch domain.
var (
	ErrModelNotFound          = errors.New("model not found")
	ErrProviderDisabled       = errors.New("provider disabled")
	ErrNoHealthyTarget        = errors.New("no healthy target")
	ErrSelectorNotImplemented = errors.New("selector not implemented")
	ErrOAuthExpired           = errors.New("oauth credential expired")
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrRateLimited            = errors.New("rate limited")
)

// UpstreamError is a non-2xx reply from an upstream provider. It satisfies
// the httpStatusError interface used by failure classification.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }

// AllAccountsCoolingError is raised when every OAuth account in a provider's
// pool is cooling down. RemainingSec maps account IDs to seconds left.
type AllAccountsCoolingError struct {
	Provider     string
	RemainingSec map[string]int
}

// Error lists every cooling account with its remaining seconds.
func (e *AllAccountsCoolingError) Error() string {
	msg := "all oauth accounts cooling for provider " + e.Provider + ":"
	for id, sec := range e.RemainingSec {
		msg += fmt.Sprintf(" %s (%ds)", id, sec)
	}
	return msg
}
