package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a unified error code across the client.
type ErrorCode string

// Generation error codes
const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrForbidden        ErrorCode = "FORBIDDEN"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	ErrCooldown         ErrorCode = "COOLDOWN"
	ErrModelNotFound    ErrorCode = "MODEL_NOT_FOUND"
	ErrContentFiltered  ErrorCode = "CONTENT_FILTERED"
	ErrUpstreamTimeout  ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError    ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
	ErrEmptyResult      ErrorCode = "EMPTY_RESULT"
	ErrPayloadRejected  ErrorCode = "PAYLOAD_REJECTED"
	ErrLeaseUnavailable ErrorCode = "LEASE_UNAVAILABLE"
	ErrBatchFailed      ErrorCode = "BATCH_FAILED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	// Cooldown is the provider-declared wait interval, when one was parsed
	// from the response. Zero means no hint.
	Cooldown time.Duration `json:"cooldown,omitempty"`
	Cause    error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithModel sets the model identifier.
func (e *Error) WithModel(model string) *Error {
	e.Model = model
	return e
}

// WithCooldown attaches a provider-declared wait hint.
func (e *Error) WithCooldown(d time.Duration) *Error {
	e.Cooldown = d
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// CooldownHint extracts the provider-declared cooldown from an error.
// Returns false when the error carries no hint.
func CooldownHint(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Cooldown > 0 {
		return e.Cooldown, true
	}
	return 0, false
}

// AttemptError records a single failed candidate during failover.
type AttemptError struct {
	Model string
	Err   error
}

// AggregateError is returned when every candidate model failed.
// It enumerates each attempted model with its specific error so callers
// never see a single opaque message.
type AggregateError struct {
	Task     string
	Attempts []AttemptError
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "all %d candidate models failed for task %q:", len(e.Attempts), e.Task)
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, "\n  %s: %v", a.Model, a.Err)
	}
	return sb.String()
}

// Unwrap exposes the per-candidate errors so errors.Is / errors.As see
// through the aggregate. The first attempt is the primary candidate, so
// code extraction resolves to its error first.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// QuotaError is terminal for the current run: waiting cannot help. It
// carries partial completion counters so the caller can report progress.
type QuotaError struct {
	Successes int
	Failures  int
	Cause     error
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("[%s] quota exhausted after %d successes and %d rate-limit failures: %v",
		ErrQuotaExceeded, e.Successes, e.Failures, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *QuotaError) Unwrap() error {
	return e.Cause
}

// IsQuotaExhausted reports whether err is a terminal quota error.
func IsQuotaExhausted(err error) bool {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return true
	}
	return IsCode(err, ErrQuotaExceeded)
}
