// Package errors provides the structured error taxonomy shared across the
// orchestrator: a single AppError type that most components return instead
// of ad-hoc error strings, so the ingress HTTP layer and the serializer retry
// loop can make decisions from err.Type alone. pkg/store's ErrNotFound
// sentinel and pkg/policy's wrapped errors are plain errors, not AppErrors.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError for HTTP status mapping, retry policy,
// and safe-message selection.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeInternal   ErrorType = "internal"

	// Domain-specific kinds from the orchestrator's error taxonomy.
	ErrorTypeMalformedEvent       ErrorType = "malformed_event"
	ErrorTypeUnknownEventType     ErrorType = "unknown_event_type"
	ErrorTypeBackpressure         ErrorType = "backpressure"
	ErrorTypeStaleVersion         ErrorType = "stale_version"
	ErrorTypeDuplicateEvent       ErrorType = "duplicate_event"
	ErrorTypeDuplicateDecision    ErrorType = "duplicate_decision"
	ErrorTypeRiskTransient        ErrorType = "risk_transient"
	ErrorTypeRiskPermanent        ErrorType = "risk_permanent"
	ErrorTypeStoreUnavailable     ErrorType = "store_unavailable"
	ErrorTypeInvariantViolation   ErrorType = "invariant_violation"
	ErrorTypeInvalidOverrideTarget ErrorType = "invalid_override_target"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:            http.StatusBadRequest,
	ErrorTypeAuth:                  http.StatusUnauthorized,
	ErrorTypeNotFound:              http.StatusNotFound,
	ErrorTypeConflict:              http.StatusConflict,
	ErrorTypeTimeout:               http.StatusRequestTimeout,
	ErrorTypeRateLimit:             http.StatusTooManyRequests,
	ErrorTypeDatabase:              http.StatusInternalServerError,
	ErrorTypeNetwork:               http.StatusInternalServerError,
	ErrorTypeInternal:              http.StatusInternalServerError,
	ErrorTypeMalformedEvent:        http.StatusBadRequest,
	ErrorTypeUnknownEventType:      http.StatusBadRequest,
	ErrorTypeBackpressure:          http.StatusTooManyRequests,
	ErrorTypeStaleVersion:          http.StatusConflict,
	ErrorTypeDuplicateEvent:        http.StatusOK,
	ErrorTypeDuplicateDecision:     http.StatusOK,
	ErrorTypeRiskTransient:         http.StatusServiceUnavailable,
	ErrorTypeRiskPermanent:         http.StatusBadGateway,
	ErrorTypeStoreUnavailable:      http.StatusServiceUnavailable,
	ErrorTypeInvariantViolation:    http.StatusInternalServerError,
	ErrorTypeInvalidOverrideTarget: http.StatusConflict,
}

// ErrorMessages holds the generic, safe-to-expose messages for error types
// whose real Message may contain internal detail.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "the requested resource was not found",
	AuthenticationFailed:   "authentication failed",
	OperationTimeout:       "the operation timed out",
	RateLimitExceeded:      "rate limit exceeded",
	ConcurrentModification: "the resource was concurrently modified",
}

// AppError is the structured error type returned by most orchestrator
// components. Callers should type-switch via IsType/GetType rather than
// inspect Message, which may carry internal detail.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

// New creates an AppError of the given type with its status code resolved.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusFor(t),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError of the given type that chains to cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf creates a Wrap with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails attaches extra non-safe detail to the error, in place.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted detail, in place.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

func statusFor(t ErrorType) int {
	if code, ok := statusByType[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Predefined constructors, mirroring common call sites.

func NewValidationError(message string) *AppError { return New(ErrorTypeValidation, message) }

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewNotFoundError(resource string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", resource)
}

func NewAuthError(message string) *AppError { return New(ErrorTypeAuth, message) }

func NewTimeoutError(operation string) *AppError {
	return Newf(ErrorTypeTimeout, "operation timed out: %s", operation)
}

func NewConflictError(message string) *AppError { return New(ErrorTypeConflict, message) }

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Type == t
}

// GetType returns err's type, or ErrorTypeInternal for non-AppError values.
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status for err, defaulting to 500.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// SafeErrorMessage returns a message safe to show to an external caller.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict, ErrorTypeStaleVersion:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}

// LogFields renders err as a structured field map for a logger.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain combines zero or more errors (nils filtered) into one error whose
// message concatenates each non-nil error with " -> ".
func Chain(errs ...error) error {
	var present []error
	for _, e := range errs {
		if e != nil {
			present = append(present, e)
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	default:
		msg := present[0].Error()
		for _, e := range present[1:] {
			msg += " -> " + e.Error()
		}
		return New(ErrorTypeInternal, msg)
	}
}

// IsRetriable reports whether an error's type represents a transient
// condition the serializer should retry rather than fail the handler.
func IsRetriable(err error) bool {
	switch GetType(err) {
	case ErrorTypeStoreUnavailable, ErrorTypeRiskTransient, ErrorTypeStaleVersion, ErrorTypeTimeout, ErrorTypeNetwork:
		return true
	default:
		return false
	}
}
