// Package berrors defines the error kinds used across the control plane and
// their mapping to HTTP status codes, following the propagation policy in
// the error handling design: validation and conflict errors flow back to
// the caller unmodified, transient store contention is retried internally
// and never surfaced, and internal errors are always reported with a
// generic "internal error: " prefix while the detail is logged.
package berrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping and retry behavior.
type Kind int

const (
	// Internal is an unexpected failure; its detail is returned in the
	// "internal error: <detail>" message and logged by the API layer.
	Internal Kind = iota
	Validation
	Authentication
	Authorization
	NotFound
	Conflict
	// Transient is retried internally (e.g. database locked) and must
	// never be returned directly to a caller.
	Transient
)

// Error is a kinded error carrying a public message safe to return to a
// client and the wrapped cause for logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Kind == Internal {
		return fmt.Sprintf("internal error: %v", e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode maps a Kind to the HTTP status code mandated by the
// status-code mapping discipline.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case Validation:
		return http.StatusBadRequest
	case Authentication:
		return http.StatusUnauthorized
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Internalf wraps cause as an Internal error whose detail is logged by the
// caller and whose client-visible message is always "internal error: ...".
func Internalf(cause error) *Error {
	return &Error{Kind: Internal, Cause: cause}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: Conflict, Message: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...any) *Error {
	return &Error{Kind: Authorization, Message: fmt.Sprintf(format, args...)}
}

func Unauthorizedf(format string, args ...any) *Error {
	return &Error{Kind: Authentication, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, defaulting
// to Internal otherwise.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return Internal
}

// IsTransient reports whether err represents retryable store contention.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}
