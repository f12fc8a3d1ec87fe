// Package errs defines the error taxonomy shared by every component.
// Errors crossing a component boundary are classified by Kind so the
// transport can serialize them for clients and metrics can count them
// without inspecting internals.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for clients and metrics.
type Kind string

const (
	KindUnauthorized     Kind = "unauthorized"
	KindAccessDenied     Kind = "access_denied"
	KindRateLimited      Kind = "rate_limited"
	KindInvalidInput     Kind = "invalid_input"
	KindPayloadTooLarge  Kind = "payload_too_large"
	KindStoreUnavailable Kind = "store_unavailable"
	KindInternal         Kind = "internal"
)

// Error is the one error type surfaced across component boundaries.
// Message is client-safe; the wrapped cause is not and stays internal.
type Error struct {
	Kind    Kind
	Message string

	// Field and Reason are set for invalid_input.
	Field  string
	Reason string

	// ResetTime is set for rate_limited: when the window reopens.
	ResetTime time.Time

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on kind sentinels created with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a bare error of the given kind, usable as an errors.Is target.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Unauthorized means the caller presented no valid identity.
func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// AccessDenied means the caller's identity lacks the required permission.
func AccessDenied(msg string) *Error {
	return &Error{Kind: KindAccessDenied, Message: msg}
}

// RateLimited reports a denied request and when the window reopens.
func RateLimited(resetTime time.Time) *Error {
	return &Error{
		Kind:      KindRateLimited,
		Message:   "rate limit exceeded",
		ResetTime: resetTime,
	}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, reason string) *Error {
	return &Error{
		Kind:    KindInvalidInput,
		Message: fmt.Sprintf("invalid %s: %s", field, reason),
		Field:   field,
		Reason:  reason,
	}
}

// PayloadTooLarge reports a payload exceeding the configured ceiling.
func PayloadTooLarge(size, max int) *Error {
	return &Error{
		Kind:    KindPayloadTooLarge,
		Message: fmt.Sprintf("payload is %d bytes, limit is %d", size, max),
	}
}

// StoreUnavailable wraps a store failure. Callers treat it as retryable.
func StoreUnavailable(cause error) *Error {
	return &Error{
		Kind:    KindStoreUnavailable,
		Message: "store unavailable",
		cause:   cause,
	}
}

// Internal wraps an unexpected failure whose detail must not reach clients.
func Internal(cause error) *Error {
	return &Error{
		Kind:    KindInternal,
		Message: "internal error",
		cause:   cause,
	}
}

// KindOf extracts the Kind from any error, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError extracts the *Error from err, wrapping foreign errors as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
