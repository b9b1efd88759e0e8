// Package apperr defines the error taxonomy used at layer boundaries.
// Every externally visible failure carries a stable kind string suitable for
// programmatic branching, and maps to exactly one HTTP status code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error classification string.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not-found"
	KindConflict    Kind = "conflict"
	KindRateLimited Kind = "rate-limited"
	KindQuota       Kind = "quota"
	KindDispatch    Kind = "dispatch"
	KindDependency  Kind = "dependency"
	KindInternal    Kind = "internal"
)

// HTTPStatus maps a kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindQuota:
		return http.StatusPaymentRequired
	case KindDispatch, KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Origin identifies the downstream system an error came from. Origins are
// logged but never leaked verbatim to clients.
type Origin string

const (
	OriginDB          Origin = "db"
	OriginCache       Origin = "cache"
	OriginBroker      Origin = "broker"
	OriginObjectStore Origin = "object-store"
)

// Error is the boundary error type. Message is client-safe; Err holds the
// full cause for logs.
type Error struct {
	Kind    Kind
	Origin  Origin
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a client-safe error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a client-safe error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewOrigin creates a client-safe error recording which system produced it.
func NewOrigin(kind Kind, origin Origin, message string) *Error {
	return &Error{Kind: kind, Origin: origin, Message: message}
}

// Wrap attaches a kind and client-safe message to a downstream error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WrapOrigin wraps a downstream error recording which system produced it.
func WrapOrigin(kind Kind, origin Origin, message string, err error) *Error {
	return &Error{Kind: kind, Origin: origin, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// MessageOf returns the client-safe message for an error chain. Unknown
// errors collapse to a generic body so internals never leak.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal server error"
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
