package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies gateway errors into the closed taxonomy surfaced to clients.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindBudgetExhausted   Kind = "budget_exhausted"
	KindTransferLimit     Kind = "transfer_limit"
	KindRateLimited       Kind = "rate_limited"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindUpstreamProtocol  Kind = "upstream_protocol"
	KindInvalidRequest    Kind = "invalid_request"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// StatusClientClosedRequest is the nginx-convention status for a client
// that disconnected before the response completed.
const StatusClientClosedRequest = 499

// HTTPStatus maps an error kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindBudgetExhausted, KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransferLimit, KindInvalidRequest:
		return http.StatusBadRequest
	case KindUpstreamTransient, KindUpstreamPermanent, KindUpstreamProtocol:
		return http.StatusBadGateway
	case KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the kind permits failover to another provider.
func (k Kind) Retryable() bool {
	return k == KindUpstreamTransient || k == KindUpstreamProtocol
}

// Error is a typed gateway error carrying a taxonomy kind and optional
// structured details. Handlers map it to the JSON envelope exactly once,
// at the edge.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	wrapped error
}

// E constructs an Error with the given kind and message.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef constructs an Error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that wraps cause, preserving it for errors.Is/As.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: cause}
}

// With attaches a structured detail and returns the same error.
func (e *Error) With(key string, val any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[key] = val
	return e
}

// Error returns the message prefixed with the kind.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.wrapped }

// Is matches two *Error values by kind, so sentinel-style comparisons like
// errors.Is(err, gateway.E(KindBudgetExhausted, "")) work on kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Is reports whether err carries the given kind. Untyped errors classify
// as KindInternal.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// KindOf extracts the taxonomy kind from err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ErrBudgetExhausted builds the budget-exhausted error with the shortfall and
// available details required by the error contract.
func ErrBudgetExhausted(shortfall, available Credits) *Error {
	return E(KindBudgetExhausted, "wallet cannot cover reservation").
		With("shortfall", shortfall).
		With("available", available)
}
