package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a failed attempt.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindRateLimited
	KindNotFound
	KindUnavailable
	KindParse
	// KindCircuitOpen is never produced by a Provider; the orchestrator uses it
	// for attempts the breaker rejected.
	KindCircuitOpen
	// KindCanceled marks attempts cut short by the caller's own context.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindParse:
		return "parse_error"
	case KindCircuitOpen:
		return "circuit_open"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// MarshalText renders the kind by name in JSON and logs.
func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Transient reports whether a retry could plausibly succeed.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindUnavailable:
		return true
	}
	return false
}

// Error is the failure type every provider returns.
type Error struct {
	Provider ID
	Kind     ErrorKind
	Status   int // upstream HTTP status when known
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool { return e.Kind.Transient() }

// Errorf builds an *Error with a formatted cause.
func Errorf(id ID, kind ErrorKind, format string, args ...any) *Error {
	return &Error{Provider: id, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// FromStatus maps a non-2xx upstream status to an *Error.
func FromStatus(id ID, status int) *Error {
	kind := KindUnavailable
	switch status {
	case http.StatusNotFound, http.StatusGone:
		kind = KindNotFound
	case http.StatusTooManyRequests:
		kind = KindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = KindTimeout
	}
	return &Error{Provider: id, Kind: kind, Status: status}
}

// Classify turns any error into an *Error. Existing *Error values pass through
// unchanged; deadline and network timeouts become KindTimeout, cancellation
// becomes KindCanceled, everything else KindUnavailable.
func Classify(id ID, err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: id, Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Provider: id, Kind: KindCanceled, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Provider: id, Kind: KindTimeout, Err: err}
	}
	return &Error{Provider: id, Kind: KindUnavailable, Err: err}
}

// KindOf returns the ErrorKind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnknown
}

// IsTransient is the retry predicate used by the engine.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}
