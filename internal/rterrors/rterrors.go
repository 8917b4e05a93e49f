// Package rterrors collapses the realtime protocol's error taxonomy into a
// single type carrying both a program-control Kind and a wire-compatible
// numeric Code, per spec.md §7 and the "collapse to one error taxonomy"
// design note in §9.
package rterrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for program control: what the caller should do
// about it, independent of the numeric wire code that produced it.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuth
	KindBadRequest
	KindRateLimited
	KindForbidden
	KindNotFound
	KindDecode
	KindEncryption
	KindCircuitOpen
	KindDeltaRecoverable
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	case KindRateLimited:
		return "rate_limited"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindDecode:
		return "decode"
	case KindEncryption:
		return "encryption"
	case KindCircuitOpen:
		return "circuit_open"
	case KindDeltaRecoverable:
		return "delta_recoverable"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced across the core. Code is the
// numeric wire error code when one is known (0 otherwise); RetryAfter is set
// for KindRateLimited responses that carried a Retry-After header.
type Error struct {
	Kind       Kind
	Code       int
	Message    string
	Channel    string // channel name, when the error is channel-scoped
	Op         string // operation in progress, e.g. "attach", "publish"
	RetryAfter int    // seconds, only meaningful for KindRateLimited
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op != "" {
		if e.Channel != "" {
			return fmt.Sprintf("%s: %s (channel=%s, code=%d): %s", e.Op, e.Kind, e.Channel, e.Code, msg)
		}
		return fmt.Sprintf("%s: %s (code=%d): %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s (code=%d): %s", e.Kind, e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// do `errors.Is(err, rterrors.New(KindDecode, 0, ""))`-style checks, but more
// conveniently via Kind-specific helpers below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an Error with the given Kind, numeric Code and message.
func New(kind Kind, code int, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an Error wrapping cause.
func Wrap(kind Kind, code int, cause error) *Error {
	return &Error{Kind: kind, Code: code, Cause: cause}
}

// WithOp returns a shallow copy of e with Op set, for call-site context.
func (e *Error) WithOp(op string) *Error {
	cp := *e
	cp.Op = op
	return &cp
}

// WithChannel returns a shallow copy of e with Channel set.
func (e *Error) WithChannel(channel string) *Error {
	cp := *e
	cp.Channel = channel
	return &cp
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindUnknown, false
}

// IsFatal reports whether a Kind represents a terminal failure for the
// scope it occurred in (connection, channel, or message), per spec.md §7.
func (k Kind) IsFatal() bool {
	switch k {
	case KindAuth, KindBadRequest, KindForbidden, KindNotFound, KindEncryption:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the error kind is eligible for transport-level
// retry (reconnect or resend), per spec.md §7.
func (k Kind) IsRetryable() bool {
	switch k {
	case KindNetwork, KindRateLimited, KindInternal:
		return true
	default:
		return false
	}
}

// FromErrorCode classifies a numeric wire error code into a Kind using the
// ranges in spec.md §6.
func FromErrorCode(code int) Kind {
	switch {
	case code == 40018:
		return KindDeltaRecoverable
	case code == 40019 || code == 40020:
		return KindBadRequest
	case code >= 40000 && code <= 40099:
		return KindBadRequest
	case code >= 40100 && code <= 40199:
		return KindAuth
	case code >= 40300 && code <= 40399:
		return KindForbidden
	case code >= 40400 && code <= 40499:
		return KindNotFound
	case code >= 42900 && code <= 42999:
		return KindRateLimited
	case code >= 50000 && code <= 50099:
		return KindInternal
	default:
		return KindUnknown
	}
}

// FromHTTPStatus classifies a REST response status code per spec.md §6.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == 401:
		return KindAuth
	case status == 403:
		return KindForbidden
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindInternal
	default:
		return KindUnknown
	}
}
