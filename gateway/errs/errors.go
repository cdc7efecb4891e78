// Package errs defines the gateway error taxonomy. Classification is
// centralized here so the orchestrator retry policy and the API layer agree
// on what is retryable and what is surfaced to callers.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the coarse classification of a gateway error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindTransient
	KindProviderDegraded
	KindFatal
	KindCancelled
	KindTimedOut
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindProviderDegraded:
		return "provider_degraded"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	case KindTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindUnknown
}

// Sentinel errors for common conditions.
var (
	ErrTaskNotFound      = New(KindNotFound, "task not found")
	ErrClaimNotHeld      = New(KindNotFound, "claim not held by this instance")
	ErrTerminalState     = New(KindValidation, "task is in a terminal state")
	ErrInvalidKey        = New(KindAuthorization, "invalid or disabled virtual key")
	ErrInsufficientFunds = New(KindAuthorization, "insufficient balance")
	ErrMissingReason     = New(KindValidation, "refund reason is required")
	ErrContentBlocked    = New(KindFatal, "content policy block")
	ErrNoProvider        = New(KindProviderDegraded, "no healthy provider available")
)

// Error carries a Kind alongside the message so callers can classify without
// string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Classify returns the Kind of err. Unclassified errors default to
// KindUnknown, which the retry policy treats as retryable.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimedOut
	}
	// Network failures, timeouts included, are transient infrastructure
	// conditions and stay retryable. Only the task-level deadline
	// (context.DeadlineExceeded, checked above) classifies as a timeout.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// Sanitize strips newlines from an error message before it crosses the API
// boundary. Internal kind names never leak to callers.
func Sanitize(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	return strings.TrimSpace(msg)
}
