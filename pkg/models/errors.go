package models

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can tell backpressure apart from
// business errors.
type Kind string

const (
	KindInvalidRequest     Kind = "INVALID_REQUEST"
	KindRateLimitExceeded  Kind = "RATE_LIMIT_EXCEEDED"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindUpstreamFailure    Kind = "UPSTREAM_FAILURE"
	KindPolicyNotFound     Kind = "POLICY_NOT_FOUND"
	KindSessionNotFound    Kind = "SESSION_NOT_FOUND"
	KindNotFound           Kind = "NOT_FOUND"
	KindInternal           Kind = "INTERNAL"
)

var kindText = map[Kind]string{
	KindInvalidRequest:     "invalid request",
	KindRateLimitExceeded:  "rate limit exceeded",
	KindServiceUnavailable: "service unavailable",
	KindUpstreamFailure:    "upstream failure",
	KindPolicyNotFound:     "policy not found",
	KindSessionNotFound:    "session not found",
	KindNotFound:           "not found",
	KindInternal:           "internal error",
}

var (
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrRateLimitExceeded  = &Error{Kind: KindRateLimitExceeded}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrUpstreamFailure    = &Error{Kind: KindUpstreamFailure}
	ErrPolicyNotFound     = &Error{Kind: KindPolicyNotFound}
	ErrSessionNotFound    = &Error{Kind: KindSessionNotFound}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// Retryable reports backpressure and transient upstream kinds. A caller
// may repeat the same request once it has backed off.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimitExceeded, KindServiceUnavailable, KindUpstreamFailure:
		return true
	}
	return false
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
	// wire marks errors rebuilt from a response envelope whose Msg already
	// carries the kind prefix.
	wire bool
}

func (e *Error) Error() string {
	prefix := kindText[e.Kind]
	if prefix == "" {
		prefix = string(e.Kind)
	}
	msg := e.Msg
	if e.wire && msg != "" {
		return msg
	}
	switch {
	case msg != "" && e.Err != nil:
		return prefix + ": " + msg + ": " + e.Err.Error()
	case msg != "":
		return prefix + ": " + msg
	case e.Err != nil:
		return prefix + ": " + e.Err.Error()
	default:
		return prefix
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrPolicyNotFound)
// works for wrapped and rebuilt errors alike.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err. Deadline and cancellation errors count as
// upstream failures; anything untyped is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUpstreamFailure
	}
	return KindInternal
}
