// Package autherr defines the closed error taxonomy shared by every authgate
// component.
//
// # Architecture boundaries
//
// Vendor and transport errors are converted into [*Error] at the edges
// (provider.Normalize for the primary provider, internal/fallback for the
// HTTP fallback). Everything above those edges only ever sees an [*Error].
//
// # What this package must NOT do
//
//   - Import any other authgate package (it is the leaf of the import graph).
//   - Carry vendor payloads; Err holds the original cause for logging only.
package autherr

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Code identifies an error class. The set is closed.
type Code string

const (
	CodeInvalidCredentials    Code = "invalid_credentials"
	CodeUserAlreadyRegistered Code = "user_already_registered"
	CodeUserNotFound          Code = "user_not_found"
	CodeProviderUnavailable   Code = "provider_unavailable"
	CodeFallbackExhausted     Code = "fallback_exhausted"
	CodeSessionExpired        Code = "session_expired"
	CodeUnauthenticated       Code = "unauthenticated"
	CodeValidation            Code = "validation_error"
	CodeProviderRejected      Code = "provider_rejected"
	CodeRateLimited           Code = "rate_limited"
	CodeLoginInProgress       Code = "login_in_progress"
	CodeNotReady              Code = "not_ready"
)

// Error is the single normalized error shape surfaced to callers.
type Error struct {
	Code    Code
	Message string
	// Status is the HTTP-like status reported by the dependency, zero when
	// the error originated locally.
	Status int
	// Op names the façade operation that failed, e.g. "login".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Code))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error carrying the same Code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrInvalidCredentials    = &Error{Code: CodeInvalidCredentials, Message: "invalid credentials"}
	ErrUserAlreadyRegistered = &Error{Code: CodeUserAlreadyRegistered, Message: "user already registered"}
	ErrUserNotFound          = &Error{Code: CodeUserNotFound, Message: "user not found"}
	ErrProviderUnavailable   = &Error{Code: CodeProviderUnavailable, Message: "identity provider unavailable"}
	ErrFallbackExhausted     = &Error{Code: CodeFallbackExhausted, Message: "primary and fallback both failed"}
	ErrSessionExpired        = &Error{Code: CodeSessionExpired, Message: "session expired"}
	ErrUnauthenticated       = &Error{Code: CodeUnauthenticated, Message: "no active session"}
	ErrValidation            = &Error{Code: CodeValidation, Message: "invalid input"}
	ErrProviderRejected      = &Error{Code: CodeProviderRejected, Message: "request rejected by identity provider"}
	ErrRateLimited           = &Error{Code: CodeRateLimited, Message: "rate limited"}
	ErrLoginInProgress       = &Error{Code: CodeLoginInProgress, Message: "another login is in progress"}
	ErrNotReady              = &Error{Code: CodeNotReady, Message: "engine not initialized"}
)

// New builds an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error with the given code around cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// WithOp returns err annotated with op. A non-*Error err is classified first.
// Nil stays nil.
func WithOp(op string, err error) error {
	if err == nil {
		return nil
	}
	e := From(err)
	if e.Op == op {
		return e
	}
	out := *e
	out.Op = op
	return &out
}

// From converts any error into an *Error. Existing *Error values (also when
// wrapped) are returned as-is; deadline and network errors become
// ProviderUnavailable; anything else becomes ProviderRejected.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e
	}
	if isTransport(err) {
		return Wrap(CodeProviderUnavailable, ErrProviderUnavailable.Message, err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(CodeProviderRejected, "request canceled", err)
	}
	return Wrap(CodeProviderRejected, ErrProviderRejected.Message, err)
}

// CodeOf returns the error's Code, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// IsConnectivity reports whether err is an availability failure that should
// count against the circuit breaker and be retried through the fallback.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code == CodeProviderUnavailable
	}
	return isTransport(err)
}

// IsCanceled reports whether the caller gave up on the request.
func IsCanceled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsAuthFailure reports whether err means the current credentials or tokens
// are no longer accepted.
func IsAuthFailure(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidCredentials, CodeUnauthenticated, CodeSessionExpired:
		return true
	}
	return false
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
