package authgate

import "github.com/MrEthical07/authgate/autherr"

// Error is the normalized error returned by every Engine operation.
type Error = autherr.Error

// ErrorCode identifies an Error class.
type ErrorCode = autherr.Code

// Error codes. The set is closed.
const (
	CodeInvalidCredentials    = autherr.CodeInvalidCredentials
	CodeUserAlreadyRegistered = autherr.CodeUserAlreadyRegistered
	CodeUserNotFound          = autherr.CodeUserNotFound
	CodeProviderUnavailable   = autherr.CodeProviderUnavailable
	CodeFallbackExhausted     = autherr.CodeFallbackExhausted
	CodeSessionExpired        = autherr.CodeSessionExpired
	CodeUnauthenticated       = autherr.CodeUnauthenticated
	CodeValidation            = autherr.CodeValidation
	CodeProviderRejected      = autherr.CodeProviderRejected
	CodeRateLimited           = autherr.CodeRateLimited
	CodeLoginInProgress       = autherr.CodeLoginInProgress
	CodeNotReady              = autherr.CodeNotReady
)

// Sentinels for errors.Is. Matching is by code, so an Error carrying a
// cause and an Op still matches its sentinel.
var (
	// ErrInvalidCredentials is returned when the provider rejects the email/password pair.
	ErrInvalidCredentials = autherr.ErrInvalidCredentials
	// ErrUserAlreadyRegistered is returned by Register for a taken address.
	ErrUserAlreadyRegistered = autherr.ErrUserAlreadyRegistered
	// ErrUserNotFound is an exported constant or variable used by the authentication engine.
	ErrUserNotFound = autherr.ErrUserNotFound
	// ErrProviderUnavailable means the primary could not be reached and no
	// fallback served the call.
	ErrProviderUnavailable = autherr.ErrProviderUnavailable
	// ErrFallbackExhausted means the primary and the fallback both failed on
	// connectivity grounds.
	ErrFallbackExhausted = autherr.ErrFallbackExhausted
	// ErrSessionExpired is returned when the refresh token is no longer accepted.
	ErrSessionExpired = autherr.ErrSessionExpired
	// ErrUnauthenticated is returned by session-bound operations without a valid session.
	ErrUnauthenticated = autherr.ErrUnauthenticated
	// ErrValidation is returned for malformed input, before any I/O.
	ErrValidation = autherr.ErrValidation
	// ErrProviderRejected covers any other refusal by the provider.
	ErrProviderRejected = autherr.ErrProviderRejected
	// ErrRateLimited is an exported constant or variable used by the authentication engine.
	ErrRateLimited = autherr.ErrRateLimited
	// ErrLoginInProgress is only returned under LoginRejectConcurrent.
	ErrLoginInProgress = autherr.ErrLoginInProgress
	// ErrEngineNotReady is returned when a method is called on a nil or
	// unbuilt Engine.
	ErrEngineNotReady = autherr.ErrNotReady
)

// CodeOf returns err's code, or "" for nil.
func CodeOf(err error) ErrorCode {
	return autherr.CodeOf(err)
}
