package autherr

import (
	"net/http"
	"strings"
)

// FromStatus classifies a dependency-reported failure. The same table serves
// the primary provider and the HTTP fallback so both yield identical codes.
func FromStatus(status int, code, message string) *Error {
	if message == "" {
		message = strings.ReplaceAll(code, "_", " ")
	}
	e := &Error{Status: status, Message: message}

	switch normalizeCode(code) {
	case "invalid_credentials", "invalid_grant", "invalid_login_credentials":
		e.Code = CodeInvalidCredentials
		return e
	case "user_already_exists", "user_already_registered", "email_exists", "identity_already_exists":
		e.Code = CodeUserAlreadyRegistered
		return e
	case "user_not_found":
		e.Code = CodeUserNotFound
		return e
	case "session_expired", "refresh_token_expired", "refresh_token_not_found", "refresh_token_already_used":
		e.Code = CodeSessionExpired
		return e
	case "session_not_found", "no_authorization", "bad_jwt", "unauthenticated":
		e.Code = CodeUnauthenticated
		return e
	case "over_request_rate_limit", "over_email_send_rate_limit", "rate_limited":
		e.Code = CodeRateLimited
		return e
	case "validation_failed", "validation_error":
		e.Code = CodeValidation
		return e
	case "request_timeout", "service_unavailable", "unexpected_failure":
		e.Code = CodeProviderUnavailable
		return e
	}

	switch {
	case status == 0 && code == "",
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		e.Code = CodeProviderUnavailable
	case status == http.StatusTooManyRequests:
		e.Code = CodeRateLimited
	case status == http.StatusUnauthorized:
		e.Code = CodeUnauthenticated
	case status == http.StatusNotFound:
		e.Code = CodeUserNotFound
	case status == http.StatusConflict:
		e.Code = CodeUserAlreadyRegistered
	case status == http.StatusUnprocessableEntity:
		e.Code = CodeValidation
	case strings.Contains(strings.ToLower(message), "invalid login credentials"):
		e.Code = CodeInvalidCredentials
	default:
		e.Code = CodeProviderRejected
	}
	return e
}

func normalizeCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "_")
}
