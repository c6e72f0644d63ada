package internaldefs

import (
	"github.com/MrEthical07/authgate"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// CounterDefs lists every counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: authgate.MetricLoginSuccess, Name: "authgate_login_success_total", Help: "Successful logins."},
	{ID: authgate.MetricLoginFailure, Name: "authgate_login_failure_total", Help: "Failed logins."},
	{ID: authgate.MetricLoginSuperseded, Name: "authgate_login_superseded_total", Help: "Completed logins discarded because a newer login had already been applied."},
	{ID: authgate.MetricRegisterSuccess, Name: "authgate_register_success_total", Help: "Registrations that produced a session."},
	{ID: authgate.MetricRegisterPending, Name: "authgate_register_pending_total", Help: "Registrations awaiting email verification."},
	{ID: authgate.MetricRegisterFailure, Name: "authgate_register_failure_total", Help: "Failed registrations."},
	{ID: authgate.MetricLogout, Name: "authgate_logout_total", Help: "Logout operations."},
	{ID: authgate.MetricLogoutRemoteFailure, Name: "authgate_logout_remote_failure_total", Help: "Logouts whose remote sign-out failed."},
	{ID: authgate.MetricRefreshSuccess, Name: "authgate_refresh_success_total", Help: "Successful session refreshes."},
	{ID: authgate.MetricRefreshFailure, Name: "authgate_refresh_failure_total", Help: "Session refreshes that failed and cleared the session."},
	{ID: authgate.MetricRefreshDeferred, Name: "authgate_refresh_deferred_total", Help: "Timer refreshes retried later after a connectivity failure."},
	{ID: authgate.MetricSessionRestored, Name: "authgate_session_restored_total", Help: "Sessions restored from persistence."},
	{ID: authgate.MetricSessionCleared, Name: "authgate_session_cleared_total", Help: "Sessions cleared."},
	{ID: authgate.MetricSessionExpired, Name: "authgate_session_expired_total", Help: "Sessions dropped on expiry."},
	{ID: authgate.MetricPrimarySuccess, Name: "authgate_primary_success_total", Help: "Successful primary provider calls."},
	{ID: authgate.MetricPrimaryFailure, Name: "authgate_primary_failure_total", Help: "Primary provider calls that failed on connectivity."},
	{ID: authgate.MetricPrimaryRejected, Name: "authgate_primary_rejected_total", Help: "Primary provider calls refused with a domain error."},
	{ID: authgate.MetricFallbackUsed, Name: "authgate_fallback_used_total", Help: "Calls routed to the fallback API."},
	{ID: authgate.MetricFallbackFailure, Name: "authgate_fallback_failure_total", Help: "Failed fallback API calls."},
	{ID: authgate.MetricBreakerShortCircuit, Name: "authgate_breaker_short_circuit_total", Help: "Calls that skipped the primary because the breaker was open."},
	{ID: authgate.MetricBreakerOpened, Name: "authgate_breaker_opened_total", Help: "Circuit breaker transitions to open."},
	{ID: authgate.MetricThrottleHit, Name: "authgate_throttle_hit_total", Help: "Email actions denied by the per-address throttle."},
	{ID: authgate.MetricPasswordResetRequest, Name: "authgate_password_reset_request_total", Help: "Password reset requests sent."},
	{ID: authgate.MetricPasswordResetConfirm, Name: "authgate_password_reset_confirm_total", Help: "Completed password resets."},
	{ID: authgate.MetricPasswordChangeSuccess, Name: "authgate_password_change_success_total", Help: "Successful password changes."},
	{ID: authgate.MetricPasswordChangeFailure, Name: "authgate_password_change_failure_total", Help: "Failed password changes."},
	{ID: authgate.MetricEmailVerificationSuccess, Name: "authgate_email_verification_success_total", Help: "Successful email verifications."},
	{ID: authgate.MetricEmailVerificationFailure, Name: "authgate_email_verification_failure_total", Help: "Failed email verifications."},
}

// HistogramDefs lists every histogram.
var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricProviderLatency, Name: "authgate_provider_latency_seconds", Help: "Primary provider call latency."},
}

// HistogramBounds are the upper bucket bounds in seconds, matching the engine's
// per-bucket layout.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix spells HistogramBounds for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
