package authgate

import (
	"context"
	"time"

	"github.com/MrEthical07/authgate/autherr"
)

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventRegisterSuccess      = "register_success"
	auditEventRegisterPending      = "register_pending"
	auditEventRegisterFailure      = "register_failure"
	auditEventLogout               = "logout"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshFailure       = "refresh_failure"
	auditEventSessionInitialized   = "session_initialized"
	auditEventProfileUpdate        = "profile_update"
	auditEventEmailChangeRequest   = "email_change_request"
	auditEventPasswordResetRequest = "password_reset_request"
	auditEventPasswordResetConfirm = "password_reset_confirm"
	auditEventPasswordChange       = "password_change"
	auditEventEmailVerification    = "email_verification_confirm"
	auditEventVerificationResend   = "email_verification_resend"
	auditEventThrottleTriggered    = "throttle_triggered"
	auditEventBreakerTransition    = "breaker_transition"
)

// auditFields are the identity and routing attributes of one event.
type auditFields struct {
	UserID   string
	Email    string
	Strategy Strategy
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	fields auditFields,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    fields.UserID,
		Email:     fields.Email,
		RequestID: requestIDFromContext(ctx),
		Strategy:  string(fields.Strategy),
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		ae := autherr.From(err)
		event.Code = string(ae.Code)
		event.Error = ae.Message
	}

	e.audit.Emit(context.WithoutCancel(ctx), event)
}

func (e *Engine) emitThrottle(ctx context.Context, action, email string) {
	e.metricInc(MetricThrottleHit)
	e.emitAudit(ctx, auditEventThrottleTriggered, false, auditFields{Email: email}, autherr.ErrRateLimited, func() map[string]string {
		return map[string]string{"action": action}
	})
}
