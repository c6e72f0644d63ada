package authgate

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/internal/fallback"
	"github.com/MrEthical07/authgate/internal/rate"
	"github.com/MrEthical07/authgate/provider"
	"github.com/MrEthical07/authgate/session"
)

const (
	throttleActionPasswordReset = "password_reset"
	throttleActionResend        = "verification_resend"
)

// admit consumes one throttled action for email. A failing throttle backend
// admits the action.
func (e *Engine) admit(ctx context.Context, action, email string) bool {
	if e.throttle == nil {
		return true
	}
	err := e.throttle.Check(ctx, action, rate.NormalizeKey(email))
	switch {
	case err == nil:
		return true
	case errors.Is(err, rate.ErrRateLimited):
		e.emitThrottle(ctx, action, email)
		return false
	default:
		e.log.Warn().Err(err).Str("action", action).Msg("throttle backend failed, admitting request")
		return true
	}
}

// ForgotPassword starts password recovery for email. It succeeds for
// unknown addresses and when throttled so that account existence is never
// disclosed. Only availability failures and cancellation are returned.
func (e *Engine) ForgotPassword(ctx context.Context, email string) error {
	const op = "forgot_password"
	if err := e.ready(); err != nil {
		return err
	}
	email = normalizeEmail(email)
	if err := e.validate.email(email); err != nil {
		return autherr.WithOp(op, err)
	}
	if !e.admit(ctx, throttleActionPasswordReset, email) {
		return nil
	}

	e.metricInc(MetricPasswordResetRequest)
	_, d, err := fallback.Run(ctx, e.coord, op,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.provider.ResetPasswordForEmail(ctx, email)
		},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.api.ForgotPassword(ctx, email)
		},
	)
	fields := auditFields{Email: email, Strategy: Strategy(d.Strategy)}
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordResetRequest, false, fields, err, nil)
		switch autherr.CodeOf(err) {
		case autherr.CodeProviderUnavailable, autherr.CodeFallbackExhausted:
			return autherr.WithOp(op, err)
		}
		if autherr.IsCanceled(err) {
			return autherr.WithOp(op, err)
		}
		e.log.Debug().Err(err).Msg("password reset request refused, acknowledging")
		return nil
	}
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, fields, nil, nil)
	return nil
}

// ResetPassword completes recovery: the recovery token is verified and the
// new password set in one step. No local session is established; the
// caller logs in with the new password.
func (e *Engine) ResetPassword(ctx context.Context, recoveryToken, newPassword string) error {
	const op = "reset_password"
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.validate.required("token", recoveryToken); err != nil {
		return autherr.WithOp(op, err)
	}
	if err := e.validate.password("password", newPassword); err != nil {
		return autherr.WithOp(op, err)
	}

	_, d, err := fallback.Run(ctx, e.coord, op,
		func(ctx context.Context) (struct{}, error) {
			res, err := e.provider.VerifyOTP(ctx, recoveryToken, provider.OTPRecovery)
			if err != nil {
				return struct{}{}, err
			}
			// UpdateUser acts on the provider's current session, which must be
			// the recovery one.
			if res.Session == nil {
				return struct{}{}, autherr.New(autherr.CodeProviderRejected, "recovery token did not yield a session")
			}
			_, err = e.provider.UpdateUser(ctx, provider.UserPatch{Password: &newPassword})
			return struct{}{}, err
		},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.api.ResetPassword(ctx, recoveryToken, newPassword)
		},
	)
	fields := auditFields{Strategy: Strategy(d.Strategy)}
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, fields, err, nil)
		return autherr.WithOp(op, err)
	}
	e.metricInc(MetricPasswordResetConfirm)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, fields, nil, nil)
	return nil
}

// ChangePassword verifies the current password and sets a new one. It
// requires a valid session. When the primary serves the call, the session
// issued by the re-authentication replaces the active one.
func (e *Engine) ChangePassword(ctx context.Context, change PasswordChange) error {
	const op = "change_password"
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.validate.required("current_password", change.Current); err != nil {
		return autherr.WithOp(op, err)
	}
	if err := e.validate.password("new_password", change.New); err != nil {
		return autherr.WithOp(op, err)
	}
	if change.New == change.Current {
		return autherr.WithOp(op, autherr.New(autherr.CodeValidation, "new_password must differ from current_password"))
	}
	cur, err := e.requireSession(op)
	if err != nil {
		return err
	}

	fresh, d, err := fallback.Run(ctx, e.coord, op,
		func(ctx context.Context) (*session.Session, error) {
			res, err := e.provider.SignIn(ctx, cur.User.Email, change.Current)
			if err != nil {
				return nil, err
			}
			s, err := e.toSession(res)
			if err != nil {
				return nil, err
			}
			if _, err := e.provider.UpdateUser(ctx, provider.UserPatch{Password: &change.New}); err != nil {
				return nil, err
			}
			return s, nil
		},
		func(ctx context.Context) (*session.Session, error) {
			return nil, e.api.ChangePassword(ctx, cur.AccessToken, change.Current, change.New)
		},
	)
	fields := auditFields{UserID: cur.User.ID, Email: cur.User.Email, Strategy: Strategy(d.Strategy)}
	if err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChange, false, fields, err, nil)
		return autherr.WithOp(op, err)
	}

	if fresh != nil {
		e.sessions.Update(ctx, func(active *session.Session) *session.Session {
			if active.AccessToken != cur.AccessToken {
				return nil
			}
			if fresh.User.ID == "" {
				fresh.User = active.User
			}
			return fresh
		})
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChange, true, fields, nil, nil)
	return nil
}
