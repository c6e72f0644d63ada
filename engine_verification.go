package authgate

import (
	"context"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/internal/fallback"
	"github.com/MrEthical07/authgate/provider"
	"github.com/MrEthical07/authgate/session"
)

func (e *Engine) checkOTPType(t provider.OTPType) error {
	if !t.Valid() {
		return autherr.New(autherr.CodeValidation, "type is not a supported verification type")
	}
	return nil
}

// VerifyEmail confirms a one-time token. When the provider answers with a
// session, it becomes the active session.
func (e *Engine) VerifyEmail(ctx context.Context, tokenHash string, otpType provider.OTPType) error {
	const op = "verify_email"
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.validate.required("token", tokenHash); err != nil {
		return autherr.WithOp(op, err)
	}
	if err := e.checkOTPType(otpType); err != nil {
		return autherr.WithOp(op, err)
	}

	s, d, err := fallback.Run(ctx, e.coord, op,
		func(ctx context.Context) (*session.Session, error) {
			res, err := e.provider.VerifyOTP(ctx, tokenHash, otpType)
			if err != nil {
				return nil, err
			}
			return e.toSession(res)
		},
		func(ctx context.Context) (*session.Session, error) {
			resp, err := e.api.VerifyEmail(ctx, tokenHash, string(otpType))
			if err != nil || !resp.HasSession() {
				return nil, err
			}
			return resp.Session(e.now())
		},
	)
	fields := auditFields{Strategy: Strategy(d.Strategy)}
	if err == nil && s != nil {
		fields.UserID, fields.Email = s.User.ID, s.User.Email
		err = e.setSession(ctx, s)
	}
	if err != nil {
		e.metricInc(MetricEmailVerificationFailure)
		e.emitAudit(ctx, auditEventEmailVerification, false, fields, err, nil)
		return autherr.WithOp(op, err)
	}

	e.metricInc(MetricEmailVerificationSuccess)
	e.emitAudit(ctx, auditEventEmailVerification, true, fields, nil, func() map[string]string {
		return map[string]string{"type": string(otpType), "session": boolString(s != nil)}
	})
	return nil
}

// ResendVerificationEmail asks the provider to send a new one-time token.
// Requests over the per-address budget fail with RateLimited.
func (e *Engine) ResendVerificationEmail(ctx context.Context, email string, otpType provider.OTPType) error {
	const op = "resend_verification"
	if err := e.ready(); err != nil {
		return err
	}
	email = normalizeEmail(email)
	if err := e.validate.email(email); err != nil {
		return autherr.WithOp(op, err)
	}
	if err := e.checkOTPType(otpType); err != nil {
		return autherr.WithOp(op, err)
	}
	if !e.admit(ctx, throttleActionResend, email) {
		return autherr.WithOp(op, autherr.ErrRateLimited)
	}

	_, d, err := fallback.Run(ctx, e.coord, op,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.provider.Resend(ctx, otpType, email)
		},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.api.ResendVerification(ctx, email, string(otpType))
		},
	)
	fields := auditFields{Email: email, Strategy: Strategy(d.Strategy)}
	if err != nil {
		e.emitAudit(ctx, auditEventVerificationResend, false, fields, err, nil)
		return autherr.WithOp(op, err)
	}
	e.emitAudit(ctx, auditEventVerificationResend, true, fields, nil, func() map[string]string {
		return map[string]string{"type": string(otpType)}
	})
	return nil
}
