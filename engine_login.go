package authgate

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/internal/fallback"
	"github.com/MrEthical07/authgate/provider"
	"github.com/MrEthical07/authgate/session"
)

// loginTicket tracks one login attempt under the configured LoginPolicy.
type loginTicket struct {
	seq uint64
}

func (e *Engine) beginLogin() (*loginTicket, error) {
	e.loginMu.Lock()
	defer e.loginMu.Unlock()

	if e.config.Login.Policy == LoginRejectConcurrent && e.loginsInFlight > 0 {
		return nil, autherr.ErrLoginInProgress
	}
	e.loginsInFlight++
	e.loginSeq++
	return &loginTicket{seq: e.loginSeq}, nil
}

func (e *Engine) endLogin() {
	e.loginMu.Lock()
	e.loginsInFlight--
	e.loginMu.Unlock()
}

// applyLogin activates s unless the policy says a newer attempt already won.
// loginMu is held across Set so the policy check and the replacement are
// one step; Set performs no provider I/O.
func (e *Engine) applyLogin(ctx context.Context, t *loginTicket, s *session.Session) error {
	e.loginMu.Lock()
	defer e.loginMu.Unlock()

	if e.config.Login.Policy == LoginLastStartedWins && t.seq < e.appliedSeq {
		e.metricInc(MetricLoginSuperseded)
		return autherr.New(autherr.CodeLoginInProgress, "superseded by a newer login")
	}
	if err := e.setSession(ctx, s); err != nil {
		return err
	}
	if t.seq > e.appliedSeq {
		e.appliedSeq = t.seq
	}
	return nil
}

// setSession hands s to the session manager and maps its rejections.
func (e *Engine) setSession(ctx context.Context, s *session.Session) error {
	err := e.sessions.Set(ctx, s)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrExpired):
		return autherr.Wrap(autherr.CodeSessionExpired, "issued session is already expired", err)
	default:
		return autherr.Wrap(autherr.CodeProviderRejected, "issued session is unusable", err)
	}
}

// Login authenticates with email and password. The primary provider is
// tried first, the fallback on connectivity failure or an open breaker.
// On success the session is active before Login returns.
func (e *Engine) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	const op = "login"
	if err := e.ready(); err != nil {
		return nil, err
	}
	email = normalizeEmail(email)

	fail := func(strategy Strategy, err error) (*LoginResult, error) {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, auditFields{Email: email, Strategy: strategy}, err, nil)
		return nil, autherr.WithOp(op, err)
	}

	if err := e.validate.credentials(email, password); err != nil {
		return fail("", err)
	}

	ticket, err := e.beginLogin()
	if err != nil {
		return fail("", err)
	}
	defer e.endLogin()

	sess, d, err := fallback.Run(ctx, e.coord, op,
		func(ctx context.Context) (*session.Session, error) {
			res, err := e.provider.SignIn(ctx, email, password)
			if err != nil {
				return nil, err
			}
			s, err := e.toSession(res)
			if err == nil && s == nil {
				err = autherr.New(autherr.CodeProviderRejected, "provider sign-in returned no session")
			}
			return s, err
		},
		func(ctx context.Context) (*session.Session, error) {
			resp, err := e.api.Login(ctx, email, password)
			if err != nil {
				return nil, err
			}
			return resp.Session(e.now())
		},
	)
	strategy := Strategy(d.Strategy)
	if err != nil {
		return fail(strategy, err)
	}
	if sess.User.Email == "" {
		sess.User.Email = email
	}

	if err := e.applyLogin(ctx, ticket, sess); err != nil {
		return fail(strategy, err)
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, auditFields{UserID: sess.User.ID, Email: email, Strategy: strategy}, nil, nil)
	e.log.Debug().Str("strategy", string(strategy)).Str("reason", d.Reason).Msg("login succeeded")

	return &LoginResult{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresIn:    sess.ExpiresIn(e.now()),
		User:         sess.User,
		Strategy:     strategy,
	}, nil
}

type registration struct {
	session *session.Session
	user    *session.UserRef
}

// Register creates an account. When the provider withholds a session
// pending email verification, the result reports VerificationPending and
// no session is set.
func (e *Engine) Register(ctx context.Context, email, password, name string) (*RegisterResult, error) {
	const op = "register"
	if err := e.ready(); err != nil {
		return nil, err
	}
	email = normalizeEmail(email)

	fail := func(strategy Strategy, err error) (*RegisterResult, error) {
		e.metricInc(MetricRegisterFailure)
		e.emitAudit(ctx, auditEventRegisterFailure, false, auditFields{Email: email, Strategy: strategy}, err, nil)
		return nil, autherr.WithOp(op, err)
	}

	if err := e.validate.registration(email, password, name); err != nil {
		return fail("", err)
	}

	reg, d, err := fallback.Run(ctx, e.coord, op,
		func(ctx context.Context) (registration, error) {
			var attrs provider.Attributes
			if name != "" {
				attrs = provider.Attributes{"name": name}
			}
			res, err := e.provider.SignUp(ctx, email, password, attrs)
			if err != nil {
				return registration{}, err
			}
			s, err := e.toSession(res)
			if err != nil {
				return registration{}, err
			}
			return registration{session: s, user: e.mapProviderUser(res.User)}, nil
		},
		func(ctx context.Context) (registration, error) {
			resp, err := e.api.Register(ctx, email, password, name)
			if err != nil {
				return registration{}, err
			}
			if !resp.HasSession() {
				return registration{user: resp.User}, nil
			}
			s, err := resp.Session(e.now())
			if err != nil {
				return registration{}, err
			}
			return registration{session: s}, nil
		},
	)
	strategy := Strategy(d.Strategy)
	if err != nil {
		return fail(strategy, err)
	}

	if reg.session == nil {
		e.metricInc(MetricRegisterPending)
		userID := ""
		if reg.user != nil {
			userID = reg.user.ID
		}
		e.emitAudit(ctx, auditEventRegisterPending, true, auditFields{UserID: userID, Email: email, Strategy: strategy}, nil, nil)
		return &RegisterResult{VerificationPending: true, Strategy: strategy}, nil
	}

	if reg.session.User.Email == "" {
		reg.session.User.Email = email
	}
	if reg.session.User.Name == "" {
		reg.session.User.Name = name
	}
	if err := e.setSession(ctx, reg.session); err != nil {
		return fail(strategy, err)
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventRegisterSuccess, true, auditFields{UserID: reg.session.User.ID, Email: email, Strategy: strategy}, nil, nil)

	user := reg.session.User
	return &RegisterResult{
		Session:  reg.session,
		User:     &user,
		Strategy: strategy,
	}, nil
}

// Logout signs out remotely and always clears the local session, even when
// the remote call fails. A returned error means the remote session may
// still be live; locally the caller is logged out either way. After Cleanup
// only the local clear runs and ErrEngineNotReady is returned.
func (e *Engine) Logout(ctx context.Context) error {
	const op = "logout"
	if err := e.ready(); err != nil {
		if e != nil && e.sessions != nil {
			e.sessions.Clear(ctx)
		}
		return err
	}

	cur := e.sessions.Get()
	defer e.sessions.Clear(ctx)

	_, d, err := fallback.Run(ctx, e.coord, op,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.provider.SignOut(ctx)
		},
		func(ctx context.Context) (struct{}, error) {
			if cur == nil {
				return struct{}{}, nil
			}
			return struct{}{}, e.api.Logout(ctx, cur.AccessToken)
		},
	)

	fields := auditFields{Strategy: Strategy(d.Strategy)}
	if cur != nil {
		fields.UserID = cur.User.ID
		fields.Email = cur.User.Email
	}

	e.metricInc(MetricLogout)
	if err != nil {
		e.metricInc(MetricLogoutRemoteFailure)
		e.log.Warn().Err(err).Msg("remote sign-out failed, local session cleared")
		e.emitAudit(ctx, auditEventLogout, false, fields, err, nil)
		return autherr.WithOp(op, err)
	}
	e.emitAudit(ctx, auditEventLogout, true, fields, nil, nil)
	return nil
}
