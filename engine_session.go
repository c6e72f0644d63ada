package authgate

import (
	"context"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/internal/fallback"
	"github.com/MrEthical07/authgate/provider"
	"github.com/MrEthical07/authgate/session"
)

// refreshSession is the session manager's refresher. It routes through the
// coordinator like every other provider call.
func (e *Engine) refreshSession(ctx context.Context, refreshToken string) (*session.Session, error) {
	e.refreshing.Add(1)
	defer e.refreshing.Add(-1)

	s, _, err := fallback.Run(ctx, e.coord, "refresh",
		func(ctx context.Context) (*session.Session, error) {
			res, err := e.provider.RefreshSession(ctx, refreshToken)
			if err != nil {
				return nil, err
			}
			s, err := e.toSession(res)
			if err == nil && s == nil {
				err = autherr.New(autherr.CodeSessionExpired, "provider refresh returned no session")
			}
			return s, err
		},
		func(ctx context.Context) (*session.Session, error) {
			resp, err := e.api.Refresh(ctx, refreshToken)
			if err != nil {
				return nil, err
			}
			return resp.Session(e.now())
		},
	)
	return s, err
}

// InitializeSession restores the persisted session, or adopts the primary
// provider's current one, then fetches and caches the profile. It reports
// whether a valid session is active afterwards.
func (e *Engine) InitializeSession(ctx context.Context) bool {
	const op = "initialize_session"
	if e.ready() != nil {
		return false
	}

	restored := e.sessions.Restore(ctx)
	if !restored && !e.adoptProviderSession(ctx) {
		return false
	}

	cur := e.sessions.Get()
	if !cur.Valid(e.now()) {
		return false
	}

	u, d, err := e.fetchProfile(ctx, op, cur)
	if autherr.CodeOf(err) == autherr.CodeUnauthenticated && d.Strategy == fallback.StrategyPrimary {
		// The primary answers for its own ambient session, not for the
		// restored tokens. Only a bearer check can reject them.
		u, d, err = e.checkRestoredToken(ctx, cur, err)
	}
	fields := auditFields{UserID: cur.User.ID, Email: cur.User.Email, Strategy: Strategy(d.Strategy)}
	switch {
	case err == nil:
		e.cacheUser(ctx, cur.AccessToken, *u)
	case autherr.IsAuthFailure(err):
		e.log.Warn().Err(err).Msg("restored session rejected, clearing")
		e.sessions.Clear(ctx)
		e.emitAudit(ctx, auditEventSessionInitialized, false, fields, err, nil)
		return false
	default:
		e.log.Warn().Err(err).Msg("profile fetch failed, keeping restored session")
	}

	e.emitAudit(ctx, auditEventSessionInitialized, true, fields, nil, func() map[string]string {
		return map[string]string{"restored": boolString(restored)}
	})
	return e.sessions.HasValid()
}

// checkRestoredToken sends the restored access token to the fallback's
// profile endpoint. Without a fallback, or when it cannot be reached, the
// primary's rejection is downgraded to a connectivity error so the session
// is kept.
func (e *Engine) checkRestoredToken(ctx context.Context, cur *session.Session, primaryErr error) (*session.UserRef, fallback.Decision, error) {
	if e.api == nil {
		e.log.Debug().Err(primaryErr).Msg("primary has no session for the restored tokens, no fallback to check them")
		d := fallback.Decision{Strategy: fallback.StrategyUnavailable, Reason: fallback.ReasonNoFallback}
		return nil, d, autherr.Wrap(autherr.CodeProviderUnavailable, "restored session unverified", primaryErr)
	}
	d := fallback.Decision{Strategy: fallback.StrategyFallback, Reason: fallback.ReasonPrimaryRejected}
	u, err := e.api.Profile(ctx, cur.AccessToken)
	if err != nil && !autherr.IsAuthFailure(err) {
		return nil, d, autherr.Wrap(autherr.CodeProviderUnavailable, "restored session unverified", err)
	}
	return u, d, err
}

// adoptProviderSession asks the primary for its current session. There is
// no fallback equivalent: the fallback keeps no client-side session.
func (e *Engine) adoptProviderSession(ctx context.Context) bool {
	s, _, err := fallback.Run(ctx, e.coord, "get_session",
		func(ctx context.Context) (*session.Session, error) {
			ps, err := e.provider.GetSession(ctx)
			if err != nil {
				return nil, err
			}
			return e.toSession(provider.Result{Session: ps})
		},
		nil,
	)
	if err != nil {
		e.log.Debug().Err(err).Msg("no provider session to adopt")
		return false
	}
	if !s.Valid(e.now()) {
		return false
	}
	return e.setSession(ctx, s) == nil
}

// ForceTokenRefresh refreshes immediately. On failure the session is
// cleared and false is returned.
func (e *Engine) ForceTokenRefresh(ctx context.Context) bool {
	if e.ready() != nil {
		return false
	}
	return e.sessions.ForceRefresh(ctx)
}
