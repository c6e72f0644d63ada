package authgate

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/breaker"
	"github.com/MrEthical07/authgate/internal/audit"
	"github.com/MrEthical07/authgate/internal/fallback"
	"github.com/MrEthical07/authgate/internal/rate"
	"github.com/MrEthical07/authgate/provider"
	"github.com/MrEthical07/authgate/session"
)

// Engine is the authentication façade. It federates the primary provider
// with the HTTP fallback and owns exactly one active session.
//
// Engine methods are safe for concurrent use. Build Engines through
// [Builder.Build]; the zero value is not usable.
type Engine struct {
	config   Config
	provider provider.Provider
	mapUser  provider.MapUserFunc
	coord    *fallback.Coordinator
	api      *fallback.API
	sessions *session.Manager
	throttle rate.Throttle
	validate *inputValidator
	audit    *audit.Dispatcher
	metrics  *Metrics
	log      zerolog.Logger
	now      func() time.Time

	loginMu        sync.Mutex
	loginSeq       uint64
	appliedSeq     uint64
	loginsInFlight int

	// refreshing is non-zero while the engine itself refreshes through the
	// provider, whose TOKEN_REFRESHED notification is then redundant.
	refreshing atomic.Int32

	unsubscribeProvider func()
	cleanupOnce         sync.Once
	closed              atomic.Bool
}

func (e *Engine) ready() error {
	if e == nil || e.sessions == nil || e.coord == nil || e.provider == nil || e.closed.Load() {
		return ErrEngineNotReady
	}
	return nil
}

// Cleanup stops the refresh timer, drops session listeners, unsubscribes
// from provider notifications and flushes the audit dispatcher. It is
// idempotent and safe on a nil or partially built Engine. The active
// session stays persisted so a later InitializeSession can restore it.
func (e *Engine) Cleanup() {
	if e == nil {
		return
	}
	e.cleanupOnce.Do(func() {
		e.closed.Store(true)
		if e.unsubscribeProvider != nil {
			e.unsubscribeProvider()
		}
		if e.sessions != nil {
			e.sessions.Close()
		}
		if e.audit != nil {
			e.audit.Close()
		}
	})
}

// HasValidSession reports whether a session exists and has not expired.
func (e *Engine) HasValidSession() bool {
	if e == nil || e.sessions == nil {
		return false
	}
	return e.sessions.HasValid()
}

// CurrentSession returns a copy of the active session, or nil. An expired
// session that has not yet been dropped is still returned.
func (e *Engine) CurrentSession() *session.Session {
	if e == nil || e.sessions == nil {
		return nil
	}
	return e.sessions.Get()
}

// Subscribe registers fn for every session replacement and clear (nil).
// fn runs while the change is serialized and must not call back into
// session-mutating Engine methods.
func (e *Engine) Subscribe(fn func(*session.Session)) (unsubscribe func()) {
	if e == nil || e.sessions == nil || fn == nil {
		return func() {}
	}
	return e.sessions.Subscribe(session.Listener(fn))
}

// CheckServiceHealth reports the route the next call would take and probes
// the fallback. It never changes breaker state.
func (e *Engine) CheckServiceHealth(ctx context.Context) ServiceHealth {
	if e == nil || e.coord == nil {
		return ServiceHealth{RecommendedStrategy: StrategyUnavailable, Reason: "not_ready"}
	}
	h := e.coord.CheckHealth(ctx)
	return ServiceHealth{
		Available:           h.Available,
		RecommendedStrategy: Strategy(h.RecommendedStrategy),
		Reason:              h.Reason,
		BreakerState:        h.BreakerState,
		FallbackEnabled:     e.coord.FallbackEnabled(),
		FallbackReachable:   h.FallbackReachable,
		CheckedAt:           e.now(),
	}
}

// CircuitBreakerStats returns a snapshot of the primary provider's breaker.
func (e *Engine) CircuitBreakerStats() breaker.Stats {
	if e == nil || e.coord == nil {
		return breaker.Stats{}
	}
	return e.coord.Breaker().Stats()
}

// AuditDropped returns the number of audit events dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of all counters and histograms.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// requireSession returns the active session or Unauthenticated.
func (e *Engine) requireSession(op string) (*session.Session, error) {
	cur := e.sessions.Get()
	if !cur.Valid(e.now()) {
		return nil, autherr.WithOp(op, autherr.ErrUnauthenticated)
	}
	return cur, nil
}

// cacheUser replaces the user of the active session when it is still the
// session identified by accessToken.
func (e *Engine) cacheUser(ctx context.Context, accessToken string, u session.UserRef) {
	e.sessions.Update(ctx, func(cur *session.Session) *session.Session {
		if cur.AccessToken != accessToken {
			return nil
		}
		if u.ID != "" && cur.User.ID != "" && u.ID != cur.User.ID {
			return nil
		}
		if u.ID == "" {
			u.ID = cur.User.ID
		}
		return cur.WithUser(u)
	})
}

// toSession converts a provider result into a session.
func (e *Engine) toSession(res provider.Result) (*session.Session, error) {
	if res.Session == nil {
		return nil, nil
	}
	s, err := provider.ToSession(res.Session, res.User, e.mapUser, e.now())
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeProviderRejected, "provider returned an unusable session", err)
	}
	return s, nil
}

func (e *Engine) mapProviderUser(u *provider.User) *session.UserRef {
	if u == nil {
		return nil
	}
	ref := e.mapUser(u)
	return &ref
}

// onSessionEvent turns session lifecycle events into metrics and audit
// records. It runs while the manager serializes the change.
func (e *Engine) onSessionEvent(ev session.Event) {
	ctx := context.Background()
	switch ev.Kind {
	case session.EventRestored:
		e.metricInc(MetricSessionRestored)
	case session.EventRefreshed:
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, auditEventRefreshSuccess, true, auditFields{}, nil, func() map[string]string {
			return map[string]string{"forced": boolString(ev.Forced)}
		})
	case session.EventRefreshDeferred:
		e.metricInc(MetricRefreshDeferred)
	case session.EventRefreshFailed:
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricSessionCleared)
		e.emitAudit(ctx, auditEventRefreshFailure, false, auditFields{}, ev.Err, func() map[string]string {
			return map[string]string{"forced": boolString(ev.Forced)}
		})
	case session.EventExpired:
		e.metricInc(MetricSessionExpired)
		e.metricInc(MetricSessionCleared)
	case session.EventCleared:
		e.metricInc(MetricSessionCleared)
	}
}

// onProviderStateChange keeps the local session in step with provider
// notifications. Sign-ins are ignored: Login and Register apply their own
// sessions under the login policy.
func (e *Engine) onProviderStateChange(event provider.AuthEvent, ps *provider.Session) {
	if e.closed.Load() {
		return
	}
	ctx := context.Background()

	switch event {
	case provider.EventSignedOut:
		if e.sessions.Get() != nil {
			e.log.Debug().Msg("provider signed out, clearing local session")
		}
		e.sessions.Clear(ctx)

	case provider.EventTokenRefreshed:
		if e.refreshing.Load() > 0 {
			return
		}
		next, err := e.toSession(provider.Result{Session: ps})
		if err != nil || next == nil {
			return
		}
		e.sessions.Update(ctx, func(cur *session.Session) *session.Session {
			if cur.AccessToken == next.AccessToken {
				return nil
			}
			if next.User.ID != "" && cur.User.ID != "" && next.User.ID != cur.User.ID {
				return nil
			}
			if next.User.ID == "" {
				next.User = cur.User
			}
			if next.RefreshToken == "" {
				next.RefreshToken = cur.RefreshToken
			}
			return next
		})

	case provider.EventUserUpdated:
		if ps == nil || ps.User == nil {
			return
		}
		u := e.mapUser(ps.User)
		e.sessions.Update(ctx, func(cur *session.Session) *session.Session {
			if u.ID == "" || cur.User.ID != u.ID {
				return nil
			}
			return cur.WithUser(u)
		})
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
