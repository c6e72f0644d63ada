package authgate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/breaker"
	"github.com/MrEthical07/authgate/internal/audit"
	"github.com/MrEthical07/authgate/internal/fallback"
	"github.com/MrEthical07/authgate/internal/rate"
	"github.com/MrEthical07/authgate/provider"
	"github.com/MrEthical07/authgate/session"
)

// Builder assembles an Engine. It is single use: Build succeeds at most once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	provider   provider.Provider
	store      session.Store
	mapUser    provider.MapUserFunc
	httpClient *http.Client
	auditSink  AuditSink
	logger     *zerolog.Logger
	now        func() time.Time

	built bool
}

// New returns a Builder holding DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithProvider sets the primary identity provider. Required.
func (b *Builder) WithProvider(p provider.Provider) *Builder {
	b.provider = p
	return b
}

// WithRedis persists the session in Redis under Session.StorageKey and
// moves the email-action throttle to Redis so it holds across processes.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets a custom persistence capability. It takes precedence over
// WithRedis for session storage. Without either, sessions live in memory.
func (b *Builder) WithStore(store session.Store) *Builder {
	b.store = store
	return b
}

// WithUserMapper overrides how provider users become UserRefs.
func (b *Builder) WithUserMapper(fn provider.MapUserFunc) *Builder {
	b.mapUser = fn
	return b
}

// WithHTTPClient sets the client used for fallback requests.
func (b *Builder) WithHTTPClient(hc *http.Client) *Builder {
	b.httpClient = hc
	return b
}

// WithLogger sets the structured logger. The default discards everything.
func (b *Builder) WithLogger(l zerolog.Logger) *Builder {
	b.logger = &l
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
//
// WithAuditSink has no effect unless Audit.Enabled is true.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled describes the withmetricsenabled operation and its observable behavior.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms describes the withlatencyhistograms operation and its observable behavior.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock overrides time.Now for validity checks and the breaker. Timers
// still fire on the wall clock.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.provider == nil {
		return nil, errors.New("provider required")
	}

	log := zerolog.Nop()
	if b.logger != nil {
		log = *b.logger
	}
	now := b.now
	if now == nil {
		now = time.Now
	}
	mapUser := b.mapUser
	if mapUser == nil {
		mapUser = provider.DefaultMapUser
	}

	engine := &Engine{
		config:   cfg,
		provider: provider.Normalize(b.provider),
		mapUser:  mapUser,
		validate: newInputValidator(cfg.Validation),
		metrics:  NewMetrics(cfg.Metrics),
		log:      log.With().Str("component", "engine").Logger(),
		now:      now,
	}

	// -------- CIRCUIT BREAKER --------
	breakerLog := log.With().Str("component", "breaker").Logger()
	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		FailureWindow:    cfg.CircuitBreaker.FailureWindow,
		Cooldown:         cfg.CircuitBreaker.Cooldown,
		MaxCooldown:      cfg.CircuitBreaker.MaxCooldown,
	},
		breaker.WithClock(now),
		breaker.WithTransitionHook(func(tr breaker.Transition) {
			ev := breakerLog.Debug()
			if tr.To == breaker.Open {
				engine.metricInc(MetricBreakerOpened)
				ev = breakerLog.Warn()
			}
			ev.Str("from", tr.From.String()).Str("to", tr.To.String()).Msg("circuit breaker transition")
			engine.emitAudit(context.Background(), auditEventBreakerTransition, tr.To != breaker.Open, auditFields{}, nil, func() map[string]string {
				return map[string]string{"from": tr.From.String(), "to": tr.To.String()}
			})
		}),
	)

	// -------- FALLBACK --------
	var probe func(context.Context) error
	if cfg.Fallback.Enabled {
		opts := []fallback.ClientOption{
			fallback.WithClientLogger(log.With().Str("component", "fallback_client").Logger()),
			fallback.WithRequestIDFunc(requestIDFromContext),
		}
		if b.httpClient != nil {
			opts = append(opts, fallback.WithHTTPClient(b.httpClient))
		}
		client, err := fallback.NewClient(cfg.Fallback.BaseURL, cfg.Fallback.Timeout, opts...)
		if err != nil {
			return nil, err
		}
		engine.api = fallback.NewAPI(client, cfg.Fallback.HealthPath)
		probe = engine.api.Health
	}

	engine.coord = fallback.New(fallback.Options{
		Breaker:         br,
		FallbackEnabled: cfg.Fallback.Enabled,
		PrimaryTimeout:  cfg.Provider.Timeout,
		FallbackTimeout: cfg.Fallback.Timeout,
		Probe:           probe,
		ProbeTimeout:    cfg.Fallback.ProbeTimeout,
		Logger:          log,
		Hooks:           engine.coordinatorHooks(),
	})

	// -------- THROTTLE --------
	if cfg.Throttle.Enabled {
		tcfg := rate.Config{
			Interval: cfg.Throttle.Interval,
			Burst:    cfg.Throttle.Burst,
			MaxKeys:  cfg.Throttle.MaxKeys,
		}
		if b.redis != nil {
			engine.throttle = rate.NewRedis(b.redis, tcfg)
		} else {
			engine.throttle = rate.NewLocal(tcfg, now)
		}
	}

	// -------- AUDIT --------
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink, audit.WithLogger(log.With().Str("component", "audit").Logger()))

	// -------- SESSION MANAGER --------
	store := b.store
	if store == nil && b.redis != nil {
		store = session.NewRedisStore(b.redis, cfg.Session.StorageKey)
	}
	engine.sessions = session.NewManager(store, session.RefreshFunc(engine.refreshSession), session.Config{
		RefreshThreshold: cfg.Session.RefreshThreshold,
		RetryInterval:    cfg.Session.RefreshRetryInterval,
		PersistTimeout:   cfg.Session.PersistTimeout,
	},
		session.WithLogger(log),
		session.WithClock(now),
		session.WithEventHook(engine.onSessionEvent),
	)

	engine.unsubscribeProvider = engine.provider.OnAuthStateChange(engine.onProviderStateChange)

	b.built = true

	return engine, nil
}

func (e *Engine) coordinatorHooks() fallback.Hooks {
	return fallback.Hooks{
		PrimaryDone: func(op string, took time.Duration, err error) {
			e.metrics.Observe(MetricProviderLatency, took)
			switch {
			case err == nil:
				e.metricInc(MetricPrimarySuccess)
			case autherr.IsConnectivity(err):
				e.metricInc(MetricPrimaryFailure)
			case !autherr.IsCanceled(err):
				e.metricInc(MetricPrimaryRejected)
			}
		},
		FallbackUsed: func(op, reason string) {
			e.metricInc(MetricFallbackUsed)
			e.log.Debug().Str("op", op).Str("reason", reason).Msg("routing to fallback")
		},
		FallbackFailure: func(op string, err error) {
			e.metricInc(MetricFallbackFailure)
		},
		ShortCircuit: func(op string) {
			e.metricInc(MetricBreakerShortCircuit)
		},
	}
}
