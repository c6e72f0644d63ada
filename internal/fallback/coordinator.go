package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/breaker"
)

// Strategy is the route a call took, or would take.
type Strategy string

const (
	StrategyPrimary     Strategy = "primary"
	StrategyFallback    Strategy = "fallback"
	StrategyUnavailable Strategy = "unavailable"
)

// Decision reasons.
const (
	ReasonBreakerClosed      = "breaker_closed"
	ReasonBreakerHalfOpen    = "breaker_half_open"
	ReasonBreakerOpen        = "breaker_open"
	ReasonPrimaryUnavailable = "primary_unavailable"
	ReasonPrimaryRejected    = "primary_rejected"
	ReasonNoFallback         = "no_fallback"
	ReasonFallbackFailed     = "fallback_failed"
	ReasonCanceled           = "canceled"
)

// Decision is a routing outcome. It is computed per call and never stored.
type Decision struct {
	Strategy Strategy
	Reason   string
}

// Call is one attempt at an operation.
type Call[T any] func(ctx context.Context) (T, error)

// Hooks observe routing outcomes. Nil hooks are skipped. Hooks run on the
// calling goroutine and must not block.
type Hooks struct {
	PrimaryDone     func(op string, took time.Duration, err error)
	FallbackUsed    func(op, reason string)
	FallbackFailure func(op string, err error)
	ShortCircuit    func(op string)
}

// Options configures a Coordinator.
type Options struct {
	Breaker *breaker.Breaker
	// FallbackEnabled gates every fallback attempt.
	FallbackEnabled bool
	// PrimaryTimeout and FallbackTimeout bound each attempt. Zero means no
	// per-attempt bound beyond the caller's context.
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	// Probe checks fallback reachability for CheckHealth.
	Probe        func(ctx context.Context) error
	ProbeTimeout time.Duration
	Logger       zerolog.Logger
	Hooks        Hooks
}

// Coordinator decides per call between the primary and the fallback and
// records outcomes into the breaker. It holds no lock of its own; the
// breaker serializes its transitions.
type Coordinator struct {
	br              *breaker.Breaker
	fallbackEnabled bool
	primaryTimeout  time.Duration
	fallbackTimeout time.Duration
	probe           func(ctx context.Context) error
	probeTimeout    time.Duration
	log             zerolog.Logger
	hooks           Hooks
}

// New builds a Coordinator. A nil Breaker gets one with default settings.
func New(opts Options) *Coordinator {
	br := opts.Breaker
	if br == nil {
		br = breaker.New(breaker.DefaultConfig())
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &Coordinator{
		br:              br,
		fallbackEnabled: opts.FallbackEnabled,
		primaryTimeout:  opts.PrimaryTimeout,
		fallbackTimeout: opts.FallbackTimeout,
		probe:           opts.Probe,
		probeTimeout:    probeTimeout,
		log:             opts.Logger.With().Str("component", "fallback").Logger(),
		hooks:           opts.Hooks,
	}
}

// Breaker returns the guarded breaker.
func (c *Coordinator) Breaker() *breaker.Breaker { return c.br }

// FallbackEnabled reports whether fallback attempts are allowed.
func (c *Coordinator) FallbackEnabled() bool { return c.fallbackEnabled }

// Run executes op. primary is attempted when the breaker admits it; fallback
// may be nil for operations the fallback does not serve.
//
// Outcomes:
//   - primary success: returned; breaker success recorded.
//   - primary domain error: returned unchanged; breaker only learns the
//     provider was reachable.
//   - primary connectivity error: breaker failure recorded, then one
//     fallback attempt. Fallback connectivity failure yields
//     FallbackExhausted; a fallback domain error is returned as-is.
//   - breaker open: fallback directly, or ProviderUnavailable without one.
//   - caller cancellation: returned without touching the breaker.
func Run[T any](ctx context.Context, c *Coordinator, op string, primary, fallback Call[T]) (T, Decision, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, Decision{Strategy: StrategyUnavailable, Reason: ReasonCanceled}, autherr.From(err)
	}
	if !c.fallbackEnabled {
		fallback = nil
	}

	if !c.br.Allow() {
		if c.hooks.ShortCircuit != nil {
			c.hooks.ShortCircuit(op)
		}
		if fallback == nil {
			d := Decision{Strategy: StrategyUnavailable, Reason: ReasonBreakerOpen}
			return zero, d, autherr.Wrap(autherr.CodeProviderUnavailable, "identity provider circuit open", nil)
		}
		c.log.Debug().Str("op", op).Msg("breaker open, routing to fallback")
		return runFallback(ctx, c, op, ReasonBreakerOpen, nil, fallback)
	}

	reason := ReasonBreakerClosed
	if c.br.Stats().State == breaker.HalfOpen {
		reason = ReasonBreakerHalfOpen
	}

	start := time.Now()
	v, err := attempt(ctx, c.primaryTimeout, primary)
	took := time.Since(start)
	if c.hooks.PrimaryDone != nil {
		c.hooks.PrimaryDone(op, took, err)
	}

	switch {
	case err == nil:
		c.br.RecordSuccess()
		return v, Decision{Strategy: StrategyPrimary, Reason: reason}, nil

	case autherr.IsCanceled(err) || (ctx.Err() != nil && !autherr.IsConnectivity(err)):
		return zero, Decision{Strategy: StrategyPrimary, Reason: ReasonCanceled}, autherr.From(err)

	case autherr.IsConnectivity(err):
		c.br.RecordFailure()
		c.log.Warn().Err(err).Str("op", op).Dur("took", took).Msg("primary provider unavailable")
		if ctx.Err() != nil {
			// The caller's own deadline ran out; a fallback attempt cannot finish.
			return zero, Decision{Strategy: StrategyUnavailable, Reason: ReasonPrimaryUnavailable}, autherr.From(err)
		}
		if fallback == nil {
			return zero, Decision{Strategy: StrategyUnavailable, Reason: ReasonNoFallback}, autherr.From(err)
		}
		return runFallback(ctx, c, op, ReasonPrimaryUnavailable, err, fallback)

	default:
		c.br.RecordReachable()
		return zero, Decision{Strategy: StrategyPrimary, Reason: ReasonPrimaryRejected}, autherr.From(err)
	}
}

func runFallback[T any](ctx context.Context, c *Coordinator, op, reason string, primaryErr error, fallback Call[T]) (T, Decision, error) {
	var zero T
	if c.hooks.FallbackUsed != nil {
		c.hooks.FallbackUsed(op, reason)
	}

	v, err := attempt(ctx, c.fallbackTimeout, fallback)
	if err == nil {
		return v, Decision{Strategy: StrategyFallback, Reason: reason}, nil
	}

	if c.hooks.FallbackFailure != nil {
		c.hooks.FallbackFailure(op, err)
	}
	if autherr.IsCanceled(err) {
		return zero, Decision{Strategy: StrategyFallback, Reason: ReasonCanceled}, autherr.From(err)
	}
	if autherr.IsConnectivity(err) {
		c.log.Warn().Err(err).Str("op", op).Msg("fallback unavailable")
		return zero, Decision{Strategy: StrategyUnavailable, Reason: ReasonFallbackFailed},
			autherr.Wrap(autherr.CodeFallbackExhausted, autherr.ErrFallbackExhausted.Message, errors.Join(primaryErr, err))
	}
	return zero, Decision{Strategy: StrategyFallback, Reason: reason}, autherr.From(err)
}

func attempt[T any](ctx context.Context, timeout time.Duration, call Call[T]) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return call(ctx)
}

// Decide reports the route the next call would take, without side effects.
func (c *Coordinator) Decide() Decision {
	switch c.br.Peek() {
	case breaker.Closed:
		return Decision{Strategy: StrategyPrimary, Reason: ReasonBreakerClosed}
	case breaker.HalfOpen:
		return Decision{Strategy: StrategyPrimary, Reason: ReasonBreakerHalfOpen}
	default:
		if c.fallbackEnabled {
			return Decision{Strategy: StrategyFallback, Reason: ReasonBreakerOpen}
		}
		return Decision{Strategy: StrategyUnavailable, Reason: ReasonBreakerOpen}
	}
}

// Health is the CheckHealth snapshot.
type Health struct {
	Available           bool
	RecommendedStrategy Strategy
	Reason              string
	BreakerState        breaker.State
	// FallbackProbed is false when no fallback is configured.
	FallbackProbed    bool
	FallbackReachable bool
}

// CheckHealth combines the breaker position with a fallback reachability
// probe. It never changes breaker state.
func (c *Coordinator) CheckHealth(ctx context.Context) Health {
	d := c.Decide()
	h := Health{
		RecommendedStrategy: d.Strategy,
		Reason:              d.Reason,
		BreakerState:        c.br.Peek(),
	}

	if c.fallbackEnabled && c.probe != nil {
		pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		err := c.probe(pctx)
		cancel()
		h.FallbackProbed = true
		h.FallbackReachable = err == nil
		if err != nil {
			c.log.Debug().Err(err).Msg("fallback health probe failed")
		}
	}

	switch h.RecommendedStrategy {
	case StrategyPrimary:
		h.Available = true
	case StrategyFallback:
		h.Available = !h.FallbackProbed || h.FallbackReachable
		if !h.Available {
			h.RecommendedStrategy = StrategyUnavailable
			h.Reason = ReasonFallbackFailed
		}
	}
	return h
}
