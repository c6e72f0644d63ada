package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/breaker"
)

type hookLog struct {
	mu            sync.Mutex
	primary       []error
	fallbackUsed  []string
	fallbackFails int
	shorts        int
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		PrimaryDone: func(_ string, _ time.Duration, err error) {
			h.mu.Lock()
			h.primary = append(h.primary, err)
			h.mu.Unlock()
		},
		FallbackUsed: func(_ string, reason string) {
			h.mu.Lock()
			h.fallbackUsed = append(h.fallbackUsed, reason)
			h.mu.Unlock()
		},
		FallbackFailure: func(string, error) {
			h.mu.Lock()
			h.fallbackFails++
			h.mu.Unlock()
		},
		ShortCircuit: func(string) {
			h.mu.Lock()
			h.shorts++
			h.mu.Unlock()
		},
	}
}

func newCoordinator(t *testing.T, fallbackEnabled bool, h *hookLog) *Coordinator {
	t.Helper()
	opts := Options{
		Breaker: breaker.New(breaker.Config{
			FailureThreshold: 3,
			FailureWindow:    time.Minute,
			Cooldown:         time.Hour,
			MaxCooldown:      time.Hour,
		}),
		FallbackEnabled: fallbackEnabled,
		PrimaryTimeout:  time.Second,
		FallbackTimeout: time.Second,
		Logger:          zerolog.Nop(),
	}
	if h != nil {
		opts.Hooks = h.hooks()
	}
	return New(opts)
}

func ok(v string) Call[string] {
	return func(context.Context) (string, error) { return v, nil }
}

func fail(err error) Call[string] {
	return func(context.Context) (string, error) { return "", err }
}

func counted(n *int, call Call[string]) Call[string] {
	return func(ctx context.Context) (string, error) {
		*n++
		return call(ctx)
	}
}

func TestRun_PrimarySuccess(t *testing.T) {
	c := newCoordinator(t, true, nil)
	fallbackCalls := 0

	v, d, err := Run(context.Background(), c, "login", ok("primary"), counted(&fallbackCalls, ok("fallback")))
	require.NoError(t, err)
	assert.Equal(t, "primary", v)
	assert.Equal(t, StrategyPrimary, d.Strategy)
	assert.Equal(t, ReasonBreakerClosed, d.Reason)
	assert.Zero(t, fallbackCalls)
}

func TestRun_ConnectivityFailureFallsBackOnce(t *testing.T) {
	h := &hookLog{}
	c := newCoordinator(t, true, h)
	fallbackCalls := 0

	v, d, err := Run(context.Background(), c, "login", fail(autherr.ErrProviderUnavailable), counted(&fallbackCalls, ok("fallback")))
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
	assert.Equal(t, Decision{Strategy: StrategyFallback, Reason: ReasonPrimaryUnavailable}, d)
	assert.Equal(t, 1, fallbackCalls)
	assert.Equal(t, 1, c.Breaker().Stats().FailureCount)
	assert.Equal(t, []string{ReasonPrimaryUnavailable}, h.fallbackUsed)
}

func TestRun_DomainErrorPropagatesWithoutFallback(t *testing.T) {
	c := newCoordinator(t, true, nil)
	fallbackCalls := 0

	_, d, err := Run(context.Background(), c, "login", fail(autherr.ErrInvalidCredentials), counted(&fallbackCalls, ok("fallback")))
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	assert.Equal(t, StrategyPrimary, d.Strategy)
	assert.Equal(t, ReasonPrimaryRejected, d.Reason)
	assert.Zero(t, fallbackCalls)
	assert.Zero(t, c.Breaker().Stats().FailureCount)
}

func TestRun_BothFailIsFallbackExhausted(t *testing.T) {
	h := &hookLog{}
	c := newCoordinator(t, true, h)

	_, d, err := Run(context.Background(), c, "login", fail(autherr.ErrProviderUnavailable), fail(context.DeadlineExceeded))
	assert.ErrorIs(t, err, autherr.ErrFallbackExhausted)
	assert.Equal(t, StrategyUnavailable, d.Strategy)
	assert.Equal(t, 1, h.fallbackFails)
}

func TestRun_FallbackDomainErrorPropagates(t *testing.T) {
	c := newCoordinator(t, true, nil)

	_, d, err := Run(context.Background(), c, "login", fail(autherr.ErrProviderUnavailable), fail(autherr.ErrInvalidCredentials))
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	assert.Equal(t, StrategyFallback, d.Strategy)
}

func TestRun_NoFallbackSurfacesUnavailable(t *testing.T) {
	c := newCoordinator(t, false, nil)
	fallbackCalls := 0

	_, d, err := Run(context.Background(), c, "login", fail(autherr.ErrProviderUnavailable), counted(&fallbackCalls, ok("fallback")))
	assert.ErrorIs(t, err, autherr.ErrProviderUnavailable)
	assert.Equal(t, Decision{Strategy: StrategyUnavailable, Reason: ReasonNoFallback}, d)
	assert.Zero(t, fallbackCalls, "disabled fallback must never be called")
}

func TestRun_OpenBreakerRoutesToFallback(t *testing.T) {
	h := &hookLog{}
	c := newCoordinator(t, true, h)
	for i := 0; i < 3; i++ {
		_, _, _ = Run(context.Background(), c, "login", fail(autherr.ErrProviderUnavailable), nil)
	}
	require.Equal(t, breaker.Open, c.Breaker().Stats().State)

	primaryCalls := 0
	v, d, err := Run(context.Background(), c, "login", counted(&primaryCalls, ok("primary")), ok("fallback"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
	assert.Equal(t, Decision{Strategy: StrategyFallback, Reason: ReasonBreakerOpen}, d)
	assert.Zero(t, primaryCalls, "open breaker must short-circuit the primary")
	assert.Equal(t, 1, h.shorts)

	_, d, err = Run[string](context.Background(), c, "get_user", ok("primary"), nil)
	assert.ErrorIs(t, err, autherr.ErrProviderUnavailable)
	assert.Equal(t, StrategyUnavailable, d.Strategy)
}

func TestRun_CanceledDoesNotTouchBreaker(t *testing.T) {
	c := newCoordinator(t, true, nil)
	fallbackCalls := 0

	ctx, cancel := context.WithCancel(context.Background())
	primary := func(context.Context) (string, error) {
		cancel()
		return "", context.Canceled
	}
	_, d, err := Run(ctx, c, "login", primary, counted(&fallbackCalls, ok("fallback")))
	assert.True(t, autherr.IsCanceled(err))
	assert.Equal(t, ReasonCanceled, d.Reason)
	assert.Zero(t, fallbackCalls)
	assert.Zero(t, c.Breaker().Stats().FailureCount)

	_, d, err = Run(ctx, c, "login", ok("primary"), nil)
	assert.Error(t, err)
	assert.Equal(t, ReasonCanceled, d.Reason)
}

func TestRun_PrimaryTimeoutCountsAsConnectivity(t *testing.T) {
	c := New(Options{
		Breaker:         breaker.New(breaker.DefaultConfig()),
		FallbackEnabled: true,
		PrimaryTimeout:  20 * time.Millisecond,
		Logger:          zerolog.Nop(),
	})
	slow := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	v, d, err := Run(context.Background(), c, "login", slow, ok("fallback"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
	assert.Equal(t, StrategyFallback, d.Strategy)
	assert.Equal(t, 1, c.Breaker().Stats().FailureCount)
}

func TestRun_HalfOpenDomainErrorCloses(t *testing.T) {
	clock := time.Now()
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	br := breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: time.Minute, MaxCooldown: time.Minute}, breaker.WithClock(now))
	c := New(Options{Breaker: br, FallbackEnabled: true, Logger: zerolog.Nop()})

	_, _, _ = Run(context.Background(), c, "login", fail(autherr.ErrProviderUnavailable), ok("fb"))
	require.Equal(t, breaker.Open, br.Stats().State)

	mu.Lock()
	clock = clock.Add(time.Minute)
	mu.Unlock()

	_, d, err := Run(context.Background(), c, "login", fail(autherr.ErrInvalidCredentials), ok("fb"))
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	assert.Equal(t, ReasonPrimaryRejected, d.Reason)
	assert.Equal(t, breaker.Closed, br.Stats().State)
}

func TestDecideIsSideEffectFree(t *testing.T) {
	c := newCoordinator(t, true, nil)
	assert.Equal(t, StrategyPrimary, c.Decide().Strategy)

	for i := 0; i < 3; i++ {
		c.Breaker().RecordFailure()
	}
	before := c.Breaker().Stats()
	for i := 0; i < 5; i++ {
		assert.Equal(t, Decision{Strategy: StrategyFallback, Reason: ReasonBreakerOpen}, c.Decide())
	}
	assert.Equal(t, before, c.Breaker().Stats())

	noFallback := newCoordinator(t, false, nil)
	for i := 0; i < 3; i++ {
		noFallback.Breaker().RecordFailure()
	}
	assert.Equal(t, StrategyUnavailable, noFallback.Decide().Strategy)
}

func TestCheckHealth(t *testing.T) {
	var probeErr error
	c := New(Options{
		Breaker:         breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: time.Hour, MaxCooldown: time.Hour}),
		FallbackEnabled: true,
		Probe:           func(context.Context) error { return probeErr },
		Logger:          zerolog.Nop(),
	})
	ctx := context.Background()

	h := c.CheckHealth(ctx)
	assert.True(t, h.Available)
	assert.Equal(t, StrategyPrimary, h.RecommendedStrategy)
	assert.True(t, h.FallbackProbed)
	assert.True(t, h.FallbackReachable)

	c.Breaker().RecordFailure()
	h = c.CheckHealth(ctx)
	assert.True(t, h.Available)
	assert.Equal(t, StrategyFallback, h.RecommendedStrategy)
	assert.Equal(t, breaker.Open, h.BreakerState)

	probeErr = errors.New("down")
	h = c.CheckHealth(ctx)
	assert.False(t, h.Available)
	assert.Equal(t, StrategyUnavailable, h.RecommendedStrategy)
	assert.Equal(t, uint64(1), c.Breaker().Stats().Trips, "health checks must not mutate the breaker")
}
