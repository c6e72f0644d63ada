// Package breaker implements the failure-tracking state machine that guards
// calls to the primary identity provider.
//
// The breaker knows nothing about authentication: callers report outcomes
// through RecordSuccess, RecordFailure and RecordReachable, and ask for
// admission through Allow. All transitions happen under one mutex.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// Closed passes every call through.
	Closed State = iota
	// Open short-circuits calls until the cooldown elapses.
	Open
	// HalfOpen admits a single trial call.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker.
type Config struct {
	// FailureThreshold is the number of failures inside FailureWindow that
	// opens the circuit.
	FailureThreshold int
	// FailureWindow bounds how far apart counted failures may be. A failure
	// arriving after the window since the previous one restarts the count.
	FailureWindow time.Duration
	// Cooldown is the first open period.
	Cooldown time.Duration
	// MaxCooldown caps the doubling applied after failed half-open trials.
	MaxCooldown time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return errors.New("breaker: FailureThreshold must be > 0")
	}
	if c.FailureWindow < 0 {
		return errors.New("breaker: FailureWindow must be >= 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("breaker: Cooldown must be > 0")
	}
	if c.MaxCooldown < c.Cooldown {
		return errors.New("breaker: MaxCooldown must be >= Cooldown")
	}
	return nil
}

// Stats is a point-in-time copy of breaker state.
type Stats struct {
	State         State
	FailureCount  int
	LastFailureAt time.Time
	CooldownUntil time.Time
	Cooldown      time.Duration
	Trips         uint64
	ShortCircuits uint64
}

// Transition describes a state change, delivered to the OnTransition hook.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state         State
	failureCount  int
	lastFailureAt time.Time
	cooldownUntil time.Time
	cooldown      time.Duration

	trialInFlight bool
	trialStarted  time.Time

	trips         uint64
	shortCircuits uint64

	onTransition func(Transition)
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithTransitionHook registers fn to run after every state change. fn runs
// outside the breaker lock.
func WithTransitionHook(fn func(Transition)) Option {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

// New builds a closed breaker. Zero-valued config fields take defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow < 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	b := &Breaker{
		cfg:      cfg,
		now:      time.Now,
		state:    Closed,
		cooldown: cfg.Cooldown,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may go to the protected dependency. It moves
// Open to HalfOpen once the cooldown has elapsed and hands out the single
// half-open trial slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	now := b.now()
	var tr *Transition

	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if !now.Before(b.cooldownUntil) {
			tr = b.setState(HalfOpen, now)
			b.trialInFlight = true
			b.trialStarted = now
			allowed = true
		}
	case HalfOpen:
		// A trial whose outcome was never reported (caller canceled) frees
		// its slot after one cooldown period.
		if !b.trialInFlight || now.Sub(b.trialStarted) >= b.cooldown {
			b.trialInFlight = true
			b.trialStarted = now
			allowed = true
		}
	}
	if !allowed {
		b.shortCircuits++
	}
	b.mu.Unlock()

	b.emit(tr)
	return allowed
}

// Peek returns the state Allow would observe, without side effects.
func (b *Breaker) Peek() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && !b.now().Before(b.cooldownUntil) {
		return HalfOpen
	}
	return b.state
}

// RecordSuccess reports a healthy call. In HalfOpen it closes the circuit and
// resets the failure count and cooldown. A late success arriving while Open
// leaves the circuit open until its cooldown ends.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var tr *Transition
	switch b.state {
	case HalfOpen:
		tr = b.closeLocked(b.now())
	case Closed:
		b.failureCount = 0
	}
	b.mu.Unlock()

	b.emit(tr)
}

// RecordReachable reports that the dependency answered but refused the
// request on domain grounds. A half-open trial counts as proof of recovery;
// closed-state counters are left untouched.
func (b *Breaker) RecordReachable() {
	b.mu.Lock()
	var tr *Transition
	if b.state == HalfOpen {
		tr = b.closeLocked(b.now())
	}
	b.mu.Unlock()

	b.emit(tr)
}

func (b *Breaker) closeLocked(now time.Time) *Transition {
	tr := b.setState(Closed, now)
	b.failureCount = 0
	b.cooldown = b.cfg.Cooldown
	b.cooldownUntil = time.Time{}
	b.trialInFlight = false
	return tr
}

// RecordFailure reports a connectivity failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.now()
	var tr *Transition

	switch b.state {
	case Closed:
		if b.cfg.FailureWindow > 0 && !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > b.cfg.FailureWindow {
			b.failureCount = 0
		}
		b.failureCount++
		b.lastFailureAt = now
		if b.failureCount >= b.cfg.FailureThreshold {
			b.cooldown = b.cfg.Cooldown
			b.cooldownUntil = now.Add(b.cooldown)
			tr = b.setState(Open, now)
		}
	case HalfOpen:
		b.failureCount++
		b.lastFailureAt = now
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.cooldownUntil = now.Add(b.cooldown)
		b.trialInFlight = false
		tr = b.setState(Open, now)
	case Open:
		// Late result from a call admitted before the trip.
		b.failureCount++
		b.lastFailureAt = now
	}
	b.mu.Unlock()

	b.emit(tr)
}

// Stats returns a snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:         b.state,
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
		CooldownUntil: b.cooldownUntil,
		Cooldown:      b.cooldown,
		Trips:         b.trips,
		ShortCircuits: b.shortCircuits,
	}
}

func (b *Breaker) setState(to State, at time.Time) *Transition {
	if b.state == to {
		return nil
	}
	tr := &Transition{From: b.state, To: to, At: at}
	b.state = to
	if to == Open {
		b.trips++
	}
	return tr
}

func (b *Breaker) emit(tr *Transition) {
	if tr == nil || b.onTransition == nil {
		return
	}
	b.onTransition(*tr)
}
