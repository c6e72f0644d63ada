package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/MrEthical07/authgate/autherr"
)

// ErrExpired is returned by Manager.Set for sessions that are already expired.
var ErrExpired = errors.New("session: already expired")

var errNoRefreshToken = errors.New("session: no refresh token")

// Refresher exchanges a refresh token for a new session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
}

// RefreshFunc adapts a function to [Refresher].
type RefreshFunc func(ctx context.Context, refreshToken string) (*Session, error)

func (f RefreshFunc) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	return f(ctx, refreshToken)
}

// Listener receives a private copy of every new session, or nil on clear.
//
// Listeners run synchronously, in subscription order, while the Manager
// serializes the change that triggered them. They must not call Set, Update,
// Clear, Restore or Close.
type Listener func(*Session)

// EventKind classifies Manager lifecycle events.
type EventKind uint8

const (
	EventSet EventKind = iota + 1
	EventRestored
	EventRefreshed
	// EventRefreshDeferred is a timer refresh that failed on connectivity
	// while the session was still valid; a retry is scheduled.
	EventRefreshDeferred
	EventRefreshFailed
	EventExpired
	EventCleared
)

func (k EventKind) String() string {
	switch k {
	case EventSet:
		return "set"
	case EventRestored:
		return "restored"
	case EventRefreshed:
		return "refreshed"
	case EventRefreshDeferred:
		return "refresh_deferred"
	case EventRefreshFailed:
		return "refresh_failed"
	case EventExpired:
		return "expired"
	case EventCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Event is delivered to the hook installed with WithEventHook.
type Event struct {
	Kind   EventKind
	Forced bool
	Err    error
}

// Config tunes a Manager.
type Config struct {
	// RefreshThreshold is how long before expiry the refresh timer fires.
	RefreshThreshold time.Duration
	// RetryInterval spaces timer refresh retries after connectivity failures.
	RetryInterval time.Duration
	// PersistTimeout bounds every Store call.
	PersistTimeout time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		RefreshThreshold: 300 * time.Second,
		RetryInterval:    30 * time.Second,
		PersistTimeout:   2 * time.Second,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l.With().Str("component", "session_manager").Logger()
	}
}

// WithClock overrides time.Now for validity checks. Timers still run on the
// wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithEventHook registers fn for lifecycle events. fn runs while the change
// is serialized and must not block.
func WithEventHook(fn func(Event)) Option {
	return func(m *Manager) {
		m.onEvent = fn
	}
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Manager is the single source of truth for the active session.
//
// Mutations (Set, Update, Clear, Restore and applying a refresh result) are
// serialized, including their persistence and listener notification. Reads
// (Get, HasValid) never wait on a mutation in progress or on refresh I/O.
type Manager struct {
	cfg       Config
	store     Store
	refresher Refresher
	log       zerolog.Logger
	now       func() time.Time
	onEvent   func(Event)

	writeMu  sync.Mutex
	timer    *time.Timer
	timerGen uint64

	mu      sync.RWMutex
	current *Session

	listenersMu sync.Mutex
	listeners   []listenerEntry
	nextID      uint64

	flights singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewManager builds a Manager. A nil store selects a [MemoryStore]; a nil
// refresher disables refresh, in which case sessions are dropped at expiry.
func NewManager(store Store, refresher Refresher, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.RefreshThreshold < 0 {
		cfg.RefreshThreshold = def.RefreshThreshold
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if store == nil {
		store = NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		store:     store,
		refresher: refresher,
		log:       zerolog.Nop(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a copy of the current session, or nil.
func (m *Manager) Get() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.clone()
}

// HasValid reports whether a session exists and has not expired.
func (m *Manager) HasValid() bool {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()
	return s.Valid(m.now())
}

// Set replaces the current session, persists it, schedules its refresh and
// notifies listeners. A persistence failure is logged and the in-memory
// session stays authoritative.
func (m *Manager) Set(ctx context.Context, s *Session) error {
	if err := check(s); err != nil {
		return err
	}
	if !s.Valid(m.now()) {
		return ErrExpired
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.applyLocked(ctx, s.clone(), true)
	m.emit(Event{Kind: EventSet})
	return nil
}

// Update atomically replaces the current session with fn's result. fn gets a
// copy of the current session and returns nil to keep it. Update reports
// whether a replacement was applied; it never creates a session.
func (m *Manager) Update(ctx context.Context, fn func(cur *Session) *Session) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.current == nil {
		return false
	}
	next := fn(m.current.clone())
	if next == nil || check(next) != nil || !next.Valid(m.now()) {
		return false
	}
	m.applyLocked(ctx, next.clone(), true)
	m.emit(Event{Kind: EventSet})
	return true
}

// Clear drops the current session, cancels its timer and deletes the
// persisted record. Clearing an empty Manager notifies no one.
func (m *Manager) Clear(ctx context.Context) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.clearLocked(ctx) {
		m.emit(Event{Kind: EventCleared})
	}
}

// Restore loads the persisted session and adopts it if it is still valid.
// An expired, absent or unreadable record is deleted. A Manager that already
// holds a valid session keeps it.
func (m *Manager) Restore(ctx context.Context) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.current.Valid(m.now()) {
		return true
	}

	lctx, cancel := m.storeContext(ctx)
	s, err := m.store.Load(lctx)
	cancel()
	if err != nil {
		m.log.Warn().Err(err).Msg("session restore failed")
		return false
	}
	if !s.Valid(m.now()) {
		m.clearStore(ctx)
		return false
	}

	m.applyLocked(ctx, s, false)
	m.emit(Event{Kind: EventRestored})
	return true
}

// ForceRefresh refreshes the current session out of band. On failure the
// session is cleared. Concurrent calls, including the timer, share one
// refresh round trip.
func (m *Manager) ForceRefresh(ctx context.Context) bool {
	return m.refresh(ctx, true)
}

// Subscribe registers fn and returns its disposer. The disposer is safe to
// call more than once.
func (m *Manager) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	m.listenersMu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			defer m.listenersMu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Close stops the refresh timer, cancels in-flight refreshes and drops all
// listeners. The session itself is kept. Close is idempotent; a closed
// Manager still accepts Set and Clear but schedules nothing.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.cancel()

	m.writeMu.Lock()
	m.stopTimerLocked()
	m.writeMu.Unlock()

	m.listenersMu.Lock()
	m.listeners = nil
	m.listenersMu.Unlock()
}

func (m *Manager) applyLocked(ctx context.Context, s *Session, persist bool) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	if persist {
		pctx, cancel := m.storeContext(ctx)
		if err := m.store.Save(pctx, s); err != nil {
			m.log.Warn().Err(err).Msg("session persist failed, keeping in-memory session")
		}
		cancel()
	}

	m.scheduleLocked(s, m.nextDelay(s))
	m.notify(s)
}

func (m *Manager) clearLocked(ctx context.Context) bool {
	m.stopTimerLocked()

	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()

	m.clearStore(ctx)
	if prev == nil {
		return false
	}
	m.notify(nil)
	return true
}

func (m *Manager) clearStore(ctx context.Context) {
	cctx, cancel := m.storeContext(ctx)
	defer cancel()
	if err := m.store.Clear(cctx); err != nil {
		m.log.Warn().Err(err).Msg("session store clear failed")
	}
}

// storeContext detaches persistence from caller cancellation: a login whose
// caller went away must still be persisted.
func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PersistTimeout)
}

func (m *Manager) canRefresh(s *Session) bool {
	return s != nil && s.RefreshToken != "" && m.refresher != nil
}

func (m *Manager) nextDelay(s *Session) time.Duration {
	now := m.now()
	if m.canRefresh(s) {
		return s.ExpiresAt.Add(-m.cfg.RefreshThreshold).Sub(now)
	}
	return s.ExpiresAt.Sub(now)
}

func (m *Manager) scheduleLocked(s *Session, delay time.Duration) {
	m.stopTimerLocked()
	if s == nil || m.closed.Load() {
		return
	}
	if delay < 0 {
		delay = 0
	}
	gen := m.timerGen
	m.timer = time.AfterFunc(delay, func() { m.fire(gen) })
	m.log.Debug().Dur("in", delay).Bool("refresh", m.canRefresh(s)).Msg("session timer scheduled")
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *Manager) fire(gen uint64) {
	if m.closed.Load() {
		return
	}

	m.writeMu.Lock()
	if gen != m.timerGen {
		m.writeMu.Unlock()
		return
	}
	cur := m.current
	if !m.canRefresh(cur) {
		if cur != nil {
			if cur.Valid(m.now()) {
				m.scheduleLocked(cur, cur.ExpiresAt.Sub(m.now()))
			} else {
				m.clearLocked(m.ctx)
				m.emit(Event{Kind: EventExpired})
			}
		}
		m.writeMu.Unlock()
		return
	}
	m.writeMu.Unlock()

	m.refresh(m.ctx, false)
}

func (m *Manager) refresh(ctx context.Context, forced bool) bool {
	m.mu.RLock()
	origin := m.current
	m.mu.RUnlock()
	if origin == nil {
		return false
	}

	if !m.canRefresh(origin) {
		if forced {
			m.writeMu.Lock()
			if m.current == origin {
				m.log.Warn().Msg("forced refresh without refresh token, clearing session")
				m.clearLocked(ctx)
				m.emit(Event{Kind: EventRefreshFailed, Forced: true, Err: errNoRefreshToken})
			}
			m.writeMu.Unlock()
		}
		return false
	}

	ch := m.flights.DoChan(origin.AccessToken, func() (any, error) {
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(m.ctx, cancel)
		defer stop()
		return m.refresher.Refresh(rctx, origin.RefreshToken)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return false
	case res = <-ch:
	}

	var next *Session
	if res.Err == nil {
		next, _ = res.Val.(*Session)
		next = merge(origin, next)
		if check(next) != nil || !next.Valid(m.now()) {
			res.Err = ErrInvalid
		}
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.current
	if cur == nil || cur.AccessToken != origin.AccessToken {
		// Superseded by a login, logout or another refresh while in flight.
		return res.Err == nil && cur.Valid(m.now())
	}

	if res.Err == nil {
		m.applyLocked(ctx, next, true)
		m.emit(Event{Kind: EventRefreshed, Forced: forced})
		return true
	}

	if m.closed.Load() && autherr.IsCanceled(res.Err) {
		return false
	}

	if !forced && autherr.IsConnectivity(res.Err) && origin.Valid(m.now()) {
		retry := m.cfg.RetryInterval
		if left := origin.ExpiresAt.Sub(m.now()); left < retry {
			retry = left
		}
		m.log.Warn().Err(res.Err).Dur("retry_in", retry).Msg("session refresh deferred")
		m.scheduleLocked(origin, retry)
		m.emit(Event{Kind: EventRefreshDeferred, Err: res.Err})
		return false
	}

	m.log.Warn().Err(res.Err).Bool("forced", forced).Msg("session refresh failed, clearing session")
	m.clearLocked(ctx)
	m.emit(Event{Kind: EventRefreshFailed, Forced: forced, Err: res.Err})
	return false
}

// merge fills fields a refresh response may omit from the session it replaces.
func merge(origin, next *Session) *Session {
	if next == nil {
		return nil
	}
	out := *next
	if out.RefreshToken == "" {
		out.RefreshToken = origin.RefreshToken
	}
	if out.TokenType == "" {
		out.TokenType = origin.TokenType
	}
	if out.User.ID == "" {
		out.User = origin.User
	}
	return &out
}

func (m *Manager) notify(s *Session) {
	m.listenersMu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l.fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range ls {
		fn(s.clone())
	}
}

func (m *Manager) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}
