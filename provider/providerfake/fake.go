// Package providerfake is an in-memory identity provider for tests and the
// load tool. It behaves like a hosted auth backend client: it keeps a
// "current" session, issues short-lived JWT access tokens with rotating
// refresh tokens and reports failures as *provider.Error values.
package providerfake

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/MrEthical07/authgate/provider"
)

var _ provider.Provider = (*Provider)(nil)

// Op names a provider method for failure injection and call counting.
type Op string

const (
	OpSignIn        Op = "sign_in"
	OpSignUp        Op = "sign_up"
	OpSignOut       Op = "sign_out"
	OpGetUser       Op = "get_user"
	OpUpdateUser    Op = "update_user"
	OpResetPassword Op = "reset_password"
	OpVerifyOTP     Op = "verify_otp"
	OpResend        Op = "resend"
	OpGetSession    Op = "get_session"
	OpRefresh       Op = "refresh"
)

// ErrUnreachable is the error the fake reports for a simulated outage.
var ErrUnreachable = &provider.Error{Message: "fetch failed: connection refused"}

// Hook runs before every call. A non-nil error fails the call.
type Hook func(ctx context.Context, op Op) error

type account struct {
	user      provider.User
	password  string
	confirmed bool
}

type issued struct {
	email     string
	expiresAt time.Time
}

// Provider is safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	ttl                 time.Duration
	requireConfirmation bool
	latency             time.Duration
	secret              []byte
	now                 func() time.Time

	accounts map[string]*account
	refresh  map[string]issued
	otps     map[string]otp
	current  *provider.Session

	hook     Hook
	failures map[Op][]error
	calls    map[Op]int

	listenersMu sync.Mutex
	listeners   map[int]provider.StateChangeFunc
	nextID      int
}

type otp struct {
	email   string
	otpType provider.OTPType
}

// Option customizes the fake.
type Option func(*Provider)

// WithSessionTTL sets the access token lifetime. Default one hour.
func WithSessionTTL(d time.Duration) Option {
	return func(p *Provider) { p.ttl = d }
}

// WithEmailConfirmation makes SignUp withhold the session until the signup
// OTP is verified.
func WithEmailConfirmation() Option {
	return func(p *Provider) { p.requireConfirmation = true }
}

// WithLatency delays every call by d, or until ctx is done.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithClock overrides time.Now for token issuance.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New returns an empty fake.
func New(opts ...Option) *Provider {
	p := &Provider{
		ttl:       time.Hour,
		secret:    []byte("providerfake-secret"),
		now:       time.Now,
		accounts:  make(map[string]*account),
		refresh:   make(map[string]issued),
		otps:      make(map[string]otp),
		failures:  make(map[Op][]error),
		calls:     make(map[Op]int),
		listeners: make(map[int]provider.StateChangeFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddUser seeds a confirmed account.
func (p *Provider) AddUser(email, password, name string) provider.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.createLocked(email, password, provider.Attributes{"name": name})
	a.confirmed = true
	return a.user
}

// SetHook installs h, replacing any previous hook.
func (p *Provider) SetHook(h Hook) {
	p.mu.Lock()
	p.hook = h
	p.mu.Unlock()
}

// FailNext queues err for the next call of op. Queued errors are consumed
// in order, one per call.
func (p *Provider) FailNext(op Op, errs ...error) {
	p.mu.Lock()
	p.failures[op] = append(p.failures[op], errs...)
	p.mu.Unlock()
}

// Calls returns how many times op was invoked, failed calls included.
func (p *Provider) Calls(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// OTP returns the pending one-time token issued to email for otpType.
func (p *Provider) OTP(email string, otpType provider.OTPType) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	email = normalizeEmail(email)
	for tok, o := range p.otps {
		if o.email == email && o.otpType == otpType {
			return tok, true
		}
	}
	return "", false
}

// Password returns the stored password of email, for assertions.
func (p *Provider) Password(email string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[normalizeEmail(email)]
	if !ok {
		return "", false
	}
	return a.password, true
}

// Emit delivers an auth-state notification to every subscriber.
func (p *Provider) Emit(event provider.AuthEvent, sess *provider.Session) {
	p.listenersMu.Lock()
	ls := make([]provider.StateChangeFunc, 0, len(p.listeners))
	for _, fn := range p.listeners {
		ls = append(ls, fn)
	}
	p.listenersMu.Unlock()
	for _, fn := range ls {
		fn(event, sess)
	}
}

// Subscribers returns the number of active auth-state subscriptions.
func (p *Provider) Subscribers() int {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	return len(p.listeners)
}

func (p *Provider) enter(ctx context.Context, op Op) error {
	p.mu.Lock()
	p.calls[op]++
	hook := p.hook
	var queued error
	if q := p.failures[op]; len(q) > 0 {
		queued = q[0]
		p.failures[op] = q[1:]
	}
	latency := p.latency
	p.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx, op); err != nil {
			return err
		}
	}
	return queued
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (provider.Result, error) {
	if err := p.enter(ctx, OpSignIn); err != nil {
		return provider.Result{}, err
	}
	p.mu.Lock()
	a, ok := p.accounts[normalizeEmail(email)]
	if !ok || a.password != password {
		p.mu.Unlock()
		return provider.Result{}, &provider.Error{Status: http.StatusBadRequest, Code: "invalid_credentials", Message: "Invalid login credentials"}
	}
	if !a.confirmed {
		p.mu.Unlock()
		return provider.Result{}, &provider.Error{Status: http.StatusBadRequest, Code: "email_not_confirmed", Message: "Email not confirmed"}
	}
	sess := p.issueLocked(a)
	p.mu.Unlock()

	p.Emit(provider.EventSignedIn, sess)
	return provider.Result{Session: sess, User: userCopy(sess.User)}, nil
}

func (p *Provider) SignUp(ctx context.Context, email, password string, attrs provider.Attributes) (provider.Result, error) {
	if err := p.enter(ctx, OpSignUp); err != nil {
		return provider.Result{}, err
	}
	p.mu.Lock()
	if _, exists := p.accounts[normalizeEmail(email)]; exists {
		p.mu.Unlock()
		return provider.Result{}, &provider.Error{Status: http.StatusUnprocessableEntity, Code: "user_already_exists", Message: "User already registered"}
	}
	a := p.createLocked(email, password, attrs)
	if p.requireConfirmation {
		p.otps[uuid.NewString()] = otp{email: a.user.Email, otpType: provider.OTPSignup}
		u := a.user
		p.mu.Unlock()
		return provider.Result{User: &u}, nil
	}
	a.confirmed = true
	sess := p.issueLocked(a)
	p.mu.Unlock()

	p.Emit(provider.EventSignedIn, sess)
	return provider.Result{Session: sess, User: userCopy(sess.User)}, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	if err := p.enter(ctx, OpSignOut); err != nil {
		return err
	}
	p.mu.Lock()
	had := p.current != nil
	if had {
		delete(p.refresh, p.current.RefreshToken)
	}
	p.current = nil
	p.mu.Unlock()

	if had {
		p.Emit(provider.EventSignedOut, nil)
	}
	return nil
}

func (p *Provider) GetUser(ctx context.Context) (*provider.User, error) {
	if err := p.enter(ctx, OpGetUser); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.currentAccountLocked()
	if err != nil {
		return nil, err
	}
	u := a.user
	return &u, nil
}

func (p *Provider) UpdateUser(ctx context.Context, patch provider.UserPatch) (*provider.User, error) {
	if err := p.enter(ctx, OpUpdateUser); err != nil {
		return nil, err
	}
	p.mu.Lock()
	a, err := p.currentAccountLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if patch.Email != nil {
		next := normalizeEmail(*patch.Email)
		if other, taken := p.accounts[next]; taken && other != a {
			p.mu.Unlock()
			return nil, &provider.Error{Status: http.StatusUnprocessableEntity, Code: "email_exists", Message: "A user with this email address has already been registered"}
		}
		delete(p.accounts, a.user.Email)
		a.user.Email = next
		p.accounts[next] = a
	}
	if patch.Password != nil {
		if *patch.Password == a.password {
			p.mu.Unlock()
			return nil, &provider.Error{Status: http.StatusUnprocessableEntity, Code: "same_password", Message: "New password should be different from the old password."}
		}
		a.password = *patch.Password
	}
	if len(patch.Data) > 0 {
		if a.user.Metadata == nil {
			a.user.Metadata = make(map[string]any, len(patch.Data))
		}
		for k, v := range patch.Data {
			a.user.Metadata[k] = v
		}
	}
	a.user.UpdatedAt = p.now()
	u := a.user
	u.Metadata = copyMeta(a.user.Metadata)
	p.current.User = userCopy(&u)
	notice := *p.current
	notice.User = userCopy(&u)
	p.mu.Unlock()

	p.Emit(provider.EventUserUpdated, &notice)
	return &u, nil
}

func (p *Provider) ResetPasswordForEmail(ctx context.Context, email string) error {
	if err := p.enter(ctx, OpResetPassword); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[normalizeEmail(email)]; ok {
		p.otps[uuid.NewString()] = otp{email: normalizeEmail(email), otpType: provider.OTPRecovery}
	}
	return nil
}

func (p *Provider) VerifyOTP(ctx context.Context, tokenHash string, otpType provider.OTPType) (provider.Result, error) {
	if err := p.enter(ctx, OpVerifyOTP); err != nil {
		return provider.Result{}, err
	}
	p.mu.Lock()
	o, ok := p.otps[tokenHash]
	if !ok || o.otpType != otpType {
		p.mu.Unlock()
		return provider.Result{}, &provider.Error{Status: http.StatusForbidden, Code: "otp_expired", Message: "Token has expired or is invalid"}
	}
	delete(p.otps, tokenHash)
	a := p.accounts[o.email]
	a.confirmed = true
	sess := p.issueLocked(a)
	p.mu.Unlock()

	p.Emit(provider.EventSignedIn, sess)
	return provider.Result{Session: sess, User: userCopy(sess.User)}, nil
}

func (p *Provider) Resend(ctx context.Context, otpType provider.OTPType, email string) error {
	if err := p.enter(ctx, OpResend); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[normalizeEmail(email)]; ok && !(otpType == provider.OTPSignup && a.confirmed) {
		p.otps[uuid.NewString()] = otp{email: a.user.Email, otpType: otpType}
	}
	return nil
}

func (p *Provider) GetSession(ctx context.Context) (*provider.Session, error) {
	if err := p.enter(ctx, OpGetSession); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, nil
	}
	s := *p.current
	s.User = userCopy(p.current.User)
	return &s, nil
}

func (p *Provider) RefreshSession(ctx context.Context, refreshToken string) (provider.Result, error) {
	if err := p.enter(ctx, OpRefresh); err != nil {
		return provider.Result{}, err
	}
	p.mu.Lock()
	iss, ok := p.refresh[refreshToken]
	if !ok {
		p.mu.Unlock()
		return provider.Result{}, &provider.Error{Status: http.StatusBadRequest, Code: "refresh_token_not_found", Message: "Invalid Refresh Token: Refresh Token Not Found"}
	}
	delete(p.refresh, refreshToken)
	a, ok := p.accounts[iss.email]
	if !ok {
		p.mu.Unlock()
		return provider.Result{}, &provider.Error{Status: http.StatusNotFound, Code: "user_not_found", Message: "User not found"}
	}
	sess := p.issueLocked(a)
	p.mu.Unlock()

	p.Emit(provider.EventTokenRefreshed, sess)
	return provider.Result{Session: sess, User: userCopy(sess.User)}, nil
}

func (p *Provider) OnAuthStateChange(fn provider.StateChangeFunc) func() {
	p.listenersMu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.listenersMu.Unlock()

	return func() {
		p.listenersMu.Lock()
		delete(p.listeners, id)
		p.listenersMu.Unlock()
	}
}

func (p *Provider) createLocked(email, password string, attrs provider.Attributes) *account {
	now := p.now()
	a := &account{
		user: provider.User{
			ID:        uuid.NewString(),
			Email:     normalizeEmail(email),
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  copyMeta(attrs),
		},
		password: password,
	}
	p.accounts[a.user.Email] = a
	return a
}

func (p *Provider) currentAccountLocked() (*account, error) {
	if p.current == nil || !p.current.ExpiresAt.After(p.now()) {
		return nil, &provider.Error{Status: http.StatusUnauthorized, Code: "no_authorization", Message: "Auth session missing!"}
	}
	for _, a := range p.accounts {
		if a.user.ID == p.current.User.ID {
			return a, nil
		}
	}
	return nil, &provider.Error{Status: http.StatusNotFound, Code: "user_not_found", Message: "User not found"}
}

func (p *Provider) issueLocked(a *account) *provider.Session {
	now := p.now()
	exp := now.Add(p.ttl)
	claims := struct {
		Email string `json:"email"`
		jwt.RegisteredClaims
	}{
		Email: a.user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   a.user.ID,
			Issuer:    "providerfake",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		panic(fmt.Sprintf("providerfake: sign token: %v", err))
	}

	refresh := uuid.NewString()
	p.refresh[refresh] = issued{email: a.user.Email, expiresAt: exp}

	u := a.user
	u.Metadata = copyMeta(a.user.Metadata)
	sess := &provider.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    p.ttl,
		ExpiresAt:    exp,
		User:         &u,
	}
	p.current = sess
	out := *sess
	out.User = userCopy(sess.User)
	return &out
}

func userCopy(u *provider.User) *provider.User {
	if u == nil {
		return nil
	}
	out := *u
	out.Metadata = copyMeta(u.Metadata)
	return &out
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
