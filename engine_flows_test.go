package authgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MrEthical07/authgate/provider"
	"github.com/MrEthical07/authgate/provider/providerfake"
	"github.com/MrEthical07/authgate/session"
)

// gateFirstSignIn blocks the first SignIn until release is closed.
func gateFirstSignIn(h *harness) (entered <-chan struct{}, release chan struct{}) {
	in := make(chan struct{}, 1)
	release = make(chan struct{})
	var calls atomic.Int32
	h.fake.SetHook(func(ctx context.Context, op providerfake.Op) error {
		if op != providerfake.OpSignIn || calls.Add(1) != 1 {
			return nil
		}
		in <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return in, release
}

type loginOutcome struct {
	res *LoginResult
	err error
}

func loginAsync(e *Engine, email, password string) <-chan loginOutcome {
	out := make(chan loginOutcome, 1)
	go func() {
		res, err := e.Login(context.Background(), email, password)
		out <- loginOutcome{res: res, err: err}
	}()
	return out
}

func TestLoginRejectConcurrent(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.Login.Policy = LoginRejectConcurrent }))
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	h.fake.AddUser("bob@example.com", bobPassword, "Bob")

	entered, release := gateFirstSignIn(h)
	first := loginAsync(h.engine, "alice@example.com", alicePassword)
	<-entered

	_, err := h.engine.Login(context.Background(), "bob@example.com", bobPassword)
	if !errors.Is(err, ErrLoginInProgress) {
		t.Fatalf("expected ErrLoginInProgress, got %v", err)
	}

	close(release)
	out := <-first
	if out.err != nil {
		t.Fatalf("first login: %v", out.err)
	}
	if got := h.engine.CurrentSession(); got == nil || got.User.Email != "alice@example.com" {
		t.Fatalf("expected alice's session, got %+v", got)
	}

	// Once the first attempt finished, logins are admitted again.
	h.login(t, "bob@example.com", bobPassword)
}

func TestLoginLastStartedWinsDiscardsOlderAttempt(t *testing.T) {
	h := newHarness(t, withMetrics(), withConfig(func(c *Config) { c.Login.Policy = LoginLastStartedWins }))
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	h.fake.AddUser("bob@example.com", bobPassword, "Bob")

	entered, release := gateFirstSignIn(h)
	first := loginAsync(h.engine, "alice@example.com", alicePassword)
	<-entered

	second := h.login(t, "bob@example.com", bobPassword)

	close(release)
	out := <-first
	if CodeOf(out.err) != CodeLoginInProgress {
		t.Fatalf("expected superseded login to fail with %s, got %v", CodeLoginInProgress, out.err)
	}

	cur := h.engine.CurrentSession()
	if cur == nil || cur.AccessToken != second.AccessToken {
		t.Fatal("newer login's session was replaced")
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricLoginSuperseded]; got != 1 {
		t.Fatalf("expected one superseded login, got %d", got)
	}
}

func TestLoginLastCompletedWinsByDefault(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	h.fake.AddUser("bob@example.com", bobPassword, "Bob")

	entered, release := gateFirstSignIn(h)
	first := loginAsync(h.engine, "alice@example.com", alicePassword)
	<-entered

	h.login(t, "bob@example.com", bobPassword)

	close(release)
	out := <-first
	if out.err != nil {
		t.Fatalf("slower login: %v", out.err)
	}
	cur := h.engine.CurrentSession()
	if cur == nil || cur.AccessToken != out.res.AccessToken {
		t.Fatal("expected the last completed login to own the session")
	}
}

func TestConcurrentLoginsLeaveOneConsistentSession(t *testing.T) {
	h := newHarness(t)
	const n = 5
	for i := 0; i < n; i++ {
		h.fake.AddUser(fmt.Sprintf("user%d@example.com", i), alicePassword, fmt.Sprintf("User %d", i))
	}

	var wg sync.WaitGroup
	results := make([]*LoginResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.engine.Login(context.Background(), fmt.Sprintf("user%d@example.com", i), alicePassword)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("login %d: %v", i, err)
		}
	}

	cur := h.engine.CurrentSession()
	if cur == nil {
		t.Fatal("expected an active session")
	}
	matches := 0
	for _, res := range results {
		if res.AccessToken == cur.AccessToken {
			matches++
			if res.User.Email != cur.User.Email {
				t.Fatalf("session tokens and user disagree: %s vs %s", res.User.Email, cur.User.Email)
			}
		}
	}
	if matches != 1 {
		t.Fatalf("expected the session to match exactly one result, matched %d", matches)
	}

	stored, err := session.NewRedisStore(h.rdb, h.cfg.Session.StorageKey).Load(context.Background())
	if err != nil || stored == nil || stored.AccessToken != cur.AccessToken {
		t.Fatalf("persisted session differs from active one: %+v %v", stored, err)
	}
}

func TestForgotPasswordDoesNotDiscloseAccounts(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	ctx := context.Background()

	if err := h.engine.ForgotPassword(ctx, "nobody@example.com"); err != nil {
		t.Fatalf("unknown address: %v", err)
	}
	if err := h.engine.ForgotPassword(ctx, "Alice@example.com"); err != nil {
		t.Fatalf("known address: %v", err)
	}
	if _, ok := h.fake.OTP("alice@example.com", provider.OTPRecovery); !ok {
		t.Fatal("expected a recovery token for alice")
	}

	// Throttled: acknowledged without reaching the provider.
	if err := h.engine.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("throttled request: %v", err)
	}
	if got := h.fake.Calls(providerfake.OpResetPassword); got != 2 {
		t.Fatalf("expected 2 provider calls, got %d", got)
	}
}

func TestForgotPasswordSurfacesOutage(t *testing.T) {
	h := newHarness(t)
	h.fake.FailNext(providerfake.OpResetPassword, providerfake.ErrUnreachable)
	h.fallback.SetDown(true)

	err := h.engine.ForgotPassword(context.Background(), "alice@example.com")
	if !errors.Is(err, ErrFallbackExhausted) {
		t.Fatalf("expected ErrFallbackExhausted, got %v", err)
	}
}

func TestForgotPasswordWithoutThrottle(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.Throttle.Enabled = false }))
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	for i := 0; i < 3; i++ {
		if err := h.engine.ForgotPassword(context.Background(), "alice@example.com"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if got := h.fake.Calls(providerfake.OpResetPassword); got != 3 {
		t.Fatalf("expected every request to reach the provider, got %d", got)
	}
}

func TestResendVerificationIsThrottled(t *testing.T) {
	h := newHarness(t, withFake(providerfake.WithEmailConfirmation()))
	ctx := context.Background()
	if _, err := h.engine.Register(ctx, "carol@example.com", alicePassword, "Carol"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := h.engine.ResendVerificationEmail(ctx, "carol@example.com", provider.OTPSignup); err != nil {
		t.Fatalf("first resend: %v", err)
	}
	err := h.engine.ResendVerificationEmail(ctx, "carol@example.com", provider.OTPSignup)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := h.fake.Calls(providerfake.OpResend); got != 1 {
		t.Fatalf("expected one provider resend, got %d", got)
	}

	// Throttle keys are per action.
	if err := h.engine.ForgotPassword(ctx, "carol@example.com"); err != nil {
		t.Fatalf("forgot password after resend: %v", err)
	}
}

func TestResetPasswordFlow(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	ctx := context.Background()

	if err := h.engine.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("forgot password: %v", err)
	}
	token, ok := h.fake.OTP("alice@example.com", provider.OTPRecovery)
	if !ok {
		t.Fatal("no recovery token issued")
	}

	if err := h.engine.ResetPassword(ctx, token, bobPassword); err != nil {
		t.Fatalf("reset password: %v", err)
	}
	if pw, _ := h.fake.Password("alice@example.com"); pw != bobPassword {
		t.Fatalf("provider password not updated, got %q", pw)
	}
	if h.engine.HasValidSession() {
		t.Fatal("reset must not establish a local session")
	}

	h.login(t, "alice@example.com", bobPassword)

	if err := h.engine.ResetPassword(ctx, token, "another-pass-3"); CodeOf(err) == "" {
		t.Fatal("expected a used recovery token to be refused")
	}
}

func TestResetPasswordThroughFallback(t *testing.T) {
	h := newHarness(t)
	h.fallback.AddUser("alice@example.com", alicePassword, "Alice")
	ctx := context.Background()

	h.fake.FailNext(providerfake.OpResetPassword, providerfake.ErrUnreachable)
	if err := h.engine.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("forgot password: %v", err)
	}
	token, ok := h.fallback.OTP("alice@example.com", string(provider.OTPRecovery))
	if !ok {
		t.Fatal("fallback issued no recovery token")
	}

	h.fake.FailNext(providerfake.OpVerifyOTP, providerfake.ErrUnreachable)
	if err := h.engine.ResetPassword(ctx, token, bobPassword); err != nil {
		t.Fatalf("reset password: %v", err)
	}
	if pw, _ := h.fallback.Password("alice@example.com"); pw != bobPassword {
		t.Fatalf("fallback password not updated, got %q", pw)
	}
}

func TestChangePasswordRotatesSession(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	before := h.login(t, "alice@example.com", alicePassword)

	err := h.engine.ChangePassword(context.Background(), PasswordChange{Current: alicePassword, New: bobPassword})
	if err != nil {
		t.Fatalf("change password: %v", err)
	}
	if pw, _ := h.fake.Password("alice@example.com"); pw != bobPassword {
		t.Fatalf("provider password not updated, got %q", pw)
	}
	cur := h.engine.CurrentSession()
	if cur == nil || cur.AccessToken == before.AccessToken {
		t.Fatal("expected the re-authenticated session to replace the old one")
	}
	if cur.User.Email != "alice@example.com" {
		t.Fatalf("unexpected user %+v", cur.User)
	}
}

func TestChangePasswordRejections(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	h.login(t, "alice@example.com", alicePassword)
	ctx := context.Background()

	err := h.engine.ChangePassword(ctx, PasswordChange{Current: "not-my-password", New: bobPassword})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if !h.engine.HasValidSession() {
		t.Fatal("a wrong current password must not end the session")
	}

	err = h.engine.ChangePassword(ctx, PasswordChange{Current: alicePassword, New: alicePassword})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if got := h.fake.Calls(providerfake.OpUpdateUser); got != 0 {
		t.Fatalf("expected no provider update, got %d", got)
	}
}

func TestGetProfileCachesUser(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	h.login(t, "alice@example.com", alicePassword)

	u, err := h.engine.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if u.Name != "Alice" || u.Email != "alice@example.com" {
		t.Fatalf("unexpected profile %+v", u)
	}
	if cur := h.engine.CurrentSession(); cur.User.ID != u.ID {
		t.Fatalf("session user %q does not match profile %q", cur.User.ID, u.ID)
	}
}

func TestGetProfileThroughFallback(t *testing.T) {
	h := newHarness(t)
	h.fallback.AddUser("alice@example.com", alicePassword, "Alice")
	h.fake.FailNext(providerfake.OpSignIn, providerfake.ErrUnreachable)
	h.login(t, "alice@example.com", alicePassword)

	h.fake.FailNext(providerfake.OpGetUser, providerfake.ErrUnreachable)
	u, err := h.engine.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if u.Name != "Alice" {
		t.Fatalf("unexpected profile %+v", u)
	}
}

func TestUpdateProfileName(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	h.login(t, "alice@example.com", alicePassword)

	name := "  Alice Liddell "
	u, err := h.engine.UpdateProfile(context.Background(), ProfilePatch{Name: &name})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if u.Name != "Alice Liddell" {
		t.Fatalf("expected trimmed name, got %q", u.Name)
	}
	if cur := h.engine.CurrentSession(); cur.User.Name != "Alice Liddell" {
		t.Fatalf("session user not refreshed: %+v", cur.User)
	}

	if _, err := h.engine.UpdateProfile(context.Background(), ProfilePatch{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty patch, got %v", err)
	}
}

func TestChangeEmail(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	h.login(t, "alice@example.com", alicePassword)
	ctx := context.Background()

	res, err := h.engine.ChangeEmail(ctx, " Alice@Wonderland.example ")
	if err != nil {
		t.Fatalf("change email: %v", err)
	}
	if res.NewEmail != "alice@wonderland.example" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := h.fake.Password("alice@wonderland.example"); !ok {
		t.Fatal("provider account not moved to the new address")
	}

	if _, err := h.engine.ChangeEmail(ctx, "alice@wonderland.example"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unchanged email, got %v", err)
	}
}

func TestGetProfileIgnoresOtherProviderUser(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	h.fake.AddUser("bob@example.com", bobPassword, "Bob")
	ctx := context.Background()
	res := h.login(t, "alice@example.com", alicePassword)

	// Redeeming bob's recovery token moves the provider's current session to bob.
	if err := h.engine.ForgotPassword(ctx, "bob@example.com"); err != nil {
		t.Fatalf("forgot password: %v", err)
	}
	token, ok := h.fake.OTP("bob@example.com", provider.OTPRecovery)
	if !ok {
		t.Fatal("no recovery token issued")
	}
	if err := h.engine.ResetPassword(ctx, token, "another-pass-3"); err != nil {
		t.Fatalf("reset password: %v", err)
	}

	u, err := h.engine.GetProfile(ctx)
	if CodeOf(err) != CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got profile %+v err %v", u, err)
	}
	cur := h.engine.CurrentSession()
	if cur == nil || cur.AccessToken != res.AccessToken {
		t.Fatal("alice's session must stay active")
	}
	if cur.User.Email != "alice@example.com" {
		t.Fatalf("session relabelled to %q", cur.User.Email)
	}
}

func TestCacheUserRejectsOtherUser(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	res := h.login(t, "alice@example.com", alicePassword)

	h.engine.cacheUser(context.Background(), res.AccessToken, session.UserRef{ID: "someone-else", Email: "mallory@example.com"})
	if got := h.engine.CurrentSession().User.Email; got != "alice@example.com" {
		t.Fatalf("expected alice to stay cached, got %q", got)
	}

	h.engine.cacheUser(context.Background(), res.AccessToken, session.UserRef{Name: "Alice Renamed"})
	if got := h.engine.CurrentSession().User; got.Name != "Alice Renamed" || got.ID != res.User.ID {
		t.Fatalf("expected same-user update, got %+v", got)
	}
}

// sessionlessRecovery redeems recovery tokens without yielding a session.
type sessionlessRecovery struct {
	*providerfake.Provider
}

func (sessionlessRecovery) VerifyOTP(context.Context, string, provider.OTPType) (provider.Result, error) {
	return provider.Result{}, nil
}

func TestResetPasswordWithoutRecoverySessionSkipsUpdate(t *testing.T) {
	h := newHarness(t)
	h.fake.AddUser("alice@example.com", alicePassword, "Alice")
	h.login(t, "alice@example.com", alicePassword)

	engine, err := New().
		WithConfig(h.cfg).
		WithProvider(sessionlessRecovery{h.fake}).
		WithRedis(h.rdb).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Cleanup)

	err = engine.ResetPassword(context.Background(), "recovery-token", bobPassword)
	if CodeOf(err) != CodeProviderRejected {
		t.Fatalf("expected provider rejection, got %v", err)
	}
	if n := h.fake.Calls(providerfake.OpUpdateUser); n != 0 {
		t.Fatalf("expected no password update, got %d", n)
	}
	if pw, _ := h.fake.Password("alice@example.com"); pw != alicePassword {
		t.Fatal("the provider's current user must keep its password")
	}
}
