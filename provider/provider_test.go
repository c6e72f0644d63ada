package provider_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/provider"
	"github.com/MrEthical07/authgate/provider/providerfake"
)

func TestNormalizeConvertsVendorErrors(t *testing.T) {
	fake := providerfake.New()
	fake.AddUser("user@example.com", "correct-horse", "User")
	p := provider.Normalize(fake)
	ctx := context.Background()

	_, err := p.SignIn(ctx, "user@example.com", "wrong")
	if !errors.Is(err, autherr.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}

	fake.FailNext(providerfake.OpSignIn, providerfake.ErrUnreachable)
	_, err = p.SignIn(ctx, "user@example.com", "correct-horse")
	if !autherr.IsConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}

	var pe *provider.Error
	if !errors.As(err, &pe) || pe != providerfake.ErrUnreachable {
		t.Fatalf("expected vendor error to stay reachable through Unwrap, got %#v", err)
	}

	fake.FailNext(providerfake.OpSignOut, context.DeadlineExceeded)
	if err := p.SignOut(ctx); !errors.Is(err, autherr.ErrProviderUnavailable) {
		t.Fatalf("expected deadline to classify as unavailable, got %v", err)
	}

	if provider.Normalize(p) != p {
		t.Fatal("expected Normalize to be idempotent")
	}
}

func TestNormalizeErrorStatusTable(t *testing.T) {
	cases := []struct {
		err  error
		want autherr.Code
	}{
		{err: &provider.Error{Status: http.StatusUnprocessableEntity, Code: "user_already_exists"}, want: autherr.CodeUserAlreadyRegistered},
		{err: &provider.Error{Status: http.StatusServiceUnavailable}, want: autherr.CodeProviderUnavailable},
		{err: &provider.Error{Status: http.StatusTooManyRequests, Code: "over_email_send_rate_limit"}, want: autherr.CodeRateLimited},
		{err: &provider.Error{Status: http.StatusBadRequest, Code: "email_not_confirmed"}, want: autherr.CodeProviderRejected},
		{err: autherr.ErrUserNotFound, want: autherr.CodeUserNotFound},
	}
	for _, tc := range cases {
		if got := autherr.CodeOf(provider.NormalizeError(tc.err)); got != tc.want {
			t.Fatalf("NormalizeError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if provider.NormalizeError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestDefaultMapUser(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ref := provider.DefaultMapUser(&provider.User{
		ID:        "u-1",
		Email:     "user@example.com",
		CreatedAt: created,
		Metadata:  map[string]any{"name": "  ", "full_name": "Full Name"},
	})
	if ref.ID != "u-1" || ref.Email != "user@example.com" || !ref.CreatedAt.Equal(created) {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if ref.Name != "Full Name" {
		t.Fatalf("expected fallback to full_name, got %q", ref.Name)
	}
	if (provider.DefaultMapUser(nil) != provider.DefaultMapUser(&provider.User{})) {
		t.Fatal("nil user must map to the zero value")
	}
}

func TestToSessionExpiryOrder(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	explicit := now.Add(10 * time.Minute)
	claimExp := now.Add(30 * time.Minute)

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(claimExp),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name string
		in   provider.Session
		want time.Time
	}{
		{name: "expires at", in: provider.Session{AccessToken: raw, ExpiresAt: explicit, ExpiresIn: time.Hour}, want: explicit},
		{name: "expires in", in: provider.Session{AccessToken: raw, ExpiresIn: time.Hour}, want: now.Add(time.Hour)},
		{name: "claim", in: provider.Session{AccessToken: raw}, want: claimExp},
	}
	for _, tc := range cases {
		s, err := provider.ToSession(&tc.in, nil, nil, now)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !s.ExpiresAt.Equal(tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, s.ExpiresAt)
		}
		if s.TokenType != "bearer" {
			t.Fatalf("%s: expected default token type, got %q", tc.name, s.TokenType)
		}
	}

	if _, err := provider.ToSession(&provider.Session{AccessToken: "opaque"}, nil, nil, now); !errors.Is(err, provider.ErrNoExpiry) {
		t.Fatalf("expected ErrNoExpiry for opaque token without expiry, got %v", err)
	}
	if _, err := provider.ToSession(nil, nil, nil, now); err == nil {
		t.Fatal("expected error for nil session")
	}
}

func TestToSessionUserOverride(t *testing.T) {
	in := &provider.Session{
		AccessToken: "opaque",
		ExpiresIn:   time.Hour,
		User:        &provider.User{ID: "embedded"},
	}
	s, err := provider.ToSession(in, &provider.User{ID: "override", Email: "o@example.com"}, nil, time.Now())
	if err != nil {
		t.Fatalf("to session: %v", err)
	}
	if s.User.ID != "override" {
		t.Fatalf("expected explicit user to win, got %q", s.User.ID)
	}
}
