package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/token"
)

// Endpoint paths of the fallback API.
const (
	PathLogin              = "/api/auth/login"
	PathRegister           = "/api/auth/register"
	PathLogout             = "/api/auth/logout"
	PathProfile            = "/api/auth/profile"
	PathRefresh            = "/api/auth/refresh"
	PathForgotPassword     = "/api/auth/forgot-password"
	PathResetPassword      = "/api/auth/reset-password"
	PathChangePassword     = "/api/auth/change-password"
	PathVerifyEmail        = "/api/auth/verify-email"
	PathResendVerification = "/api/auth/resend-verification"
	DefaultHealthPath      = "/api/health"
)

// AuthResponse is the body returned by login, register, refresh and
// verify-email. AccessToken is empty when registration awaits verification.
type AuthResponse struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	TokenType    string     `json:"tokenType,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	// ExpiresIn is in seconds.
	ExpiresIn int64            `json:"expiresIn,omitempty"`
	User      *session.UserRef `json:"user,omitempty"`
}

// HasSession reports whether the response carries tokens.
func (r *AuthResponse) HasSession() bool {
	return r != nil && r.AccessToken != ""
}

// Session converts the response. Expiry comes from expiresAt, else
// now+expiresIn, else the access token's exp claim.
func (r *AuthResponse) Session(now time.Time) (*session.Session, error) {
	if !r.HasSession() {
		return nil, autherr.New(autherr.CodeProviderUnavailable, "fallback response carries no session")
	}
	var expiresAt time.Time
	switch {
	case r.ExpiresAt != nil && !r.ExpiresAt.IsZero():
		expiresAt = *r.ExpiresAt
	case r.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	default:
		exp, err := token.ExpiresAt(r.AccessToken)
		if err != nil {
			return nil, autherr.Wrap(autherr.CodeProviderUnavailable, "fallback session has no expiry", err)
		}
		expiresAt = exp
	}

	s := &session.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    expiresAt,
		TokenType:    r.TokenType,
	}
	if s.TokenType == "" {
		s.TokenType = "bearer"
	}
	if r.User != nil {
		s.User = *r.User
	}
	return s, nil
}

// ProfileUpdate is the PATCH /api/auth/profile body. Nil fields are omitted.
type ProfileUpdate struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

// API is the typed fallback surface.
type API struct {
	c          *Client
	healthPath string
}

// NewAPI wraps c. An empty healthPath selects [DefaultHealthPath].
func NewAPI(c *Client, healthPath string) *API {
	if healthPath == "" {
		healthPath = DefaultHealthPath
	}
	return &API{c: c, healthPath: healthPath}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

func (a *API) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var out AuthResponse
	if err := a.c.Post(ctx, PathLogin, "", credentials{Email: email, Password: password}, &out); err != nil {
		// The fallback answers 401 for a bad password; at login that is a
		// credential rejection, not a missing session.
		if errors.Is(err, autherr.ErrUnauthenticated) {
			return nil, asInvalidCredentials(err)
		}
		return nil, err
	}
	if !out.HasSession() {
		return nil, autherr.New(autherr.CodeProviderUnavailable, "fallback login returned no session")
	}
	return &out, nil
}

func (a *API) Register(ctx context.Context, email, password, name string) (*AuthResponse, error) {
	var out AuthResponse
	if err := a.c.Post(ctx, PathRegister, "", credentials{Email: email, Password: password, Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Logout(ctx context.Context, accessToken string) error {
	return a.c.Post(ctx, PathLogout, accessToken, struct{}{}, nil)
}

func (a *API) Profile(ctx context.Context, accessToken string) (*session.UserRef, error) {
	var out session.UserRef
	if err := a.c.Get(ctx, PathProfile, accessToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateProfile(ctx context.Context, accessToken string, patch ProfileUpdate) (*session.UserRef, error) {
	var out session.UserRef
	if err := a.c.Patch(ctx, PathProfile, accessToken, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	var out AuthResponse
	in := struct {
		RefreshToken string `json:"refreshToken"`
	}{RefreshToken: refreshToken}
	if err := a.c.Post(ctx, PathRefresh, "", in, &out); err != nil {
		if errors.Is(err, autherr.ErrUnauthenticated) {
			return nil, autherr.Wrap(autherr.CodeSessionExpired, "refresh token rejected", err)
		}
		return nil, err
	}
	if !out.HasSession() {
		return nil, autherr.New(autherr.CodeProviderUnavailable, "fallback refresh returned no session")
	}
	return &out, nil
}

func (a *API) ForgotPassword(ctx context.Context, email string) error {
	in := struct {
		Email string `json:"email"`
	}{Email: email}
	return a.c.Post(ctx, PathForgotPassword, "", in, nil)
}

func (a *API) ResetPassword(ctx context.Context, recoveryToken, newPassword string) error {
	in := struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}{Token: recoveryToken, Password: newPassword}
	return a.c.Post(ctx, PathResetPassword, "", in, nil)
}

func (a *API) ChangePassword(ctx context.Context, accessToken, current, next string) error {
	in := struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}{CurrentPassword: current, NewPassword: next}
	return a.c.Post(ctx, PathChangePassword, accessToken, in, nil)
}

func (a *API) VerifyEmail(ctx context.Context, tokenHash, otpType string) (*AuthResponse, error) {
	var out AuthResponse
	in := struct {
		Token string `json:"token"`
		Type  string `json:"type"`
	}{Token: tokenHash, Type: otpType}
	if err := a.c.Post(ctx, PathVerifyEmail, "", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) ResendVerification(ctx context.Context, email, otpType string) error {
	in := struct {
		Email string `json:"email"`
		Type  string `json:"type"`
	}{Email: email, Type: otpType}
	return a.c.Post(ctx, PathResendVerification, "", in, nil)
}

// Health probes the fallback's health endpoint.
func (a *API) Health(ctx context.Context) error {
	return a.c.Get(ctx, a.healthPath, "", nil)
}

func asInvalidCredentials(err error) error {
	out := *autherr.From(err)
	out.Code = autherr.CodeInvalidCredentials
	out.Message = autherr.ErrInvalidCredentials.Message
	return &out
}
