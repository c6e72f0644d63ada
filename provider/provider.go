// Package provider declares the contract authgate requires from the primary
// identity provider.
//
// # Architecture boundaries
//
// A concrete adapter (vendor SDK, REST client) lives outside this module and
// satisfies [Provider]. It returns normalized [Session], [User] and [Result]
// values and reports failures as [*Error]. [Normalize] wraps such an adapter
// and converts every returned error into an autherr.Error before it reaches
// the fallback coordinator or the session manager.
//
// # What this package must NOT do
//
//   - Perform network I/O of its own.
//   - Depend on vendor payload shapes beyond the normalized surface below.
package provider

import (
	"context"
	"time"
)

// OTPType names the one-time-token flows the provider supports.
type OTPType string

const (
	OTPSignup      OTPType = "signup"
	OTPRecovery    OTPType = "recovery"
	OTPEmailChange OTPType = "email_change"
	OTPMagicLink   OTPType = "magiclink"
	OTPInvite      OTPType = "invite"
	OTPEmail       OTPType = "email"
)

// Valid reports whether t is a known OTP type.
func (t OTPType) Valid() bool {
	switch t {
	case OTPSignup, OTPRecovery, OTPEmailChange, OTPMagicLink, OTPInvite, OTPEmail:
		return true
	}
	return false
}

// User is the provider's raw user object, reduced to what authgate reads.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Metadata carries profile attributes (e.g. "name", "full_name").
	Metadata map[string]any
}

// Session is the provider's token bundle.
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiresAt and ExpiresIn are alternatives; adapters set whichever the
	// vendor returns. When both are zero the access token's exp claim is used.
	ExpiresAt time.Time
	ExpiresIn time.Duration
	User      *User
}

// Result is the normalized success value of provider calls.
type Result struct {
	Session *Session
	User    *User
}

// Attributes are profile attributes sent on sign-up.
type Attributes map[string]any

// UserPatch is a partial user update. Nil fields are left unchanged.
type UserPatch struct {
	Email    *string
	Password *string
	Data     map[string]any
}

// AuthEvent is a provider auth-state notification kind.
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEvent = "USER_UPDATED"
	EventPasswordReset  AuthEvent = "PASSWORD_RECOVERY"
)

// StateChangeFunc receives provider auth-state notifications. sess may be nil.
type StateChangeFunc func(event AuthEvent, sess *Session)

// Provider is the primary identity provider contract. Every method must honor
// ctx cancellation and deadlines.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (Result, error)
	SignUp(ctx context.Context, email, password string, attrs Attributes) (Result, error)
	SignOut(ctx context.Context) error
	GetUser(ctx context.Context) (*User, error)
	UpdateUser(ctx context.Context, patch UserPatch) (*User, error)
	ResetPasswordForEmail(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, tokenHash string, otpType OTPType) (Result, error)
	Resend(ctx context.Context, otpType OTPType, email string) error
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (Result, error)
	// OnAuthStateChange subscribes fn and returns its disposer. The disposer
	// must be safe to call more than once.
	OnAuthStateChange(fn StateChangeFunc) (unsubscribe func())
}
