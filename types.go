package authgate

import (
	"time"

	"github.com/MrEthical07/authgate/breaker"
	"github.com/MrEthical07/authgate/internal/fallback"
	"github.com/MrEthical07/authgate/session"
)

// Strategy names the route that served a call.
type Strategy string

const (
	StrategyPrimary     Strategy = Strategy(fallback.StrategyPrimary)
	StrategyFallback    Strategy = Strategy(fallback.StrategyFallback)
	StrategyUnavailable Strategy = Strategy(fallback.StrategyUnavailable)
)

// LoginResult is returned by Login. The session it describes is already
// active when Login returns.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	User         session.UserRef
	Strategy     Strategy
}

// RegisterResult is returned by Register. When VerificationPending is true,
// Session and User are nil and no session was set.
type RegisterResult struct {
	Session             *session.Session
	User                *session.UserRef
	VerificationPending bool
	Strategy            Strategy
}

// ProfilePatch is a partial profile update. Nil fields are left unchanged.
type ProfilePatch struct {
	Name  *string
	Email *string
}

// PasswordChange carries the ChangePassword input.
type PasswordChange struct {
	Current string
	New     string
}

// ChangeEmailResult is returned by ChangeEmail. The address usually becomes
// effective only after the user confirms it.
type ChangeEmailResult struct {
	NewEmail string
}

// ServiceHealth is the CheckServiceHealth snapshot.
type ServiceHealth struct {
	Available           bool
	RecommendedStrategy Strategy
	Reason              string
	BreakerState        breaker.State
	FallbackEnabled     bool
	FallbackReachable   bool
	CheckedAt           time.Time
}
