package provider

import (
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/token"
)

// ErrNoExpiry is returned by ToSession when no expiry can be determined.
var ErrNoExpiry = errors.New("provider: session has no expiry")

// MapUserFunc derives the externally facing profile from a provider user.
type MapUserFunc func(*User) session.UserRef

// nameKeys are the metadata keys DefaultMapUser reads, in order.
var nameKeys = []string{"name", "full_name", "display_name"}

// DefaultMapUser maps the common user fields and takes the display name from
// the first non-empty of the "name", "full_name" and "display_name" metadata
// keys. A nil user maps to the zero UserRef.
func DefaultMapUser(u *User) session.UserRef {
	if u == nil {
		return session.UserRef{}
	}
	ref := session.UserRef{
		ID:        u.ID,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
	for _, k := range nameKeys {
		if v, ok := u.Metadata[k].(string); ok && strings.TrimSpace(v) != "" {
			ref.Name = strings.TrimSpace(v)
			break
		}
	}
	return ref
}

// ToSession converts a provider session. user, when non-nil, overrides the
// user embedded in s. Expiry comes from ExpiresAt, else now+ExpiresIn, else
// the access token's exp claim.
func ToSession(s *Session, user *User, mapUser MapUserFunc, now time.Time) (*session.Session, error) {
	if s == nil || s.AccessToken == "" {
		return nil, session.ErrInvalid
	}
	if mapUser == nil {
		mapUser = DefaultMapUser
	}

	expiresAt := s.ExpiresAt
	if expiresAt.IsZero() && s.ExpiresIn > 0 {
		expiresAt = now.Add(s.ExpiresIn)
	}
	if expiresAt.IsZero() {
		exp, err := token.ExpiresAt(s.AccessToken)
		if err != nil {
			return nil, errors.Join(ErrNoExpiry, err)
		}
		expiresAt = exp
	}

	u := user
	if u == nil {
		u = s.User
	}

	tokenType := s.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}

	return &session.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    expiresAt,
		TokenType:    tokenType,
		User:         mapUser(u),
	}, nil
}
