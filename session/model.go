package session

import "time"

// UserRef is the externally facing user profile.
type UserRef struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is the token bundle of an authenticated principal.
//
// Session values are immutable once handed to a [Manager]: updates replace
// the whole value. Every pointer a Manager returns is a private copy.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	TokenType    string    `json:"tokenType"`
	User         UserRef   `json:"user"`
}

// Valid reports whether s is non-nil and expires after now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.ExpiresAt.After(now)
}

// ExpiresIn returns the remaining lifetime, never negative.
func (s *Session) ExpiresIn(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// WithUser returns a copy of s carrying u.
func (s *Session) WithUser(u UserRef) *Session {
	out := s.clone()
	out.User = u
	return out
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}
