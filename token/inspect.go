// Package token reads claims from access tokens issued by the identity
// provider or the fallback API.
//
// # Architecture boundaries
//
// authgate is a token consumer, not an issuer: it never holds signing keys
// and never makes authorization decisions from claims. Inspect is used only
// to recover an expiry when the issuer's response omits one.
//
// # What this package must NOT do
//
//   - Treat unverified claims as proof of identity.
//   - Perform I/O.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotJWT is returned for opaque (non-JWT) access tokens.
var ErrNotJWT = errors.New("token: not a jwt")

// ErrNoExpiry is returned when a JWT carries no exp claim.
var ErrNoExpiry = errors.New("token: missing exp claim")

// Claims are the registered claims authgate reads, plus the common email claim.
type Claims struct {
	Subject   string
	Email     string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type accessClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

var parser = jwt.NewParser(jwt.WithoutClaimsValidation())

// Inspect decodes raw without verifying its signature.
func Inspect(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if strings.Count(raw, ".") != 2 {
		return nil, ErrNotJWT
	}

	var ac accessClaims
	if _, _, err := parser.ParseUnverified(raw, &ac); err != nil {
		return nil, errors.Join(ErrNotJWT, err)
	}

	c := &Claims{
		Subject: ac.Subject,
		Email:   ac.Email,
		Issuer:  ac.Issuer,
	}
	if ac.IssuedAt != nil {
		c.IssuedAt = ac.IssuedAt.Time
	}
	if ac.ExpiresAt != nil {
		c.ExpiresAt = ac.ExpiresAt.Time
	}
	return c, nil
}

// ExpiresAt returns the exp claim of raw.
func ExpiresAt(raw string) (time.Time, error) {
	c, err := Inspect(raw)
	if err != nil {
		return time.Time{}, err
	}
	if c.ExpiresAt.IsZero() {
		return time.Time{}, ErrNoExpiry
	}
	return c.ExpiresAt, nil
}
