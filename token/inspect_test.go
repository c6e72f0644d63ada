package token

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mint(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestInspectReadsRegisteredClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw := mint(t, accessClaims{
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			Issuer:    "auth.example.com",
			IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	c, err := Inspect(raw)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if c.Subject != "u-1" || c.Email != "user@example.com" || c.Issuer != "auth.example.com" {
		t.Fatalf("unexpected claims %+v", c)
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Fatalf("expected exp %v, got %v", exp, c.ExpiresAt)
	}
}

func TestInspectIgnoresExpiryValidation(t *testing.T) {
	exp := time.Now().Add(-time.Hour).Truncate(time.Second)
	raw := mint(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})

	got, err := ExpiresAt(raw)
	if err != nil {
		t.Fatalf("expired token must still be readable: %v", err)
	}
	if !got.Equal(exp) {
		t.Fatalf("expected %v, got %v", exp, got)
	}
}

func TestInspectRejectsOpaqueTokens(t *testing.T) {
	for _, raw := range []string{"", "opaque-token", "a.b", "a.b.c"} {
		if _, err := Inspect(raw); !errors.Is(err, ErrNotJWT) {
			t.Fatalf("Inspect(%q): expected ErrNotJWT, got %v", raw, err)
		}
	}
}

func TestExpiresAtMissingClaim(t *testing.T) {
	raw := mint(t, jwt.RegisteredClaims{Subject: "u-1"})
	if _, err := ExpiresAt(raw); !errors.Is(err, ErrNoExpiry) {
		t.Fatalf("expected ErrNoExpiry, got %v", err)
	}
}
