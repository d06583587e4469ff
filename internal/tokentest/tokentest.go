// Package tokentest builds access tokens for tests.
package tokentest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/authstate/pkg/claims"
)

// SigningKey signs every fixture token.
var SigningKey = []byte("tokentest-signing-key")

// Spec describes a fixture token.
type Spec struct {
	Subject     string
	Role        string
	Name        string
	Email       string
	Permissions []string
	ExpiresAt   time.Time
}

// Mint signs a token carrying spec in the nested data layout.
func Mint(t testing.TB, spec Spec) string {
	t.Helper()
	payload := claims.Claims{
		EmailClaim: spec.Email,
		Data: &claims.UserData{
			Role:        spec.Role,
			Name:        spec.Name,
			Email:       spec.Email,
			Permissions: spec.Permissions,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: spec.Subject,
		},
	}
	if !spec.ExpiresAt.IsZero() {
		payload.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(spec.ExpiresAt)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, payload).SignedString(SigningKey)
	if err != nil {
		t.Fatalf("tokentest.mint: %v", err)
	}
	return signed
}
