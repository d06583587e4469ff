package claims_test

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/tyemirov/authstate/internal/tokentest"
	"github.com/tyemirov/authstate/pkg/autherr"
	"github.com/tyemirov/authstate/pkg/claims"
	"github.com/tyemirov/authstate/pkg/roles"
)

func TestDecodeReadsNestedClaims(t *testing.T) {
	t.Parallel()

	expiresAt := time.Unix(1700000600, 0).UTC()
	token := tokentest.Mint(t, tokentest.Spec{
		Subject:     "user-1",
		Role:        "admin",
		Name:        "Ada",
		Email:       "ada@example.com",
		Permissions: []string{"view_reports"},
		ExpiresAt:   expiresAt,
	})

	decoded, err := claims.Decode(token)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.UserID() != "user-1" {
		t.Fatalf("expected subject user-1, got %q", decoded.UserID())
	}
	if decoded.Role() != roles.Admin {
		t.Fatalf("expected admin role, got %q", decoded.Role())
	}
	if decoded.Name() != "Ada" || decoded.Email() != "ada@example.com" {
		t.Fatalf("unexpected identity %q %q", decoded.Name(), decoded.Email())
	}
	if !decoded.Permissions().Has("view_reports") {
		t.Fatalf("expected view_reports permission")
	}
	if !decoded.ExpiresAt().Equal(expiresAt) {
		t.Fatalf("expected expiry %v, got %v", expiresAt, decoded.ExpiresAt())
	}
}

func TestValidComparesExpiryStrictly(t *testing.T) {
	t.Parallel()

	expiresAt := time.Unix(1700000000, 0).UTC()
	decoded, err := claims.Decode(tokentest.Mint(t, tokentest.Spec{Subject: "u", ExpiresAt: expiresAt}))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if !decoded.Valid(expiresAt.Add(-time.Second)) {
		t.Fatalf("expected token valid one second before expiry")
	}
	if decoded.Valid(expiresAt) {
		t.Fatalf("expected token invalid at expiry")
	}
	if decoded.Valid(expiresAt.Add(time.Second)) {
		t.Fatalf("expected token invalid after expiry")
	}
	if decoded.Remaining(expiresAt.Add(-90*time.Second)) != 90*time.Second {
		t.Fatalf("unexpected remaining lifetime")
	}
}

func TestMissingExpiryIsNeverValid(t *testing.T) {
	t.Parallel()

	decoded, err := claims.Decode(tokentest.Mint(t, tokentest.Spec{Subject: "u"}))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Valid(time.Unix(0, 0)) {
		t.Fatalf("expected token without exp to be invalid")
	}
}

func TestDecodeRejectsMalformedTokens(t *testing.T) {
	t.Parallel()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	testCases := map[string]string{
		"empty":            "",
		"one segment":      "abc",
		"four segments":    "a.b.c.d",
		"bad base64":       header + ".%%%.sig",
		"payload not json": header + "." + base64.RawURLEncoding.EncodeToString([]byte("not-json")) + ".sig",
	}
	for name, token := range testCases {
		_, err := claims.Decode(token)
		if !errors.Is(err, autherr.ErrTokenMalformed) {
			t.Fatalf("%s: expected token malformed error, got %v", name, err)
		}
	}
}

func TestTopLevelClaimFallbacks(t *testing.T) {
	t.Parallel()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"user_id":"u-9","role":"moderator","email":"m@example.com","permissions":["edit_content"],"exp":4102444800}`))
	decoded, err := claims.Decode(header + "." + payload + ".signature")
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.UserID() != "u-9" || decoded.Role() != roles.Moderator {
		t.Fatalf("unexpected fallbacks: %q %q", decoded.UserID(), decoded.Role())
	}
	if decoded.Name() != "m@example.com" {
		t.Fatalf("expected name to fall back to email, got %q", decoded.Name())
	}
	if !decoded.Permissions().Has("edit_content") {
		t.Fatalf("expected top-level permission")
	}
}
