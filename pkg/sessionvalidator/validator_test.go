package sessionvalidator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/authstate/pkg/claims"
	"github.com/tyemirov/authstate/pkg/roles"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintToken(t *testing.T, signingKey []byte, issuer string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims.Claims{
		EmailClaim: "user@example.com",
		Data: &claims.UserData{
			Role:        "admin",
			Name:        "Demo User",
			Email:       "user@example.com",
			Permissions: []string{"users.edit"},
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	result, err := token.SignedString(signingKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return result
}

func newTestValidator(t *testing.T, now time.Time) *Validator {
	t.Helper()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		CookieName: "session",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return validator
}

func TestNewValidatorRequiresSigningKeyAndIssuer(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Issuer: "issuer"}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	if _, err := New(Config{SigningKey: []byte("secret")}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestNewValidatorDefaults(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{
		SigningKey: []byte("secret"),
		Issuer:     "issuer",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.cookieName != DefaultCookieName {
		t.Fatalf("expected default cookie name, got %s", validator.cookieName)
	}
	if validator.clock == nil {
		t.Fatalf("expected default clock to be set")
	}
}

func TestValidateTokenSuccess(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", now, time.Minute)

	verified, validateErr := validator.ValidateToken(tokenValue)
	if validateErr != nil {
		t.Fatalf("unexpected validation error: %v", validateErr)
	}
	if verified.UserID() != "user-123" || verified.Email() != "user@example.com" || verified.Role() != roles.Admin {
		t.Fatalf("unexpected claims: %#v", verified)
	}
	if !verified.ExpiresAt().Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry: %v", verified.ExpiresAt())
	}
}

func TestValidateTokenRejectsInvalidCases(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	tests := []struct {
		name      string
		tokenFunc func() string
		expectErr error
	}{
		{
			name:      "empty token",
			tokenFunc: func() string { return "" },
			expectErr: ErrMissingToken,
		},
		{
			name:      "garbage",
			tokenFunc: func() string { return "not.a.token" },
			expectErr: ErrInvalidToken,
		},
		{
			name: "bad signature",
			tokenFunc: func() string {
				return mintToken(t, []byte("other-key"), "issuer", now, time.Minute)
			},
			expectErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "other-issuer", now, time.Minute)
			},
			expectErr: ErrInvalidIssuer,
		},
		{
			name: "expired",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "issuer", now.Add(-2*time.Minute), time.Minute)
			},
			expectErr: ErrTokenExpired,
		},
		{
			name: "expires exactly now",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "issuer", now.Add(-time.Minute), time.Minute)
			},
			expectErr: ErrTokenExpired,
		},
	}

	validator := newTestValidator(t, now)
	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			_, validateErr := validator.ValidateToken(testCase.tokenFunc())
			if validateErr == nil || !errors.Is(validateErr, testCase.expectErr) {
				t.Fatalf("expected %v, got %v", testCase.expectErr, validateErr)
			}
		})
	}
}

func TestValidateRequestPrefersBearerOverCookie(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", now, time.Minute)
	validator := newTestValidator(t, now)

	cookieRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	cookieRequest.AddCookie(&http.Cookie{Name: "session", Value: tokenValue})
	if verified, err := validator.ValidateRequest(cookieRequest); err != nil || verified.UserID() != "user-123" {
		t.Fatalf("expected cookie token to validate, got %v", err)
	}

	bearerRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	bearerRequest.Header.Set("Authorization", "Bearer "+tokenValue)
	bearerRequest.AddCookie(&http.Cookie{Name: "session", Value: "stale"})
	if _, err := validator.ValidateRequest(bearerRequest); err != nil {
		t.Fatalf("expected bearer token to win, got %v", err)
	}

	badRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if _, missingErr := validator.ValidateRequest(badRequest); !errors.Is(missingErr, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", missingErr)
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Unix(1700000000, 0).UTC()
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", now, time.Minute)
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.Use(validator.GinMiddleware("claims"))
	router.GET("/protected", func(contextGin *gin.Context) {
		verified, ok := ClaimsFromContext(contextGin, "claims")
		if !ok || verified.UserID() != "user-123" {
			contextGin.Status(http.StatusInternalServerError)
			return
		}
		contextGin.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tokenValue})
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}

	requestMissing := httptest.NewRequest(http.MethodGet, "/protected", nil)
	responseMissing := httptest.NewRecorder()
	router.ServeHTTP(responseMissing, requestMissing)
	if responseMissing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", responseMissing.Code)
	}
}
