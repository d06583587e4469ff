// Package devserver is a reference implementation of the auth endpoints the
// client library talks to: password login, rotating refresh tokens, logout,
// profile and anti-forgery tokens.
package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultIssuer            = "authstate-devserver"
	DefaultSessionCookieName = "jwt"
	DefaultRefreshCookieName = "refresh_token"
	DefaultSessionTTL        = 15 * time.Minute
	DefaultRefreshTTL        = 60 * 24 * time.Hour
	DefaultCSRFTTL           = time.Hour
)

var (
	ErrMissingSigningKey = errors.New("devserver.missing_signing_key")
	ErrInvalidTTL        = errors.New("devserver.invalid_ttl")
	ErrMissingUsers      = errors.New("devserver.missing_user_store")
	ErrMissingRefresh    = errors.New("devserver.missing_refresh_store")
	ErrMissingCSRF       = errors.New("devserver.missing_csrf_store")
)

// Config configures issuer, cookies and lifetimes.
type Config struct {
	SigningKey        []byte
	Issuer            string
	CookieDomain      string
	SessionCookieName string
	RefreshCookieName string
	SessionTTL        time.Duration
	RefreshTTL        time.Duration
	CSRFTTL           time.Duration
	// RequireCSRF rejects state-changing requests without a valid X-CSRF-TOKEN.
	RequireCSRF       bool
	// SameSiteMode defaults to Strict, or None when AllowedOrigins is set.
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	// AllowedOrigins enables credentialed CORS for these origins.
	AllowedOrigins []string
}

func (configuration Config) normalized() (Config, error) {
	if len(configuration.SigningKey) == 0 {
		return Config{}, fmt.Errorf("devserver.config: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		configuration.Issuer = DefaultIssuer
	}
	if strings.TrimSpace(configuration.SessionCookieName) == "" {
		configuration.SessionCookieName = DefaultSessionCookieName
	}
	if strings.TrimSpace(configuration.RefreshCookieName) == "" {
		configuration.RefreshCookieName = DefaultRefreshCookieName
	}
	if configuration.SessionTTL == 0 {
		configuration.SessionTTL = DefaultSessionTTL
	}
	if configuration.RefreshTTL == 0 {
		configuration.RefreshTTL = DefaultRefreshTTL
	}
	if configuration.CSRFTTL == 0 {
		configuration.CSRFTTL = DefaultCSRFTTL
	}
	if configuration.SessionTTL < 0 || configuration.RefreshTTL < 0 || configuration.CSRFTTL < 0 {
		return Config{}, fmt.Errorf("devserver.config: %w", ErrInvalidTTL)
	}
	origins, originsErr := normalizeOrigins(configuration.AllowedOrigins)
	if originsErr != nil {
		return Config{}, fmt.Errorf("devserver.config: %w", originsErr)
	}
	configuration.AllowedOrigins = origins
	if configuration.SameSiteMode == 0 {
		configuration.SameSiteMode = http.SameSiteStrictMode
		if len(origins) > 0 {
			configuration.SameSiteMode = http.SameSiteNoneMode
		}
	}
	return configuration, nil
}
