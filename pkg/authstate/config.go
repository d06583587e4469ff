package authstate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/authstate/pkg/roles"
	"github.com/tyemirov/authstate/pkg/session"
)

const (
	DefaultAccessTokenName  = "jwt"
	DefaultRefreshTokenName = "refresh_token"
	DefaultRequestTimeout   = 10 * time.Second
	DefaultVerifyMargin     = 2 * time.Minute
	DefaultRedirect         = "/login"

	// RedirectDefaultKey is the redirect map entry used when the role has no entry of its own.
	RedirectDefaultKey = "default"
)

var (
	ErrMissingStore          = errors.New("authstate.missing_store")
	ErrMissingAPI            = errors.New("authstate.missing_api")
	ErrInvalidTokenName      = errors.New("authstate.invalid_token_name")
	ErrInvalidSessionWarning = errors.New("authstate.invalid_session_warning")
	ErrInvalidRedirectPath   = errors.New("authstate.invalid_redirect_path")
)

// Config tunes token names, timers and redirects. Zero values take the defaults.
type Config struct {
	AccessTokenName  string
	RefreshTokenName string
	RequestTimeout   time.Duration

	// SessionTimeout is clamped to [5m, 120m].
	SessionTimeout       time.Duration
	SessionWarning       time.Duration
	SessionCheckInterval time.Duration
	// SessionTimeoutFromToken derives the inactivity timeout from the token
	// lifetime at login instead of SessionTimeout.
	SessionTimeoutFromToken bool

	RefreshAhead         time.Duration
	RefreshCheckInterval time.Duration
	VerifyMargin         time.Duration

	// RedirectPaths maps role names (and "default") to navigation targets.
	RedirectPaths   map[string]string
	DefaultRedirect string

	ResourceAccess roles.ResourceAccess
}

// DefaultRedirectPaths returns the role to path table used when none is configured.
func DefaultRedirectPaths() map[string]string {
	return map[string]string{
		RedirectDefaultKey:  DefaultRedirect,
		string(roles.Admin): "/admin/dashboard",
		string(roles.User):  "/dashboard",
		string(roles.Guest): "/login",
	}
}

// DefaultConfig returns the configuration used for zero-valued fields.
func DefaultConfig() Config {
	return Config{
		AccessTokenName:      DefaultAccessTokenName,
		RefreshTokenName:     DefaultRefreshTokenName,
		RequestTimeout:       DefaultRequestTimeout,
		SessionTimeout:       session.DefaultTimeout,
		SessionWarning:       session.DefaultWarning,
		SessionCheckInterval: session.DefaultCheckInterval,
		RefreshAhead:         session.DefaultRefreshAhead,
		RefreshCheckInterval: session.DefaultRefreshCheckInterval,
		VerifyMargin:         DefaultVerifyMargin,
		RedirectPaths:        DefaultRedirectPaths(),
		DefaultRedirect:      DefaultRedirect,
		ResourceAccess:       roles.DefaultResourceAccess(),
	}
}

func (config Config) normalized() (Config, error) {
	defaults := DefaultConfig()
	config.AccessTokenName = strings.TrimSpace(config.AccessTokenName)
	config.RefreshTokenName = strings.TrimSpace(config.RefreshTokenName)
	if config.AccessTokenName == "" {
		config.AccessTokenName = defaults.AccessTokenName
	}
	if config.RefreshTokenName == "" {
		config.RefreshTokenName = defaults.RefreshTokenName
	}
	if config.AccessTokenName == config.RefreshTokenName {
		return Config{}, fmt.Errorf("authstate.config: %w: access and refresh tokens share the name %q", ErrInvalidTokenName, config.AccessTokenName)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = defaults.SessionTimeout
	}
	config.SessionTimeout = session.ClampTimeout(config.SessionTimeout)
	if config.SessionWarning <= 0 {
		config.SessionWarning = defaults.SessionWarning
	}
	if config.SessionWarning >= session.MinTimeout {
		return Config{}, fmt.Errorf("authstate.config: %w: warning %s must be shorter than the minimum timeout %s", ErrInvalidSessionWarning, config.SessionWarning, session.MinTimeout)
	}
	if config.SessionCheckInterval <= 0 {
		config.SessionCheckInterval = defaults.SessionCheckInterval
	}
	if config.RefreshAhead <= 0 {
		config.RefreshAhead = defaults.RefreshAhead
	}
	if config.RefreshCheckInterval <= 0 {
		config.RefreshCheckInterval = defaults.RefreshCheckInterval
	}
	if config.VerifyMargin <= 0 {
		config.VerifyMargin = defaults.VerifyMargin
	}
	if strings.TrimSpace(config.DefaultRedirect) == "" {
		config.DefaultRedirect = defaults.DefaultRedirect
	}
	paths := DefaultRedirectPaths()
	paths[RedirectDefaultKey] = config.DefaultRedirect
	for role, path := range config.RedirectPaths {
		if !strings.HasPrefix(path, "/") {
			return Config{}, fmt.Errorf("authstate.config: %w: %s=%q", ErrInvalidRedirectPath, role, path)
		}
		paths[strings.ToLower(strings.TrimSpace(role))] = path
	}
	config.RedirectPaths = paths
	if config.ResourceAccess == nil {
		config.ResourceAccess = defaults.ResourceAccess
	} else {
		config.ResourceAccess = config.ResourceAccess.Clone()
	}
	return config, nil
}
