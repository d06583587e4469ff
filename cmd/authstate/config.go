package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/tyemirov/authstate/internal/devserver"
	"github.com/tyemirov/authstate/pkg/authstate"
	"github.com/tyemirov/authstate/pkg/session"
)

const (
	configCodeMissingBaseURL          = "config.missing_base_url"
	configCodeMissingTokenStore       = "config.missing_token_store"
	configCodeInvalidSessionTimeout   = "config.invalid_session_timeout"
	configCodeInvalidSessionWarning   = "config.invalid_session_warning"
	configCodeInvalidRedirectPaths    = "config.invalid_redirect_paths"
	configCodeInvalidClientConfig     = "config.invalid_client_config"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeInvalidSeedUser         = "config.invalid_seed_user"
	configCodeUninitializedClientConf = "config.uninitialized_client_config"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeMissingCredentials      = "config.missing_credentials"
	configCodeUnsupportedTokenStore   = "config.unsupported_token_store"
)

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// ClientConfig is everything the client commands need.
type ClientConfig struct {
	BaseURL    string
	TokenStore string
	CSRFToken  string
	Debug      bool
	Service    authstate.Config
}

// DevServerConfig is everything the devserver command needs.
type DevServerConfig struct {
	ListenAddr  string
	DatabaseURL string
	SeedUsers   []devserver.SeedUser
	Debug       bool
	Server      devserver.Config
}

func LoadClientConfig() (ClientConfig, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(viper.GetString("base_url")), "/")
	if baseURL == "" {
		return ClientConfig{}, configError(configCodeMissingBaseURL, "base_url must be provided")
	}
	tokenStore := strings.TrimSpace(viper.GetString("token_store"))
	if tokenStore == "" {
		return ClientConfig{}, configError(configCodeMissingTokenStore, "token_store must be provided")
	}

	sessionTimeout := viper.GetDuration("session_timeout")
	if sessionTimeout <= 0 {
		return ClientConfig{}, configError(configCodeInvalidSessionTimeout, "session_timeout must be greater than zero")
	}
	sessionWarning := viper.GetDuration("session_warning")
	if sessionWarning <= 0 || sessionWarning >= session.MinTimeout {
		return ClientConfig{}, configError(configCodeInvalidSessionWarning, fmt.Sprintf("session_warning must be between 0 and %s", session.MinTimeout))
	}

	redirectPaths, redirectErr := parseRedirectPaths(viper.GetStringSlice("redirect_paths"))
	if redirectErr != nil {
		return ClientConfig{}, redirectErr
	}

	serviceConfig := authstate.Config{
		AccessTokenName:      viper.GetString("access_token_name"),
		RefreshTokenName:     viper.GetString("refresh_token_name"),
		RequestTimeout:       viper.GetDuration("request_timeout"),
		SessionTimeout:       session.ClampTimeout(sessionTimeout),
		SessionWarning:       sessionWarning,
		SessionCheckInterval: viper.GetDuration("session_check_interval"),
		RefreshAhead:         viper.GetDuration("refresh_ahead"),
		RefreshCheckInterval: viper.GetDuration("refresh_check_interval"),
		VerifyMargin:         viper.GetDuration("verify_margin"),
		RedirectPaths:        redirectPaths,
		DefaultRedirect:      viper.GetString("default_redirect"),
	}
	if strings.TrimSpace(serviceConfig.AccessTokenName) != "" && serviceConfig.AccessTokenName == serviceConfig.RefreshTokenName {
		return ClientConfig{}, configError(configCodeInvalidClientConfig, "access_token_name and refresh_token_name must differ")
	}

	return ClientConfig{
		BaseURL:    baseURL,
		TokenStore: tokenStore,
		CSRFToken:  strings.TrimSpace(viper.GetString("csrf_token")),
		Debug:      viper.GetBool("debug"),
		Service:    serviceConfig,
	}, nil
}

// parseRedirectPaths reads role=path entries.
func parseRedirectPaths(entries []string) (map[string]string, error) {
	paths := make(map[string]string, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		role, path, found := strings.Cut(trimmed, "=")
		role = strings.TrimSpace(role)
		path = strings.TrimSpace(path)
		if !found || role == "" || !strings.HasPrefix(path, "/") {
			return nil, configError(configCodeInvalidRedirectPaths, fmt.Sprintf("expected role=/path, got %q", entry))
		}
		paths[role] = path
	}
	return paths, nil
}

func LoadDevServerConfig() (DevServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return DevServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return DevServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return DevServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	csrfTTL := devserver.DefaultCSRFTTL
	if configuredCSRFTTL := viper.GetDuration("csrf_ttl"); configuredCSRFTTL > 0 {
		csrfTTL = configuredCSRFTTL
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return DevServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}
	if !enableCORS {
		corsAllowedOrigins = nil
	}

	var seedUsers []devserver.SeedUser
	for _, entry := range viper.GetStringSlice("seed_users") {
		seedUser, parseErr := devserver.ParseSeedUser(entry)
		if parseErr != nil {
			return DevServerConfig{}, configError(configCodeInvalidSeedUser, parseErr.Error())
		}
		seedUsers = append(seedUsers, seedUser)
	}

	return DevServerConfig{
		ListenAddr:  viper.GetString("listen_addr"),
		DatabaseURL: viper.GetString("database_url"),
		SeedUsers:   seedUsers,
		Debug:       viper.GetBool("debug"),
		Server: devserver.Config{
			SigningKey:        []byte(jwtSigningKey),
			Issuer:            devserver.DefaultIssuer,
			CookieDomain:      viper.GetString("cookie_domain"),
			SessionCookieName: devserver.DefaultSessionCookieName,
			RefreshCookieName: devserver.DefaultRefreshCookieName,
			SessionTTL:        sessionTTL,
			RefreshTTL:        refreshTTL,
			CSRFTTL:           csrfTTL,
			RequireCSRF:       viper.GetBool("require_csrf"),
			AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
			AllowedOrigins:    corsAllowedOrigins,
		},
	}, nil
}

