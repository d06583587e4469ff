package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/authstate/internal/devserver"
	"github.com/tyemirov/authstate/pkg/authstate"
	"github.com/tyemirov/authstate/pkg/session"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "authstate",
		Short:         "Client-side auth session manager with a reference auth server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	persistent := rootCmd.PersistentFlags()
	persistent.Bool("debug", false, "Enable development logging")
	persistent.String("base_url", "http://localhost:8080", "Base URL of the auth server")
	persistent.String("token_store", defaultTokenStore(), "Token store: memory:, file:///path.json, sqlite://path.db or postgres://...")
	persistent.String("access_token_name", authstate.DefaultAccessTokenName, "Access token cookie name")
	persistent.String("refresh_token_name", authstate.DefaultRefreshTokenName, "Refresh token cookie name")
	persistent.Duration("request_timeout", authstate.DefaultRequestTimeout, "Timeout for each auth request")
	persistent.Duration("session_timeout", session.DefaultTimeout, "Inactivity timeout, clamped to 5m..120m")
	persistent.Duration("session_warning", session.DefaultWarning, "Warning lead time before the inactivity timeout")
	persistent.Duration("session_check_interval", session.DefaultCheckInterval, "How often inactivity is checked")
	persistent.Duration("refresh_ahead", session.DefaultRefreshAhead, "Refresh when the access token has less than this left")
	persistent.Duration("refresh_check_interval", session.DefaultRefreshCheckInterval, "How often token expiry is checked")
	persistent.Duration("verify_margin", authstate.DefaultVerifyMargin, "verify refreshes first when less than this is left")
	persistent.String("csrf_token", "", "Static anti-forgery token; empty fetches one from the server")
	persistent.StringSlice("redirect_paths", []string{}, "Role redirect entries as role=path")
	persistent.String("default_redirect", authstate.DefaultRedirect, "Redirect used when a role has no entry")

	for _, key := range []string{
		"debug", "base_url", "token_store", "access_token_name", "refresh_token_name",
		"request_timeout", "session_timeout", "session_warning", "session_check_interval",
		"refresh_ahead", "refresh_check_interval", "verify_margin", "csrf_token",
		"redirect_paths", "default_redirect",
	} {
		_ = viper.BindPFlag(key, persistent.Lookup(key))
	}

	viper.SetEnvPrefix("AUTHSTATE")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newLoginCommand(),
		newClientCommand("status", "Print the current session state", runStatus),
		newClientCommand("refresh", "Refresh the access token", runRefresh),
		newClientCommand("verify", "Verify the session, refreshing when it is about to expire", runVerify),
		newClientCommand("logout", "End the session locally and on the server", runLogout),
		newClientCommand("watch", "Keep the session alive, treating stdin lines as activity", runWatch),
		newDevServerCommand(),
	)
	return rootCmd
}

func newLoginCommand() *cobra.Command {
	loginCmd := newClientCommand("login", "Log in with email and password", runLogin)
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().String("password", "", "Account password (prefer AUTHSTATE_PASSWORD)")
	_ = viper.BindPFlag("email", loginCmd.Flags().Lookup("email"))
	_ = viper.BindPFlag("password", loginCmd.Flags().Lookup("password"))
	return loginCmd
}

func newClientCommand(use string, short string, run func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		Args:    cobra.NoArgs,
		PreRunE: prepareClientConfig,
		RunE:    run,
	}
}

func newDevServerCommand() *cobra.Command {
	devServerCmd := &cobra.Command{
		Use:     "devserver",
		Short:   "Run the reference auth server",
		Args:    cobra.NoArgs,
		PreRunE: prepareDevServerConfig,
		RunE:    runDevServer,
	}
	flags := devServerCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.Duration("session_ttl", devserver.DefaultSessionTTL, "Access token TTL")
	flags.Duration("refresh_ttl", devserver.DefaultRefreshTTL, "Refresh token TTL")
	flags.Duration("csrf_ttl", devserver.DefaultCSRFTTL, "Anti-forgery token lifetime")
	flags.Bool("require_csrf", true, "Reject login, refresh and logout without a valid X-CSRF-TOKEN")
	flags.Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	flags.String("database_url", "", "Database URL for refresh tokens (postgres:// or sqlite://; leave empty for in-memory store)")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.StringSlice("seed_users", []string{}, "Users to create at startup as email:password[:role]")

	for _, key := range []string{
		"listen_addr", "jwt_signing_key", "cookie_domain", "session_ttl", "refresh_ttl",
		"csrf_ttl", "require_csrf", "dev_insecure_http", "database_url", "enable_cors",
		"cors_allowed_origins", "seed_users",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}
	return devServerCmd
}

func defaultTokenStore() string {
	configDir, err := os.UserConfigDir()
	if err != nil || configDir == "" {
		return "file://" + filepath.Join(".authstate", "tokens.json")
	}
	return "file://" + filepath.Join(configDir, "authstate", "tokens.json")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type contextKey string

const (
	clientConfigContextKey    contextKey = "clientConfig"
	devServerConfigContextKey contextKey = "devServerConfig"
)

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	clientConfig, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), clientConfigContextKey, clientConfig))
	return nil
}

func prepareDevServerConfig(command *cobra.Command, arguments []string) error {
	devServerConfig, loadErr := LoadDevServerConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), devServerConfigContextKey, devServerConfig))
	return nil
}

func commandContext(command *cobra.Command) context.Context {
	if existing := command.Context(); existing != nil {
		return existing
	}
	return context.Background()
}

func clientConfigFrom(command *cobra.Command) (ClientConfig, error) {
	clientConfig, ok := commandContext(command).Value(clientConfigContextKey).(ClientConfig)
	if !ok {
		return ClientConfig{}, configError(configCodeUninitializedClientConf, "client configuration not prepared; PreRunE must execute before RunE")
	}
	return clientConfig, nil
}

func devServerConfigFrom(command *cobra.Command) (DevServerConfig, error) {
	devServerConfig, ok := commandContext(command).Value(devServerConfigContextKey).(DevServerConfig)
	if !ok {
		return DevServerConfig{}, configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	return devServerConfig, nil
}

const shutdownGrace = 10 * time.Second

func printf(command *cobra.Command, format string, arguments ...any) {
	_, _ = fmt.Fprintf(command.OutOrStdout(), format, arguments...)
}
