package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/authstate/pkg/authapi"
	"github.com/tyemirov/authstate/pkg/autherr"
	"github.com/tyemirov/authstate/pkg/authstate"
	"github.com/tyemirov/authstate/pkg/events"
	"github.com/tyemirov/authstate/pkg/tokenstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errSessionEnded = errors.New("watch.session_ended")

type closableStore struct {
	tokenstore.Store
	close func() error
}

// openTokenStore resolves memory:, file://, sqlite:// and postgres:// specs.
func openTokenStore(ctx context.Context, storeURL string, baseURL string, logger *zap.Logger) (closableStore, error) {
	noClose := func() error { return nil }
	trimmed := strings.TrimSpace(storeURL)
	if trimmed == "memory:" || trimmed == "memory" {
		store, err := tokenstore.NewMemoryStore(baseURL)
		if err != nil {
			return closableStore{}, err
		}
		return closableStore{Store: store, close: noClose}, nil
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil {
		return closableStore{}, configError(configCodeUnsupportedTokenStore, parseErr.Error())
	}
	switch strings.ToLower(parsed.Scheme) {
	case "file":
		path := strings.TrimPrefix(trimmed, parsed.Scheme+"://")
		store, err := tokenstore.NewFileStore(path, logger)
		if err != nil {
			return closableStore{}, err
		}
		return closableStore{Store: store, close: noClose}, nil
	case "sqlite", "sqlite3", "postgres", "postgresql":
		store, err := tokenstore.OpenDatabaseStore(ctx, trimmed, tokenstore.WithDatabaseLogger(logger))
		if err != nil {
			return closableStore{}, err
		}
		return closableStore{Store: store, close: store.Close}, nil
	default:
		return closableStore{}, configError(configCodeUnsupportedTokenStore, fmt.Sprintf("unsupported token store %q", storeURL))
	}
}

// clientSession is one CLI invocation's service, API client and token store.
type clientSession struct {
	logger  *zap.Logger
	store   closableStore
	api     *authapi.Client
	service *authstate.Service

	csrfMutex sync.Mutex
	csrfToken string
	csrfFixed bool
}

func newClientSession(ctx context.Context, command *cobra.Command, clientConfig ClientConfig) (*clientSession, error) {
	logger, loggerErr := newLogger(clientConfig.Debug)
	if loggerErr != nil {
		return nil, loggerErr
	}
	store, storeErr := openTokenStore(ctx, clientConfig.TokenStore, clientConfig.BaseURL, logger)
	if storeErr != nil {
		_ = logger.Sync()
		return nil, storeErr
	}
	current := &clientSession{
		logger:    logger,
		store:     store,
		csrfToken: clientConfig.CSRFToken,
		csrfFixed: clientConfig.CSRFToken != "",
	}
	api, apiErr := authapi.New(authapi.Config{
		BaseURL:         clientConfig.BaseURL,
		Store:           store.Store,
		AccessTokenName: accessTokenName(clientConfig.Service),
		Timeout:         clientConfig.Service.RequestTimeout,
		CSRFToken:       current.currentCSRFToken,
		Logger:          logger,
	})
	if apiErr != nil {
		current.close()
		return nil, apiErr
	}
	current.api = api

	errOut := command.ErrOrStderr()
	service, serviceErr := authstate.New(clientConfig.Service, store.Store, api,
		authstate.WithLogger(logger),
		authstate.WithNavigator(authstate.NavigatorFunc(func(path string) {
			_, _ = fmt.Fprintf(errOut, "redirect: %s\n", path)
		})),
	)
	if serviceErr != nil {
		current.close()
		return nil, serviceErr
	}
	current.service = service
	if initErr := service.Init(ctx); initErr != nil {
		current.close()
		return nil, initErr
	}
	return current, nil
}

func accessTokenName(config authstate.Config) string {
	if strings.TrimSpace(config.AccessTokenName) == "" {
		return authstate.DefaultAccessTokenName
	}
	return config.AccessTokenName
}

func (current *clientSession) currentCSRFToken() string {
	current.csrfMutex.Lock()
	defer current.csrfMutex.Unlock()
	return current.csrfToken
}

// ensureCSRFToken fetches an anti-forgery token unless one was configured.
// Servers without the endpoint are tolerated.
func (current *clientSession) ensureCSRFToken(ctx context.Context) {
	current.csrfMutex.Lock()
	defer current.csrfMutex.Unlock()
	if current.csrfFixed || current.csrfToken != "" {
		return
	}
	token, err := current.api.CSRFToken(ctx)
	if err != nil {
		current.logger.Debug("csrf token unavailable", zap.String("code", "cli.csrf.unavailable"), zap.Error(err))
		return
	}
	current.csrfToken = token
}

func (current *clientSession) close() {
	if current.service != nil {
		current.service.Dispose()
	}
	if current.store.close != nil {
		if err := current.store.close(); err != nil {
			current.logger.Warn("token store close failed", zap.String("code", "cli.store.close_failed"), zap.Error(err))
		}
	}
	_ = current.logger.Sync()
}

func withClientSession(command *cobra.Command, run func(ctx context.Context, current *clientSession) error) error {
	clientConfig, configErr := clientConfigFrom(command)
	if configErr != nil {
		return configErr
	}
	ctx, stop := signal.NotifyContext(commandContext(command), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	current, err := newClientSession(ctx, command, clientConfig)
	if err != nil {
		return err
	}
	defer current.close()
	return run(ctx, current)
}

func runLogin(command *cobra.Command, arguments []string) error {
	email := strings.TrimSpace(viper.GetString("email"))
	password := viper.GetString("password")
	if email == "" || password == "" {
		return configError(configCodeMissingCredentials, "email and password must be provided")
	}
	return withClientSession(command, func(ctx context.Context, current *clientSession) error {
		current.ensureCSRFToken(ctx)
		user, err := current.service.Login(ctx, authapi.Credentials{Email: email, Password: password})
		if err != nil {
			return err
		}
		state := current.service.State()
		printf(command, "logged in as %s (%s), role %s, expires in %s\n", user.Name, state.Email, state.Role, state.ExpiresIn.Truncate(time.Second))
		return nil
	})
}

type statusView struct {
	Authenticated bool     `json:"authenticated"`
	Phase         string   `json:"phase"`
	UserID        string   `json:"user_id,omitempty"`
	Name          string   `json:"name,omitempty"`
	Email         string   `json:"email,omitempty"`
	Role          string   `json:"role,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	ExpiresAt     string   `json:"expires_at,omitempty"`
	ExpiresIn     string   `json:"expires_in,omitempty"`
	Redirect      string   `json:"redirect"`
}

func newStatusView(service *authstate.Service) statusView {
	state := service.State()
	view := statusView{
		Authenticated: state.Authenticated,
		Phase:         string(state.Phase),
		UserID:        state.UserID,
		Name:          state.Name,
		Email:         state.Email,
		Role:          string(state.Role),
		Permissions:   state.Permissions,
		Redirect:      service.RedirectPath(state.Role),
	}
	if !state.ExpiresAt.IsZero() {
		view.ExpiresAt = state.ExpiresAt.UTC().Format(time.RFC3339)
		view.ExpiresIn = state.ExpiresIn.Truncate(time.Second).String()
	}
	return view
}

func runStatus(command *cobra.Command, arguments []string) error {
	return withClientSession(command, func(ctx context.Context, current *clientSession) error {
		encoded, err := json.MarshalIndent(newStatusView(current.service), "", "  ")
		if err != nil {
			return err
		}
		printf(command, "%s\n", encoded)
		return nil
	})
}

func runRefresh(command *cobra.Command, arguments []string) error {
	return withClientSession(command, func(ctx context.Context, current *clientSession) error {
		current.ensureCSRFToken(ctx)
		result, err := current.service.Refresh(ctx)
		if err != nil {
			return err
		}
		expiresAt := result.ExpiresAt
		if expiresAt.IsZero() {
			expiresAt = current.service.State().ExpiresAt
		}
		printf(command, "refreshed, expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
		return nil
	})
}

func runVerify(command *cobra.Command, arguments []string) error {
	return withClientSession(command, func(ctx context.Context, current *clientSession) error {
		current.ensureCSRFToken(ctx)
		if err := current.service.VerifySession(ctx, true); err != nil {
			return err
		}
		printf(command, "session valid, expires in %s\n", current.service.State().ExpiresIn.Truncate(time.Second))
		return nil
	})
}

func runLogout(command *cobra.Command, arguments []string) error {
	return withClientSession(command, func(ctx context.Context, current *clientSession) error {
		current.ensureCSRFToken(ctx)
		current.service.Logout(ctx)
		printf(command, "logged out\n")
		return nil
	})
}

// runWatch prints every auth and session event until the session ends or the
// process is interrupted. Each stdin line counts as user activity.
func runWatch(command *cobra.Command, arguments []string) error {
	return withClientSession(command, func(ctx context.Context, current *clientSession) error {
		current.ensureCSRFToken(ctx)
		err := watchSession(ctx, command, current.service)
		if errors.Is(err, errSessionEnded) {
			return nil
		}
		return err
	})
}

func watchSession(ctx context.Context, command *cobra.Command, service *authstate.Service) error {
	if !service.IsAuthenticated() {
		return autherr.New(autherr.KindNotAuthenticated, "no session to watch; log in first")
	}
	received := make(chan events.Event, 32)
	forward := func(event events.Event) {
		select {
		case received <- event:
		default:
		}
	}
	bus := service.Events()
	subscriptions := []events.Subscription{
		bus.OnNamespace("auth", forward),
		bus.OnNamespace("session", forward),
	}
	defer func() {
		for _, subscription := range subscriptions {
			bus.Off(subscription)
		}
	}()

	lines := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(command.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	printf(command, "watching session: %s\n", describeState(service.State()))
	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		activity := lines
		for {
			select {
			case <-groupContext.Done():
				return nil
			case _, ok := <-activity:
				if !ok {
					activity = nil
					continue
				}
				service.Activity()
			}
		}
	})
	group.Go(func() error {
		for {
			select {
			case <-groupContext.Done():
				return nil
			case event := <-received:
				printf(command, "%s %s\n", event.EventName(), describeEvent(event))
				switch event.EventName() {
				case events.AuthSessionExpired, events.AuthLogoutSuccess:
					return errSessionEnded
				}
			}
		}
	})
	return group.Wait()
}

func describeState(state authstate.State) string {
	if !state.Authenticated {
		return "not authenticated"
	}
	return fmt.Sprintf("%s (%s), expires in %s", state.Email, state.Role, state.ExpiresIn.Truncate(time.Second))
}

func describeEvent(event events.Event) string {
	switch typed := event.(type) {
	case events.SessionExpired:
		return fmt.Sprintf("type=%s status=%d message=%q", typed.Type, typed.Status, typed.Message)
	case events.TokenRefreshed:
		return "expires_at=" + typed.ExpiresAt.UTC().Format(time.RFC3339)
	case events.Warning:
		return fmt.Sprintf("remaining=%s inactive_for=%s", typed.Remaining.Truncate(time.Second), typed.InactiveFor.Truncate(time.Second))
	case events.StateChanged:
		return fmt.Sprintf("authenticated=%t user_id=%s role=%s", typed.Authenticated, typed.UserID, typed.Role)
	default:
		return fmt.Sprintf("%+v", typed)
	}
}
