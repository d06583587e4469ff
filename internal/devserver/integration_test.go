package devserver

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/authstate/pkg/authapi"
	"github.com/tyemirov/authstate/pkg/autherr"
	"github.com/tyemirov/authstate/pkg/authmetrics"
	"github.com/tyemirov/authstate/pkg/authstate"
	"github.com/tyemirov/authstate/pkg/events"
	"github.com/tyemirov/authstate/pkg/roles"
	"github.com/tyemirov/authstate/pkg/tokenstore"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

func TestClientSessionAgainstDevServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	users := NewInMemoryUsers(bcrypt.MinCost)
	if _, err := users.Add(SeedUser{Email: "admin@example.com", Password: "secret1", Role: roles.Admin}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	serverMetrics := authmetrics.NewCounterMetrics()
	router, err := NewRouter(Config{
		SigningKey:        []byte("integration-signing-key"),
		RequireCSRF:       true,
		AllowInsecureHTTP: true,
	}, Dependencies{
		Users:         users,
		RefreshTokens: NewMemoryRefreshTokenStore(),
		CSRF:          NewMemoryCSRFStore(time.Hour),
		Metrics:       serverMetrics,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	httpServer := httptest.NewServer(router)
	defer httpServer.Close()

	store, err := tokenstore.NewMemoryStore(httpServer.URL)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	var csrfMutex sync.Mutex
	csrfToken := ""
	api, err := authapi.New(authapi.Config{
		BaseURL:         httpServer.URL,
		Store:           store,
		AccessTokenName: DefaultSessionCookieName,
		CSRFToken: func() string {
			csrfMutex.Lock()
			defer csrfMutex.Unlock()
			return csrfToken
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new api client: %v", err)
	}
	ctx := context.Background()
	issued, err := api.CSRFToken(ctx)
	if err != nil {
		t.Fatalf("fetch csrf token: %v", err)
	}
	csrfMutex.Lock()
	csrfToken = issued
	csrfMutex.Unlock()

	clientMetrics := authmetrics.NewCounterMetrics()
	service, err := authstate.New(authstate.DefaultConfig(), store, api,
		authstate.WithLogger(logger),
		authstate.WithMetrics(clientMetrics),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer service.Dispose()
	var refreshedEvents atomic.Int32
	service.Events().On(events.AuthTokenRefreshed, func(events.Event) {
		refreshedEvents.Add(1)
	})
	if initErr := service.Init(ctx); initErr != nil {
		t.Fatalf("init: %v", initErr)
	}
	if service.IsAuthenticated() {
		t.Fatalf("expected no session before login")
	}

	_, loginErr := service.Login(ctx, authapi.Credentials{Email: "admin@example.com", Password: "wrong"})
	if !errors.Is(loginErr, autherr.ErrUnauthorized) || autherr.StatusOf(loginErr) != 401 || autherr.MessageOf(loginErr) != "Invalid credentials" {
		t.Fatalf("expected invalid credentials, got %v", loginErr)
	}

	user, loginErr := service.Login(ctx, authapi.Credentials{Email: "admin@example.com", Password: "secret1"})
	if loginErr != nil {
		t.Fatalf("login: %v", loginErr)
	}
	if user.UserID == "" || user.Role != "admin" {
		t.Fatalf("unexpected login user %+v", user)
	}
	if !service.IsAuthenticated() {
		t.Fatalf("expected an authenticated session")
	}
	if !service.HasRole(roles.Admin) || !service.HasPermission("users.edit") || !service.CanAccess("user-management") {
		t.Fatalf("expected admin access decisions, state %+v", service.State())
	}
	if profile, ok := service.Profile(); !ok || profile.Email != "admin@example.com" {
		t.Fatalf("expected cached profile, got %+v %v", profile, ok)
	}

	firstRefresh, _ := store.Get(DefaultRefreshCookieName)
	result, refreshErr := service.Refresh(ctx)
	if refreshErr != nil {
		t.Fatalf("refresh: %v", refreshErr)
	}
	if result.ExpiresAt.IsZero() {
		t.Fatalf("expected server-reported expiry")
	}
	rotated, _ := store.Get(DefaultRefreshCookieName)
	if rotated == "" || rotated == firstRefresh {
		t.Fatalf("expected rotated refresh token in the store")
	}
	if refreshedEvents.Load() != 1 {
		t.Fatalf("expected one token-refreshed event, got %d", refreshedEvents.Load())
	}
	if _, replayErr := api.Refresh(ctx, firstRefresh); !autherr.IsUnrecoverable(replayErr) {
		t.Fatalf("expected replayed refresh token to be rejected, got %v", replayErr)
	}

	if _, profileErr := service.FetchProfile(ctx); profileErr != nil {
		t.Fatalf("fetch profile: %v", profileErr)
	}
	if verifyErr := service.VerifySession(ctx, false); verifyErr != nil {
		t.Fatalf("verify session: %v", verifyErr)
	}

	service.Logout(ctx)
	if service.IsAuthenticated() {
		t.Fatalf("expected logout to end the session")
	}
	if _, ok := store.Get(DefaultRefreshCookieName); ok {
		t.Fatalf("expected refresh token to be cleared")
	}
	if _, replayErr := api.Refresh(ctx, rotated); !autherr.IsUnrecoverable(replayErr) {
		t.Fatalf("expected logout to revoke the refresh token, got %v", replayErr)
	}

	if serverMetrics.Count(authmetrics.EventLoginSuccess) != 1 || serverMetrics.Count(authmetrics.EventLogout) != 1 {
		t.Fatalf("unexpected server metrics %v", serverMetrics.Events())
	}
	if clientMetrics.Count(authmetrics.EventLoginFailure) != 1 || clientMetrics.Count(authmetrics.EventRefreshSuccess) != 1 {
		t.Fatalf("unexpected client metrics %v", clientMetrics.Events())
	}
}
