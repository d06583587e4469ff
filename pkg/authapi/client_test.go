package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tyemirov/authstate/pkg/autherr"
	"github.com/tyemirov/authstate/pkg/tokenstore"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *tokenstore.MemoryStore, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	store, err := tokenstore.NewMemoryStore(server.URL)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	client, err := New(Config{
		BaseURL:         server.URL,
		Store:           store,
		AccessTokenName: "jwt",
		Timeout:         time.Second,
		CSRFToken:       func() string { return "csrf-1" },
		Logger:          zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, store, server
}

func setSessionCookies(writer http.ResponseWriter, access string, refresh string) {
	http.SetCookie(writer, &http.Cookie{Name: "jwt", Value: access, Path: "/", HttpOnly: true, SameSite: http.SameSiteStrictMode})
	http.SetCookie(writer, &http.Cookie{Name: "refresh_token", Value: refresh, Path: "/", HttpOnly: true, SameSite: http.SameSiteStrictMode})
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	store, err := tokenstore.NewMemoryStore("https://app.example.com")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	testCases := []struct {
		name     string
		config   Config
		expected error
	}{
		{name: "base url", config: Config{Store: store, AccessTokenName: "jwt"}, expected: ErrMissingBaseURL},
		{name: "store", config: Config{BaseURL: "https://app.example.com", AccessTokenName: "jwt"}, expected: ErrMissingStore},
		{name: "token name", config: Config{BaseURL: "https://app.example.com", Store: store}, expected: ErrMissingTokenName},
	}
	for _, testCase := range testCases {
		if _, err := New(testCase.config); !errors.Is(err, testCase.expected) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
	}
}

func TestLoginStoresServerCookiesAndSendsHeaders(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get(HeaderCSRFToken) != "csrf-1" {
			t.Errorf("missing csrf header")
		}
		if request.Header.Get(HeaderRequestedWith) != "XMLHttpRequest" {
			t.Errorf("missing requested-with header")
		}
		var credentials Credentials
		if err := json.NewDecoder(request.Body).Decode(&credentials); err != nil || credentials.Email != "a@b.com" {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		setSessionCookies(writer, "access-1", "refresh-1")
		_ = json.NewEncoder(writer).Encode(User{UserID: "user-1", Name: "Ada", Email: "a@b.com", Role: "user"})
	})
	mux.HandleFunc("/api/user/profile", func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer access-1" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = writer.Write([]byte(`{"user":{"user_id":"user-1","email":"a@b.com","role":"user","permissions":["reports.view"]}}`))
	})
	client, store, _ := newTestClient(t, mux)

	user, err := client.Login(context.Background(), Credentials{Email: "a@b.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.UserID != "user-1" || user.Name != "Ada" {
		t.Fatalf("unexpected user %+v", user)
	}
	if value, ok := store.Get("refresh_token"); !ok || value != "refresh-1" {
		t.Fatalf("expected refresh cookie in store, got %q %v", value, ok)
	}

	profile, err := client.Profile(context.Background())
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if len(profile.Permissions) != 1 || profile.Permissions[0] != "reports.view" {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestLoginFailureNormalization(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name            string
		handler         http.HandlerFunc
		expectedKind    autherr.Kind
		expectedStatus  int
		expectedMessage string
	}{
		{
			name: "json error field",
			handler: func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusUnauthorized)
				_, _ = writer.Write([]byte(`{"error":"Invalid credentials"}`))
			},
			expectedKind:    autherr.KindUnauthorized,
			expectedStatus:  http.StatusUnauthorized,
			expectedMessage: "Invalid credentials",
		},
		{
			name: "plain text body",
			handler: func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusTooManyRequests)
				_, _ = writer.Write([]byte("slow down"))
			},
			expectedKind:    autherr.KindUnauthorized,
			expectedStatus:  http.StatusTooManyRequests,
			expectedMessage: "slow down",
		},
		{
			name: "malformed success body",
			handler: func(writer http.ResponseWriter, _ *http.Request) {
				_, _ = writer.Write([]byte("<html>"))
			},
			expectedKind: autherr.KindInvalidResponse,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			client, _, _ := newTestClient(t, testCase.handler)
			_, err := client.Login(context.Background(), Credentials{Email: "a@b.com", Password: "wrong"})
			if autherr.KindOf(err) != testCase.expectedKind {
				t.Fatalf("expected kind %s, got %v", testCase.expectedKind, err)
			}
			if autherr.StatusOf(err) != testCase.expectedStatus {
				t.Fatalf("expected status %d, got %d", testCase.expectedStatus, autherr.StatusOf(err))
			}
			if testCase.expectedMessage != "" && autherr.MessageOf(err) != testCase.expectedMessage {
				t.Fatalf("expected message %q, got %q", testCase.expectedMessage, autherr.MessageOf(err))
			}
		})
	}
}

func TestLoginNetworkError(t *testing.T) {
	t.Parallel()

	client, _, server := newTestClient(t, http.NotFoundHandler())
	server.Close()
	_, err := client.Login(context.Background(), Credentials{Email: "a@b.com", Password: "secret1"})
	if !errors.Is(err, autherr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestRefreshRotatesCookiesAndClassifiesFailures(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusOK)
	client, store, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var body refreshRequest
		_ = json.NewDecoder(request.Body).Decode(&body)
		if code := int(status.Load()); code != http.StatusOK {
			writer.WriteHeader(code)
			return
		}
		if body.RefreshToken != "refresh-1" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		setSessionCookies(writer, "access-2", "refresh-2")
		_, _ = writer.Write([]byte(`{"expires_at":1800000000}`))
	}))

	expiresAt, err := client.Refresh(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if expiresAt.Unix() != 1800000000 {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}
	if value, _ := store.Get("jwt"); value != "access-2" {
		t.Fatalf("expected rotated access token, got %q", value)
	}

	for _, testCase := range []struct {
		status        int
		unrecoverable bool
	}{
		{status: http.StatusUnauthorized, unrecoverable: true},
		{status: http.StatusForbidden, unrecoverable: true},
		{status: http.StatusInternalServerError, unrecoverable: false},
	} {
		status.Store(int32(testCase.status))
		_, err := client.Refresh(context.Background(), "refresh-2")
		if !errors.Is(err, autherr.ErrRefreshFailed) || autherr.StatusOf(err) != testCase.status {
			t.Fatalf("status %d: unexpected error %v", testCase.status, err)
		}
		if autherr.IsUnrecoverable(err) != testCase.unrecoverable {
			t.Fatalf("status %d: expected unrecoverable=%v", testCase.status, testCase.unrecoverable)
		}
	}
}

func TestLogoutClearsCookies(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(writer http.ResponseWriter, _ *http.Request) {
		setSessionCookies(writer, "access-1", "refresh-1")
		_, _ = writer.Write([]byte(`{"user_id":"user-1"}`))
	})
	mux.HandleFunc("/api/auth/logout", func(writer http.ResponseWriter, _ *http.Request) {
		http.SetCookie(writer, &http.Cookie{Name: "jwt", Path: "/", MaxAge: -1})
		http.SetCookie(writer, &http.Cookie{Name: "refresh_token", Path: "/", MaxAge: -1})
		writer.WriteHeader(http.StatusNoContent)
	})
	client, store, _ := newTestClient(t, mux)
	if _, err := client.Login(context.Background(), Credentials{Email: "a@b.com", Password: "secret1"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := client.Logout(context.Background(), "user-1"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok := store.Get("jwt"); ok {
		t.Fatalf("expected server-cleared access token")
	}
}

func TestProfileFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		status       int
		body         string
		expectedKind autherr.Kind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, expectedKind: autherr.KindUnauthorized},
		{name: "server error", status: http.StatusBadGateway, expectedKind: autherr.KindInvalidResponse},
		{name: "no user", status: http.StatusOK, body: `{}`, expectedKind: autherr.KindInvalidResponse},
		{name: "not json", status: http.StatusOK, body: `nope`, expectedKind: autherr.KindInvalidResponse},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			client, _, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			if _, err := client.Profile(context.Background()); autherr.KindOf(err) != testCase.expectedKind {
				t.Fatalf("expected %s, got %v", testCase.expectedKind, err)
			}
		})
	}
}

func TestDecodeProfileShapes(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{
		`{"user":{"user_id":"user-1","role":"admin"}}`,
		`{"profile":{"user_id":"user-1","role":"admin"}}`,
		`{"user_id":"user-1","role":"admin"}`,
	} {
		user, err := decodeProfile([]byte(payload))
		if err != nil {
			t.Fatalf("%s: %v", payload, err)
		}
		if user.UserID != "user-1" || user.Role != "admin" {
			t.Fatalf("%s: unexpected user %+v", payload, user)
		}
	}
}

func TestCSRFToken(t *testing.T) {
	t.Parallel()

	client, _, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte(`{"csrf_token":"token-xyz"}`))
	}))
	token, err := client.CSRFToken(context.Background())
	if err != nil || token != "token-xyz" {
		t.Fatalf("expected csrf token, got %q %v", token, err)
	}
}
