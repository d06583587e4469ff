package authstate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tyemirov/authstate/internal/tokentest"
	"github.com/tyemirov/authstate/pkg/authapi"
	"github.com/tyemirov/authstate/pkg/events"
	"github.com/tyemirov/authstate/pkg/tokenstore"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Now().UTC().Truncate(time.Second)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *fakeClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(delta)
}

// fakeAuthServer implements the login, refresh, logout and profile endpoints.
type fakeAuthServer struct {
	t     *testing.T
	clock *fakeClock

	role        string
	permissions []string
	accessTTL   time.Duration

	refreshStatus atomic.Int32
	logoutStatus  atomic.Int32

	mutex          sync.Mutex
	refreshGate    chan struct{}
	profileQueue   []int
	refreshCounter int

	loginCalls   atomic.Int32
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	profileCalls atomic.Int32
	dataCalls    atomic.Int32
}

func newFakeAuthServer(t *testing.T, clock *fakeClock, role string) *fakeAuthServer {
	return &fakeAuthServer{
		t:           t,
		clock:       clock,
		role:        role,
		permissions: []string{"reports.view"},
		accessTTL:   2 * time.Hour,
	}
}

func (server *fakeAuthServer) mint() string {
	return tokentest.Mint(server.t, tokentest.Spec{
		Subject:   "user-1",
		Role:      server.role,
		Name:      "Ada",
		Email:     "a@b.com",
		ExpiresAt: server.clock.Now().Add(server.accessTTL),
	})
}

func (server *fakeAuthServer) setSession(writer http.ResponseWriter) string {
	server.mutex.Lock()
	server.refreshCounter++
	refreshToken := fmt.Sprintf("refresh-%d", server.refreshCounter)
	server.mutex.Unlock()
	access := server.mint()
	http.SetCookie(writer, &http.Cookie{Name: "jwt", Value: access, Path: "/", HttpOnly: true, SameSite: http.SameSiteStrictMode})
	http.SetCookie(writer, &http.Cookie{Name: "refresh_token", Value: refreshToken, Path: "/", HttpOnly: true, SameSite: http.SameSiteStrictMode})
	return access
}

// holdRefreshes blocks refresh requests until the returned channel is closed.
func (server *fakeAuthServer) holdRefreshes() chan struct{} {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.refreshGate = make(chan struct{})
	return server.refreshGate
}

func (server *fakeAuthServer) queueProfileStatus(statuses ...int) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.profileQueue = append(server.profileQueue, statuses...)
}

func (server *fakeAuthServer) nextProfileStatus() int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if len(server.profileQueue) == 0 {
		return 0
	}
	status := server.profileQueue[0]
	server.profileQueue = server.profileQueue[1:]
	return status
}

func (server *fakeAuthServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(writer http.ResponseWriter, request *http.Request) {
		server.loginCalls.Add(1)
		var credentials authapi.Credentials
		if err := json.NewDecoder(request.Body).Decode(&credentials); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		if credentials.Email != "a@b.com" || credentials.Password != "secret1" {
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = writer.Write([]byte(`{"error":"Invalid credentials"}`))
			return
		}
		server.setSession(writer)
		_, _ = writer.Write([]byte(`{"user_id":"user-1","name":"Ada"}`))
	})
	mux.HandleFunc("/api/auth/refresh", func(writer http.ResponseWriter, request *http.Request) {
		server.refreshCalls.Add(1)
		server.mutex.Lock()
		gate := server.refreshGate
		server.mutex.Unlock()
		if gate != nil {
			<-gate
		}
		if status := int(server.refreshStatus.Load()); status != 0 {
			writer.WriteHeader(status)
			return
		}
		server.setSession(writer)
		_, _ = fmt.Fprintf(writer, `{"expires_at":%d}`, server.clock.Now().Add(server.accessTTL).Unix())
	})
	mux.HandleFunc("/api/auth/logout", func(writer http.ResponseWriter, _ *http.Request) {
		server.logoutCalls.Add(1)
		if status := int(server.logoutStatus.Load()); status != 0 {
			writer.WriteHeader(status)
			return
		}
		http.SetCookie(writer, &http.Cookie{Name: "jwt", Path: "/", MaxAge: -1})
		http.SetCookie(writer, &http.Cookie{Name: "refresh_token", Path: "/", MaxAge: -1})
		writer.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/user/profile", func(writer http.ResponseWriter, request *http.Request) {
		server.profileCalls.Add(1)
		if status := server.nextProfileStatus(); status != 0 {
			writer.WriteHeader(status)
			return
		}
		if !strings.HasPrefix(request.Header.Get("Authorization"), "Bearer ") {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		payload, _ := json.Marshal(map[string]any{"user": map[string]any{
			"user_id":     "user-1",
			"name":        "Ada",
			"email":       "a@b.com",
			"role":        server.role,
			"permissions": server.permissions,
		}})
		_, _ = writer.Write(payload)
	})
	mux.HandleFunc("/api/data", func(writer http.ResponseWriter, _ *http.Request) {
		if server.dataCalls.Add(1) == 1 {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = writer.Write([]byte(`{"ok":true}`))
	})
	return mux
}

type navigationRecorder struct {
	mutex sync.Mutex
	paths []string
}

func (recorder *navigationRecorder) Navigate(path string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.paths = append(recorder.paths, path)
}

func (recorder *navigationRecorder) Paths() []string {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]string(nil), recorder.paths...)
}

type eventRecorder struct {
	mutex    sync.Mutex
	received []events.Event
}

func recordEvents(bus *events.Bus) *eventRecorder {
	recorder := &eventRecorder{}
	for _, namespace := range []string{"auth", "session"} {
		bus.OnNamespace(namespace, func(event events.Event) {
			recorder.mutex.Lock()
			defer recorder.mutex.Unlock()
			recorder.received = append(recorder.received, event)
		})
	}
	return recorder
}

func (recorder *eventRecorder) Named(name events.Name) []events.Event {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	var matched []events.Event
	for _, event := range recorder.received {
		if event.EventName() == name {
			matched = append(matched, event)
		}
	}
	return matched
}

type harness struct {
	clock     *fakeClock
	server    *fakeAuthServer
	http      *httptest.Server
	store     *tokenstore.MemoryStore
	api       *authapi.Client
	service   *Service
	events    *eventRecorder
	navigator *navigationRecorder
}

func newHarness(t *testing.T, role string, config Config, options ...Option) *harness {
	t.Helper()
	clock := newFakeClock()
	server := newFakeAuthServer(t, clock, role)
	httpServer := httptest.NewServer(server.handler())
	t.Cleanup(httpServer.Close)
	store, err := tokenstore.NewMemoryStore(httpServer.URL)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	return newHarnessWithStore(t, clock, server, httpServer, store, config, options...)
}

func newHarnessWithStore(t *testing.T, clock *fakeClock, server *fakeAuthServer, httpServer *httptest.Server, store *tokenstore.MemoryStore, config Config, options ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	client, err := authapi.New(authapi.Config{
		BaseURL:         httpServer.URL,
		Store:           store,
		AccessTokenName: DefaultAccessTokenName,
		Timeout:         2 * time.Second,
		CSRFToken:       func() string { return "csrf-test" },
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("new api client: %v", err)
	}
	navigator := &navigationRecorder{}
	bus := events.NewBus(logger)
	recorder := recordEvents(bus)
	allOptions := append([]Option{
		WithLogger(logger),
		WithClock(clock),
		WithNavigator(navigator),
		WithEventBus(bus),
	}, options...)
	service, err := New(config, store, client, allOptions...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(service.Dispose)
	return &harness{
		clock:     clock,
		server:    server,
		http:      httpServer,
		store:     store,
		api:       client,
		service:   service,
		events:    recorder,
		navigator: navigator,
	}
}

// storeToken writes an access token as if the server had set it.
func (h *harness) storeToken(t *testing.T, name string, value string) {
	t.Helper()
	origin, err := http.NewRequest(http.MethodGet, h.http.URL+"/", nil)
	if err != nil {
		t.Fatalf("build origin: %v", err)
	}
	h.store.SetCookies(origin.URL, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
