// Package authstate is the client-side auth facade: it answers "who is signed
// in" from the stored access token, drives login, logout, refresh and
// verification, and broadcasts every state change on an event bus.
//
// Claims are decoded without signature verification. They steer UX (role
// based navigation, expiry countdowns, refresh-ahead); servers must enforce
// authorization on their own.
package authstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tyemirov/authstate/pkg/authapi"
	"github.com/tyemirov/authstate/pkg/authmetrics"
	"github.com/tyemirov/authstate/pkg/claims"
	"github.com/tyemirov/authstate/pkg/events"
	"github.com/tyemirov/authstate/pkg/refresh"
	"github.com/tyemirov/authstate/pkg/roles"
	"github.com/tyemirov/authstate/pkg/session"
	"github.com/tyemirov/authstate/pkg/tokenstore"
	"go.uber.org/zap"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// API is the HTTP contract the service calls. *authapi.Client implements it.
type API interface {
	Login(ctx context.Context, credentials authapi.Credentials) (authapi.User, error)
	Refresh(ctx context.Context, refreshToken string) (time.Time, error)
	Logout(ctx context.Context, userID string) error
	Profile(ctx context.Context) (authapi.User, error)
	Request(ctx context.Context) *resty.Request
}

// Navigator performs the "redirect to login" side effect.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

// Navigate calls fn.
func (fn NavigatorFunc) Navigate(path string) {
	fn(path)
}

// Phase is the lifecycle position of the service.
type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseAuthenticating  Phase = "authenticating"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseRefreshing      Phase = "refreshing"
	PhaseExpiring        Phase = "expiring"
)

// State is recomputed from the stored access token on every call.
type State struct {
	Authenticated bool
	UserID        string
	Name          string
	Email         string
	Role          roles.Role
	Permissions   []string
	Loading       bool
	Phase         Phase
	ExpiresAt     time.Time
	ExpiresIn     time.Duration
}

type broadcastKey struct {
	authenticated bool
	userID        string
	role          roles.Role
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithClock sets the clock used for expiry decisions.
func WithClock(clock Clock) Option {
	return func(service *Service) {
		if clock != nil {
			service.clock = clock
		}
	}
}

// WithNavigator sets the redirect target.
func WithNavigator(navigator Navigator) Option {
	return func(service *Service) {
		if navigator != nil {
			service.navigator = navigator
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder authmetrics.Recorder) Option {
	return func(service *Service) {
		if recorder != nil {
			service.metrics = recorder
		}
	}
}

// WithEventBus shares an existing bus instead of creating one.
func WithEventBus(bus *events.Bus) Option {
	return func(service *Service) {
		if bus != nil {
			service.bus = bus
		}
	}
}

// WithTransitionHook observes phase transitions.
func WithTransitionHook(hook func(from Phase, to Phase)) Option {
	return func(service *Service) {
		service.transitionHook = hook
	}
}

// Service is the auth facade. Construct it with New, then call Init; Dispose stops its goroutines.
type Service struct {
	config         Config
	store          tokenstore.Store
	api            API
	coordinator    *refresh.Coordinator
	refreshAhead   *session.RefreshAhead
	bus            *events.Bus
	navigator      Navigator
	metrics        authmetrics.Recorder
	clock          Clock
	logger         *zap.Logger
	transitionHook func(from Phase, to Phase)

	runContext context.Context
	cancelRun  context.CancelFunc

	mutex          sync.Mutex
	phase          Phase
	loading        bool
	profile        *authapi.User
	lastBroadcast  broadcastKey
	lastRole       roles.Role
	monitor        *session.Monitor
	timersRunning  bool
	watching       bool
	lastRefreshRun time.Time

	expireMutex sync.Mutex
}

// New validates configuration and wires the refresh coordinator and schedulers.
func New(config Config, store tokenstore.Store, api API, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("authstate.new: %w", ErrMissingStore)
	}
	if api == nil {
		return nil, fmt.Errorf("authstate.new: %w", ErrMissingAPI)
	}
	normalized, err := config.normalized()
	if err != nil {
		return nil, err
	}
	service := &Service{
		config:  normalized,
		store:   store,
		api:     api,
		metrics: authmetrics.Nop{},
		clock:   systemClock{},
		logger:  zap.NewNop(),
		phase:   PhaseUnauthenticated,
	}
	for _, option := range options {
		option(service)
	}
	if service.bus == nil {
		service.bus = events.NewBus(service.logger)
	}
	if service.navigator == nil {
		logger := service.logger
		service.navigator = NavigatorFunc(func(path string) {
			logger.Info("redirect requested", zap.String("code", "authstate.redirect"), zap.String("path", path))
		})
	}

	coordinator, coordinatorErr := refresh.New(refresh.Config{
		Store:            store,
		RefreshTokenName: normalized.RefreshTokenName,
		Refresher:        api,
		Timeout:          normalized.RequestTimeout,
		Clock:            service.clock,
		Logger:           service.logger,
		Metrics:          service.metrics,
	})
	if coordinatorErr != nil {
		return nil, fmt.Errorf("authstate.new: %w", coordinatorErr)
	}
	service.coordinator = coordinator

	refreshAhead, refreshAheadErr := session.NewRefreshAhead(session.RefreshAheadConfig{
		Margin:   normalized.RefreshAhead,
		Interval: normalized.RefreshCheckInterval,
		Lifetime: service.tokenLifetime,
		Refresh: func(ctx context.Context) error {
			_, refreshErr := service.Refresh(ctx)
			return refreshErr
		},
		Logger: service.logger,
	})
	if refreshAheadErr != nil {
		return nil, fmt.Errorf("authstate.new: %w", refreshAheadErr)
	}
	service.refreshAhead = refreshAhead
	service.runContext, service.cancelRun = context.WithCancel(context.Background())
	return service, nil
}

// Events returns the bus state changes are broadcast on.
func (service *Service) Events() *events.Bus {
	return service.bus
}

// Config returns the normalized configuration.
func (service *Service) Config() Config {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	return service.config
}

// Init reconciles with the stored token, starts timers when a session exists,
// follows writes from other instances sharing the store, and broadcasts auth:ready.
// It makes no network calls. The service is disposed when ctx ends.
func (service *Service) Init(ctx context.Context) error {
	if watcher, ok := service.store.(tokenstore.Watcher); ok {
		service.mutex.Lock()
		alreadyWatching := service.watching
		service.watching = true
		service.mutex.Unlock()
		if !alreadyWatching {
			changes, err := watcher.Watch(service.runContext)
			if err != nil {
				service.mutex.Lock()
				service.watching = false
				service.mutex.Unlock()
				return fmt.Errorf("authstate.init.watch: %w", err)
			}
			go service.follow(changes)
		}
	}
	state := service.reconcile()
	service.logger.Info("auth state initialized",
		zap.String("code", "authstate.ready"),
		zap.Bool("authenticated", state.Authenticated),
		zap.String("user_id", state.UserID),
	)
	service.bus.Dispatch(events.Ready{Authenticated: state.Authenticated})
	go func() {
		select {
		case <-ctx.Done():
			service.Dispose()
		case <-service.runContext.Done():
		}
	}()
	return nil
}

// Dispose stops timers and the store watcher. The service must not be used afterwards.
func (service *Service) Dispose() {
	service.stopTimers()
	service.cancelRun()
}

// State recomputes the auth state from the stored token.
func (service *Service) State() State {
	now := service.clock.Now()
	current, hasToken := service.currentClaims()

	service.mutex.Lock()
	defer service.mutex.Unlock()
	state := State{Phase: service.phase, Loading: service.loading}
	if !hasToken || !current.Valid(now) {
		if state.Phase == PhaseAuthenticated {
			state.Phase = PhaseUnauthenticated
		}
		return state
	}
	state.Authenticated = true
	state.UserID = current.UserID()
	state.Name = current.Name()
	state.Email = current.Email()
	state.Role = current.Role()
	state.ExpiresAt = current.ExpiresAt()
	state.ExpiresIn = current.Remaining(now)
	permissions := current.Permissions()
	if profile := service.profile; profile != nil && (profile.UserID == "" || profile.UserID == state.UserID) {
		permissions = permissions.Union(roles.NewPermissionSet(profile.Permissions...))
		if state.Name == "" {
			state.Name = profile.Name
		}
		if state.Email == "" {
			state.Email = profile.Email
		}
	}
	state.Permissions = permissions.Sorted()
	return state
}

// IsAuthenticated reports whether a decodable, unexpired access token is stored.
// Decode failures count as not authenticated.
func (service *Service) IsAuthenticated() bool {
	current, ok := service.currentClaims()
	return ok && current.Valid(service.clock.Now())
}

// Profile returns the cached profile from the last successful profile fetch.
func (service *Service) Profile() (authapi.User, bool) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	if service.profile == nil {
		return authapi.User{}, false
	}
	return *service.profile, true
}

// RefreshInFlight reports whether a refresh request is outstanding.
func (service *Service) RefreshInFlight() bool {
	_, inFlight := service.coordinator.InFlight()
	return inFlight
}

func (service *Service) currentClaims() (*claims.Claims, bool) {
	token, ok := service.store.Get(service.config.AccessTokenName)
	if !ok {
		return nil, false
	}
	decoded, err := claims.Decode(token)
	if err != nil {
		service.logger.Debug("stored access token unreadable", zap.String("code", "authstate.token_malformed"), zap.Error(err))
		return nil, false
	}
	return decoded, true
}

func (service *Service) tokenLifetime() (time.Duration, bool) {
	current, ok := service.currentClaims()
	if !ok {
		return 0, false
	}
	return current.Remaining(service.clock.Now()), true
}

func (service *Service) setPhase(next Phase) {
	service.mutex.Lock()
	previous := service.phase
	service.phase = next
	hook := service.transitionHook
	service.mutex.Unlock()
	if hook != nil && previous != next {
		hook(previous, next)
	}
}

func (service *Service) currentPhase() Phase {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	return service.phase
}

// notifyIfChanged broadcasts auth:state-changed when {authenticated, user, role} moved.
func (service *Service) notifyIfChanged(state State) {
	key := broadcastKey{authenticated: state.Authenticated, userID: state.UserID, role: state.Role}
	service.mutex.Lock()
	if state.Authenticated {
		service.lastRole = state.Role
	}
	if key == service.lastBroadcast {
		service.mutex.Unlock()
		return
	}
	service.lastBroadcast = key
	service.mutex.Unlock()
	service.bus.Dispatch(events.StateChanged{
		Authenticated: state.Authenticated,
		UserID:        state.UserID,
		Role:          string(state.Role),
	})
}

// reconcile folds the stored token into local state without network calls.
func (service *Service) reconcile() State {
	state := service.State()
	if state.Authenticated {
		if service.currentPhase() == PhaseUnauthenticated {
			service.setPhase(PhaseAuthenticated)
		}
		service.startTimers(state)
	} else {
		service.stopTimers()
		service.mutex.Lock()
		service.profile = nil
		service.mutex.Unlock()
		if phase := service.currentPhase(); phase == PhaseAuthenticated {
			service.setPhase(PhaseUnauthenticated)
		}
	}
	state = service.State()
	service.notifyIfChanged(state)
	return state
}

func (service *Service) follow(changes <-chan tokenstore.Change) {
	for change := range changes {
		relevant := false
		for _, name := range change.Names {
			if name == service.config.AccessTokenName || name == service.config.RefreshTokenName {
				relevant = true
				break
			}
		}
		if !relevant {
			continue
		}
		service.logger.Debug("token store changed by another instance",
			zap.String("code", "authstate.store_changed"),
			zap.String("origin", change.Origin),
			zap.Strings("names", change.Names),
		)
		service.reconcile()
	}
}

// startTimers starts the inactivity monitor and refresh-ahead loop once per
// session. The refresh-ahead loop stops itself when the access token vanishes,
// so it is restarted here whenever a session is reconciled again.
func (service *Service) startTimers(state State) {
	service.mutex.Lock()
	if service.timersRunning {
		service.mutex.Unlock()
		if !service.refreshAhead.Running() {
			service.refreshAhead.Start(service.runContext)
		}
		return
	}
	service.timersRunning = true
	service.mutex.Unlock()

	timeout := service.config.SessionTimeout
	if service.config.SessionTimeoutFromToken && state.ExpiresIn > 0 {
		timeout = session.TimeoutForToken(state.ExpiresIn)
	}
	monitor, err := session.NewMonitor(session.MonitorConfig{
		Timeout:       timeout,
		Warning:       service.config.SessionWarning,
		CheckInterval: service.config.SessionCheckInterval,
		Clock:         service.clock,
		Logger:        service.logger,
		Events:        warningDispatcher{service: service},
		OnTimeout: func(inactive time.Duration) {
			service.expire(errSessionTimeout(inactive))
		},
	})
	if err != nil {
		service.logger.Error("session monitor not started", zap.String("code", "authstate.monitor_failed"), zap.Error(err))
	} else {
		monitor.Start(service.runContext)
	}
	service.mutex.Lock()
	service.monitor = monitor
	service.mutex.Unlock()
	service.refreshAhead.Start(service.runContext)
}

func (service *Service) stopTimers() {
	service.mutex.Lock()
	monitor := service.monitor
	service.monitor = nil
	service.timersRunning = false
	service.mutex.Unlock()
	if monitor != nil {
		monitor.Stop()
	}
	service.refreshAhead.Stop()
}

type warningDispatcher struct {
	service *Service
}

func (dispatcher warningDispatcher) Dispatch(event events.Event) {
	dispatcher.service.metrics.Increment(authmetrics.EventSessionWarning)
	dispatcher.service.bus.Dispatch(event)
}
