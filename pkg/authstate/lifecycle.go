package authstate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tyemirov/authstate/pkg/authapi"
	"github.com/tyemirov/authstate/pkg/authmetrics"
	"github.com/tyemirov/authstate/pkg/autherr"
	"github.com/tyemirov/authstate/pkg/events"
	"github.com/tyemirov/authstate/pkg/refresh"
	"go.uber.org/zap"
)

func errSessionTimeout(inactive time.Duration) *autherr.Error {
	return autherr.New(autherr.KindSessionTimeout, fmt.Sprintf("session expired after %s of inactivity", inactive.Truncate(time.Second)))
}

// Login posts credentials and, on success, caches the profile, starts the
// session timers and broadcasts auth:state-changed then auth:login-success.
// Failures are normalized to auth.unauthorized, auth.network_error or
// auth.invalid_response, broadcast as auth:login-error and returned.
func (service *Service) Login(ctx context.Context, credentials authapi.Credentials) (authapi.User, error) {
	service.setPhase(PhaseAuthenticating)
	service.setLoading(true)
	defer service.setLoading(false)

	user, err := service.api.Login(ctx, credentials)
	if err == nil && !service.IsAuthenticated() {
		err = autherr.New(autherr.KindInvalidResponse, "login response did not establish a session token")
	}
	if err != nil {
		normalized := normalizeLoginError(err)
		service.setPhase(PhaseUnauthenticated)
		service.metrics.Increment(authmetrics.EventLoginFailure)
		service.logger.Warn("login failed",
			zap.String("code", string(normalized.Kind)),
			zap.Int("status", normalized.Status),
			zap.Error(err),
		)
		service.bus.Dispatch(events.LoginError{
			Type:    string(normalized.Kind),
			Message: normalized.Message,
			Status:  normalized.Status,
		})
		return authapi.User{}, normalized
	}

	if profile, profileErr := service.api.Profile(ctx); profileErr != nil {
		service.metrics.Increment(authmetrics.EventProfileFailure)
		service.logger.Warn("profile fetch after login failed", zap.String("code", "authstate.login.profile_failed"), zap.Error(profileErr))
	} else {
		service.cacheProfile(profile)
	}

	state := service.State()
	service.setPhase(PhaseAuthenticated)
	service.startTimers(state)
	service.resetActivity()
	state = service.State()
	service.notifyIfChanged(state)

	if user.UserID == "" {
		user.UserID = state.UserID
	}
	if user.Name == "" {
		user.Name = state.Name
	}
	service.metrics.Increment(authmetrics.EventLoginSuccess)
	service.logger.Info("login succeeded", zap.String("code", "authstate.login.success"), zap.String("user_id", user.UserID))
	service.bus.Dispatch(events.LoginSuccess{
		UserID: user.UserID,
		Name:   user.Name,
		Email:  state.Email,
		Role:   string(state.Role),
	})
	return user, nil
}

// Logout always ends the local session: timers stop, both tokens are deleted
// and auth:logout-success is broadcast. The server call is best effort.
func (service *Service) Logout(ctx context.Context) {
	state := service.State()
	service.stopTimers()

	logoutContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), service.config.RequestTimeout)
	if err := service.api.Logout(logoutContext, state.UserID); err != nil {
		service.logger.Debug("server logout failed, clearing locally", zap.String("code", "authstate.logout.server_failed"), zap.Error(err))
	}
	cancel()

	service.clearSession()
	service.setPhase(PhaseUnauthenticated)
	service.notifyIfChanged(service.State())
	service.metrics.Increment(authmetrics.EventLogout)
	service.logger.Info("logged out", zap.String("code", "authstate.logout"), zap.String("user_id", state.UserID))
	service.bus.Dispatch(events.LogoutSuccess{UserID: state.UserID})
}

// Refresh requests a token refresh through the coordinator. Transient failures
// are returned without any broadcast; unrecoverable ones (401/403) also end the
// session and redirect, as does a missing refresh token once the access token
// has expired.
func (service *Service) Refresh(ctx context.Context) (refresh.Result, error) {
	entered := false
	service.mutex.Lock()
	if service.phase == PhaseAuthenticated {
		service.phase = PhaseRefreshing
		entered = true
	}
	hook := service.transitionHook
	service.mutex.Unlock()
	if entered && hook != nil {
		hook(PhaseAuthenticated, PhaseRefreshing)
	}

	result, err := service.coordinator.Refresh(ctx)
	if entered && service.currentPhase() == PhaseRefreshing {
		service.setPhase(PhaseAuthenticated)
	}
	if err != nil {
		if autherr.IsUnrecoverable(err) {
			service.expire(err)
			return result, err
		}
		if errors.Is(err, autherr.ErrRefreshMissingToken) {
			service.expireIfStale()
			return result, err
		}
		service.logger.Debug("refresh failed, will retry on next need", zap.String("code", string(autherr.KindOf(err))), zap.Error(err))
		return result, err
	}

	announce := false
	service.mutex.Lock()
	if !result.StartedAt.Equal(service.lastRefreshRun) {
		service.lastRefreshRun = result.StartedAt
		announce = true
	}
	service.mutex.Unlock()
	if announce {
		expiresAt := result.ExpiresAt
		if expiresAt.IsZero() {
			if current, ok := service.currentClaims(); ok {
				expiresAt = current.ExpiresAt()
			}
		}
		service.reconcile()
		service.bus.Dispatch(events.TokenRefreshed{ExpiresAt: expiresAt})
	}
	return result, nil
}

// VerifySession confirms the session is live. When the token has less than the
// verify margin left it refreshes first. Without a session it fails with
// auth.not_authenticated and, when redirect is set, navigates to the login path.
// redirect only covers that no-session case: a failed refresh redirects through
// expiry when it is unrecoverable and not at all when it is transient.
func (service *Service) VerifySession(ctx context.Context, redirect bool) error {
	current, ok := service.currentClaims()
	now := service.clock.Now()
	if !ok || !current.Valid(now) {
		if service.expireIfStale() {
			return autherr.New(autherr.KindNotAuthenticated, "session expired")
		}
		if redirect {
			service.navigator.Navigate(service.RedirectPath(service.lastKnownRole()))
		}
		return autherr.New(autherr.KindNotAuthenticated, "no valid session")
	}
	if current.Remaining(now) >= service.config.VerifyMargin {
		return nil
	}
	if _, err := service.Refresh(ctx); err != nil {
		return fmt.Errorf("authstate.verify_session: %w", err)
	}
	return nil
}

// FetchProfile loads the profile. A 401 triggers exactly one refresh and, when
// it succeeds, one retry. A failed refresh is returned as is; Refresh has
// already ended the session if the failure was unrecoverable.
func (service *Service) FetchProfile(ctx context.Context) (authapi.User, error) {
	profile, err := service.api.Profile(ctx)
	if errors.Is(err, autherr.ErrUnauthorized) {
		if _, refreshErr := service.Refresh(ctx); refreshErr != nil {
			return authapi.User{}, refreshErr
		}
		profile, err = service.api.Profile(ctx)
	}
	if err != nil {
		service.metrics.Increment(authmetrics.EventProfileFailure)
		return authapi.User{}, err
	}
	service.cacheProfile(profile)
	service.notifyIfChanged(service.State())
	return profile, nil
}

// Do sends an authenticated request built by send. On a 401 it refreshes once
// and resends with the new token; unrecoverable refresh failures end the session.
func (service *Service) Do(ctx context.Context, send func(request *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	response, err := send(service.api.Request(ctx))
	if err != nil {
		return response, autherr.Wrap(autherr.KindNetwork, "request failed", err)
	}
	if response.StatusCode() != http.StatusUnauthorized {
		return response, nil
	}
	if _, refreshErr := service.Refresh(ctx); refreshErr != nil {
		return response, refreshErr
	}
	response, err = send(service.api.Request(ctx))
	if err != nil {
		return response, autherr.Wrap(autherr.KindNetwork, "request failed", err)
	}
	if response.StatusCode() == http.StatusUnauthorized {
		return response, autherr.FromStatus(autherr.KindUnauthorized, http.StatusUnauthorized, "")
	}
	return response, nil
}

// Activity records a user interaction for the inactivity monitor.
func (service *Service) Activity() {
	service.mutex.Lock()
	monitor := service.monitor
	service.mutex.Unlock()
	if monitor != nil {
		monitor.Pulse()
	}
}

// HandleVisibilityChange verifies the session when the client becomes visible again.
func (service *Service) HandleVisibilityChange(ctx context.Context, visible bool) {
	if !visible || !service.IsAuthenticated() {
		return
	}
	if err := service.VerifySession(ctx, false); err != nil {
		service.logger.Debug("session verification on visibility change failed", zap.String("code", "authstate.visibility.verify_failed"), zap.Error(err))
	}
}

// expire ends the session without a user-initiated logout: tokens are deleted,
// state-changed and session-expired are broadcast, then the navigator is sent to
// the redirect for the last known role. It is a no-op once nothing is left to expire.
func (service *Service) expire(reason error) {
	service.expireMutex.Lock()
	defer service.expireMutex.Unlock()

	_, hasAccess := service.store.Get(service.config.AccessTokenName)
	_, hasRefresh := service.store.Get(service.config.RefreshTokenName)
	phase := service.currentPhase()
	if !hasAccess && !hasRefresh && phase == PhaseUnauthenticated {
		return
	}

	role := service.lastKnownRole()
	if state := service.State(); state.Authenticated {
		role = state.Role
	}
	service.setPhase(PhaseExpiring)
	service.stopTimers()
	service.clearSession()
	service.setPhase(PhaseUnauthenticated)
	service.notifyIfChanged(service.State())

	kind := autherr.KindOf(reason)
	if kind == "" {
		kind = autherr.KindTokenExpired
	}
	service.metrics.Increment(authmetrics.EventSessionExpired)
	service.logger.Info("session expired",
		zap.String("code", string(kind)),
		zap.Int("status", autherr.StatusOf(reason)),
		zap.String("role", string(role)),
	)
	service.bus.Dispatch(events.SessionExpired{
		Type:    string(kind),
		Message: autherr.MessageOf(reason),
		Status:  autherr.StatusOf(reason),
	})
	service.navigator.Navigate(service.RedirectPath(role))
}

// expireIfStale expires a session whose access token is gone or expired when no
// refresh token is left to recover it. It reports whether it expired anything.
func (service *Service) expireIfStale() bool {
	if service.IsAuthenticated() {
		return false
	}
	if _, hasRefresh := service.store.Get(service.config.RefreshTokenName); hasRefresh {
		return false
	}
	_, hasAccess := service.store.Get(service.config.AccessTokenName)
	phase := service.currentPhase()
	if !hasAccess && phase != PhaseAuthenticated && phase != PhaseRefreshing {
		return false
	}
	service.expire(autherr.New(autherr.KindTokenExpired, "access token expired and no refresh token is stored"))
	return true
}

func (service *Service) clearSession() {
	for _, name := range []string{service.config.AccessTokenName, service.config.RefreshTokenName} {
		if err := service.store.Delete(name); err != nil {
			service.logger.Error("token delete failed", zap.String("code", "authstate.token_delete_failed"), zap.String("name", name), zap.Error(err))
		}
	}
	service.mutex.Lock()
	service.profile = nil
	service.mutex.Unlock()
}

func (service *Service) cacheProfile(profile authapi.User) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	service.profile = &profile
}

func (service *Service) setLoading(loading bool) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	service.loading = loading
}

func (service *Service) resetActivity() {
	service.mutex.Lock()
	monitor := service.monitor
	service.mutex.Unlock()
	if monitor != nil {
		monitor.Reset()
	}
}

// normalizeLoginError maps any login failure onto the three login kinds.
func normalizeLoginError(err error) *autherr.Error {
	var classified *autherr.Error
	if errors.As(err, &classified) {
		switch classified.Kind {
		case autherr.KindUnauthorized, autherr.KindNetwork, autherr.KindInvalidResponse:
			return classified
		}
		status := classified.Status
		if status == 0 {
			status = http.StatusUnauthorized
		}
		return &autherr.Error{Kind: autherr.KindUnauthorized, Status: status, Message: autherr.MessageOf(err), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return autherr.Wrap(autherr.KindNetwork, "login request did not complete", err)
	}
	return &autherr.Error{Kind: autherr.KindUnauthorized, Status: http.StatusUnauthorized, Message: "Login failed", Err: err}
}
