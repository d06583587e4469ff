// Package refresh coalesces concurrent token refresh requests into one network call.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/authstate/pkg/authmetrics"
	"github.com/tyemirov/authstate/pkg/autherr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	flightKey      = "refresh"
	defaultTimeout = 10 * time.Second
)

var (
	ErrMissingStore     = errors.New("refresh.coordinator.missing_store")
	ErrMissingRefresher = errors.New("refresh.coordinator.missing_refresher")
	ErrMissingTokenName = errors.New("refresh.coordinator.missing_token_name")
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// TokenSource reads stored tokens.
type TokenSource interface {
	Get(name string) (string, bool)
}

// Refresher performs the refresh network call. The server rotates the token
// cookies as a side effect; the returned time is the new access-token expiry
// when the server reports one.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (time.Time, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (time.Time, error)

// Refresh calls fn.
func (fn RefresherFunc) Refresh(ctx context.Context, refreshToken string) (time.Time, error) {
	return fn(ctx, refreshToken)
}

// Config configures a Coordinator.
type Config struct {
	Store            TokenSource
	RefreshTokenName string
	Refresher        Refresher
	Timeout          time.Duration
	Clock            Clock
	Logger           *zap.Logger
	Metrics          authmetrics.Recorder
}

// Operation describes the refresh currently in flight.
type Operation struct {
	StartedAt time.Time
}

// Result is the settled outcome shared by every caller of one refresh.
type Result struct {
	ExpiresAt time.Time
	StartedAt time.Time
	Shared    bool
}

// Coordinator is Idle when no operation is in flight and Refreshing otherwise.
// Callers arriving while Refreshing join the in-flight call.
type Coordinator struct {
	store            TokenSource
	refreshTokenName string
	refresher        Refresher
	timeout          time.Duration
	clock            Clock
	logger           *zap.Logger
	metrics          authmetrics.Recorder

	group singleflight.Group

	mutex    sync.Mutex
	inFlight *Operation
}

// New validates configuration and constructs a Coordinator.
func New(config Config) (*Coordinator, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("refresh.coordinator.new: %w", ErrMissingStore)
	}
	if config.Refresher == nil {
		return nil, fmt.Errorf("refresh.coordinator.new: %w", ErrMissingRefresher)
	}
	if strings.TrimSpace(config.RefreshTokenName) == "" {
		return nil, fmt.Errorf("refresh.coordinator.new: %w", ErrMissingTokenName)
	}
	coordinator := &Coordinator{
		store:            config.Store,
		refreshTokenName: config.RefreshTokenName,
		refresher:        config.Refresher,
		timeout:          config.Timeout,
		clock:            config.Clock,
		logger:           config.Logger,
		metrics:          config.Metrics,
	}
	if coordinator.timeout <= 0 {
		coordinator.timeout = defaultTimeout
	}
	if coordinator.clock == nil {
		coordinator.clock = systemClock{}
	}
	if coordinator.logger == nil {
		coordinator.logger = zap.NewNop()
	}
	if coordinator.metrics == nil {
		coordinator.metrics = authmetrics.Nop{}
	}
	return coordinator, nil
}

// InFlight returns the current operation, if any.
func (coordinator *Coordinator) InFlight() (Operation, bool) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	if coordinator.inFlight == nil {
		return Operation{}, false
	}
	return *coordinator.inFlight, true
}

// Refresh starts a refresh or joins the one in flight.
//
// A missing refresh token fails with auth.refresh_missing_token before any
// network call. Non-2xx responses fail with auth.refresh_failed carrying the
// status; 401 and 403 are additionally marked unrecoverable. A caller whose ctx
// ends stops waiting without cancelling the shared call for the others.
func (coordinator *Coordinator) Refresh(ctx context.Context) (Result, error) {
	refreshToken, ok := coordinator.store.Get(coordinator.refreshTokenName)
	if !ok || strings.TrimSpace(refreshToken) == "" {
		coordinator.metrics.Increment(authmetrics.EventRefreshFailure)
		return Result{}, autherr.New(autherr.KindRefreshMissingToken, "no refresh token stored")
	}

	outcomes := coordinator.group.DoChan(flightKey, func() (interface{}, error) {
		return coordinator.run(ctx, refreshToken)
	})
	select {
	case <-ctx.Done():
		return Result{}, autherr.Wrap(autherr.KindRefreshFailed, "stopped waiting for refresh", ctx.Err())
	case outcome := <-outcomes:
		result, _ := outcome.Val.(Result)
		result.Shared = outcome.Shared
		if outcome.Shared {
			coordinator.metrics.Increment(authmetrics.EventRefreshCoalesced)
		}
		return result, outcome.Err
	}
}

func (coordinator *Coordinator) run(ctx context.Context, refreshToken string) (Result, error) {
	operation := coordinator.begin()
	defer coordinator.end()

	callContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), coordinator.timeout)
	defer cancel()

	expiresAt, err := coordinator.refresher.Refresh(callContext, refreshToken)
	elapsed := coordinator.clock.Now().Sub(operation.StartedAt)
	if err != nil {
		classified := classify(callContext, err)
		coordinator.metrics.Increment(authmetrics.EventRefreshFailure)
		coordinator.logger.Warn("token refresh failed",
			zap.String("code", string(autherr.KindRefreshFailed)),
			zap.Int("status", autherr.StatusOf(classified)),
			zap.Bool("unrecoverable", autherr.IsUnrecoverable(classified)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return Result{StartedAt: operation.StartedAt}, classified
	}
	coordinator.metrics.Increment(authmetrics.EventRefreshSuccess)
	coordinator.logger.Debug("token refreshed",
		zap.String("code", "refresh.success"),
		zap.Time("expires_at", expiresAt),
		zap.Duration("elapsed", elapsed),
	)
	return Result{ExpiresAt: expiresAt, StartedAt: operation.StartedAt}, nil
}

func (coordinator *Coordinator) begin() Operation {
	operation := Operation{StartedAt: coordinator.clock.Now()}
	coordinator.mutex.Lock()
	coordinator.inFlight = &operation
	coordinator.mutex.Unlock()
	return operation
}

func (coordinator *Coordinator) end() {
	coordinator.mutex.Lock()
	coordinator.inFlight = nil
	coordinator.mutex.Unlock()
}

// classify normalizes any refresher failure into auth.refresh_failed.
func classify(callContext context.Context, err error) error {
	status := autherr.StatusOf(err)
	unrecoverable := autherr.IsUnrecoverable(err) ||
		status == http.StatusUnauthorized ||
		status == http.StatusForbidden
	if autherr.KindOf(err) == autherr.KindRefreshFailed {
		var classified *autherr.Error
		if errors.As(err, &classified) && classified.Unrecoverable == unrecoverable {
			return err
		}
	}
	cause := err
	message := "refresh request failed"
	if autherr.KindOf(err) == "" {
		if errors.Is(callContext.Err(), context.DeadlineExceeded) {
			message = "refresh request timed out"
		}
		cause = autherr.Wrap(autherr.KindNetwork, "refresh transport failed", err)
	}
	return &autherr.Error{
		Kind:          autherr.KindRefreshFailed,
		Status:        status,
		Message:       message,
		Unrecoverable: unrecoverable,
		Err:           cause,
	}
}
