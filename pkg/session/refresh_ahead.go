package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRefreshAhead         = 5 * time.Minute
	DefaultRefreshCheckInterval = time.Minute
)

var (
	ErrMissingLifetime = errors.New("session.refresh_ahead.missing_lifetime")
	ErrMissingRefresh  = errors.New("session.refresh_ahead.missing_refresh")
)

// LifetimeFunc reports the remaining access-token lifetime, or false when no token is stored.
type LifetimeFunc func() (time.Duration, bool)

// RefreshFunc requests a refresh.
type RefreshFunc func(ctx context.Context) error

// RefreshAheadConfig configures a RefreshAhead scheduler.
type RefreshAheadConfig struct {
	Margin   time.Duration
	Interval time.Duration
	Lifetime LifetimeFunc
	Refresh  RefreshFunc
	Logger   *zap.Logger
}

// RefreshAhead refreshes the access token before it expires instead of waiting for a 401.
type RefreshAhead struct {
	margin   time.Duration
	interval time.Duration
	lifetime LifetimeFunc
	refresh  RefreshFunc
	logger   *zap.Logger

	mutex      sync.Mutex
	cancel     context.CancelFunc
	generation uint64
	running    bool
}

// NewRefreshAhead validates configuration.
func NewRefreshAhead(config RefreshAheadConfig) (*RefreshAhead, error) {
	if config.Lifetime == nil {
		return nil, fmt.Errorf("session.refresh_ahead.new: %w", ErrMissingLifetime)
	}
	if config.Refresh == nil {
		return nil, fmt.Errorf("session.refresh_ahead.new: %w", ErrMissingRefresh)
	}
	scheduler := &RefreshAhead{
		margin:   config.Margin,
		interval: config.Interval,
		lifetime: config.Lifetime,
		refresh:  config.Refresh,
		logger:   config.Logger,
	}
	if scheduler.margin <= 0 {
		scheduler.margin = DefaultRefreshAhead
	}
	if scheduler.interval <= 0 {
		scheduler.interval = DefaultRefreshCheckInterval
	}
	if scheduler.logger == nil {
		scheduler.logger = zap.NewNop()
	}
	return scheduler, nil
}

// Tick refreshes when the remaining lifetime is below the margin. It reports
// false for keepGoing once no token is stored.
func (scheduler *RefreshAhead) Tick(ctx context.Context) (keepGoing bool, err error) {
	remaining, ok := scheduler.lifetime()
	if !ok {
		scheduler.logger.Debug("no access token, stopping refresh-ahead", zap.String("code", "session.refresh_ahead.no_token"))
		return false, nil
	}
	if remaining >= scheduler.margin {
		return true, nil
	}
	scheduler.logger.Debug("access token close to expiry, refreshing",
		zap.String("code", "session.refresh_ahead.refresh"),
		zap.Duration("remaining", remaining),
	)
	if refreshErr := scheduler.refresh(ctx); refreshErr != nil {
		return true, refreshErr
	}
	return true, nil
}

// Start runs Tick every interval until ctx ends, Stop is called, or no token remains.
func (scheduler *RefreshAhead) Start(ctx context.Context) {
	loopContext, cancel := context.WithCancel(ctx)
	scheduler.mutex.Lock()
	if scheduler.cancel != nil {
		scheduler.cancel()
	}
	scheduler.cancel = cancel
	scheduler.generation++
	generation := scheduler.generation
	scheduler.running = true
	scheduler.mutex.Unlock()

	go func() {
		ticker := time.NewTicker(scheduler.interval)
		defer ticker.Stop()
		defer scheduler.finish(generation)
		for {
			select {
			case <-loopContext.Done():
				return
			case <-ticker.C:
				keepGoing, err := scheduler.Tick(loopContext)
				if err != nil && loopContext.Err() == nil {
					scheduler.logger.Warn("refresh-ahead failed", zap.String("code", "session.refresh_ahead.failed"), zap.Error(err))
				}
				if !keepGoing {
					return
				}
			}
		}
	}()
}

// Running reports whether a loop started by Start is still ticking.
func (scheduler *RefreshAhead) Running() bool {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return scheduler.running
}

// Stop ends the loop without waiting for it.
func (scheduler *RefreshAhead) Stop() {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if scheduler.cancel != nil {
		scheduler.cancel()
		scheduler.cancel = nil
	}
	scheduler.running = false
}

// finish clears the running flag unless a newer loop has replaced this one.
func (scheduler *RefreshAhead) finish(generation uint64) {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if scheduler.generation != generation {
		return
	}
	scheduler.running = false
	if scheduler.cancel != nil {
		scheduler.cancel()
		scheduler.cancel = nil
	}
}
