// Package session enforces inactivity timeouts and schedules refresh-ahead.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tyemirov/authstate/pkg/events"
	"go.uber.org/zap"
)

const (
	DefaultTimeout       = 30 * time.Minute
	DefaultWarning       = 2 * time.Minute
	DefaultCheckInterval = time.Minute
	DefaultThrottle      = time.Second

	MinTimeout = 5 * time.Minute
	MaxTimeout = 120 * time.Minute

	// tokenBuffer is subtracted from token lifetime when the timeout is derived from a token.
	tokenBuffer = 5 * time.Minute
)

var (
	ErrInvalidTimeout = errors.New("session.monitor.invalid_timeout")
	ErrInvalidWarning = errors.New("session.monitor.invalid_warning")
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Dispatcher receives session events.
type Dispatcher interface {
	Dispatch(event events.Event)
}

// ClampTimeout bounds an inactivity timeout to [MinTimeout, MaxTimeout].
func ClampTimeout(timeout time.Duration) time.Duration {
	if timeout < MinTimeout {
		return MinTimeout
	}
	if timeout > MaxTimeout {
		return MaxTimeout
	}
	return timeout
}

// TimeoutForToken derives an inactivity timeout from the remaining token
// lifetime, keeping a five minute buffer, rounded down to whole minutes and clamped.
func TimeoutForToken(remaining time.Duration) time.Duration {
	return ClampTimeout(remaining.Truncate(time.Minute) - tokenBuffer)
}

// Status is the outcome of a Check.
type Status int

const (
	StatusActive Status = iota
	StatusWarning
	StatusExpired
)

func (status Status) String() string {
	switch status {
	case StatusWarning:
		return "warning"
	case StatusExpired:
		return "expired"
	default:
		return "active"
	}
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Timeout       time.Duration
	Warning       time.Duration
	CheckInterval time.Duration
	Throttle      time.Duration
	Clock         Clock
	Logger        *zap.Logger
	Events        Dispatcher
	// OnTimeout runs once when inactivity reaches Timeout.
	OnTimeout func(inactive time.Duration)
}

// Monitor tracks the last activity pulse and enforces the inactivity timeout.
type Monitor struct {
	timeout       time.Duration
	warning       time.Duration
	checkInterval time.Duration
	throttle      time.Duration
	clock         Clock
	logger        *zap.Logger
	events        Dispatcher
	onTimeout     func(time.Duration)

	mutex        sync.Mutex
	lastActivity time.Time
	warningShown bool
	expired      bool
	cancel       context.CancelFunc
}

// NewMonitor validates configuration. The monitor starts idle; call Reset and Start.
func NewMonitor(config MonitorConfig) (*Monitor, error) {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout < 0 {
		return nil, fmt.Errorf("session.monitor.new: %w", ErrInvalidTimeout)
	}
	warning := config.Warning
	if warning == 0 {
		warning = DefaultWarning
	}
	if warning < 0 || warning >= timeout {
		return nil, fmt.Errorf("session.monitor.new: %w", ErrInvalidWarning)
	}
	monitor := &Monitor{
		timeout:       timeout,
		warning:       warning,
		checkInterval: config.CheckInterval,
		throttle:      config.Throttle,
		clock:         config.Clock,
		logger:        config.Logger,
		events:        config.Events,
		onTimeout:     config.OnTimeout,
	}
	if monitor.checkInterval <= 0 {
		monitor.checkInterval = DefaultCheckInterval
	}
	if monitor.throttle < 0 {
		monitor.throttle = 0
	}
	if monitor.clock == nil {
		monitor.clock = systemClock{}
	}
	if monitor.logger == nil {
		monitor.logger = zap.NewNop()
	}
	monitor.lastActivity = monitor.clock.Now()
	return monitor, nil
}

// Timeout returns the configured inactivity timeout.
func (monitor *Monitor) Timeout() time.Duration {
	return monitor.timeout
}

// Reset marks the session as freshly active and re-arms the warning and expiry.
func (monitor *Monitor) Reset() {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	monitor.lastActivity = monitor.clock.Now()
	monitor.warningShown = false
	monitor.expired = false
}

// Pulse records user activity. Pulses closer together than the throttle are dropped.
func (monitor *Monitor) Pulse() {
	now := monitor.clock.Now()
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	if monitor.expired {
		return
	}
	if monitor.throttle > 0 && now.Sub(monitor.lastActivity) < monitor.throttle {
		return
	}
	monitor.lastActivity = now
	monitor.warningShown = false
}

// LastActivity returns the time of the last accepted pulse.
func (monitor *Monitor) LastActivity() time.Time {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	return monitor.lastActivity
}

// Check evaluates inactivity once. The warning is emitted once per approach to
// the timeout and expiry fires once until Reset.
func (monitor *Monitor) Check() Status {
	now := monitor.clock.Now()
	monitor.mutex.Lock()
	if monitor.expired {
		monitor.mutex.Unlock()
		return StatusExpired
	}
	inactive := now.Sub(monitor.lastActivity)
	switch {
	case inactive >= monitor.timeout:
		monitor.expired = true
		monitor.mutex.Unlock()
		monitor.logger.Info("session inactive past timeout",
			zap.String("code", "session.timeout"),
			zap.Duration("inactive", inactive),
			zap.Duration("timeout", monitor.timeout),
		)
		if monitor.onTimeout != nil {
			monitor.onTimeout(inactive)
		}
		return StatusExpired
	case inactive >= monitor.timeout-monitor.warning && !monitor.warningShown:
		monitor.warningShown = true
		monitor.mutex.Unlock()
		remaining := monitor.timeout - inactive
		monitor.logger.Debug("session timeout approaching",
			zap.String("code", "session.warning"),
			zap.Duration("remaining", remaining),
		)
		if monitor.events != nil {
			monitor.events.Dispatch(events.Warning{Remaining: remaining, InactiveFor: inactive})
		}
		return StatusWarning
	default:
		monitor.mutex.Unlock()
		return StatusActive
	}
}

// Start runs Check every check interval until ctx ends or Stop is called.
// Starting a running monitor restarts its loop.
func (monitor *Monitor) Start(ctx context.Context) {
	loopContext, cancel := context.WithCancel(ctx)
	monitor.mutex.Lock()
	if monitor.cancel != nil {
		monitor.cancel()
	}
	monitor.cancel = cancel
	monitor.mutex.Unlock()

	go func() {
		ticker := time.NewTicker(monitor.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopContext.Done():
				return
			case <-ticker.C:
				if monitor.Check() == StatusExpired {
					return
				}
			}
		}
	}()
}

// Stop ends the check loop. It does not wait for the loop to exit.
func (monitor *Monitor) Stop() {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	if monitor.cancel != nil {
		monitor.cancel()
		monitor.cancel = nil
	}
}

// Running reports whether the check loop was started and not stopped.
func (monitor *Monitor) Running() bool {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	return monitor.cancel != nil
}
