// Package authmetrics counts auth lifecycle events.
package authmetrics

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Event names recorded by the client and the dev server.
const (
	EventLoginSuccess     = "login.success"
	EventLoginFailure     = "login.failure"
	EventLogout           = "logout"
	EventRefreshSuccess   = "refresh.success"
	EventRefreshFailure   = "refresh.failure"
	EventRefreshCoalesced = "refresh.coalesced"
	EventSessionWarning   = "session.warning"
	EventSessionExpired   = "session.expired"
	EventProfileFailure   = "profile.failure"
)

// Recorder increments counters for auth events.
type Recorder interface {
	Increment(event string)
}

// Nop discards every event.
type Nop struct{}

// Increment does nothing.
func (Nop) Increment(string) {}

// CounterMetrics implements Recorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Events lists the recorded event names in sorted order.
func (recorder *CounterMetrics) Events() []string {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	names := make([]string, 0, len(recorder.counts))
	for name := range recorder.counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrometheusMetrics exposes events as a counter vector labelled by event.
type PrometheusMetrics struct {
	counter *prometheus.CounterVec
}

// NewPrometheusMetrics registers "<namespace>_auth_events_total" with registerer.
// Registering twice against the same registry reuses the existing collector.
func NewPrometheusMetrics(registerer prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_events_total",
		Help:      "Auth lifecycle events by name.",
	}, []string{"event"})
	if err := registerer.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("authmetrics.register: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("authmetrics.register: %w", err)
		}
		counter = existing
	}
	return &PrometheusMetrics{counter: counter}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.counter.WithLabelValues(event).Inc()
}

// Multi fans out to several recorders.
type Multi []Recorder

// Increment forwards event to every recorder.
func (recorders Multi) Increment(event string) {
	for _, recorder := range recorders {
		if recorder != nil {
			recorder.Increment(event)
		}
	}
}
