package events

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestDispatchDeliversInRegistrationOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(zaptest.NewLogger(t))
	var order []string
	bus.On(AuthStateChanged, func(Event) { order = append(order, "first") })
	bus.On(AuthLoginSuccess, func(Event) { order = append(order, "other") })
	bus.On(AuthStateChanged, func(Event) { order = append(order, "second") })
	bus.OnNamespace("auth", func(Event) { order = append(order, "namespace") })

	bus.Dispatch(StateChanged{Authenticated: true, UserID: "user-1", Role: "admin"})

	expected := []string{"first", "second", "namespace"}
	if len(order) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, order)
	}
	for index := range expected {
		if order[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, order)
		}
	}
}

func TestDispatchIsolatesPanickingHandlers(t *testing.T) {
	t.Parallel()

	bus := NewBus(zaptest.NewLogger(t))
	delivered := 0
	bus.On(AuthSessionExpired, func(Event) { panic("boom") })
	bus.On(AuthSessionExpired, func(event Event) {
		expired, ok := event.(SessionExpired)
		if !ok || expired.Status != 401 {
			t.Errorf("unexpected payload %#v", event)
		}
		delivered++
	})

	bus.Dispatch(SessionExpired{Type: "auth.refresh_failed", Message: "expired", Status: 401})
	if delivered != 1 {
		t.Fatalf("expected later handler to run despite panic, got %d deliveries", delivered)
	}
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	calls := 0
	bus.Once(AuthReady, func(Event) { calls++ })

	bus.Dispatch(Ready{Authenticated: false})
	bus.Dispatch(Ready{Authenticated: true})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if bus.Len() != 0 {
		t.Fatalf("expected once handler to be removed, %d remain", bus.Len())
	}
}

func TestOffRemovesHandler(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	calls := 0
	subscription := bus.On(SessionWarning, func(Event) { calls++ })
	bus.Dispatch(Warning{Remaining: 2 * time.Minute})
	bus.Off(subscription)
	bus.Off(subscription)
	bus.Dispatch(Warning{Remaining: time.Minute})
	if calls != 1 {
		t.Fatalf("expected one call before Off, got %d", calls)
	}
}

func TestHandlerRegisteredDuringDispatchWaitsForNextEvent(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	late := 0
	bus.On(AuthTokenRefreshed, func(Event) {
		bus.On(AuthTokenRefreshed, func(Event) { late++ })
	})
	bus.Dispatch(TokenRefreshed{ExpiresAt: time.Unix(1700000000, 0)})
	if late != 0 {
		t.Fatalf("handler added mid-dispatch must not receive the current event")
	}
	bus.Dispatch(TokenRefreshed{ExpiresAt: time.Unix(1700000600, 0)})
	if late != 1 {
		t.Fatalf("expected late handler on next dispatch, got %d", late)
	}
}

func TestNamespace(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     Name
		expected string
	}{
		{name: AuthLoginError, expected: "auth"},
		{name: SessionWarning, expected: "session"},
		{name: Name("plain"), expected: ""},
	}
	for _, testCase := range testCases {
		if got := testCase.name.Namespace(); got != testCase.expected {
			t.Fatalf("%s: expected %q, got %q", testCase.name, testCase.expected, got)
		}
	}
}
