package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives dispatched events.
type Handler func(Event)

// Subscription identifies a registered handler for Off.
type Subscription uint64

type registration struct {
	id        Subscription
	name      Name
	namespace string
	once      bool
	fired     atomic.Bool
	handler   Handler
}

func (entry *registration) matches(name Name) bool {
	if entry.namespace != "" {
		return name.Namespace() == entry.namespace
	}
	return entry.name == name
}

// Bus delivers events synchronously to handlers in registration order.
// A panicking handler is logged and does not stop delivery to the rest.
type Bus struct {
	logger *zap.Logger

	mutex         sync.Mutex
	nextID        Subscription
	registrations []*registration
}

// NewBus constructs an empty bus. A nil logger discards handler failures.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// On registers handler for name.
func (bus *Bus) On(name Name, handler Handler) Subscription {
	return bus.register(&registration{name: name, handler: handler})
}

// OnNamespace registers handler for every event in namespace ("auth", "session").
func (bus *Bus) OnNamespace(namespace string, handler Handler) Subscription {
	return bus.register(&registration{namespace: namespace, handler: handler})
}

// Once registers handler for the next event named name only.
func (bus *Bus) Once(name Name, handler Handler) Subscription {
	return bus.register(&registration{name: name, once: true, handler: handler})
}

// Off removes a registration. Unknown subscriptions are ignored.
func (bus *Bus) Off(subscription Subscription) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	for index, entry := range bus.registrations {
		if entry.id == subscription {
			bus.registrations = append(bus.registrations[:index:index], bus.registrations[index+1:]...)
			return
		}
	}
}

// Len reports how many handlers are registered.
func (bus *Bus) Len() int {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	return len(bus.registrations)
}

// Dispatch delivers event to every matching handler registered before the call.
func (bus *Bus) Dispatch(event Event) {
	if event == nil {
		return
	}
	name := event.EventName()
	bus.mutex.Lock()
	snapshot := make([]*registration, 0, len(bus.registrations))
	for _, entry := range bus.registrations {
		if entry.matches(name) {
			snapshot = append(snapshot, entry)
		}
	}
	bus.mutex.Unlock()

	for _, entry := range snapshot {
		if entry.once {
			if !entry.fired.CompareAndSwap(false, true) {
				continue
			}
			bus.Off(entry.id)
		}
		bus.deliver(entry, event)
	}
}

func (bus *Bus) deliver(entry *registration, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			bus.logger.Error("event handler panicked",
				zap.String("code", "events.handler_panic"),
				zap.String("event", string(event.EventName())),
				zap.Uint64("subscription", uint64(entry.id)),
				zap.String("panic", fmt.Sprint(recovered)),
			)
		}
	}()
	entry.handler(event)
}

func (bus *Bus) register(entry *registration) Subscription {
	if entry.handler == nil {
		return 0
	}
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.nextID++
	entry.id = bus.nextID
	bus.registrations = append(bus.registrations, entry)
	return entry.id
}
