package event

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/shelfsync/adapterfactory/pkg/utils"
)

// Handler is a function that handles an event.
type Handler func(Event)

// Publisher is the publish half of the bus, injected into adapters.
type Publisher interface {
	Publish(Event)
}

// Subscriber is the subscribe half of the bus.
type Subscriber interface {
	Subscribe(eventType string, handler Handler) string
	Unsubscribe(id string) bool
}

// Broker is a bus that can both publish and subscribe.
type Broker interface {
	Publisher
	Subscriber
}

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// Bus is a synchronous pub-sub event bus. Handlers run on the publisher's
// goroutine in registration order.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	nextID        atomic.Uint64
	logger        *utils.StructuredLogger
}

// NewBus creates a new event bus. A nil logger discards handler panics' reports.
func NewBus(logger *utils.StructuredLogger) *Bus {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Bus{
		subscriptions: make(map[string][]subscription),
		logger:        logger.WithComponent("event-bus"),
	}
}

// Subscribe registers a handler for a specific event type and returns
// an id that revokes the subscription via Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// Unsubscribe removes a subscription by id.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			remaining := make([]subscription, 0, len(subs)-1)
			remaining = append(remaining, subs[:i]...)
			remaining = append(remaining, subs[i+1:]...)
			if len(remaining) == 0 {
				delete(b.subscriptions, eventType)
			} else {
				b.subscriptions[eventType] = remaining
			}
			return true
		}
	}
	return false
}

// Publish dispatches an event to specific handlers first, then wildcard
// handlers. A panicking handler is logged and skipped.
func (b *Bus) Publish(event Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	eventType := event.EventType()
	specific := append([]subscription(nil), b.subscriptions[eventType]...)
	wildcard := append([]subscription(nil), b.subscriptions[Wildcard]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, event)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, event)
	}
}

func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", map[string]interface{}{
				"event_type": event.EventType(),
				"panic":      fmt.Sprint(r),
				"stack":      string(debug.Stack()),
			})
		}
	}()
	handler(event)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string][]subscription)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
