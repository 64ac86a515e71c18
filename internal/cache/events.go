package cache

import "sync"

// EventName is one of the four fixed lifecycle hooks the engine fires.
type EventName string

const (
	EventCacheAccessed  EventName = "cache_accessed"
	EventOriginRequired EventName = "origin_required"
	EventOriginFetched  EventName = "origin_fetched"
	EventResponseReady  EventName = "response_ready"
)

// Handler observes and may mutate req/res in place. An error aborts the
// request: per §7 kind 6, a handler error is treated as a store-protocol
// fault.
type Handler func(req *Request, res *Response) error

// EventBus is a name-keyed registry of ordered handlers. It is built
// once at startup and is effectively read-only afterward (§5); Fire
// only takes a read lock so concurrent requests dispatch without
// contending on a writer.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventName][]Handler
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventName][]Handler)}
}

// On registers h to run on name, after any handlers already registered
// for that name.
func (b *EventBus) On(name EventName, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Fire dispatches name's handlers synchronously, in registration order.
// The first error aborts dispatch and is returned wrapped as a
// store-protocol-equivalent Fault.
func (b *EventBus) Fire(name EventName, req *Request, res *Response) error {
	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(req, res); err != nil {
			return &Fault{Kind: FaultHandler, Event: name, Err: err}
		}
	}
	return nil
}
