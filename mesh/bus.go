package mesh

import (
	"log/slog"
	"sort"
	"sync"
)

// EventKind names an engine event on the listener surface.
type EventKind string

const (
	EventInitialized       EventKind = "initialized"
	EventNetworkingStarted EventKind = "networkingStarted"
	EventNetworkingStopped EventKind = "networkingStopped"
	EventNetworkingError   EventKind = "networkingError"
	EventNodeConnected     EventKind = "nodeConnected"
	EventNodeDisconnected  EventKind = "nodeDisconnected"
	EventMessageSent       EventKind = "messageSent"
	EventMessageReceived   EventKind = "messageReceived"
	EventLocationUpdated   EventKind = "locationUpdated"
	EventLocationReceived  EventKind = "locationReceived"
	EventUserInfo          EventKind = "userInfo"
	EventMessageError      EventKind = "messageError"
)

// Event is delivered to subscribers. Only the fields relevant to the kind
// are populated.
type Event struct {
	Kind      EventKind
	Message   *Message
	Node      *Node
	Location  *Location
	Available map[TransportKind]bool
	Err       error
}

// Handler consumes one event. Handlers run on the emitting goroutine and
// must not block for long.
type Handler func(Event)

// listenerBus fans events out to subscribers. Dispatch walks a snapshot of
// the subscriber set, so handlers may subscribe or unsubscribe from inside
// a callback without corrupting the walk.
type listenerBus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[EventKind]map[int]Handler
	logger   *slog.Logger
}

func newListenerBus(logger *slog.Logger) *listenerBus {
	return &listenerBus{
		handlers: make(map[EventKind]map[int]Handler),
		logger:   logger,
	}
}

// subscribe registers fn for kind and returns its deregistration handle.
// The handle is safe to call more than once and after clear.
func (b *listenerBus) subscribe(kind EventKind, fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	set, ok := b.handlers[kind]
	if !ok {
		set = make(map[int]Handler)
		b.handlers[kind] = set
	}
	set[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if set, ok := b.handlers[kind]; ok {
			delete(set, id)
		}
		b.mu.Unlock()
	}
}

// emit delivers ev to every subscriber of ev.Kind in subscription order. A
// panicking handler is logged and skipped; remaining handlers still run.
func (b *listenerBus) emit(ev Event) {
	b.mu.Lock()
	set := b.handlers[ev.Kind]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]Handler, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, set[id])
	}
	b.mu.Unlock()

	for _, fn := range snapshot {
		b.dispatch(fn, ev)
	}
}

func (b *listenerBus) dispatch(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Kind, "panic", r)
		}
	}()
	fn(ev)
}

// clear drops every subscription. Outstanding deregistration handles become
// no-ops.
func (b *listenerBus) clear() {
	b.mu.Lock()
	b.handlers = make(map[EventKind]map[int]Handler)
	b.mu.Unlock()
}

func (b *listenerBus) count(kind EventKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[kind])
}
