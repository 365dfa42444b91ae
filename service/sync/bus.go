package sync

import (
	"sync"

	"github.com/snehar97/text/model"
)

// EventType names a sync service event.
type EventType string

const (
	EventOpened      EventType = "opened"
	EventLoaded      EventType = "loaded"
	EventChange      EventType = "change"
	EventSave        EventType = "save"
	EventSync        EventType = "sync"
	EventStateChange EventType = "stateChange"
	EventError       EventType = "error"
	EventIdle        EventType = "idle"
)

// StateField selects which flag a stateChange event carries.
type StateField string

const (
	StateDirty          StateField = "dirty"
	StateInitialLoading StateField = "initialLoading"
)

type (
	// Event is delivered to subscribed handlers.
	Event struct {
		Type EventType
		Data interface{}
	}

	// OpenedData is the payload of opened events.
	OpenedData struct {
		Version  int64
		Session  model.Session
		Document model.Document
	}

	// LoadedData is the payload of loaded events.
	LoadedData struct {
		Version       int64
		Session       model.Session
		Document      model.Document
		Content       string
		DocumentState []byte
	}

	// SyncData is the payload of sync events: the newly applied steps
	// alongside the resulting version and remote metadata.
	SyncData struct {
		Steps    []model.Step
		Version  int64
		Document model.Document
	}

	// SaveData is the payload of save events.
	SaveData struct {
		Document model.Document
	}

	// ChangeData is the payload of change events, emitted on every
	// successful fetch.
	ChangeData struct {
		Document model.Document
		Sessions []model.Session
	}

	// StateChangeData is the payload of stateChange events.
	StateChangeData struct {
		Field StateField
		Value bool
	}

	// ErrorData is the payload of error events.
	ErrorData struct {
		Type model.ErrorType
		Data interface{}
	}

	// Handler receives emitted events.
	Handler func(Event)

	// Subscription identifies a registered handler (used to unsubscribe).
	Subscription int

	busEntry struct {
		id Subscription
		fn Handler
	}

	// Bus is a typed observer registry keyed by event name. Delivery is
	// synchronous and subscription-ordered: Emit returns only after every
	// handler ran, so a stateChange emitted before a network call is
	// observably ordered before it.
	Bus struct {
		mu       sync.Mutex
		nextID   Subscription
		handlers map[EventType][]busEntry
	}
)

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]busEntry),
	}
}

// On subscribes a handler to an event.
func (b *Bus) On(event EventType, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], busEntry{id: id, fn: fn})

	return id
}

// Off unsubscribes a previously registered handler.
func (b *Bus) Off(event EventType, id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[event]
	for i, entry := range entries {
		if entry.id == id {
			b.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to all handlers in subscription order.
// Handlers run on the caller goroutine; subscribing or unsubscribing from
// within a handler affects later emits only.
func (b *Bus) Emit(event EventType, data interface{}) {
	b.mu.Lock()
	entries := make([]busEntry, len(b.handlers[event]))
	copy(entries, b.handlers[event])
	b.mu.Unlock()

	for _, entry := range entries {
		entry.fn(Event{Type: event, Data: data})
	}
}
