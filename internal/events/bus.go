// Package events provides the in-process event bus used to fan task and
// execution lifecycle changes out to subscribers (websocket feed, logs).
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a kind of event.
type EventType string

const (
	TaskCreated        EventType = "task_created"
	TaskStatusChanged  EventType = "task_status_changed"
	TaskProgress       EventType = "task_progress"
	ExecutionStarted   EventType = "execution_started"
	ExecutionCompleted EventType = "execution_completed"
)

// Event is one emitted occurrence.
type Event struct {
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Data      EventData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// EventData is implemented by all typed event payloads.
type EventData interface {
	EventType() EventType
}

// Handler receives emitted events. Handlers must not block; slow consumers
// should buffer on their side.
type Handler func(event *Event)

// Bus is a simple synchronous publish/subscribe bus.
type Bus struct {
	handlers map[EventType][]Handler
	all      map[int]Handler
	nextID   int
	mu       sync.RWMutex
	log      zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		all:      make(map[int]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type. The returned func
// removes the handler again; it is safe to call more than once.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Emit publishes a typed event to all matching subscribers.
// Panics in handlers are recovered so one broken subscriber cannot take the
// emitter down.
func (b *Bus) Emit(source string, data EventData) {
	event := &Event{
		Type:      data.EventType(),
		Source:    source,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					b.log.Error().
						Interface("panic", p).
						Str("event_type", string(event.Type)).
						Msg("Event handler panicked")
				}
			}()
			handler(event)
		}()
	}
}
