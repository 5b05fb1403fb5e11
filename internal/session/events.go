package session

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType identifies the type of event.
type EventType string

const (
	// EventOutputObserved fires after any output unit has been buffered.
	EventOutputObserved EventType = "output_observed"
	EventTerminalOutput EventType = "terminal_output"
	EventStreamMessage  EventType = "stream_message"
	// EventSessionEnded fires once when a process's output is exhausted.
	EventSessionEnded EventType = "session_ended"

	EventSessionCreated EventType = "session_created"
	EventSessionStopped EventType = "session_stopped"
	EventSessionRemoved EventType = "session_removed"
	EventSessionResumed EventType = "session_resumed"
	EventSessionRenamed EventType = "session_renamed"
	// EventSessionStatus fires when the supervisor observes a process exit.
	EventSessionStatus EventType = "session_status"
)

// Event is a notification published by the Manager.
type Event struct {
	Type      EventType
	SessionID string

	// Session is a snapshot for lifecycle events.
	Session *Session
	// Data is the raw chunk of a terminal_output event.
	Data string
	// Message is set on stream_message events and on the synthesized
	// user message of a stream send.
	Message *Message
}

// Handler receives events. Handlers run on the publisher's goroutine in
// subscription order and must not block.
type Handler func(Event)

// Bus is an in-process event bus. Every subscriber receives every event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers h. The returned function removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers e to all current subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = b.handlers[id]
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, e)
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("event", string(e.Type)).
				Str("sessionId", e.SessionID).
				Msg("event handler panicked")
		}
	}()
	h(e)
}
