// Package hooks dispatches sync, health and fallback lifecycle events to
// registered handlers.
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/soyeahso/unisync/internal/logging"
)

// Event names for the hook system.
const (
	// EventHealthChanged fires when the external service flips between
	// healthy and unhealthy. Data: healthy (bool), error (string).
	EventHealthChanged = "health_changed"
	// EventEntitySynced fires after an agent or conversation reconciled.
	// Data: kind, id, direction.
	EventEntitySynced = "entity_synced"
	// EventEntitySyncFailed fires after a reconciliation failed.
	// Data: kind, id, direction, error.
	EventEntitySyncFailed = "entity_sync_failed"
	// EventBatchCompleted fires after a scheduled or triggered batch.
	// Data: trigger, synced, failed, success.
	EventBatchCompleted = "batch_completed"
	// EventFallbackUsed fires when a caller was served without the external
	// service. Data: op, source.
	EventFallbackUsed = "fallback_used"
)

// AllEvents lists all known hook event names.
var AllEvents = []string{
	EventHealthChanged,
	EventEntitySynced,
	EventEntitySyncFailed,
	EventBatchCompleted,
	EventFallbackUsed,
}

// Payload carries event data to hook handlers.
type Payload struct {
	Event string         `json:"event"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

// Handler is a function that handles a hook event. Emit runs handlers on
// the emitter's goroutine, so they must not block.
// Returning an error logs the failure but does not stop processing.
type Handler func(ctx context.Context, p Payload) error

// Manager manages hook registrations and dispatches events.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	log      *logging.Logger
	now      func() time.Time
}

type namedHandler struct {
	name    string
	handler Handler
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
		now:      time.Now,
	}
}

// On registers a handler for the given event.
// The name identifies the handler for logging and for Off.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// Off removes all handlers with the given name from the event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handlers := m.handlers[event]
	filtered := make([]namedHandler, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		delete(m.handlers, event)
		return
	}
	m.handlers[event] = filtered
}

// Subscribe registers handler under name for each event, or for all known
// events when none are given. The returned func removes the registrations.
func (m *Manager) Subscribe(name string, handler Handler, events ...string) func() {
	if len(events) == 0 {
		events = AllEvents
	}
	for _, ev := range events {
		m.On(ev, name, handler)
	}
	return func() {
		for _, ev := range events {
			m.Off(ev, name)
		}
	}
}

func (m *Manager) snapshot(event string, data map[string]any) ([]namedHandler, Payload) {
	m.mu.RLock()
	handlers := make([]namedHandler, len(m.handlers[event]))
	copy(handlers, m.handlers[event])
	m.mu.RUnlock()
	return handlers, Payload{Event: event, At: m.now(), Data: data}
}

// Emit dispatches an event to all registered handlers synchronously.
// Handlers are called in registration order. Errors are logged but do not
// prevent subsequent handlers from running. A nil Manager drops the event.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any) {
	if m == nil {
		return
	}
	handlers, payload := m.snapshot(event, data)
	for _, h := range handlers {
		if err := h.handler(ctx, payload); err != nil {
			m.log.Warn().
				Err(err).
				Str("event", event).
				Str("handler", h.name).
				Msg("hook handler error")
		}
	}
}

// EmitAsync dispatches an event to all registered handlers concurrently.
// Returns immediately; handler errors are logged.
func (m *Manager) EmitAsync(ctx context.Context, event string, data map[string]any) {
	if m == nil {
		return
	}
	handlers, payload := m.snapshot(event, data)
	for _, h := range handlers {
		go func(h namedHandler) {
			if err := h.handler(ctx, payload); err != nil {
				m.log.Warn().
					Err(err).
					Str("event", event).
					Str("handler", h.name).
					Msg("async hook handler error")
			}
		}(h)
	}
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the list of events that have at least one handler registered.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]string, 0, len(m.handlers))
	for event, handlers := range m.handlers {
		if len(handlers) > 0 {
			events = append(events, event)
		}
	}
	return events
}
