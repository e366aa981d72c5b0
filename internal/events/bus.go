// Package events provides the pub/sub primitive every component-level event
// emitter in the proxy is built on (spec §9: "event emitters / observer
// inheritance ... become explicit pub/sub channels keyed by event name, with
// handler lists guarded by the owning component; recursion guards are
// mandatory on disconnect paths").
package events

import (
	"sync"

	"mcpproxy/pkg/logging"
)

// Handler receives an event payload. The concrete type of payload is
// whatever the emitting component documents for that event name.
type Handler func(payload any)

// Bus is an owned, instance-scoped pub/sub channel set. Unlike the
// package-level handler registry idiom it replaces, a Bus belongs to the
// component that emits on it (one per Outbound Connection Manager, one per
// Capability Aggregator, and so on) rather than being a process-wide
// singleton.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	// emitting guards against re-entrant Emit calls for the same event name
	// from within one of that event's own handlers, satisfying the
	// recursion-guard requirement on disconnect paths.
	emitting map[string]bool
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		emitting: make(map[string]bool),
	}
}

// Subscribe registers handler to be called whenever Emit(name, ...) runs.
// Returns an Unsubscribe function.
func (b *Bus) Subscribe(name string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], handler)
	idx := len(b.handlers[name]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.handlers[name]
		if idx < 0 || idx >= len(list) {
			return
		}
		list[idx] = nil
	}
}

// Emit invokes every handler registered for name with payload. Handlers are
// invoked synchronously, outside the bus's lock, so a handler may safely
// call Subscribe. A handler must never throw out of this call: panics are
// recovered and logged, matching the "aggregator and session manager never
// throw out of event handlers" policy of spec §7.
//
// A re-entrant Emit for the same event name (typically a disconnect handler
// that triggers the same disconnect event again) is dropped rather than
// recursing, per the recursion-guard requirement of spec §9.
func (b *Bus) Emit(name string, payload any) {
	b.mu.Lock()
	if b.emitting[name] {
		b.mu.Unlock()
		logging.Debug("EventBus", "dropping re-entrant emit of %q", name)
		return
	}
	b.emitting[name] = true
	handlers := append([]Handler(nil), b.handlers[name]...)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.emitting[name] = false
		b.mu.Unlock()
	}()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		invokeSafely(name, h, payload)
	}
}

func invokeSafely(name string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("EventBus", "handler for %q panicked: %v", name, r)
		}
	}()
	h(payload)
}
