// Package tsevents implements the per-instance typed event bus
// (component C). Delivery is synchronous, in subscription order, on the
// emitter's goroutine; a panicking handler is isolated so it never aborts
// delivery to later subscribers or propagates to the emitter, matching
// spec §4.2.
package tsevents

import (
	"sync"

	"go.uber.org/zap"
)

// Name identifies an event kind, e.g. "cache:hit".
type Name string

// Handler receives an event's payload. The concrete type of payload is
// documented per Name in the package consuming the bus.
type Handler func(payload any)

// Unsubscribe removes the handler it was returned for.
type Unsubscribe func()

// Bus is a synchronous, per-instance pub/sub. Construct it with New: the
// zero value is not usable, since On writes into the handler map and
// invoke logs through the logger that New sets up.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]Handler
	seq      map[Name]int64 // not read; each Unsubscribe keeps its handler's slice index instead
	logger   *zap.Logger
}

// New creates an empty Bus. A nil logger is replaced with a no-op logger.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[Name][]Handler),
		logger:   logger,
	}
}

// On subscribes handler to name, returning a function that removes it.
// Multiple subscriptions to the same name are delivered in the order they
// were registered.
func (b *Bus) On(name Name, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], handler)
	idx := len(b.handlers[name]) - 1

	removed := false
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if removed {
			return
		}
		removed = true
		slice := b.handlers[name]
		if idx < len(slice) {
			// Mark as nil rather than slicing, so indices recorded by
			// other still-pending Unsubscribe closures stay valid.
			slice[idx] = nil
		}
	}
}

// Emit delivers payload to every current subscriber of name, synchronously
// and in subscription order. A handler that panics is recovered and
// logged; it never prevents delivery to subsequent handlers and never
// propagates to the caller of Emit.
func (b *Bus) Emit(name Name, payload any) {
	b.mu.RLock()
	// Copy the slice header so concurrent On/Emit calls on other names
	// don't race, and so an Unsubscribe during delivery doesn't mutate
	// the slice out from under this loop.
	handlers := make([]Handler, len(b.handlers[name]))
	copy(handlers, b.handlers[name])
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		b.invoke(name, h, payload)
	}
}

func (b *Bus) invoke(name Name, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("tsevents: handler panicked",
				zap.String("event", string(name)),
				zap.Any("recovered", r))
		}
	}()
	h(payload)
}
