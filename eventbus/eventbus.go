// Package eventbus provides the process-wide event bus carrying service
// and client lifecycle events. Delivery is synchronous: Emit returns only
// after every handler has run, and handlers for one event name fire in
// subscription order. No ordering holds across different event names.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// Event names emitted by the registration and readiness components.
const (
	ServiceAdded       = "service_added"
	ServiceUpdated     = "service_updated"
	ServiceRemoved     = "service_removed"
	ClientConnected    = "client_connected"
	ClientUpdated      = "client_updated"
	ClientDisconnected = "client_disconnected"
	ClientReady        = "client_ready"
	ConnectionReady    = "connection_ready"
)

// Handler processes one emitted event payload.
type Handler func(ctx context.Context, payload any)

// Bus is the emit side of the event bus.
type Bus interface {
	Emit(ctx context.Context, name string, payload any)
}

type subscriber struct {
	id      uint64
	handler Handler
}

// LocalBus is an in-process Bus. Its lifetime is the process lifetime;
// subscriptions do not survive restart.
type LocalBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscriber
	logger *slog.Logger
}

// NewLocalBus creates an empty bus.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		subs:   make(map[string][]subscriber),
		logger: logger,
	}
}

// Subscription identifies one registered handler for removal.
type Subscription struct {
	bus  *LocalBus
	name string
	id   uint64
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.off(s.name, s.id)
	s.bus = nil
}

// On registers a handler for an event name. Handlers fire in FIFO
// subscription order.
func (b *LocalBus) On(name string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscriber{id: id, handler: handler})
	return &Subscription{bus: b, name: name, id: id}
}

func (b *LocalBus) off(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the payload to every handler registered for name,
// returning after all have run. Handler panics are contained so one
// misbehaving subscriber cannot break delivery to the rest.
func (b *LocalBus) Emit(ctx context.Context, name string, payload any) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs[name]))
	copy(subs, b.subs[name])
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(ctx, name, s, payload)
	}
}

func (b *LocalBus) dispatch(ctx context.Context, name string, s subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", name, "panic", r)
		}
	}()
	s.handler(ctx, payload)
}
