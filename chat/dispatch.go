package chat

import (
	"context"
	"encoding/json"
	"sync"
)

// HandlerFunc processes one inbound client event for a session.
type HandlerFunc func(ctx context.Context, sess *Session, data json.RawMessage)

// dispatcher routes inbound frames to named handlers. Handlers are
// registered once at engine construction; dispatch itself is read-only.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers: make(map[string]HandlerFunc),
	}
}

// On registers a handler for an event name. The first registration wins.
func (d *dispatcher) On(event string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[event]; exists {
		return
	}
	d.handlers[event] = fn
}

// Dispatch invokes the handler for the frame's event. It reports false when
// no handler is registered, which callers log and drop.
func (d *dispatcher) Dispatch(ctx context.Context, sess *Session, f Frame) bool {
	d.mu.RLock()
	fn, ok := d.handlers[f.Event]
	d.mu.RUnlock()

	if !ok {
		return false
	}
	fn(ctx, sess, f.Data)
	return true
}
