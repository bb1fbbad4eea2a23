package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// HandlerFunc processes one message. It runs on the session's receive loop, so
// the next frame of that connection is not read until it returns. ctx is
// canceled when the session ends.
type HandlerFunc func(ctx context.Context, msg Message) error

// Registry maps handler ids to handlers. A Client owns one; a Server shares one
// across all of its sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[HandlerID]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[HandlerID]HandlerFunc)}
}

// Register adds a handler for id. Registering the same id twice is a
// configuration error and returns ErrDuplicateHandler; the first handler stays.
func (r *Registry) Register(id HandlerID, fn HandlerFunc) error {
	if id == PingHandlerID {
		return errors.WithMessagef(ErrReservedHandler, "id %d", id)
	}
	if fn == nil {
		return errors.WithMessagef(ErrNilHandler, "id %d", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[id]; ok {
		return errors.WithMessagef(ErrDuplicateHandler, "id %d", id)
	}
	r.handlers[id] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(id HandlerID, fn HandlerFunc) {
	if err := r.Register(id, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered for id.
func (r *Registry) Lookup(id HandlerID) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.handlers[id]
	return fn, ok
}

// IDs returns the registered handler ids in ascending order.
func (r *Registry) IDs() []HandlerID {
	r.mu.RLock()
	ids := make([]HandlerID, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Dispatch routes msg to its handler and returns the handler's error.
// An unregistered id yields ErrUnknownHandler; a panicking handler is
// recovered and reported as an error.
func (r *Registry) Dispatch(ctx context.Context, msg Message) (err error) {
	fn, ok := r.Lookup(msg.HandlerID)
	if !ok {
		return errors.WithMessagef(ErrUnknownHandler, "id %d", msg.HandlerID)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler %d panicked: %v", msg.HandlerID, p)
		}
	}()

	return fn(ctx, msg)
}
