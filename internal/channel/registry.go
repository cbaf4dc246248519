// ABOUTME: Event subscription registry with opaque handles for exact removal
// ABOUTME: Preserves insertion order and allows duplicate callbacks per event

package channel

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Handler receives the payload of a dispatched event.
type Handler func(payload json.RawMessage)

// subscription pairs a handler with the handle returned from On.
type subscription struct {
	id string
	fn Handler
}

// registry maps event names to ordered handler lists. Handlers are invoked in
// the order they were added; removal targets exactly one subscription by its
// handle, so the same callback registered twice needs two removals.
type registry struct {
	mu   sync.RWMutex
	subs map[string][]subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string][]subscription)}
}

// add registers fn for event and returns its handle.
func (r *registry) add(event string, fn Handler) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.subs[event] = append(r.subs[event], subscription{id: id, fn: fn})
	r.mu.Unlock()
	return id
}

// remove drops the subscription with the given handle. Returns false if the
// handle is not registered for event.
func (r *registry) remove(event, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.subs[event]
	if !ok {
		return false
	}
	for i, sub := range list {
		if sub.id == id {
			r.subs[event] = append(list[:i:i], list[i+1:]...)
			if len(r.subs[event]) == 0 {
				delete(r.subs, event)
			}
			return true
		}
	}
	return false
}

// dispatch invokes every handler registered for event, in insertion order.
// Handlers run on the caller's goroutine, so inbound events reach subscribers
// in delivery order.
func (r *registry) dispatch(event string, payload json.RawMessage) {
	r.mu.RLock()
	list := r.subs[event]
	handlers := make([]Handler, len(list))
	for i, sub := range list {
		handlers[i] = sub.fn
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}
