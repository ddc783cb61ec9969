package events

import (
	"encoding/json"
	"sync"
)

// Listener receives the payload of a named event. Control events carry a nil
// payload.
type Listener func(data json.RawMessage)

// WildcardListener receives every emitted event along with its name.
type WildcardListener func(event string, data json.RawMessage)

type entry struct {
	id   int
	fn   Listener
	once bool
}

type wildcardEntry struct {
	id int
	fn WildcardListener
}

// Emitter is a minimal multi-listener publish/subscribe primitive: named
// events plus a wildcard channel. It performs no I/O and is safe for
// concurrent use. Listeners run in subscription order on the emitting
// goroutine; wildcard listeners run before named ones.
type Emitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string][]*entry
	wildcards []*wildcardEntry
}

func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[string][]*entry),
	}
}

// On registers a listener for the given event and returns a function that
// unsubscribes it. The returned function is idempotent.
func (e *Emitter) On(event string, fn Listener) func() {
	return e.subscribe(event, fn, false)
}

// Once registers a listener that is removed after its first invocation.
func (e *Emitter) Once(event string, fn Listener) func() {
	return e.subscribe(event, fn, true)
}

func (e *Emitter) subscribe(event string, fn Listener, once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	en := &entry{id: e.nextID, fn: fn, once: once}
	e.listeners[event] = append(e.listeners[event], en)

	id := en.id
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.removeLocked(event, id)
	}
}

// OnAny registers a wildcard listener invoked for every emitted event.
func (e *Emitter) OnAny(fn WildcardListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	en := &wildcardEntry{id: e.nextID, fn: fn}
	e.wildcards = append(e.wildcards, en)

	id := en.id
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, w := range e.wildcards {
			if w.id == id {
				e.wildcards = append(e.wildcards[:i], e.wildcards[i+1:]...)
				return
			}
		}
	}
}

func (e *Emitter) removeLocked(event string, id int) {
	entries := e.listeners[event]
	for i, en := range entries {
		if en.id == id {
			e.listeners[event] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Emit delivers data to every wildcard listener, then to every listener
// registered for event. The registry lock is not held while listeners run.
func (e *Emitter) Emit(event string, data json.RawMessage) {
	e.mu.Lock()
	wildcards := make([]*wildcardEntry, len(e.wildcards))
	copy(wildcards, e.wildcards)

	entries := e.listeners[event]
	named := make([]*entry, len(entries))
	copy(named, entries)
	for _, en := range entries {
		if en.once {
			e.removeLocked(event, en.id)
		}
	}
	e.mu.Unlock()

	for _, w := range wildcards {
		w.fn(event, data)
	}
	for _, en := range named {
		en.fn(data)
	}
}

// RemoveAll drops every listener for event; with no event it clears the whole
// registry, wildcard listeners included.
func (e *Emitter) RemoveAll(event ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(event) > 0 {
		for _, ev := range event {
			delete(e.listeners, ev)
		}
		return
	}
	e.listeners = make(map[string][]*entry)
	e.wildcards = nil
}
