package store

import "sync"

// Store is an observer-list replacement for a reactive subscribable field: a
// current value plus an explicit subscriber registry. Subscribing immediately
// delivers the current value. The activation hooks fire on the 0→1 and 1→0
// subscriber transitions and gate background work (e.g. stale-channel refill)
// without tying the cache layer to any reactivity runtime.
type Store[T any] struct {
	mu     sync.Mutex
	value  T
	nextID int
	subs   map[int]func(T)

	// OnActivate runs when the first subscriber attaches, OnDeactivate when
	// the last one detaches. Both run outside the store lock. Set them before
	// the store is shared.
	OnActivate   func()
	OnDeactivate func()
}

func New[T any](initial T) *Store[T] {
	return &Store[T]{
		value: initial,
		subs:  make(map[int]func(T)),
	}
}

// Get returns the current value.
func (s *Store[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the current value and notifies every subscriber.
func (s *Store[T]) Set(v T) {
	s.mu.Lock()
	s.value = v
	subs := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Notify re-delivers the current value to every subscriber. Used by caches
// that mutate the held value in place.
func (s *Store[T]) Notify() {
	s.mu.Lock()
	v := s.value
	subs := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Subscribe registers fn, immediately delivers the current value to it, and
// returns an idempotent cancel function.
func (s *Store[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	first := len(s.subs) == 1
	v := s.value
	activate := s.OnActivate
	s.mu.Unlock()

	if first && activate != nil {
		activate()
	}
	fn(v)

	return func() {
		s.mu.Lock()
		_, present := s.subs[id]
		delete(s.subs, id)
		last := present && len(s.subs) == 0
		deactivate := s.OnDeactivate
		s.mu.Unlock()

		if last && deactivate != nil {
			deactivate()
		}
	}
}

// Active reports whether the store currently has any subscriber.
func (s *Store[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}
