package store

import "sync"

// Atom is an explicit state container: get, set, subscribe. It replaces
// module-level singleton stores so the sequencer and resolver stay testable
// in isolation; owners pass a handle through constructors.
type Atom[T any] struct {
	mu    sync.RWMutex
	value T
	subs  map[int]func(T)
	next  int
}

// NewAtom creates an atom holding the initial value.
func NewAtom[T any](initial T) *Atom[T] {
	return &Atom[T]{value: initial, subs: make(map[int]func(T))}
}

// Get returns the current value.
func (a *Atom[T]) Get() T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

// Set replaces the value and notifies subscribers synchronously, in
// registration order not guaranteed.
func (a *Atom[T]) Set(value T) {
	a.mu.Lock()
	a.value = value
	subs := make([]func(T), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(value)
	}
}

// Update applies fn to the current value and stores the result, returning
// it. The read-modify-write is atomic with respect to other updates.
func (a *Atom[T]) Update(fn func(T) T) T {
	a.mu.Lock()
	a.value = fn(a.value)
	value := a.value
	subs := make([]func(T), 0, len(a.subs))
	for _, sub := range a.subs {
		subs = append(subs, sub)
	}
	a.mu.Unlock()

	for _, sub := range subs {
		sub(value)
	}
	return value
}

// Subscribe registers a listener called on every change. The returned
// function removes the subscription; it is safe to call more than once.
func (a *Atom[T]) Subscribe(fn func(T)) func() {
	a.mu.Lock()
	id := a.next
	a.next++
	a.subs[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}
