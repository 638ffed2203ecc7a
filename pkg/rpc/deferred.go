package rpc

import (
	"context"
	"sync"
)

// Deferred is a one-shot promise: settled exactly once with a value or an
// error, awaited by any number of callers. The first settle wins; later
// calls are no-ops.
type Deferred[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewDeferred returns an unsettled deferred.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve settles the deferred with a value.
func (d *Deferred[T]) Resolve(val T) {
	d.once.Do(func() {
		d.val = val
		close(d.done)
	})
}

// Reject settles the deferred with an error.
func (d *Deferred[T]) Reject(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Await blocks until the deferred settles or the context is cancelled.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.val, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
