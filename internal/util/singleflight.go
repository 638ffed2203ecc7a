// Package util holds small shared helpers.
package util

import (
	"context"
	"sync"
)

// Group suppresses duplicate concurrent work: only one execution is
// in-flight for a given key at a time, duplicates wait for the original and
// share its result.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
	dups int
}

// Do executes fn, or waits for an in-flight execution under the same key.
// shared reports whether the result was given to multiple callers.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call[T])
	}
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		<-c.done
		return c.val, c.err, true
	}
	c := &call[T]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
	close(c.done)

	return c.val, c.err, c.dups > 0
}

// DoWithContext is Do with cancellation for the waiting caller. The
// in-flight execution itself keeps running; only the wait is abandoned.
func (g *Group[T]) DoWithContext(ctx context.Context, key string, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err, _ := g.Do(key, fn)
		ch <- result{val, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
