// Package kv defines a small key-value store abstraction used by the
// connector's caches, with in-memory and Redis backends.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found or has expired.
var ErrNotFound = errors.New("not found")

// Store is the key-value surface the connector needs: string keys, opaque
// byte values, optional TTL.
type Store interface {
	// Set stores a value. An optional TTL bounds its lifetime; zero or
	// omitted means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error

	// Get returns the value for a key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Del removes keys, returning how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// TTL returns the remaining lifetime of a key. A negative duration
	// means the key has no expiration; ErrNotFound if the key is absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
