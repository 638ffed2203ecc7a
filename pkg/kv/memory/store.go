// Package memory provides an in-memory kv.Store, used when Redis is
// unavailable. Expired keys are evicted lazily on access and by an optional
// background janitor.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/frak-labs/frame-connector/pkg/kv"
)

// Store is an in-memory implementation of kv.Store.
type Store struct {
	mu          sync.RWMutex
	values      map[string][]byte
	expirations map[string]time.Time

	janitorStop chan struct{}
	janitorDone chan struct{}
	stopOnce    sync.Once
}

// New creates a store. A positive janitorInterval starts a background
// goroutine that evicts expired keys.
func New(janitorInterval time.Duration) *Store {
	s := &Store{
		values:      make(map[string][]byte),
		expirations: make(map[string]time.Time),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	if janitorInterval > 0 {
		go s.janitor(janitorInterval)
	} else {
		close(s.janitorDone)
	}
	return s
}

func (s *Store) janitor(interval time.Duration) {
	defer close(s.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.janitorStop:
			return
		}
	}
}

func (s *Store) evictExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, deadline := range s.expirations {
		if now.After(deadline) {
			delete(s.values, key)
			delete(s.expirations, key)
		}
	}
}

// expired must be called with at least a read lock held.
func (s *Store) expired(key string) bool {
	deadline, ok := s.expirations[key]
	return ok && time.Now().After(deadline)
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl ...time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	s.values[key] = buf
	if len(ttl) > 0 && ttl[0] > 0 {
		s.expirations[key] = time.Now().Add(ttl[0])
	} else {
		delete(s.expirations, key)
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	value, ok := s.values[key]
	gone := !ok || s.expired(key)
	s.mu.RUnlock()
	if gone {
		if ok {
			// Lazy eviction.
			s.mu.Lock()
			delete(s.values, key)
			delete(s.expirations, key)
			s.mu.Unlock()
		}
		return nil, kv.ErrNotFound
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := s.values[key]; ok && !s.expired(key) {
			removed++
		}
		delete(s.values, key)
		delete(s.expirations, key)
	}
	return removed, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.values[key]; !ok || s.expired(key) {
		return 0, kv.ErrNotFound
	}
	deadline, ok := s.expirations[key]
	if !ok {
		return -1, nil
	}
	return time.Until(deadline), nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

// Close stops the janitor. Safe to call more than once.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.janitorStop) })
	<-s.janitorDone
	return nil
}
