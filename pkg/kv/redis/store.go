// Package redis provides a Redis-backed kv.Store.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/frak-labs/frame-connector/pkg/kv"
	"github.com/redis/go-redis/v9"
)

// Store is a Redis implementation of kv.Store.
type Store struct {
	client *redis.Client
}

// New creates a store backed by the Redis instance at addr.
func New(addr string) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return &Store{client: client}
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	var expiration time.Duration
	if len(ttl) > 0 && ttl[0] > 0 {
		expiration = ttl[0]
	}
	return s.client.Set(ctx, key, value, expiration).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	return value, err
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	return s.client.Del(ctx, keys...).Result()
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// Redis reports -2 for a missing key and -1 for no expiration.
	switch {
	case ttl == -2 || ttl == -2*time.Second:
		return 0, kv.ErrNotFound
	case ttl == -1 || ttl == -1*time.Second:
		return -1, nil
	}
	return ttl, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
