package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/frak-labs/frame-connector/internal/metrics"
	"github.com/frak-labs/frame-connector/pkg/kv"
	memkv "github.com/frak-labs/frame-connector/pkg/kv/memory"
	rediskv "github.com/frak-labs/frame-connector/pkg/kv/redis"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned when a key is absent from the cache.
var ErrCacheMiss = errors.New("cache miss")

// KeyInteractionSession prefixes cached interaction session entries.
const KeyInteractionSession = "frak:interaction-session"

// Cache stores JSON values in Redis, falling back to an in-memory store when
// Redis is unreachable at startup.
type Cache struct {
	store    kv.Store
	inMemory bool
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
}

// NewCache connects to Redis at addr. When the initial ping fails the cache
// degrades to an in-memory backend rather than failing startup.
func NewCache(addr string, logger *zap.SugaredLogger, m *metrics.Metrics) *Cache {
	redisStore := rediskv.New(addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := redisStore.Ping(ctx); err != nil {
		_ = redisStore.Close()
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-memory cache", "addr", addr, "error", err)
		}
		return &Cache{
			store:    memkv.New(time.Minute),
			inMemory: true,
			logger:   logger,
			metrics:  m,
		}
	}

	return &Cache{store: redisStore, logger: logger, metrics: m}
}

// NewMemoryCache returns a purely in-memory cache, used by tests.
func NewMemoryCache(logger *zap.SugaredLogger) *Cache {
	return &Cache{store: memkv.New(0), inMemory: true, logger: logger}
}

// IsInMemoryMode reports whether the cache runs on the in-memory fallback.
func (c *Cache) IsInMemoryMode() bool {
	return c.inMemory
}

// Get unmarshals the cached JSON value for key into dest, or returns
// ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			if c.metrics != nil {
				c.metrics.RecordCacheMiss(ctx, key)
			}
			return ErrCacheMiss
		}
		if c.logger != nil {
			c.logger.Errorw("Cache get error", "key", key, "error", err)
		}
		return fmt.Errorf("cache get error: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit(ctx, key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

// Set marshals value as JSON and stores it under key with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache set error", "key", key, "error", err)
		}
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	_, err := c.store.Del(ctx, keys...)
	return err
}

// Ping checks backend health.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close releases backend resources.
func (c *Cache) Close() error {
	return c.store.Close()
}
