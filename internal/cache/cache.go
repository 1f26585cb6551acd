// Package cache is the read-through cache in front of the user store.
//
// Values are encoded by a Codec before they reach a Backend, so backends only
// ever hold bytes. Entries whose TTL has elapsed are treated as absent.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// ListPrefix prefixes keys of cached list responses.
	ListPrefix = "users:list:"
	// DetailPrefix prefixes keys of cached single-record responses.
	DetailPrefix = "user:detail:"
)

// ListKey derives the key of a list query from its full request path,
// query string included.
func ListKey(path string) string { return ListPrefix + path }

// DetailKey derives the key of a single-record query from the record id.
func DetailKey(id string) string { return DetailPrefix + id }

// Backend stores opaque values with a TTL. Implementations must be safe for
// concurrent use and report a miss for expired entries.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Codec flattens values for storage and rebuilds them on read.
// Unmarshal(Marshal(v)) must reproduce v exactly.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes values as JSON text.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Cache wraps a Backend with a codec, per-call timeouts and logging.
//
// generation is bumped by every Invalidate. ReadThrough drops a loaded value
// when the generation moved during the load, so a read that raced a write
// cannot put the pre-write value back.
type Cache struct {
	backend    Backend
	codec      Codec
	logger     *slog.Logger
	timeout    time.Duration
	generation atomic.Uint64
}

// New constructs a Cache. A nil codec selects JSONCodec.
func New(backend Backend, codec Codec, logger *slog.Logger, timeout time.Duration) *Cache {
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{backend: backend, codec: codec, logger: logger, timeout: timeout}
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Lookup decodes the entry under key into dst and reports whether it was a hit.
// A backend failure is returned; an undecodable entry is logged and reported
// as a miss.
func (c *Cache) Lookup(ctx context.Context, key string, dst any) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := c.codec.Unmarshal(data, dst); err != nil {
		c.logger.WarnContext(ctx, "cache entry undecodable, treating as miss", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// Store encodes v and writes it under key. Failures are logged, never returned.
func (c *Cache) Store(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := c.codec.Marshal(v)
	if err != nil {
		c.logger.ErrorContext(ctx, "cache encode failed", "key", key, "error", err)
		return
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.backend.Set(ctx, key, data, ttl); err != nil {
		c.logger.ErrorContext(ctx, "cache write failed", "key", key, "error", err)
	}
}

// Invalidate drops the given keys and every key under the given prefixes.
// Failures are logged, never returned.
func (c *Cache) Invalidate(ctx context.Context, keys []string, prefixes ...string) {
	c.generation.Add(1)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if len(keys) > 0 {
		if err := c.backend.Delete(ctx, keys...); err != nil {
			c.logger.ErrorContext(ctx, "cache delete failed", "keys", keys, "error", err)
		}
	}
	for _, prefix := range prefixes {
		if err := c.backend.DeletePrefix(ctx, prefix); err != nil {
			c.logger.ErrorContext(ctx, "cache prefix delete failed", "prefix", prefix, "error", err)
		}
	}
}

func (c *Cache) drop(ctx context.Context, key string) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.backend.Delete(ctx, key); err != nil {
		c.logger.ErrorContext(ctx, "cache delete failed", "keys", []string{key}, "error", err)
	}
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// ReadThrough returns the cached value under key, or loads it, caches it when
// cacheable reports true, and returns it. Load errors are returned unchanged
// and never cached.
func ReadThrough[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	load func(context.Context) (T, error),
	cacheable func(T) bool,
) (T, error) {
	var cached T
	hit, err := c.Lookup(ctx, key, &cached)
	if err != nil {
		var zero T
		return zero, err
	}
	if hit {
		c.logger.DebugContext(ctx, "cache hit", "key", key)
		return cached, nil
	}

	c.logger.DebugContext(ctx, "cache miss", "key", key)
	gen := c.generation.Load()
	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	if cacheable != nil && !cacheable(value) {
		return value, nil
	}
	if c.generation.Load() != gen {
		c.logger.DebugContext(ctx, "cache invalidated during load, not storing", "key", key)
		return value, nil
	}
	c.Store(ctx, key, value, ttl)
	// An Invalidate that bumped after the check above may have deleted the
	// key before Store wrote it.
	if c.generation.Load() != gen {
		c.drop(ctx, key)
	}
	return value, nil
}
