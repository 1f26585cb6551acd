package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Backend shared by every server instance. TTLs are enforced by
// Redis itself.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("cache ttl must be positive")
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// DeletePrefix collects every matching key before deleting any, so the SCAN
// cursor never runs over a keyspace it is mutating.
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		if err := r.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
