package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// inflightMarker is the value held by an idempotency key while the first
// caller's gateway call is still running.
const inflightMarker = "__inflight__"

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

// Acquire atomically claims an idempotency key by writing an in-flight
// marker. Returns false when the key is already claimed or resolved.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, idempotencyKey(key), inflightMarker, ttl).Result()
}

// Get returns the stored value for a key. resolved is false while the first
// caller is still in flight; found is false when the key is unknown.
func (c *Client) Get(ctx context.Context, key string) (value string, resolved bool, found bool, err error) {
	value, err = c.rdb.Get(ctx, idempotencyKey(key)).Result()
	if err == redis.Nil {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, err
	}
	if value == inflightMarker {
		return "", false, true, nil
	}
	return value, true, true, nil
}

// Resolve stores the serialized result under the key for the retention window
func (c *Client) Resolve(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), value, ttl).Err()
}

// Release drops an unresolved key so the caller may retry after a transport
// failure.
func (c *Client) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}
