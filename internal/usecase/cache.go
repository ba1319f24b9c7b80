package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache abstracts the key/value operations used by the use cases to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return value, err
}

// MemoryCache keeps entries in process. It is used when no Redis address is configured.
type MemoryCache struct {
	store *cache.Cache
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{store: cache.New(5*time.Minute, 10*time.Minute)}
}

func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	switch v := value.(type) {
	case string:
		c.store.Set(key, v, expiration)
	case []byte:
		c.store.Set(key, string(v), expiration)
	default:
		c.store.Set(key, fmt.Sprint(v), expiration)
	}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	v, found := c.store.Get(key)
	if !found {
		return "", ErrCacheMiss
	}
	return v.(string), nil
}
