package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/pkg/config"
)

// ErrCacheMiss is returned by Get when the key is absent
var ErrCacheMiss = errors.New("cache miss")

// Cache wraps Redis client for caching operations
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(cfg *config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Set stores a value with expiration
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, expiration).Err()
}

// Get retrieves a value and unmarshals it
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrCacheMiss, key)
		}
		return fmt.Errorf("failed to get value: %w", err)
	}

	return json.Unmarshal([]byte(data), dest)
}

// Delete removes a key
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Exists checks if a key exists
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// BlobCache remembers committed blob digests in Redis so existence checks
// on hot layers skip the storage backend
type BlobCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewBlobCache creates a blob existence cache. A zero ttl keeps entries
// until Redis evicts them.
func NewBlobCache(cache *Cache, ttl time.Duration) *BlobCache {
	return &BlobCache{cache: cache, ttl: ttl}
}

var _ blob.ExistenceCache = (*BlobCache)(nil)

func blobCacheKey(d digest.Digest) string {
	return "keystone:blob:" + d.String()
}

// Contains implements blob.ExistenceCache
func (b *BlobCache) Contains(ctx context.Context, d digest.Digest) (bool, error) {
	return b.cache.Exists(ctx, blobCacheKey(d))
}

// Add implements blob.ExistenceCache
func (b *BlobCache) Add(ctx context.Context, d digest.Digest, size int64) error {
	return b.cache.Set(ctx, blobCacheKey(d), size, b.ttl)
}

// Size implements blob.ExistenceCache. A miss reports ok false with no error.
func (b *BlobCache) Size(ctx context.Context, d digest.Digest) (int64, bool, error) {
	var size int64
	if err := b.cache.Get(ctx, blobCacheKey(d), &size); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return size, true, nil
}

// Forget implements blob.ExistenceCache
func (b *BlobCache) Forget(ctx context.Context, d digest.Digest) error {
	return b.cache.Delete(ctx, blobCacheKey(d))
}
