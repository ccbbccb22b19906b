package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	redis "github.com/redis/go-redis/v9"
)

// Cache is the idempotency gate between the canonicalizer and the dispatch
// queue. It is best-effort: the sink's idempotent upsert remains the second
// line of defense.
type Cache interface {
	// SeenRecently reports whether the identity was marked within the TTL.
	SeenRecently(ctx context.Context, id string) (bool, error)
	// MarkSeen records the identity for the configured TTL.
	MarkSeen(ctx context.Context, id string) error
	Close() error
}

// MemoryCache is an in-process TTL cache on an expirable LRU. Size is bounded
// so memory stays flat even when the TTL is generous.
type MemoryCache struct {
	lru *expirable.LRU[string, struct{}]
}

// NewMemoryCache creates a TTL-bounded in-process cache.
func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryCache{lru: expirable.NewLRU[string, struct{}](maxEntries, nil, ttl)}
}

// SeenRecently reports whether the identity is present and unexpired.
func (c *MemoryCache) SeenRecently(ctx context.Context, id string) (bool, error) {
	_, ok := c.lru.Get(id)
	return ok, nil
}

// MarkSeen records the identity.
func (c *MemoryCache) MarkSeen(ctx context.Context, id string) error {
	c.lru.Add(id, struct{}{})
	return nil
}

// Close is a no-op.
func (c *MemoryCache) Close() error { return nil }

// RedisConfig configures the shared-deployment cache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache shares the dedup window across pipeline instances.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache constructs a Redis-backed cache.
func NewRedisCache(cfg RedisConfig, ttl time.Duration) (*RedisCache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "chainwatch:dedup"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis dedup cache: %w", err)
	}

	return &RedisCache{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix), ttl: ttl}, nil
}

// NewRedisCacheWithClient wraps an existing client, used by tests.
func NewRedisCacheWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if strings.TrimSpace(prefix) == "" {
		prefix = "chainwatch:dedup"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// SeenRecently checks the identity key.
func (c *RedisCache) SeenRecently(ctx context.Context, id string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records the identity with the cache TTL. SET NX keeps it a single
// round trip and leaves the first sighting's expiry untouched on re-marks.
func (c *RedisCache) MarkSeen(ctx context.Context, id string) error {
	if err := c.client.SetNX(ctx, c.key(id), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

// Close closes Redis resources.
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCache) key(id string) string {
	return c.prefix + ":" + id
}
