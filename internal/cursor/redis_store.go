package cursor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures Redis access for cursor persistence.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps listener cursors in Redis so restarts resume where the
// previous run stopped.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed cursor store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "chainwatch:cursor"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis cursor store: %w", err)
	}

	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "chainwatch:cursor"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Read returns the stored position for a listener.
func (s *RedisStore) Read(ctx context.Context, source, subscription string) (uint64, bool, error) {
	val, err := s.client.Get(ctx, s.key(source, subscription)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor %s/%s: %w", source, subscription, err)
	}
	pos, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cursor %s/%s: %w", source, subscription, err)
	}
	return pos, true, nil
}

// Write commits a position for a listener.
func (s *RedisStore) Write(ctx context.Context, source, subscription string, position uint64) error {
	if err := s.client.Set(ctx, s.key(source, subscription), strconv.FormatUint(position, 10), 0).Err(); err != nil {
		return fmt.Errorf("write cursor %s/%s: %w", source, subscription, err)
	}
	return nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(source, subscription string) string {
	return s.prefix + ":" + source + ":" + subscription
}
