package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// LegacyCacheKey is where the pre-durable-store deployment kept its
// subscriptions (a JSON array). Only the one-time migration reads it.
const LegacyCacheKey = "webhook:subscriptions"

// RedisStore wraps the redis client used by the rate limiter and the
// legacy-cache migration.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// LegacyCache returns the raw legacy subscription payload, or "" when the
// key is absent.
func (s *RedisStore) LegacyCache(ctx context.Context) (string, error) {
	val, err := s.client.Get(ctx, LegacyCacheKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading legacy cache: %w", err)
	}
	return val, nil
}

// ClearLegacyCache deletes the legacy key after a successful migration.
func (s *RedisStore) ClearLegacyCache(ctx context.Context) error {
	if err := s.client.Del(ctx, LegacyCacheKey).Err(); err != nil {
		return fmt.Errorf("clearing legacy cache: %w", err)
	}
	return nil
}
