package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const DefaultRedisNamespace = "donation-admin||"

var _ Store = (*RedisStore)(nil)

// RedisStore keeps the account-level scope in redis, so every shell
// pointed to the same redis and namespace sees the same session.
type RedisStore struct {
	redisClient *redis.Client
	namespace   string
}

func NewRedisStore(redisClient *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = DefaultRedisNamespace
	}
	return &RedisStore{
		redisClient: redisClient,
		namespace:   namespace,
	}
}

func (s *RedisStore) key(key string) string {
	return s.namespace + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	cmd := s.redisClient.Get(ctx, s.key(key))
	if err := cmd.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return cmd.Val(), nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.redisClient.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.redisClient.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
