package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"streamguard/internal/resilience"
)

type RedisStore struct {
	client *redis.Client
}

// NewRedisStore does not own client; closing the store leaves it open.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, resilience.Transient(fmt.Sprintf("redis get %s", key), err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return resilience.Transient(fmt.Sprintf("redis set %s", key), err)
	}
	return nil
}

func (r *RedisStore) Close() error { return nil }
