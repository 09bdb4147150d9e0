// Package cache holds small keyed blobs such as the mirrored risk state.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("cache: key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores val under key. A zero ttl keeps the key forever.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Close() error
}

// NewRedisClient returns a client shared by the redis-backed cache and bus.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}
