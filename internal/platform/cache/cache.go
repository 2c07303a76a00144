// Package cache is a small key-value cache contract with a Redis
// implementation. Values are strings; callers own their encoding.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss signals that the key is not present.
var ErrMiss = errors.New("cache: miss")

// Cache is implemented by RedisCache. Implementations must be safe for
// concurrent use.
type Cache interface {
	// Get returns ErrMiss when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value with ttl; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}
