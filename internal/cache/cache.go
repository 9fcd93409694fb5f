// Package cache provides the shared key-value cache used for auth identity
// caching, balance caching and rate limiting. Two backends exist: a Redis
// client for multi-instance deployments and a bounded in-process LRU for
// single instances and tests.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the backend-agnostic interface. Values are opaque byte slices;
// callers own serialization. A zero ttl means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Increment atomically adds one to the counter at key, creating it with
	// the ttl on first use. Rate limiting depends on this being atomic.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Close() error
}
