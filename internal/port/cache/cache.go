// Package cache defines the byte cache behind idempotent API replays.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values under string keys. A miss is (nil, false, nil);
// errors are reserved for an unreachable backend so callers can fail open.
// A zero ttl on Set means the entry lives until the backend evicts it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
