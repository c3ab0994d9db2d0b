// Package tiered layers the node-local replay cache over the shared one.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/Runplane/internal/port/cache"
)

// Cache reads the local tier first and falls back to the shared tier,
// copying shared hits into the local tier. Writes go to both. A missing or
// failing shared tier only costs cross-node replays, so its errors are
// logged and swallowed. Local tier errors are returned.
type Cache struct {
	local    cache.Cache
	shared   cache.Cache
	localTTL time.Duration
}

// New creates a tiered cache. shared may be nil. localTTL bounds how long
// an entry copied from the shared tier stays local.
func New(local, shared cache.Cache, localTTL time.Duration) *Cache {
	return &Cache{local: local, shared: shared, localTTL: localTTL}
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.local.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found || c.shared == nil {
		return val, found, nil
	}

	val, found, err = c.shared.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "shared cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	if err := c.local.Set(ctx, key, val, c.localTTL); err != nil {
		slog.DebugContext(ctx, "local cache backfill failed", "key", key, "error", err)
	}
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		slog.WarnContext(ctx, "shared cache set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes key from both tiers. A shared tier failure is returned
// since a stale shared entry would be replayed by other nodes.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	if c.shared == nil {
		return nil
	}
	return c.shared.Delete(ctx, key)
}
