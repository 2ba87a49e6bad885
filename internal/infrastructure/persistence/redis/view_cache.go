// Package redis provides the optional remote projection cache. A cache
// outage degrades reads to the durable tier, never to an error.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/config"
)

// ViewCache caches projection records under "proj:<view>:<key>".
type ViewCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewViewCache connects a cache from configuration.
func NewViewCache(cfg config.RedisConfig) *ViewCache {
	return &ViewCache{
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB}),
		ttl:    cfg.TTL,
	}
}

// NewViewCacheWithClient wraps an existing client, for tests.
func NewViewCacheWithClient(client *redis.Client, ttl time.Duration) *ViewCache {
	return &ViewCache{client: client, ttl: ttl}
}

func cacheKey(view, key string) string { return "proj:" + view + ":" + key }

// Get returns the cached record, if any.
func (c *ViewCache) Get(ctx context.Context, view, key string) (map[string]any, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(view, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		// Drop the corrupt entry and treat it as a miss.
		c.client.Del(ctx, cacheKey(view, key))
		return nil, false, nil
	}
	return record, true, nil
}

// Set stores a record with the configured TTL.
func (c *ViewCache) Set(ctx context.Context, view, key string, record map[string]any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(view, key), raw, c.ttl).Err()
}

// Invalidate drops a cached record.
func (c *ViewCache) Invalidate(ctx context.Context, view, key string) error {
	return c.client.Del(ctx, cacheKey(view, key)).Err()
}

// Close releases the client.
func (c *ViewCache) Close() error {
	return c.client.Close()
}

var _ ports.ProjectionCache = (*ViewCache)(nil)
