package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 5 * time.Minute

// Cache shares refreshed capability records between instances through Redis.
// The in-process snapshot stays authoritative; the cache only feeds refreshes.
type Cache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func cacheKey(model string) string {
	return fmt.Sprintf("caps:model:%s", model)
}

func (c *Cache) Get(ctx context.Context, model string) (*ModelCapabilities, error) {
	var caps ModelCapabilities
	err := c.rdb.Get(ctx, cacheKey(model)).Scan(&caps)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &caps, nil
}

func (c *Cache) Put(ctx context.Context, caps *ModelCapabilities) error {
	return c.rdb.Set(ctx, cacheKey(caps.ModelName), caps, cacheTTL).Err()
}

// Warm seeds the cache with the registry's current records so freshly
// started instances see the same data. Safe to call repeatedly.
func (c *Cache) Warm(ctx context.Context, reg *Registry) {
	for _, name := range reg.Models() {
		caps, _ := reg.Lookup(name)
		if err := c.Put(ctx, &caps); err != nil {
			log.Printf("[registry] failed to warm cache for %s: %v", name, err)
			return
		}
	}
	log.Printf("[registry] capability cache warmed (%d models)", len(reg.Models()))
}

// Refresh pulls cached records for the registry's known models and swaps
// them in. Records found in the cache are tagged as live.
func (c *Cache) Refresh(ctx context.Context, reg *Registry) error {
	var records []ModelCapabilities
	for _, name := range reg.Models() {
		caps, err := c.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", name, err)
		}
		if caps == nil {
			continue
		}
		caps.Source = SourceLive
		caps.LastUpdated = time.Now()
		records = append(records, *caps)
	}
	reg.Replace(records)
	return nil
}
