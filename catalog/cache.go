package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/boubamga9/Pattyly-sub002/catalog/store"
)

// DefaultTTL is the lifetime of a cached catalog when Set is called without one.
const DefaultTTL = time.Hour

// Stats is a diagnostic snapshot of the cache.
type Stats struct {
	Size   int      `json:"size"`
	Keys   []string `json:"keys"`
	Hits   int64    `json:"hits"`
	Misses int64    `json:"misses"`
}

// Cache stores encoded catalogs in a store.Store.
// Values are stored as JSON so a cached catalog can never be mutated through
// a pointer returned to an earlier caller.
type Cache struct {
	store  store.Store
	hits   *atomic.Int64
	misses *atomic.Int64
}

// NewCache wraps st. The cache does not own st; close it separately.
func NewCache(st store.Store) *Cache {
	return &Cache{
		store:  st,
		hits:   atomic.NewInt64(0),
		misses: atomic.NewInt64(0),
	}
}

// Get returns the catalog under key. It never returns an expired entry.
func (c *Cache) Get(ctx context.Context, key string) (*Catalog, bool, error) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.misses.Inc()
		return nil, false, nil
	}

	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		// A corrupt entry is a miss; drop it so the next reader repopulates.
		_ = c.store.Delete(ctx, key)
		c.misses.Inc()
		return nil, false, fmt.Errorf("failed to decode cached catalog %q: %w", key, err)
	}
	c.hits.Inc()
	return &cat, true, nil
}

// Set stores cat under key, replacing any existing entry.
// The TTL defaults to DefaultTTL when omitted or non-positive.
func (c *Cache) Set(ctx context.Context, key string, cat *Catalog, ttl ...time.Duration) error {
	expiration := DefaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		expiration = ttl[0]
	}

	data, err := json.Marshal(cat)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	return c.store.Set(ctx, key, data, expiration)
}

// Delete removes key. It is idempotent.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Clear drops every entry. Intended for administrative reset and tests.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Stats reports live keys and hit/miss counters since the cache was created.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Size:   st.Size,
		Keys:   st.Keys,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}, nil
}
