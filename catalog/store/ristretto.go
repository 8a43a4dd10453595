package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoConfig holds sizing for the ristretto backend.
type RistrettoConfig struct {
	// NumCounters is the number of keys tracked for admission (default: 1e5).
	NumCounters int64

	// MaxCost is the total byte budget (default: 256MB).
	MaxCost int64

	// BufferItems is the Get buffer size per shard (default: 64).
	BufferItems int64
}

// Ristretto is an in-process Store backed by a ristretto admission cache.
// Entries are costed by their encoded size and may be evicted before their TTL
// when the byte budget is exhausted.
type Ristretto struct {
	cache *ristretto.Cache
	// ristretto cannot enumerate its keys; track them for Stats.
	keys sync.Map
}

// NewRistretto creates a ristretto-backed store.
func NewRistretto(cfg RistrettoConfig) (*Ristretto, error) {
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 1e5
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 256 << 20
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &Ristretto{cache: c}, nil
}

func (r *Ristretto) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := r.cache.Get(key)
	if !ok {
		r.keys.Delete(key)
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("unexpected value type %T for key %q", v, key)
	}
	return b, true, nil
}

func (r *Ristretto) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	if !r.cache.SetWithTTL(key, val, int64(len(val)), ttl) {
		return ErrSetRejected
	}
	// Flush the write buffer so the value is visible to the next Get.
	r.cache.Wait()
	r.keys.Store(key, time.Now().Add(ttl))
	return nil
}

func (r *Ristretto) Delete(_ context.Context, key string) error {
	r.cache.Del(key)
	r.keys.Delete(key)
	return nil
}

func (r *Ristretto) Clear(_ context.Context) error {
	r.cache.Clear()
	r.keys.Range(func(k, _ any) bool {
		r.keys.Delete(k)
		return true
	})
	return nil
}

func (r *Ristretto) Stats(_ context.Context) (Stats, error) {
	now := time.Now()
	keys := make([]string, 0)
	r.keys.Range(func(k, v any) bool {
		key := k.(string)
		if expiresAt := v.(time.Time); now.After(expiresAt) {
			r.keys.Delete(key)
			return true
		}
		if _, ok := r.cache.Get(key); !ok {
			// Evicted by the admission policy.
			r.keys.Delete(key)
			return true
		}
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return Stats{Size: len(keys), Keys: keys}, nil
}

func (r *Ristretto) Close() error {
	r.cache.Close()
	return nil
}
