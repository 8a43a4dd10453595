package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Redis is a Redis-backed implementation of Store, shared across processes.
// Every command runs behind a circuit breaker so a dead Redis fails fast
// instead of stalling each catalog read on a dial timeout.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	breaker *gobreaker.CircuitBreaker
	owned   bool
}

// RedisConfig holds configuration for the Redis catalog backend.
// Populate from configuration in your application code.
type RedisConfig struct {
	URL      string
	Password string
	DB       int

	// Prefix is prepended to all keys (default: "catalog:").
	Prefix string

	// Breaker overrides the circuit breaker settings. The zero value trips after
	// five consecutive failures and probes again after 30 seconds.
	Breaker gobreaker.Settings
}

// NewRedis connects to Redis and returns a store that owns the client.
func NewRedis(config RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := NewRedisWithClient(client, config.Prefix, config.Breaker)
	r.owned = true
	return r, nil
}

// NewRedisWithClient wraps an existing client. Close does not close a borrowed client.
func NewRedisWithClient(client redis.UniversalClient, prefix string, settings gobreaker.Settings) *Redis {
	if prefix == "" {
		prefix = "catalog:"
	}
	if settings.Name == "" {
		settings.Name = "catalog-redis"
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}
	return &Redis{
		client:  client,
		prefix:  prefix,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (r *Redis) execute(fn func() error) error {
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := r.execute(func() error {
		b, err := r.client.Get(ctx, r.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = b, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, found, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	err := r.execute(func() error {
		return r.client.Set(ctx, r.prefix+key, val, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	err := r.execute(func() error {
		return r.client.Del(ctx, r.prefix+key).Err()
	})
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Clear deletes every key under the store prefix.
func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.scan(ctx)
	if err != nil {
		return fmt.Errorf("redis clear failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	// One key per command: a multi-key DEL fails with CROSSSLOT on a cluster
	// when the keys hash to different slots.
	for start := 0; start < len(keys); start += clearBatch {
		batch := keys[start:min(start+clearBatch, len(keys))]
		err = r.execute(func() error {
			_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
				for _, k := range batch {
					p.Unlink(ctx, k)
				}
				return nil
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("redis clear failed: %w", err)
		}
	}
	return nil
}

const clearBatch = 500

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	keys, err := r.scan(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("redis stats failed: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, r.prefix))
	}
	sort.Strings(out)
	return Stats{Size: len(out), Keys: out}, nil
}

func (r *Redis) scan(ctx context.Context) ([]string, error) {
	var keys []string
	err := r.execute(func() error {
		keys = keys[:0]
		cc, ok := r.client.(*redis.ClusterClient)
		if !ok {
			return scanNode(ctx, r.client, r.prefix, &keys)
		}
		// SCAN only walks the node it is sent to.
		var mu sync.Mutex
		return cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			var found []string
			if err := scanNode(ctx, node, r.prefix, &found); err != nil {
				return err
			}
			mu.Lock()
			keys = append(keys, found...)
			mu.Unlock()
			return nil
		})
	})
	return keys, err
}

func scanNode(ctx context.Context, c redis.Cmdable, prefix string, keys *[]string) error {
	iter := c.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		*keys = append(*keys, iter.Val())
	}
	return iter.Err()
}

// Close releases the client if the store created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
