package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// incrScript atomically increments a counter and arms its expiry.
// The expiry is set only when the counter is created, or when the key somehow
// lost its expiry (PTTL -1), so a busy client can never extend its own window.
// Returns [count, pttl] with pttl in milliseconds.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) == -1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// Redis is a Redis-backed implementation of Store suitable for multi-instance
// deployments. All instances sharing the same Redis and prefix share counters.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	owned   bool
}

// RedisConfig holds configuration for the Redis rate limit backend.
// All fields should be populated explicitly by your application code.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys (default: "ratelimit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// Breaker, when set, guards every command with a circuit breaker.
	Breaker *gobreaker.Settings

	// Logger receives breaker state changes.
	Logger *zap.Logger
}

// NewRedis creates a Redis store and validates the connection with a ping.
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "ratelimit:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := NewRedisWithClient(client, config.Prefix, config.Breaker, config.Logger)
	r.owned = true
	return r, nil
}

// NewRedisWithClient wraps an existing client, typically one shared with the
// catalog cache. Close does not close a borrowed client. A nil settings pointer
// disables the circuit breaker.
func NewRedisWithClient(client redis.UniversalClient, prefix string, settings *gobreaker.Settings, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Redis{
		client: client,
		prefix: prefix,
		logger: logger,
	}
	if settings != nil {
		s := *settings
		if s.Name == "" {
			s.Name = "ratelimit-redis"
		}
		if s.OnStateChange == nil {
			s.OnStateChange = func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}
		}
		r.breaker = gobreaker.NewCircuitBreaker(s)
	}
	return r
}

func (r *Redis) execute(fn func() error) error {
	if r.breaker == nil {
		return fn()
	}
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Increment runs the increment script. The INCR, PEXPIRE and PTTL calls execute
// as one server-side operation, so concurrent callers never observe a counter
// without an expiry.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	windowMs := max(window.Milliseconds(), 1)

	var result []any
	err := r.execute(func() error {
		var err error
		result, err = incrScript.Run(ctx, r.client, []string{r.prefix + key}, windowMs).Slice()
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("redis increment failed: %w", err)
	}

	if len(result) != 2 {
		return 0, 0, fmt.Errorf("unexpected result length: got %d, want 2", len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected type for count: %T", result[0])
	}

	ttlMs, ok := result[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected type for ttl: %T", result[1])
	}

	return count, time.Duration(max(ttlMs, 0)) * time.Millisecond, nil
}

// Get reads the count and remaining ttl in one round trip.
// Returns zeros if the key doesn't exist or has expired.
func (r *Redis) Get(ctx context.Context, key string) (int64, time.Duration, error) {
	var (
		count int64
		ttl   time.Duration
	)
	err := r.execute(func() error {
		fullKey := r.prefix + key
		pipe := r.client.Pipeline()
		getCmd := pipe.Get(ctx, fullKey)
		ttlCmd := pipe.PTTL(ctx, fullKey)
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		n, err := getCmd.Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		count = n
		ttl = max(ttlCmd.Val(), 0)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("redis get failed: %w", err)
	}
	return count, ttl, nil
}

// Reset removes the counter for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	err := r.execute(func() error {
		return r.client.Del(ctx, r.prefix+key).Err()
	})
	if err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Close releases the client if the store created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
