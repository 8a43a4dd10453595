// Package store provides counter backends for fixed-window rate limiting.
package store

import (
	"context"
	"time"
)

// Store defines the interface for rate limit counter backends.
// Implementations must be safe for concurrent use and must make the
// increment-and-arm-expiry step atomic per key.
type Store interface {
	// Increment adds one to the counter for key and returns the new count and the
	// time left until the counter expires. The expiry is armed only when the
	// counter is created (count == 1); later increments never extend it.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Get returns the current count and remaining ttl without incrementing.
	// Returns zeros if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) (count int64, ttl time.Duration, err error)

	// Reset removes the counter for key. Resetting a missing key is not an error.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
