// Package store provides storage backends for the catalog cache.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrSetRejected is returned when a backend declines to admit a value.
var ErrSetRejected = errors.New("cache set rejected")

// Stats is a diagnostic snapshot of a store. It is not part of the correctness contract.
type Stats struct {
	Size int      `json:"size"`
	Keys []string `json:"keys"`
}

// Store defines the interface for catalog cache storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key and true, or false when the key is
	// absent or its TTL has elapsed. Expired values are never returned.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores val under key, replacing any previous value. The entry must be
	// removed no earlier than ttl after insertion, whether or not it is read again.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry owned by the store.
	Clear(ctx context.Context) error

	// Stats reports the live entries.
	Stats(ctx context.Context) (Stats, error)

	// Close releases any resources held by the store.
	Close() error
}
