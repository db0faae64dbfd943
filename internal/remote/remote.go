// Package remote defines the interface for the shared (L2) cache tier.
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks failures of the backing service itself, as opposed to
// a key simply being absent.
var ErrUnavailable = errors.New("remote: backend unavailable")

// Cache is a shared key-value service with per-key expiry. Implementations
// must be safe for concurrent use.
type Cache interface {
	// Get returns the value stored under key. A missing or expired key
	// returns found == false and a nil error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// SetWithTTL stores value under key. A ttl of zero stores without
	// expiry.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the time key has left to live. known is false when the
	// key is absent or has no expiry.
	TTL(ctx context.Context, key string) (remaining time.Duration, known bool, err error)

	// Close releases any resources held by the cache.
	Close() error
}
