// Package memremote provides an in-memory remote tier, for tests and for
// sharing one L2 between several engines inside a process.
package memremote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/discochess/tiercache/internal/remote"
)

// Compile-time check that Cache implements remote.Cache.
var _ remote.Cache = (*Cache)(nil)

// ErrInjected is returned by operations after Fail has been called.
var ErrInjected = errors.New("memremote: injected failure")

type item struct {
	value     []byte
	expiresAt time.Time
}

// Cache is an in-memory remote cache.
type Cache struct {
	mu      sync.RWMutex
	items   map[string]item
	failing bool
	now     func() time.Time

	gets int
	sets int
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty in-memory remote cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		items: make(map[string]item),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the value under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gets++
	if c.failing {
		return nil, false, ErrInjected
	}
	it, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if c.expiredLocked(it) {
		delete(c.items, key)
		return nil, false, nil
	}
	return clone(it.value), true, nil
}

// SetWithTTL stores a copy of value.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sets++
	if c.failing {
		return ErrInjected
	}
	it := item{value: clone(value)}
	if ttl > 0 {
		it.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = it
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing {
		return ErrInjected
	}
	delete(c.items, key)
	return nil
}

// TTL returns the remaining lifetime of key.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.failing {
		return 0, false, ErrInjected
	}
	it, ok := c.items[key]
	if !ok || it.expiresAt.IsZero() || c.expiredLocked(it) {
		return 0, false, nil
	}
	return it.expiresAt.Sub(c.now()), true, nil
}

// Close is a no-op.
func (c *Cache) Close() error {
	return nil
}

// Fail makes every subsequent operation return ErrInjected until Recover.
func (c *Cache) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = true
}

// Recover undoes Fail.
func (c *Cache) Recover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = false
}

// Contains reports whether a live entry exists for key, without counting
// as a Get.
func (c *Cache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[key]
	return ok && !c.expiredLocked(it)
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Calls returns how many Get and SetWithTTL calls the cache has served.
func (c *Cache) Calls() (gets, sets int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gets, c.sets
}

func (c *Cache) expiredLocked(it item) bool {
	return !it.expiresAt.IsZero() && !it.expiresAt.After(c.now())
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
