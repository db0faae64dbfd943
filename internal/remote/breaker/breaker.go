// Package breaker wraps a remote.Cache in a circuit breaker so that a failing
// backend is skipped quickly instead of being waited on by every request.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/remote"
)

// Compile-time check that Cache implements remote.Cache.
var _ remote.Cache = (*Cache)(nil)

// Cache is a remote.Cache guarded by a circuit breaker.
type Cache struct {
	inner remote.Cache
	cb    *gobreaker.CircuitBreaker
}

type config struct {
	name        string
	failures    uint32
	openTimeout time.Duration
	interval    time.Duration
	maxRequests uint32
	logger      *zap.Logger
}

// Option configures a Cache.
type Option func(*config)

// WithName sets the breaker name used in logs.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithConsecutiveFailures sets how many failures in a row open the breaker.
// Default is 5.
func WithConsecutiveFailures(n uint32) Option {
	return func(c *config) { c.failures = n }
}

// WithOpenTimeout sets how long the breaker stays open before letting a
// probe through. Default is 30s.
func WithOpenTimeout(d time.Duration) Option {
	return func(c *config) { c.openTimeout = d }
}

// WithInterval sets the cyclic period after which failure counts are
// cleared while closed. Zero never clears them.
func WithInterval(d time.Duration) Option {
	return func(c *config) { c.interval = d }
}

// WithLogger sets the logger for state changes.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New wraps inner in a circuit breaker.
func New(inner remote.Cache, opts ...Option) *Cache {
	cfg := config{
		name:        "remote",
		failures:    5,
		openTimeout: 30 * time.Second,
		maxRequests: 1,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger.Named("breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.name,
		MaxRequests: cfg.maxRequests,
		Interval:    cfg.interval,
		Timeout:     cfg.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
		// A caller giving up says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &Cache{inner: inner, cb: cb}
}

// State returns the breaker's current state.
func (c *Cache) State() gobreaker.State {
	return c.cb.State()
}

// Get reads key through the breaker.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var found bool
	v, err := c.execute(func() (any, error) {
		value, ok, err := c.inner.Get(ctx, key)
		found = ok
		return value, err
	})
	if err != nil {
		return nil, false, err
	}
	value, _ := v.([]byte)
	return value, found, nil
}

// SetWithTTL writes key through the breaker.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.execute(func() (any, error) {
		return nil, c.inner.SetWithTTL(ctx, key, value, ttl)
	})
	return err
}

// Delete removes key through the breaker.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.execute(func() (any, error) {
		return nil, c.inner.Delete(ctx, key)
	})
	return err
}

// TTL reads the remaining lifetime of key through the breaker.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var known bool
	v, err := c.execute(func() (any, error) {
		rem, ok, err := c.inner.TTL(ctx, key)
		known = ok
		return rem, err
	})
	if err != nil {
		return 0, false, err
	}
	rem, _ := v.(time.Duration)
	return rem, known, nil
}

// Close closes the wrapped cache. It bypasses the breaker.
func (c *Cache) Close() error {
	return c.inner.Close()
}

func (c *Cache) execute(fn func() (any, error)) (any, error) {
	v, err := c.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", remote.ErrUnavailable, err)
	}
	return v, err
}
