package tiercache

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/remote"
	"github.com/discochess/tiercache/internal/stats"
)

// Option configures an Engine.
type Option interface {
	apply(*options)
}

// options holds the engine configuration.
type options struct {
	capacity      int
	remote        remote.Cache
	l1TTL         time.Duration
	l2TTL         time.Duration
	stats         stats.Collector
	logger        *zap.Logger
	negativeTTL   time.Duration
	maxRefreshes  int64
	sweepInterval time.Duration
	now           func() time.Time
}

// defaultOptions returns the default configuration.
func defaultOptions() options {
	return options{
		capacity:     1024,
		l1TTL:        5 * time.Minute,
		l2TTL:        time.Hour,
		stats:        stats.NewNoop(),
		logger:       zap.NewNop(),
		maxRefreshes: 16,
		now:          time.Now,
	}
}

func (o *options) validate() error {
	switch {
	case o.l1TTL < 0:
		return fmt.Errorf("%w: negative default L1 TTL %v", ErrInvalidConfiguration, o.l1TTL)
	case o.l2TTL < 0:
		return fmt.Errorf("%w: negative default L2 TTL %v", ErrInvalidConfiguration, o.l2TTL)
	case o.negativeTTL < 0:
		return fmt.Errorf("%w: negative negative-cache TTL %v", ErrInvalidConfiguration, o.negativeTTL)
	case o.maxRefreshes < 1:
		return fmt.Errorf("%w: max refreshes must be positive, got %d", ErrInvalidConfiguration, o.maxRefreshes)
	case o.sweepInterval < 0:
		return fmt.Errorf("%w: negative sweep interval %v", ErrInvalidConfiguration, o.sweepInterval)
	}
	return nil
}

// optionFunc wraps a function to implement Option.
type optionFunc func(*options)

// Compile-time check that optionFunc implements Option.
var _ Option = optionFunc(nil)

func (f optionFunc) apply(o *options) { f(o) }

// WithCapacity sets the maximum number of entries held in L1.
// Default is 1024.
func WithCapacity(n int) Option {
	return optionFunc(func(o *options) {
		o.capacity = n
	})
}

// WithRemote sets the shared L2 cache. Without one the engine runs L1 only.
// The engine does not close the remote.
func WithRemote(r remote.Cache) Option {
	return optionFunc(func(o *options) {
		o.remote = r
	})
}

// WithDefaultL1TTL sets the L1 TTL used when a call does not give one.
// Default is 5 minutes. Zero means entries expire only by eviction.
func WithDefaultL1TTL(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.l1TTL = d
	})
}

// WithDefaultL2TTL sets the L2 TTL used when a call does not give one.
// Default is 1 hour.
func WithDefaultL2TTL(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.l2TTL = d
	})
}

// WithStats sets the stats collector.
// If not set, a no-op collector is used.
func WithStats(c stats.Collector) Option {
	return optionFunc(func(o *options) {
		o.stats = c
	})
}

// WithLogger sets the logger.
// If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}

// WithNegativeTTL remembers loader failures for d, returning the remembered
// error instead of calling the loader again. Disabled by default, so a
// failed load is retried by the next caller.
func WithNegativeTTL(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.negativeTTL = d
	})
}

// WithMaxRefreshes bounds the number of refresh-ahead loads running at once.
// Default is 16.
func WithMaxRefreshes(n int) Option {
	return optionFunc(func(o *options) {
		o.maxRefreshes = int64(n)
	})
}

// WithSweepInterval starts a background janitor that drops expired L1
// entries every d. Disabled by default; expired entries are otherwise
// removed when read or evicted.
func WithSweepInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.sweepInterval = d
	})
}

// WithClock overrides the time source for L1 expiry.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *options) {
		o.now = now
	})
}

// ItemOption configures a single GetOrLoad or Set call.
type ItemOption func(*itemOptions)

type itemOptions struct {
	l1TTL           time.Duration
	l2TTL           time.Duration
	tags            []string
	refreshFraction float64
}

// WithL1TTL sets how long the value stays in L1. Zero means no expiry.
func WithL1TTL(d time.Duration) ItemOption {
	return func(o *itemOptions) { o.l1TTL = d }
}

// WithL2TTL sets how long the value stays in L2. Zero means no expiry.
func WithL2TTL(d time.Duration) ItemOption {
	return func(o *itemOptions) { o.l2TTL = d }
}

// WithTTL sets both the L1 and L2 TTL.
func WithTTL(d time.Duration) ItemOption {
	return func(o *itemOptions) {
		o.l1TTL = d
		o.l2TTL = d
	}
}

// WithTags labels the value for DeleteByTag. Repeated calls accumulate.
func WithTags(tags ...string) ItemOption {
	return func(o *itemOptions) { o.tags = append(o.tags, tags...) }
}

// WithEarlyRefresh reloads the value in the background once a read finds
// less than fraction of its TTL left. The current value is still returned.
// Zero disables refresh-ahead.
func WithEarlyRefresh(fraction float64) ItemOption {
	return func(o *itemOptions) { o.refreshFraction = fraction }
}

// resolveItem resolves per-call options against the engine defaults.
func (e *Engine) resolveItem(opts []ItemOption) (itemOptions, error) {
	item := itemOptions{
		l1TTL: e.l1TTL,
		l2TTL: e.l2TTL,
	}
	for _, opt := range opts {
		opt(&item)
	}

	switch {
	case item.l1TTL < 0:
		return item, fmt.Errorf("%w: negative L1 TTL %v", ErrInvalidConfiguration, item.l1TTL)
	case item.l2TTL < 0:
		return item, fmt.Errorf("%w: negative L2 TTL %v", ErrInvalidConfiguration, item.l2TTL)
	case !(item.refreshFraction >= 0 && item.refreshFraction <= 1):
		return item, fmt.Errorf("%w: early refresh fraction %v outside [0, 1]", ErrInvalidConfiguration, item.refreshFraction)
	}
	return item, nil
}
