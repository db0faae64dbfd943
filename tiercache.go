// Package tiercache provides a two-tier cache: a bounded in-process LRU (L1)
// in front of a shared remote cache (L2), with per-key stampede protection,
// tag-based invalidation and refresh-ahead.
//
// Example usage:
//
//	engine, err := tiercache.New(
//	    tiercache.WithCapacity(10_000),
//	    tiercache.WithRemote(remote),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	user, err := engine.GetOrLoad(ctx, "user:42", func(ctx context.Context) ([]byte, error) {
//	    return db.LoadUser(ctx, 42)
//	}, tiercache.WithTags("users"), tiercache.WithEarlyRefresh(0.2))
package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/discochess/tiercache/internal/keylock"
	"github.com/discochess/tiercache/internal/lrustore"
	"github.com/discochess/tiercache/internal/negcache"
	"github.com/discochess/tiercache/internal/remote"
	"github.com/discochess/tiercache/internal/tagindex"
)

// Sentinel errors for well-defined error conditions.
var (
	// ErrInvalidConfiguration indicates a rejected option or argument, such
	// as a non-positive capacity or a negative TTL.
	ErrInvalidConfiguration = errors.New("tiercache: invalid configuration")

	// ErrBackendUnavailable indicates the remote cache failed. Reads treat
	// this as an L2 miss; only writes and deletes return it.
	ErrBackendUnavailable = errors.New("tiercache: backend unavailable")

	// ErrClosed indicates the engine has been closed.
	ErrClosed = errors.New("tiercache: engine closed")

	// ErrNotFound is never returned by the engine. Loaders may return it to
	// signal that the system of record has no value for a key.
	ErrNotFound = errors.New("tiercache: not found")
)

// Loader fetches the value for a key from the system of record.
type Loader func(ctx context.Context) ([]byte, error)

// Engine is a two-tier cache.
// An Engine is safe for concurrent use by multiple goroutines.
type Engine struct {
	l1     *lrustore.Store
	remote remote.Cache
	locks  *keylock.Registry
	tags   *tagindex.Index
	neg    *negcache.Cache
	m      *metrics
	logger *zap.Logger

	l1TTL time.Duration
	l2TTL time.Duration

	refreshes *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	stop   chan struct{}
}

// New creates a new Engine with the given options.
// If no options are provided, an L1-only engine with default settings is
// returned.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	l1, err := lrustore.New(cfg.capacity, lrustore.WithClock(cfg.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	e := &Engine{
		l1:        l1,
		remote:    cfg.remote,
		locks:     keylock.New(),
		tags:      tagindex.New(),
		m:         newMetrics(cfg.stats),
		logger:    cfg.logger.Named("tiercache"),
		l1TTL:     cfg.l1TTL,
		l2TTL:     cfg.l2TTL,
		refreshes: semaphore.NewWeighted(cfg.maxRefreshes),
		stop:      make(chan struct{}),
	}
	if cfg.negativeTTL > 0 {
		e.neg = negcache.New(cfg.capacity, cfg.negativeTTL)
	}
	if cfg.sweepInterval > 0 {
		e.wg.Add(1)
		go e.janitor(cfg.sweepInterval)
	}

	e.logger.Debug("engine initialized",
		zap.Int("capacity", cfg.capacity),
		zap.Bool("remote", e.remote != nil),
		zap.Duration("l1TTL", e.l1TTL),
		zap.Duration("l2TTL", e.l2TTL),
	)

	return e, nil
}

// loadResult carries the outcome of a load back to the waiting caller.
type loadResult struct {
	value []byte
	err   error
	panic any
}

// GetOrLoad returns the value for key, trying L1, then L2, then loader.
//
// Concurrent misses for the same key are serialized: one caller runs the
// loader and the others wait on the key lock, then find the populated value.
// A loader error is returned unchanged and nothing is cached, so the next
// caller tries again.
//
// If ctx ends while the load is in flight, GetOrLoad returns ctx.Err() but
// the engine does not abort the load: it keeps running and still populates
// the cache. The loader receives ctx as given, so a loader that honors
// cancellation stops on its own; its context error is not cached, not
// remembered by the negative cache, and the next caller loads again.
func (e *Engine) GetOrLoad(ctx context.Context, key string, loader Loader, opts ...ItemOption) ([]byte, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if loader == nil {
		return nil, fmt.Errorf("%w: nil loader", ErrInvalidConfiguration)
	}
	item, err := e.resolveItem(opts)
	if err != nil {
		return nil, err
	}

	if value, ok := e.l1.Get(key); ok {
		e.m.l1Hit()
		e.maybeRefresh(ctx, key, loader, item)
		return value, nil
	}

	if value, ok := e.remoteGet(ctx, key); ok {
		e.m.l2Hit()
		e.adopt(key, value, item)
		e.maybeRefresh(ctx, key, loader, item)
		return value, nil
	}

	e.m.miss()
	if err := e.negativeLookup(key); err != nil {
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	// Another caller may have loaded the key while we waited.
	if value, ok := e.l1.Get(key); ok {
		unlock()
		e.m.coalesce()
		return value, nil
	}
	if value, ok := e.remoteGet(ctx, key); ok {
		e.adopt(key, value, item)
		unlock()
		e.m.coalesce()
		return value, nil
	}
	if err := e.negativeLookup(key); err != nil {
		unlock()
		return nil, err
	}

	if !e.track() {
		unlock()
		return nil, ErrClosed
	}
	done := make(chan loadResult, 1)
	go func() {
		defer e.wg.Done()
		r := e.loadGuarded(ctx, key, loader, item)
		unlock()
		done <- r
	}()

	select {
	case r := <-done:
		if r.panic != nil {
			panic(r.panic)
		}
		return r.value, r.err
	case <-ctx.Done():
		e.logger.Debug("caller gave up, load continues", zap.String("key", key))
		return nil, ctx.Err()
	}
}

// Set writes value to L1 and L2 without consulting a loader.
// A remote failure is returned wrapped in ErrBackendUnavailable; L1 is
// updated regardless.
func (e *Engine) Set(ctx context.Context, key string, value []byte, opts ...ItemOption) error {
	if e.isClosed() {
		return ErrClosed
	}
	item, err := e.resolveItem(opts)
	if err != nil {
		return err
	}
	return e.populate(ctx, key, value, item)
}

// Delete removes key from L1, L2 and every tag.
func (e *Engine) Delete(ctx context.Context, key string) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.deleteKey(ctx, key)
}

// DeleteByTag deletes every key cached with tag and forgets the tag. It
// returns the number of keys processed. The deletion is not atomic: remote
// failures are collected and returned together while the remaining keys are
// still deleted.
func (e *Engine) DeleteByTag(ctx context.Context, tag string) (int, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}

	keys := e.tags.KeysForTag(tag)
	var errs []error
	for _, key := range keys {
		if err := e.deleteKey(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	e.tags.RemoveTag(tag)
	e.m.setTags(e.tags.Len())

	e.logger.Debug("deleted by tag",
		zap.String("tag", tag),
		zap.Int("keys", len(keys)),
		zap.Int("failures", len(errs)),
	)
	return len(keys), errors.Join(errs...)
}

// Metrics returns a snapshot of the engine's counters.
func (e *Engine) Metrics() Metrics {
	return e.m.snapshot()
}

// Len returns the number of entries in L1, expired ones not yet removed
// included.
func (e *Engine) Len() int {
	return e.l1.Len()
}

// Close stops background work and waits for in-flight loads to finish.
// The remote cache is not closed; its owner does that.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// track registers a background goroutine. It returns false once the engine
// is closed.
func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// loadGuarded runs load, converting a loader panic into a result so the
// waiting caller can re-raise it on its own goroutine.
func (e *Engine) loadGuarded(ctx context.Context, key string, loader Loader, item itemOptions) (r loadResult) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("loader panicked", zap.String("key", key), zap.Any("panic", p))
			r = loadResult{panic: p}
		}
	}()
	value, err := e.load(ctx, key, loader, item)
	return loadResult{value: value, err: err}
}

// load calls loader and populates both tiers on success. The caller must
// hold the key lock.
func (e *Engine) load(ctx context.Context, key string, loader Loader, item itemOptions) ([]byte, error) {
	e.m.load()
	start := time.Now()
	value, err := loader(ctx)
	e.m.observeLoad(time.Since(start))

	if err != nil {
		e.m.loadError()
		if e.neg != nil && !isContextError(err) {
			e.neg.Remember(key, err)
		}
		e.logger.Debug("loader failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	// The value is worth keeping even if the caller has gone away.
	_ = e.populate(context.WithoutCancel(ctx), key, value, item)
	return value, nil
}

// populate writes value to both tiers and registers its tags. L2 is written
// first so that a value visible in L1 is already shared.
func (e *Engine) populate(ctx context.Context, key string, value []byte, item itemOptions) error {
	var err error
	if e.remote != nil {
		if rerr := e.remote.SetWithTTL(ctx, key, value, item.l2TTL); rerr != nil {
			e.backendError("set", key, rerr)
			err = fmt.Errorf("%w: setting %q: %w", ErrBackendUnavailable, key, rerr)
		}
	}

	e.adopt(key, value, item)
	if e.neg != nil {
		e.neg.Forget(key)
	}
	return err
}

// adopt caches value in L1 and files key under the call's tags.
func (e *Engine) adopt(key string, value []byte, item itemOptions) {
	e.putL1(key, value, item.l1TTL)
	if len(item.tags) > 0 {
		e.tags.Associate(key, item.tags...)
		e.m.setTags(e.tags.Len())
	}
}

func (e *Engine) deleteKey(ctx context.Context, key string) error {
	e.l1.Delete(key)
	e.m.setL1Size(e.l1.Len())
	e.tags.RemoveKey(key)
	e.m.setTags(e.tags.Len())
	if e.neg != nil {
		e.neg.Forget(key)
	}

	if e.remote == nil {
		return nil
	}
	if err := e.remote.Delete(ctx, key); err != nil {
		e.backendError("delete", key, err)
		return fmt.Errorf("%w: deleting %q: %w", ErrBackendUnavailable, key, err)
	}
	return nil
}

// putL1 stores value in L1 and accounts for any eviction. Without a remote
// an evicted key is gone for good, so its tags go with it.
func (e *Engine) putL1(key string, value []byte, ttl time.Duration) {
	evicted, ok := e.l1.Put(key, value, ttl)
	if ok {
		e.m.evict()
		if e.remote == nil {
			e.tags.RemoveKey(evicted)
			e.m.setTags(e.tags.Len())
		}
		e.logger.Debug("evicted", zap.String("key", evicted))
	}
	e.m.setL1Size(e.l1.Len())
}

// remoteGet reads key from L2. Remote failures count as a miss.
func (e *Engine) remoteGet(ctx context.Context, key string) ([]byte, bool) {
	if e.remote == nil {
		return nil, false
	}
	value, found, err := e.remote.Get(ctx, key)
	if err != nil {
		e.backendError("get", key, err)
		return nil, false
	}
	return value, found
}

// negativeLookup returns the remembered failure for key, or nil.
func (e *Engine) negativeLookup(key string) error {
	if e.neg == nil {
		return nil
	}
	return e.neg.Lookup(key)
}

func (e *Engine) backendError(op, key string, err error) {
	if isContextError(err) {
		return
	}
	e.m.backendError()
	e.logger.Warn("remote cache unavailable",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
