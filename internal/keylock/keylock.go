// Package keylock provides per-key mutual exclusion with a lazily populated,
// reference-counted registry. Memory is bounded by the number of keys that
// are currently locked or waited on, not by the key space.
package keylock

import (
	"context"
	"sync"
)

// lockEntry is the lock for one key. sem has capacity one; holding the
// token means holding the lock.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// Registry hands out locks scoped to string keys.
// The zero value is not usable; call New.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*lockEntry)}
}

// Lock blocks until the lock for key is held or ctx is done. On success the
// returned function releases the lock; it must be called exactly once.
func (r *Registry) Lock(ctx context.Context, key string) (func(), error) {
	e := r.acquireRef(key)

	select {
	case e.sem <- struct{}{}:
		return r.unlockFunc(key, e), nil
	default:
	}

	select {
	case e.sem <- struct{}{}:
		return r.unlockFunc(key, e), nil
	case <-ctx.Done():
		r.releaseRef(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (r *Registry) TryLock(key string) (func(), bool) {
	e := r.acquireRef(key)

	select {
	case e.sem <- struct{}{}:
		return r.unlockFunc(key, e), true
	default:
		r.releaseRef(key, e)
		return nil, false
	}
}

// WithLock runs fn while holding the lock for key. The lock is released on
// every exit path, including a panic in fn.
func (r *Registry) WithLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := r.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Len returns the number of keys with a holder or a waiter.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *Registry) acquireRef(key string) *lockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.locks[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		r.locks[key] = e
	}
	e.refs++
	return e
}

func (r *Registry) releaseRef(key string, e *lockEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(r.locks, key)
	}
}

func (r *Registry) unlockFunc(key string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			r.releaseRef(key, e)
		})
	}
}
