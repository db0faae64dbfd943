package tiercache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// maybeRefresh schedules a background reload of key when a hit finds less
// than the configured fraction of its TTL left. It never blocks the caller:
// if the refresh budget is spent or the key is already being loaded, the
// refresh is skipped.
func (e *Engine) maybeRefresh(ctx context.Context, key string, loader Loader, item itemOptions) {
	if item.refreshFraction <= 0 {
		return
	}
	if !e.dueForRefresh(ctx, key, item) {
		return
	}

	if !e.refreshes.TryAcquire(1) {
		e.logger.Debug("refresh budget exhausted", zap.String("key", key))
		return
	}
	unlock, ok := e.locks.TryLock(key)
	if !ok {
		e.refreshes.Release(1)
		return
	}
	if !e.track() {
		unlock()
		e.refreshes.Release(1)
		return
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		defer e.refreshes.Release(1)
		defer unlock()

		// A load may have completed between the check and the lock.
		if !e.dueForRefresh(bg, key, item) {
			return
		}
		e.m.refresh()
		if _, err := e.load(bg, key, loader, item); err != nil {
			e.logger.Warn("refresh-ahead failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// dueForRefresh reports whether key has less than the refresh fraction of
// its TTL left. L2 is authoritative when configured; otherwise the L1 entry
// is checked. Keys without an expiry are never due.
func (e *Engine) dueForRefresh(ctx context.Context, key string, item itemOptions) bool {
	var remaining, total time.Duration
	var known bool

	if e.remote != nil {
		rem, ok, err := e.remote.TTL(ctx, key)
		if err != nil {
			e.backendError("ttl", key, err)
			return false
		}
		remaining, total, known = rem, item.l2TTL, ok
	} else {
		remaining, known = e.l1.Remaining(key)
		total = item.l1TTL
	}

	if !known || total <= 0 {
		return false
	}
	threshold := time.Duration(item.refreshFraction * float64(total))
	return remaining < threshold
}
