package tiercache

import (
	"time"

	"go.uber.org/zap"
)

// janitor periodically drops expired L1 entries until the engine is closed.
func (e *Engine) janitor(interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) sweep() {
	expired := e.l1.Sweep()
	if len(expired) == 0 {
		return
	}
	if e.remote == nil {
		for _, key := range expired {
			e.tags.RemoveKey(key)
		}
		e.m.setTags(e.tags.Len())
	}
	e.m.setL1Size(e.l1.Len())
	e.logger.Debug("swept expired entries", zap.Int("count", len(expired)))
}
