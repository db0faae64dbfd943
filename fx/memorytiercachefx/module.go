// Package memorytiercachefx provides an fx module for a cache engine over an
// in-memory L2. Useful for testing.
package memorytiercachefx

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/internal/remote/memremote"
	"github.com/discochess/tiercache/internal/stats"
	"github.com/discochess/tiercache/internal/stats/logger"
)

// Module provides an in-memory *tiercache.Engine and the *memremote.Cache
// behind it, for test setup and inspection.
// Requires a *zap.Logger to be provided.
var Module = fx.Module("memorytiercache",
	fx.Provide(
		newStatsCollector,
		newRemote,
		newEngine,
	),
)

func newStatsCollector(log *zap.Logger) stats.Collector {
	return logger.New(log.Named("tiercache.stats"))
}

func newRemote() *memremote.Cache {
	return memremote.New()
}

// Params holds dependencies for creating the engine.
type Params struct {
	fx.In

	Logger    *zap.Logger
	Collector stats.Collector
	Remote    *memremote.Cache
	Lifecycle fx.Lifecycle
}

// Result holds the provided engine.
type Result struct {
	fx.Out

	Engine *tiercache.Engine
}

func newEngine(p Params) (Result, error) {
	engine, err := tiercache.New(
		tiercache.WithRemote(p.Remote),
		tiercache.WithStats(p.Collector),
		tiercache.WithLogger(p.Logger),
	)
	if err != nil {
		return Result{}, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return engine.Close()
		},
	})

	return Result{Engine: engine}, nil
}
