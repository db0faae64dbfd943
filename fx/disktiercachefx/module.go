// Package disktiercachefx provides an fx module for a cache engine whose L2 is
// a directory shared by every process that mounts it.
package disktiercachefx

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/internal/codec/codecs"
	"github.com/discochess/tiercache/internal/remote"
	"github.com/discochess/tiercache/internal/remote/breaker"
	"github.com/discochess/tiercache/internal/remote/diskremote"
	"github.com/discochess/tiercache/internal/stats"
	"github.com/discochess/tiercache/internal/stats/logger"
)

// Config holds configuration for the disk-backed engine.
type Config struct {
	// Dir is the L2 root directory. It must exist.
	Dir string

	// Codec names the L2 compression: "zstd" (default), "gzip" or "none".
	Codec string

	// Shards is the number of L2 shard directories.
	// Default is 256.
	Shards int

	// Capacity is the number of entries held in L1.
	// Default is 1024.
	Capacity int

	// L1TTL and L2TTL are the default TTLs. Zero keeps the engine defaults.
	L1TTL time.Duration
	L2TTL time.Duration

	// BreakerFailures opens a circuit breaker around L2 after this many
	// consecutive failures. Zero disables the breaker.
	BreakerFailures uint32
}

// Module provides a disk-backed *tiercache.Engine.
// Requires a Config and a *zap.Logger to be provided.
var Module = fx.Module("disktiercache",
	fx.Provide(
		newStatsCollector,
		newEngine,
	),
)

func newStatsCollector(log *zap.Logger) stats.Collector {
	return logger.New(log.Named("tiercache.stats"))
}

// Params holds dependencies for creating the engine.
type Params struct {
	fx.In

	Config    Config
	Logger    *zap.Logger
	Collector stats.Collector
	Lifecycle fx.Lifecycle
}

// Result holds the provided engine.
type Result struct {
	fx.Out

	Engine *tiercache.Engine
}

func newEngine(p Params) (Result, error) {
	if p.Config.Dir == "" {
		return Result{}, errors.New("disktiercachefx: Config.Dir is required")
	}

	c, err := codecs.ByName(p.Config.Codec)
	if err != nil {
		return Result{}, err
	}

	var diskOpts []diskremote.Option
	if p.Config.Shards > 0 {
		diskOpts = append(diskOpts, diskremote.WithShards(p.Config.Shards))
	}
	disk, err := diskremote.New(p.Config.Dir, c, diskOpts...)
	if err != nil {
		return Result{}, err
	}

	var l2 remote.Cache = disk
	if p.Config.BreakerFailures > 0 {
		l2 = breaker.New(disk,
			breaker.WithName("disk"),
			breaker.WithConsecutiveFailures(p.Config.BreakerFailures),
			breaker.WithLogger(p.Logger),
		)
	}

	opts := []tiercache.Option{
		tiercache.WithRemote(l2),
		tiercache.WithStats(p.Collector),
		tiercache.WithLogger(p.Logger),
	}
	if p.Config.Capacity > 0 {
		opts = append(opts, tiercache.WithCapacity(p.Config.Capacity))
	}
	if p.Config.L1TTL > 0 {
		opts = append(opts, tiercache.WithDefaultL1TTL(p.Config.L1TTL))
	}
	if p.Config.L2TTL > 0 {
		opts = append(opts, tiercache.WithDefaultL2TTL(p.Config.L2TTL))
	}

	engine, err := tiercache.New(opts...)
	if err != nil {
		return Result{}, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return errors.Join(engine.Close(), l2.Close())
		},
	})

	return Result{Engine: engine}, nil
}
