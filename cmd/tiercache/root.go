package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/internal/codec/codecs"
	"github.com/discochess/tiercache/internal/remote/diskremote"
)

var (
	// Global flags.
	cacheDir  string
	capacity  int
	codecName string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "tiercache",
	Short: "Inspect and exercise a two-tier cache",
	Long: `tiercache operates a two-tier cache whose shared tier is a directory of
compressed entry files. Several processes pointing at the same directory
share their cached values.

Examples:
  # Store and read back a value
  tiercache set user:42 '{"name":"ada"}' --ttl 10m
  tiercache get user:42

  # Show what the shared tier holds
  tiercache stats

  # Measure the cache under concurrent skewed traffic
  tiercache bench --workers 32 --requests 100000 --keys 5000`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cacheDir, "dir", "d", "./cache", "directory holding the shared cache tier")
	rootCmd.PersistentFlags().IntVar(&capacity, "capacity", 1024, "number of entries held in the local tier")
	rootCmd.PersistentFlags().StringVar(&codecName, "codec", codecs.Default, "entry compression: zstd, gzip or none")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func newLogger() (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

// openRemote opens the shared tier at --dir.
func openRemote() (*diskremote.Store, error) {
	c, err := codecs.ByName(codecName)
	if err != nil {
		return nil, err
	}
	st, err := diskremote.New(cacheDir, c)
	if err != nil {
		return nil, fmt.Errorf("opening cache directory: %w", err)
	}
	return st, nil
}

// openEngine opens the shared tier and an engine in front of it. The
// returned close function closes both.
func openEngine(opts ...tiercache.Option) (*tiercache.Engine, func(), error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	st, err := openRemote()
	if err != nil {
		return nil, nil, err
	}

	opts = append([]tiercache.Option{
		tiercache.WithCapacity(capacity),
		tiercache.WithRemote(st),
		tiercache.WithLogger(logger),
	}, opts...)
	engine, err := tiercache.New(opts...)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("creating engine: %w", err)
	}

	return engine, func() {
		engine.Close()
		st.Close()
		_ = logger.Sync()
	}, nil
}
