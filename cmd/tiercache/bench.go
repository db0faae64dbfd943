package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/benchmark/analysis"
	"github.com/discochess/tiercache/benchmark/reporting"
	"github.com/discochess/tiercache/benchmark/workload"
	"github.com/discochess/tiercache/internal/codec/codecs"
	"github.com/discochess/tiercache/internal/remote/diskremote"
	promstats "github.com/discochess/tiercache/internal/stats/prometheus"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive the cache with concurrent skewed traffic",
	Long: `bench runs concurrent GetOrLoad workers over a key space against a
simulated slow source and reports loader invocations, hit rates and latency.

The shared tier lives in a fresh temporary directory so that runs do not
touch --dir. With --baseline an L1-only engine of the same capacity is run
first and the two runs are compared.

Examples:
  # Default run
  tiercache bench

  # Compare against an L1-only cache and write a Markdown report
  tiercache bench --baseline --format markdown --output report.md

  # Expose Prometheus metrics while the run is in progress
  tiercache bench --requests 1000000 --metrics-addr :9090`,
	RunE: runBench,
}

var (
	benchCfg      workload.Config
	benchBaseline bool
	benchFormat   string
	benchOutput   string
	metricsAddr   string
)

func init() {
	f := benchCmd.Flags()
	f.IntVar(&benchCfg.Workers, "workers", 16, "concurrent callers")
	f.IntVar(&benchCfg.Requests, "requests", 20000, "total GetOrLoad calls")
	f.IntVar(&benchCfg.Keys, "keys", 2000, "size of the key space")
	f.Float64Var(&benchCfg.Skew, "skew", 1.1, "Zipf exponent (> 1); 0 for uniform keys")
	f.DurationVar(&benchCfg.LoadDelay, "load-delay", 2*time.Millisecond, "simulated source latency per load")
	f.IntVar(&benchCfg.ValueSize, "value-size", 512, "bytes per value")
	f.Uint64Var(&benchCfg.Seed, "seed", 1, "key sequence seed")
	f.BoolVar(&benchBaseline, "baseline", false, "also run an L1-only engine and compare")
	f.StringVarP(&benchFormat, "format", "f", "text", "output format: text, markdown")
	f.StringVarP(&benchOutput, "output", "o", "", "output file (default: stdout)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchFormat != "text" && benchFormat != "markdown" {
		return fmt.Errorf("unknown format %q (want text or markdown)", benchFormat)
	}
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	registry := prometheus.NewRegistry()
	if metricsAddr != "" {
		stop := serveMetrics(metricsAddr, registry, logger)
		defer stop()
	}

	var results []*workload.Result
	if benchBaseline {
		res, err := benchRun(ctx, "l1-only", false, registry, logger)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	res, err := benchRun(ctx, "two-tier", true, registry, logger)
	if err != nil {
		return err
	}
	results = append(results, res)

	var w io.Writer = os.Stdout
	if benchOutput != "" {
		file, err := os.Create(benchOutput)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer file.Close()
		w = file
	}

	if benchFormat == "markdown" {
		writeMarkdownReport(w, results)
	} else {
		writeTextReport(w, results)
	}
	return nil
}

// benchRun runs the configured workload against a fresh engine. With
// twoTier set the engine gets a disk-backed shared tier in a temporary
// directory.
func benchRun(ctx context.Context, name string, twoTier bool, registry prometheus.Registerer, logger *zap.Logger) (*workload.Result, error) {
	opts := []tiercache.Option{
		tiercache.WithCapacity(capacity),
		tiercache.WithLogger(logger),
		tiercache.WithStats(promstats.New(registry, promstats.WithConstLabels(prometheus.Labels{"run": name}))),
	}

	if twoTier {
		dir, err := os.MkdirTemp("", "tiercache-bench-")
		if err != nil {
			return nil, fmt.Errorf("creating bench directory: %w", err)
		}
		defer os.RemoveAll(dir)

		c, err := codecs.ByName(codecName)
		if err != nil {
			return nil, err
		}
		st, err := diskremote.New(dir, c)
		if err != nil {
			return nil, fmt.Errorf("opening bench directory: %w", err)
		}
		defer st.Close()
		opts = append(opts, tiercache.WithRemote(st))
	}

	engine, err := tiercache.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	defer engine.Close()

	cfg := benchCfg
	cfg.Name = name
	logger.Info("starting bench run", zap.String("run", name), zap.Int("workers", cfg.Workers), zap.Int("requests", cfg.Requests))

	res, err := workload.Run(ctx, engine, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s run: %w", name, err)
	}
	return res, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func writeTextReport(w io.Writer, results []*workload.Result) {
	fmt.Fprintln(w, "Benchmark Results")
	fmt.Fprintln(w, "=================")
	fmt.Fprintln(w)

	for _, res := range results {
		s := analysis.Describe(res.Latencies)
		m := res.Metrics
		fmt.Fprintf(w, "%s:\n", res.Name)
		fmt.Fprintf(w, "  Requests:       %d in %s (%.0f req/s)\n", len(res.Latencies), res.Elapsed.Round(time.Millisecond), res.Throughput())
		fmt.Fprintf(w, "  Loader calls:   %d\n", res.LoaderCalls)
		fmt.Fprintf(w, "  Errors:         %d\n", res.Errors)
		fmt.Fprintf(w, "  Hits:           L1 %d, L2 %d, misses %d (%.1f%%)\n", m.L1Hits, m.L2Hits, m.Misses, m.HitRate()*100)
		fmt.Fprintf(w, "  Evictions:      %d\n", m.Evictions)
		fmt.Fprintf(w, "  Coalesced:      %d\n", m.Coalesced)
		fmt.Fprintf(w, "  Latency (ms):   mean %.3f, stddev %.3f, p50 %.3f, p99 %.3f\n", s.Mean, s.StdDev, s.P50, s.P99)
		fmt.Fprintln(w)
	}

	if len(results) == 2 {
		comp := analysis.CompareRuns(results[0], results[1], 1000, 0.95)
		fmt.Fprintln(w, "Comparison")
		fmt.Fprintln(w, "----------")
		fmt.Fprintln(w, comp.Summary())
	}
}

func writeMarkdownReport(w io.Writer, results []*workload.Result) {
	report := reporting.NewMarkdownReport(w)
	report.WriteHeader("tiercache Benchmark Report")
	report.WriteWorkload(benchCfg)
	report.WriteSummaryTable(results...)

	if len(results) == 2 {
		report.WriteComparison(analysis.CompareRuns(results[0], results[1], 1000, 0.95))
	}
	for _, res := range results {
		report.WriteLatencyHistogram(res)
	}
	report.WriteFooter()
}
