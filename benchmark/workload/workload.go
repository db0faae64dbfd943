// Package workload drives a cache engine with concurrent, skewed key traffic
// and records what happened.
package workload

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/discochess/tiercache"
)

// Config describes a workload run.
type Config struct {
	// Name labels the run in reports.
	Name string

	// Workers is the number of concurrent callers.
	Workers int

	// Requests is the total number of GetOrLoad calls across all workers.
	Requests int

	// Keys is the size of the key space.
	Keys int

	// Skew is the Zipf exponent s (> 1). Higher values concentrate traffic
	// on fewer keys. Zero draws keys uniformly.
	Skew float64

	// LoadDelay is how long the simulated system of record takes per load.
	LoadDelay time.Duration

	// ValueSize is the size in bytes of each loaded value.
	ValueSize int

	// Seed makes key sequences reproducible.
	Seed uint64
}

// Result holds the outcome of a run.
type Result struct {
	Name string

	// Latencies are per-request durations in milliseconds, in completion
	// order.
	Latencies []float64

	// LoaderCalls counts invocations of the simulated source.
	LoaderCalls int64

	// Errors counts failed requests.
	Errors int64

	Elapsed time.Duration
	Metrics tiercache.Metrics
}

// Throughput returns completed requests per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(len(r.Latencies)) / r.Elapsed.Seconds()
}

// Keys generates n key names drawn from a key space of size keys, following
// a Zipf distribution when skew > 1 and a uniform one otherwise.
func Keys(n, keys int, skew float64, seed uint64) []string {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	var next func() uint64
	if skew > 1 && keys > 1 {
		z := rand.NewZipf(rng, skew, 1, uint64(keys-1))
		next = z.Uint64
	} else {
		next = func() uint64 { return uint64(rng.IntN(max(keys, 1))) }
	}

	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("key:%06d", next())
	}
	return out
}

// Run executes cfg against engine. Requests are split evenly across workers;
// the first worker error, if any, is returned after all workers stop.
func Run(ctx context.Context, engine *tiercache.Engine, cfg Config) (*Result, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	keys := Keys(cfg.Requests, cfg.Keys, cfg.Skew, cfg.Seed)
	value := make([]byte, cfg.ValueSize)

	var calls, failures atomic.Int64
	loaderFor := func(key string) tiercache.Loader {
		return func(ctx context.Context) ([]byte, error) {
			calls.Add(1)
			if cfg.LoadDelay > 0 {
				select {
				case <-time.After(cfg.LoadDelay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return value, nil
		}
	}

	var mu sync.Mutex
	latencies := make([]float64, 0, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		g.Go(func() error {
			local := make([]float64, 0, len(keys)/cfg.Workers+1)
			for i := w; i < len(keys); i += cfg.Workers {
				key := keys[i]
				t0 := time.Now()
				_, err := engine.GetOrLoad(ctx, key, loaderFor(key))
				if err != nil {
					failures.Add(1)
					if ctx.Err() != nil {
						return ctx.Err()
					}
					continue
				}
				local = append(local, float64(time.Since(t0).Microseconds())/1000)
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	return &Result{
		Name:        cfg.Name,
		Latencies:   latencies,
		LoaderCalls: calls.Load(),
		Errors:      failures.Load(),
		Elapsed:     time.Since(start),
		Metrics:     engine.Metrics(),
	}, err
}
