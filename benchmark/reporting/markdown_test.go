package reporting

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/benchmark/analysis"
	"github.com/discochess/tiercache/benchmark/workload"
)

func TestMakeHistogram(t *testing.T) {
	tests := []struct {
		name      string
		data      []float64
		wantLo    float64
		wantWidth float64
		wantHist  []int
	}{
		{"empty", nil, 0, 1, []int{0, 0}},
		{"constant", []float64{3, 3, 3}, 3, 1, []int{3, 0}},
		{"spread", []float64{0, 1, 2, 3, 4}, 0, 2, []int{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, width, hist := makeHistogram(tt.data, 2)
			if lo != tt.wantLo || width != tt.wantWidth {
				t.Errorf("lo, width = %v, %v, want %v, %v", lo, width, tt.wantLo, tt.wantWidth)
			}
			for i := range hist {
				if hist[i] != tt.wantHist[i] {
					t.Errorf("hist = %v, want %v", hist, tt.wantHist)
					break
				}
			}
		})
	}
}

func TestMarkdownReport(t *testing.T) {
	var buf bytes.Buffer
	r := NewMarkdownReport(&buf)
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	base := &workload.Result{
		Name:        "l1-only",
		Latencies:   []float64{2, 2.5, 3, 2, 2.5, 3, 2, 2.5},
		LoaderCalls: 8,
		Elapsed:     time.Second,
		Metrics:     tiercache.Metrics{Misses: 8},
	}
	cand := &workload.Result{
		Name:        "two-tier",
		Latencies:   []float64{0.1, 0.1, 0.2, 0.1, 0.1, 0.2, 0.1, 0.1},
		LoaderCalls: 2,
		Elapsed:     time.Second,
		Metrics:     tiercache.Metrics{L1Hits: 4, L2Hits: 2, Misses: 2},
	}

	r.WriteHeader("Cache Benchmark")
	r.WriteWorkload(workload.Config{Workers: 4, Requests: 8, Keys: 2, Skew: 1.2})
	r.WriteSummaryTable(base, cand)
	r.WriteComparison(analysis.CompareRuns(base, cand, 200, 0.95))
	r.WriteLatencyHistogram(cand)
	r.WriteFooter()

	out := buf.String()
	for _, want := range []string{
		"# Cache Benchmark",
		"Generated: 2026-01-02T03:04:05Z",
		"Zipf (s=1.20)",
		"| two-tier | 8 |",
		"75.0%",
		"## l1-only vs two-tier",
		"**two-tier** is significantly faster",
		"two-tier Latency Distribution",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}
}
