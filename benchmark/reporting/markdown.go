// Package reporting renders benchmark results as Markdown.
package reporting

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/discochess/tiercache/benchmark/analysis"
	"github.com/discochess/tiercache/benchmark/workload"
)

// MarkdownReport writes benchmark reports in Markdown format.
type MarkdownReport struct {
	w   io.Writer
	now func() time.Time
}

// NewMarkdownReport creates a new Markdown report writer.
func NewMarkdownReport(w io.Writer) *MarkdownReport {
	return &MarkdownReport{w: w, now: time.Now}
}

// WriteHeader writes the report header.
func (r *MarkdownReport) WriteHeader(title string) {
	fmt.Fprintf(r.w, "# %s\n\n", title)
	fmt.Fprintf(r.w, "Generated: %s\n\n", r.now().Format(time.RFC3339))
}

// WriteWorkload describes the traffic the runs were driven with.
func (r *MarkdownReport) WriteWorkload(cfg workload.Config) {
	fmt.Fprintln(r.w, "## Workload")
	fmt.Fprintln(r.w)
	fmt.Fprintf(r.w, "- **Workers:** %d\n", cfg.Workers)
	fmt.Fprintf(r.w, "- **Requests:** %d\n", cfg.Requests)
	fmt.Fprintf(r.w, "- **Key space:** %d\n", cfg.Keys)
	if cfg.Skew > 1 {
		fmt.Fprintf(r.w, "- **Distribution:** Zipf (s=%.2f)\n", cfg.Skew)
	} else {
		fmt.Fprintln(r.w, "- **Distribution:** uniform")
	}
	fmt.Fprintf(r.w, "- **Load delay:** %s\n", cfg.LoadDelay)
	fmt.Fprintf(r.w, "- **Value size:** %d bytes\n", cfg.ValueSize)
	fmt.Fprintln(r.w)
}

// WriteSummaryTable writes one row per run, in the order given.
func (r *MarkdownReport) WriteSummaryTable(results ...*workload.Result) {
	fmt.Fprintln(r.w, "## Summary")
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, "| Run | Req/s | p50 ms | p99 ms | Hit Rate | Loader Calls | Coalesced | Errors |")
	fmt.Fprintln(r.w, "|-----|-------|--------|--------|----------|--------------|-----------|--------|")

	for _, res := range results {
		s := analysis.Describe(res.Latencies)
		fmt.Fprintf(r.w, "| %s | %.0f | %.3f | %.3f | %.1f%% | %d | %d | %d |\n",
			res.Name, res.Throughput(), s.P50, s.P99,
			res.Metrics.HitRate()*100, res.LoaderCalls, res.Metrics.Coalesced, res.Errors)
	}
	fmt.Fprintln(r.w)
}

// WriteComparison writes a detailed comparison section.
func (r *MarkdownReport) WriteComparison(comp *analysis.RunComparison) {
	fmt.Fprintf(r.w, "## %s vs %s\n\n", comp.Baseline, comp.Candidate)

	fmt.Fprintln(r.w, "### Latency (ms)")
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, "| Metric | "+comp.Baseline+" | "+comp.Candidate+" |")
	fmt.Fprintln(r.w, "|--------|"+strings.Repeat("-", len(comp.Baseline)+2)+"|"+strings.Repeat("-", len(comp.Candidate)+2)+"|")
	a, b := comp.BaselineStats, comp.CandidateStats
	fmt.Fprintf(r.w, "| Mean | %.3f | %.3f |\n", a.Mean, b.Mean)
	fmt.Fprintf(r.w, "| p50 | %.3f | %.3f |\n", a.P50, b.P50)
	fmt.Fprintf(r.w, "| p90 | %.3f | %.3f |\n", a.P90, b.P90)
	fmt.Fprintf(r.w, "| p99 | %.3f | %.3f |\n", a.P99, b.P99)
	fmt.Fprintf(r.w, "| Max | %.3f | %.3f |\n", a.Max, b.Max)
	fmt.Fprintln(r.w)

	fmt.Fprintln(r.w, "### Statistical Analysis")
	fmt.Fprintln(r.w)
	fmt.Fprintf(r.w, "- **Mann-Whitney U:** %.2f (z=%.2f, p=%.4f)\n",
		comp.MannWhitney.U, comp.MannWhitney.Z, comp.MannWhitney.PValue)
	fmt.Fprintf(r.w, "- **Effect size (Cohen's d):** %.2f (%s)\n",
		comp.EffectSize.CohensD, comp.EffectSize.Interpretation)
	fmt.Fprintf(r.w, "- **%.0f%% CI for mean difference:** [%.3f, %.3f] ms\n",
		comp.BootstrapCI.Confidence*100, comp.BootstrapCI.LowerBound, comp.BootstrapCI.UpperBound)
	fmt.Fprintln(r.w)

	fmt.Fprintln(r.w, "### Conclusion")
	fmt.Fprintln(r.w)
	if comp.FasterConfident {
		fmt.Fprintf(r.w, "**%s** is significantly faster than %s ",
			comp.Faster, other(comp.Faster, comp.Baseline, comp.Candidate))
		fmt.Fprintf(r.w, "(p < 0.05, effect size: %s).\n", comp.EffectSize.Interpretation)
	} else {
		fmt.Fprintln(r.w, "No statistically significant latency difference detected (p >= 0.05).")
	}
	fmt.Fprintln(r.w)
}

func other(name, a, b string) string {
	if name == a {
		return b
	}
	return a
}

// WriteLatencyHistogram writes an ASCII histogram of a run's latencies.
func (r *MarkdownReport) WriteLatencyHistogram(res *workload.Result) {
	fmt.Fprintf(r.w, "### %s Latency Distribution\n\n", res.Name)
	fmt.Fprintln(r.w, "```")

	lo, width, hist := makeHistogram(res.Latencies, 10)
	maxCount := 0
	for _, count := range hist {
		maxCount = max(maxCount, count)
	}

	const barWidth = 40
	for i, count := range hist {
		barLen := 0
		if maxCount > 0 {
			barLen = count * barWidth / maxCount
		}
		from := lo + float64(i)*width
		fmt.Fprintf(r.w, "%8.3f-%8.3f │ %s %d\n", from, from+width, strings.Repeat("█", barLen), count)
	}

	fmt.Fprintln(r.w, "```")
	fmt.Fprintln(r.w)
}

// makeHistogram buckets data into n equal-width bins and returns the lower
// bound, the bin width and the counts.
func makeHistogram(data []float64, n int) (lo, width float64, hist []int) {
	hist = make([]int, n)
	if len(data) == 0 {
		return 0, 1, hist
	}

	lo, hi := data[0], data[0]
	for _, v := range data {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	width = (hi - lo) / float64(n)
	if width == 0 {
		width = 1
	}

	for _, v := range data {
		i := int((v - lo) / width)
		if i >= n {
			i = n - 1
		}
		hist[i]++
	}
	return lo, width, hist
}

// WriteFooter writes the report footer.
func (r *MarkdownReport) WriteFooter() {
	fmt.Fprintln(r.w, "---")
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, "*Generated by tiercache bench*")
}
