package analysis

import (
	"fmt"

	"github.com/discochess/tiercache/benchmark/workload"
)

// RunComparison is a statistical comparison of two workload runs' latencies.
type RunComparison struct {
	Baseline        string
	Candidate       string
	BaselineStats   *LatencyStats
	CandidateStats  *LatencyStats
	MannWhitney     *MannWhitneyResult
	EffectSize      *EffectSize
	BootstrapCI     *BootstrapResult
	Faster          string // Name of the run with the lower mean, or "tie".
	FasterConfident bool   // True if the difference is significant.
}

// CompareRuns compares candidate against baseline.
func CompareRuns(baseline, candidate *workload.Result, bootstrapIterations int, confidence float64) *RunComparison {
	a, b := baseline.Latencies, candidate.Latencies
	mw := MannWhitneyU(a, b)

	c := &RunComparison{
		Baseline:       baseline.Name,
		Candidate:      candidate.Name,
		BaselineStats:  Describe(a),
		CandidateStats: Describe(b),
		MannWhitney:    mw,
		EffectSize:     ComputeEffectSize(a, b),
		BootstrapCI:    BootstrapConfidenceInterval(a, b, bootstrapIterations, confidence, 1),
	}

	switch {
	case c.BaselineStats.Mean < c.CandidateStats.Mean:
		c.Faster, c.FasterConfident = baseline.Name, mw.Significant
	case c.CandidateStats.Mean < c.BaselineStats.Mean:
		c.Faster, c.FasterConfident = candidate.Name, mw.Significant
	default:
		c.Faster = "tie"
	}
	return c
}

// Summary returns a human-readable summary of the comparison.
func (c *RunComparison) Summary() string {
	sig := "not statistically significant"
	if c.MannWhitney.Significant {
		sig = fmt.Sprintf("statistically significant (p=%.4f)", c.MannWhitney.PValue)
	}

	return fmt.Sprintf(
		"%s vs %s:\n"+
			"  %s: mean=%.3fms, p50=%.3fms, p99=%.3fms\n"+
			"  %s: mean=%.3fms, p50=%.3fms, p99=%.3fms\n"+
			"  Difference: %.3fms (%.1f%%)\n"+
			"  Effect size: %.2f (%s)\n"+
			"  Faster: %s, %s",
		c.Baseline, c.Candidate,
		c.Baseline, c.BaselineStats.Mean, c.BaselineStats.P50, c.BaselineStats.P99,
		c.Candidate, c.CandidateStats.Mean, c.CandidateStats.P50, c.CandidateStats.P99,
		c.BaselineStats.Mean-c.CandidateStats.Mean,
		pctDiff(c.BaselineStats.Mean, c.CandidateStats.Mean),
		c.EffectSize.CohensD, c.EffectSize.Interpretation,
		c.Faster, sig,
	)
}

func pctDiff(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return (a - b) / b * 100
}
