// Package analysis provides statistics over benchmark latency samples.
package analysis

import (
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// LatencyStats summarizes a latency sample. Values carry the sample's unit,
// milliseconds for workload results.
type LatencyStats struct {
	N      int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	P50    float64
	P90    float64
	P99    float64
}

// Describe computes summary statistics for a sample.
func Describe(sample []float64) *LatencyStats {
	if len(sample) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(sample)
	slices.Sort(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) == 1 {
		std = 0
	}

	return &LatencyStats{
		N:      len(sorted),
		Mean:   mean,
		StdDev: std,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		P50:    stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P90:    stat.Quantile(0.90, stat.Empirical, sorted, nil),
		P99:    stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}
}

// MannWhitneyResult contains the result of a Mann-Whitney U test.
type MannWhitneyResult struct {
	U           float64 // U statistic.
	Z           float64 // Z score (normal approximation).
	PValue      float64 // Two-tailed p-value.
	Significant bool    // True if p < 0.05.
}

// MannWhitneyU tests whether two samples come from different distributions.
// Latencies are heavy-tailed, so a rank test is used instead of a t-test.
func MannWhitneyU(a, b []float64) *MannWhitneyResult {
	n1, n2 := float64(len(a)), float64(len(b))
	if n1 == 0 || n2 == 0 {
		return &MannWhitneyResult{PValue: 1}
	}

	type obs struct {
		v     float64
		fromA bool
	}
	all := make([]obs, 0, len(a)+len(b))
	for _, v := range a {
		all = append(all, obs{v, true})
	}
	for _, v := range b {
		all = append(all, obs{v, false})
	}
	slices.SortFunc(all, func(x, y obs) int {
		switch {
		case x.v < y.v:
			return -1
		case x.v > y.v:
			return 1
		}
		return 0
	})

	// Tied values share the average of their ranks.
	var rankSumA float64
	for i := 0; i < len(all); {
		j := i
		for j < len(all) && all[j].v == all[i].v {
			j++
		}
		rank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if all[k].fromA {
				rankSumA += rank
			}
		}
		i = j
	}

	u1 := rankSumA - n1*(n1+1)/2
	u := math.Min(u1, n1*n2-u1)

	mu := n1 * n2 / 2
	sigma := math.Sqrt(n1 * n2 * (n1 + n2 + 1) / 12)
	var z float64
	if sigma > 0 {
		z = (u - mu) / sigma
	}
	p := 2 * normalCDF(-math.Abs(z))

	return &MannWhitneyResult{
		U:           u,
		Z:           z,
		PValue:      p,
		Significant: p < 0.05,
	}
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// EffectSize contains Cohen's d and its conventional reading.
type EffectSize struct {
	CohensD        float64
	Interpretation string // "negligible", "small", "medium", "large".
}

// ComputeEffectSize computes Cohen's d for a minus b.
func ComputeEffectSize(a, b []float64) *EffectSize {
	if len(a) < 2 || len(b) < 2 {
		return &EffectSize{Interpretation: "undefined"}
	}

	mean1, std1 := stat.MeanStdDev(a, nil)
	mean2, std2 := stat.MeanStdDev(b, nil)
	n1, n2 := float64(len(a)), float64(len(b))
	pooled := math.Sqrt(((n1-1)*std1*std1 + (n2-1)*std2*std2) / (n1 + n2 - 2))

	var d float64
	if pooled > 0 {
		d = (mean1 - mean2) / pooled
	}
	return &EffectSize{
		CohensD:        d,
		Interpretation: interpretCohensD(math.Abs(d)),
	}
}

func interpretCohensD(d float64) string {
	switch {
	case d < 0.2:
		return "negligible"
	case d < 0.5:
		return "small"
	case d < 0.8:
		return "medium"
	default:
		return "large"
	}
}

// BootstrapResult is a percentile bootstrap interval for a difference of
// means.
type BootstrapResult struct {
	MeanDiff   float64
	LowerBound float64
	UpperBound float64
	Confidence float64 // e.g., 0.95 for 95% CI.
}

// BootstrapConfidenceInterval estimates a confidence interval for
// mean(a) - mean(b) by resampling with replacement. seed makes the result
// reproducible.
func BootstrapConfidenceInterval(a, b []float64, iterations int, confidence float64, seed uint64) *BootstrapResult {
	if len(a) == 0 || len(b) == 0 || iterations < 1 {
		return &BootstrapResult{Confidence: confidence}
	}

	rng := rand.New(rand.NewPCG(seed, seed+1))
	diffs := make([]float64, iterations)
	for i := range diffs {
		diffs[i] = resampledMean(rng, a) - resampledMean(rng, b)
	}
	slices.Sort(diffs)

	alpha := 1 - confidence
	return &BootstrapResult{
		MeanDiff:   stat.Mean(a, nil) - stat.Mean(b, nil),
		LowerBound: stat.Quantile(alpha/2, stat.Empirical, diffs, nil),
		UpperBound: stat.Quantile(1-alpha/2, stat.Empirical, diffs, nil),
		Confidence: confidence,
	}
}

func resampledMean(rng *rand.Rand, sample []float64) float64 {
	var sum float64
	for range sample {
		sum += sample[rng.IntN(len(sample))]
	}
	return sum / float64(len(sample))
}
