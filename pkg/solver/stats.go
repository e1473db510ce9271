package solver

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// QuantileLevels are the weight quantiles reported after a fit.
var QuantileLevels = []float64{0.01, 0.05, 0.25, 0.5, 0.75, 0.95, 0.99}

// Quantile is one point of the empirical weight distribution.
type Quantile struct {
	P     float64 `yaml:"p"`
	Value float64 `yaml:"value"`
}

// WeightStats summarizes a weight vector.
type WeightStats struct {
	Mean      float64    `yaml:"mean"`
	Median    float64    `yaml:"median"`
	Min       float64    `yaml:"min"`
	Max       float64    `yaml:"max"`
	Quantiles []Quantile `yaml:"quantiles"`
}

// ComputeStats returns the weight distribution statistics of x. An empty
// vector yields zero stats.
func ComputeStats(x []float64) WeightStats {
	if len(x) == 0 {
		return WeightStats{}
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)

	ws := WeightStats{
		Mean:      stat.Mean(sorted, nil),
		Median:    stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Min:       floats.Min(sorted),
		Max:       floats.Max(sorted),
		Quantiles: make([]Quantile, len(QuantileLevels)),
	}
	for i, p := range QuantileLevels {
		ws.Quantiles[i] = Quantile{P: p, Value: stat.Quantile(p, stat.Empirical, sorted, nil)}
	}
	return ws
}
