package fitter

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry returns a Prometheus registry holding the statistics of res as
// gauges labelled with the run id and modality.
func Registry(res *Result) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{
		"run_id":   res.RunID,
		"modality": res.Modality.String(),
		"scheme":   res.Scheme.String(),
	}
	gauge := func(name, help string, v float64) {
		promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   "tractfit",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}).Set(v)
	}

	s := res.Statistics
	gauge("coverage_ratio", "Fraction of the observed signal explained by the fit.", s.Coverage)
	gauge("overshoot_ratio", "Fitted signal in excess of the observation, as a fraction of the observed signal.", s.Overshoot)
	gauge("rmse", "Root mean square error of the normalized linear system.", s.RMSE)
	gauge("weight_mean", "Mean fitted weight.", s.MeanWeight)
	gauge("weight_median", "Median fitted weight.", s.MedianWeight)
	gauge("weight_min", "Smallest fitted weight.", s.MinWeight)
	gauge("weight_max", "Largest fitted weight.", s.MaxWeight)
	gauge("lambda", "Regularization strength of the final minimization.", s.Lambda)
	gauge("residuals", "Rows of the linear system.", float64(s.Residuals))
	gauge("covered_rows", "Rows with at least one contributing fiber.", float64(s.CoveredRows))
	gauge("unknowns", "Number of fitted weights.", float64(s.Unknowns))
	gauge("iterations", "Optimizer major iterations across all phases.", float64(s.Iterations))
	gauge("run_duration_seconds", "Wall clock duration of the run.", s.Duration.Seconds())

	bundles := promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "tractfit",
		Name:        "bundle_rms_delta",
		Help:        "Increase of the RMSE when the bundle is removed from the fit.",
		ConstLabels: labels,
	}, []string{"bundle"})
	for i, b := range res.Bundles {
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("bundle_%d", i)
		}
		bundles.WithLabelValues(name).Set(b.RMSDelta)
	}
	return reg
}

// WriteMetrics writes the statistics of res to path in the Prometheus text
// exposition format.
func WriteMetrics(path string, res *Result) error {
	if err := prometheus.WriteToTextfile(path, Registry(res)); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
