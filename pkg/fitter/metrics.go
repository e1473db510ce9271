package fitter

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"tractfit/pkg/config"
)

// Package-level tracer and meter for fitting runs.
var (
	tracer = otel.Tracer("tractfit.fitter")
	meter  = otel.Meter("tractfit.fitter")
)

// Metrics for fitting runs.
var (
	runLatency   metric.Float64Histogram
	runTotal     metric.Int64Counter
	stageLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runLatency, err = meter.Float64Histogram(
			"tractfit_run_duration_seconds",
			metric.WithDescription("Duration of complete fitting runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runTotal, err = meter.Int64Counter(
			"tractfit_runs_total",
			metric.WithDescription("Total number of fitting runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stageLatency, err = meter.Float64Histogram(
			"tractfit_stage_duration_seconds",
			metric.WithDescription("Duration of individual pipeline stages"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startProcessSpan creates the span covering one run.
func startProcessSpan(ctx context.Context, runID string, cfg *config.Config) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Fitter.Process",
		trace.WithAttributes(
			attribute.String("tractfit.run_id", runID),
			attribute.String("tractfit.scheme", cfg.Fit.RegularizationScheme.String()),
			attribute.Bool("tractfit.per_fiber", cfg.Fit.FitIndividualFibers),
			attribute.Float64("tractfit.lambda", cfg.Fit.Lambda),
		),
	)
}

// setProcessSpanResult sets the result attributes on a run span.
func setProcessSpanResult(span trace.Span, res *Result) {
	span.SetAttributes(
		attribute.String("tractfit.modality", res.Modality.String()),
		attribute.Int("tractfit.unknowns", res.Statistics.Unknowns),
		attribute.Int("tractfit.residuals", res.Statistics.Residuals),
		attribute.Float64("tractfit.coverage", res.Statistics.Coverage),
		attribute.Float64("tractfit.rmse", res.Statistics.RMSE),
	)
}

// recordRun records metrics for a complete run.
func recordRun(ctx context.Context, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	runLatency.Record(ctx, duration.Seconds(), attrs)
	runTotal.Add(ctx, 1, attrs)
}

// recordStage records the duration of one pipeline stage.
func recordStage(ctx context.Context, name string, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	stageLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("stage", name),
		attribute.Bool("success", success),
	))
}
