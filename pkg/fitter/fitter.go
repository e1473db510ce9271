// Package fitter runs the complete tract fitting pipeline: it assembles the
// linear system, minimizes the regularized cost, projects the weights onto
// the tracts and synthesizes the output volumes.
package fitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tractfit/internal/models"
	"tractfit/pkg/assembly"
	"tractfit/pkg/config"
	"tractfit/pkg/cost"
	"tractfit/pkg/grid"
	"tractfit/pkg/projection"
	"tractfit/pkg/signal"
	"tractfit/pkg/solver"
	"tractfit/pkg/synthesis"
)

// Statistics holds the fit quality metrics reported after a run.
type Statistics struct {
	// Coverage is the fraction of the observed signal explained by the fit.
	// Values range from 0 to 1.
	Coverage float64 `yaml:"coverage"`

	// Overshoot is the fitted signal in excess of the observation, as a
	// fraction of the observed signal.
	Overshoot float64 `yaml:"overshoot"`

	// RMSE is the root mean square error of the normalized linear system.
	RMSE float64 `yaml:"rmse"`

	// Weight distribution of the solution
	MeanWeight   float64           `yaml:"meanWeight"`
	MedianWeight float64           `yaml:"medianWeight"`
	MinWeight    float64           `yaml:"minWeight"`
	MaxWeight    float64           `yaml:"maxWeight"`
	Quantiles    []solver.Quantile `yaml:"quantiles"`

	// Residuals is the number of rows of the linear system. CoveredRows
	// counts the rows at least one fiber contributes to; for peak fields
	// peaks no fiber matches are not covered.
	Residuals     int `yaml:"residuals"`
	CoveredRows   int `yaml:"coveredRows"`
	CoveredVoxels int `yaml:"coveredVoxels"`
	Unknowns      int `yaml:"unknowns"`
	SkippedFibers int `yaml:"skippedFibers"`

	// Lambda is the regularization strength of the final minimization.
	Lambda float64 `yaml:"lambda"`

	// UpperBound is the outlier bound, 0 when trimming did not run.
	UpperBound float64 `yaml:"upperBound"`

	Iterations  int           `yaml:"iterations"`
	Evaluations int           `yaml:"evaluations"`
	Duration    time.Duration `yaml:"duration"`
}

// Params holds the pipeline parameters.
type Params struct {
	// Config carries the fit, tuning and processing settings. Nil selects
	// config.DefaultConfig().
	Config *config.Config

	// Rasterizer traverses fiber segments. Nil selects the DDA traversal.
	Rasterizer grid.Rasterizer

	// Logger receives progress messages. Nil selects slog.Default().
	Logger *slog.Logger
}

// Input is one fitting problem.
type Input struct {
	assembly.Input

	// Model simulates the per-direction signal. Required for diffusion
	// targets; scalar targets default to a unit constant.
	Model signal.Model
}

// Result is the outcome of one run.
type Result struct {
	// RunID identifies the run in logs, traces and reports
	RunID string

	Modality assembly.Modality
	Scheme   cost.Scheme
	PerFiber bool

	// Weights holds one weight per unknown
	Weights []float64

	// RMSDeltas holds the leave-one-out RMSE delta of every bundle
	RMSDeltas []float64

	Bundles    []projection.BundleSummary
	Statistics Statistics
	Output     *synthesis.Output

	// CostTrace is the objective at every accepted iterate of the main
	// minimization
	CostTrace []float64
}

// Fitter runs the pipeline. A Fitter may be reused but not shared between
// goroutines.
type Fitter struct {
	params *Params
	cfg    *config.Config
	logger *slog.Logger

	// metrics stores the statistics of the last successful run
	metrics Statistics
}

// NewFitter creates a new fitter instance with the provided parameters.
//
// Parameters:
//   - params: Configuration parameters for the fitting process
//
// Returns:
//   - A new Fitter instance initialized with the provided parameters
func NewFitter(params *Params) *Fitter {
	if params == nil {
		params = &Params{}
	}
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fitter{params: params, cfg: cfg, logger: logger}
}

// Process runs the complete fitting pipeline.
//
// The pipeline consists of the following steps:
//  1. Validating the configuration
//  2. Assembling the sparse linear system from the tracts and target
//  3. Building the regularized cost function
//  4. Solving for the weights (λ calibration, minimization, trimming)
//  5. Projecting the weights onto fibers and bundles
//  6. Synthesizing the output volumes and coverage statistics
//
// Every fatal input error is returned before any optimizer work starts.
func (f *Fitter) Process(ctx context.Context, in Input) (*Result, error) {
	runID := uuid.NewString()
	logger := f.logger.With("runId", runID)
	began := time.Now()

	ctx, span := startProcessSpan(ctx, runID, f.cfg)
	defer span.End()

	res, err := f.process(ctx, in, runID, logger)
	recordRun(ctx, time.Since(began), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("fit failed", "error", err)
		return nil, err
	}

	res.Statistics.Duration = time.Since(began)
	setProcessSpanResult(span, res)
	f.metrics = res.Statistics
	logger.Info("fit completed",
		"modality", res.Modality.String(),
		"coverage", res.Statistics.Coverage,
		"overshoot", res.Statistics.Overshoot,
		"rmse", res.Statistics.RMSE,
		"duration", res.Statistics.Duration)
	return res, nil
}

func (f *Fitter) process(ctx context.Context, in Input, runID string, logger *slog.Logger) (*Result, error) {
	cfg := f.cfg

	// Step 1: validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if models.FiberCount(in.Bundles) == 0 {
		return nil, assembly.ErrNoUnknowns
	}

	// Step 2: assemble the linear system
	var sys *assembly.System
	err := stage(ctx, "assemble", func(ctx context.Context) error {
		var err error
		sys, err = assembly.Build(ctx, in.Input, assembly.Options{
			FitIndividualFibers: cfg.Fit.FitIndividualFibers,
			PeakAngleThreshold:  cfg.Tuning.PeakAngleThreshold,
			Rasterizer:          f.params.Rasterizer,
			Model:               in.Model,
			Logger:              logger,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assemble linear system: %w", err)
	}

	// Step 3: build the cost function
	reg, err := cost.NewRegularizer(cfg.Fit.RegularizationScheme, sys.Unknowns, sys.Groups, sys.A)
	if err != nil {
		return nil, fmt.Errorf("failed to create regularizer: %w", err)
	}
	fn, err := cost.NewFunction(sys.A, sys.B, reg, cfg.Fit.Lambda)
	if err != nil {
		return nil, fmt.Errorf("failed to create cost function: %w", err)
	}

	// Step 4: solve
	var sol *solver.Solution
	err = stage(ctx, "solve", func(ctx context.Context) error {
		settings := cfg.SolverSettings()
		settings.FiberCount = sys.Fibers
		settings.Logger = logger
		driver, err := solver.NewDriver(fn, settings)
		if err != nil {
			return err
		}
		sol, err = driver.Solve(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to solve: %w", err)
	}

	// Step 5: project the weights
	var proj *projection.Result
	err = stage(ctx, "project", func(ctx context.Context) error {
		var err error
		proj, err = projection.Project(ctx, in.Bundles, sys.A, sys.B, sol.X, sys.Groups, projection.Options{
			PerFiber: sys.PerFiber,
			Workers:  cfg.Processing.NumWorkers,
			Logger:   logger,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to project weights: %w", err)
	}

	// Step 6: synthesize outputs
	var out *synthesis.Output
	err = stage(ctx, "synthesize", func(ctx context.Context) error {
		var err error
		out, err = synthesis.Synthesize(sys, sol.X)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize outputs: %w", err)
	}

	return &Result{
		RunID:      runID,
		Modality:   sys.Modality,
		Scheme:     cfg.Fit.RegularizationScheme,
		PerFiber:   sys.PerFiber,
		Weights:    sol.X,
		RMSDeltas:  proj.RMSDeltas,
		Bundles:    proj.Bundles,
		Statistics: statistics(sys, sol, out),
		Output:     out,
		CostTrace:  sol.CostTrace,
	}, nil
}

// stage runs fn inside a span and records its duration.
func stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Fitter."+name,
		trace.WithAttributes(attribute.String("tractfit.stage", name)))
	defer span.End()

	began := time.Now()
	err := fn(ctx)
	recordStage(ctx, name, time.Since(began), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return nil
}

func statistics(sys *assembly.System, sol *solver.Solution, out *synthesis.Output) Statistics {
	covered := 0
	for i := range sys.Rows {
		if len(sys.A.RowIndices(i)) > 0 {
			covered++
		}
	}
	return Statistics{
		Coverage:      out.Coverage,
		Overshoot:     out.Overshoot,
		RMSE:          sol.RMSE,
		MeanWeight:    sol.Stats.Mean,
		MedianWeight:  sol.Stats.Median,
		MinWeight:     sol.Stats.Min,
		MaxWeight:     sol.Stats.Max,
		Quantiles:     sol.Stats.Quantiles,
		Residuals:     len(sys.Rows),
		CoveredRows:   covered,
		CoveredVoxels: sys.CoveredVoxels,
		Unknowns:      sys.Unknowns,
		SkippedFibers: sys.SkippedFibers,
		Lambda:        sol.Lambda,
		UpperBound:    sol.UpperBound,
		Iterations:    sol.Iterations,
		Evaluations:   sol.Evaluations,
	}
}

// GetMetrics returns the statistics of the last successful run.
func (f *Fitter) GetMetrics() Statistics {
	return f.metrics
}

// IsInputError reports whether err was caused by invalid input rather than
// by the optimizer or cancellation.
func IsInputError(err error) bool {
	for _, target := range []error{
		assembly.ErrNoTarget,
		assembly.ErrMultipleTargets,
		assembly.ErrBadImage,
		assembly.ErrMaskMismatch,
		assembly.ErrModelMismatch,
		assembly.ErrNoUnknowns,
		assembly.ErrNoCoveredVoxels,
		assembly.ErrNoSignal,
		config.ErrInvalid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
