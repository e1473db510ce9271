// Package solver drives the bound-constrained minimization of the fit
// objective through its phases:
//
//	Init → CalibrateLambda → Minimize → TrimOutliers → Done
//
// Weights are kept non-negative (and below the outlier bound while
// trimming) by running gonum's L-BFGS on transformed variables, so every
// point the optimizer evaluates is feasible.
package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// Tuning defaults. They are empirical and overridable through Settings.
const (
	DefaultLambdaGain             = 55.0
	DefaultMaxLambda              = 1e7
	DefaultOutlierQuantile        = 0.99
	DefaultCalibrationEvaluations = 2
	DefaultGradientTolerance      = 1e-5
	DefaultMaxIterations          = 20
)

// ErrNoUnknowns is returned when the objective has no variables.
var ErrNoUnknowns = errors.New("solver: no unknowns to solve for")

// Objective is the cost the driver minimizes. *cost.Function satisfies it.
type Objective interface {
	Dim() int
	Func(x []float64) float64
	Grad(grad, x []float64)
	RegularizerGrad(dst, x []float64)
	Lambda() float64
	SetLambda(lambda float64)
	RMSE(x []float64) float64
}

// Phase is a state of the driver.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseCalibrateLambda
	PhaseMinimize
	PhaseTrimOutliers
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseCalibrateLambda:
		return "calibrate-lambda"
	case PhaseMinimize:
		return "minimize"
	case PhaseTrimOutliers:
		return "trim-outliers"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Settings controls a solve.
type Settings struct {
	// Lambda is the user regularization strength
	Lambda float64

	// Calibrate enables the λ calibration phase. It should be false when
	// the regularization scheme is NONE.
	Calibrate bool

	// GradientTolerance stops minimization once the gradient norm drops
	// below it
	GradientTolerance float64

	// MaxIterations bounds the major iterations of each minimization
	MaxIterations int

	// FilterOutliers enables the trimming phase; it only runs when
	// PerFiber is also set
	FilterOutliers bool
	PerFiber       bool

	// FiberCount is the λ held during calibration; it also scales the
	// calibrated and fallback λ. Zero is treated as one.
	FiberCount int

	LambdaGain             float64
	MaxLambda              float64
	OutlierQuantile        float64
	CalibrationEvaluations int

	Logger *slog.Logger
}

// DefaultSettings returns settings with the default tuning constants.
func DefaultSettings() Settings {
	return Settings{
		Lambda:                 0.1,
		Calibrate:              true,
		GradientTolerance:      DefaultGradientTolerance,
		MaxIterations:          DefaultMaxIterations,
		LambdaGain:             DefaultLambdaGain,
		MaxLambda:              DefaultMaxLambda,
		OutlierQuantile:        DefaultOutlierQuantile,
		CalibrationEvaluations: DefaultCalibrationEvaluations,
	}
}

// PhaseReport describes one optimizer run.
type PhaseReport struct {
	Phase       Phase
	Status      string
	Iterations  int
	Evaluations int
	Duration    time.Duration
}

// Solution is the outcome of a solve.
type Solution struct {
	// X holds the final non-negative weights
	X []float64

	// Lambda is the regularization strength used by the final minimization
	Lambda float64

	// LambdaFallback reports that calibration fell back to the default λ
	LambdaFallback bool

	// UpperBound is the outlier bound of the trimming phase, 0 when the
	// phase did not run
	UpperBound float64

	Stats       WeightStats
	Iterations  int
	Evaluations int
	RMSE        float64

	// CostTrace holds the objective at every accepted iterate of the
	// Minimize phase; TrimTrace does the same for TrimOutliers
	CostTrace []float64
	TrimTrace []float64

	Phases []PhaseReport
}

// Driver runs the solver phases against one objective.
type Driver struct {
	obj      Objective
	settings Settings
	logger   *slog.Logger
	phase    Phase
}

// NewDriver creates a driver. Zero tuning fields take their defaults.
func NewDriver(obj Objective, settings Settings) (*Driver, error) {
	if obj == nil || obj.Dim() == 0 {
		return nil, ErrNoUnknowns
	}
	d := DefaultSettings()
	if settings.GradientTolerance <= 0 {
		settings.GradientTolerance = d.GradientTolerance
	}
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = d.MaxIterations
	}
	if settings.LambdaGain <= 0 {
		settings.LambdaGain = d.LambdaGain
	}
	if settings.MaxLambda <= 0 {
		settings.MaxLambda = d.MaxLambda
	}
	if settings.OutlierQuantile <= 0 || settings.OutlierQuantile > 1 {
		settings.OutlierQuantile = d.OutlierQuantile
	}
	if settings.CalibrationEvaluations <= 0 {
		settings.CalibrationEvaluations = d.CalibrationEvaluations
	}
	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{obj: obj, settings: settings, logger: logger, phase: PhaseInit}, nil
}

// Phase returns the phase the driver is in.
func (d *Driver) Phase() Phase { return d.phase }

// Solve runs every phase and returns the solution. The context is checked
// after each phase and on every optimizer record.
func (d *Driver) Solve(ctx context.Context) (*Solution, error) {
	n := d.obj.Dim()
	uniform := make([]float64, n)
	for i := range uniform {
		uniform[i] = 1 / float64(n)
	}
	sol := &Solution{}

	// Step 1: calibrate λ
	lambda := d.settings.Lambda
	if d.settings.Calibrate {
		d.phase = PhaseCalibrateLambda
		var err error
		lambda, sol.LambdaFallback, err = d.calibrate(ctx, uniform, sol)
		if err != nil {
			return nil, err
		}
	}
	d.obj.SetLambda(lambda)
	sol.Lambda = lambda

	// Step 2: minimize from the uniform start
	d.phase = PhaseMinimize
	x, trace, err := d.run(ctx, PhaseMinimize, uniform, lowerOnly(), d.minimizeSettings(), sol)
	if err != nil {
		return nil, err
	}
	sol.CostTrace = trace

	// Step 3: trim outliers
	if d.settings.FilterOutliers && d.settings.PerFiber {
		d.phase = PhaseTrimOutliers
		x, err = d.trim(ctx, x, sol)
		if err != nil {
			return nil, err
		}
	}

	d.phase = PhaseDone
	sol.X = x
	sol.Stats = ComputeStats(x)
	sol.RMSE = d.obj.RMSE(x)
	d.logger.Info("solve finished",
		"lambda", sol.Lambda,
		"iterations", sol.Iterations,
		"evaluations", sol.Evaluations,
		"rmse", sol.RMSE,
		"meanWeight", sol.Stats.Mean)
	return sol, nil
}

// calibrate runs a short minimization holding λ₀ = FiberCount and rescales
// it by the user λ so that the regularization gradient is balanced against
// the weight magnitude: λ = λ₀·userλ·LambdaGain/ratio.
func (d *Driver) calibrate(ctx context.Context, start []float64, sol *Solution) (float64, bool, error) {
	s := d.settings
	initial := float64(s.FiberCount)
	if initial <= 0 {
		initial = 1
	}
	fallback := initial * s.Lambda

	d.obj.SetLambda(initial)
	settings := &optimize.Settings{FuncEvaluations: s.CalibrationEvaluations}
	rec := newRecorder(ctx)
	b := lowerOnly()

	x, _, err := d.runWith(ctx, PhaseCalibrateLambda, start, b, settings, rec, sol)
	if err != nil {
		return 0, false, err
	}
	if rec.bestY != nil {
		b.toExternal(x, rec.bestY)
	}

	norm := floats.Norm(x, 2)
	if norm < 1e-12 {
		d.logger.Warn("calibration produced a zero weight vector, using default lambda", "lambda", fallback)
		return fallback, true, nil
	}
	grad := make([]float64, len(x))
	d.obj.RegularizerGrad(grad, x)
	ratio := floats.Norm(grad, 2) / norm
	if ratio == 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		d.logger.Warn("degenerate regularization gradient, using default lambda", "ratio", ratio, "lambda", fallback)
		return fallback, true, nil
	}
	lambda := initial * s.Lambda * s.LambdaGain / ratio
	if lambda > s.MaxLambda {
		d.logger.Warn("calibrated lambda out of range, using default lambda",
			"calibrated", lambda, "max", s.MaxLambda, "lambda", fallback)
		return fallback, true, nil
	}
	d.logger.Debug("lambda calibrated", "lambda", lambda, "ratio", ratio)
	return lambda, false, nil
}

// trim bounds every weight by the configured quantile of the current
// solution and minimizes again from the clamped weights.
func (d *Driver) trim(ctx context.Context, x []float64, sol *Solution) ([]float64, error) {
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	upper := stat.Quantile(d.settings.OutlierQuantile, stat.Empirical, sorted, nil)
	if upper <= 0 {
		d.logger.Warn("outlier bound is zero, skipping trimming", "quantile", d.settings.OutlierQuantile)
		return x, nil
	}
	sol.UpperBound = upper

	b := bounds{upper: upper}
	start := make([]float64, len(x))
	b.clamp(start, x)

	out, trace, err := d.run(ctx, PhaseTrimOutliers, start, b, d.minimizeSettings(), sol)
	if err != nil {
		return nil, err
	}
	sol.TrimTrace = trace
	d.logger.Debug("outliers trimmed", "upperBound", upper)
	return out, nil
}

func (d *Driver) minimizeSettings() *optimize.Settings {
	return &optimize.Settings{
		GradientThreshold: d.settings.GradientTolerance,
		MajorIterations:   d.settings.MaxIterations,
	}
}

func (d *Driver) run(ctx context.Context, phase Phase, start []float64, b bounds, settings *optimize.Settings, sol *Solution) ([]float64, []float64, error) {
	return d.runWith(ctx, phase, start, b, settings, newRecorder(ctx), sol)
}

// runWith minimizes the objective over the box b from start. A run that
// stops without converging is accepted; a non-finite result falls back to
// start.
func (d *Driver) runWith(ctx context.Context, phase Phase, start []float64, b bounds, settings *optimize.Settings, rec *recorder, sol *Solution) ([]float64, []float64, error) {
	n := len(start)
	var (
		xf   = make([]float64, n)
		xg   = make([]float64, n)
		gx   = make([]float64, n)
		dxdy = make([]float64, n)
	)
	problem := optimize.Problem{
		Func: func(y []float64) float64 {
			b.toExternal(xf, y)
			return d.obj.Func(xf)
		},
		Grad: func(grad, y []float64) {
			b.toExternal(xg, y)
			d.obj.Grad(gx, xg)
			b.slope(dxdy, y)
			floats.MulTo(grad, gx, dxdy)
		},
	}
	settings.Recorder = rec

	y0 := make([]float64, n)
	b.toInternal(y0, start)

	began := time.Now()
	result, err := optimize.Minimize(problem, y0, settings, &optimize.LBFGS{})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, nil, ctxErr
	}
	if result == nil {
		return nil, nil, fmt.Errorf("solver: %s: %w", phase, err)
	}
	if err != nil {
		d.logger.Warn("optimizer stopped early, accepting current location",
			"phase", phase.String(), "status", result.Status.String(), "error", err)
	}

	x := make([]float64, n)
	b.toExternal(x, result.X)
	if !allFinite(x) {
		d.logger.Warn("optimizer returned a non-finite location, keeping phase start", "phase", phase.String())
		copy(x, start)
	}
	b.clamp(x, x)

	report := PhaseReport{
		Phase:       phase,
		Status:      result.Status.String(),
		Iterations:  result.MajorIterations,
		Evaluations: result.FuncEvaluations,
		Duration:    time.Since(began),
	}
	sol.Phases = append(sol.Phases, report)
	sol.Iterations += report.Iterations
	sol.Evaluations += report.Evaluations
	d.logger.Debug("optimizer phase finished",
		"phase", phase.String(),
		"status", report.Status,
		"iterations", report.Iterations,
		"evaluations", report.Evaluations,
		"duration", report.Duration)

	return x, append([]float64(nil), rec.trace...), nil
}

func allFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
