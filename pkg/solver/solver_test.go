package solver

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tractfit/pkg/cost"
	"tractfit/pkg/sparse"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func matrix(t *testing.T, rows, cols int, entries [][3]float64) *sparse.CSR {
	t.Helper()
	b, err := sparse.NewBuilder(cols)
	require.NoError(t, err)
	b.AddRows(rows)
	for _, e := range entries {
		require.NoError(t, b.Add(int(e[0]), int(e[1]), e[2]))
	}
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func identity(t *testing.T, n int) *sparse.CSR {
	entries := make([][3]float64, n)
	for i := range entries {
		entries[i] = [3]float64{float64(i), float64(i), 1}
	}
	return matrix(t, n, n, entries)
}

func objective(t *testing.T, m *sparse.CSR, b []float64, scheme cost.Scheme, groups []int) *cost.Function {
	t.Helper()
	_, n := m.Dims()
	reg, err := cost.NewRegularizer(scheme, n, groups, m)
	require.NoError(t, err)
	f, err := cost.NewFunction(m, b, reg, 0)
	require.NoError(t, err)
	return f
}

type emptyObjective struct{}

func (emptyObjective) Dim() int                         { return 0 }
func (emptyObjective) Func([]float64) float64           { return 0 }
func (emptyObjective) Grad(_, _ []float64)              {}
func (emptyObjective) RegularizerGrad(_, _ []float64)   {}
func (emptyObjective) Lambda() float64                  { return 0 }
func (emptyObjective) SetLambda(float64)                {}
func (emptyObjective) RMSE([]float64) float64           { return 0 }

func TestNewDriverRejectsEmptyObjective(t *testing.T) {
	_, err := NewDriver(emptyObjective{}, DefaultSettings())
	assert.ErrorIs(t, err, ErrNoUnknowns)

	_, err = NewDriver(nil, DefaultSettings())
	assert.ErrorIs(t, err, ErrNoUnknowns)
}

func TestBoundsTransform(t *testing.T) {
	x := []float64{0.5, 3, 42, 1e-3}
	for _, b := range []bounds{lowerOnly(), {upper: 50}} {
		y := make([]float64, len(x))
		b.toInternal(y, x)
		back := make([]float64, len(x))
		b.toExternal(back, y)
		assert.InDeltaSlice(t, x, back, 1e-9)

		// slope matches a central difference
		const h = 1e-6
		slope := make([]float64, len(y))
		b.slope(slope, y)
		up, down := make([]float64, len(y)), make([]float64, len(y))
		yu, yd := make([]float64, len(y)), make([]float64, len(y))
		for i := range y {
			yu[i], yd[i] = y[i]+h, y[i]-h
		}
		b.toExternal(up, yu)
		b.toExternal(down, yd)
		for i := range y {
			assert.InDelta(t, (up[i]-down[i])/(2*h), slope[i], 1e-5)
		}
	}

	// values on the bounds are nudged inside
	b := bounds{upper: 2}
	y := make([]float64, 2)
	b.toInternal(y, []float64{0, 2})
	slope := make([]float64, 2)
	b.slope(slope, y)
	assert.NotZero(t, slope[0])
	assert.NotZero(t, slope[1])

	clamped := make([]float64, 3)
	b.clamp(clamped, []float64{-1, 1, 5})
	assert.Equal(t, []float64{0, 1, 2}, clamped)
}

func TestComputeStats(t *testing.T) {
	x := make([]float64, 100)
	for i := range x {
		x[99-i] = float64(i + 1)
	}
	s := ComputeStats(x)
	assert.InDelta(t, 50.5, s.Mean, 1e-12)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 100.0, s.Max)
	assert.Equal(t, 50.0, s.Median)
	require.Len(t, s.Quantiles, len(QuantileLevels))
	assert.Equal(t, 0.99, s.Quantiles[6].P)
	assert.Equal(t, 99.0, s.Quantiles[6].Value)
	assert.Equal(t, 1.0, s.Quantiles[0].Value)

	assert.Equal(t, WeightStats{}, ComputeStats(nil))
}

func TestSolveKeepsWeightsNonNegative(t *testing.T) {
	// the unconstrained least squares solution is (3, -2)
	m := matrix(t, 2, 2, [][3]float64{{0, 0, 1}, {0, 1, 1}, {1, 0, 1}})
	f := objective(t, m, []float64{1, 3}, cost.None, nil)

	settings := DefaultSettings()
	settings.Calibrate = false
	settings.MaxIterations = 200
	settings.Logger = quiet
	d, err := NewDriver(f, settings)
	require.NoError(t, err)

	sol, err := d.Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, d.Phase())

	for _, v := range sol.X {
		assert.GreaterOrEqual(t, v, 0.0)
	}
	// constrained optimum: x1 = 2, x2 = 0
	assert.InDelta(t, 2.0, sol.X[0], 1e-2)
	assert.InDelta(t, 0.0, sol.X[1], 1e-2)

	require.NotEmpty(t, sol.CostTrace)
	for i := 1; i < len(sol.CostTrace); i++ {
		assert.LessOrEqual(t, sol.CostTrace[i], sol.CostTrace[i-1]+1e-12, "iteration %d", i)
	}
	assert.Greater(t, sol.Iterations, 0)
	assert.Greater(t, sol.Evaluations, 0)
	assert.Zero(t, sol.UpperBound)
}

func TestSolveCostTraceWithRegularizer(t *testing.T) {
	m := matrix(t, 3, 3, [][3]float64{
		{0, 0, 1}, {0, 1, 0.5},
		{1, 1, 1}, {1, 2, 0.25},
		{2, 0, 0.3}, {2, 2, 1},
	})
	f := objective(t, m, []float64{1, 0.8, 1.2}, cost.VoxelVariance, nil)

	settings := DefaultSettings()
	settings.Lambda = 1e-6
	settings.FiberCount = 3
	settings.MaxIterations = 50
	settings.Logger = quiet
	d, err := NewDriver(f, settings)
	require.NoError(t, err)

	sol, err := d.Solve(context.Background())
	require.NoError(t, err)
	for _, v := range sol.X {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.False(t, math.IsNaN(v))
	}
	for i := 1; i < len(sol.CostTrace); i++ {
		assert.LessOrEqual(t, sol.CostTrace[i], sol.CostTrace[i-1]+1e-9, "iteration %d", i)
	}
	require.GreaterOrEqual(t, len(sol.Phases), 2)
	assert.Equal(t, PhaseCalibrateLambda, sol.Phases[0].Phase)
	assert.Equal(t, PhaseMinimize, sol.Phases[1].Phase)
}

func TestCalibrateLambda(t *testing.T) {
	m := identity(t, 2)
	b := []float64{1, 1}

	t.Run("MSM", func(t *testing.T) {
		// ∇R = 2e4·x/dim, so ‖∇R‖/‖x‖ = 1e4 for two unknowns
		f := objective(t, m, b, cost.MSM, nil)
		settings := DefaultSettings()
		settings.Lambda = 0.1
		settings.FiberCount = 2
		settings.Logger = quiet
		d, err := NewDriver(f, settings)
		require.NoError(t, err)

		sol, err := d.Solve(context.Background())
		require.NoError(t, err)
		assert.False(t, sol.LambdaFallback)
		assert.InDelta(t, 2*0.1*DefaultLambdaGain/1e4, sol.Lambda, 1e-12)
		assert.InDelta(t, sol.Lambda, f.Lambda(), 1e-15)
	})

	t.Run("ScalesWithFiberCount", func(t *testing.T) {
		lambdaFor := func(fibers int) float64 {
			f := objective(t, m, b, cost.MSM, nil)
			settings := DefaultSettings()
			settings.Lambda = 0.1
			settings.FiberCount = fibers
			settings.Logger = quiet
			d, err := NewDriver(f, settings)
			require.NoError(t, err)
			sol, err := d.Solve(context.Background())
			require.NoError(t, err)
			require.False(t, sol.LambdaFallback)
			return sol.Lambda
		}
		assert.InDelta(t, 0.1*DefaultLambdaGain/1e4, lambdaFor(0), 1e-12)
		assert.InDelta(t, 5*0.1*DefaultLambdaGain/1e4, lambdaFor(5), 1e-12)
	})

	t.Run("ZeroGradientFallsBack", func(t *testing.T) {
		f := objective(t, m, b, cost.None, nil)
		settings := DefaultSettings()
		settings.Lambda = 0.3
		settings.FiberCount = 7
		settings.Logger = quiet
		d, err := NewDriver(f, settings)
		require.NoError(t, err)

		sol, err := d.Solve(context.Background())
		require.NoError(t, err)
		assert.True(t, sol.LambdaFallback)
		assert.InDelta(t, 7*0.3, sol.Lambda, 1e-12)
	})

	t.Run("OutOfRangeFallsBack", func(t *testing.T) {
		f := objective(t, m, b, cost.MSM, nil)
		settings := DefaultSettings()
		settings.Lambda = 0.1
		settings.FiberCount = 4
		settings.MaxLambda = 1e-6
		settings.Logger = quiet
		d, err := NewDriver(f, settings)
		require.NoError(t, err)

		sol, err := d.Solve(context.Background())
		require.NoError(t, err)
		assert.True(t, sol.LambdaFallback)
		assert.InDelta(t, 0.4, sol.Lambda, 1e-12)
	})
}

func TestTrimOutliers(t *testing.T) {
	const n = 100
	b := make([]float64, n)
	for i := range b {
		b[i] = 100
	}
	b[17] = 1e5
	f := objective(t, identity(t, n), b, cost.None, nil)

	settings := DefaultSettings()
	settings.Calibrate = false
	settings.FilterOutliers = true
	settings.PerFiber = true
	settings.MaxIterations = 100
	settings.Logger = quiet
	d, err := NewDriver(f, settings)
	require.NoError(t, err)

	sol, err := d.Solve(context.Background())
	require.NoError(t, err)

	require.Greater(t, sol.UpperBound, 0.0)
	assert.Less(t, sol.UpperBound, 1e5)
	for i, v := range sol.X {
		assert.LessOrEqual(t, v, sol.UpperBound, "weight %d", i)
		assert.GreaterOrEqual(t, v, 0.0)
	}
	assert.Equal(t, PhaseTrimOutliers, sol.Phases[len(sol.Phases)-1].Phase)
}

func TestTrimSkippedPerBundle(t *testing.T) {
	f := objective(t, identity(t, 3), []float64{1, 2, 300}, cost.None, nil)
	settings := DefaultSettings()
	settings.Calibrate = false
	settings.FilterOutliers = true
	settings.PerFiber = false
	settings.Logger = quiet
	d, err := NewDriver(f, settings)
	require.NoError(t, err)

	sol, err := d.Solve(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sol.UpperBound)
	for _, p := range sol.Phases {
		assert.NotEqual(t, PhaseTrimOutliers, p.Phase)
	}
}

func TestSolveCancelled(t *testing.T) {
	f := objective(t, identity(t, 3), []float64{1, 2, 3}, cost.MSM, nil)
	settings := DefaultSettings()
	settings.Logger = quiet
	d, err := NewDriver(f, settings)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Solve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "calibrate-lambda", PhaseCalibrateLambda.String())
	assert.Equal(t, "trim-outliers", PhaseTrimOutliers.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
