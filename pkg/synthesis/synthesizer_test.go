package synthesis

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"tractfit/internal/models"
	"tractfit/pkg/assembly"
	"tractfit/pkg/signal"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func geometry(nx int) models.Geometry {
	return models.Geometry{Size: [3]int{nx, 1, 1}, Spacing: r3.Vec{X: 1, Y: 1, Z: 1}}
}

func bundle(name string, from, to r3.Vec) *models.Bundle {
	return &models.Bundle{Name: name, Fibers: []*models.Fiber{{Points: []r3.Vec{from, to}}}}
}

func build(t *testing.T, in assembly.Input, model signal.Model) *assembly.System {
	t.Helper()
	sys, err := assembly.Build(context.Background(), in,
		assembly.Options{FitIndividualFibers: true, Model: model, Logger: quiet})
	require.NoError(t, err)
	return sys
}

func TestScalarExactFit(t *testing.T) {
	g := geometry(1)
	im := models.NewImage(g, 1)
	im.Data[0] = 10
	sys := build(t, assembly.Input{
		Bundles: []*models.Bundle{bundle("a", r3.Vec{X: -0.5}, r3.Vec{X: 0.5})},
		Scalar:  im,
	}, nil)

	out, err := Synthesize(sys, []float64{100})
	require.NoError(t, err)
	assert.InDelta(t, 10, out.Fitted.Data[0], 1e-12)
	assert.InDelta(t, 0, out.Residual.Data[0], 1e-12)
	assert.InDelta(t, 1, out.Coverage, 1e-12)
	assert.InDelta(t, 0, out.Overshoot, 1e-12)
	assert.Equal(t, 1, out.CoveredRows)
}

func TestScalarOverAndUnder(t *testing.T) {
	g := geometry(3)
	im := models.NewImage(g, 1)
	copy(im.Data, []float64{4, 8, 50})
	sys := build(t, assembly.Input{
		Bundles: []*models.Bundle{bundle("a", r3.Vec{X: -0.5}, r3.Vec{X: 1.5})},
		Scalar:  im,
	}, nil)

	// mean signal 6, unit density: x = 100 fits 6 in both voxels
	out, err := Synthesize(sys, []float64{100})
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{6, 6, 0}, out.Fitted.Data, 1e-9)
	assert.InDeltaSlice(t, []float64{-2, 2, 0}, out.Residual.Data, 1e-9)
	assert.InDeltaSlice(t, []float64{2, 0, 0}, out.OverExplained.Data, 1e-9)
	assert.InDeltaSlice(t, []float64{0, 2, 0}, out.UnderExplained.Data, 1e-9)
	assert.InDelta(t, 10.0/12, out.Coverage, 1e-12)
	assert.InDelta(t, 2.0/12, out.Overshoot, 1e-12)

	_, err = Synthesize(sys, []float64{1, 2})
	assert.ErrorIs(t, err, ErrLength)
}

func TestDiffusionRoundTrip(t *testing.T) {
	g := geometry(1)
	model, err := signal.NewStick(
		[]r3.Vec{{}, {X: 1}, {X: 1, Y: 1}, {Z: 1}},
		[]float64{0, 1000, 1000, 1000},
	)
	require.NoError(t, err)

	// the observation is an affine function of the simulated signal, so the
	// demeaned system has an exact solution
	sim := make([]float64, 4)
	model.Simulate(sim, r3.Vec{X: 1})
	dwi := models.NewImage(g, 4)
	for i, v := range sim {
		dwi.Data[i] = 2*v + 0.5
	}

	sys := build(t, assembly.Input{
		Bundles:   []*models.Bundle{bundle("a", r3.Vec{X: -0.5}, r3.Vec{X: 0.5})},
		Diffusion: dwi,
	}, model)

	row := 1
	x := []float64{sys.B[row] / sys.A.At(row, 0)}
	fitted, err := FittedRows(sys, x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, sys.Observed, fitted, 1e-9)

	out, err := Synthesize(sys, x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, dwi.Data, out.Fitted.Data, 1e-9)
	assert.InDelta(t, 1, out.Coverage, 1e-9)
	assert.InDelta(t, 0, out.Overshoot, 1e-9)
}

func TestPeakDecomposition(t *testing.T) {
	g := geometry(1)
	peaks := models.NewImage(g, 6)
	copy(peaks.Data, []float64{0, 2, 0, 1, 0, 0})
	sys := build(t, assembly.Input{
		Bundles: []*models.Bundle{
			bundle("along", r3.Vec{Y: -0.5}, r3.Vec{Y: 0.5}),
			bundle("across", r3.Vec{X: -0.5}, r3.Vec{X: 0.5}),
		},
		Peaks: peaks,
	}, nil)
	require.Len(t, sys.Rows, 2)

	// observed [2 1] centered on 1.5; mean signal 1.5 and unit density,
	// so one unit of x moves a row by 0.5·0.015 observed units
	out, err := Synthesize(sys, []float64{200, 0})
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{0, 3, 0, 0, 0, 0}, out.Fitted.Data, 1e-9)
	assert.InDeltaSlice(t, []float64{0, -1, 0, 1, 0, 0}, out.Residual.Data, 1e-9)
	assert.InDeltaSlice(t, []float64{0, 1, 0, 0, 0, 0}, out.OverExplained.Data, 1e-9)
	assert.InDeltaSlice(t, []float64{0, 0, 0, 1, 0, 0}, out.UnderExplained.Data, 1e-9)
	assert.InDelta(t, 2.0/3.0, out.Coverage, 1e-9)
	assert.InDelta(t, 1.0/3.0, out.Overshoot, 1e-9)

	// zero weights leave only the voxel mean
	out, err = Synthesize(sys, []float64{0, 0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.5, 0, 0, 0, 0}, out.UnderExplained.Data, 1e-9)
	assert.InDeltaSlice(t, []float64{0, 0, 0, 0.5, 0, 0}, out.OverExplained.Data, 1e-9)
	assert.InDelta(t, 5.0/6.0, out.Coverage, 1e-9)
	assert.InDelta(t, 1.0/6.0, out.Overshoot, 1e-9)

	// exact fit
	out, err = Synthesize(sys, []float64{200.0 / 3.0, 0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, peaks.Data, out.Fitted.Data, 1e-9)
	assert.InDelta(t, 1, out.Coverage, 1e-9)
	assert.InDelta(t, 0, out.Overshoot, 1e-9)
}
