// Package synthesis expands a solved weight vector back into per-voxel
// output volumes and global fit-quality measures.
package synthesis

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"tractfit/internal/models"
	"tractfit/pkg/assembly"
)

// ErrLength is returned when the weights do not match the system.
var ErrLength = errors.New("synthesis: weight vector length mismatch")

// Output holds the synthesized volumes. All images share the target
// geometry and component count; voxels no fiber reaches are zero.
type Output struct {
	Fitted         *models.Image
	Residual       *models.Image
	OverExplained  *models.Image
	UnderExplained *models.Image

	// Coverage is the fraction of observed signal explained by the fit
	Coverage float64

	// Overshoot is the fitted signal exceeding the observation, as a
	// fraction of observed signal
	Overshoot float64

	CoveredRows int
}

// FittedRows returns S·x in observed units (scale and offsets restored),
// one value per row of the system.
func FittedRows(sys *assembly.System, x []float64) ([]float64, error) {
	if _, c := sys.A.Dims(); c != len(x) {
		return nil, fmt.Errorf("%w: %d weights for %d unknowns", ErrLength, len(x), c)
	}
	rows := make([]float64, len(sys.B))
	sys.A.MulVecTo(rows, x)
	sys.Denormalize(rows, rows)
	return rows, nil
}

// Synthesize builds the output volumes for x.
func Synthesize(sys *assembly.System, x []float64) (*Output, error) {
	fitted, err := FittedRows(sys, x)
	if err != nil {
		return nil, err
	}

	geom, comps := sys.Target.Geometry, sys.Target.Components
	out := &Output{
		Fitted:         models.NewImage(geom, comps),
		Residual:       models.NewImage(geom, comps),
		OverExplained:  models.NewImage(geom, comps),
		UnderExplained: models.NewImage(geom, comps),
		CoveredRows:    len(fitted),
	}

	var total, covered, over float64
	for r, row := range sys.Rows {
		obs, fit := sys.Observed[r], fitted[r]
		total += math.Abs(obs)
		covered += math.Max(0, math.Min(obs, fit))
		over += math.Max(0, fit-obs)

		if sys.Modality == assembly.PeakField {
			out.peak(sys, row, fit)
			continue
		}
		i := row.Voxel*comps + row.Channel
		residual := obs - fit
		out.Fitted.Data[i] = fit
		out.Residual.Data[i] = residual
		if residual < 0 {
			out.OverExplained.Data[i] = -residual
		} else {
			out.UnderExplained.Data[i] = residual
		}
	}

	if total > 0 {
		out.Coverage = covered / total
		out.Overshoot = over / total
	}
	return out, nil
}

// peak decomposes one peak slot into vectors along the observed peak.
// Empty slots have no direction and produce no vectors.
func (o *Output) peak(sys *assembly.System, row assembly.Row, fit float64) {
	off := row.Channel * 3
	v := sys.Target.Voxel(row.Voxel)[off : off+3]
	p := r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	mag := r3.Norm(p)
	if mag == 0 {
		return
	}
	u := r3.Unit(p)
	fit = math.Max(0, fit)

	set := func(im *models.Image, w r3.Vec) {
		dst := im.Voxel(row.Voxel)[off : off+3]
		dst[0], dst[1], dst[2] = w.X, w.Y, w.Z
	}
	set(o.Fitted, r3.Scale(fit, u))
	set(o.Residual, r3.Scale(mag-fit, u))
	if mag > fit {
		set(o.UnderExplained, r3.Scale(mag-fit, u))
	} else {
		set(o.OverExplained, r3.Scale(fit-mag, u))
	}
}
