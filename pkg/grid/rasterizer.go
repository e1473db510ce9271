// Package grid provides the line/voxel intersection primitive used to turn
// fiber segments into per-voxel traversal lengths.
package grid

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Crossing is one voxel traversed by a segment.
type Crossing struct {
	// Index is the voxel index; it may lie outside the image grid
	Index [3]int

	// Length is the physical length (mm) of the segment inside the voxel
	Length float64
}

// Rasterizer returns the ordered voxels crossed by the segment from a to b.
// Endpoints are given in continuous voxel coordinates (integer values are
// voxel centers) and spacing converts index distances to millimetres.
type Rasterizer interface {
	Rasterize(a, b, spacing r3.Vec) []Crossing
}

// DDA is a 3D digital differential analyzer (Amanatides & Woo) traversal.
// The lengths of all crossings sum to the physical segment length.
type DDA struct{}

// NewDDA returns the default rasterizer.
func NewDDA() DDA {
	return DDA{}
}

// Rasterize implements Rasterizer.
func (DDA) Rasterize(a, b, spacing r3.Vec) []Crossing {
	// shift so that voxel i spans [i, i+1)
	p := [3]float64{a.X + 0.5, a.Y + 0.5, a.Z + 0.5}
	q := [3]float64{b.X + 0.5, b.Y + 0.5, b.Z + 0.5}
	sp := [3]float64{spacing.X, spacing.Y, spacing.Z}

	var d [3]float64
	physical := 0.0
	for i := 0; i < 3; i++ {
		d[i] = q[i] - p[i]
		physical += (d[i] * sp[i]) * (d[i] * sp[i])
	}
	physical = math.Sqrt(physical)
	if physical == 0 {
		return nil
	}

	var (
		cur    [3]int
		last   [3]int
		step   [3]int
		tMax   [3]float64
		tDelta [3]float64
	)
	steps := 0
	for i := 0; i < 3; i++ {
		cur[i] = int(math.Floor(p[i]))
		last[i] = int(math.Floor(q[i]))
		steps += abs(last[i] - cur[i])
		switch {
		case d[i] > 0:
			step[i] = 1
			tDelta[i] = 1 / d[i]
			tMax[i] = (float64(cur[i]) + 1 - p[i]) / d[i]
		case d[i] < 0:
			step[i] = -1
			tDelta[i] = -1 / d[i]
			tMax[i] = (p[i] - float64(cur[i])) / -d[i]
		default:
			tMax[i] = math.Inf(1)
			tDelta[i] = math.Inf(1)
		}
	}

	out := make([]Crossing, 0, steps+1)
	t := 0.0
	for n := 0; n <= steps; n++ {
		axis := 0
		if tMax[1] < tMax[axis] {
			axis = 1
		}
		if tMax[2] < tMax[axis] {
			axis = 2
		}
		next := tMax[axis]
		if next >= 1 || n == steps {
			break
		}
		if next > t {
			out = append(out, Crossing{Index: cur, Length: (next - t) * physical})
		}
		t = next
		cur[axis] += step[axis]
		tMax[axis] += tDelta[axis]
	}
	if t < 1 {
		out = append(out, Crossing{Index: cur, Length: (1 - t) * physical})
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
