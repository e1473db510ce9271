package cost

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tractfit/pkg/sparse"
)

// QuadraticFactor scales the quadratic-type regularizers so that λ has a
// comparable practical range across schemes.
const QuadraticFactor = 1e4

// maxWarpExponent caps the argument of the voxel variance warp so that
// exp stays finite.
const maxWarpExponent = 250.0

// Regularizer is one regularization strategy. Values are already divided
// by the number of unknowns.
type Regularizer interface {
	// Value returns R(x)
	Value(x []float64) float64

	// Gradient stores ∇R(x) in dst
	Gradient(dst, x []float64)
}

// NewRegularizer returns the strategy for scheme over dim unknowns. Group
// schemes need groups (sizes summing to dim); VoxelVariance needs the
// sparsity pattern of the design matrix.
func NewRegularizer(scheme Scheme, dim int, groups []int, pattern sparse.Pattern) (Regularizer, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dim %d", ErrGroups, dim)
	}
	switch scheme {
	case MSM:
		return msm{}, nil
	case Variance:
		return variance{}, nil
	case Lasso:
		return lasso{}, nil
	case GroupVariance, GroupLasso:
		total := 0
		for _, g := range groups {
			if g < 0 {
				return nil, fmt.Errorf("%w: negative group size %d", ErrGroups, g)
			}
			total += g
		}
		if total != dim {
			return nil, fmt.Errorf("%w: sum %d, unknowns %d", ErrGroups, total, dim)
		}
		if scheme == GroupVariance {
			return groupVariance{groups: groups}, nil
		}
		return groupLasso{groups: groups}, nil
	case VoxelVariance:
		if pattern == nil {
			return nil, ErrPattern
		}
		if _, c := pattern.Dims(); c != dim {
			return nil, fmt.Errorf("%w: pattern has %d columns, unknowns %d", ErrPattern, c, dim)
		}
		return voxelVariance{pattern: pattern}, nil
	case None:
		return none{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownScheme, int(scheme))
}

type none struct{}

func (none) Value([]float64) float64 { return 0 }

func (none) Gradient(dst, _ []float64) {
	for i := range dst {
		dst[i] = 0
	}
}

// msm: 1e4·‖x‖²/dim
type msm struct{}

func (msm) Value(x []float64) float64 {
	return QuadraticFactor * floats.Dot(x, x) / float64(len(x))
}

func (msm) Gradient(dst, x []float64) {
	floats.ScaleTo(dst, 2*QuadraticFactor/float64(len(x)), x)
}

// variance: 1e4·‖x − mean(x)‖²/dim
type variance struct{}

func (variance) Value(x []float64) float64 {
	mu := floats.Sum(x) / float64(len(x))
	s := 0.0
	for _, v := range x {
		s += (v - mu) * (v - mu)
	}
	return QuadraticFactor * s / float64(len(x))
}

func (variance) Gradient(dst, x []float64) {
	n := float64(len(x))
	mu := floats.Sum(x) / n
	for i, v := range x {
		dst[i] = 2 * QuadraticFactor * (v - mu) / n
	}
}

// lasso: ‖x‖₁/dim. Weights are non-negative, so the subgradient is 1/dim
// wherever x > 0.
type lasso struct{}

func (lasso) Value(x []float64) float64 {
	return floats.Norm(x, 1) / float64(len(x))
}

func (lasso) Gradient(dst, x []float64) {
	inv := 1 / float64(len(x))
	for i, v := range x {
		if v > 0 {
			dst[i] = inv
		} else {
			dst[i] = 0
		}
	}
}

// groupVariance: 1e4·Σ_g var(x_g)/dim, where var(x_g) = ‖x_g − mean(x_g)‖²/|g|
// so that every bundle weighs the same whatever its fiber count.
type groupVariance struct {
	groups []int
}

func (g groupVariance) Value(x []float64) float64 {
	s, start := 0.0, 0
	for _, size := range g.groups {
		if size == 0 {
			continue
		}
		xs := x[start : start+size]
		start += size
		mu := floats.Sum(xs) / float64(size)
		ss := 0.0
		for _, v := range xs {
			ss += (v - mu) * (v - mu)
		}
		s += ss / float64(size)
	}
	return QuadraticFactor * s / float64(len(x))
}

func (g groupVariance) Gradient(dst, x []float64) {
	scale := 2 * QuadraticFactor / float64(len(x))
	start := 0
	for _, size := range g.groups {
		if size == 0 {
			continue
		}
		xs := x[start : start+size]
		mu := floats.Sum(xs) / float64(size)
		for i, v := range xs {
			dst[start+i] = scale * (v - mu) / float64(size)
		}
		start += size
	}
}

// groupLasso: Σ_g √|g|·‖x_g‖₂/dim
type groupLasso struct {
	groups []int
}

func (g groupLasso) Value(x []float64) float64 {
	s, start := 0.0, 0
	for _, size := range g.groups {
		if size == 0 {
			continue
		}
		s += math.Sqrt(float64(size)) * floats.Norm(x[start:start+size], 2)
		start += size
	}
	return s / float64(len(x))
}

func (g groupLasso) Gradient(dst, x []float64) {
	n := float64(len(x))
	start := 0
	for _, size := range g.groups {
		if size == 0 {
			continue
		}
		xs := x[start : start+size]
		ds := dst[start : start+size]
		start += size
		norm := floats.Norm(xs, 2)
		if norm == 0 {
			for i := range ds {
				ds[i] = 0
			}
			continue
		}
		floats.ScaleTo(ds, math.Sqrt(float64(size))/(norm*n), xs)
	}
}

// voxelVariance penalizes, for every row, the deviation of each touching
// unknown from the mean weight m of the unknowns touching that row:
// φ = (x − m)² when x ≤ m, (eˣ − eᵐ)² otherwise. Scaled by 1e4/dim.
type voxelVariance struct {
	pattern sparse.Pattern
}

func warp(v float64) float64 {
	return math.Exp(math.Min(v, maxWarpExponent))
}

// warpSlope is d/dv of warp; zero where the exponent is capped.
func warpSlope(v float64) float64 {
	if v >= maxWarpExponent {
		return 0
	}
	return math.Exp(v)
}

func rowMean(x []float64, idx []int) float64 {
	s := 0.0
	for _, j := range idx {
		s += x[j]
	}
	return s / float64(len(idx))
}

func (r voxelVariance) Value(x []float64) float64 {
	rows, _ := r.pattern.Dims()
	s := 0.0
	for i := 0; i < rows; i++ {
		idx := r.pattern.RowIndices(i)
		if len(idx) == 0 {
			continue
		}
		m := rowMean(x, idx)
		em := warp(m)
		for _, j := range idx {
			if x[j] <= m {
				d := x[j] - m
				s += d * d
			} else {
				d := warp(x[j]) - em
				s += d * d
			}
		}
	}
	return QuadraticFactor * s / float64(len(x))
}

// Gradient includes the dependence of every row mean on its unknowns:
// ∂/∂x_i = ∂φ_i/∂x_i + (1/|U|)·Σ_j ∂φ_j/∂m.
func (r voxelVariance) Gradient(dst, x []float64) {
	for i := range dst {
		dst[i] = 0
	}
	rows, _ := r.pattern.Dims()
	for i := 0; i < rows; i++ {
		idx := r.pattern.RowIndices(i)
		if len(idx) == 0 {
			continue
		}
		m := rowMean(x, idx)
		em, dem := warp(m), warpSlope(m)
		dm := 0.0
		for _, j := range idx {
			if x[j] <= m {
				d := x[j] - m
				dst[j] += 2 * d
				dm -= 2 * d
			} else {
				d := warp(x[j]) - em
				dst[j] += 2 * d * warpSlope(x[j])
				dm -= 2 * d * dem
			}
		}
		share := dm / float64(len(idx))
		for _, j := range idx {
			dst[j] += share
		}
	}
	floats.Scale(QuadraticFactor/float64(len(x)), dst)
}
