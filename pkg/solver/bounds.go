package solver

import "math"

// boundMargin keeps starting values away from the bounds, where the slope
// of the transform vanishes.
const boundMargin = 1e-6

// bounds maps the box [0, upper] (or [0, ∞) when upper is +Inf) onto an
// unconstrained space so that an unconstrained quasi-Newton method only
// ever evaluates feasible points.
//
//	[0, ∞):     x = √(y²+1) − 1
//	[0, upper]: x = upper·(sin y + 1)/2
type bounds struct {
	upper float64
}

func lowerOnly() bounds { return bounds{upper: math.Inf(1)} }

func (b bounds) boxed() bool { return !math.IsInf(b.upper, 1) }

// margin is the distance kept from each bound when entering the transform.
func (b bounds) margin() float64 {
	if b.boxed() {
		return boundMargin * b.upper
	}
	return boundMargin
}

// clamp projects x onto the box.
func (b bounds) clamp(dst, x []float64) {
	for i, v := range x {
		switch {
		case v < 0 || math.IsNaN(v):
			dst[i] = 0
		case v > b.upper:
			dst[i] = b.upper
		default:
			dst[i] = v
		}
	}
}

// toInternal maps feasible x to y after nudging x off the bounds.
func (b bounds) toInternal(dst, x []float64) {
	m := b.margin()
	for i, v := range x {
		v = math.Max(v, m)
		if b.boxed() {
			v = math.Min(v, b.upper-m)
			dst[i] = math.Asin(2*v/b.upper - 1)
			continue
		}
		dst[i] = math.Sqrt((v+1)*(v+1) - 1)
	}
}

// toExternal maps y back to x.
func (b bounds) toExternal(dst, y []float64) {
	for i, v := range y {
		if b.boxed() {
			dst[i] = b.upper * (math.Sin(v) + 1) / 2
			continue
		}
		dst[i] = math.Sqrt(v*v+1) - 1
	}
}

// slope stores dx/dy in dst.
func (b bounds) slope(dst, y []float64) {
	for i, v := range y {
		if b.boxed() {
			dst[i] = b.upper / 2 * math.Cos(v)
			continue
		}
		dst[i] = v / math.Sqrt(v*v+1)
	}
}
