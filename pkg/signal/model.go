// Package signal provides per-direction signal simulators. A model maps a
// local fiber direction to the measurement one unit of fiber length would
// produce in a voxel.
package signal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Model simulates a multi-channel measurement for a fiber direction.
type Model interface {
	// Channels returns the number of values written by Simulate
	Channels() int

	// Simulate writes the per-channel signal for the unit direction dir
	// into dst, which has length Channels()
	Simulate(dst []float64, dir r3.Vec)
}

// Constant is a single channel model for scalar maps such as fiber
// density or tract probability: every unit of length contributes Value.
type Constant struct {
	Value float64
}

// NewConstant returns a unit constant model.
func NewConstant() Constant {
	return Constant{Value: 1}
}

// Channels implements Model.
func (Constant) Channels() int { return 1 }

// Simulate implements Model.
func (c Constant) Simulate(dst []float64, _ r3.Vec) {
	dst[0] = c.Value
}

// DefaultDiffusivity is the axial diffusivity of the stick model in mm²/s.
const DefaultDiffusivity = 0.0012

// Stick models the diffusion-weighted signal of a single straight
// compartment: S = S0·exp(-b·d·(g·v)²) per gradient g with b-value b.
type Stick struct {
	// Gradients are the unit gradient directions; zero vectors mark b=0
	// measurements
	Gradients []r3.Vec

	// BValues holds one b-value (s/mm²) per gradient
	BValues []float64

	// Diffusivity is the axial diffusivity d
	Diffusivity float64

	// S0 is the non-weighted signal
	S0 float64
}

// NewStick creates a stick model, normalizing gradient directions.
func NewStick(gradients []r3.Vec, bvalues []float64) (*Stick, error) {
	if len(gradients) == 0 {
		return nil, fmt.Errorf("stick model needs at least one gradient")
	}
	if len(gradients) != len(bvalues) {
		return nil, fmt.Errorf("got %d gradients but %d b-values", len(gradients), len(bvalues))
	}
	s := &Stick{
		Gradients:   make([]r3.Vec, len(gradients)),
		BValues:     append([]float64(nil), bvalues...),
		Diffusivity: DefaultDiffusivity,
		S0:          1,
	}
	for i, g := range gradients {
		if n := r3.Norm(g); n > 0 {
			g = r3.Scale(1/n, g)
		}
		s.Gradients[i] = g
	}
	return s, nil
}

// Channels implements Model.
func (s *Stick) Channels() int { return len(s.Gradients) }

// Simulate implements Model.
func (s *Stick) Simulate(dst []float64, dir r3.Vec) {
	for i, g := range s.Gradients {
		c := r3.Dot(g, dir)
		dst[i] = s.S0 * math.Exp(-s.BValues[i]*s.Diffusivity*c*c)
	}
}
