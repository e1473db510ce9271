// Package cost defines the objective minimized by the solver: the mean
// squared residual of the linear system plus a weighted regularization
// term.
//
//	f(x)  = mean((S·x − b)²) + λ·R(x)
//	∇f(x) = (2/N)·Sᵗ(S·x − b) + λ·∇R(x)
//
// S is any sparse.Operator, so the matrix representation can change
// without touching the cost.
package cost

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tractfit/pkg/sparse"
)

// Function evaluates the cost and its gradient. It keeps work buffers and
// must not be used from several goroutines at once.
type Function struct {
	op     sparse.Operator
	b      []float64
	reg    Regularizer
	lambda float64

	resid []float64
	work  []float64
}

// NewFunction wraps the operator, target and regularizer.
func NewFunction(op sparse.Operator, b []float64, reg Regularizer, lambda float64) (*Function, error) {
	rows, cols := op.Dims()
	if rows != len(b) {
		return nil, fmt.Errorf("%w: operator has %d rows, target %d", ErrDimensions, rows, len(b))
	}
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("%w: empty operator %dx%d", ErrDimensions, rows, cols)
	}
	if reg == nil {
		reg = none{}
	}
	return &Function{
		op:     op,
		b:      b,
		reg:    reg,
		lambda: lambda,
		resid:  make([]float64, rows),
		work:   make([]float64, cols),
	}, nil
}

// Dim returns the number of unknowns.
func (f *Function) Dim() int {
	_, c := f.op.Dims()
	return c
}

// Rows returns the number of residual rows.
func (f *Function) Rows() int {
	return len(f.b)
}

// Lambda returns the current regularization strength.
func (f *Function) Lambda() float64 { return f.lambda }

// SetLambda changes the regularization strength.
func (f *Function) SetLambda(lambda float64) { f.lambda = lambda }

// Regularizer returns the regularization strategy.
func (f *Function) Regularizer() Regularizer { return f.reg }

// residual stores S·x − b in f.resid.
func (f *Function) residual(x []float64) {
	f.op.MulVecTo(f.resid, x)
	floats.Sub(f.resid, f.b)
}

// Func returns f(x).
func (f *Function) Func(x []float64) float64 {
	f.residual(x)
	data := floats.Dot(f.resid, f.resid) / float64(len(f.b))
	if f.lambda == 0 {
		return data
	}
	return data + f.lambda*f.reg.Value(x)
}

// Grad stores ∇f(x) in grad.
func (f *Function) Grad(grad, x []float64) {
	f.residual(x)
	f.op.MulTransVecTo(grad, f.resid)
	floats.Scale(2/float64(len(f.b)), grad)
	if f.lambda == 0 {
		return
	}
	f.reg.Gradient(f.work, x)
	floats.AddScaled(grad, f.lambda, f.work)
}

// RegularizerGrad stores ∇R(x) (λ = 1) in dst.
func (f *Function) RegularizerGrad(dst, x []float64) {
	f.reg.Gradient(dst, x)
}

// DataValue returns the data term mean((S·x − b)²) alone.
func (f *Function) DataValue(x []float64) float64 {
	f.residual(x)
	return floats.Dot(f.resid, f.resid) / float64(len(f.b))
}

// RMSE returns sqrt(mean((S·x − b)²)).
func (f *Function) RMSE(x []float64) float64 {
	return math.Sqrt(f.DataValue(x))
}
