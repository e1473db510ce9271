package solver

import (
	"context"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// recorder follows one optimizer run. It keeps the objective value of every
// accepted iterate and the best point evaluated so far, and stops the run
// when the context is done.
type recorder struct {
	ctx context.Context

	trace []float64
	bestF float64
	bestY []float64
}

func newRecorder(ctx context.Context) *recorder {
	return &recorder{ctx: ctx, bestF: math.Inf(1)}
}

// Init implements optimize.Recorder.
func (r *recorder) Init() error {
	r.trace = r.trace[:0]
	r.bestF = math.Inf(1)
	r.bestY = nil
	return nil
}

// Record implements optimize.Recorder.
func (r *recorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if op == optimize.InitIteration || op == optimize.MajorIteration {
		r.trace = append(r.trace, loc.F)
	}
	if op&optimize.FuncEvaluation != 0 || op == optimize.InitIteration {
		if !math.IsNaN(loc.F) && loc.F < r.bestF {
			r.bestF = loc.F
			r.bestY = append(r.bestY[:0], loc.X...)
		}
	}
	return nil
}
