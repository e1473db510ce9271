// Package projection copies solved weights back onto fibers and bundles
// and measures how much each bundle contributes to the fit.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"tractfit/internal/models"
	"tractfit/pkg/sparse"
)

var (
	// ErrLength is returned when the weight vector does not match the
	// unknowns implied by the bundles.
	ErrLength = errors.New("projection: weight vector length mismatch")

	// ErrGroups is returned when group sizes do not partition the weights.
	ErrGroups = errors.New("projection: group sizes do not match weights")
)

// BundleSummary reports the fitted state of one bundle.
type BundleSummary struct {
	Name   string  `yaml:"name"`
	Fibers int     `yaml:"fibers"`
	Weight float64 `yaml:"weight"`

	// RMSDelta is RMSE without the bundle minus RMSE with it; larger
	// values mean a more important bundle
	RMSDelta float64 `yaml:"rmsDelta"`
}

// Options controls projection.
type Options struct {
	// PerFiber selects per-fiber granularity
	PerFiber bool

	// Workers bounds the concurrent leave-one-out evaluations. Zero
	// selects runtime.NumCPU().
	Workers int

	Logger *slog.Logger
}

// Result holds the projected weights and diagnostics.
type Result struct {
	// BaselineRMSE is the RMSE of the full solution
	BaselineRMSE float64

	// RMSDeltas holds one leave-one-out delta per group, in bundle order
	RMSDeltas []float64

	Bundles []BundleSummary
}

// Project assigns x to the bundles and computes the leave-one-out RMSE
// delta of every group of unknowns. op and b are only read.
func Project(ctx context.Context, bundles []*models.Bundle, op sparse.Operator, b, x []float64, groups []int, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(groups) != len(bundles) {
		return nil, fmt.Errorf("%w: %d groups for %d bundles", ErrGroups, len(groups), len(bundles))
	}
	if err := Assign(bundles, x, opts.PerFiber); err != nil {
		return nil, err
	}

	work := make([]float64, len(b))
	res := &Result{BaselineRMSE: sparse.RMSE(op, b, x, work)}

	deltas, err := LeaveOneOut(ctx, op, b, x, groups, opts.Workers)
	if err != nil {
		return nil, err
	}
	res.RMSDeltas = deltas

	res.Bundles = make([]BundleSummary, len(bundles))
	for i, bundle := range bundles {
		s := BundleSummary{RMSDelta: deltas[i]}
		if bundle != nil {
			s.Name = bundle.Name
			s.Fibers = len(bundle.Fibers)
			s.Weight = bundle.Weight
		}
		res.Bundles[i] = s
	}
	logger.Debug("weights projected", "bundles", len(bundles), "baselineRMSE", res.BaselineRMSE)
	return res, nil
}

// Assign copies the weights onto fibers and sets each bundle weight. In
// per-fiber mode x holds one weight per fiber in bundle order and a bundle
// gets the mean of its fiber weights; otherwise x holds one weight per
// bundle, shared by its fibers.
func Assign(bundles []*models.Bundle, x []float64, perFiber bool) error {
	if !perFiber {
		if len(x) != len(bundles) {
			return fmt.Errorf("%w: %d weights for %d bundles", ErrLength, len(x), len(bundles))
		}
		for i, bundle := range bundles {
			if bundle == nil {
				continue
			}
			bundle.Weight = x[i]
			for _, f := range bundle.Fibers {
				if f != nil {
					f.Weight = x[i]
				}
			}
		}
		return nil
	}

	if n := models.FiberCount(bundles); n != len(x) {
		return fmt.Errorf("%w: %d weights for %d fibers", ErrLength, len(x), n)
	}
	col := 0
	for _, bundle := range bundles {
		if bundle == nil {
			continue
		}
		sum := 0.0
		for _, f := range bundle.Fibers {
			if f != nil {
				f.Weight = x[col]
			}
			sum += x[col]
			col++
		}
		bundle.Weight = 0
		if len(bundle.Fibers) > 0 {
			bundle.Weight = sum / float64(len(bundle.Fibers))
		}
	}
	return nil
}

// LeaveOneOut returns, for every group of contiguous unknowns, the RMSE of
// x with that group zeroed minus the RMSE of x. Groups are evaluated
// concurrently by at most workers goroutines, each with its own buffers.
func LeaveOneOut(ctx context.Context, op sparse.Operator, b, x []float64, groups []int, workers int) ([]float64, error) {
	total := 0
	for _, g := range groups {
		if g < 0 {
			return nil, fmt.Errorf("%w: negative size %d", ErrGroups, g)
		}
		total += g
	}
	if total != len(x) {
		return nil, fmt.Errorf("%w: sizes sum to %d, %d weights", ErrGroups, total, len(x))
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	type scratch struct {
		x, rows []float64
	}
	pool := make(chan *scratch, workers)
	for i := 0; i < workers; i++ {
		pool <- &scratch{x: make([]float64, len(x)), rows: make([]float64, len(b))}
	}

	base := sparse.RMSE(op, b, x, make([]float64, len(b)))
	deltas := make([]float64, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	start := 0
	for gi, size := range groups {
		gi := gi
		lo, hi := start, start+size
		start = hi
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s := <-pool
			defer func() { pool <- s }()

			copy(s.x, x)
			for i := lo; i < hi; i++ {
				s.x[i] = 0
			}
			deltas[gi] = sparse.RMSE(op, b, s.x, s.rows) - base
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return deltas, nil
}
