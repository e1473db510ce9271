// Package assembly builds the sparse linear system that relates fiber
// weights to the observed per-voxel signal.
//
// Every fiber segment is rasterized onto the target grid. Each covered
// voxel owns one row per channel; the simulated contribution of the segment
// is accumulated into the column of the fiber (or of its bundle). After the
// pass the system is normalized so that the mean fiber density per row is
// one and the mean observed signal is 100. Diffusion and peak rows are
// centered on their per-voxel channel mean before they are written.
package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"tractfit/internal/models"
	"tractfit/pkg/grid"
	"tractfit/pkg/signal"
	"tractfit/pkg/sparse"
)

// SignalTarget is the mean observed row magnitude after normalization.
const SignalTarget = 100.0

// Input holds the data to assemble. Exactly one of Scalar, Peaks and
// Diffusion must be set.
type Input struct {
	// Bundles are the tracts to fit. A nil bundle is treated as empty.
	Bundles []*models.Bundle

	// Scalar is a one-component map
	Scalar *models.Image

	// Peaks is a peak image with 3·numPeaks components
	Peaks *models.Image

	// Diffusion is a multi-channel diffusion-weighted image
	Diffusion *models.Image

	// Mask optionally restricts the voxels that produce rows
	Mask *models.Mask
}

// Options controls assembly.
type Options struct {
	// FitIndividualFibers selects one unknown per fiber instead of one per
	// bundle
	FitIndividualFibers bool

	// PeakAngleThreshold is the minimum |cos| for peak matching. Zero
	// selects DefaultPeakAngleThreshold.
	PeakAngleThreshold float64

	// Rasterizer traverses segments. Nil selects grid.DDA.
	Rasterizer grid.Rasterizer

	// Model simulates the per-direction signal. Nil selects
	// signal.Constant for scalar targets; diffusion targets require one.
	Model signal.Model

	// Logger receives progress and data warnings. Nil selects
	// slog.Default().
	Logger *slog.Logger
}

// Row identifies the voxel and channel of one equation.
type Row struct {
	Voxel   int
	Channel int
}

// System is the assembled, normalized linear system. It is never modified
// after Build returns.
type System struct {
	// A maps unknowns to rows (normalized)
	A *sparse.CSR

	// B is the normalized, demeaned target
	B []float64

	// Groups holds the number of unknowns per bundle, in bundle order
	Groups []int

	// Rows describes every row of A
	Rows []Row

	// Observed holds the raw observed value of every row
	Observed []float64

	// Offsets holds the per-row value removed before normalization (the
	// voxel channel mean for diffusion and peak targets, 0 otherwise)
	Offsets []float64

	// MeanSignal is the mean raw |observed| value over rows
	MeanSignal float64

	// MeanDensity is the mean absolute simulated contribution per row,
	// measured before centering
	MeanDensity float64

	Modality Modality

	// Channels is the number of rows per covered voxel
	Channels int

	// Target is the image the system was built from
	Target *models.Image

	// PerFiber reports per-fiber granularity
	PerFiber bool

	Unknowns      int
	Fibers        int
	CoveredVoxels int
	SkippedFibers int
}

// SignalScale converts normalized row values back to observed units.
func (s *System) SignalScale() float64 {
	return s.MeanSignal / SignalTarget
}

// Denormalize maps normalized row values (such as B or A·x) back to
// observed units and restores the per-row offset.
func (s *System) Denormalize(dst, v []float64) {
	scale := s.SignalScale()
	for i := range v {
		dst[i] = v[i]*scale + s.Offsets[i]
	}
}

// Build assembles the linear system. It is single threaded and checks ctx
// once per fiber.
func Build(ctx context.Context, in Input, opts Options) (*System, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	target, modality, err := in.target()
	if err != nil {
		return nil, err
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if in.Mask != nil {
		if !in.Mask.SameGrid(target.Geometry) || len(in.Mask.Data) != target.NumVoxels() {
			return nil, fmt.Errorf("%w: mask %v, target %v", ErrMaskMismatch, in.Mask.Size, target.Size)
		}
	}

	fibers := models.FiberCount(in.Bundles)
	if fibers == 0 {
		return nil, ErrNoUnknowns
	}
	unknowns := len(in.Bundles)
	if opts.FitIndividualFibers {
		unknowns = fibers
	}

	contrib, err := newContributor(target, modality, opts)
	if err != nil {
		return nil, err
	}
	rasterizer := opts.Rasterizer
	if rasterizer == nil {
		rasterizer = grid.NewDDA()
	}

	mb, err := sparse.NewBuilder(unknowns)
	if err != nil {
		return nil, err
	}

	sys := &System{
		Modality: modality,
		Channels: contrib.channels(),
		Target:   target,
		PerFiber: opts.FitIndividualFibers,
		Unknowns: unknowns,
		Fibers:   fibers,
		Groups:   make([]int, len(in.Bundles)),
	}

	var (
		geom     = target.Geometry
		channels = contrib.channels()
		values   = make([]float64, channels)
		observed = make([]float64, channels)
		rowOf    = make(map[int]int)
		column   = 0
		density  = 0.0
	)

	for bi, bundle := range in.Bundles {
		switch {
		case !opts.FitIndividualFibers:
			sys.Groups[bi] = 1
		case bundle != nil:
			sys.Groups[bi] = len(bundle.Fibers)
		}
		if bundle == nil {
			continue
		}

		for fi, fiber := range bundle.Fibers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			unknown := bi
			if opts.FitIndividualFibers {
				unknown = column
			}
			column++

			if fiber == nil || len(fiber.Points) < 2 {
				sys.SkippedFibers++
				logger.Warn("skipping fiber with fewer than two points",
					"bundle", bundle.Name, "fiber", fi)
				continue
			}

			for s := 1; s < len(fiber.Points); s++ {
				p0, p1 := fiber.Points[s-1], fiber.Points[s]
				seg := r3.Sub(p1, p0)
				n := r3.Norm(seg)
				if n == 0 {
					continue
				}
				dir := r3.Scale(1/n, seg)

				crossings := rasterizer.Rasterize(geom.ContinuousIndex(p0), geom.ContinuousIndex(p1), geom.Spacing)
				for _, c := range crossings {
					if c.Length <= 0 || !geom.Contains(c.Index) {
						continue
					}
					voxel := geom.Flat(c.Index)
					if in.Mask != nil && !in.Mask.Inside(voxel) {
						continue
					}

					if !contrib.contribute(voxel, dir, c.Length, values) {
						continue
					}
					density += floats.Norm(values, 1)

					base, ok := rowOf[voxel]
					if !ok {
						base = mb.AddRows(channels)
						rowOf[voxel] = base
						sys.touch(contrib, voxel, observed)
					}
					if contrib.demeaned() {
						floats.AddConst(-mean(values), values)
					}
					for ch, v := range values {
						if v == 0 {
							continue
						}
						if err := mb.Add(base+ch, unknown, v); err != nil {
							return nil, err
						}
					}
				}
			}
		}
	}

	sys.CoveredVoxels = len(rowOf)
	if sys.CoveredVoxels == 0 {
		return nil, ErrNoCoveredVoxels
	}

	raw, err := mb.Build()
	if err != nil {
		return nil, err
	}
	if err := sys.normalize(raw, density); err != nil {
		return nil, err
	}

	logger.Info("linear system assembled",
		"modality", modality.String(),
		"rows", len(sys.B),
		"unknowns", sys.Unknowns,
		"nonzeros", sys.A.NNZ(),
		"coveredVoxels", sys.CoveredVoxels,
		"skippedFibers", sys.SkippedFibers)
	return sys, nil
}

// touch records the rows of a voxel the first time a fiber reaches it.
func (s *System) touch(contrib contributor, voxel int, scratch []float64) {
	contrib.observe(voxel, scratch)
	offset := 0.0
	if contrib.demeaned() {
		offset = mean(scratch)
	}
	for ch, v := range scratch {
		s.Rows = append(s.Rows, Row{Voxel: voxel, Channel: ch})
		s.Observed = append(s.Observed, v)
		s.Offsets = append(s.Offsets, offset)
		s.B = append(s.B, v-offset)
	}
}

// normalize scales the raw matrix to unit mean density and the target to a
// mean signal of SignalTarget. density is the total absolute simulated
// contribution before centering.
func (s *System) normalize(raw *sparse.CSR, density float64) error {
	rows, _ := raw.Dims()

	signalSum := 0.0
	for i := 0; i < rows; i++ {
		signalSum += math.Abs(s.Observed[i])
	}
	s.MeanSignal = signalSum / float64(rows)
	s.MeanDensity = density / float64(rows)
	if s.MeanSignal == 0 {
		return fmt.Errorf("%w: observed values are all zero", ErrNoSignal)
	}
	if s.MeanDensity == 0 {
		return fmt.Errorf("%w: fibers contribute no simulated signal", ErrNoSignal)
	}

	s.A = raw.Scaled(1 / s.MeanDensity)
	floats.Scale(SignalTarget/s.MeanSignal, s.B)
	return nil
}

// target returns the single supplied modality image.
func (in Input) target() (*models.Image, Modality, error) {
	var (
		image    *models.Image
		modality Modality
		count    int
	)
	if in.Scalar != nil {
		image, modality = in.Scalar, Scalar
		count++
	}
	if in.Diffusion != nil {
		image, modality = in.Diffusion, Diffusion
		count++
	}
	if in.Peaks != nil {
		image, modality = in.Peaks, PeakField
		count++
	}
	switch count {
	case 0:
		return nil, 0, ErrNoTarget
	case 1:
		return image, modality, nil
	default:
		return nil, 0, ErrMultipleTargets
	}
}

func newContributor(target *models.Image, modality Modality, opts Options) (contributor, error) {
	switch modality {
	case Scalar:
		if target.Components != 1 {
			return nil, fmt.Errorf("%w: scalar map has %d components", ErrBadImage, target.Components)
		}
		model := opts.Model
		if model == nil {
			model = signal.NewConstant()
		}
		if model.Channels() != 1 {
			return nil, fmt.Errorf("%w: model has %d channels, scalar map has 1", ErrModelMismatch, model.Channels())
		}
		return &scalarContributor{image: target, model: model}, nil

	case Diffusion:
		if opts.Model == nil {
			return nil, fmt.Errorf("%w: diffusion target requires a signal model", ErrModelMismatch)
		}
		if opts.Model.Channels() != target.Components {
			return nil, fmt.Errorf("%w: model has %d channels, image has %d",
				ErrModelMismatch, opts.Model.Channels(), target.Components)
		}
		return &diffusionContributor{image: target, model: opts.Model}, nil

	case PeakField:
		if target.Components%3 != 0 {
			return nil, fmt.Errorf("%w: peak image has %d components, want a multiple of 3", ErrBadImage, target.Components)
		}
		threshold := opts.PeakAngleThreshold
		if threshold == 0 {
			threshold = DefaultPeakAngleThreshold
		}
		return &peakContributor{image: target, numPeaks: target.Components / 3, threshold: threshold}, nil
	}
	return nil, fmt.Errorf("unknown modality %v", modality)
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Sum(v) / float64(len(v))
}
