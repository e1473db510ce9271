package assembly

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"tractfit/internal/models"
	"tractfit/pkg/signal"
)

// Modality identifies the kind of target image a system was built from.
type Modality int

const (
	// Scalar is a single value per voxel (density, probability maps).
	Scalar Modality = iota

	// Diffusion is a multi-channel diffusion-weighted signal.
	Diffusion

	// PeakField is a set of peak direction vectors per voxel.
	PeakField
)

// String returns the modality name.
func (m Modality) String() string {
	switch m {
	case Scalar:
		return "scalar"
	case Diffusion:
		return "diffusion"
	case PeakField:
		return "peaks"
	default:
		return fmt.Sprintf("Modality(%d)", int(m))
	}
}

// DefaultPeakAngleThreshold is the minimum |cos| between a fiber segment
// and an observed peak for the peak to be matched.
const DefaultPeakAngleThreshold = 0.9

// contributor is the per-modality part of assembly: how a voxel is read
// and how a rasterized segment turns into per-channel contributions.
type contributor interface {
	// channels returns the rows allocated per covered voxel
	channels() int

	// observe writes the raw observed value of every channel of a voxel
	observe(voxel int, dst []float64)

	// demeaned reports whether contributions and observations are
	// centered on their per-voxel channel mean
	demeaned() bool

	// contribute writes the contribution of a segment of the given
	// direction and length inside voxel to dst (all channels). It returns
	// false when the segment contributes nothing to the voxel.
	contribute(voxel int, dir r3.Vec, length float64, dst []float64) bool
}

// scalarContributor handles single-channel maps.
type scalarContributor struct {
	image *models.Image
	model signal.Model
}

func (s *scalarContributor) channels() int { return 1 }

func (s *scalarContributor) observe(voxel int, dst []float64) {
	dst[0] = s.image.Data[voxel]
}

func (s *scalarContributor) demeaned() bool { return false }

func (s *scalarContributor) contribute(_ int, dir r3.Vec, length float64, dst []float64) bool {
	s.model.Simulate(dst, dir)
	dst[0] *= length
	return true
}

// diffusionContributor handles multi-channel diffusion signals.
type diffusionContributor struct {
	image *models.Image
	model signal.Model
}

func (d *diffusionContributor) channels() int { return d.image.Components }

func (d *diffusionContributor) observe(voxel int, dst []float64) {
	copy(dst, d.image.Voxel(voxel))
}

func (d *diffusionContributor) demeaned() bool { return true }

func (d *diffusionContributor) contribute(_ int, dir r3.Vec, length float64, dst []float64) bool {
	d.model.Simulate(dst, dir)
	for i := range dst {
		dst[i] *= length
	}
	return true
}

// peakContributor handles peak fields. Each voxel gets one row per peak
// slot. A segment adds to the slot of the observed peak it is best aligned
// with and is ignored when no peak passes the threshold.
type peakContributor struct {
	image     *models.Image
	numPeaks  int
	threshold float64
}

func (p *peakContributor) channels() int { return p.numPeaks }

func (p *peakContributor) peak(voxel, slot int) r3.Vec {
	v := p.image.Voxel(voxel)[slot*3 : slot*3+3]
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}
}

func (p *peakContributor) observe(voxel int, dst []float64) {
	for i := range dst {
		dst[i] = r3.Norm(p.peak(voxel, i))
	}
}

func (p *peakContributor) demeaned() bool { return true }

func (p *peakContributor) contribute(voxel int, dir r3.Vec, length float64, dst []float64) bool {
	slot, w := p.closest(voxel, dir)
	if slot < 0 {
		return false
	}
	for i := range dst {
		dst[i] = 0
	}
	dst[slot] = length * w
	return true
}

// closest returns the slot of the peak best aligned with dir and the
// absolute cosine between them, or -1 when no peak passes the threshold.
func (p *peakContributor) closest(voxel int, dir r3.Vec) (int, float64) {
	best, bestCos := -1, p.threshold
	for i := 0; i < p.numPeaks; i++ {
		v := p.peak(voxel, i)
		mag := r3.Norm(v)
		if mag == 0 {
			continue
		}
		c := math.Abs(r3.Dot(v, dir)) / mag
		if c > bestCos {
			best, bestCos = i, c
		}
	}
	return best, bestCos
}
