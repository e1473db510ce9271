// Package scene reads fitting problems from YAML scene files and writes fit
// results to an output directory.
package scene

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"tractfit/internal/models"
	"tractfit/pkg/assembly"
	"tractfit/pkg/cost"
	"tractfit/pkg/fitter"
	"tractfit/pkg/projection"
	"tractfit/pkg/signal"
)

// ErrInvalid is returned when a scene file is malformed.
var ErrInvalid = errors.New("scene: invalid scene")

// File is the on-disk scene layout. Exactly one of Scalar, Peaks and
// Diffusion must be set; their data is voxel-major with x fastest.
type File struct {
	Geometry Geometry `yaml:"geometry" validate:"required"`
	Bundles  []Bundle `yaml:"bundles" validate:"dive"`

	Scalar    []float64  `yaml:"scalar,omitempty"`
	Peaks     *Peaks     `yaml:"peaks,omitempty"`
	Diffusion *Diffusion `yaml:"diffusion,omitempty"`

	// Mask holds one value per voxel; non-zero means inside
	Mask []int `yaml:"mask,omitempty"`
}

// Geometry describes the target grid.
type Geometry struct {
	Size    [3]int     `yaml:"size" validate:"dive,gt=0"`
	Spacing [3]float64 `yaml:"spacing" validate:"dive,gt=0"`
	Origin  [3]float64 `yaml:"origin"`

	// Direction optionally holds the 3x3 matrix whose columns are the grid
	// axes, in row-major order
	Direction []float64 `yaml:"direction,omitempty" validate:"omitempty,len=9"`
}

// Bundle is a named list of fibers, each a list of points in mm.
type Bundle struct {
	Name   string         `yaml:"name"`
	Fibers [][][3]float64 `yaml:"fibers"`
}

// Peaks holds a peak field with NumPeaks direction vectors per voxel.
type Peaks struct {
	NumPeaks int       `yaml:"numPeaks" validate:"gt=0"`
	Data     []float64 `yaml:"data"`
}

// Diffusion holds a diffusion-weighted signal with one channel per
// gradient.
type Diffusion struct {
	Gradients   [][3]float64 `yaml:"gradients" validate:"min=1"`
	BValues     []float64    `yaml:"bvalues" validate:"min=1"`
	Diffusivity float64      `yaml:"diffusivity,omitempty" validate:"gte=0"`
	Data        []float64    `yaml:"data"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Load reads and parses a scene file.
func Load(path string) (*fitter.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scene file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scene and converts it to a fitting problem.
func Parse(data []byte) (*fitter.Input, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return f.Input()
}

// Input converts the scene to a fitting problem. Image sizes are checked
// during assembly.
func (f *File) Input() (*fitter.Input, error) {
	if err := validatorInstance().Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	targets := 0
	if f.Scalar != nil {
		targets++
	}
	if f.Peaks != nil {
		targets++
	}
	if f.Diffusion != nil {
		targets++
	}
	switch {
	case targets == 0:
		return nil, fmt.Errorf("scene has no target: %w", assembly.ErrNoTarget)
	case targets > 1:
		return nil, fmt.Errorf("scene has %d targets: %w", targets, assembly.ErrMultipleTargets)
	}

	geom, err := f.Geometry.model()
	if err != nil {
		return nil, err
	}

	in := &fitter.Input{}
	for _, b := range f.Bundles {
		bundle := &models.Bundle{Name: b.Name, Fibers: make([]*models.Fiber, len(b.Fibers))}
		for i, pts := range b.Fibers {
			fiber := &models.Fiber{Points: make([]r3.Vec, len(pts))}
			for j, p := range pts {
				fiber.Points[j] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
			}
			bundle.Fibers[i] = fiber
		}
		in.Bundles = append(in.Bundles, bundle)
	}

	switch {
	case f.Scalar != nil:
		in.Scalar = &models.Image{Geometry: geom, Components: 1, Data: f.Scalar}
	case f.Peaks != nil:
		in.Peaks = &models.Image{Geometry: geom, Components: 3 * f.Peaks.NumPeaks, Data: f.Peaks.Data}
	case f.Diffusion != nil:
		d := f.Diffusion
		gradients := make([]r3.Vec, len(d.Gradients))
		for i, g := range d.Gradients {
			gradients[i] = r3.Vec{X: g[0], Y: g[1], Z: g[2]}
		}
		stick, err := signal.NewStick(gradients, d.BValues)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if d.Diffusivity > 0 {
			stick.Diffusivity = d.Diffusivity
		}
		in.Diffusion = &models.Image{Geometry: geom, Components: len(gradients), Data: d.Data}
		in.Model = stick
	}

	if f.Mask != nil {
		mask := &models.Mask{Geometry: geom, Data: make([]uint8, len(f.Mask))}
		for i, v := range f.Mask {
			if v != 0 {
				mask.Data[i] = 1
			}
		}
		in.Mask = mask
	}
	return in, nil
}

func (g Geometry) model() (models.Geometry, error) {
	geom := models.Geometry{
		Size:    g.Size,
		Spacing: r3.Vec{X: g.Spacing[0], Y: g.Spacing[1], Z: g.Spacing[2]},
		Origin:  r3.Vec{X: g.Origin[0], Y: g.Origin[1], Z: g.Origin[2]},
	}
	if len(g.Direction) == 9 {
		geom.Direction = r3.NewMat(append([]float64(nil), g.Direction...))
	}
	if err := geom.Validate(); err != nil {
		return models.Geometry{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return geom, nil
}

// Weights is the layout of weights.yaml.
type Weights struct {
	RunID    string                     `yaml:"runId"`
	Scheme   cost.Scheme                `yaml:"scheme"`
	PerFiber bool                       `yaml:"perFiber"`
	Weights  []float64                  `yaml:"weights"`
	Bundles  []projection.BundleSummary `yaml:"bundles"`
}

// Report is the layout of report.yaml.
type Report struct {
	RunID      string            `yaml:"runId"`
	Modality   string            `yaml:"modality"`
	Scheme     cost.Scheme       `yaml:"scheme"`
	Statistics fitter.Statistics `yaml:"statistics"`
	RMSDeltas  []float64         `yaml:"rmsDeltas"`
	CostTrace  []float64         `yaml:"costTrace"`
}

// Volume file names written by WriteResult.
const (
	FittedFile         = "fitted.bin"
	ResidualFile       = "residual.bin"
	OverExplainedFile  = "overexplained.bin"
	UnderExplainedFile = "underexplained.bin"
)

// WriteResult writes weights.yaml, report.yaml and the synthesized volumes
// to dir, creating it if needed. Volumes are raw little-endian float64 in
// image data order.
func WriteResult(dir string, res *fitter.Result) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	weights := Weights{
		RunID:    res.RunID,
		Scheme:   res.Scheme,
		PerFiber: res.PerFiber,
		Weights:  res.Weights,
		Bundles:  res.Bundles,
	}
	if err := writeYAML(filepath.Join(dir, "weights.yaml"), weights); err != nil {
		return err
	}

	report := Report{
		RunID:      res.RunID,
		Modality:   res.Modality.String(),
		Scheme:     res.Scheme,
		Statistics: res.Statistics,
		RMSDeltas:  res.RMSDeltas,
		CostTrace:  res.CostTrace,
	}
	if err := writeYAML(filepath.Join(dir, "report.yaml"), report); err != nil {
		return err
	}

	if res.Output == nil {
		return nil
	}
	volumes := []struct {
		name  string
		image *models.Image
	}{
		{FittedFile, res.Output.Fitted},
		{ResidualFile, res.Output.Residual},
		{OverExplainedFile, res.Output.OverExplained},
		{UnderExplainedFile, res.Output.UnderExplained},
	}
	for _, v := range volumes {
		if v.image == nil {
			continue
		}
		if err := writeVolume(filepath.Join(dir, v.name), v.image); err != nil {
			return err
		}
	}
	return nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeVolume(path string, im *models.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, im.Data); err != nil {
		return fmt.Errorf("failed to write volume data: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write volume data: %w", err)
	}
	return file.Close()
}
