// Package visualization renders axis-aligned slices of synthesized volumes
// as grayscale images for quick inspection of a fit.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"tractfit/internal/models"
)

// Viewer extracts slices from a voxel image. Multi-component voxels are
// shown by the magnitude of their component vector, scaled so that the
// brightest voxel of the volume is white.
type Viewer struct {
	// magnitude holds one non-negative value per voxel
	magnitude []float64

	// size of the grid along x, y and z
	size [3]int

	// scale maps magnitudes to [0, 1]; zero for an empty volume
	scale float64
}

// NewViewer creates a viewer for im.
func NewViewer(im *models.Image) (*Viewer, error) {
	if err := im.Validate(); err != nil {
		return nil, err
	}
	v := &Viewer{
		magnitude: make([]float64, im.NumVoxels()),
		size:      im.Size,
	}
	for i := range v.magnitude {
		v.magnitude[i] = floats.Norm(im.Voxel(i), 2)
	}
	if peak := floats.Max(v.magnitude); peak > 0 {
		v.scale = 1 / peak
	}
	return v, nil
}

// axisIndex maps an axis name to 0, 1 or 2.
func axisIndex(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return 0, nil
	case "y", "Y":
		return 1, nil
	case "z", "Z":
		return 2, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts the plane at position along axis. The image
// columns and rows follow the remaining two axes in x, y, z order.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= v.size[a] {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, v.size[a], axis)
	}

	// u, w are the in-plane axes
	u, w := (a+1)%3, (a+2)%3
	if u > w {
		u, w = w, u
	}

	img := image.NewGray16(image.Rect(0, 0, v.size[u], v.size[w]))
	var idx [3]int
	idx[a] = position
	for j := 0; j < v.size[w]; j++ {
		for i := 0; i < v.size[u]; i++ {
			idx[u], idx[w] = i, j
			flat := idx[0] + idx[1]*v.size[0] + idx[2]*v.size[0]*v.size[1]
			value := v.magnitude[flat] * v.scale * 65535
			img.SetGray16(i, j, color.Gray16{Y: uint16(min(65535, max(0, value)))})
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along axis to
// outputDir as slice_<axis>_<position>.jpg.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	a, err := axisIndex(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < v.size[a]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveVolumes writes the slices of every named volume along all three
// axes below dir, one directory per volume and axis. Nil images are
// skipped.
func SaveVolumes(dir string, volumes map[string]*models.Image) error {
	for name, im := range volumes {
		if im == nil {
			continue
		}
		v, err := NewViewer(im)
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", name, err)
		}
		for _, axis := range []string{"x", "y", "z"} {
			if err := v.SaveSliceSequence(axis, filepath.Join(dir, name, axis)); err != nil {
				return fmt.Errorf("failed to save %s %s-axis slices: %w", name, axis, err)
			}
		}
	}
	return nil
}
