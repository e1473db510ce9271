package models

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Fiber represents a single streamline as an ordered polyline in world
// coordinates (mm).
type Fiber struct {
	// Points are the polyline vertices in order
	Points []r3.Vec

	// Weight is the non-negative fitted weight, set once after fitting
	Weight float64
}

// Bundle is a named group of fibers. A bundle owns its fibers exclusively.
type Bundle struct {
	// Name identifies the bundle in reports
	Name string

	// Fibers holds the bundle members in order
	Fibers []*Fiber

	// Weight is the shared weight in per-bundle mode and the mean fiber
	// weight in per-fiber mode
	Weight float64
}

// FiberCount returns the total number of fibers across bundles.
func FiberCount(bundles []*Bundle) int {
	n := 0
	for _, b := range bundles {
		if b == nil {
			continue
		}
		n += len(b.Fibers)
	}
	return n
}

// Geometry describes a voxel grid embedded in world space.
//
// Voxel (i, j, k) has its center at Origin + Direction·(i·Sx, j·Sy, k·Sz)
// and covers half a voxel on each side of that center. Flat voxel indices
// are laid out x fastest: i + j·Nx + k·Nx·Ny.
type Geometry struct {
	// Size is the number of voxels along x, y and z
	Size [3]int

	// Spacing is the physical size of each voxel in mm
	Spacing r3.Vec

	// Origin is the world position of the center of voxel (0, 0, 0)
	Origin r3.Vec

	// Direction holds the orthonormal grid axes as columns. A zero value
	// means the identity.
	Direction *r3.Mat
}

// NumVoxels returns the number of voxels in the grid.
func (g Geometry) NumVoxels() int {
	return g.Size[0] * g.Size[1] * g.Size[2]
}

// SameGrid reports whether two geometries have the same voxel layout.
func (g Geometry) SameGrid(o Geometry) bool {
	return g.Size == o.Size
}

// Validate checks that the grid has a positive size and spacing.
func (g Geometry) Validate() error {
	for a := 0; a < 3; a++ {
		if g.Size[a] <= 0 {
			return fmt.Errorf("grid size must be positive, got %v", g.Size)
		}
	}
	if g.Spacing.X <= 0 || g.Spacing.Y <= 0 || g.Spacing.Z <= 0 {
		return fmt.Errorf("grid spacing must be positive, got %v", g.Spacing)
	}
	return nil
}

// ContinuousIndex maps a world point to continuous voxel coordinates, where
// integer values are voxel centers.
func (g Geometry) ContinuousIndex(p r3.Vec) r3.Vec {
	d := r3.Sub(p, g.Origin)
	if g.Direction != nil {
		// inverse of an orthonormal matrix is its transpose
		m := g.Direction
		d = r3.Vec{
			X: m.At(0, 0)*d.X + m.At(1, 0)*d.Y + m.At(2, 0)*d.Z,
			Y: m.At(0, 1)*d.X + m.At(1, 1)*d.Y + m.At(2, 1)*d.Z,
			Z: m.At(0, 2)*d.X + m.At(1, 2)*d.Y + m.At(2, 2)*d.Z,
		}
	}
	return r3.Vec{X: d.X / g.Spacing.X, Y: d.Y / g.Spacing.Y, Z: d.Z / g.Spacing.Z}
}

// Contains reports whether a voxel index lies inside the grid.
func (g Geometry) Contains(idx [3]int) bool {
	for a := 0; a < 3; a++ {
		if idx[a] < 0 || idx[a] >= g.Size[a] {
			return false
		}
	}
	return true
}

// Flat converts a voxel index to its flat position.
func (g Geometry) Flat(idx [3]int) int {
	return idx[0] + idx[1]*g.Size[0] + idx[2]*g.Size[0]*g.Size[1]
}

// Unflat converts a flat position back to a voxel index.
func (g Geometry) Unflat(flat int) [3]int {
	nxy := g.Size[0] * g.Size[1]
	return [3]int{flat % g.Size[0], (flat % nxy) / g.Size[0], flat / nxy}
}

// Image is a voxel volume with a fixed number of components per voxel.
// Data is stored voxel-major: Data[voxel*Components + component].
type Image struct {
	Geometry

	// Components is the number of values stored per voxel
	Components int

	// Data holds the voxel values
	Data []float64
}

// NewImage allocates a zero-filled image.
func NewImage(geom Geometry, components int) *Image {
	return &Image{
		Geometry:   geom,
		Components: components,
		Data:       make([]float64, geom.NumVoxels()*components),
	}
}

// Validate checks that the data length matches the grid and component
// count.
func (im *Image) Validate() error {
	if err := im.Geometry.Validate(); err != nil {
		return err
	}
	if im.Components <= 0 {
		return fmt.Errorf("image must have at least one component, got %d", im.Components)
	}
	if want := im.NumVoxels() * im.Components; len(im.Data) != want {
		return fmt.Errorf("image data has %d values, want %d", len(im.Data), want)
	}
	return nil
}

// Voxel returns the component values of one voxel. The returned slice
// aliases the image data.
func (im *Image) Voxel(flat int) []float64 {
	return im.Data[flat*im.Components : (flat+1)*im.Components]
}

// Mask selects the voxels that may contribute rows to the fit.
type Mask struct {
	Geometry

	// Data holds one value per voxel; non-zero means inside
	Data []uint8
}

// Inside reports whether the flat voxel index is selected by the mask.
func (m *Mask) Inside(flat int) bool {
	return m.Data[flat] != 0
}
