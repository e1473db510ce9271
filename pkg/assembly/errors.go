package assembly

import "errors"

// Every sentinel is returned before any optimizer work starts. Callers
// match them with errors.Is; context is added with %w at the boundary.
var (
	// ErrNoTarget is returned when no modality image is supplied.
	ErrNoTarget = errors.New("assembly: no target image supplied")

	// ErrMultipleTargets is returned when more than one modality image is
	// supplied.
	ErrMultipleTargets = errors.New("assembly: more than one target image supplied")

	// ErrBadImage is returned when a target image is internally
	// inconsistent (data length, component count).
	ErrBadImage = errors.New("assembly: invalid target image")

	// ErrMaskMismatch is returned when the mask grid differs from the
	// target grid.
	ErrMaskMismatch = errors.New("assembly: mask grid does not match target grid")

	// ErrModelMismatch is returned when the signal model channel count does
	// not match the target image.
	ErrModelMismatch = errors.New("assembly: signal model does not match target channels")

	// ErrNoUnknowns is returned when no fibers are supplied.
	ErrNoUnknowns = errors.New("assembly: no fibers supplied")

	// ErrNoCoveredVoxels is returned when no fiber traverses a voxel of the
	// (masked) target.
	ErrNoCoveredVoxels = errors.New("assembly: fibers cover no target voxels")

	// ErrNoSignal is returned when normalization would divide by zero: the
	// covered voxels hold no signal or the fibers contribute none.
	ErrNoSignal = errors.New("assembly: covered rows carry no signal")
)
