package cost

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownScheme is returned when a scheme name cannot be parsed.
	ErrUnknownScheme = errors.New("cost: unknown regularization scheme")

	// ErrGroups is returned when the group partition does not cover the
	// unknowns exactly.
	ErrGroups = errors.New("cost: group sizes do not sum to the number of unknowns")

	// ErrPattern is returned when the voxel variance scheme has no usable
	// sparsity pattern.
	ErrPattern = errors.New("cost: sparsity pattern missing or mismatched")

	// ErrDimensions is returned when the operator and target disagree.
	ErrDimensions = errors.New("cost: operator and target dimensions differ")
)

// Scheme selects the regularization strategy.
type Scheme int

const (
	// MSM shrinks the squared magnitude of the weights.
	MSM Scheme = iota

	// Variance pulls all weights towards their global mean.
	Variance

	// Lasso penalizes the L1 norm, favouring sparse solutions.
	Lasso

	// VoxelVariance pulls each weight towards the mean weight of the
	// unknowns sharing a row, penalizing local overshoot more strongly.
	VoxelVariance

	// GroupLasso penalizes the L2 norm of each bundle, scaled by the square
	// root of its size.
	GroupLasso

	// GroupVariance pulls the weights of each bundle towards the bundle
	// mean.
	GroupVariance

	// None disables regularization.
	None
)

var schemeNames = [...]string{
	MSM:           "MSM",
	Variance:      "VARIANCE",
	Lasso:         "LASSO",
	VoxelVariance: "VOXEL_VARIANCE",
	GroupLasso:    "GROUP_LASSO",
	GroupVariance: "GROUP_VARIANCE",
	None:          "NONE",
}

// Schemes returns every scheme in declaration order.
func Schemes() []Scheme {
	out := make([]Scheme, len(schemeNames))
	for i := range schemeNames {
		out[i] = Scheme(i)
	}
	return out
}

// String returns the configuration name of the scheme.
func (s Scheme) String() string {
	if s < 0 || int(s) >= len(schemeNames) {
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
	return schemeNames[s]
}

// ParseScheme parses a scheme name. Matching ignores case and surrounding
// whitespace.
func ParseScheme(name string) (Scheme, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range schemeNames {
		if n == name {
			return Scheme(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Scheme) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(schemeNames) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScheme, int(s))
	}
	return []byte(schemeNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scheme) UnmarshalText(text []byte) error {
	parsed, err := ParseScheme(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Grouped reports whether the scheme uses the bundle partition.
func (s Scheme) Grouped() bool {
	return s == GroupLasso || s == GroupVariance
}
