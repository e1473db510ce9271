package cost

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"tractfit/pkg/sparse"
)

// sample builds a 4x5 matrix where rows share unknowns in different
// combinations.
func sample(t *testing.T) *sparse.CSR {
	b, err := sparse.NewBuilder(5)
	require.NoError(t, err)
	b.AddRows(4)
	entries := []struct {
		i, j int
		v    float64
	}{
		{0, 0, 1}, {0, 1, 0.5},
		{1, 1, 0.25}, {1, 2, 1}, {1, 3, 0.75},
		{2, 3, 2}, {2, 4, 1},
		{3, 0, 0.5}, {3, 4, 0.5},
	}
	for _, e := range entries {
		require.NoError(t, b.Add(e.i, e.j, e.v))
	}
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

var groups = []int{2, 0, 3}

func numericGradient(fn func([]float64) float64, x []float64) []float64 {
	const h = 1e-6
	g := make([]float64, len(x))
	p := append([]float64(nil), x...)
	for i := range x {
		p[i] = x[i] + h
		up := fn(p)
		p[i] = x[i] - h
		down := fn(p)
		p[i] = x[i]
		g[i] = (up - down) / (2 * h)
	}
	return g
}

func assertGradientClose(t *testing.T, want, got []float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		tol := 1e-4 * math.Max(1, math.Abs(want[i]))
		assert.InDelta(t, want[i], got[i], tol, "component %d", i)
	}
}

func TestSchemeText(t *testing.T) {
	for _, s := range Schemes() {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var back Scheme
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}

	s, err := ParseScheme(" group_lasso ")
	require.NoError(t, err)
	assert.Equal(t, GroupLasso, s)
	assert.True(t, s.Grouped())
	assert.False(t, VoxelVariance.Grouped())

	_, err = ParseScheme("ridge")
	assert.ErrorIs(t, err, ErrUnknownScheme)
	assert.Equal(t, "Scheme(42)", Scheme(42).String())
}

func TestSchemeYAML(t *testing.T) {
	var doc struct {
		Scheme Scheme `yaml:"scheme"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("scheme: VOXEL_VARIANCE\n"), &doc))
	assert.Equal(t, VoxelVariance, doc.Scheme)

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, "scheme: VOXEL_VARIANCE\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte("scheme: BOGUS\n"), &doc))
}

func TestRegularizerGradients(t *testing.T) {
	m := sample(t)
	x := []float64{0.3, 0.9, 1.4, 0.6, 1.1}

	for _, s := range Schemes() {
		t.Run(s.String(), func(t *testing.T) {
			reg, err := NewRegularizer(s, len(x), groups, m)
			require.NoError(t, err)

			got := make([]float64, len(x))
			reg.Gradient(got, x)
			assertGradientClose(t, numericGradient(reg.Value, x), got)
		})
	}
}

func TestFunctionGradient(t *testing.T) {
	m := sample(t)
	b := []float64{1, 2, 0.5, 3}
	x := []float64{0.3, 0.9, 1.4, 0.6, 1.1}

	for _, s := range Schemes() {
		t.Run(s.String(), func(t *testing.T) {
			reg, err := NewRegularizer(s, len(x), groups, m)
			require.NoError(t, err)
			f, err := NewFunction(m, b, reg, 1e-3)
			require.NoError(t, err)

			got := make([]float64, len(x))
			f.Grad(got, x)
			assertGradientClose(t, numericGradient(f.Func, x), got)
		})
	}
}

func TestFunctionDataTerm(t *testing.T) {
	m := sample(t)
	x := []float64{1, 2, 3, 4, 5}
	b := make([]float64, 4)
	m.MulVecTo(b, x)

	f, err := NewFunction(m, b, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, f.Dim())
	assert.Equal(t, 4, f.Rows())
	assert.InDelta(t, 0, f.Func(x), 1e-12)
	assert.InDelta(t, 0, f.RMSE(x), 1e-12)

	// shifting b by 2 everywhere gives an RMSE of 2
	shifted := make([]float64, 4)
	for i := range b {
		shifted[i] = b[i] + 2
	}
	f, err = NewFunction(m, shifted, nil, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2, f.RMSE(x), 1e-12)
	assert.InDelta(t, 2, sparse.RMSE(m, shifted, x, make([]float64, 4)), 1e-12)
}

func TestLassoGradientIsLambdaOverDim(t *testing.T) {
	m := sample(t)
	b := []float64{1, 2, 0.5, 3}
	x := []float64{0.2, 3, 0.01, 7, 1}
	reg, err := NewRegularizer(Lasso, len(x), nil, nil)
	require.NoError(t, err)
	f, err := NewFunction(m, b, reg, 0)
	require.NoError(t, err)

	plain := make([]float64, len(x))
	f.Grad(plain, x)

	const lambda = 0.7
	f.SetLambda(lambda)
	assert.Equal(t, lambda, f.Lambda())
	withReg := make([]float64, len(x))
	f.Grad(withReg, x)

	for i := range x {
		assert.InDelta(t, lambda/float64(len(x)), withReg[i]-plain[i], 1e-12)
	}
}

func TestGroupVarianceZeroOnlyForEqualGroups(t *testing.T) {
	reg, err := NewRegularizer(GroupVariance, 5, groups, nil)
	require.NoError(t, err)

	assert.Zero(t, reg.Value([]float64{2, 2, 0.5, 0.5, 0.5}))
	assert.Zero(t, reg.Value([]float64{0, 0, 9, 9, 9}))
	assert.Greater(t, reg.Value([]float64{2, 2.1, 0.5, 0.5, 0.5}), 0.0)
	assert.Greater(t, reg.Value([]float64{2, 2, 0.5, 0.5, 0.6}), 0.0)

	// equal weights across groups are not required
	grad := make([]float64, 5)
	reg.Gradient(grad, []float64{1, 1, 3, 3, 3})
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, grad)
}

func TestGroupVarianceWeighsBundlesEqually(t *testing.T) {
	// both bundles alternate between 0 and 2, so each has variance 1
	reg, err := NewRegularizer(GroupVariance, 6, []int{2, 4}, nil)
	require.NoError(t, err)
	x := []float64{0, 2, 0, 2, 0, 2}
	assert.InDelta(t, QuadraticFactor*2/6, reg.Value(x), 1e-9)

	grad := make([]float64, 6)
	reg.Gradient(grad, x)
	scale := 2 * QuadraticFactor / 6
	assert.InDeltaSlice(t, []float64{
		-scale / 2, scale / 2,
		-scale / 4, scale / 4, -scale / 4, scale / 4,
	}, grad, 1e-9)
}

func TestRegularizerValues(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	cases := []struct {
		scheme Scheme
		groups []int
		want   float64
	}{
		{MSM, nil, QuadraticFactor * 30 / 4},
		{Variance, nil, QuadraticFactor * 5 / 4},
		{Lasso, nil, 10.0 / 4},
		{GroupVariance, []int{2, 2}, QuadraticFactor * 0.5 / 4},
		{GroupLasso, []int{2, 2}, (math.Sqrt2*math.Sqrt(5) + math.Sqrt2*5) / 4},
		{None, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.scheme.String(), func(t *testing.T) {
			reg, err := NewRegularizer(tc.scheme, len(x), tc.groups, nil)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, reg.Value(x), 1e-9)
		})
	}
}

func TestVoxelVarianceAsymmetry(t *testing.T) {
	// one row touched by both unknowns
	b, err := sparse.NewBuilder(2)
	require.NoError(t, err)
	b.AddRows(1)
	require.NoError(t, b.Add(0, 0, 1))
	require.NoError(t, b.Add(0, 1, 1))
	m, err := b.Build()
	require.NoError(t, err)

	reg, err := NewRegularizer(VoxelVariance, 2, nil, m)
	require.NoError(t, err)

	assert.Zero(t, reg.Value([]float64{1.5, 1.5}))

	// x = (1, 3), m = 2: (1−2)² + (e³−e²)²
	want := QuadraticFactor * (1 + math.Pow(math.Exp(3)-math.Exp(2), 2)) / 2
	assert.InDelta(t, want, reg.Value([]float64{1, 3}), 1e-6)

	// huge weights stay finite
	v := reg.Value([]float64{0, 1e4})
	assert.False(t, math.IsInf(v, 0) || math.IsNaN(v))
	grad := make([]float64, 2)
	reg.Gradient(grad, []float64{0, 1e4})
	for _, g := range grad {
		assert.False(t, math.IsInf(g, 0) || math.IsNaN(g))
	}
}

func TestNewRegularizerErrors(t *testing.T) {
	m := sample(t)

	_, err := NewRegularizer(GroupLasso, 5, []int{2, 2}, nil)
	assert.ErrorIs(t, err, ErrGroups)

	_, err = NewRegularizer(GroupVariance, 5, nil, nil)
	assert.ErrorIs(t, err, ErrGroups)

	_, err = NewRegularizer(VoxelVariance, 5, nil, nil)
	assert.ErrorIs(t, err, ErrPattern)

	_, err = NewRegularizer(VoxelVariance, 4, nil, m)
	assert.ErrorIs(t, err, ErrPattern)

	_, err = NewRegularizer(Scheme(99), 5, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownScheme)

	_, err = NewFunction(m, []float64{1, 2}, nil, 0)
	assert.ErrorIs(t, err, ErrDimensions)
}
