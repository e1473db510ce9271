package sparse

import (
	"math"
	"testing"

	bsparse "github.com/james-bowman/sparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// buildSample builds
//
//	[ 1 0 2 ]
//	[ 0 0 0 ]
//	[ 0 3 4 ]
//	[ 5 0 0 ]
func buildSample(t *testing.T) *CSR {
	b, err := NewBuilder(3)
	require.NoError(t, err)
	first := b.AddRows(4)
	require.Equal(t, 0, first)

	require.NoError(t, b.Add(0, 2, 1.5))
	require.NoError(t, b.Add(0, 0, 1))
	require.NoError(t, b.Add(0, 2, 0.5))
	require.NoError(t, b.Add(2, 1, 3))
	require.NoError(t, b.Add(2, 2, 4))
	require.NoError(t, b.Add(3, 0, 5))

	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func TestCSRMatchesDense(t *testing.T) {
	m := buildSample(t)
	want := mat.NewDense(4, 3, []float64{
		1, 0, 2,
		0, 0, 0,
		0, 3, 4,
		5, 0, 0,
	})
	assert.True(t, mat.Equal(want, m))
	assert.True(t, mat.Equal(want.T(), m.T()))
	assert.Equal(t, 5, m.NNZ())
	assert.Equal(t, []int{0, 2}, m.RowIndices(0))
	assert.Empty(t, m.RowIndices(1))
}

func TestCSRSharesLibraryStorage(t *testing.T) {
	m := buildSample(t)
	lib := m.Matrix()
	assert.Equal(t, 5, lib.NNZ())
	assert.Equal(t, []int{0, 2, 2, 4, 5}, lib.RawMatrix().Indptr)

	_, ok := m.T().(*bsparse.CSC)
	assert.True(t, ok, "transpose is a CSC view")

	// scaling leaves the source values untouched
	s := m.Scaled(2)
	assert.Equal(t, []float64{2, 4}, s.RowValues(0))
	assert.Equal(t, []float64{1, 2}, m.RowValues(0))
}

func TestCSRMulVec(t *testing.T) {
	m := buildSample(t)
	dense := mat.DenseCopyOf(m)

	x := []float64{1, -2, 0.5}
	got := make([]float64, 4)
	m.MulVecTo(got, x)

	var want mat.VecDense
	want.MulVec(dense, mat.NewVecDense(3, x))
	assert.InDeltaSlice(t, want.RawVector().Data, got, 1e-12)

	y := []float64{1, 2, -1, 0.25}
	gotT := make([]float64, 3)
	m.MulTransVecTo(gotT, y)

	var wantT mat.VecDense
	wantT.MulVec(dense.T(), mat.NewVecDense(4, y))
	assert.InDeltaSlice(t, wantT.RawVector().Data, gotT, 1e-12)
}

func TestCSRScaled(t *testing.T) {
	m := buildSample(t)
	s := m.Scaled(0.5)
	assert.InDelta(t, 1.0, s.At(0, 2), 1e-12)
	assert.InDelta(t, 2.0, m.At(0, 2), 1e-12, "original untouched")
}

func TestBuilderErrors(t *testing.T) {
	_, err := NewBuilder(0)
	assert.ErrorIs(t, err, ErrShape)

	b, err := NewBuilder(2)
	require.NoError(t, err)
	_, err = b.Build()
	assert.ErrorIs(t, err, ErrShape)

	b.AddRows(1)
	assert.ErrorIs(t, b.Add(1, 0, 1), ErrIndex)
	assert.ErrorIs(t, b.Add(0, 2, 1), ErrIndex)
}

func TestRMSE(t *testing.T) {
	m := buildSample(t)
	x := []float64{1, 1, 1}
	// A·x = [3 0 7 5]
	b := []float64{3, 0, 5, 5}
	work := make([]float64, 4)
	assert.InDelta(t, math.Sqrt(4.0/4.0), RMSE(m, b, x, work), 1e-12)
}
