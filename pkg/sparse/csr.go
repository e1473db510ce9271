// Package sparse provides the compressed sparse row design matrix used by
// the fit and the matrix-free operator view the cost function works with.
package sparse

import (
	"errors"
	"math"
	"sort"

	bsparse "github.com/james-bowman/sparse"
	"github.com/james-bowman/sparse/blas"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShape is returned for non-positive or mismatched dimensions.
	ErrShape = errors.New("sparse: invalid shape")

	// ErrIndex is returned when an entry lies outside the matrix.
	ErrIndex = errors.New("sparse: index out of range")
)

// Operator is a linear map that can be applied and transposed without
// materializing a dense matrix.
type Operator interface {
	// Dims returns the number of rows and columns
	Dims() (r, c int)

	// MulVecTo stores A·x in dst (len rows)
	MulVecTo(dst, x []float64)

	// MulTransVecTo stores Aᵗ·y in dst (len cols)
	MulTransVecTo(dst, y []float64)
}

// Pattern exposes the sparsity structure of a matrix row by row.
type Pattern interface {
	Dims() (r, c int)

	// RowIndices returns the column indices with stored entries in row i.
	// The slice must not be modified.
	RowIndices(i int) []int
}

// CSR is an immutable compressed sparse row matrix backed by
// james-bowman/sparse. It implements mat.Matrix so it can be compared
// against dense matrices in tests and passed to gonum routines that only
// read entries.
type CSR struct {
	m   *bsparse.CSR
	raw *blas.SparseMatrix
}

var (
	_ mat.Matrix = (*CSR)(nil)
	_ Operator   = (*CSR)(nil)
	_ Pattern    = (*CSR)(nil)
)

func wrap(m *bsparse.CSR) *CSR {
	return &CSR{m: m, raw: m.RawMatrix()}
}

// Matrix returns the underlying sparse matrix.
func (m *CSR) Matrix() *bsparse.CSR { return m.m }

// Dims implements mat.Matrix and Operator.
func (m *CSR) Dims() (r, c int) { return m.m.Dims() }

// At implements mat.Matrix.
func (m *CSR) At(i, j int) float64 { return m.m.At(i, j) }

// T implements mat.Matrix. The transpose is a CSC view sharing storage.
func (m *CSR) T() mat.Matrix { return m.m.T() }

// NNZ returns the number of stored entries.
func (m *CSR) NNZ() int { return m.m.NNZ() }

// RowIndices implements Pattern.
func (m *CSR) RowIndices(i int) []int {
	return m.raw.Ind[m.raw.Indptr[i]:m.raw.Indptr[i+1]]
}

// RowValues returns the stored values of row i aligned with RowIndices.
func (m *CSR) RowValues(i int) []float64 {
	return m.raw.Data[m.raw.Indptr[i]:m.raw.Indptr[i+1]]
}

// MulVecTo implements Operator.
func (m *CSR) MulVecTo(dst, x []float64) {
	if len(dst) != m.raw.I || len(x) != m.raw.J {
		panic(mat.ErrShape)
	}
	for i := range dst {
		dst[i] = 0
	}
	blas.Dusmv(false, 1, m.raw, x, 1, dst, 1)
}

// MulTransVecTo implements Operator.
func (m *CSR) MulTransVecTo(dst, y []float64) {
	if len(dst) != m.raw.J || len(y) != m.raw.I {
		panic(mat.ErrShape)
	}
	for j := range dst {
		dst[j] = 0
	}
	blas.Dusmv(true, 1, m.raw, y, 1, dst, 1)
}

// Scaled returns a copy of m with every entry multiplied by f. The index
// arrays are shared.
func (m *CSR) Scaled(f float64) *CSR {
	data := make([]float64, len(m.raw.Data))
	for k, v := range m.raw.Data {
		data[k] = v * f
	}
	return wrap(bsparse.NewCSR(m.raw.I, m.raw.J, m.raw.Indptr, m.raw.Ind, data))
}

// Builder accumulates entries row by row. Repeated entries for the same
// cell are summed in insertion order.
type Builder struct {
	cols int
	rows []map[int]float64
}

// NewBuilder returns a builder for a matrix with the given column count.
// Rows are added with AddRows.
func NewBuilder(cols int) (*Builder, error) {
	if cols <= 0 {
		return nil, ErrShape
	}
	return &Builder{cols: cols}, nil
}

// AddRows appends n empty rows and returns the index of the first one.
func (b *Builder) AddRows(n int) int {
	first := len(b.rows)
	for i := 0; i < n; i++ {
		b.rows = append(b.rows, nil)
	}
	return first
}

// Rows returns the current number of rows.
func (b *Builder) Rows() int { return len(b.rows) }

// Add accumulates v into cell (i, j).
func (b *Builder) Add(i, j int, v float64) error {
	if i < 0 || i >= len(b.rows) || j < 0 || j >= b.cols {
		return ErrIndex
	}
	if b.rows[i] == nil {
		b.rows[i] = make(map[int]float64, 4)
	}
	b.rows[i][j] += v
	return nil
}

// Build compresses the accumulated entries. Columns are stored sorted
// within each row; explicit zeros are kept so the sparsity pattern
// reflects every traversal.
func (b *Builder) Build() (*CSR, error) {
	if len(b.rows) == 0 {
		return nil, ErrShape
	}
	nnz := 0
	for _, r := range b.rows {
		nnz += len(r)
	}
	var (
		indptr  = make([]int, len(b.rows)+1)
		indices = make([]int, 0, nnz)
		data    = make([]float64, 0, nnz)
	)
	for i, r := range b.rows {
		cols := make([]int, 0, len(r))
		for j := range r {
			cols = append(cols, j)
		}
		sort.Ints(cols)
		for _, j := range cols {
			indices = append(indices, j)
			data = append(data, r[j])
		}
		indptr[i+1] = len(indices)
	}
	return wrap(bsparse.NewCSR(len(b.rows), b.cols, indptr, indices, data)), nil
}

// RMSE returns sqrt(mean((A·x − b)²)). work must have one entry per row.
// It only reads op, so concurrent calls with distinct work buffers are
// safe for read-only operators such as CSR.
func RMSE(op Operator, b, x, work []float64) float64 {
	op.MulVecTo(work, x)
	sum := 0.0
	for i, v := range work {
		d := v - b[i]
		sum += d * d
	}
	if len(work) == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(len(work)))
}
