package attention

import (
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/nn"
)

// Variant is the common surface of the multi-head attention implementations
// so the benchmark harness and the parity tests can treat them uniformly.
// Inputs and outputs are column-major (dModel x T); tokens are columns.
type Variant interface {
	nn.Module
	Name() string
	Forward(X *mat.Dense) *mat.Dense
}

// appendCol returns a new matrix with col appended as the last column.
func appendCol(dst, col *mat.Dense) *mat.Dense {
	r, c := 0, 0
	if dst != nil {
		r, c = dst.Dims()
	} else {
		r = col.RawMatrix().Rows
	}
	if col.RawMatrix().Cols != 1 {
		panic("appendCol expects (r x 1) column")
	}
	out := mat.NewDense(r, c+1, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, dst.At(i, j))
		}
		out.Set(i, c, col.At(i, 0))
	}
	return out
}
