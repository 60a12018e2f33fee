package norm

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/nn"
	"github.com/manningwu07/nnBlocks/utils"
)

// RMSNorm is the scale-only variant of LayerNorm: no mean subtraction,
// no beta. Normalizes each column by its root-mean-square.
type RMSNorm struct {
	d     int
	eps   float64
	Gamma *nn.Parameter
}

func NewRMSNorm(d int, eps float64) *RMSNorm {
	g := utils.OnesLike(mat.NewDense(d, 1, nil))
	return &RMSNorm{d: d, eps: eps, Gamma: nn.NewParameter("rms.gamma", g)}
}

func (rn *RMSNorm) Params() []*nn.Parameter { return []*nn.Parameter{rn.Gamma} }
func (rn *RMSNorm) Buffers() []*nn.Buffer   { return nil }

func (rn *RMSNorm) Forward(X *mat.Dense) *mat.Dense {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		ms := 0.0
		for i := 0; i < d; i++ {
			v := X.At(i, t)
			ms += v * v
		}
		ms /= float64(d)
		inv := 1.0 / math.Sqrt(ms+rn.eps)
		for i := 0; i < d; i++ {
			out.Set(i, t, rn.Gamma.W.At(i, 0)*X.At(i, t)*inv)
		}
	}
	return out
}

// ForwardCol for inference (d x 1)
func (rn *RMSNorm) ForwardCol(x *mat.Dense) *mat.Dense {
	_, c := x.Dims()
	if c != 1 {
		panic("RMSNorm.ForwardCol expects (d x 1)")
	}
	return rn.Forward(x)
}
