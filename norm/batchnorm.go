package norm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/nn"
	"github.com/manningwu07/nnBlocks/optimizations"
	"github.com/manningwu07/nnBlocks/params"
	"github.com/manningwu07/nnBlocks/utils"
)

// BatchNorm normalizes each feature (row) over the T axis. Input/output are
// (d x T); columns play the role of batch samples.
//
// Running mean/variance are registered as buffers: they are state the layer
// needs at eval time but must never see an optimizer update, and registering
// them means SaveState sweeps them together with gamma/beta.
type BatchNorm struct {
	d            int
	eps          float64
	momentum     float64
	learningRate float64
	training     bool

	Gamma *nn.Parameter
	Beta  *nn.Parameter

	RunMean *nn.Buffer // (d x 1)
	RunVar  *nn.Buffer // (d x 1)

	// cache
	xhat   *mat.Dense // (d x T)
	invStd []float64  // per row
}

func NewBatchNorm(d int, eps float64, lr float64) *BatchNorm {
	g := utils.OnesLike(mat.NewDense(d, 1, nil))
	b := mat.NewDense(d, 1, nil)
	rv := utils.OnesLike(mat.NewDense(d, 1, nil))
	return &BatchNorm{
		d:            d,
		eps:          eps,
		momentum:     params.Config.BNMomentum,
		learningRate: lr,
		training:     true,
		Gamma:        nn.NewParameter("bn.gamma", g),
		Beta:         nn.NewParameter("bn.beta", b),
		RunMean:      nn.NewBuffer("bn.running_mean", mat.NewDense(d, 1, nil)),
		RunVar:       nn.NewBuffer("bn.running_var", rv),
	}
}

func (bn *BatchNorm) Params() []*nn.Parameter { return []*nn.Parameter{bn.Gamma, bn.Beta} }
func (bn *BatchNorm) Buffers() []*nn.Buffer   { return []*nn.Buffer{bn.RunMean, bn.RunVar} }

func (bn *BatchNorm) Train() { bn.training = true }
func (bn *BatchNorm) Eval()  { bn.training = false }

func (bn *BatchNorm) Forward(X *mat.Dense) *mat.Dense {
	if !bn.training {
		return bn.forwardEval(X)
	}

	d, T := X.Dims()
	if d != bn.d {
		panic(fmt.Sprintf("BatchNorm: input has %d rows, want %d", d, bn.d))
	}
	if T < 2 {
		panic("BatchNorm: need at least 2 columns in train mode (variance undefined)")
	}

	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, d)
	for i := 0; i < d; i++ {
		mu := 0.0
		for t := 0; t < T; t++ {
			mu += X.At(i, t)
		}
		mu /= float64(T)
		var v float64
		for t := 0; t < T; t++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(T)
		istd := 1.0 / math.Sqrt(v+bn.eps)
		inv[i] = istd
		for t := 0; t < T; t++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, bn.Gamma.W.At(i, 0)*n+bn.Beta.W.At(i, 0))
		}

		// Running stats use the unbiased variance, matching the reference
		// batch-norm semantics.
		unbiased := v * float64(T) / float64(T-1)
		m := bn.momentum
		bn.RunMean.W.Set(i, 0, (1.0-m)*bn.RunMean.W.At(i, 0)+m*mu)
		bn.RunVar.W.Set(i, 0, (1.0-m)*bn.RunVar.W.At(i, 0)+m*unbiased)
	}
	bn.xhat = xhat
	bn.invStd = inv
	return out
}

func (bn *BatchNorm) forwardEval(X *mat.Dense) *mat.Dense {
	d, T := X.Dims()
	if d != bn.d {
		panic(fmt.Sprintf("BatchNorm: input has %d rows, want %d", d, bn.d))
	}
	out := mat.NewDense(d, T, nil)
	for i := 0; i < d; i++ {
		mu := bn.RunMean.W.At(i, 0)
		istd := 1.0 / math.Sqrt(bn.RunVar.W.At(i, 0)+bn.eps)
		g := bn.Gamma.W.At(i, 0)
		b := bn.Beta.W.At(i, 0)
		for t := 0; t < T; t++ {
			out.Set(i, t, g*(X.At(i, t)-mu)*istd+b)
		}
	}
	return out
}

// Backward applies AdamW updates to gamma/beta and returns dX.
// Only valid after a train-mode Forward.
func (bn *BatchNorm) Backward(dY *mat.Dense) *mat.Dense {
	dX, dGamma, dBeta := bn.BackwardGradsOnly(dY)
	optimizations.StepParam(bn.Gamma, dGamma, bn.learningRate, 0)
	optimizations.StepParam(bn.Beta, dBeta, bn.learningRate, 0)
	return dX
}

func (bn *BatchNorm) BackwardGradsOnly(dY *mat.Dense) (dX, dGamma, dBeta *mat.Dense) {
	if bn.xhat == nil {
		panic("BatchNorm: Backward before train-mode Forward")
	}
	d, T := dY.Dims()
	dGamma = mat.NewDense(d, 1, nil)
	dBeta = mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * bn.xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		dGamma.Set(i, 0, sumDG)
		dBeta.Set(i, 0, sumDB)
	}

	// dX per row: same reduction as LayerNorm, transposed to the T axis.
	dX = mat.NewDense(d, T, nil)
	for i := 0; i < d; i++ {
		istd := bn.invStd[i]
		g := bn.Gamma.W.At(i, 0)
		sum1 := 0.0
		sum2 := 0.0
		for t := 0; t < T; t++ {
			gy := dY.At(i, t) * g
			sum1 += gy
			sum2 += gy * bn.xhat.At(i, t)
		}
		for t := 0; t < T; t++ {
			gy := dY.At(i, t) * g
			dxi := (float64(T)*gy - sum1 - bn.xhat.At(i, t)*sum2) * (istd / float64(T))
			dX.Set(i, t, dxi)
		}
	}
	return dX, dGamma, dBeta
}
