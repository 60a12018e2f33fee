package norm

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/nn"
	"github.com/manningwu07/nnBlocks/optimizations"
	"github.com/manningwu07/nnBlocks/utils"
)

// LayerNorm normalizes each column (token) over the feature axis.
// Input/output are (d x T), gamma/beta are (d x 1) parameters.
type LayerNorm struct {
	d            int
	eps          float64
	learningRate float64
	Gamma        *nn.Parameter
	Beta         *nn.Parameter

	// cache
	lastInput *mat.Dense // (d x T)
	xhat      *mat.Dense // (d x T)
	invStd    []float64  // per column
}

func NewLayerNorm(d int, eps float64, lr float64) *LayerNorm {
	g := utils.OnesLike(mat.NewDense(d, 1, nil))
	b := mat.NewDense(d, 1, nil)
	return &LayerNorm{
		d:            d,
		eps:          eps,
		learningRate: lr,
		Gamma:        nn.NewParameter("ln.gamma", g),
		Beta:         nn.NewParameter("ln.beta", b),
	}
}

func (ln *LayerNorm) Params() []*nn.Parameter { return []*nn.Parameter{ln.Gamma, ln.Beta} }
func (ln *LayerNorm) Buffers() []*nn.Buffer   { return nil }

func (ln *LayerNorm) Forward(X *mat.Dense) *mat.Dense {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, T)
	for t := 0; t < T; t++ {
		// mean over rows
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		// variance
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.eps)
		inv[t] = istd
		// normalize and affine
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			val := ln.Gamma.W.At(i, 0)*n + ln.Beta.W.At(i, 0)
			out.Set(i, t, val)
		}
	}
	ln.lastInput = X
	ln.xhat = xhat
	ln.invStd = inv
	return out
}

// Backward applies AdamW updates to gamma/beta and returns dX.
func (ln *LayerNorm) Backward(dY *mat.Dense) *mat.Dense {
	dX, dGamma, dBeta := ln.BackwardGradsOnly(dY)
	optimizations.StepParam(ln.Gamma, dGamma, ln.learningRate, 0)
	optimizations.StepParam(ln.Beta, dBeta, ln.learningRate, 0)
	return dX
}

func (ln *LayerNorm) BackwardGradsOnly(dY *mat.Dense) (dX, dGamma, dBeta *mat.Dense) {
	d, T := dY.Dims()
	// grads for gamma/beta
	dGamma = mat.NewDense(d, 1, nil)
	dBeta = mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * ln.xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		dGamma.Set(i, 0, sumDG)
		dBeta.Set(i, 0, sumDB)
	}

	// dX (per column)
	dX = mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := ln.invStd[t]
		// precompute sums
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.W.At(i, 0)
			sum1 += gy
			sum2 += gy * ln.xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.W.At(i, 0)
			dxi := (float64(d)*gy - sum1 - ln.xhat.At(i, t)*sum2) * (istd / float64(d))
			dX.Set(i, t, dxi)
		}
	}
	return dX, dGamma, dBeta
}

// ForwardCol for inference (d x 1)
func (ln *LayerNorm) ForwardCol(x *mat.Dense) *mat.Dense {
	d, c := x.Dims()
	if c != 1 {
		panic("LayerNorm.ForwardCol expects (d x 1)")
	}
	mu := 0.0
	for i := 0; i < d; i++ {
		mu += x.At(i, 0)
	}
	mu /= float64(d)
	var v float64
	for i := 0; i < d; i++ {
		diff := x.At(i, 0) - mu
		v += diff * diff
	}
	v /= float64(d)
	istd := 1.0 / math.Sqrt(v+ln.eps)
	out := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		n := (x.At(i, 0) - mu) * istd
		out.Set(i, 0, ln.Gamma.W.At(i, 0)*n+ln.Beta.W.At(i, 0))
	}
	return out
}
