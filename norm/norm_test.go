package norm

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/utils"
)

// scalar loss for finite differences: sum of squares of the output
func sumSq(m *mat.Dense) float64 {
	r, c := m.Dims()
	s := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			s += v * v
		}
	}
	return s
}

func TestLayerNormColumnsNormalized(t *testing.T) {
	rand.Seed(123)
	d, T := 8, 5
	ln := NewLayerNorm(d, 1e-5, 0.0)
	x := mat.NewDense(d, T, utils.RandomArray(d*T, float64(d)))
	y := ln.Forward(x)

	// With gamma=1, beta=0 each column has mean ~0 and variance ~1.
	for c := 0; c < T; c++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += y.At(i, c)
		}
		mu /= float64(d)
		if math.Abs(mu) > 1e-9 {
			t.Fatalf("column %d mean %.6g, want 0", c, mu)
		}
		v := 0.0
		for i := 0; i < d; i++ {
			diff := y.At(i, c) - mu
			v += diff * diff
		}
		v /= float64(d)
		if math.Abs(v-1.0) > 1e-3 {
			t.Fatalf("column %d variance %.6g, want 1", c, v)
		}
	}
}

func TestLayerNormGradCheck(t *testing.T) {
	rand.Seed(123)
	d, T := 6, 4
	ln := NewLayerNorm(d, 1e-5, 0.0)
	// non-trivial affine so gamma/beta grads are exercised
	for i := 0; i < d; i++ {
		ln.Gamma.W.Set(i, 0, 0.5+rand.Float64())
		ln.Beta.W.Set(i, 0, rand.Float64()-0.5)
	}
	x := mat.NewDense(d, T, utils.RandomArray(d*T, float64(d)))

	y := ln.Forward(x)
	dY := utils.ToDense(utils.Scale(2.0, y)) // d(sumSq)/dY
	dX, dGamma, dBeta := ln.BackwardGradsOnly(dY)

	eps := 1e-6
	check := func(name string, w *mat.Dense, grad *mat.Dense, i, j int) {
		t.Helper()
		w0 := w.At(i, j)
		w.Set(i, j, w0+eps)
		lp := sumSq(ln.Forward(x))
		w.Set(i, j, w0-eps)
		lm := sumSq(ln.Forward(x))
		w.Set(i, j, w0)
		ln.Forward(x) // restore cache
		num := (lp - lm) / (2.0 * eps)
		if math.Abs(num-grad.At(i, j)) > 1e-4 {
			t.Fatalf("%s[%d,%d]: num=%.6g ana=%.6g", name, i, j, num, grad.At(i, j))
		}
	}

	check("gamma", ln.Gamma.W, dGamma, 2, 0)
	check("beta", ln.Beta.W, dBeta, 4, 0)
	check("x", x, dX, 1, 2)
	check("x", x, dX, 5, 0)
}

func TestBatchNormRunningStats(t *testing.T) {
	rand.Seed(7)
	d, T := 4, 16
	bn := NewBatchNorm(d, 1e-5, 0.0)

	// constant rows: after one pass running mean moves toward the row value
	x := mat.NewDense(d, T, nil)
	for i := 0; i < d; i++ {
		for c := 0; c < T; c++ {
			x.Set(i, c, float64(i)+0.1*rand.Float64())
		}
	}

	before := bn.RunMean.W.At(2, 0)
	_ = bn.Forward(x)
	after := bn.RunMean.W.At(2, 0)
	if after == before {
		t.Fatal("train-mode forward did not update running mean")
	}

	// Eval mode must use the running stats, not the batch stats: feeding a
	// different batch should not change the normalization constants.
	bn.Eval()
	frozenMean := bn.RunMean.W.At(2, 0)
	frozenVar := bn.RunVar.W.At(2, 0)
	x2 := mat.NewDense(d, T, utils.RandomArray(d*T, float64(d)))
	_ = bn.Forward(x2)
	if bn.RunMean.W.At(2, 0) != frozenMean || bn.RunVar.W.At(2, 0) != frozenVar {
		t.Fatal("eval-mode forward touched the running stats")
	}
}

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	d := 3
	bn := NewBatchNorm(d, 1e-5, 0.0)
	bn.Eval()
	bn.RunMean.W.Set(0, 0, 2.0)
	bn.RunVar.W.Set(0, 0, 4.0)

	x := mat.NewDense(d, 1, []float64{6.0, 0.0, 0.0})
	y := bn.Forward(x)

	// (6 - 2) / sqrt(4 + eps) ~= 2
	if got := y.At(0, 0); math.Abs(got-2.0) > 1e-4 {
		t.Fatalf("eval output %.6g, want ~2", got)
	}
}

func TestBatchNormSingleColumnPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for T=1 in train mode")
		}
	}()
	bn := NewBatchNorm(4, 1e-5, 0.0)
	bn.Forward(mat.NewDense(4, 1, []float64{1, 2, 3, 4}))
}

func TestBatchNormGradCheck(t *testing.T) {
	rand.Seed(123)
	d, T := 4, 8
	bn := NewBatchNorm(d, 1e-5, 0.0)
	for i := 0; i < d; i++ {
		bn.Gamma.W.Set(i, 0, 0.5+rand.Float64())
	}
	x := mat.NewDense(d, T, utils.RandomArray(d*T, float64(d)))

	y := bn.Forward(x)
	dY := utils.ToDense(utils.Scale(2.0, y))
	dX, dGamma, dBeta := bn.BackwardGradsOnly(dY)

	// fresh instances per probe so running-stat momentum cannot skew the loss
	eps := 1e-6
	lossAt := func() float64 {
		probe := NewBatchNorm(d, 1e-5, 0.0)
		probe.Gamma.W.Copy(bn.Gamma.W)
		probe.Beta.W.Copy(bn.Beta.W)
		return sumSq(probe.Forward(x))
	}
	check := func(name string, w *mat.Dense, grad *mat.Dense, i, j int) {
		t.Helper()
		w0 := w.At(i, j)
		w.Set(i, j, w0+eps)
		lp := lossAt()
		w.Set(i, j, w0-eps)
		lm := lossAt()
		w.Set(i, j, w0)
		num := (lp - lm) / (2.0 * eps)
		if math.Abs(num-grad.At(i, j)) > 1e-4 {
			t.Fatalf("%s[%d,%d]: num=%.6g ana=%.6g", name, i, j, num, grad.At(i, j))
		}
	}

	check("gamma", bn.Gamma.W, dGamma, 1, 0)
	check("beta", bn.Beta.W, dBeta, 3, 0)
	check("x", x, dX, 0, 3)
	check("x", x, dX, 2, 6)
}

func TestRMSNormKnownValues(t *testing.T) {
	rn := NewRMSNorm(2, 0.0)
	// rms of (3, 4) is sqrt(25/2); outputs are x / rms
	x := mat.NewDense(2, 1, []float64{3.0, 4.0})
	y := rn.ForwardCol(x)

	rms := math.Sqrt(25.0 / 2.0)
	if math.Abs(y.At(0, 0)-3.0/rms) > 1e-12 || math.Abs(y.At(1, 0)-4.0/rms) > 1e-12 {
		t.Fatalf("got (%.6g, %.6g)", y.At(0, 0), y.At(1, 0))
	}

	// gamma scales elementwise
	rn.Gamma.W.Set(1, 0, 2.0)
	y = rn.ForwardCol(x)
	if math.Abs(y.At(1, 0)-8.0/rms) > 1e-12 {
		t.Fatalf("gamma scaling: got %.6g", y.At(1, 0))
	}
}
