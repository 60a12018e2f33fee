package attention

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/utils"
)

func finiteDiffCheck(t *testing.T, name string, param *mat.Dense, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()

	param.Set(i, j, w0-eps)
	lm := forward()

	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-4 {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

// ---- NaiveMHA ----

func TestNaiveMHAGradCheck(t *testing.T) {
	rand.Seed(123)
	dModel := 4
	attn := NewNaiveMHA(dModel, 2, 0.0)

	x := mat.NewDense(dModel, 3, utils.RandomArray(dModel*3, float64(dModel)))

	forward := func() float64 {
		logits := utils.LastCol(attn.Forward(x))
		loss, _ := utils.CrossEntropyWithIndex(logits, 2)
		return loss
	}

	logits := utils.LastCol(attn.Forward(x))
	_, dL := utils.CrossEntropyWithIndex(logits, 2)
	_, dWq, dWk, dWv, dWo := attn.BackwardGradsOnly(dL)

	finiteDiffCheck(t, "Wquery", attn.Wquery[0].W, dWq[0], forward, 0, 0)
	finiteDiffCheck(t, "Wkey", attn.Wkey[0].W, dWk[0], forward, 0, 0)
	finiteDiffCheck(t, "Wvalue", attn.Wvalue[0].W, dWv[0], forward, 0, 0)
	finiteDiffCheck(t, "Woutput", attn.Woutput.W, dWo, forward, 0, 0)
}

func TestNaiveMHAParallelMatchesSerial(t *testing.T) {
	rand.Seed(7)
	attn := NewNaiveMHA(8, 4, 0.0)
	x := mat.NewDense(8, 5, utils.RandomArray(40, 8))

	serial := attn.Forward(x)
	attn.SetParallel(true)
	parallel := attn.Forward(x)

	diff := utils.ToDense(utils.Subtract(serial, parallel))
	if n := utils.MatrixNorm(diff); n > 1e-12 {
		t.Fatalf("parallel forward diverges from serial: |diff|=%g", n)
	}
}

// ---- CausalSelfAttention ----

func TestCausalSelfAttentionGradCheck(t *testing.T) {
	rand.Seed(123)
	d := 4
	attn := NewCausalSelfAttention(d, 0.0)

	x := mat.NewDense(d, 3, utils.RandomArray(d*3, float64(d)))

	forward := func() float64 {
		logits := utils.LastCol(attn.Forward(x))
		loss, _ := utils.CrossEntropyWithIndex(logits, 2)
		return loss
	}

	logits := utils.LastCol(attn.Forward(x))
	_, dL := utils.CrossEntropyWithIndex(logits, 2)
	_, dWq, dWk, dWv := attn.BackwardGradsOnly(dL)

	finiteDiffCheck(t, "Wq", attn.Wq.W, dWq, forward, 1, 2)
	finiteDiffCheck(t, "Wk", attn.Wk.W, dWk, forward, 0, 1)
	finiteDiffCheck(t, "Wv", attn.Wv.W, dWv, forward, 2, 0)
}

// Train-mode gradients must match the realized forward pass, dropout mask
// included. Reseeding before each forward keeps the dropout draws identical
// across the finite-difference probes.
func TestCausalSelfAttentionDropoutGradCheck(t *testing.T) {
	rand.Seed(123)
	d := 4
	attn := NewCausalSelfAttention(d, 0.0)
	attn.Train()

	x := mat.NewDense(d, 3, utils.RandomArray(d*3, float64(d)))

	forward := func() float64 {
		rand.Seed(31)
		logits := utils.LastCol(attn.Forward(x))
		loss, _ := utils.CrossEntropyWithIndex(logits, 1)
		return loss
	}

	rand.Seed(31)
	logits := utils.LastCol(attn.Forward(x))
	if attn.dropMask == nil {
		t.Fatal("train-mode forward did not record a dropout mask")
	}
	_, dL := utils.CrossEntropyWithIndex(logits, 1)
	_, dWq, dWk, dWv := attn.BackwardGradsOnly(dL)

	finiteDiffCheck(t, "Wq", attn.Wq.W, dWq, forward, 0, 0)
	finiteDiffCheck(t, "Wk", attn.Wk.W, dWk, forward, 1, 1)
	finiteDiffCheck(t, "Wv", attn.Wv.W, dWv, forward, 2, 3)

	// eval mode clears the mask on the next forward
	attn.Eval()
	_ = attn.Forward(x)
	if attn.dropMask != nil {
		t.Fatal("eval-mode forward left a dropout mask behind")
	}
}

// Causality: perturbing a future token must not change earlier outputs.
func TestCausalSelfAttentionIsCausal(t *testing.T) {
	rand.Seed(42)
	d := 6
	T := 5
	attn := NewCausalSelfAttention(d, 0.0)

	x := mat.NewDense(d, T, utils.RandomArray(d*T, float64(d)))
	y1 := attn.Forward(x)

	x2 := mat.DenseCopyOf(x)
	x2.Set(0, T-1, x2.At(0, T-1)+10.0) // perturb the last token only
	y2 := attn.Forward(x2)

	for t2 := 0; t2 < T-1; t2++ {
		for i := 0; i < d; i++ {
			if math.Abs(y1.At(i, t2)-y2.At(i, t2)) > 1e-12 {
				t.Fatalf("output at position %d changed when token %d was perturbed", t2, T-1)
			}
		}
	}
}

// The mask buffer is registered state: it must exist after a forward pass
// and grow when a longer sequence arrives.
func TestCausalMaskBufferGrows(t *testing.T) {
	attn := NewCausalSelfAttention(4, 0.0)
	if attn.Mask.W != nil {
		t.Fatal("mask should start empty")
	}

	_ = attn.Forward(mat.NewDense(4, 3, utils.RandomArray(12, 4)))
	if r, c := attn.Mask.W.Dims(); r != 3 || c != 3 {
		t.Fatalf("mask is %dx%d after T=3, want 3x3", r, c)
	}

	_ = attn.Forward(mat.NewDense(4, 6, utils.RandomArray(24, 4)))
	if r, _ := attn.Mask.W.Dims(); r != 6 {
		t.Fatalf("mask did not grow for T=6 (have %d rows)", r)
	}

	// Shrinking back reuses the big buffer via a view.
	_ = attn.Forward(mat.NewDense(4, 2, utils.RandomArray(8, 4)))
	if r, _ := attn.Mask.W.Dims(); r != 6 {
		t.Fatalf("mask buffer should keep its 6x6 size (have %d rows)", r)
	}
}

// Rolling a sequence through the KV cache one token at a time must agree
// with the full-sequence forward at every step.
func TestKVCacheMatchesFullForward(t *testing.T) {
	rand.Seed(99)
	d := 8
	T := 6
	attn := NewCausalSelfAttention(d, 0.0)

	x := mat.NewDense(d, T, utils.RandomArray(d*T, float64(d)))
	full := attn.Forward(x)

	attn.ResetCache()
	for step := 0; step < T; step++ {
		xCol := mat.NewDense(d, 1, nil)
		for i := 0; i < d; i++ {
			xCol.Set(i, 0, x.At(i, step))
		}
		y := attn.ForwardLastWithKV(xCol)
		for i := 0; i < d; i++ {
			if math.Abs(y.At(i, 0)-full.At(i, step)) > 1e-8 {
				t.Fatalf("KV-cache output diverges at step %d row %d: %.6g vs %.6g",
					step, i, y.At(i, 0), full.At(i, step))
			}
		}
	}
	if got := attn.CachedLen(); got != T {
		t.Fatalf("cache holds %d positions, want %d", got, T)
	}

	attn.ResetCache()
	if attn.CachedLen() != 0 {
		t.Fatal("ResetCache did not clear the cache")
	}
}

// ---- variant parity ----

func TestVariantsAgree(t *testing.T) {
	rand.Seed(123)
	dModel := 16
	T := 7

	naive := NewNaiveMHA(dModel, 4, 0.0)
	fused := FuseFrom(naive)
	sdpa := SDPAFrom(naive)
	defer sdpa.Close()

	x := mat.NewDense(dModel, T, utils.RandomArray(dModel*T, float64(dModel)))
	want := naive.Forward(x)

	for _, v := range []Variant{fused, sdpa} {
		got := v.Forward(x)
		diff := utils.ToDense(utils.Subtract(got, want))
		if n := utils.MatrixNorm(diff); n > 1e-8 {
			t.Fatalf("%s diverges from naive: |diff|=%g", v.Name(), n)
		}
	}
}

// Attention weights are a probability distribution over visible positions.
func TestAttentionRowSums(t *testing.T) {
	rand.Seed(5)
	attn := NewNaiveMHA(8, 2, 0.0)
	_ = attn.Forward(mat.NewDense(8, 4, utils.RandomArray(32, 8)))

	for h := 0; h < attn.H; h++ {
		for _, s := range utils.RowSums(attn.A[h]) {
			if math.Abs(s-1.0) > 1e-9 {
				t.Fatalf("head %d attention row sums to %.6g, want 1", h, s)
			}
		}
	}
}
