package attention

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/nn"
	"github.com/manningwu07/nnBlocks/optimizations"
	"github.com/manningwu07/nnBlocks/params"
	"github.com/manningwu07/nnBlocks/utils"
)

// CausalSelfAttention is the single-projection causal attention block.
//
// The causal mask and the KV cache are registered as buffers rather than
// plain struct fields: they are state the block carries between calls but
// must never see an optimizer update, and registration means SaveState and
// VisitState sweep them together with the weights.
type CausalSelfAttention struct {
	D            int
	learningRate float64
	dropout      float64
	training     bool

	Wq, Wk, Wv *nn.Parameter // (d x d)

	Mask   *nn.Buffer // (maxT x maxT) additive causal mask, grown on demand
	CacheK *nn.Buffer // (d x t) cached keys for incremental inference
	CacheV *nn.Buffer // (d x t) cached values

	// cache for backprop
	X        *mat.Dense // (d x T)
	Q        *mat.Dense // (d x T)
	K        *mat.Dense
	V        *mat.Dense
	A        *mat.Dense // (T x T) pre-dropout attention weights
	dropMask *mat.Dense // (T x T) entries 0 or 1/keep; nil outside train mode

	step int
}

func NewCausalSelfAttention(d int, lr float64) *CausalSelfAttention {
	return &CausalSelfAttention{
		D:            d,
		learningRate: lr,
		dropout:      params.Config.Dropout,
		Wq:           nn.NewParameter("csa.wq", mat.NewDense(d, d, utils.NormalArray(d*d, float64(d)))),
		Wk:           nn.NewParameter("csa.wk", mat.NewDense(d, d, utils.NormalArray(d*d, float64(d)))),
		Wv:           nn.NewParameter("csa.wv", mat.NewDense(d, d, utils.NormalArray(d*d, float64(d)))),
		Mask:         nn.NewBuffer("csa.mask", nil),
		CacheK:       nn.NewBuffer("csa.cache_k", nil),
		CacheV:       nn.NewBuffer("csa.cache_v", nil),
	}
}

func (a *CausalSelfAttention) Params() []*nn.Parameter {
	return []*nn.Parameter{a.Wq, a.Wk, a.Wv}
}

func (a *CausalSelfAttention) Buffers() []*nn.Buffer {
	return []*nn.Buffer{a.Mask, a.CacheK, a.CacheV}
}

func (a *CausalSelfAttention) Train() { a.training = true }
func (a *CausalSelfAttention) Eval()  { a.training = false }

// maskView returns the (T x T) top-left block of the mask buffer,
// regenerating the buffer if it is too small.
func (a *CausalSelfAttention) maskView(T int) *mat.Dense {
	if a.Mask.W == nil {
		a.Mask.W = utils.CausalMask(T)
	} else if r, _ := a.Mask.W.Dims(); r < T {
		a.Mask.W = utils.CausalMask(T)
	}
	if r, _ := a.Mask.W.Dims(); r == T {
		return a.Mask.W
	}
	return utils.ToDense(a.Mask.W.Slice(0, T, 0, T))
}

// Forward computes causal self-attention over the full sequence.
// X is (d x T); the result is (d x T).
func (a *CausalSelfAttention) Forward(X *mat.Dense) *mat.Dense {
	d, T := X.Dims()
	if d != a.D {
		panic("CausalSelfAttention: input width mismatch")
	}
	rescale := 1.0 / math.Sqrt(float64(a.D))

	Q := utils.ToDense(utils.Dot(a.Wq.W, X))
	K := utils.ToDense(utils.Dot(a.Wk.W, X))
	V := utils.ToDense(utils.Dot(a.Wv.W, X))

	// S = (Q^T K)/sqrt(d), masked row softmax over past positions
	S := utils.ToDense(utils.Scale(rescale, utils.Dot(Q.T(), K)))
	A := mat.NewDense(T, T, nil)
	utils.RowSoftmaxMaskedInPlace(A, S, a.maskView(T))

	a.X, a.Q, a.K, a.V, a.A = X, Q, K, V, A

	weights := A
	a.dropMask = nil
	if a.training && a.dropout > 0 {
		// Inverted dropout on the attention weights. The mask is cached so
		// Backward differentiates through the realized forward pass.
		keep := 1.0 - a.dropout
		a.dropMask = mat.NewDense(T, T, nil)
		weights = mat.NewDense(T, T, nil)
		for i := 0; i < T; i++ {
			for j := 0; j < T; j++ {
				if rand.Float64() < keep {
					a.dropMask.Set(i, j, 1.0/keep)
					weights.Set(i, j, A.At(i, j)/keep)
				}
			}
		}
	}

	// O = V * W^T  (d x T)
	return utils.ToDense(utils.Dot(V, weights.T()))
}

// Backward computes grads, clips, and applies AdamW updates. Returns dX.
func (a *CausalSelfAttention) Backward(dY *mat.Dense) *mat.Dense {
	dX, dWq, dWk, dWv := a.BackwardGradsOnly(dY)
	a.step++

	if params.Config.GradClip > 0 {
		s := utils.ClipGrads(params.Config.GradClip, dWq, dWk, dWv)
		if s < 1.0 && params.Config.Debug && a.step%params.Config.DebugEvery == 0 {
			utils.Debugf("CSA: clipped grads by %.4f at step %d", s, a.step)
		}
	}

	optimizations.StepParam(a.Wq, dWq, a.learningRate, params.Config.WeightDecay)
	optimizations.StepParam(a.Wk, dWk, a.learningRate, params.Config.WeightDecay)
	optimizations.StepParam(a.Wv, dWv, a.learningRate, params.Config.WeightDecay)
	return dX
}

// BackwardGradsOnly computes grads but does NOT update weights.
func (a *CausalSelfAttention) BackwardGradsOnly(dY *mat.Dense) (dX, dWq, dWk, dWv *mat.Dense) {
	dY = utils.ExpandGradToSeq(dY, a.X)
	rescale := 1.0 / math.Sqrt(float64(a.D))

	// O = V * W^T, where W is A with the cached dropout mask applied
	// (W == A outside train mode)
	W := a.A
	if a.dropMask != nil {
		r, c := a.A.Dims()
		W = mat.NewDense(r, c, nil)
		W.MulElem(a.A, a.dropMask)
	}
	dV := utils.ToDense(utils.Dot(dY, W))
	dWT := utils.ToDense(utils.Dot(a.V.T(), dY))
	var dA mat.Matrix = dWT.T()
	if a.dropMask != nil {
		r, c := a.A.Dims()
		masked := mat.NewDense(r, c, nil)
		masked.MulElem(dA, a.dropMask)
		dA = masked
	}

	// A = softmax_row(S + mask); masked entries have A==0 so SoftmaxBackward
	// zeroes them automatically.
	dS := utils.SoftmaxBackward(dA, a.A) // (T x T)

	// S = (Q^T K)/sqrt(d)
	dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(a.K, dS.T()))) // (d x T)
	dK := utils.ToDense(utils.Scale(rescale, utils.Dot(a.Q, dS)))     // (d x T)

	dWq = utils.ToDense(utils.Dot(dQ, a.X.T()))
	dWk = utils.ToDense(utils.Dot(dK, a.X.T()))
	dWv = utils.ToDense(utils.Dot(dV, a.X.T()))

	dXq := utils.ToDense(utils.Dot(a.Wq.W.T(), dQ))
	dXk := utils.ToDense(utils.Dot(a.Wk.W.T(), dK))
	dXv := utils.ToDense(utils.Dot(a.Wv.W.T(), dV))
	dX = utils.ToDense(utils.Add(utils.Add(dXq, dXk), dXv))
	return dX, dWq, dWk, dWv
}

// -------- incremental inference through the KV cache buffers --------

// ForwardLastWithKV computes only the last timestep output using the cached
// K/V buffers. xLast is (d x 1); the result is (d x 1). The cache is capped
// at Config.SeqLen by dropping the oldest columns.
func (a *CausalSelfAttention) ForwardLastWithKV(xLast *mat.Dense) *mat.Dense {
	rescale := 1.0 / math.Sqrt(float64(a.D))

	var q, k, v mat.Dense
	q.Mul(a.Wq.W, xLast)
	k.Mul(a.Wk.W, xLast)
	v.Mul(a.Wv.W, xLast)

	a.CacheK.W = appendCol(a.CacheK.W, utils.ToDense(&k))
	a.CacheV.W = appendCol(a.CacheV.W, utils.ToDense(&v))

	if limit := params.Config.SeqLen; limit > 0 {
		if cols := a.CacheK.W.RawMatrix().Cols; cols > limit {
			start := cols - limit
			a.CacheK.W = utils.ToDense(a.CacheK.W.Slice(0, a.D, start, cols))
			a.CacheV.W = utils.ToDense(a.CacheV.W.Slice(0, a.D, start, cols))
		}
	}

	// scores for the last position only: (1 x t)
	var s mat.Dense
	s.Mul(q.T(), a.CacheK.W)
	s.Scale(rescale, &s)
	Arow := utils.RowSoftmax(utils.ToDense(&s))

	var o mat.Dense
	o.Mul(a.CacheV.W, Arow.T())
	return utils.ToDense(&o)
}

// ResetCache clears the KV cache for a new sequence.
func (a *CausalSelfAttention) ResetCache() {
	a.CacheK.W = nil
	a.CacheV.W = nil
}

// CachedLen returns the number of cached positions.
func (a *CausalSelfAttention) CachedLen() int {
	if a.CacheK.W == nil {
		return 0
	}
	return a.CacheK.W.RawMatrix().Cols
}
