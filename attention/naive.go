package attention

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/nn"
	"github.com/manningwu07/nnBlocks/optimizations"
	"github.com/manningwu07/nnBlocks/params"
	"github.com/manningwu07/nnBlocks/utils"
)

// NaiveMHA is the loop-based multi-head variant: one Wq/Wk/Wv per head,
// heads computed independently and concatenated.
type NaiveMHA struct {
	H            int
	DModel       int
	DHead        int
	learningRate float64

	Wquery  []*nn.Parameter // per head: (dHead x dModel)
	Wkey    []*nn.Parameter
	Wvalue  []*nn.Parameter
	Woutput *nn.Parameter // (dModel x dModel)

	// cache for backprop
	X       *mat.Dense
	Q, K, V []*mat.Dense
	Scores  []*mat.Dense
	A       []*mat.Dense
	O       []*mat.Dense
	Ocat    *mat.Dense

	// Performance
	maskCache map[int]*mat.Dense
	lastT     int
	parallel  bool // parallelize over heads if true

	step int
}

func NewNaiveMHA(dModel, nHeads int, lr float64) *NaiveMHA {
	nHeads = utils.ChooseValidHeads(dModel, nHeads)
	dHead := dModel / nHeads
	attn := &NaiveMHA{
		H:            nHeads,
		DModel:       dModel,
		DHead:        dHead,
		learningRate: lr,
		Wquery:       make([]*nn.Parameter, nHeads),
		Wkey:         make([]*nn.Parameter, nHeads),
		Wvalue:       make([]*nn.Parameter, nHeads),
		Q:            make([]*mat.Dense, nHeads),
		K:            make([]*mat.Dense, nHeads),
		V:            make([]*mat.Dense, nHeads),
		Scores:       make([]*mat.Dense, nHeads),
		A:            make([]*mat.Dense, nHeads),
		O:            make([]*mat.Dense, nHeads),
		maskCache:    map[int]*mat.Dense{},
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = nn.NewParameter(headName("wq", h),
			mat.NewDense(dHead, dModel, utils.NormalArray(dHead*dModel, float64(dModel))))
		attn.Wkey[h] = nn.NewParameter(headName("wk", h),
			mat.NewDense(dHead, dModel, utils.NormalArray(dHead*dModel, float64(dModel))))
		attn.Wvalue[h] = nn.NewParameter(headName("wv", h),
			mat.NewDense(dHead, dModel, utils.NormalArray(dHead*dModel, float64(dModel))))
	}
	attn.Woutput = nn.NewParameter("mha.wo",
		mat.NewDense(dModel, dModel, utils.NormalArray(dModel*dModel, float64(dModel))))
	return attn
}

func headName(base string, h int) string {
	return fmt.Sprintf("mha.%s.%d", base, h)
}

func (attn *NaiveMHA) Name() string { return "naive" }

func (attn *NaiveMHA) SetParallel(on bool) { attn.parallel = on }

func (attn *NaiveMHA) Params() []*nn.Parameter {
	out := make([]*nn.Parameter, 0, 3*attn.H+1)
	for h := 0; h < attn.H; h++ {
		out = append(out, attn.Wquery[h], attn.Wkey[h], attn.Wvalue[h])
	}
	return append(out, attn.Woutput)
}

func (attn *NaiveMHA) Buffers() []*nn.Buffer { return nil }

func (attn *NaiveMHA) Forward(X *mat.Dense) *mat.Dense {
	attn.X = X
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	// cache mask by T
	mask, ok := attn.maskCache[T]
	if !ok {
		mask = utils.CausalMask(T)
		attn.maskCache[T] = mask
	}

	// prepare per-head scratch resized once per T
	if attn.lastT != T {
		for h := 0; h < attn.H; h++ {
			attn.Q[h] = mat.NewDense(attn.DHead, T, nil)
			attn.K[h] = mat.NewDense(attn.DHead, T, nil)
			attn.V[h] = mat.NewDense(attn.DHead, T, nil)
			attn.Scores[h] = mat.NewDense(T, T, nil)
			attn.O[h] = mat.NewDense(attn.DHead, T, nil)
			attn.A[h] = nil // set fresh below
		}
		attn.lastT = T
	}

	work := func(h int) {
		// Q,K,V
		attn.Q[h].Mul(attn.Wquery[h].W, X)
		attn.K[h].Mul(attn.Wkey[h].W, X)
		attn.V[h].Mul(attn.Wvalue[h].W, X)
		// S = (Q^T K)/sqrt
		attn.Scores[h].Mul(attn.Q[h].T(), attn.K[h])
		attn.Scores[h].Scale(rescale, attn.Scores[h])
		// Reuse buffer for A to avoid allocation each step
		if attn.A[h] == nil {
			attn.A[h] = mat.NewDense(T, T, nil)
		} else if ar, ac := attn.A[h].Dims(); ar != T || ac != T {
			attn.A[h] = mat.NewDense(T, T, nil)
		}
		utils.RowSoftmaxMaskedInPlace(attn.A[h], attn.Scores[h], mask)
		// O = V * A^T
		attn.O[h].Mul(attn.V[h], attn.A[h].T())
		// concat into headsCat rows
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Copy(attn.O[h])
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			hh := h
			go func() { defer wg.Done(); work(hh) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.Ocat = headsCat

	// Debug: quick sanity check on head 0 attention row sums.
	if params.Config.Debug && attn.H > 0 && attn.step%params.Config.DebugEvery == 0 {
		a := attn.A[0]
		if a != nil {
			rs := utils.RowSums(a)
			mn, mx := rs[0], rs[0]
			for _, v := range rs {
				if v < mn {
					mn = v
				}
				if v > mx {
					mx = v
				}
			}
			utils.Debugf("MHA: head0 A row-sum min/max = %.4f/%.4f (T=%d)", mn, mx, len(rs))
		}
	}

	return utils.ToDense(utils.Dot(attn.Woutput.W, headsCat))
}

// Backward: computes grads, clips globally, and applies AdamW updates.
func (attn *NaiveMHA) Backward(dY *mat.Dense) *mat.Dense {
	dX, dWq, dWk, dWv, dWout := attn.BackwardGradsOnly(dY)

	attn.step++
	lr := attn.learningRate

	// Global per-module grad clipping (includes all heads + Wout)
	if params.Config.GradClip > 0 {
		grads := []*mat.Dense{dWout}
		for h := 0; h < attn.H; h++ {
			grads = append(grads, dWq[h], dWk[h], dWv[h])
		}
		s := utils.ClipGrads(params.Config.GradClip, grads...)
		if s < 1.0 && params.Config.Debug && attn.step%params.Config.DebugEvery == 0 {
			utils.Debugf("MHA: clipped grads by %.4f at step %d", s, attn.step)
		}
	}

	wd := params.Config.WeightDecay
	for h := 0; h < attn.H; h++ {
		optimizations.StepParam(attn.Wquery[h], dWq[h], lr, wd)
		optimizations.StepParam(attn.Wkey[h], dWk[h], lr, wd)
		optimizations.StepParam(attn.Wvalue[h], dWv[h], lr, wd)
	}
	optimizations.StepParam(attn.Woutput, dWout, lr, wd)

	return dX
}

// BackwardGradsOnly: computes grads but does NOT update weights.
func (attn *NaiveMHA) BackwardGradsOnly(dY *mat.Dense) (
	dX *mat.Dense,
	dWq, dWk, dWv []*mat.Dense,
	dWout *mat.Dense,
) {
	dWq = make([]*mat.Dense, attn.H)
	dWk = make([]*mat.Dense, attn.H)
	dWv = make([]*mat.Dense, attn.H)

	// Expand dY to the full sequence if only the last position was provided.
	dY = utils.ExpandGradToSeq(dY, attn.X)
	_, T := attn.X.Dims()

	// Y = Wout * Ocat
	dWout = utils.ToDense(utils.Dot(dY, attn.Ocat.T()))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.W.T(), dY))

	dXtotal := utils.ZerosLike(attn.X)

	row := 0
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		// slice out this head's portion of dOcat
		dO := dOcat.Slice(row, row+attn.DHead, 0, T).(*mat.Dense)
		row += attn.DHead

		// O = V * A^T; dV is (dHead x T), dAT is (T x T)
		dV := utils.ToDense(utils.Dot(dO, attn.A[h]))
		dAT := utils.ToDense(utils.Dot(attn.V[h].T(), dO))
		dA := dAT.T()

		// A = softmax_row(S)
		dS := utils.SoftmaxBackward(dA, attn.A[h]) // (T x T)

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.K[h], dS.T()))) // (dHead x T)
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.Q[h], dS)))     // (dHead x T)

		// Params
		dWq[h] = utils.ToDense(utils.Dot(dQ, attn.X.T()))
		dWk[h] = utils.ToDense(utils.Dot(dK, attn.X.T()))
		dWv[h] = utils.ToDense(utils.Dot(dV, attn.X.T()))

		// Inputs
		dXq := utils.ToDense(utils.Dot(attn.Wquery[h].W.T(), dQ))
		dXk := utils.ToDense(utils.Dot(attn.Wkey[h].W.T(), dK))
		dXv := utils.ToDense(utils.Dot(attn.Wvalue[h].W.T(), dV))
		dXh := utils.ToDense(utils.Add(utils.Add(dXq, dXk), dXv))
		dXtotal = utils.ToDense(utils.Add(dXtotal, dXh))
	}
	return dXtotal, dWq, dWk, dWv, dWout
}
