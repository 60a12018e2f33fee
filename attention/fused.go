package attention

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/nn"
	"github.com/manningwu07/nnBlocks/utils"
)

// FusedMHA stacks the per-head Q, K, V projections into one (3d x d) weight
// so the whole projection is a single matmul. The QKV slab is then sliced
// per head; the score math is identical to NaiveMHA.
//
// Row layout of Wqkv: rows [0, d) are the stacked per-head query weights,
// [d, 2d) keys, [2d, 3d) values. Head h occupies rows h*dHead..(h+1)*dHead
// of its slab.
type FusedMHA struct {
	H      int
	DModel int
	DHead  int

	Wqkv    *nn.Parameter // (3*dModel x dModel)
	Woutput *nn.Parameter // (dModel x dModel)

	maskCache map[int]*mat.Dense
}

func NewFusedMHA(dModel, nHeads int) *FusedMHA {
	nHeads = utils.ChooseValidHeads(dModel, nHeads)
	return &FusedMHA{
		H:      nHeads,
		DModel: dModel,
		DHead:  dModel / nHeads,
		Wqkv: nn.NewParameter("mha.wqkv",
			mat.NewDense(3*dModel, dModel, utils.NormalArray(3*dModel*dModel, float64(dModel)))),
		Woutput: nn.NewParameter("mha.wo",
			mat.NewDense(dModel, dModel, utils.NormalArray(dModel*dModel, float64(dModel)))),
		maskCache: map[int]*mat.Dense{},
	}
}

// FuseFrom builds a FusedMHA carrying the same weights as a NaiveMHA, so the
// two variants produce identical outputs up to float reassociation.
func FuseFrom(n *NaiveMHA) *FusedMHA {
	d := n.DModel
	wqkv := mat.NewDense(3*d, d, nil)
	for h := 0; h < n.H; h++ {
		base := h * n.DHead
		wqkv.Slice(base, base+n.DHead, 0, d).(*mat.Dense).Copy(n.Wquery[h].W)
		wqkv.Slice(d+base, d+base+n.DHead, 0, d).(*mat.Dense).Copy(n.Wkey[h].W)
		wqkv.Slice(2*d+base, 2*d+base+n.DHead, 0, d).(*mat.Dense).Copy(n.Wvalue[h].W)
	}
	return &FusedMHA{
		H:         n.H,
		DModel:    d,
		DHead:     n.DHead,
		Wqkv:      nn.NewParameter("mha.wqkv", wqkv),
		Woutput:   nn.NewParameter("mha.wo", mat.DenseCopyOf(n.Woutput.W)),
		maskCache: map[int]*mat.Dense{},
	}
}

func (attn *FusedMHA) Name() string { return "fused" }

func (attn *FusedMHA) Params() []*nn.Parameter {
	return []*nn.Parameter{attn.Wqkv, attn.Woutput}
}

func (attn *FusedMHA) Buffers() []*nn.Buffer { return nil }

func (attn *FusedMHA) Forward(X *mat.Dense) *mat.Dense {
	_, T := X.Dims()
	d := attn.DModel
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	mask, ok := attn.maskCache[T]
	if !ok {
		mask = utils.CausalMask(T)
		attn.maskCache[T] = mask
	}

	// One projection for all heads: (3d x T)
	QKV := mat.NewDense(3*d, T, nil)
	QKV.Mul(attn.Wqkv.W, X)

	headsCat := mat.NewDense(d, T, nil)
	for h := 0; h < attn.H; h++ {
		base := h * attn.DHead
		Q := QKV.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		K := QKV.Slice(d+base, d+base+attn.DHead, 0, T).(*mat.Dense)
		V := QKV.Slice(2*d+base, 2*d+base+attn.DHead, 0, T).(*mat.Dense)

		S := mat.NewDense(T, T, nil)
		S.Mul(Q.T(), K)
		S.Scale(rescale, S)

		A := mat.NewDense(T, T, nil)
		utils.RowSoftmaxMaskedInPlace(A, S, mask)

		O := mat.NewDense(attn.DHead, T, nil)
		O.Mul(V, A.T())
		headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense).Copy(O)
	}

	return utils.ToDense(utils.Dot(attn.Woutput.W, headsCat))
}
