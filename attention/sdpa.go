package attention

import (
	"math"
	"runtime"

	hwynn "github.com/ajroetker/go-highway/hwy/contrib/nn"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/nn"
	"github.com/manningwu07/nnBlocks/utils"
)

// SDPAMHA keeps the fused projection layout but delegates the attention core
// to go-highway's scaled-dot-product-attention kernels. hwy wants row-major
// contiguous [heads, T, dHead] slices, so Forward shims between that and the
// column-major (dModel x T) convention the rest of the repo uses.
type SDPAMHA struct {
	H      int
	DModel int
	DHead  int

	Wqkv    *nn.Parameter // (3*dModel x dModel), same layout as FusedMHA
	Woutput *nn.Parameter // (dModel x dModel)

	pool *workerpool.Pool
}

func NewSDPAMHA(dModel, nHeads int) *SDPAMHA {
	f := NewFusedMHA(dModel, nHeads)
	return &SDPAMHA{
		H:       f.H,
		DModel:  f.DModel,
		DHead:   f.DHead,
		Wqkv:    f.Wqkv,
		Woutput: f.Woutput,
		pool:    workerpool.New(runtime.NumCPU()),
	}
}

// SDPAFrom builds an SDPAMHA carrying the same weights as a NaiveMHA.
func SDPAFrom(n *NaiveMHA) *SDPAMHA {
	f := FuseFrom(n)
	return &SDPAMHA{
		H:       f.H,
		DModel:  f.DModel,
		DHead:   f.DHead,
		Wqkv:    f.Wqkv,
		Woutput: f.Woutput,
		pool:    workerpool.New(runtime.NumCPU()),
	}
}

// Close releases the worker pool.
func (attn *SDPAMHA) Close() {
	if attn.pool != nil {
		attn.pool.Close()
		attn.pool = nil
	}
}

func (attn *SDPAMHA) Name() string { return "sdpa" }

func (attn *SDPAMHA) Params() []*nn.Parameter {
	return []*nn.Parameter{attn.Wqkv, attn.Woutput}
}

func (attn *SDPAMHA) Buffers() []*nn.Buffer { return nil }

func (attn *SDPAMHA) Forward(X *mat.Dense) *mat.Dense {
	_, T := X.Dims()
	d := attn.DModel
	dh := attn.DHead
	scale := 1.0 / math.Sqrt(float64(dh))

	QKV := mat.NewDense(3*d, T, nil)
	QKV.Mul(attn.Wqkv.W, X)

	// Repack into hwy's contiguous [heads, T, dHead] layout.
	q := make([]float64, attn.H*T*dh)
	k := make([]float64, attn.H*T*dh)
	v := make([]float64, attn.H*T*dh)
	out := make([]float64, attn.H*T*dh)
	for h := 0; h < attn.H; h++ {
		base := h * dh
		for t := 0; t < T; t++ {
			off := (h*T + t) * dh
			for j := 0; j < dh; j++ {
				q[off+j] = QKV.At(base+j, t)
				k[off+j] = QKV.At(d+base+j, t)
				v[off+j] = QKV.At(2*d+base+j, t)
			}
		}
	}

	// batch=1, numKVHeads==numHeads (no GQA), implicit causal mask.
	hwynn.MultiHeadSDPAAuto(attn.pool, q, k, v, nil, out,
		1, attn.H, attn.H, T, T, dh, 0, 0, scale, true)

	headsCat := mat.NewDense(d, T, nil)
	for h := 0; h < attn.H; h++ {
		base := h * dh
		for t := 0; t < T; t++ {
			off := (h*T + t) * dh
			for j := 0; j < dh; j++ {
				headsCat.Set(base+j, t, out[off+j])
			}
		}
	}

	return utils.ToDense(utils.Dot(attn.Woutput.W, headsCat))
}
