package IO

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/params"
	"github.com/manningwu07/nnBlocks/utils"
)

// InitEmbeddings fills params.Emb/params.PosEmb with small random values
// sized from the loaded vocab. Shape: (dModel x |V|) and (dModel x SeqLen).
func InitEmbeddings(dModel int) error {
	if len(params.Vocab.IDToToken) == 0 {
		return errors.New("IO: vocab not initialized; call TrainOrLoadBPE first")
	}
	n := len(params.Vocab.IDToToken)
	params.Emb = mat.NewDense(dModel, n, utils.RandomArray(dModel*n, float64(dModel)))
	params.PosEmb = mat.NewDense(dModel, params.Config.SeqLen,
		utils.RandomArray(dModel*params.Config.SeqLen, float64(dModel)))
	return nil
}

func VocabLookup(v params.Vocabulary, tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return v.TokenToID["<unk>"]
}

// ColAsVector copies column id of the embedding matrix into a (d x 1) vector.
func ColAsVector(emb *mat.Dense, id int) *mat.Dense {
	d, n := emb.Dims()
	if id < 0 || id >= n {
		id = 0
	}
	out := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		out.Set(i, 0, emb.At(i, id))
	}
	return out
}

// AddPosCol adds the positional embedding for position t (capped at SeqLen-1).
func AddPosCol(x *mat.Dense, t int) *mat.Dense {
	d, _ := x.Dims()
	if t >= params.Config.SeqLen {
		t = params.Config.SeqLen - 1
	}
	out := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		out.Set(i, 0, x.At(i, 0)+params.PosEmb.At(i, t))
	}
	return out
}
