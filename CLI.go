package main

import (
	"flag"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/IO"
	"github.com/manningwu07/nnBlocks/attention"
	"github.com/manningwu07/nnBlocks/bench"
	"github.com/manningwu07/nnBlocks/nn"
	"github.com/manningwu07/nnBlocks/norm"
	"github.com/manningwu07/nnBlocks/params"
	"github.com/manningwu07/nnBlocks/utils"
)

func runBench(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	dModel := fs.Int("dmodel", params.Config.DModel, "model width")
	heads := fs.Int("heads", params.Config.NumHeads, "attention heads")
	seqLens := fs.String("seqlens", "32,64,128", "comma-separated sequence lengths")
	iters := fs.Int("iters", 20, "iterations per measurement")
	jsonPath := fs.String("json", "", "optional path to write results as JSON")
	fs.Parse(args)

	var lens []int
	for _, s := range strings.Split(*seqLens, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("bad seqlen %q: %w", s, err)
		}
		lens = append(lens, n)
	}

	suite, err := bench.RunAttentionSuite(*dModel, *heads, lens, *iters)
	if err != nil {
		return err
	}
	suite.PrintSummary()

	if *jsonPath != "" {
		if err := suite.SaveJSON(*jsonPath); err != nil {
			return err
		}
		fmt.Println("Wrote", *jsonPath)
	}
	return nil
}

// runDemo tokenizes a prompt, embeds it, and rolls it through a causal
// self-attention + layer-norm stack one position at a time via the KV cache.
func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	prompt := fs.String("prompt", "attention is all you need", "input text")
	dataDir := fs.String("data", "tokenizer_data", "tokenizer corpus/cache dir")
	fs.Parse(args)

	corpus := *dataDir + "/corpus.txt"
	tokPath := *dataDir + "/tokenizer.json"
	if err := IO.EnsureDemoCorpus(corpus); err != nil {
		return err
	}
	if err := IO.TrainOrLoadBPE(corpus, tokPath, params.Config.VocabSize); err != nil {
		return err
	}
	if err := IO.InitEmbeddings(params.Config.DModel); err != nil {
		return err
	}

	ids, err := IO.EncodeBPE(*prompt)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("prompt produced no tokens")
	}
	fmt.Printf("Prompt tokens: %d\n", len(ids))

	attn := attention.NewCausalSelfAttention(params.Config.DModel, 0.0)
	attn.Eval()
	ln := norm.NewLayerNorm(params.Config.DModel, 1e-5, 0.0)

	for t, id := range ids {
		x := IO.AddPosCol(IO.ColAsVector(params.Emb, id), t)
		start := time.Now()
		y := attn.ForwardLastWithKV(x)
		y = ln.ForwardCol(y)
		elapsed := time.Since(start)
		fmt.Printf("step %2d  token=%-12q  cache=%2d  |y|=%.4f  %v\n",
			t, params.Vocab.IDToToken[id], attn.CachedLen(), utils.MatrixNorm(y), elapsed)
	}
	return nil
}

// runGradCheck mirrors the finite-difference tests: perturb one weight,
// compare the numerical slope against the analytic gradient.
func runGradCheck() error {
	d := 8
	attn := attention.NewNaiveMHA(d, 2, 0.0)
	x := mat.NewDense(d, 3, utils.RandomArray(d*3, float64(d)))

	forward := func() float64 {
		logits := utils.LastCol(attn.Forward(x))
		loss, _ := utils.CrossEntropyWithIndex(logits, 2)
		return loss
	}

	logits := utils.LastCol(attn.Forward(x))
	utils.PrintMatrix(logits, "logits")
	_, dL := utils.CrossEntropyWithIndex(logits, 2)
	_, dWq, _, _, _ := attn.BackwardGradsOnly(dL)

	eps := 1e-5
	w0 := attn.Wquery[0].W.At(0, 0)
	attn.Wquery[0].W.Set(0, 0, w0+eps)
	lp := forward()
	attn.Wquery[0].W.Set(0, 0, w0-eps)
	lm := forward()
	attn.Wquery[0].W.Set(0, 0, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := dWq[0].At(0, 0)
	fmt.Printf("Wquery[0][0,0]: numerical=%.6g analytic=%.6g diff=%.2g\n",
		numGrad, anaGrad, math.Abs(numGrad-anaGrad))
	if math.Abs(numGrad-anaGrad) > 1e-4 {
		return fmt.Errorf("gradient check failed")
	}
	fmt.Println("gradient check passed")
	return nil
}

// runStateDemo shows the buffer sweep: BatchNorm running stats and the
// attention mask/cache travel through SaveState alongside the weights.
func runStateDemo(args []string) error {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	path := fs.String("path", "models/blocks.gob", "state file")
	fs.Parse(args)

	d := params.Config.DModel
	attn := attention.NewCausalSelfAttention(d, params.Config.AttnLR)
	attn.Eval()
	bn := norm.NewBatchNorm(d, 1e-5, params.Config.NormLR)

	// Populate the non-trainable state: mask via a forward pass, running
	// stats via a train-mode BatchNorm pass.
	X := mat.NewDense(d, 16, utils.RandomArray(d*16, float64(d)))
	_ = attn.Forward(X)
	_ = bn.Forward(X)

	if err := nn.SaveState(*path, attn, bn); err != nil {
		return err
	}
	fmt.Println("Saved parameters and buffers to", *path)

	restoredAttn := attention.NewCausalSelfAttention(d, params.Config.AttnLR)
	restoredBn := norm.NewBatchNorm(d, 1e-5, params.Config.NormLR)
	if err := nn.LoadState(*path, restoredAttn, restoredBn); err != nil {
		return err
	}

	nn.VisitState(restoredBn, func(kind, name string, w *mat.Dense) {
		r, c := w.Dims()
		fmt.Printf("restored %-6s %-18s (%dx%d) |w|=%.4f\n", kind, name, r, c, utils.MatrixNorm(w))
	})
	return nil
}
