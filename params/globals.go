package params

import "gonum.org/v1/gonum/mat"

// Embed structs and globals
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

// Globals initialized by IO.BuildVocabAndEmb before running the demo.
var (
	Vocab  Vocabulary
	Emb    *mat.Dense // (dModel x |V|)
	PosEmb *mat.Dense // (dModel x SeqLen)
)

type BlockConfig struct {
	// Core block parameters
	DModel    int // model width
	NumHeads  int // attention heads; dHead = DModel/NumHeads
	SeqLen    int // max context length (caps the KV cache)
	VocabSize int // |V| for the demo embeddings

	// Optimizer parameters (backward passes exercise these)
	AttnLR    float64
	NormLR    float64
	AdamBeta1 float64 // default 0.9
	AdamBeta2 float64 // default 0.999
	AdamEps   float64 // default 1e-8

	// Stability parameters
	GradClip    float64 // <=0 disables
	WeightDecay float64 // AdamW-style; 0 disables
	Dropout     float64 // attention-weight dropout in train mode
	BNMomentum  float64 // running-stat momentum for BatchNorm

	Debug      bool // enable periodic debug logs
	DebugEvery int  // print every N optimizer steps
}

var Config = BlockConfig{
	DModel:    128,
	NumHeads:  4,
	SeqLen:    64,
	VocabSize: 2048,

	AttnLR:    0.0003,
	NormLR:    0.0003,
	AdamBeta1: 0.9,
	AdamBeta2: 0.999,
	AdamEps:   1e-8,

	GradClip:    1.0,
	WeightDecay: 0.01,
	Dropout:     0.1,
	BNMomentum:  0.1,

	Debug:      false,
	DebugEvery: 1000,
}
