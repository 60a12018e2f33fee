package bench

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/nnBlocks/attention"
	"github.com/manningwu07/nnBlocks/utils"
)

// Wall-clock comparison of the attention variants. Before timing anything,
// the suite checks that all variants agree on the same weights; a benchmark
// of implementations that disagree is meaningless.

const parityTol = 1e-8

type Result struct {
	Variant        string        `json:"variant"`
	SeqLen         int           `json:"seq_len"`
	Iterations     int           `json:"iterations"`
	TotalTime      time.Duration `json:"total_time_ns"`
	AvgTime        time.Duration `json:"avg_time_ns"`
	GFLOPS         float64       `json:"gflops"`
	SpeedupVsNaive float64       `json:"speedup_vs_naive"`
}

type Suite struct {
	Timestamp time.Time `json:"timestamp"`
	DModel    int       `json:"d_model"`
	NumHeads  int       `json:"num_heads"`
	Hardware  Hardware  `json:"hardware"`
	Results   []Result  `json:"results"`
}

// attnFLOPs approximates the float ops of one forward pass: the four
// (d x d)(d x T) projections plus the two (T x T) score/value matmuls
// per head.
func attnFLOPs(d, T int) float64 {
	proj := 2.0 * 4.0 * float64(d) * float64(d) * float64(T)
	scores := 2.0 * 2.0 * float64(T) * float64(T) * float64(d)
	return proj + scores
}

// RunAttentionSuite times each attention variant's Forward at the given
// sequence lengths. All variants share the naive variant's weights.
func RunAttentionSuite(dModel, numHeads int, seqLens []int, iterations int) (*Suite, error) {
	suite := &Suite{
		Timestamp: time.Now(),
		DModel:    dModel,
		NumHeads:  numHeads,
		Hardware:  DetectHardware(),
	}

	naive := attention.NewNaiveMHA(dModel, numHeads, 0.0)
	fused := attention.FuseFrom(naive)
	sdpa := attention.SDPAFrom(naive)
	defer sdpa.Close()

	variants := []attention.Variant{naive, fused, sdpa}

	fmt.Println("=== Attention benchmark ===")
	fmt.Printf("dModel=%d heads=%d on %s/%s (%d cores)\n",
		dModel, numHeads, suite.Hardware.OS, suite.Hardware.Arch, suite.Hardware.NumCPU)

	for _, T := range seqLens {
		X := mat.NewDense(dModel, T, utils.RandomArray(dModel*T, float64(dModel)))

		// Parity gate: every variant must match the naive output.
		want := naive.Forward(X)
		for _, v := range variants[1:] {
			got := v.Forward(X)
			diff := utils.ToDense(utils.Subtract(got, want))
			if n := utils.MatrixNorm(diff); n > parityTol {
				return nil, fmt.Errorf("bench: %s diverges from naive at T=%d (|diff|=%g)",
					v.Name(), T, n)
			}
		}

		totalOps := attnFLOPs(dModel, T)
		var naiveGFLOPS float64

		for _, v := range variants {
			start := time.Now()
			for i := 0; i < iterations; i++ {
				_ = v.Forward(X)
			}
			totalTime := time.Since(start)
			avgTime := totalTime / time.Duration(iterations)
			gflops := totalOps / avgTime.Seconds() / 1e9

			if v.Name() == "naive" {
				naiveGFLOPS = gflops
			}

			suite.Results = append(suite.Results, Result{
				Variant:        v.Name(),
				SeqLen:         T,
				Iterations:     iterations,
				TotalTime:      totalTime,
				AvgTime:        avgTime,
				GFLOPS:         gflops,
				SpeedupVsNaive: gflops / naiveGFLOPS,
			})
		}
	}

	return suite, nil
}

// SaveJSON writes the suite to a JSON file.
func (suite *Suite) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(suite, "", "  ")
	if err != nil {
		return fmt.Errorf("bench: marshal: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}

// PrintSummary prints a human-readable table of the results.
func (suite *Suite) PrintSummary() {
	fmt.Println()
	fmt.Println("=== Summary ===")
	lastT := -1
	for _, r := range suite.Results {
		if r.SeqLen != lastT {
			fmt.Printf("\nT=%d:\n", r.SeqLen)
			fmt.Printf("  %-8s %12s %10s %9s\n", "variant", "avg", "GFLOPS", "speedup")
			lastT = r.SeqLen
		}
		fmt.Printf("  %-8s %12v %10.2f %8.2fx\n",
			r.Variant, r.AvgTime, r.GFLOPS, r.SpeedupVsNaive)
	}
	fmt.Println()
}
