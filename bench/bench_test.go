package bench

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestRunAttentionSuiteSmoke(t *testing.T) {
	rand.Seed(123)
	suite, err := RunAttentionSuite(16, 4, []int{4, 8}, 2)
	if err != nil {
		t.Fatalf("RunAttentionSuite: %v", err)
	}

	// 3 variants x 2 sequence lengths
	if len(suite.Results) != 6 {
		t.Fatalf("got %d results, want 6", len(suite.Results))
	}
	for _, r := range suite.Results {
		if r.AvgTime <= 0 {
			t.Fatalf("%s T=%d has non-positive avg time", r.Variant, r.SeqLen)
		}
		if r.GFLOPS <= 0 {
			t.Fatalf("%s T=%d has non-positive GFLOPS", r.Variant, r.SeqLen)
		}
	}
	// the naive baseline always has speedup 1
	for _, r := range suite.Results {
		if r.Variant == "naive" && r.SpeedupVsNaive != 1.0 {
			t.Fatalf("naive speedup %.3f, want 1", r.SpeedupVsNaive)
		}
	}
}

func TestSuiteSaveJSON(t *testing.T) {
	rand.Seed(123)
	suite, err := RunAttentionSuite(8, 2, []int{4}, 1)
	if err != nil {
		t.Fatalf("RunAttentionSuite: %v", err)
	}

	path := filepath.Join(t.TempDir(), "bench.json")
	if err := suite.SaveJSON(path); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back Suite
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("written JSON does not parse: %v", err)
	}
	if back.DModel != 8 || len(back.Results) != 3 {
		t.Fatalf("round-tripped suite lost data: dModel=%d results=%d", back.DModel, len(back.Results))
	}
}

func TestAttnFLOPsScaling(t *testing.T) {
	// doubling T doubles the projection term and quadruples the score term
	d := 64
	small := attnFLOPs(d, 32)
	big := attnFLOPs(d, 64)
	if big <= small*1.9 {
		t.Fatalf("FLOPs did not scale with T: %g -> %g", small, big)
	}
}

func TestDetectHardware(t *testing.T) {
	hw := DetectHardware()
	if hw.OS == "" || hw.Arch == "" {
		t.Fatal("hardware detection returned empty OS/arch")
	}
	if hw.NumCPU < 1 {
		t.Fatalf("NumCPU=%d", hw.NumCPU)
	}
}
