package bench

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// Hardware describes the machine a suite ran on, so results from different
// boxes can be compared side by side.
type Hardware struct {
	OS     string `json:"os"`
	Arch   string `json:"arch"`
	NumCPU int    `json:"num_cpu"`

	// SIMD feature flags relevant to the hwy-backed SDPA variant.
	AVX2    bool `json:"avx2"`
	AVX512F bool `json:"avx512f"`
	NEON    bool `json:"neon"`
	SVE     bool `json:"sve"`
}

func DetectHardware() Hardware {
	return Hardware{
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		NumCPU:  runtime.NumCPU(),
		AVX2:    cpu.X86.HasAVX2,
		AVX512F: cpu.X86.HasAVX512F,
		NEON:    cpu.ARM64.HasASIMD,
		SVE:     cpu.ARM64.HasSVE,
	}
}
