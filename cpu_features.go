package gudart

import (
	"strings"

	"golang.org/x/sys/cpu"
)

// CPUFeatures tracks the instruction set extensions of the host that backs
// every simulated device.
type CPUFeatures struct {
	HasAVX      bool
	HasAVX2     bool
	HasAVX512F  bool // Foundation
	HasAVX512BF bool // BF16 conversions
	HasFMA      bool
	HasSSE4     bool
	HasASIMD    bool // arm64 Advanced SIMD
	HasFPHP     bool // arm64 half precision
}

// Global CPU feature detection
var cpuFeatures CPUFeatures

func init() {
	detectCPUFeatures()
}

// detectCPUFeatures populates the global cpuFeatures struct
func detectCPUFeatures() {
	cpuFeatures = CPUFeatures{
		HasSSE4:     cpu.X86.HasSSE41 || cpu.X86.HasSSE42,
		HasAVX:      cpu.X86.HasAVX,
		HasAVX2:     cpu.X86.HasAVX2,
		HasAVX512F:  cpu.X86.HasAVX512F,
		HasAVX512BF: cpu.X86.HasAVX512BF16,
		HasFMA:      cpu.X86.HasFMA,
		HasASIMD:    cpu.ARM64.HasASIMD,
		HasFPHP:     cpu.ARM64.HasFPHP,
	}
}

// featureList returns the detected extensions in a stable order
func (f CPUFeatures) featureList() []string {
	features := []string{}
	if f.HasSSE4 {
		features = append(features, "SSE4")
	}
	if f.HasAVX {
		features = append(features, "AVX")
	}
	if f.HasAVX2 {
		features = append(features, "AVX2")
	}
	if f.HasFMA {
		features = append(features, "FMA")
	}
	if f.HasAVX512F {
		features = append(features, "AVX512F")
	}
	if f.HasAVX512BF {
		features = append(features, "AVX512BF16")
	}
	if f.HasASIMD {
		features = append(features, "ASIMD")
	}
	if f.HasFPHP {
		features = append(features, "FPHP")
	}
	return features
}

// GetCPUInfo returns a string describing available CPU features
func GetCPUInfo() string {
	features := cpuFeatures.featureList()
	if len(features) == 0 {
		return "No SIMD extensions detected"
	}
	return "CPU features: " + strings.Join(features, ", ")
}
