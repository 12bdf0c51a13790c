package cpufeatures

import "golang.org/x/sys/cpu"

// CpuFeatures exposes the capabilities of the running amd64 CPU.
var CpuFeatures CpuFeatureFlags = &cpuFeatureFlags{}

type cpuFeatureFlags struct{}

// Has implements CpuFeatureFlags.Has.
func (c *cpuFeatureFlags) Has(feature CpuFeature) bool {
	switch feature {
	case CpuFeatureAmd64SSE3:
		return cpu.X86.HasSSE3
	case CpuFeatureAmd64SSE4_1:
		return cpu.X86.HasSSE41
	case CpuFeatureAmd64SSE4_2:
		return cpu.X86.HasSSE42
	default:
		return false
	}
}

// HasExtra implements CpuFeatureFlags.HasExtra.
func (c *cpuFeatureFlags) HasExtra(feature CpuFeature) bool {
	switch feature {
	case CpuExtraFeatureAmd64ABM:
		return cpu.X86.HasLZCNT && cpu.X86.HasPOPCNT
	default:
		return false
	}
}
