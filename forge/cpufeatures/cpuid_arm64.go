package cpufeatures

import "golang.org/x/sys/cpu"

// CpuFeatures exposes the capabilities of the running arm64 CPU.
var CpuFeatures CpuFeatureFlags = &cpuFeatureFlags{}

type cpuFeatureFlags struct{}

// Has implements CpuFeatureFlags.Has.
func (c *cpuFeatureFlags) Has(feature CpuFeature) bool {
	switch feature {
	case CpuFeatureArm64Atomic:
		return cpu.ARM64.HasATOMICS
	default:
		return false
	}
}

// HasExtra implements CpuFeatureFlags.HasExtra. AArch64 has no extra word.
func (c *cpuFeatureFlags) HasExtra(feature CpuFeature) bool {
	return false
}
