// Package cpufeatures exposes the host CPU capabilities that the backend
// consults when choosing between alternative lowerings (e.g. whether a
// POPCNT-backed sequence is available instead of the generic bit-twiddling
// fallback).
package cpufeatures

// CpuFeature is a bitmask identifying a single capability within either the
// primary or "extra" feature word of CpuFeatureFlags.
type CpuFeature uint64

// CpuFeatureFlags abstracts the CPU capability bits queried by the backend.
// Production code is backed by golang.org/x/sys/cpu; tests substitute a
// mock so lowering rules can be exercised without relying on the actual
// host's instruction set.
type CpuFeatureFlags interface {
	// Has returns true if the given feature is present in the primary word.
	Has(cpuFeature CpuFeature) bool
	// HasExtra returns true if the given feature is present in the extra word.
	HasExtra(cpuFeature CpuFeature) bool
}

const (
	// CpuFeatureArm64Atomic indicates LSE atomic instructions (CAS, swap, etc).
	CpuFeatureArm64Atomic CpuFeature = 1 << iota
)

const (
	// CpuFeatureAmd64SSE3 indicates the SSE3 instruction set.
	CpuFeatureAmd64SSE3 CpuFeature = 1 << iota
	// CpuFeatureAmd64SSE4_1 indicates the SSE4.1 instruction set.
	CpuFeatureAmd64SSE4_1
	// CpuFeatureAmd64SSE4_2 indicates the SSE4.2 instruction set.
	CpuFeatureAmd64SSE4_2
)

const (
	// CpuExtraFeatureAmd64ABM indicates the "advanced bit manipulation"
	// extension group (LZCNT/POPCNT) is available.
	CpuExtraFeatureAmd64ABM CpuFeature = 1 << iota
)
