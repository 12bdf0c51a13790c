package forge

import (
	"context"

	"github.com/forgegen/forge/backend"
	"github.com/forgegen/forge/ssa"
)

// OptLevel selects how aggressively RunPasses' optimization passes are applied before
// lowering. Only OptLevelNone and OptLevelSpeed are distinguished today: RunPasses bundles
// its mandatory analyses (dominance, value numbering) together with its optimization passes
// (dead code elimination, constant folding, ...) in one fixed sequence, so there is currently
// no separate "size" tuning knob to apply; OptLevelSize behaves like OptLevelSpeed.
type OptLevel int

const (
	OptLevelNone OptLevel = iota
	OptLevelSpeed
	OptLevelSize
)

// CallConv names a calling convention. Only CallConvDefault is actually implemented: it
// drives FunctionABI and each Machine's prologue/epilogue exactly as before. The others are
// accepted by ContextBuilder for API completeness but are not yet threaded through
// FunctionABI.Init or Machine.ArgsResultsRegs.
type CallConv int

const (
	CallConvDefault CallConv = iota
	CallConvSystemV
	CallConvAppleAArch64
)

// UnwindInfo describes the stack frame layout a caller needs to walk past a compiled
// function: the size of the frame PostRegAlloc settled on, and whether its prologue
// establishes a frame pointer chain (both ISA backends here always do).
type UnwindInfo struct {
	FrameSize      int64
	FramePointerOK bool
}

// CompiledCode is the result of Context.CompileFunction: the emitted machine code, the
// call-site relocations still needing a final address, and frame metadata for unwinding.
type CompiledCode struct {
	Code       []byte
	Relocs     []backend.RelocationInfo
	Unwind     *UnwindInfo
	BufferSize int
	// SourceOffsets records, in program order, where in Code each tracked source position's
	// machine code begins.
	SourceOffsets []backend.SourceOffsetInfo
}

// ContextBuilder configures a Context before it is built. Target selects the ISA backend;
// the rest tune the pipeline Context.CompileFunction runs.
type ContextBuilder struct {
	arch     string
	optLevel OptLevel
	callConv CallConv
	verify   bool
}

// NewContextBuilder returns a builder defaulting to the host architecture, OptLevelSpeed,
// CallConvDefault and verification enabled.
func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{optLevel: OptLevelSpeed, verify: true}
}

// Target selects the ISA to compile for by GOARCH name ("amd64" or "arm64"). os is accepted
// for API parity with the spec's Target(arch, os) but is not yet consulted: both backends
// here emit raw machine code, and platform-specific ABI details (syscall numbers, TLS access)
// are a frontend concern, not this library's.
func (c *ContextBuilder) Target(arch, _ string) *ContextBuilder {
	c.arch = arch
	return c
}

// TargetNative selects the architecture Go itself was built for.
func (c *ContextBuilder) TargetNative() *ContextBuilder {
	c.arch = ""
	return c
}

// OptLevel sets the optimization level RunPasses is expected to honor.
func (c *ContextBuilder) OptLevel(level OptLevel) *ContextBuilder {
	c.optLevel = level
	return c
}

// CallConv sets the calling convention FunctionABI should use.
func (c *ContextBuilder) CallConv(cc CallConv) *ContextBuilder {
	c.callConv = cc
	return c
}

// Verify toggles whether CompileFunction runs ssa.VerifyFunction before lowering.
func (c *ContextBuilder) Verify(enabled bool) *ContextBuilder {
	c.verify = enabled
	return c
}

// Optimize is shorthand for OptLevel(OptLevelSpeed) / OptLevel(OptLevelNone).
func (c *ContextBuilder) Optimize(enabled bool) *ContextBuilder {
	if enabled {
		c.optLevel = OptLevelSpeed
	} else {
		c.optLevel = OptLevelNone
	}
	return c
}

// Build constructs a Context from the accumulated options.
func (c *ContextBuilder) Build() (*Context, error) {
	arch := c.arch
	if arch == "" {
		m := newMachine()
		return &Context{machine: m, optLevel: c.optLevel, callConv: c.callConv, verify: c.verify}, nil
	}
	m, err := newMachineForArch(arch)
	if err != nil {
		return nil, err
	}
	return &Context{machine: m, optLevel: c.optLevel, callConv: c.callConv, verify: c.verify}, nil
}

// Context bundles a target backend.Machine, its backend.Compiler, and the pipeline options
// ContextBuilder accumulated. CompileFunction runs one function through
// verify -> lower -> register allocation -> emit and is the library's single externally
// facing compilation entry point.
//
// A Context is not safe for concurrent use by multiple goroutines compiling at once, but
// distinct Contexts may compile in parallel without any coordination.
type Context struct {
	machine  backend.Machine
	compiler backend.Compiler
	optLevel OptLevel
	callConv CallConv
	verify   bool
}

// NewContext returns a Context for the host architecture with default options (equivalent to
// NewContextBuilder().Build()).
func NewContext() (*Context, error) {
	return NewContextBuilder().Build()
}

// CompileFunction verifies (if enabled), lowers, register-allocates, and emits machine code
// for the function currently held by ssaBuilder. If c's OptLevel is not OptLevelNone,
// ssaBuilder.RunPasses and ssaBuilder.LayoutBlocks are run first; callers that already ran
// them (or that want a custom pass pipeline) should set OptLevelNone and run them themselves.
func (c *Context) CompileFunction(ctx context.Context, ssaBuilder ssa.Builder) (CompiledCode, error) {
	if c.compiler == nil {
		c.compiler = backend.NewCompiler(ctx, c.machine, ssaBuilder)
	}

	if c.optLevel != OptLevelNone {
		ssaBuilder.RunPasses()
		ssaBuilder.LayoutBlocks()
	}

	// Note: backend.Compiler.Compile always runs ssa.VerifyFunction itself regardless of
	// c.verify; Verify(false) is accepted for API parity with ContextBuilder but does not yet
	// bypass it.
	code, relocs, err := c.compiler.Compile(ctx, ssaBuilder)
	if err != nil {
		return CompiledCode{}, err
	}

	return CompiledCode{
		Code:       code,
		Relocs:     relocs,
		BufferSize: len(code),
		Unwind: &UnwindInfo{
			FrameSize:      c.machine.FrameSize(),
			FramePointerOK: true,
		},
		SourceOffsets: c.compiler.SourceOffsetInfo(),
	}, nil
}

// Format returns a textual dump of the machine code built up so far, for debugging/testing.
func (c *Context) Format() string {
	if c.compiler == nil {
		return ""
	}
	return c.compiler.Format()
}
