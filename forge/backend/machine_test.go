package backend

import (
	"context"

	"github.com/forgegen/forge/backend/regalloc"
	"github.com/forgegen/forge/internal/cgapi"
	"github.com/forgegen/forge/ssa"
)

// mockMachine implements Machine for testing Compiler in isolation from any real ISA.
type mockMachine struct {
	startLoweringFunction  func(id ssa.BasicBlockID)
	startBlock             func(block ssa.BasicBlock)
	lowerSingleBranch      func(b *ssa.Instruction)
	lowerConditionalBranch func(b *ssa.Instruction)
	lowerInstr             func(instruction *ssa.Instruction)
	reset                  func()
	insertMove             func(dst, src regalloc.VReg)
	insertLoadConstant     func(instr *ssa.Instruction, vr regalloc.VReg)
	format                 func() string
	linkAdjacentBlocks     func(prev, next ssa.BasicBlock)
	argResultInts          []regalloc.RealReg
	argResultFloats        []regalloc.RealReg
	frameSize              int64
}

// ExecutableContext implements Machine.ExecutableContext.
func (m *mockMachine) ExecutableContext() ExecutableContext { return mockExecutableContext{m} }

// DisableStackCheck implements Machine.DisableStackCheck.
func (m *mockMachine) DisableStackCheck() {}

// SetCurrentABI implements Machine.SetCurrentABI.
func (m *mockMachine) SetCurrentABI(*FunctionABI) {}

// SetCompiler implements Machine.SetCompiler.
func (m *mockMachine) SetCompiler(Compiler) {}

// LowerSingleBranch implements Machine.LowerSingleBranch.
func (m *mockMachine) LowerSingleBranch(b *ssa.Instruction) {
	if m.lowerSingleBranch != nil {
		m.lowerSingleBranch(b)
	}
}

// LowerConditionalBranch implements Machine.LowerConditionalBranch.
func (m *mockMachine) LowerConditionalBranch(b *ssa.Instruction) {
	if m.lowerConditionalBranch != nil {
		m.lowerConditionalBranch(b)
	}
}

// LowerInstr implements Machine.LowerInstr.
func (m *mockMachine) LowerInstr(instruction *ssa.Instruction) {
	if m.lowerInstr != nil {
		m.lowerInstr(instruction)
	}
}

// Reset implements Machine.Reset.
func (m *mockMachine) Reset() {
	if m.reset != nil {
		m.reset()
	}
}

// InsertMove implements Machine.InsertMove.
func (m *mockMachine) InsertMove(dst, src regalloc.VReg, typ ssa.Type) {
	m.insertMove(dst, src)
}

// InsertReturn implements Machine.InsertReturn.
func (m *mockMachine) InsertReturn() { panic("TODO") }

// InsertLoadConstantBlockArg implements Machine.InsertLoadConstantBlockArg.
func (m *mockMachine) InsertLoadConstantBlockArg(instr *ssa.Instruction, vr regalloc.VReg) {
	m.insertLoadConstant(instr, vr)
}

// Format implements Machine.Format.
func (m *mockMachine) Format() string {
	if m.format == nil {
		return ""
	}
	return m.format()
}

// RegAlloc implements Machine.RegAlloc.
func (m *mockMachine) RegAlloc() {}

// PostRegAlloc implements Machine.PostRegAlloc.
func (m *mockMachine) PostRegAlloc() {}

// ResolveRelocations implements Machine.ResolveRelocations.
func (m *mockMachine) ResolveRelocations(map[ssa.FuncRef]int, []byte, []RelocationInfo) {}

// UpdateRelocationInfo implements Machine.UpdateRelocationInfo.
func (m *mockMachine) UpdateRelocationInfo(_ *RelocationInfo, _ int, body []byte) []byte { return body }

// Encode implements Machine.Encode.
func (m *mockMachine) Encode(ctx context.Context) {}

// CompileGoFunctionTrampoline implements Machine.CompileGoFunctionTrampoline.
func (m *mockMachine) CompileGoFunctionTrampoline(cgapi.ExitCode, *ssa.Signature, bool) []byte {
	panic("TODO")
}

// CompileStackGrowCallSequence implements Machine.CompileStackGrowCallSequence.
func (m *mockMachine) CompileStackGrowCallSequence() []byte {
	panic("TODO")
}

// CompileEntryPreamble implements Machine.CompileEntryPreamble.
func (m *mockMachine) CompileEntryPreamble(*ssa.Signature) []byte {
	panic("TODO")
}

// LowerParams implements Machine.LowerParams.
func (m *mockMachine) LowerParams([]ssa.Value) {}

// LowerReturns implements Machine.LowerReturns.
func (m *mockMachine) LowerReturns([]ssa.Value) {}

// ArgsResultsRegs implements Machine.ArgsResultsRegs.
func (m *mockMachine) ArgsResultsRegs() (ints, floats []regalloc.RealReg) {
	return m.argResultInts, m.argResultFloats
}

// FrameSize implements Machine.FrameSize.
func (m *mockMachine) FrameSize() int64 { return m.frameSize }

var _ Machine = (*mockMachine)(nil)

// mockExecutableContext is a no-op ExecutableContext backing mockMachine, sufficient for
// Compiler.Lower's block-walking bookkeeping without any real ISA instruction buffer.
type mockExecutableContext struct{ m *mockMachine }

func (mockExecutableContext) StartLoweringFunction(ssa.BasicBlockID) {}

func (e mockExecutableContext) LinkAdjacentBlocks(prev, next ssa.BasicBlock) {
	if e.m.linkAdjacentBlocks != nil {
		e.m.linkAdjacentBlocks(prev, next)
	}
}

func (e mockExecutableContext) StartBlock(blk ssa.BasicBlock) {
	if e.m.startBlock != nil {
		e.m.startBlock(blk)
	}
}

func (mockExecutableContext) EndBlock() {}

func (mockExecutableContext) EndLoweringFunction() {}

func (mockExecutableContext) FlushPendingInstructions() {}

var _ ExecutableContext = mockExecutableContext{}
