package backend

import (
	"context"
	"fmt"

	"github.com/forgegen/forge/backend/regalloc"
	"github.com/forgegen/forge/ssa"
)

// SourceOffsetInfo pairs a byte offset into the emitted machine code with the source
// position (if any) the instruction at that offset was lowered from. Compile collects
// these in program order so a caller can build a line table after emission.
type SourceOffsetInfo struct {
	ExecutableOffset int64
	SourceOffset     ssa.SourceOffset
}

// Compiler is the machine-independent driver handed to a Machine via Machine.SetCompiler.
// It owns everything a Machine's lowering/encoding code needs but that doesn't belong to
// any one ISA: the SSA builder being compiled, the ssa.Value-to-regalloc.VReg mapping,
// cached per-signature FunctionABI(s), and the growing machine-code buffer.
//
// A single Compiler is constructed once per Machine and reused, function after function,
// via Init.
type Compiler interface {
	// Init resets the Compiler for the next function, discarding all per-function state
	// accumulated by the previous call.
	Init()

	// SSABuilder returns the ssa.Builder holding the function currently being compiled.
	SSABuilder() ssa.Builder

	// Lower drives Machine.LowerInstr/LowerSingleBranch/LowerConditionalBranch over every
	// block of the current function, in layout order, populating VReg assignments.
	Lower()

	// RegAlloc runs the register allocator over the lowered function.
	RegAlloc()

	// Encode asks the Machine to emit the final machine code for the lowered,
	// register-allocated function into Buf.
	Encode(ctx context.Context)

	// Finalize is called once Encode has produced a final buffer, to run any
	// Compiler-level post-processing (e.g. validating accumulated relocations).
	Finalize(ctx context.Context) error

	// Compile verifies, lowers, allocates registers for, and encodes the function currently
	// held by ssaBuilder, returning the resulting machine code together with the relocations
	// a caller must patch once every function's final binary address is known.
	Compile(ctx context.Context, ssaBuilder ssa.Builder) (compiled []byte, relocs []RelocationInfo, err error)

	// Format returns a textual dump of the machine code built up so far, for debugging/testing.
	Format() string

	// AllocateVReg allocates a fresh virtual register to hold a value of type typ.
	AllocateVReg(typ ssa.Type) regalloc.VReg

	// VRegOf returns the virtual register holding value. Panics if value has not been
	// assigned one yet (i.e. it has not been defined by an already-lowered instruction
	// or a block parameter).
	VRegOf(value ssa.Value) regalloc.VReg

	// TypeOf returns the SSA type a virtual register was allocated to hold.
	TypeOf(v regalloc.VReg) ssa.Type

	// ValueDefinition looks up how value was defined: either by an instruction, or as a
	// block parameter.
	ValueDefinition(value ssa.Value) *SSAValueDefinition

	// MatchInstr returns true if def is a single-use definition from an instruction of the
	// given opcode, not yet lowered, and in the same instruction group as the one currently
	// being lowered — i.e. whether it is safe for the caller to fold def's producer into
	// the instruction currently being lowered instead of lowering it separately.
	MatchInstr(def *SSAValueDefinition, opcode ssa.Opcode) bool

	// MatchInstrOneOf is MatchInstr against each of opcodes in turn, returning the first
	// one that matches, or ssa.OpcodeInvalid if none do.
	MatchInstrOneOf(def *SSAValueDefinition, opcodes []ssa.Opcode) ssa.Opcode

	// MarkLowered marks instr as already lowered, so a later walk over the block doesn't
	// lower it again when it's reached as an operand of another, not-yet-lowered instruction.
	MarkLowered(instr *ssa.Instruction)

	// GetFunctionABI returns the (possibly cached) FunctionABI for sig.
	GetFunctionABI(sig *ssa.Signature) *FunctionABI

	// Buf returns the machine code buffer accumulated so far.
	Buf() []byte
	// BufPtr returns a pointer to the machine code buffer, for code that needs to append
	// to it directly (e.g. to compute an offset before growing it).
	BufPtr() *[]byte
	// EmitByte appends a single byte to Buf.
	EmitByte(b byte)
	// Emit4Bytes appends b in little-endian order to Buf.
	Emit4Bytes(b uint32)
	// Emit8Bytes appends b in little-endian order to Buf.
	Emit8Bytes(b uint64)

	// AddRelocationInfo records that the 4 bytes just emitted at the current end of Buf
	// are a call-site that must be patched to the final address of funcRef.
	AddRelocationInfo(funcRef ssa.FuncRef)

	// AddSourceOffsetInfo records that executableOffset (a byte offset into Buf) starts
	// the machine code lowered from sourceOffset.
	AddSourceOffsetInfo(executableOffset int64, sourceOffset ssa.SourceOffset)
	// SourceOffsetInfo returns the source offsets recorded so far, in program order.
	SourceOffsetInfo() []SourceOffsetInfo
}

// compiler is the concrete, ISA-agnostic implementation of Compiler.
type compiler struct {
	machine Machine
	ssaB    ssa.Builder

	// ssaValueToVRegs maps ssa.ValueID to the regalloc.VReg holding it, or
	// regalloc.VRegInvalid if the value hasn't been assigned one yet.
	ssaValueToVRegs []regalloc.VReg
	// nextVRegID is the VRegID to hand out to the next AllocateVReg call.
	nextVRegID regalloc.VRegID
	// typeOfVReg maps regalloc.VRegID to the SSA type it was allocated for.
	typeOfVReg []ssa.Type

	// currentGID is the InstructionGroupID of the instruction Lower is currently
	// processing, used by MatchInstr to refuse folding across a side-effect boundary.
	currentGID ssa.InstructionGroupID

	// definitions caches the SSAValueDefinition computed for each ssa.ValueID.
	definitions []*SSAValueDefinition

	buf              []byte
	relocs           []RelocationInfo
	sourceOffsetInfo []SourceOffsetInfo

	// abis caches the FunctionABI computed for each ssa.SignatureID.
	abis map[ssa.SignatureID]*FunctionABI
}

// NewCompiler returns a Compiler driving m over functions built with ssaBuilder, and wires
// it into m via Machine.SetCompiler.
func NewCompiler(ctx context.Context, m Machine, ssaBuilder ssa.Builder) Compiler {
	return newCompiler(ctx, m, ssaBuilder)
}

// newCompiler is the concrete-typed counterpart of NewCompiler, used directly by tests that
// need to reach into compiler's unexported fields.
func newCompiler(ctx context.Context, m Machine, ssaBuilder ssa.Builder) *compiler {
	c := &compiler{machine: m, ssaB: ssaBuilder, abis: make(map[ssa.SignatureID]*FunctionABI)}
	m.SetCompiler(c)
	return c
}

// Init implements Compiler.Init.
func (c *compiler) Init() {
	c.currentGID = 0
	c.buf = c.buf[:0]
	c.relocs = c.relocs[:0]
	c.sourceOffsetInfo = c.sourceOffsetInfo[:0]
	c.nextVRegID = 0

	refCounts := c.ssaB.ValueRefCounts()
	if cap(c.ssaValueToVRegs) < len(refCounts) {
		c.ssaValueToVRegs = make([]regalloc.VReg, len(refCounts))
	}
	c.ssaValueToVRegs = c.ssaValueToVRegs[:len(refCounts)]
	for i := range c.ssaValueToVRegs {
		c.ssaValueToVRegs[i] = regalloc.VRegInvalid
	}
	if cap(c.definitions) < len(refCounts) {
		c.definitions = make([]*SSAValueDefinition, len(refCounts))
	}
	c.definitions = c.definitions[:len(refCounts)]
	for i := range c.definitions {
		c.definitions[i] = nil
	}
	c.machine.Reset()
}

// SSABuilder implements Compiler.SSABuilder.
func (c *compiler) SSABuilder() ssa.Builder { return c.ssaB }

// AllocateVReg implements Compiler.AllocateVReg.
func (c *compiler) AllocateVReg(typ ssa.Type) regalloc.VReg {
	id := c.nextVRegID
	c.nextVRegID++
	v := regalloc.VReg(id).SetRegType(regalloc.RegTypeOf(typ))
	if int(id) >= len(c.typeOfVReg) {
		grown := make([]ssa.Type, id+1)
		copy(grown, c.typeOfVReg)
		c.typeOfVReg = grown
	}
	c.typeOfVReg[id] = typ
	return v
}

// TypeOf implements Compiler.TypeOf.
func (c *compiler) TypeOf(v regalloc.VReg) ssa.Type {
	id := v.ID()
	if int(id) >= len(c.typeOfVReg) {
		panic(fmt.Sprintf("BUG: vreg %d was never allocated via AllocateVReg", id))
	}
	return c.typeOfVReg[id]
}

// VRegOf implements Compiler.VRegOf.
func (c *compiler) VRegOf(value ssa.Value) regalloc.VReg {
	v := c.ssaValueToVRegs[value.ID()]
	if !v.Valid() {
		panic(fmt.Sprintf("BUG: value %s has no assigned VReg", value))
	}
	return v
}

// assignVReg records that value is now held in v; used while lowering block parameters
// and instruction results.
func (c *compiler) assignVReg(value ssa.Value, v regalloc.VReg) {
	c.ssaValueToVRegs[value.ID()] = v
}

// vregForBlockParam returns the VReg assigned to block parameter v, allocating a fresh one
// the first time v is referenced. Block params are normally assigned a VReg when lowerBlock
// reaches their owning block, but a branch can target a successor Lower hasn't walked yet
// (e.g. the back-edge of a loop, or any forward branch in non-trivial layouts), so
// lowerBlockArguments must be able to allocate on demand too.
func (c *compiler) vregForBlockParam(v ssa.Value) regalloc.VReg {
	if vr := c.ssaValueToVRegs[v.ID()]; vr.Valid() {
		return vr
	}
	vr := c.AllocateVReg(v.Type())
	c.assignVReg(v, vr)
	return vr
}

// isBlockArgConst reports whether instr produces a value cheap enough to rematerialize
// directly into a successor's block-parameter register instead of moving it, i.e. whether
// it is one of the constant-producing opcodes.
func isBlockArgConst(instr *ssa.Instruction) bool {
	switch instr.Opcode() {
	case ssa.OpcodeIconst, ssa.OpcodeF32const, ssa.OpcodeF64const:
		return true
	default:
		return false
	}
}

// lowerBlockArguments resolves a branch's arguments into succ's block parameters. Constant
// arguments are rematerialized directly via Machine.InsertLoadConstantBlockArg. The rest are
// moved into place; since source and destination registers can alias each other (e.g. a loop
// back-edge that swaps two live values), any argument whose source register is also some
// argument's destination register forces every remaining move in this batch through a
// temporary register first, breaking the cycle the same way a multi-register swap would.
func (c *compiler) lowerBlockArguments(args []ssa.Value, succ ssa.BasicBlock) {
	if len(args) != succ.Params() {
		panic(fmt.Sprintf("BUG: mismatched number of block arguments: %d != %d", len(args), succ.Params()))
	}

	var movArgs []ssa.Value
	var movDsts []regalloc.VReg
	for i, arg := range args {
		dst := c.vregForBlockParam(succ.Param(i))
		if instr := c.ssaB.InstructionOfValue(arg); instr != nil && isBlockArgConst(instr) {
			c.machine.InsertLoadConstantBlockArg(instr, dst)
			continue
		}
		movArgs = append(movArgs, arg)
		movDsts = append(movDsts, dst)
	}
	if len(movArgs) == 0 {
		return
	}

	srcs := make([]regalloc.VReg, len(movArgs))
	dstSet := make(map[regalloc.VReg]bool, len(movArgs))
	for i := range movArgs {
		srcs[i] = c.VRegOf(movArgs[i])
		dstSet[movDsts[i]] = true
	}

	overlap := false
	for _, src := range srcs {
		if dstSet[src] {
			overlap = true
			break
		}
	}

	if !overlap {
		for i := range movArgs {
			if srcs[i] == movDsts[i] {
				continue
			}
			c.machine.InsertMove(movDsts[i], srcs[i], movArgs[i].Type())
		}
		return
	}

	tmps := make([]regalloc.VReg, len(movArgs))
	for i := range movArgs {
		tmps[i] = c.AllocateVReg(movArgs[i].Type())
		c.machine.InsertMove(tmps[i], srcs[i], movArgs[i].Type())
	}
	for i := range movArgs {
		c.machine.InsertMove(movDsts[i], tmps[i], movArgs[i].Type())
	}
}

// ValueDefinition implements Compiler.ValueDefinition.
func (c *compiler) ValueDefinition(value ssa.Value) *SSAValueDefinition {
	id := value.ID()
	if def := c.definitions[id]; def != nil {
		return def
	}
	refCounts := c.ssaB.ValueRefCounts()
	def := &SSAValueDefinition{V: value, RefCount: uint32(refCounts[id])}
	if instr := c.ssaB.InstructionOfValue(value); instr != nil {
		def.Instr = instr
	} else {
		def.BlkParamVReg = c.VRegOf(value)
	}
	c.definitions[id] = def
	return def
}

// MatchInstr implements Compiler.MatchInstr.
func (c *compiler) MatchInstr(def *SSAValueDefinition, opcode ssa.Opcode) bool {
	instr := def.Instr
	return def.IsFromInstr() &&
		instr.Opcode() == opcode &&
		instr.GroupID() == c.currentGID &&
		def.RefCount < 2 &&
		!instr.Lowered()
}

// MatchInstrOneOf implements Compiler.MatchInstrOneOf.
func (c *compiler) MatchInstrOneOf(def *SSAValueDefinition, opcodes []ssa.Opcode) ssa.Opcode {
	for _, opcode := range opcodes {
		if c.MatchInstr(def, opcode) {
			return opcode
		}
	}
	return ssa.OpcodeInvalid
}

// MarkLowered implements Compiler.MarkLowered.
func (c *compiler) MarkLowered(instr *ssa.Instruction) {
	instr.MarkLowered()
}

// GetFunctionABI implements Compiler.GetFunctionABI.
func (c *compiler) GetFunctionABI(sig *ssa.Signature) *FunctionABI {
	abi, ok := c.abis[sig.ID]
	if !ok {
		abi = &FunctionABI{}
		c.abis[sig.ID] = abi
	}
	if !abi.Initialized {
		ints, floats := c.machine.ArgsResultsRegs()
		abi.Init(sig, ints, floats)
	}
	return abi
}

// Buf implements Compiler.Buf.
func (c *compiler) Buf() []byte { return c.buf }

// BufPtr implements Compiler.BufPtr.
func (c *compiler) BufPtr() *[]byte { return &c.buf }

// EmitByte implements Compiler.EmitByte.
func (c *compiler) EmitByte(b byte) { c.buf = append(c.buf, b) }

// Emit4Bytes implements Compiler.Emit4Bytes.
func (c *compiler) Emit4Bytes(b uint32) {
	c.buf = append(c.buf, byte(b), byte(b>>8), byte(b>>16), byte(b>>24))
}

// Emit8Bytes implements Compiler.Emit8Bytes.
func (c *compiler) Emit8Bytes(b uint64) {
	c.buf = append(c.buf,
		byte(b), byte(b>>8), byte(b>>16), byte(b>>24),
		byte(b>>32), byte(b>>40), byte(b>>48), byte(b>>56))
}

// AddRelocationInfo implements Compiler.AddRelocationInfo.
func (c *compiler) AddRelocationInfo(funcRef ssa.FuncRef) {
	c.relocs = append(c.relocs, RelocationInfo{Offset: int64(len(c.buf)), FuncRef: funcRef})
}

// AddSourceOffsetInfo implements Compiler.AddSourceOffsetInfo.
func (c *compiler) AddSourceOffsetInfo(executableOffset int64, sourceOffset ssa.SourceOffset) {
	c.sourceOffsetInfo = append(c.sourceOffsetInfo, SourceOffsetInfo{
		ExecutableOffset: executableOffset, SourceOffset: sourceOffset,
	})
}

// SourceOffsetInfo implements Compiler.SourceOffsetInfo.
func (c *compiler) SourceOffsetInfo() []SourceOffsetInfo { return c.sourceOffsetInfo }

// Format implements Compiler.Format.
func (c *compiler) Format() string { return c.machine.Format() }

// Lower implements Compiler.Lower.
func (c *compiler) Lower() {
	ectx := c.machine.ExecutableContext()
	ectx.StartLoweringFunction(ssa.BasicBlockID(c.ssaB.Blocks()))

	var prevBlk ssa.BasicBlock
	for blk := c.ssaB.BlockIteratorReversePostOrderBegin(); blk != nil; blk = c.ssaB.BlockIteratorReversePostOrderNext() {
		ectx.StartBlock(blk)
		c.lowerBlock(ectx, blk)
		ectx.EndBlock()
		if prevBlk != nil {
			ectx.LinkAdjacentBlocks(prevBlk, blk)
		}
		prevBlk = blk
	}
	ectx.EndLoweringFunction()
}

// lowerBlock lowers every instruction in blk, walking in reverse (as Machine.LowerInstr
// requires) and assigning VRegs to its parameters first.
//
// Unlike LowerInstr, which flushes the pending-instruction buffer itself at the end of every
// call, LowerSingleBranch and LowerConditionalBranch leave whatever they insert sitting in the
// buffer. Since the buffer is shared across the whole block and flushing merges its entire
// contents as one chunk, leaving a branch's instructions unflushed would let the next
// (reverse-order, so program-order-earlier) instruction's own flush interleave them ahead of
// that instruction instead of after it. lowerBlock flushes explicitly after each branch lowering
// call to keep the terminator's instructions, including any block-argument moves
// lowerBlockArguments inserts, ordered after everything else in the block.
func (c *compiler) lowerBlock(ectx ExecutableContext, blk ssa.BasicBlock) {
	for i := 0; i < blk.Params(); i++ {
		c.vregForBlockParam(blk.Param(i))
	}

	var instrs []*ssa.Instruction
	for cur := blk.Tail(); cur != nil; cur = cur.Prev() {
		instrs = append(instrs, cur)
	}
	for _, instr := range instrs {
		if instr.Lowered() {
			continue
		}
		c.currentGID = instr.GroupID()
		switch instr.Opcode() {
		case ssa.OpcodeJump:
			if _, args, targetBlk := instr.BranchData(); len(args) > 0 {
				c.lowerBlockArguments(args, targetBlk)
			}
			c.machine.LowerSingleBranch(instr)
			ectx.FlushPendingInstructions()
		case ssa.OpcodeBrTable:
			c.machine.LowerSingleBranch(instr)
			ectx.FlushPendingInstructions()
		case ssa.OpcodeBrz, ssa.OpcodeBrnz:
			c.machine.LowerConditionalBranch(instr)
			ectx.FlushPendingInstructions()
		default:
			c.machine.LowerInstr(instr)
		}
	}
}

// RegAlloc implements Compiler.RegAlloc.
func (c *compiler) RegAlloc() { c.machine.RegAlloc() }

// Encode implements Compiler.Encode.
func (c *compiler) Encode(ctx context.Context) { c.machine.Encode(ctx) }

// Finalize implements Compiler.Finalize.
func (c *compiler) Finalize(context.Context) error { return nil }

// Compile implements Compiler.Compile.
func (c *compiler) Compile(ctx context.Context, ssaBuilder ssa.Builder) (compiled []byte, relocs []RelocationInfo, err error) {
	c.ssaB = ssaBuilder
	c.Init()
	if err := ssa.VerifyFunction(ssaBuilder); err != nil {
		return nil, nil, fmt.Errorf("ssa verification failed: %w", err)
	}
	c.machine.SetCurrentABI(c.GetFunctionABI(c.ssaB.Signature()))
	c.Lower()
	c.machine.PostRegAlloc()
	c.RegAlloc()
	c.Encode(ctx)
	if err := c.Finalize(ctx); err != nil {
		return nil, nil, err
	}
	return c.buf, c.relocs, nil
}
