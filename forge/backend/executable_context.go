package backend

import (
	"fmt"

	"github.com/forgegen/forge/internal/cgapi"
	"github.com/forgegen/forge/ssa"
)

// Label identifies a position in the final machine code, either a basic block entry
// or an arbitrary branch target created during lowering (e.g. a jump table entry).
type Label uint32

// LabelInvalid is a sentinel Label never issued by NewExecutableContextT.
const LabelInvalid Label = 0

// String implements fmt.Stringer.
func (l Label) String() string {
	return fmt.Sprintf("L%d", uint32(l))
}

// LabelPosition tracks where a Label ends up once instructions are laid out linearly,
// both as a [Begin, End] range in the per-ISA instruction linked list and, after
// encoding, as a byte offset into the emitted machine code.
type LabelPosition[I any] struct {
	SB           ssa.BasicBlock
	L            Label
	Begin, End   *I
	BinaryOffset int64
}

// ExecutableContext abstracts the block/label bookkeeping a Machine needs while lowering
// a function: which ssa.BasicBlock is currently being lowered, how blocks are chained
// together in layout order, and the pending-instruction buffer used because lowering
// walks each block's instructions in reverse.
type ExecutableContext interface {
	// StartLoweringFunction is called before lowering a function with the given
	// number of blocks, allowing the implementation to size its block-to-label table.
	StartLoweringFunction(blockCount ssa.BasicBlockID)

	// LinkAdjacentBlocks links the layout-adjacent blocks prev and next so that
	// fallthrough between them requires no explicit jump.
	LinkAdjacentBlocks(prev, next ssa.BasicBlock)

	// StartBlock is called when lowering of blk begins.
	StartBlock(blk ssa.BasicBlock)

	// EndBlock is called when lowering of the current block is complete.
	EndBlock()

	// EndLoweringFunction is called after every block in the function has been lowered.
	EndLoweringFunction()

	// FlushPendingInstructions flushes instructions buffered by LowerInstr (which lowers
	// in reverse order) to the head of the current block, restoring program order.
	FlushPendingInstructions()
}

// ExecutableContextT is the generic, ISA-agnostic implementation of ExecutableContext,
// parameterized over the concrete per-ISA instruction type I. Each ISA backend embeds
// one, configured with callbacks to reset/link/nop-ify its instruction type.
type ExecutableContextT[I any] struct {
	CurrentSSABlk ssa.BasicBlock

	// InstructionPool allocates the per-ISA instruction type without incurring a heap
	// allocation per instruction.
	InstructionPool cgapi.Pool[I]
	labelPosPool    cgapi.Pool[LabelPosition[I]]

	// RootInstr is the first instruction of the function, in final layout order.
	RootInstr *I

	// PendingInstructions buffers instructions lowered for the current block; LowerInstr
	// lowers in reverse, so these are flushed to the block head in reverse order by
	// FlushPendingInstructions.
	PendingInstructions []*I

	// OrderedBlockLabels holds one LabelPosition per block, in layout (program) order.
	OrderedBlockLabels []*LabelPosition[I]

	// SsaBlockIDToLabels maps an ssa.BasicBlockID to the Label allocated for it.
	SsaBlockIDToLabels []Label

	// LabelPositions maps every allocated Label, including ones with no associated
	// ssa.BasicBlock (e.g. branch targets synthesized during lowering), to its position.
	LabelPositions map[Label]*LabelPosition[I]
	NextLabel      Label

	perBlockHead, perBlockEnd *I

	resetInstruction func(*I)
	setNext          func(*I, *I)
	setPrev          func(*I, *I)
	asNop            func(*I)
}

// NewExecutableContextT returns a new ExecutableContextT configured for the instruction
// type I via the given callbacks, which must be the zero-allocation linked-list helpers
// the ISA's instruction type already provides (reset, set next/prev link, turn into nop).
func NewExecutableContextT[I any](
	resetInstruction func(*I),
	setNext func(*I, *I),
	setPrev func(*I, *I),
	asNop func(*I),
) *ExecutableContextT[I] {
	return &ExecutableContextT[I]{
		InstructionPool:  cgapi.NewPool[I](),
		labelPosPool:     cgapi.NewPool[LabelPosition[I]](),
		LabelPositions:   make(map[Label]*LabelPosition[I]),
		NextLabel:        LabelInvalid + 1,
		resetInstruction: resetInstruction,
		setNext:          setNext,
		setPrev:          setPrev,
		asNop:            asNop,
	}
}

// Reset prepares the context for lowering the next function.
func (e *ExecutableContextT[I]) Reset() {
	e.InstructionPool.Reset()
	e.labelPosPool.Reset()
	for l := range e.LabelPositions {
		delete(e.LabelPositions, l)
	}
	e.NextLabel = LabelInvalid + 1
	e.RootInstr = nil
	e.PendingInstructions = e.PendingInstructions[:0]
	e.OrderedBlockLabels = e.OrderedBlockLabels[:0]
	e.SsaBlockIDToLabels = e.SsaBlockIDToLabels[:0]
	e.perBlockHead, e.perBlockEnd = nil, nil
}

// AllocateLabel allocates a fresh Label not yet associated with any position.
func (e *ExecutableContextT[I]) AllocateLabel() Label {
	l := e.NextLabel
	e.NextLabel++
	return l
}

// AllocateLabelPosition allocates (without registering) a LabelPosition for l.
func (e *ExecutableContextT[I]) AllocateLabelPosition(l Label) *LabelPosition[I] {
	pos := e.labelPosPool.Allocate()
	*pos = LabelPosition[I]{L: l}
	return pos
}

// GetOrAllocateSSABlockLabel returns the Label for blk, allocating one (and its
// LabelPosition) on first use.
func (e *ExecutableContextT[I]) GetOrAllocateSSABlockLabel(blk ssa.BasicBlock) Label {
	id := int(blk.ID())
	if id >= len(e.SsaBlockIDToLabels) {
		return LabelInvalid
	}
	if l := e.SsaBlockIDToLabels[id]; l != LabelInvalid {
		return l
	}
	l := e.AllocateLabel()
	e.SsaBlockIDToLabels[id] = l
	return l
}

// StartLoweringFunction implements ExecutableContext.
func (e *ExecutableContextT[I]) StartLoweringFunction(blockCount ssa.BasicBlockID) {
	imax := int(blockCount)
	if len(e.SsaBlockIDToLabels) <= imax {
		e.SsaBlockIDToLabels = append(e.SsaBlockIDToLabels, make([]Label, imax+1-len(e.SsaBlockIDToLabels))...)
	}
}

// EndLoweringFunction implements ExecutableContext.
func (e *ExecutableContextT[I]) EndLoweringFunction() {}

// StartBlock implements ExecutableContext.
func (e *ExecutableContextT[I]) StartBlock(blk ssa.BasicBlock) {
	e.CurrentSSABlk = blk

	l := e.GetOrAllocateSSABlockLabel(blk)
	end := e.InstructionPool.Allocate()
	e.resetInstruction(end)
	e.asNop(end)
	e.perBlockHead, e.perBlockEnd = end, end

	pos, ok := e.LabelPositions[l]
	if !ok {
		pos = e.AllocateLabelPosition(l)
		e.LabelPositions[l] = pos
	}
	pos.SB = blk
	pos.Begin, pos.End = end, end
	e.OrderedBlockLabels = append(e.OrderedBlockLabels, pos)
}

// EndBlock implements ExecutableContext.
func (e *ExecutableContextT[I]) EndBlock() {
	head := e.InstructionPool.Allocate()
	e.resetInstruction(head)
	e.asNop(head)
	e.insertAtPerBlockHead(head)

	l := e.SsaBlockIDToLabels[e.CurrentSSABlk.ID()]
	e.LabelPositions[l].Begin = e.perBlockHead

	if e.CurrentSSABlk.EntryBlock() {
		e.RootInstr = e.perBlockHead
	}
}

func (e *ExecutableContextT[I]) insertAtPerBlockHead(i *I) {
	if e.perBlockHead == nil {
		e.perBlockHead, e.perBlockEnd = i, i
		return
	}
	e.setNext(i, e.perBlockHead)
	e.setPrev(e.perBlockHead, i)
	e.perBlockHead = i
}

// LinkAdjacentBlocks implements ExecutableContext.
func (e *ExecutableContextT[I]) LinkAdjacentBlocks(prev, next ssa.BasicBlock) {
	prevPos := e.LabelPositions[e.GetOrAllocateSSABlockLabel(prev)]
	nextPos := e.LabelPositions[e.GetOrAllocateSSABlockLabel(next)]
	e.setNext(prevPos.End, nextPos.Begin)
	e.setPrev(nextPos.Begin, prevPos.End)
}

// FlushPendingInstructions implements ExecutableContext.
func (e *ExecutableContextT[I]) FlushPendingInstructions() {
	l := len(e.PendingInstructions)
	if l == 0 {
		return
	}
	for i := l - 1; i >= 0; i-- {
		e.insertAtPerBlockHead(e.PendingInstructions[i])
	}
	e.PendingInstructions = e.PendingInstructions[:0]
}
