package backend

import (
	"github.com/forgegen/forge/backend/regalloc"
	"github.com/forgegen/forge/ssa"
)

// SSAValueDefinition represents a definition of an SSA value.
// TODO: this eventually should be deleted.
type SSAValueDefinition struct {
	V ssa.Value
	// Instr is not nil if this is a definition from an instruction.
	Instr *ssa.Instruction
	// BlkParamVReg is valid if Instr is nil, meaning that this is from a block parameter.
	BlkParamVReg regalloc.VReg
	// RefCount is the number of references to the result.
	RefCount uint32
}

// IsFromInstr returns true if this definition is from an instruction, as opposed to a block parameter.
func (d *SSAValueDefinition) IsFromInstr() bool {
	return d.Instr != nil
}

// IsFromBlockParam returns true if this definition is from a basic block parameter.
func (d *SSAValueDefinition) IsFromBlockParam() bool {
	return d.Instr == nil
}
