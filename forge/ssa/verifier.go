package ssa

import "fmt"

// VerifyFunction checks the structural invariants of the function currently held by b:
// that every value used by an instruction is dominated by its definition, that each block
// ends with exactly one well-formed terminator, that block-call arguments match the
// target's parameter arity and types, that call/call_indirect/try_call sites match their
// declared Signature, that branch targets exist, and that landing-pad flags are consistent
// with the try_call edges that target them.
//
// RunPasses must have been called on b first; VerifyFunction panics otherwise, since
// dominance information isn't available until then.
func VerifyFunction(b Builder) error {
	bb, ok := b.(*builder)
	if !ok {
		panic("BUG: VerifyFunction requires the Builder returned by NewBuilder")
	}
	if !bb.donePasses {
		panic("BUG: RunPasses must be called before VerifyFunction")
	}

	v := &verifier{b: bb, blockOf: make(map[*Instruction]*basicBlock)}
	for blk := bb.BlockIteratorBegin(); blk != nil; blk = bb.BlockIteratorNext() {
		bbb := blk.(*basicBlock)
		if !bbb.Valid() {
			continue
		}
		for cur := bbb.Root(); cur != nil; cur = cur.Next() {
			v.blockOf[cur] = bbb
		}
	}

	for blk := bb.BlockIteratorBegin(); blk != nil; blk = bb.BlockIteratorNext() {
		bbb := blk.(*basicBlock)
		if !bbb.Valid() {
			continue
		}
		if err := v.verifyBlock(bbb); err != nil {
			return err
		}
	}
	return nil
}

// verifier holds the scratch state needed to check a single function.
type verifier struct {
	b *builder
	// blockOf maps every still-live Instruction to the basicBlock that contains it;
	// Instruction itself carries no back-pointer to its owning block.
	blockOf map[*Instruction]*basicBlock
}

// verifyBlock checks the terminator, landing-pad consistency, and every instruction of blk.
func (v *verifier) verifyBlock(blk *basicBlock) error {
	if err := v.verifyTerminator(blk); err != nil {
		return err
	}
	if err := v.verifyLandingPad(blk); err != nil {
		return err
	}
	for cur := blk.Root(); cur != nil; cur = cur.Next() {
		if err := v.verifyInstruction(blk, cur); err != nil {
			return err
		}
	}
	return nil
}

// verifyTerminator enforces that a block's only branching instruction(s) sit at its tail,
// that there are at most two of them (a conditional branch immediately followed by its
// unconditional fallback), and that every branch/call target block is live and that the
// arguments passed to it match its parameters.
func (v *verifier) verifyTerminator(blk *basicBlock) error {
	var branches []*Instruction
	for cur := blk.Root(); cur != nil; cur = cur.Next() {
		if cur.IsBranching() {
			branches = append(branches, cur)
		}
	}

	tail := blk.Tail()
	switch len(branches) {
	case 0:
		if tail == nil {
			return fmt.Errorf("%s: empty block has no terminator", blk.Name())
		}
		switch tail.Opcode() {
		case OpcodeReturn, OpcodeExitWithCode, OpcodeExitIfTrueWithCode:
		default:
			return fmt.Errorf("%s: block does not end in a branch, return, or exit instruction (ends in %s)", blk.Name(), tail.Opcode())
		}
	case 1:
		if branches[0] != tail {
			return fmt.Errorf("%s: branch instruction %s is not the last instruction in the block", blk.Name(), branches[0].Opcode())
		}
	case 2:
		if branches[1] != tail {
			return fmt.Errorf("%s: branch instructions are not placed at the tail of the block", blk.Name())
		}
		switch branches[0].Opcode() {
		case OpcodeBrz, OpcodeBrnz:
		default:
			return fmt.Errorf("%s: first of two branch instructions must be conditional, got %s", blk.Name(), branches[0].Opcode())
		}
		switch branches[1].Opcode() {
		case OpcodeJump, OpcodeBrTable:
		default:
			return fmt.Errorf("%s: second of two branch instructions must be an unconditional jump, got %s", blk.Name(), branches[1].Opcode())
		}
	default:
		return fmt.Errorf("%s: at most two branch instructions are allowed at the tail of a block, found %d", blk.Name(), len(branches))
	}

	for _, br := range branches {
		if err := v.verifyBranchTargets(blk, br); err != nil {
			return err
		}
	}
	return nil
}

// verifyBranchTargets checks that every successor of instr is a live block, and that the
// arguments passed to it match its parameter arity and types.
func (v *verifier) verifyBranchTargets(blk *basicBlock, instr *Instruction) error {
	switch instr.Opcode() {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		_, args, target := instr.BranchData()
		return v.verifyBlockCall(blk, instr, target, args)
	case OpcodeBrTable:
		_, targets := instr.BrTableData()
		if len(targets) == 0 {
			return fmt.Errorf("%s: br_table with no targets", blk.Name())
		}
		for _, target := range targets {
			if err := v.verifyBlockCall(blk, instr, target, nil); err != nil {
				return err
			}
		}
	case OpcodeTryCall:
		_, sigID, args, normalDest, exceptionDest := instr.TryCallData()
		sig := v.b.ResolveSignature(sigID)
		if len(args) != len(sig.Params) {
			return fmt.Errorf("%s: try_call passes %d arguments, signature %s wants %d", blk.Name(), len(args), sig, len(sig.Params))
		}
		if err := v.verifyBlockCall(blk, instr, normalDest, nil); err != nil {
			return err
		}
		exc, ok := exceptionDest.(*basicBlock)
		if !ok || !exc.Valid() {
			return fmt.Errorf("%s: try_call targets an invalid exception block", blk.Name())
		}
		if !exc.IsLandingPad() {
			return fmt.Errorf("%s: try_call exception target %s is not marked as a landing pad", blk.Name(), exc.Name())
		}
	}
	return nil
}

// verifyBlockCall checks that target is a live block and, when args is non-nil (br_table
// targets carry no explicit block-call arguments of their own), that args matches target's
// parameter arity and types.
func (v *verifier) verifyBlockCall(blk *basicBlock, instr *Instruction, target BasicBlock, args []Value) error {
	t, ok := target.(*basicBlock)
	if !ok || !t.Valid() {
		return fmt.Errorf("%s: %s targets an invalid block", blk.Name(), instr.Opcode())
	}
	if args == nil {
		return nil
	}
	if len(args) != t.Params() {
		return fmt.Errorf("%s: %s passes %d arguments to %s, which has %d parameters", blk.Name(), instr.Opcode(), len(args), t.Name(), t.Params())
	}
	for i, arg := range args {
		if got, want := arg.Type(), t.Param(i).Type(); got != want {
			return fmt.Errorf("%s: %s argument %d to %s has type %s, want %s", blk.Name(), instr.Opcode(), i, t.Name(), got, want)
		}
	}
	return nil
}

// verifyLandingPad checks that a block flagged as a landing pad is actually targeted by at
// least one try_call's exception edge, and that a block not so flagged has none.
func (v *verifier) verifyLandingPad(blk *basicBlock) error {
	switch {
	case blk.IsLandingPad() && len(blk.excPreds) == 0:
		return fmt.Errorf("%s: marked as a landing pad but has no try_call exception predecessor", blk.Name())
	case !blk.IsLandingPad() && len(blk.excPreds) != 0:
		return fmt.Errorf("%s: has a try_call exception predecessor but is not marked as a landing pad", blk.Name())
	}
	return nil
}

// verifyInstruction checks that every Value instr reads is defined by an instruction or
// block parameter that dominates blk, and that call-family instructions' arguments match
// their declared Signature.
func (v *verifier) verifyInstruction(blk *basicBlock, instr *Instruction) error {
	v1, v2, v3, vs := instr.Args()
	for _, val := range [3]Value{v1, v2, v3} {
		if val.Valid() {
			if err := v.verifyUseDominance(blk, instr, val); err != nil {
				return err
			}
		}
	}
	for _, val := range vs {
		if err := v.verifyUseDominance(blk, instr, val); err != nil {
			return err
		}
	}

	switch instr.Opcode() {
	case OpcodeCall:
		_, sigID, args := instr.CallData()
		return v.verifyCallSignature(blk, "call", sigID, args)
	case OpcodeCallIndirect:
		_, sigID, args := instr.CallIndirectData()
		return v.verifyCallSignature(blk, "call_indirect", sigID, args)
	}
	return nil
}

func (v *verifier) verifyCallSignature(blk *basicBlock, mnemonic string, sigID SignatureID, args []Value) error {
	sig := v.b.ResolveSignature(sigID)
	if len(args) != len(sig.Params) {
		return fmt.Errorf("%s: %s passes %d arguments, signature %s wants %d", blk.Name(), mnemonic, len(args), sig, len(sig.Params))
	}
	for i, arg := range args {
		if got, want := arg.Type(), sig.Params[i]; got != want {
			return fmt.Errorf("%s: %s argument %d has type %s, want %s", blk.Name(), mnemonic, i, got, want)
		}
	}
	return nil
}

// verifyUseDominance checks that val's definition dominates the block of the instruction
// using it (a use within the defining block itself is always fine, since instructions
// within a block run in program order).
func (v *verifier) verifyUseDominance(user *basicBlock, userInstr *Instruction, val Value) error {
	id := val.ID()
	if int(id) >= len(v.b.valueIDToInstruction) {
		return nil
	}
	def := v.b.valueIDToInstruction[id]
	if def == nil {
		// A nil entry means val is a block parameter; block parameters are available to
		// every instruction in, and are considered to dominate, their owning block.
		return nil
	}
	defBlk, ok := v.blockOf[def]
	if !ok || defBlk == user {
		return nil
	}
	if !v.b.isDominatedBy(user, defBlk) {
		return fmt.Errorf("%s: %s uses %s defined in %s, which does not dominate it", user.Name(), userInstr.Opcode(), val, defBlk.Name())
	}
	return nil
}
