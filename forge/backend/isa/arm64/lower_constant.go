package arm64

import (
	"github.com/forgegen/forge/backend/regalloc"
	"github.com/forgegen/forge/ssa"
)

// lowerConstant allocates a new VReg for the result of a constant instruction and emits
// whatever sequence materializes its value into it.
func (m *machine) lowerConstant(instr *ssa.Instruction) regalloc.VReg {
	v := instr.Return()
	typ := v.Type()
	dst := m.compiler.AllocateVReg(typ)

	switch typ {
	case ssa.TypeI32:
		c := instr.ConstantVal()
		if c == 0 {
			mov := m.allocateInstr()
			mov.asMove64(dst, xzrVReg)
			m.insert(mov)
		} else {
			m.lowerConstantI32(dst, int32(c))
		}
	case ssa.TypeI64:
		c := instr.ConstantVal()
		if c == 0 {
			mov := m.allocateInstr()
			mov.asMove64(dst, xzrVReg)
			m.insert(mov)
		} else {
			m.lowerConstantI64(dst, int64(c))
		}
	case ssa.TypeF32:
		raw := instr.ConstantVal()
		ld := m.allocateInstr()
		ld.asLoadFpuConst32(dst, raw)
		m.insert(ld)
	case ssa.TypeF64:
		raw := instr.ConstantVal()
		ld := m.allocateInstr()
		ld.asLoadFpuConst64(dst, raw)
		m.insert(ld)
	default:
		panic("BUG: unsupported constant type: " + typ.String())
	}
	return dst
}

// lowerConstantI32 materializes c into dst using a movz/movn base instruction followed by
// up to one movk per remaining non-matching 16-bit chunk. Instructions are appended to
// m.pendingInstructions via m.insert, in the same manner as the rest of instruction lowering.
func (m *machine) lowerConstantI32(dst regalloc.VReg, c int32) {
	v := uint32(c)
	if v == 0 {
		mov := m.allocateInstr()
		mov.asMOVZ(dst, 0, 0, false)
		m.insert(mov)
		return
	}

	var chunks [2]uint32
	chunks[0] = v & 0xffff
	chunks[1] = (v >> 16) & 0xffff

	var zeroCount, ffffCount int
	for _, ch := range chunks {
		switch ch {
		case 0:
			zeroCount++
		case 0xffff:
			ffffCount++
		}
	}

	if zeroCount >= ffffCount {
		base := -1
		for i, ch := range chunks {
			if ch != 0 {
				base = i
				break
			}
		}
		mov := m.allocateInstr()
		mov.asMOVZ(dst, uint64(chunks[base]), uint64(base), false)
		m.insert(mov)
		for i := base + 1; i < len(chunks); i++ {
			if chunks[i] == 0 {
				continue
			}
			movk := m.allocateInstr()
			movk.asMOVK(dst, uint64(chunks[i]), uint64(i), false)
			m.insert(movk)
		}
	} else {
		base := -1
		for i, ch := range chunks {
			if ch != 0xffff {
				base = i
				break
			}
		}
		mov := m.allocateInstr()
		mov.asMOVN(dst, uint64(^chunks[base]&0xffff), uint64(base), false)
		m.insert(mov)
		for i := base + 1; i < len(chunks); i++ {
			if chunks[i] == 0xffff {
				continue
			}
			movk := m.allocateInstr()
			movk.asMOVK(dst, uint64(chunks[i]), uint64(i), false)
			m.insert(movk)
		}
	}
}

// lowerConstantI64 is the 64-bit counterpart of lowerConstantI32, splitting c into four
// 16-bit chunks instead of two.
func (m *machine) lowerConstantI64(dst regalloc.VReg, c int64) {
	v := uint64(c)
	if v == 0 {
		mov := m.allocateInstr()
		mov.asMOVZ(dst, 0, 0, true)
		m.insert(mov)
		return
	}

	var chunks [4]uint64
	for i := range chunks {
		chunks[i] = (v >> uint(i*16)) & 0xffff
	}

	var zeroCount, ffffCount int
	for _, ch := range chunks {
		switch ch {
		case 0:
			zeroCount++
		case 0xffff:
			ffffCount++
		}
	}

	if zeroCount >= ffffCount {
		base := -1
		for i, ch := range chunks {
			if ch != 0 {
				base = i
				break
			}
		}
		mov := m.allocateInstr()
		mov.asMOVZ(dst, chunks[base], uint64(base), true)
		m.insert(mov)
		for i := base + 1; i < len(chunks); i++ {
			if chunks[i] == 0 {
				continue
			}
			movk := m.allocateInstr()
			movk.asMOVK(dst, chunks[i], uint64(i), true)
			m.insert(movk)
		}
	} else {
		base := -1
		for i, ch := range chunks {
			if ch != 0xffff {
				base = i
				break
			}
		}
		mov := m.allocateInstr()
		mov.asMOVN(dst, ^chunks[base]&0xffff, uint64(base), true)
		m.insert(mov)
		for i := base + 1; i < len(chunks); i++ {
			if chunks[i] == 0xffff {
				continue
			}
			movk := m.allocateInstr()
			movk.asMOVK(dst, chunks[i], uint64(i), true)
			m.insert(movk)
		}
	}
}

// lowerConstantI64AndInsert is the splice-at-cursor variant of lowerConstantI64, used by
// resolveAddressModeForOffsetAndInsert and resolveAddressingMode to materialize an offset
// that doesn't fit the chosen addressing mode's immediate field, at an arbitrary point in
// an already-linked instruction list rather than onto the pending-instruction queue.
func (m *machine) lowerConstantI64AndInsert(prev *instruction, reg regalloc.VReg, c int64) *instruction {
	cur := prev
	v := uint64(c)

	var chunks [4]uint64
	for i := range chunks {
		chunks[i] = (v >> uint(i*16)) & 0xffff
	}

	var zeroCount, ffffCount int
	for _, ch := range chunks {
		switch ch {
		case 0:
			zeroCount++
		case 0xffff:
			ffffCount++
		}
	}

	if v == 0 {
		mov := m.allocateInstr()
		mov.asMOVZ(reg, 0, 0, true)
		cur = linkInstr(cur, mov)
		return cur
	}

	if zeroCount >= ffffCount {
		base := -1
		for i, ch := range chunks {
			if ch != 0 {
				base = i
				break
			}
		}
		mov := m.allocateInstr()
		mov.asMOVZ(reg, chunks[base], uint64(base), true)
		cur = linkInstr(cur, mov)
		for i := base + 1; i < len(chunks); i++ {
			if chunks[i] == 0 {
				continue
			}
			movk := m.allocateInstr()
			movk.asMOVK(reg, chunks[i], uint64(i), true)
			cur = linkInstr(cur, movk)
		}
	} else {
		base := -1
		for i, ch := range chunks {
			if ch != 0xffff {
				base = i
				break
			}
		}
		mov := m.allocateInstr()
		mov.asMOVN(reg, ^chunks[base]&0xffff, uint64(base), true)
		cur = linkInstr(cur, mov)
		for i := base + 1; i < len(chunks); i++ {
			if chunks[i] == 0xffff {
				continue
			}
			movk := m.allocateInstr()
			movk.asMOVK(reg, chunks[i], uint64(i), true)
			cur = linkInstr(cur, movk)
		}
	}
	return cur
}
