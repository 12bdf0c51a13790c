package arm64

import (
	"github.com/forgegen/forge/backend"
	"github.com/forgegen/forge/backend/regalloc"
	"github.com/forgegen/forge/ssa"
)

// abiImpl is an alias for the architecture-neutral backend.FunctionABI: the AAPCS64
// calling convention needs no extra per-function state beyond argument/result placement.
type abiImpl = backend.FunctionABI

// ArgsResultsRegs implements backend.Machine.
func (m *machine) ArgsResultsRegs() (argResultInts, argResultFloats []regalloc.RealReg) {
	return intArgResultRegs, floatArgResultRegs
}

func (m *machine) getOrCreateABIImpl(sig *ssa.Signature) *abiImpl {
	if int(sig.ID) >= len(m.abis) {
		m.abis = append(m.abis, make([]abiImpl, int(sig.ID)+1)...)
	}

	abi := &m.abis[sig.ID]
	if abi.Initialized {
		return abi
	}

	abi.Init(sig, intArgResultRegs, floatArgResultRegs)
	return abi
}

// LowerParams implements backend.Machine.
func (m *machine) LowerParams(params []ssa.Value) {
	// TODO implement me
	panic("implement me")
}

// LowerReturns implements backend.Machine.
func (m *machine) LowerReturns(returns []ssa.Value) {
	// TODO implement me
	panic("implement me")
}
