package ssa

import (
	"fmt"
	"strings"
)

// SignatureID is an unique identifier used to lookup Signature.
type SignatureID uint32

// String implements fmt.Stringer.
func (s SignatureID) String() string {
	return fmt.Sprintf("sig%d", uint32(s))
}

// Signature is a function prototype for call, call_indirect and the function itself.
//
// Note: this is somewhat redundant with the calling-convention specific ABI descriptor
// built from it in the backend; Signature is the architecture-independent view the IR
// and verifier reason about, while backend.FunctionABI is the placed-into-registers view.
type Signature struct {
	// ID is the unique identifier of this signature, assigned by the client and used to
	// reference this Signature from Call, CallIndirect, and the function's own prototype.
	ID SignatureID
	// Params is the list of parameter types in declaration order.
	Params []Type
	// Results is the list of result types in declaration order.
	Results []Type

	// used is flipped by the builder whenever an instruction in the currently-compiled
	// function references this signature; UsedSignatures reports only those.
	used bool
}

// String implements fmt.Stringer.
func (s *Signature) String() string {
	var ps, rs []string
	for _, p := range s.Params {
		ps = append(ps, p.String())
	}
	for _, r := range s.Results {
		rs = append(rs, r.String())
	}
	return fmt.Sprintf("sig%d: (%s)->(%s)", s.ID, strings.Join(ps, ","), strings.Join(rs, ","))
}

// FuncRef is a unique identifier of a function, either defined in the same compilation unit
// or imported from elsewhere, referenced by Call and TryCall instructions.
//
// The client assigns FuncRef values; the compiler treats them as opaque and resolves them to
// a symbol/address only through the relocation it emits for the referencing call site.
type FuncRef uint32

// String implements fmt.Stringer.
func (r FuncRef) String() string {
	return fmt.Sprintf("f%d", uint32(r))
}

// FuncRefInvalid is a sentinel FuncRef never issued by a client.
const FuncRefInvalid FuncRef = 1<<32 - 1
