package forge

import (
	"fmt"
	"runtime"

	"github.com/forgegen/forge/backend"
	"github.com/forgegen/forge/backend/isa/amd64"
	"github.com/forgegen/forge/backend/isa/arm64"
)

func newMachine() backend.Machine {
	m, err := newMachineForArch(runtime.GOARCH)
	if err != nil {
		panic(err)
	}
	return m
}

// newMachineForArch constructs the backend.Machine for the named GOARCH, used by both
// newMachine (native JIT use) and Context (cross-arch AOT use).
func newMachineForArch(arch string) (backend.Machine, error) {
	switch arch {
	case "arm64":
		return arm64.NewBackend(), nil
	case "amd64":
		return amd64.NewBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
}

func unwindStack(sp, fp, top uintptr, returnAddresses []uintptr) []uintptr {
	switch runtime.GOARCH {
	case "arm64":
		return arm64.UnwindStack(sp, fp, top, returnAddresses)
	case "amd64":
		return amd64.UnwindStack(sp, fp, top, returnAddresses)
	default:
		panic("unsupported architecture")
	}
}

func goCallStackView(stackPointerBeforeGoCall *uint64) []uint64 {
	switch runtime.GOARCH {
	case "arm64":
		return arm64.GoCallStackView(stackPointerBeforeGoCall)
	case "amd64":
		return amd64.GoCallStackView(stackPointerBeforeGoCall)
	default:
		panic("unsupported architecture")
	}
}
