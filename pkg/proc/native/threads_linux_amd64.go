//go:build linux && amd64

package native

import (
	"fmt"
	"unsafe"
)

const debugRegUserOffset = 848 // offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c

func debugRegOffset(idx int) (uintptr, error) {
	if idx < 0 || idx > 7 || idx == 4 || idx == 5 {
		// Linux will return EIO for DR4 and DR5
		return 0, fmt.Errorf("invalid debug register %d", idx)
	}
	return debugRegUserOffset + uintptr(idx)*unsafe.Sizeof(uint64(0)), nil
}

// PeekDebugReg reads debug register idx of the stopped thread tid.
func (pt *PtraceThread) PeekDebugReg(tid, idx int) (uint64, error) {
	off, err := debugRegOffset(idx)
	if err != nil {
		return 0, err
	}
	var val uint64
	pt.Exec(func() { val, err = ptracePeekUser(tid, off) })
	return val, err
}

// PokeDebugReg writes debug register idx of the stopped thread tid.
func (pt *PtraceThread) PokeDebugReg(tid, idx int, val uint64) error {
	off, err := debugRegOffset(idx)
	if err != nil {
		return err
	}
	pt.Exec(func() { err = ptracePokeUser(tid, off, val) })
	return err
}
