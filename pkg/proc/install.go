package proc

import (
	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

// DebugRegisterAccess reads and writes the debug registers of a stopped
// thread through the tracing facility.
type DebugRegisterAccess interface {
	PeekDebugReg(tid int, idx int) (uint64, error)
	PokeDebugReg(tid int, idx int, val uint64) error
}

// watchSlot is the only address register used.
const watchSlot = 0

func checkWatchpoint(addr uint64, sz int) (uint64, error) {
	length, err := amd64util.EncodeLength(sz)
	if err != nil {
		return 0, err
	}
	if addr%uint64(sz) != 0 {
		return 0, ErrMisalignedAddress{Addr: addr, Size: sz}
	}
	return length, nil
}

// Install arms a watchpoint of sz bytes at addr on thread tid, which must
// be in a ptrace-stop. The current DR7 is read back and only the fields of
// slot 0 are modified.
//
// Install does no locking: callers must serialize concurrent calls
// against the same thread. When called twice the last address wins.
func Install(regs DebugRegisterAccess, tid int, addr uint64, sz int, wtype WatchType) error {
	log := logflags.InstallerLogger()
	length, err := checkWatchpoint(addr, sz)
	if err != nil {
		return err
	}
	if err := regs.PokeDebugReg(tid, watchSlot, addr); err != nil {
		return ErrTraceWrite{Tid: tid, Reg: watchSlot, Err: err}
	}
	dr7, err := regs.PeekDebugReg(tid, amd64util.DR7)
	if err != nil {
		return ErrTraceRead{Tid: tid, Reg: amd64util.DR7, Err: err}
	}
	newdr7, err := amd64util.BuildControlValue(dr7, watchSlot, wtype.Trigger(), length)
	if err != nil {
		return err
	}
	log.Debugf("thread %d: dr0=%#x dr7 %#x -> %#x", tid, addr, dr7, newdr7)
	if err := regs.PokeDebugReg(tid, amd64util.DR7, newdr7); err != nil {
		return ErrTraceWrite{Tid: tid, Reg: amd64util.DR7, Err: err}
	}
	return nil
}

// InstallOverwrite is like Install but DR7 is built from zero instead of
// being read back, which disables every other slot of the thread.
// The size is still validated but the alignment is left to the kernel.
func InstallOverwrite(regs DebugRegisterAccess, tid int, addr uint64, sz int, wtype WatchType) error {
	length, err := amd64util.EncodeLength(sz)
	if err != nil {
		return err
	}
	dr7, err := amd64util.BuildControlValue(0, watchSlot, wtype.Trigger(), length)
	if err != nil {
		return err
	}
	logflags.InstallerLogger().Debugf("thread %d: dr0=%#x dr7=%#x (overwrite)", tid, addr, dr7)
	// Both writes are attempted, the first error is reported.
	var firstErr error
	if err := regs.PokeDebugReg(tid, watchSlot, addr); err != nil {
		firstErr = ErrTraceWrite{Tid: tid, Reg: watchSlot, Err: err}
	}
	if err := regs.PokeDebugReg(tid, amd64util.DR7, dr7); err != nil && firstErr == nil {
		firstErr = ErrTraceWrite{Tid: tid, Reg: amd64util.DR7, Err: err}
	}
	return firstErr
}

// Uninstall disables slot 0 on thread tid and clears its address.
func Uninstall(regs DebugRegisterAccess, tid int) error {
	dr7, err := regs.PeekDebugReg(tid, amd64util.DR7)
	if err != nil {
		return ErrTraceRead{Tid: tid, Reg: amd64util.DR7, Err: err}
	}
	newdr7, err := amd64util.ClearControlValue(dr7, watchSlot)
	if err != nil {
		return err
	}
	if err := regs.PokeDebugReg(tid, amd64util.DR7, newdr7); err != nil {
		return ErrTraceWrite{Tid: tid, Reg: amd64util.DR7, Err: err}
	}
	if err := regs.PokeDebugReg(tid, watchSlot, 0); err != nil {
		return ErrTraceWrite{Tid: tid, Reg: watchSlot, Err: err}
	}
	return nil
}

// ActiveWatchpoint decodes slot 0 of thread tid.
func ActiveWatchpoint(regs DebugRegisterAccess, tid int) (*Watchpoint, error) {
	dr7, err := regs.PeekDebugReg(tid, amd64util.DR7)
	if err != nil {
		return nil, ErrTraceRead{Tid: tid, Reg: amd64util.DR7, Err: err}
	}
	enabled, trigger, sz, err := amd64util.ControlRegister(dr7).Slot(watchSlot)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}
	addr, err := regs.PeekDebugReg(tid, watchSlot)
	if err != nil {
		return nil, ErrTraceRead{Tid: tid, Reg: watchSlot, Err: err}
	}
	return &Watchpoint{Addr: addr, Size: sz, WatchType: WatchType(trigger)}, nil
}
