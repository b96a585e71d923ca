//go:build linux && amd64

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceTraceme executes ptrace PTRACE_TRACEME, making the parent of the
// calling thread its tracer.
func ptraceTraceme() error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_TRACEME, 0, 0, 0, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceSeize executes ptrace PTRACE_SEIZE. Unlike PTRACE_ATTACH it does not
// send SIGSTOP to the tracee.
func ptraceSeize(tid int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SEIZE, uintptr(tid), 0, 0, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceInterrupt executes ptrace PTRACE_INTERRUPT on a seized tracee.
func ptraceInterrupt(tid int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_INTERRUPT, uintptr(tid), 0, 0, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 0, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptracePeekUser executes ptrace PTRACE_PEEKUSR.
func ptracePeekUser(tid int, off uintptr) (uint64, error) {
	var val uint64
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), off, uintptr(unsafe.Pointer(&val)), 0, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return val, nil
}

// ptracePokeUser executes ptrace PTRACE_POKEUSR.
func ptracePokeUser(tid int, off uintptr, val uint64) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), off, uintptr(val), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}
