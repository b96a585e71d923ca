package proc

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

// ErrInvalidSize is returned when the watched region is not 1, 2, 4 or 8
// bytes long.
type ErrInvalidSize = amd64util.ErrInvalidSize

// ErrMisalignedAddress is returned by Install when Addr is not aligned to
// Size. No register was touched.
type ErrMisalignedAddress struct {
	Addr uint64
	Size int
}

func (e ErrMisalignedAddress) Error() string {
	return fmt.Sprintf("address %#x is not aligned to %d bytes", e.Addr, e.Size)
}

// ErrTraceAttach is returned when a tracer could not attach to Pid.
type ErrTraceAttach struct {
	Pid int
	Err error
}

func (e ErrTraceAttach) Error() string {
	return fmt.Sprintf("could not attach to %d: %v", e.Pid, e.Err)
}

func (e ErrTraceAttach) Unwrap() error { return e.Err }

// ErrTraceRead is returned when a debug register of Tid could not be read.
type ErrTraceRead struct {
	Tid int
	Reg int
	Err error
}

func (e ErrTraceRead) Error() string {
	return fmt.Sprintf("could not read dr%d of %d: %v", e.Reg, e.Tid, e.Err)
}

func (e ErrTraceRead) Unwrap() error { return e.Err }

// ErrTraceWrite is returned when a debug register of Tid could not be
// written.
type ErrTraceWrite struct {
	Tid int
	Reg int
	Err error
}

func (e ErrTraceWrite) Error() string {
	return fmt.Sprintf("could not write dr%d of %d: %v", e.Reg, e.Tid, e.Err)
}

func (e ErrTraceWrite) Unwrap() error { return e.Err }

// ErrUnexpectedChildStatus reports a wait status that does not match the
// step of the handshake being executed.
type ErrUnexpectedChildStatus struct {
	Pid    int
	Want   syscall.Signal
	Status syscall.WaitStatus
}

func (e ErrUnexpectedChildStatus) Error() string {
	return fmt.Sprintf("process %d: expected stop with %v, got %s", e.Pid, e.Want, DescribeStatus(e.Status))
}

// ErrProcessCreation is returned when the tracee or helper could not be
// started.
type ErrProcessCreation struct {
	Role string
	Err  error
}

func (e ErrProcessCreation) Error() string {
	return fmt.Sprintf("could not start %s: %v", e.Role, e.Err)
}

func (e ErrProcessCreation) Unwrap() error { return e.Err }

// ErrHelperFailed is returned when the helper arming its peer exited with a
// non-zero status.
type ErrHelperFailed struct {
	Pid        int
	ExitStatus int
}

func (e ErrHelperFailed) Error() string {
	return fmt.Sprintf("helper %d exited with status %d", e.Pid, e.ExitStatus)
}

// ErrTimeout is returned when an awaited process state did not arrive in
// time.
type ErrTimeout struct {
	Pid int
	Op  string
}

func (e ErrTimeout) Error() string {
	return fmt.Sprintf("timed out waiting for %s of %d", e.Op, e.Pid)
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// Errno returns the platform error code carried by err, if any.
func Errno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// DescribeStatus renders a wait status for diagnostics.
func DescribeStatus(s syscall.WaitStatus) string {
	switch {
	case s.Exited():
		return fmt.Sprintf("exit status %d", s.ExitStatus())
	case s.Signaled():
		return fmt.Sprintf("killed by %v", s.Signal())
	case s.Stopped():
		return fmt.Sprintf("stop with %v", s.StopSignal())
	case s.Continued():
		return "continued"
	}
	return fmt.Sprintf("status %#x", uint32(s))
}
