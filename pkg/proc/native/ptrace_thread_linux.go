//go:build linux && amd64

package native

import (
	"os/exec"
	"runtime"
	"syscall"

	sys "golang.org/x/sys/unix"
)

// PtraceThread runs functions on a single, locked, OS thread.
//
// ptrace(2) expects all requests after PTRACE_ATTACH to come from the same
// thread, and a tracee that called PTRACE_TRACEME is traced by the thread
// that forked it. Every request of a tracing relationship must therefore
// go through the same PtraceThread, including the start of the tracee.
type PtraceThread struct {
	ptraceChan     chan func()
	ptraceDoneChan chan struct{}
}

// NewPtraceThread starts the thread. Close must be called to release it.
func NewPtraceThread() *PtraceThread {
	pt := &PtraceThread{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
	}
	go pt.handlePtraceFuncs()
	return pt
}

func (pt *PtraceThread) handlePtraceFuncs() {
	// The goroutine never unlocks: when it returns the thread is destroyed
	// together with any tracing relationship it still holds.
	runtime.LockOSThread()

	for fn := range pt.ptraceChan {
		fn()
		pt.ptraceDoneChan <- struct{}{}
	}
}

// Exec runs fn on the ptrace thread and waits for it to return.
func (pt *PtraceThread) Exec(fn func()) {
	pt.ptraceChan <- fn
	<-pt.ptraceDoneChan
}

// Close stops the thread.
func (pt *PtraceThread) Close() {
	close(pt.ptraceChan)
}

// Start starts cmd from the ptrace thread.
func (pt *PtraceThread) Start(cmd *exec.Cmd) error {
	var err error
	pt.Exec(func() { err = cmd.Start() })
	return err
}

// Seize attaches to tid with PTRACE_SEIZE, without stopping it.
func (pt *PtraceThread) Seize(tid int) error {
	var err error
	pt.Exec(func() { err = ptraceSeize(tid) })
	return err
}

// Interrupt stops the seized tracee tid. The caller must wait for the stop.
func (pt *PtraceThread) Interrupt(tid int) error {
	var err error
	pt.Exec(func() { err = ptraceInterrupt(tid) })
	return err
}

// Detach detaches from the stopped tracee tid delivering sig (0 for none).
func (pt *PtraceThread) Detach(tid int, sig syscall.Signal) error {
	var err error
	pt.Exec(func() { err = ptraceDetach(tid, int(sig)) })
	return err
}

// Cont resumes the stopped tracee tid delivering sig (0 for none).
func (pt *PtraceThread) Cont(tid int, sig syscall.Signal) error {
	var err error
	pt.Exec(func() { err = ptraceCont(tid, int(sig)) })
	return err
}

// Traceme makes the calling thread traceable by the thread that forked the
// process.
func Traceme() error {
	return ptraceTraceme()
}

// StopSelf sends SIGSTOP to the calling thread only.
func StopSelf() error {
	return sys.Tgkill(sys.Getpid(), sys.Gettid(), sys.SIGSTOP)
}
