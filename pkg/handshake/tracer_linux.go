//go:build linux && amd64

package handshake

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"github.com/go-delve/hwwatch/pkg/config"
	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
	"github.com/go-delve/hwwatch/pkg/proc/native"
)

// tracedWord is the word written by the tracee payload.
var tracedWord uint64

const tracedWordSize = int(unsafe.Sizeof(tracedWord))

type stopClass uint8

const (
	stopExpected stopClass = iota
	stopForward            // signal meant for the tracee, deliver it and keep waiting
	stopUnexpected
	stopExited
	stopIgnore
)

// forwardedSignals are stops caused by the Go runtime of the tracee rather
// than by the handshake.
var forwardedSignals = map[syscall.Signal]bool{
	syscall.SIGURG:   true,
	syscall.SIGPROF:  true,
	syscall.SIGCHLD:  true,
	syscall.SIGWINCH: true,
}

func classifyStop(status syscall.WaitStatus, want syscall.Signal) stopClass {
	switch {
	case status.Exited() || status.Signaled():
		return stopExited
	case !status.Stopped():
		return stopIgnore
	case status.StopSignal() == want:
		return stopExpected
	case forwardedSignals[status.StopSignal()]:
		return stopForward
	}
	return stopUnexpected
}

type tracer struct {
	conf *config.Config
	pt   *native.PtraceThread
	p    *TracedProcess
	out  *Outcome
	log  logflags.Logger

	exited bool
}

// TraceChild spawns a tracee running payload, arms a write watchpoint on
// the word the payload writes while the tracee is stopped, and waits for
// the resulting trap and for the tracee to exit.
//
// A stop with an unexpected signal is recorded in Outcome.Mismatches and
// the handshake carries on, unless conf.StrictChildStatus is set. The
// returned error is the installer's if arming failed; the tracee is reaped
// in every case.
func TraceChild(ctx context.Context, conf *config.Config, payload string) (*Outcome, error) {
	return traceChild(ctx, conf, payload, func(pt *native.PtraceThread) proc.DebugRegisterAccess { return pt })
}

// traceChild is TraceChild arming the watchpoint through the register
// access returned by regs.
func traceChild(ctx context.Context, conf *config.Config, payload string, regs func(*native.PtraceThread) proc.DebugRegisterAccess) (*Outcome, error) {
	if _, ok := lookupPayload(payload); !ok {
		return nil, fmt.Errorf("unknown payload %q", payload)
	}
	log := logflags.TracerLogger()

	r, w, err := os.Pipe()
	if err != nil {
		return nil, proc.ErrProcessCreation{Role: string(RoleTracee), Err: err}
	}
	defer r.Close()

	pt := native.NewPtraceThread()
	defer pt.Close()

	cmd := command(RoleTracee, []*os.File{w}, payload)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	err = pt.Start(cmd)
	w.Close()
	if err != nil {
		return nil, proc.ErrProcessCreation{Role: string(RoleTracee), Err: err}
	}
	defer cmd.Process.Release()

	t := &tracer{
		conf: conf,
		pt:   pt,
		p:    newTracedProcess(cmd.Process.Pid, StepForked, log),
		out:  &Outcome{Pid: cmd.Process.Pid, TriggeredSlot: -1},
		log:  log.WithField("pid", cmd.Process.Pid),
	}
	t.p.advance(StepTracemeRequested)

	addr, err := readAddress(r, conf.StopTimeout)
	if err != nil {
		return t.out, t.abort(fmt.Errorf("reading watched address: %v", err))
	}
	t.out.Address = addr
	t.log.Debugf("tracee will write %#x", addr)

	if err := t.waitStop(ctx, syscall.SIGSTOP); err != nil {
		return t.out, t.abort(err)
	}
	if t.exited {
		t.p.advance(StepDone)
		return t.out, nil
	}
	t.p.setTraceState(Attached)
	t.p.advance(StepStopped)

	armErr := proc.Install(regs(pt), t.p.Pid, addr, tracedWordSize, proc.WatchWrite)
	if armErr != nil {
		t.log.Errorf("could not arm watchpoint: %v", armErr)
	} else {
		t.out.Armed = true
		t.p.advance(StepArmed)
	}

	if err := pt.Cont(t.p.Pid, 0); err != nil {
		return t.out, t.abort(fmt.Errorf("PTRACE_CONT: %v", err))
	}
	t.p.advance(StepResumed)

	if armErr == nil {
		if err := t.waitStop(ctx, syscall.SIGTRAP); err != nil {
			return t.out, t.abort(err)
		}
		if !t.exited {
			t.p.advance(StepTrapped)
			t.readTriggeredSlot()
			if err := pt.Cont(t.p.Pid, 0); err != nil {
				return t.out, t.abort(fmt.Errorf("PTRACE_CONT: %v", err))
			}
		}
	}

	if err := t.waitExit(ctx); err != nil {
		return t.out, t.abort(err)
	}
	t.p.setTraceState(Detached)
	t.p.advance(StepDone)
	return t.out, armErr
}

func readAddress(r *os.File, timeout time.Duration) (uint64, error) {
	if err := r.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(line), 0, 64)
}

// waitStop waits until the tracee stops with want. A tracee exiting
// instead sets t.exited.
func (t *tracer) waitStop(ctx context.Context, want syscall.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, t.conf.StopTimeout)
	defer cancel()
	for {
		status, err := native.Wait(ctx, t.p.Pid, "stop with "+want.String())
		if err != nil {
			return err
		}
		switch classifyStop(status, want) {
		case stopExpected:
			t.out.Stops = append(t.out.Stops, want)
			return nil
		case stopForward:
			sig := status.StopSignal()
			t.log.Debugf("forwarding %v", sig)
			if err := t.pt.Cont(t.p.Pid, sig); err != nil {
				return err
			}
		case stopExited:
			t.exited = true
			t.recordExit(status)
			return t.mismatch(proc.ErrUnexpectedChildStatus{Pid: t.p.Pid, Want: want, Status: status})
		case stopUnexpected:
			t.out.Stops = append(t.out.Stops, status.StopSignal())
			return t.mismatch(proc.ErrUnexpectedChildStatus{Pid: t.p.Pid, Want: want, Status: status})
		}
	}
}

func (t *tracer) mismatch(err proc.ErrUnexpectedChildStatus) error {
	if t.conf.StrictChildStatus {
		return err
	}
	t.log.Warnf("%v", err)
	t.out.Mismatches = append(t.out.Mismatches, err)
	return nil
}

// waitExit resumes the tracee through any further stop until it exits.
func (t *tracer) waitExit(ctx context.Context) error {
	if t.exited {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.conf.StopTimeout)
	defer cancel()
	for {
		status, err := native.Wait(ctx, t.p.Pid, "exit")
		if err != nil {
			return err
		}
		if status.Exited() || status.Signaled() {
			t.exited = true
			t.recordExit(status)
			return nil
		}
		if !status.Stopped() {
			continue
		}
		sig := status.StopSignal()
		t.out.Stops = append(t.out.Stops, sig)
		if sig == syscall.SIGTRAP {
			sig = 0
		}
		if err := t.pt.Cont(t.p.Pid, sig); err != nil {
			return err
		}
	}
}

func (t *tracer) recordExit(status syscall.WaitStatus) {
	if status.Signaled() {
		t.out.ExitStatus = -int(status.Signal())
	} else {
		t.out.ExitStatus = status.ExitStatus()
	}
	t.log.Debugf("tracee %s", proc.DescribeStatus(status))
}

func (t *tracer) readTriggeredSlot() {
	dr6, err := t.pt.PeekDebugReg(t.p.Pid, amd64util.DR6)
	if err != nil {
		t.log.Warnf("could not read dr6: %v", err)
		return
	}
	if slot, ok := amd64util.TriggeredSlot(dr6); ok {
		t.out.TriggeredSlot = int(slot)
	}
	t.log.Debugf("dr6=%#x", dr6)
}

// abort kills and reaps the tracee, then returns err.
func (t *tracer) abort(err error) error {
	if t.exited {
		return err
	}
	t.log.Errorf("aborting: %v", err)
	syscall.Kill(t.p.Pid, syscall.SIGKILL)
	ctx, cancel := context.WithTimeout(context.Background(), t.conf.StopTimeout)
	defer cancel()
	for !t.exited {
		status, werr := native.Wait(ctx, t.p.Pid, "exit")
		if werr != nil {
			t.log.Errorf("could not reap tracee: %v", werr)
			break
		}
		if status.Exited() || status.Signaled() {
			t.exited = true
			t.recordExit(status)
		}
	}
	return err
}

// runTracee is the tracee side: it asks to be traced, reports the address
// of tracedWord, stops, and runs the payload once resumed.
func runTracee(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tracee <payload>")
		return exitUsage
	}
	payload, ok := lookupPayload(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown payload %q\n", args[0])
		return exitUsage
	}
	out := os.NewFile(3, "tracer")
	if err := native.Traceme(); err != nil {
		fmt.Fprintf(os.Stderr, "ptrace(PTRACE_TRACEME): %v\n", err)
		return exitAttach
	}
	fmt.Fprintf(out, "%#x\n", uintptr(unsafe.Pointer(&tracedWord)))
	out.Close()
	// The tracer arms the watchpoint while we are stopped.
	if err := native.StopSelf(); err != nil {
		fmt.Fprintf(os.Stderr, "could not stop: %v\n", err)
		return exitWrite
	}
	payload(&tracedWord)
	return exitOK
}
