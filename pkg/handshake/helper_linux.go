//go:build linux && amd64

package handshake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	sys "golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"

	"github.com/go-delve/hwwatch/pkg/config"
	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
	"github.com/go-delve/hwwatch/pkg/proc/native"
)

const attachInitialInterval = 10 * time.Millisecond

// WatchSelf arms a write watchpoint of sz bytes at addr on the calling
// thread, by spawning a helper that attaches to it. When WatchSelf returns
// without error the watchpoint is armed: the calling goroutine stays locked
// to its thread and only writes performed by this goroutine trigger it.
//
// If handler is nil the helper detaches once the registers are written and
// a trap terminates the process with the Go runtime's SIGTRAP crash report.
// Otherwise the helper stays attached to the thread until Disarm or
// Release: it suppresses every trap and handler is called for it.
func WatchSelf(ctx context.Context, conf *config.Config, addr uint64, sz int, handler TrapHandler) (*Armed, error) {
	runtime.LockOSThread()
	tid := sys.Gettid()
	a := &Armed{
		Tid:        tid,
		Watchpoint: proc.Watchpoint{Addr: addr, Size: sz, WatchType: proc.WatchWrite},
	}
	if handler == nil {
		if err := spawnHelper(ctx, conf, tid, addr, sz, ModeArm); err != nil {
			runtime.UnlockOSThread()
			return nil, err
		}
		a.release = func(context.Context) error { return nil }
		return a, nil
	}
	h, err := watchHelper(ctx, conf, tid, addr, sz, handler)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	a.watching = true
	a.release = h.wait
	return a, nil
}

// Disarm clears the watchpoint and releases a. It must be called by the
// goroutine that called WatchSelf.
func (a *Armed) Disarm(ctx context.Context, conf *config.Config) error {
	if a.release == nil {
		return nil
	}
	var err error
	if a.watching {
		// The attached helper clears the registers before exiting.
		err = a.release(ctx)
	} else {
		err = spawnHelper(ctx, conf, a.Tid, a.Watchpoint.Addr, a.Watchpoint.Size, ModeClear)
	}
	a.release = nil
	runtime.UnlockOSThread()
	return err
}

// Release unlocks the calling goroutine from its thread. A watchpoint
// armed without a handler is left in the debug registers; one armed with a
// handler is cleared, since nothing would be left to suppress its traps.
// It must be called by the goroutine that called WatchSelf.
func (a *Armed) Release() {
	if a.release == nil {
		return
	}
	if err := a.release(context.Background()); err != nil {
		logflags.HelperLogger().Errorf("releasing %v: %v", a, err)
	}
	a.release = nil
	runtime.UnlockOSThread()
}

// helperProc is a running helper.
type helperProc struct {
	cmd  *exec.Cmd
	pid  int
	conf *config.Config
	log  logflags.Logger

	// control carries the readiness byte, closing it ends a watch.
	control *os.File
	// events carries the reports of a watching helper.
	events *os.File
	done   chan error
	// relayed is closed once every report has been handed to the handler.
	relayed chan struct{}
}

// startHelper spawns a helper against thread tid and allows it to attach.
func startHelper(conf *config.Config, tid int, addr uint64, sz int, mode HelperMode) (*helperProc, error) {
	log := logflags.HelperLogger().WithField("target", tid)

	confData, err := yaml.Marshal(conf)
	if err != nil {
		return nil, err
	}
	ctrlR, ctrlW, err := os.Pipe()
	if err != nil {
		return nil, proc.ErrProcessCreation{Role: string(RoleHelper), Err: err}
	}
	evR, evW, err := os.Pipe()
	if err != nil {
		ctrlR.Close()
		ctrlW.Close()
		return nil, proc.ErrProcessCreation{Role: string(RoleHelper), Err: err}
	}

	cmd := command(RoleHelper, []*os.File{ctrlR, evW}, strconv.Itoa(tid), fmt.Sprintf("%#x", addr), strconv.Itoa(sz), string(mode))
	cmd.Env = append(cmd.Env, envConfig+"="+string(confData))
	err = cmd.Start()
	ctrlR.Close()
	evW.Close()
	if err != nil {
		ctrlW.Close()
		evR.Close()
		return nil, proc.ErrProcessCreation{Role: string(RoleHelper), Err: err}
	}
	h := &helperProc{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		conf:    conf,
		log:     log,
		control: ctrlW,
		events:  evR,
		done:    make(chan error, 1),
	}
	go func() { h.done <- cmd.Wait() }()
	log.Debugf("helper %d started in %s mode", h.pid, mode)

	// With Yama ptrace_scope=1 only ancestors may attach unless the tracee
	// names its tracer.
	if err := sys.Prctl(sys.PR_SET_PTRACER, uintptr(h.pid), 0, 0, 0); err != nil {
		log.Debugf("PR_SET_PTRACER: %v", err)
	}

	// Readiness signal: the helper attaches only after this byte.
	if _, err := ctrlW.Write([]byte{'g'}); err != nil {
		log.Errorf("could not signal helper: %v", err)
	}
	return h, nil
}

// spawnHelper runs the helper against thread tid and waits for it.
func spawnHelper(ctx context.Context, conf *config.Config, tid int, addr uint64, sz int, mode HelperMode) error {
	h, err := startHelper(conf, tid, addr, sz, mode)
	if err != nil {
		return err
	}
	defer sys.Prctl(sys.PR_SET_PTRACER, 0, 0, 0, 0)
	return h.wait(ctx)
}

// watchHelper spawns a helper in watch mode and returns once it reports
// the watchpoint armed. Its trap reports are passed to handler.
func watchHelper(ctx context.Context, conf *config.Config, tid int, addr uint64, sz int, handler TrapHandler) (*helperProc, error) {
	h, err := startHelper(conf, tid, addr, sz, ModeWatch)
	if err != nil {
		return nil, err
	}
	defer sys.Prctl(sys.PR_SET_PTRACER, 0, 0, 0, 0)

	r := bufio.NewReader(h.events)
	if err := h.events.SetReadDeadline(time.Now().Add(conf.HelperTimeout)); err != nil {
		h.log.Debugf("no deadline on helper reports: %v", err)
	}
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != eventArmed {
		if werr := h.wait(ctx); werr != nil {
			return nil, werr
		}
		return nil, fmt.Errorf("helper %d exited without arming the watchpoint: %v", h.pid, err)
	}
	h.events.SetReadDeadline(time.Time{})
	h.log.Debugf("helper %d watching %#x", h.pid, addr)

	h.relayed = make(chan struct{})
	go h.relayTraps(r, tid, addr, handler)
	return h, nil
}

// wait ends the helper's watch, if any, and waits for it to exit. A helper
// still running after conf.HelperTimeout is killed.
func (h *helperProc) wait(ctx context.Context) error {
	h.control.Close()
	err := h.waitExit(ctx)
	if h.relayed != nil {
		<-h.relayed
	}
	h.events.Close()
	return err
}

func (h *helperProc) waitExit(ctx context.Context) error {
	timer := time.NewTimer(h.conf.HelperTimeout)
	defer timer.Stop()
	var err error
	select {
	case err = <-h.done:
	case <-timer.C:
		h.cmd.Process.Kill()
		<-h.done
		return proc.ErrTimeout{Pid: h.pid, Op: "helper exit"}
	case <-ctx.Done():
		h.cmd.Process.Kill()
		<-h.done
		return proc.ErrTimeout{Pid: h.pid, Op: "helper exit"}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return proc.ErrHelperFailed{Pid: h.pid, ExitStatus: exitErr.ExitCode()}
	}
	if err != nil {
		return err
	}
	h.log.Debugf("helper %d done", h.pid)
	return nil
}

// peer is a thread of another process the helper is attached to.
type peer struct {
	tid  int
	conf *config.Config
	pt   *native.PtraceThread
	p    *TracedProcess

	// events and traps are only used by WatchPeer.
	events io.Writer
	traps  int
}

// attachPeer seizes and interrupts thread tid, retrying the attach with
// backoff until conf.AttachTimeout. It returns the status of the stop.
func attachPeer(ctx context.Context, conf *config.Config, tid int) (*peer, syscall.WaitStatus, error) {
	pr := &peer{
		tid:  tid,
		conf: conf,
		pt:   native.NewPtraceThread(),
		p:    newTracedProcess(tid, StepRunning, logflags.HelperLogger()),
	}
	status, err := pr.attach(ctx)
	if err != nil {
		pr.pt.Close()
		return nil, 0, err
	}
	return pr, status, nil
}

func (pr *peer) attach(ctx context.Context) (syscall.WaitStatus, error) {
	pr.p.setTraceState(AttachPending)
	pr.p.advance(StepAttachRequested)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = attachInitialInterval
	b.MaxElapsedTime = pr.conf.AttachTimeout
	err := backoff.RetryNotify(func() error {
		return pr.pt.Seize(pr.tid)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		pr.p.log.Debugf("attach: %v, retrying in %v", err, d)
	})
	if err != nil {
		pr.p.setTraceState(NotTraced)
		return 0, proc.ErrTraceAttach{Pid: pr.tid, Err: err}
	}
	if err := pr.pt.Interrupt(pr.tid); err != nil {
		return 0, proc.ErrTraceAttach{Pid: pr.tid, Err: err}
	}
	status, err := pr.waitStopped(ctx, "attach stop")
	if err != nil {
		return 0, err
	}
	pr.p.setTraceState(Attached)
	pr.p.advance(StepAttached)
	return status, nil
}

func (pr *peer) waitStopped(ctx context.Context, op string) (syscall.WaitStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, pr.conf.StopTimeout)
	defer cancel()
	status, err := native.Wait(ctx, pr.tid, op)
	if err != nil {
		return 0, err
	}
	if !status.Stopped() {
		return 0, proc.ErrProcessExited{Pid: pr.tid, Status: status.ExitStatus()}
	}
	return status, nil
}

// write installs or, in clear mode, removes the watchpoint.
//
// Unless conf.PreserveControl is set the control register is built from
// zero, disabling any other watchpoint of the thread.
func (pr *peer) write(mode HelperMode, addr uint64, sz int) error {
	var err error
	switch {
	case mode == ModeClear:
		err = proc.Uninstall(pr.pt, pr.tid)
	case pr.conf.PreserveControl:
		err = proc.Install(pr.pt, pr.tid, addr, sz, proc.WatchWrite)
	default:
		err = proc.InstallOverwrite(pr.pt, pr.tid, addr, sz, proc.WatchWrite)
	}
	if err != nil {
		pr.p.log.Errorf("%v", err)
		return err
	}
	pr.p.advance(StepRegistersWritten)
	return nil
}

func (pr *peer) detach(sig syscall.Signal) error {
	err := pr.pt.Detach(pr.tid, sig)
	pr.p.setTraceState(Detached)
	pr.p.advance(StepDetached)
	if err != nil {
		return fmt.Errorf("PTRACE_DETACH: %w", err)
	}
	return nil
}

// ArmPeer attaches to thread tid of another process, writes a watchpoint of
// sz bytes at addr into its debug registers, and detaches. In clear mode the
// watchpoint is removed instead.
func ArmPeer(ctx context.Context, conf *config.Config, tid int, addr uint64, sz int, mode HelperMode) error {
	if mode == ModeWatch {
		return fmt.Errorf("%s mode requires WatchPeer", mode)
	}
	pr, status, err := attachPeer(ctx, conf, tid)
	if err != nil {
		return err
	}
	defer pr.pt.Close()

	writeErr := pr.write(mode, addr, sz)
	if err := pr.detach(pendingSignal(status)); err != nil && writeErr == nil {
		writeErr = err
	}
	return writeErr
}

// WatchPeer arms the watchpoint like ArmPeer but stays attached to tid.
// Once armed it writes an "armed" line to events; then every trap of the
// watchpoint is suppressed, reported as a "trap" line and the thread is
// resumed. Other signals are delivered. When stop is closed the watchpoint
// is cleared and the thread detached.
func WatchPeer(ctx context.Context, conf *config.Config, tid int, addr uint64, sz int, stop <-chan struct{}, events io.Writer) error {
	pr, status, err := attachPeer(ctx, conf, tid)
	if err != nil {
		return err
	}
	defer pr.pt.Close()
	pr.events = events

	if err := pr.write(ModeWatch, addr, sz); err != nil {
		pr.detach(pendingSignal(status))
		return err
	}
	if _, err := fmt.Fprintln(events, eventArmed); err != nil {
		pr.write(ModeClear, 0, 0)
		pr.detach(pendingSignal(status))
		return err
	}
	if err := pr.pt.Cont(tid, pendingSignal(status)); err != nil {
		return fmt.Errorf("PTRACE_CONT: %w", err)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
		case <-wctx.Done():
		}
		cancel()
	}()

	for {
		status, err := native.Wait(wctx, tid, "trap")
		if err != nil {
			select {
			case <-stop:
				return pr.unwatch(ctx)
			default:
			}
			return err
		}
		if status.Exited() || status.Signaled() {
			pr.p.log.Debugf("thread %s", proc.DescribeStatus(status))
			pr.p.setTraceState(Detached)
			return nil
		}
		if !status.Stopped() {
			continue
		}
		if err := pr.pt.Cont(tid, pr.deliver(status)); err != nil {
			return fmt.Errorf("PTRACE_CONT: %w", err)
		}
	}
}

// deliver returns the signal to resume the thread with after a stop with
// status, reporting the stop first if it is a trap of the watchpoint.
func (pr *peer) deliver(status syscall.WaitStatus) syscall.Signal {
	sig := pendingSignal(status)
	if sig != syscall.SIGTRAP {
		if sig != 0 {
			pr.p.log.Debugf("forwarding %v", sig)
		}
		return sig
	}
	dr6, err := pr.pt.PeekDebugReg(pr.tid, amd64util.DR6)
	if err != nil {
		pr.p.log.Errorf("could not read dr6: %v", err)
		return sig
	}
	if _, ok := amd64util.TriggeredSlot(dr6); !ok {
		// Not ours.
		return sig
	}
	pr.traps++
	pr.p.advance(StepTriggered)
	if err := pr.pt.PokeDebugReg(pr.tid, amd64util.DR6, 0); err != nil {
		pr.p.log.Debugf("could not reset dr6: %v", err)
	}
	if _, err := io.WriteString(pr.events, formatTrap(pr.traps, dr6)); err != nil {
		pr.p.log.Errorf("could not report trap %d: %v", pr.traps, err)
	}
	return 0
}

// unwatch stops the thread, clears the watchpoint and detaches.
func (pr *peer) unwatch(ctx context.Context) error {
	if err := pr.pt.Interrupt(pr.tid); err != nil {
		return fmt.Errorf("PTRACE_INTERRUPT: %w", err)
	}
	status, err := pr.waitStopped(ctx, "interrupt stop")
	if err != nil {
		var exited proc.ErrProcessExited
		if errors.As(err, &exited) {
			return nil
		}
		return err
	}
	sig := pr.deliver(status)
	writeErr := pr.write(ModeClear, 0, 0)
	if err := pr.detach(sig); err != nil && writeErr == nil {
		writeErr = err
	}
	return writeErr
}

// pendingSignal returns the signal the tracee was about to receive when it
// stopped, which must be delivered on detach; interrupt and group stops
// carry none.
func pendingSignal(status syscall.WaitStatus) syscall.Signal {
	if uint32(status)>>16 == sys.PTRACE_EVENT_STOP {
		return 0
	}
	return status.StopSignal()
}

// runHelper is the helper side: tid addr size mode.
func runHelper(args []string) int {
	if len(args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: helper <tid> <addr> <size> <arm|clear|watch>")
		return exitUsage
	}
	tid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad thread id: %v\n", err)
		return exitUsage
	}
	addr, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad address: %v\n", err)
		return exitUsage
	}
	sz, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad size: %v\n", err)
		return exitUsage
	}
	mode := HelperMode(args[3])
	if mode != ModeArm && mode != ModeClear && mode != ModeWatch {
		fmt.Fprintf(os.Stderr, "bad mode %q\n", mode)
		return exitUsage
	}
	conf, err := config.Read(strings.NewReader(os.Getenv(envConfig)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad helper configuration: %v\n", err)
		return exitUsage
	}

	control := os.NewFile(3, "subject")
	events := os.NewFile(4, "events")
	defer events.Close()
	var b [1]byte
	if _, err := io.ReadFull(control, b[:]); err != nil {
		fmt.Fprintf(os.Stderr, "subject never signalled readiness: %v\n", err)
		return exitAttach
	}

	if mode == ModeWatch {
		stop := make(chan struct{})
		go func() {
			io.Copy(io.Discard, control)
			close(stop)
		}()
		err = WatchPeer(context.Background(), conf, tid, addr, sz, stop, events)
	} else {
		control.Close()
		err = ArmPeer(context.Background(), conf, tid, addr, sz, mode)
	}
	var attachErr proc.ErrTraceAttach
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &attachErr):
		fmt.Fprintln(os.Stderr, err)
		return exitAttach
	default:
		fmt.Fprintln(os.Stderr, err)
		return exitWrite
	}
}
