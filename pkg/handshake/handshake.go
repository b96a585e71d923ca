// Package handshake implements the two ways of arming a hardware
// watchpoint on a live process.
//
// In the first one (TraceChild) the current process spawns a tracee that
// asks to be traced and stops itself; the tracer arms the watchpoint while
// the tracee is stopped and observes the trap once it resumes.
//
// In the second one (WatchSelf) the current process spawns a helper that
// attaches to the calling thread and writes its debug registers. Without a
// handler the helper detaches and the trap is delivered to the watched
// process itself, which the Go runtime treats as fatal. With a handler the
// helper stays attached, suppresses each trap and reports it back.
//
// Spawned processes are re-executions of the current binary, main and
// TestMain functions must call Dispatch before doing anything else.
package handshake

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/go-delve/hwwatch/pkg/proc"
)

// Role selects what a re-executed process does.
type Role string

const (
	RoleTracee Role = "tracee"
	RoleHelper Role = "helper"
)

const (
	envRole    = "HWWATCH_ROLE"
	envLog     = "HWWATCH_LOG"
	envConfig  = "HWWATCH_CONFIG"
	envLogDest = "HWWATCH_LOG_DEST"
)

// Exit codes of the spawned roles.
const (
	exitOK     = 0
	exitWrite  = 1
	exitAttach = 2
	exitUsage  = 3
)

// HelperMode selects what the helper does to the debug registers.
type HelperMode string

const (
	ModeArm   HelperMode = "arm"
	ModeClear HelperMode = "clear"
	// ModeWatch arms and stays attached, see WatchPeer.
	ModeWatch HelperMode = "watch"
)

// Payload performs the writes guarded by the watchpoint in the tracee.
type Payload func(word *uint64)

var (
	payloadsMu sync.Mutex
	payloads   = map[string]Payload{
		"store": func(word *uint64) { *word = 1 },
		"noop":  func(word *uint64) {},
	}
)

// RegisterPayload makes p available to TraceChild under name. It must be
// called from an init function so that the tracee, a re-execution of the
// same binary, knows it too.
func RegisterPayload(name string, p Payload) {
	payloadsMu.Lock()
	defer payloadsMu.Unlock()
	payloads[name] = p
}

func lookupPayload(name string) (Payload, bool) {
	payloadsMu.Lock()
	defer payloadsMu.Unlock()
	p, ok := payloads[name]
	return p, ok
}

// Outcome describes a TraceChild run.
type Outcome struct {
	Pid     int
	Address uint64
	// Stops lists the stop signals observed, in order.
	Stops []syscall.Signal
	Armed bool
	// TriggeredSlot is the debug register slot reported by DR6 at the
	// trap, -1 if none was.
	TriggeredSlot int
	ExitStatus    int
	// Mismatches lists the unexpected statuses that were tolerated.
	Mismatches []error
}

// TrapInfo describes a trap of a watchpoint armed by WatchSelf.
type TrapInfo struct {
	Signal os.Signal
	Tid    int
	Addr   uint64
	// Count is the number of traps delivered so far, including this one.
	Count int
	// Status is the value of DR6 at the trap.
	Status uint64
}

// TrapHandler is called for each trap of a watchpoint armed by WatchSelf.
// It runs on its own goroutine after the thread that caused the trap has
// resumed.
type TrapHandler func(TrapInfo)

// Armed is a watchpoint installed by WatchSelf on the calling thread.
type Armed struct {
	Tid        int
	Watchpoint proc.Watchpoint

	// watching is set when a helper stays attached to report traps.
	watching bool
	release  func(context.Context) error
}

func (a *Armed) String() string {
	return fmt.Sprintf("%v on thread %d", a.Watchpoint, a.Tid)
}
