package handshake

import (
	"fmt"

	"github.com/go-delve/hwwatch/pkg/logflags"
)

// Step is a state of either handshake.
type Step uint8

const (
	// tracer arms tracee
	StepForked Step = iota
	StepTracemeRequested
	StepStopped
	StepArmed
	StepResumed
	StepTrapped
	StepDone

	// helper arms live peer
	StepRunning
	StepAttachRequested
	StepAttached
	StepRegistersWritten
	StepDetached
	StepTriggered
)

var stepNames = [...]string{
	StepForked:           "forked",
	StepTracemeRequested: "traceme-requested",
	StepStopped:          "stopped",
	StepArmed:            "armed",
	StepResumed:          "resumed",
	StepTrapped:          "trapped",
	StepDone:             "done",
	StepRunning:          "running",
	StepAttachRequested:  "attach-requested",
	StepAttached:         "attached",
	StepRegistersWritten: "registers-written",
	StepDetached:         "detached",
	StepTriggered:        "triggered",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("Step(%d)", uint8(s))
}

// TraceState is the tracing relationship with a process.
type TraceState uint8

const (
	NotTraced TraceState = iota
	AttachPending
	Attached
	Detached
)

func (s TraceState) String() string {
	switch s {
	case NotTraced:
		return "not-traced"
	case AttachPending:
		return "attach-pending"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	}
	return fmt.Sprintf("TraceState(%d)", uint8(s))
}

// TracedProcess is the process (or thread) being armed.
type TracedProcess struct {
	Pid   int
	State TraceState
	Step  Step

	log logflags.Logger
}

func newTracedProcess(pid int, step Step, log logflags.Logger) *TracedProcess {
	return &TracedProcess{Pid: pid, Step: step, log: log.WithField("pid", pid)}
}

func (p *TracedProcess) advance(step Step) {
	p.log.Debugf("%v -> %v", p.Step, step)
	p.Step = step
}

func (p *TracedProcess) setTraceState(s TraceState) {
	p.log.Debugf("tracing %v -> %v", p.State, s)
	p.State = s
}
