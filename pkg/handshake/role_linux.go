//go:build linux && amd64

package handshake

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/go-delve/hwwatch/pkg/logflags"
)

var roles = map[Role]func(args []string) int{
	RoleTracee: runTracee,
	RoleHelper: runHelper,
}

func init() {
	if os.Getenv(envRole) != "" {
		// Package initialization runs on the main thread: locking here keeps
		// the main goroutine of a spawned role on the thread whose id is the
		// process id, the one the handshakes trace.
		runtime.LockOSThread()
	}
}

// Dispatch runs the role the current process was spawned with and exits.
// It returns immediately in a process that was not spawned with a role.
func Dispatch() {
	role := Role(os.Getenv(envRole))
	if role == "" {
		return
	}
	fn, ok := roles[role]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", role)
		os.Exit(exitUsage)
	}
	if l := os.Getenv(envLog); l != "" {
		if err := logflags.Setup(true, l, os.Getenv(envLogDest)); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	os.Exit(fn(os.Args[1:]))
}

// command returns a command re-executing the current binary as role, with
// files as its descriptors 3 and up.
func command(role Role, files []*os.File, args ...string) *exec.Cmd {
	return commandLogTo(role, logflags.File(), files, args...)
}

// commandLogTo is command with logs sent to logFile when it is not nil,
// which is passed to the role after files.
func commandLogTo(role Role, logFile *os.File, files []*os.File, args ...string) *exec.Cmd {
	cmd := exec.Command("/proc/self/exe", args...)
	cmd.Args[0] = os.Args[0]
	cmd.Env = append(os.Environ(),
		envRole+"="+string(role),
		envLog+"="+logflags.Env(),
		// Asynchronous preemption signals would interleave with the stops
		// the tracer is waiting for.
		"GODEBUG=asyncpreemptoff=1")
	cmd.ExtraFiles = append([]*os.File(nil), files...)
	if logFile != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, logFile)
		cmd.Env = append(cmd.Env, envLogDest+"="+strconv.Itoa(2+len(cmd.ExtraFiles)))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}
