//go:build linux && amd64

package native

import (
	"context"
	"errors"
	"syscall"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/hwwatch/pkg/proc"
)

const waitPollInterval = 5 * time.Millisecond

// Wait waits for a status change of pid, which may be a thread id. The
// call returns proc.ErrTimeout once ctx is done; op names the awaited
// event in the error.
//
// wait4 is called with WNOHANG in a loop so that the wait can be bounded,
// interrupted calls are retried.
func Wait(ctx context.Context, pid int, op string) (syscall.WaitStatus, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		var s sys.WaitStatus
		wpid, err := sys.Wait4(pid, &s, sys.WNOHANG|sys.WALL, nil)
		switch {
		case errors.Is(err, sys.EINTR):
			continue
		case err != nil:
			return 0, err
		case wpid == pid:
			return syscall.WaitStatus(s), nil
		}
		select {
		case <-ctx.Done():
			return 0, proc.ErrTimeout{Pid: pid, Op: op}
		case <-ticker.C:
		}
	}
}
