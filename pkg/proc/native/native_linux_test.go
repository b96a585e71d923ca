//go:build linux && amd64

package native

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

func TestDebugRegOffset(t *testing.T) {
	off, err := debugRegOffset(0)
	require.NoError(t, err)
	require.Equal(t, uintptr(848), off)
	off, err = debugRegOffset(7)
	require.NoError(t, err)
	require.Equal(t, uintptr(848+7*8), off)
	for _, idx := range []int{-1, 4, 5, 8} {
		_, err := debugRegOffset(idx)
		require.Error(t, err, "dr%d", idx)
	}
}

func TestWaitTimeoutThenExit(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Wait(ctx, pid, "exit")
	require.Equal(t, proc.ErrTimeout{Pid: pid, Op: "exit"}, err)

	require.NoError(t, cmd.Process.Kill())
	status, err := Wait(context.Background(), pid, "exit")
	require.NoError(t, err)
	require.True(t, status.Signaled())
	require.Equal(t, syscall.SIGKILL, status.Signal())
	cmd.Process.Release()
}

func TestPtraceThreadRunsOnOneThread(t *testing.T) {
	pt := NewPtraceThread()
	defer pt.Close()
	var first, second int
	pt.Exec(func() { first = syscall.Gettid() })
	pt.Exec(func() { second = syscall.Gettid() })
	require.Equal(t, first, second)
}

func TestPeekDebugRegNotTraced(t *testing.T) {
	pt := NewPtraceThread()
	defer pt.Close()
	cmd := exec.Command("sleep", "10")
	require.NoError(t, cmd.Start())
	defer cmd.Wait()
	defer cmd.Process.Kill()
	_, err := pt.PeekDebugReg(cmd.Process.Pid, 7)
	require.ErrorIs(t, err, syscall.ESRCH)
}

// seizeSleep starts a sleep process and stops it under pt.
func seizeSleep(t *testing.T, pt *PtraceThread) int {
	t.Helper()
	cmd := exec.Command("sleep", "10")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() {
		syscall.Kill(pid, syscall.SIGKILL)
		Wait(context.Background(), pid, "exit")
	})
	if err := pt.Seize(pid); err != nil {
		t.Skipf("ptrace not permitted: %v", err)
	}
	require.NoError(t, pt.Interrupt(pid))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := Wait(ctx, pid, "interrupt")
	require.NoError(t, err)
	require.True(t, status.Stopped())
	return pid
}

func TestInstallOnStoppedThread(t *testing.T) {
	pt := NewPtraceThread()
	defer pt.Close()
	pid := seizeSleep(t, pt)

	// slot 1 armed beforehand
	length, err := amd64util.EncodeLength(4)
	require.NoError(t, err)
	dr7, err := amd64util.BuildControlValue(0, 1, amd64util.TriggerWrite, length)
	require.NoError(t, err)
	require.NoError(t, pt.PokeDebugReg(pid, 1, 0x20000))
	require.NoError(t, pt.PokeDebugReg(pid, amd64util.DR7, dr7))

	require.NoError(t, proc.Install(pt, pid, 0x10000, 8, proc.WatchWrite))
	wp, err := proc.ActiveWatchpoint(pt, pid)
	require.NoError(t, err)
	require.Equal(t, &proc.Watchpoint{Addr: 0x10000, Size: 8, WatchType: proc.WatchWrite}, wp)
	got, err := pt.PeekDebugReg(pid, amd64util.DR7)
	require.NoError(t, err)
	require.True(t, amd64util.ControlRegister(got).Enabled(1))

	require.NoError(t, proc.InstallOverwrite(pt, pid, 0x10000, 8, proc.WatchWrite))
	got, err = pt.PeekDebugReg(pid, amd64util.DR7)
	require.NoError(t, err)
	require.True(t, amd64util.ControlRegister(got).Enabled(0))
	require.False(t, amd64util.ControlRegister(got).Enabled(1))

	require.NoError(t, proc.Uninstall(pt, pid))
	wp, err = proc.ActiveWatchpoint(pt, pid)
	require.NoError(t, err)
	require.Nil(t, wp)
}

func TestInstallKernelRejectsMisaligned(t *testing.T) {
	pt := NewPtraceThread()
	defer pt.Close()
	pid := seizeSleep(t, pt)

	err := proc.InstallOverwrite(pt, pid, 0x10001, 8, proc.WatchWrite)
	errno, ok := proc.Errno(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, syscall.EINVAL, errno)
}
