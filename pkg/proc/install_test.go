package proc

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

type regOp struct {
	write bool
	tid   int
	idx   int
	val   uint64
}

// fakeRegs records every access to a simulated debug register file.
type fakeRegs struct {
	regs     map[int]uint64
	ops      []regOp
	failPeek map[int]error
	failPoke map[int]error
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{regs: map[int]uint64{}, failPeek: map[int]error{}, failPoke: map[int]error{}}
}

func (f *fakeRegs) PeekDebugReg(tid, idx int) (uint64, error) {
	f.ops = append(f.ops, regOp{tid: tid, idx: idx})
	if err := f.failPeek[idx]; err != nil {
		return 0, err
	}
	return f.regs[idx], nil
}

func (f *fakeRegs) PokeDebugReg(tid, idx int, val uint64) error {
	f.ops = append(f.ops, regOp{write: true, tid: tid, idx: idx, val: val})
	if err := f.failPoke[idx]; err != nil {
		return err
	}
	f.regs[idx] = val
	return nil
}

func (f *fakeRegs) writes() int {
	n := 0
	for _, op := range f.ops {
		if op.write {
			n++
		}
	}
	return n
}

func TestInstallMisaligned(t *testing.T) {
	for _, tc := range []struct {
		addr uint64
		sz   int
	}{
		{0x1001, 2}, {0x1002, 4}, {0x1004, 8}, {0x1007, 8},
	} {
		f := newFakeRegs()
		err := Install(f, 42, tc.addr, tc.sz, WatchWrite)
		require.Equal(t, ErrMisalignedAddress{Addr: tc.addr, Size: tc.sz}, err)
		require.Empty(t, f.ops)
	}
}

func TestInstallInvalidSize(t *testing.T) {
	f := newFakeRegs()
	err := Install(f, 42, 0x1000, 3, WatchWrite)
	var sizeErr ErrInvalidSize
	require.True(t, errors.As(err, &sizeErr))
	require.Equal(t, 3, sizeErr.Size)
	require.Empty(t, f.ops)
}

func TestInstallReadModifyWrite(t *testing.T) {
	f := newFakeRegs()
	// slot 1 armed by someone else, plus GE and GD.
	other, err := amd64util.BuildControlValue(amd64util.GlobalExact|amd64util.GeneralDetect, 1, amd64util.TriggerReadWrite, 3)
	require.NoError(t, err)
	f.regs[amd64util.DR7] = other
	f.regs[1] = 0x7000

	require.NoError(t, Install(f, 42, 0x1000, 8, WatchWrite))

	require.Equal(t, []regOp{
		{write: true, tid: 42, idx: 0, val: 0x1000},
		{tid: 42, idx: 7},
		{write: true, tid: 42, idx: 7, val: f.regs[7]},
	}, f.ops)
	dr7 := amd64util.ControlRegister(f.regs[amd64util.DR7])
	enabled, tr, sz, err := dr7.Slot(0)
	require.NoError(t, err)
	require.True(t, enabled)
	require.Equal(t, amd64util.TriggerWrite, tr)
	require.Equal(t, 8, sz)
	enabled, tr, sz, err = dr7.Slot(1)
	require.NoError(t, err)
	require.True(t, enabled)
	require.Equal(t, amd64util.TriggerReadWrite, tr)
	require.Equal(t, 4, sz)
	require.Equal(t, amd64util.GlobalExact|amd64util.GeneralDetect, uint64(dr7)&0xff00)
}

func TestInstallSameArgsSameValue(t *testing.T) {
	f := newFakeRegs()
	require.NoError(t, Install(f, 1, 0x2000, 4, WatchWrite))
	first := f.regs[amd64util.DR7]
	require.NoError(t, Install(f, 1, 0x2000, 4, WatchWrite))
	require.Equal(t, first, f.regs[amd64util.DR7])
}

func TestInstallLastWriterWins(t *testing.T) {
	f := newFakeRegs()
	require.NoError(t, Install(f, 1, 0x2000, 8, WatchWrite))
	require.NoError(t, Install(f, 1, 0x3008, 8, WatchWrite))
	wp, err := ActiveWatchpoint(f, 1)
	require.NoError(t, err)
	require.Equal(t, &Watchpoint{Addr: 0x3008, Size: 8, WatchType: WatchWrite}, wp)
}

func TestInstallTraceErrors(t *testing.T) {
	f := newFakeRegs()
	f.failPoke[0] = syscall.ESRCH
	err := Install(f, 7, 0x1000, 8, WatchWrite)
	require.Equal(t, ErrTraceWrite{Tid: 7, Reg: 0, Err: syscall.ESRCH}, err)
	errno, ok := Errno(err)
	require.True(t, ok)
	require.Equal(t, syscall.ESRCH, errno)
	require.Equal(t, 1, f.writes())

	f = newFakeRegs()
	f.failPeek[amd64util.DR7] = syscall.EIO
	err = Install(f, 7, 0x1000, 8, WatchWrite)
	require.Equal(t, ErrTraceRead{Tid: 7, Reg: 7, Err: syscall.EIO}, err)

	f = newFakeRegs()
	f.failPoke[amd64util.DR7] = syscall.EINVAL
	err = Install(f, 7, 0x1000, 8, WatchWrite)
	require.Equal(t, ErrTraceWrite{Tid: 7, Reg: 7, Err: syscall.EINVAL}, err)
}

func TestInstallOverwriteClobbersOtherSlots(t *testing.T) {
	f := newFakeRegs()
	other, err := amd64util.BuildControlValue(0, 2, amd64util.TriggerWrite, 0)
	require.NoError(t, err)
	f.regs[amd64util.DR7] = other

	require.NoError(t, InstallOverwrite(f, 3, 0x1004, 4, WatchWrite))
	for _, op := range f.ops {
		require.True(t, op.write, "overwrite must not read dr7")
	}
	dr7 := amd64util.ControlRegister(f.regs[amd64util.DR7])
	require.True(t, dr7.Enabled(0))
	require.False(t, dr7.Enabled(2))
}

func TestInstallOverwriteReportsEitherWrite(t *testing.T) {
	f := newFakeRegs()
	f.failPoke[amd64util.DR7] = syscall.EINVAL
	err := InstallOverwrite(f, 3, 0x1001, 8, WatchWrite)
	require.Equal(t, ErrTraceWrite{Tid: 3, Reg: 7, Err: syscall.EINVAL}, err)
	require.Equal(t, 2, f.writes())

	f = newFakeRegs()
	f.failPoke[0] = syscall.EPERM
	err = InstallOverwrite(f, 3, 0x1000, 8, WatchWrite)
	require.Equal(t, ErrTraceWrite{Tid: 3, Reg: 0, Err: syscall.EPERM}, err)
	require.Equal(t, 2, f.writes())
}

func TestUninstall(t *testing.T) {
	f := newFakeRegs()
	f.regs[amd64util.DR7] = amd64util.LocalExact
	require.NoError(t, Install(f, 1, 0x2000, 8, WatchWrite))
	require.NoError(t, Uninstall(f, 1))
	require.Equal(t, amd64util.LocalExact, f.regs[amd64util.DR7])
	require.Equal(t, uint64(0), f.regs[0])
	wp, err := ActiveWatchpoint(f, 1)
	require.NoError(t, err)
	require.Nil(t, wp)
}

func TestParseWatchType(t *testing.T) {
	for _, wtype := range []WatchType{WatchExecute, WatchWrite, WatchReadWrite} {
		got, err := ParseWatchType(wtype.String())
		require.NoError(t, err)
		require.Equal(t, wtype, got)
	}
	_, err := ParseWatchType("read")
	require.Error(t, err)
}

func TestDescribeStatus(t *testing.T) {
	stopped := syscall.WaitStatus(uint32(syscall.SIGSTOP)<<8 | 0x7f)
	require.Equal(t, "stop with stopped (signal)", DescribeStatus(stopped))
	exited := syscall.WaitStatus(3 << 8)
	require.Equal(t, "exit status 3", DescribeStatus(exited))
}
