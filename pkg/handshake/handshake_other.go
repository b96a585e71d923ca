//go:build !(linux && amd64)

package handshake

import (
	"context"
	"errors"
	"io"

	"github.com/go-delve/hwwatch/pkg/config"
)

// ErrUnsupported is returned on platforms without ptrace access to the x86
// debug registers.
var ErrUnsupported = errors.New("hardware watchpoints are only supported on linux/amd64")

// Dispatch returns immediately, no role can run on this platform.
func Dispatch() {}

func TraceChild(ctx context.Context, conf *config.Config, payload string) (*Outcome, error) {
	return nil, ErrUnsupported
}

func WatchSelf(ctx context.Context, conf *config.Config, addr uint64, sz int, handler TrapHandler) (*Armed, error) {
	return nil, ErrUnsupported
}

func ArmPeer(ctx context.Context, conf *config.Config, tid int, addr uint64, sz int, mode HelperMode) error {
	return ErrUnsupported
}

func WatchPeer(ctx context.Context, conf *config.Config, tid int, addr uint64, sz int, stop <-chan struct{}, events io.Writer) error {
	return ErrUnsupported
}

func (a *Armed) Disarm(ctx context.Context, conf *config.Config) error {
	return ErrUnsupported
}

func (a *Armed) Release() {}
