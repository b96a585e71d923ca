package proc

import (
	"fmt"

	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

// WatchType is the access that triggers a watchpoint.
type WatchType uint8

const (
	WatchExecute WatchType = iota
	WatchWrite
	WatchReadWrite
)

// Trigger returns the debug register trigger for wtype.
func (wtype WatchType) Trigger() amd64util.Trigger {
	switch wtype {
	case WatchExecute:
		return amd64util.TriggerExecute
	case WatchWrite:
		return amd64util.TriggerWrite
	case WatchReadWrite:
		return amd64util.TriggerReadWrite
	}
	return amd64util.Trigger(wtype)
}

func (wtype WatchType) String() string {
	return wtype.Trigger().String()
}

// ParseWatchType parses the names printed by WatchType.String.
func ParseWatchType(s string) (WatchType, error) {
	switch s {
	case "execute", "x":
		return WatchExecute, nil
	case "write", "w":
		return WatchWrite, nil
	case "read-write", "rw":
		return WatchReadWrite, nil
	}
	return 0, fmt.Errorf("unknown watch type %q", s)
}

// Watchpoint describes the watchpoint held in slot 0.
type Watchpoint struct {
	Addr      uint64
	Size      int
	WatchType WatchType
}

func (wp Watchpoint) String() string {
	return fmt.Sprintf("%s watchpoint at %#x (%d bytes)", wp.WatchType, wp.Addr, wp.Size)
}
