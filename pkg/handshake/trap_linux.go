//go:build linux && amd64

package handshake

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-delve/hwwatch/pkg/logflags"
)

// Reports written by a watching helper, one per line.
const (
	eventArmed = "armed"
	eventTrap  = "trap"
)

func formatTrap(count int, dr6 uint64) string {
	return fmt.Sprintf("%s %d %#x\n", eventTrap, count, dr6)
}

func parseTrap(line string) (TrapInfo, error) {
	f := strings.Fields(line)
	if len(f) != 3 || f[0] != eventTrap {
		return TrapInfo{}, fmt.Errorf("malformed trap report %q", line)
	}
	count, err := strconv.Atoi(f[1])
	if err != nil {
		return TrapInfo{}, fmt.Errorf("malformed trap count: %v", err)
	}
	dr6, err := strconv.ParseUint(f[2], 0, 64)
	if err != nil {
		return TrapInfo{}, fmt.Errorf("malformed trap status: %v", err)
	}
	return TrapInfo{Signal: syscall.SIGTRAP, Count: count, Status: dr6}, nil
}

// relayTraps calls handler for every trap reported by the helper until
// the helper closes its end.
func (h *helperProc) relayTraps(r *bufio.Reader, tid int, addr uint64, handler TrapHandler) {
	defer close(h.relayed)
	log := logflags.TrapLogger().WithField("helper", h.pid)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				log.Errorf("reading trap reports: %v", err)
			}
			return
		}
		ti, err := parseTrap(line)
		if err != nil {
			log.Errorf("%v", err)
			continue
		}
		ti.Tid, ti.Addr = tid, addr
		log.Debugf("trap %d on thread %d watching %#x, dr6=%#x", ti.Count, tid, addr, ti.Status)
		handler(ti)
	}
}
