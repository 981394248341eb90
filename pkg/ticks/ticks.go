// Package ticks counts retired conditional branches in a traced thread
// through the perf subsystem. The count is the deterministic proxy for
// elapsed execution used to schedule tasks reproducibly: a tick budget
// programs a counter overflow that interrupts the tracee with
// TimeSliceSignal when it has run for too long.
package ticks

import (
	"encoding/binary"
	"sync"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// TimeSliceSignal is delivered to a tracee when its tick budget is
// exhausted. SIGSTKFLT is unused by any modern program.
const TimeSliceSignal = sys.SIGSTKFLT

// MaxBudget is programmed when the caller asks for unlimited ticks. A
// large finite period keeps the counter configuration identical between
// limited and unlimited resumes, which keeps recording and replay
// counting the same way.
const MaxBudget = 0xffffffff

// Raw event for retired conditional branches on Intel. When the PMU
// rejects it we fall back to the generic branch instruction event, which
// is stable enough on the remaining hardware.
const intelRetiredCondBranches = 0x5101c4

var probeOnce sync.Once
var useRawEvent bool

func probeEventType() {
	attr := makeAttr(true, MaxBudget)
	fd, err := sys.PerfEventOpen(&attr, sys.Gettid(), -1, -1, sys.PERF_FLAG_FD_CLOEXEC)
	if err == nil {
		sys.Close(fd)
		useRawEvent = true
		return
	}
	useRawEvent = false
}

func makeAttr(raw bool, period uint64) sys.PerfEventAttr {
	attr := sys.PerfEventAttr{
		Size:   uint32(unsafe.Sizeof(sys.PerfEventAttr{})),
		Sample: period,
		Bits:   sys.PerfBitDisabled | sys.PerfBitExcludeKernel | sys.PerfBitExcludeGuest,
	}
	if raw {
		attr.Type = sys.PERF_TYPE_RAW
		attr.Config = intelRetiredCondBranches
	} else {
		attr.Type = sys.PERF_TYPE_HARDWARE
		attr.Config = sys.PERF_COUNT_HW_BRANCH_INSTRUCTIONS
	}
	return attr
}

// Counter counts ticks for one traced thread.
type Counter struct {
	tid     int
	fd      int
	started bool
}

// New returns a Counter for tid. The perf fd is not opened until the
// first Reset.
func New(tid int) *Counter {
	return &Counter{tid: tid, fd: -1}
}

// TicksFd returns the perf event fd, or -1 if the counter has never
// been started.
func (c *Counter) TicksFd() int { return c.fd }

// Reset programs the counter to interrupt the tracee after budget ticks
// and starts it from zero. The budget must be at least 1.
func (c *Counter) Reset(budget uint64) error {
	probeOnce.Do(probeEventType)
	if budget < 1 {
		budget = 1
	}
	if c.fd == -1 {
		attr := makeAttr(useRawEvent, budget)
		fd, err := sys.PerfEventOpen(&attr, c.tid, -1, -1, sys.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			return err
		}
		c.fd = fd
		if err := c.routeOverflowSignal(); err != nil {
			sys.Close(c.fd)
			c.fd = -1
			return err
		}
	} else {
		if err := sys.IoctlSetPointerInt(c.fd, sys.PERF_EVENT_IOC_PERIOD, int(budget)); err != nil {
			return err
		}
	}
	if err := sys.IoctlSetInt(c.fd, sys.PERF_EVENT_IOC_RESET, 0); err != nil {
		return err
	}
	if err := sys.IoctlSetInt(c.fd, sys.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return err
	}
	c.started = true
	return nil
}

// fOwnEx mirrors struct f_owner_ex. Declared here because the overflow
// signal must target the tracee thread, not its thread group, and x/sys
// exposes neither the struct nor the F_OWNER_* owner types.
type fOwnEx struct {
	Type int32
	Pid  int32
}

// fOwnerTid is F_OWNER_TID from <fcntl.h>.
const fOwnerTid = 0

func (c *Counter) routeOverflowSignal() error {
	if err := sys.SetNonblock(c.fd, true); err != nil {
		return err
	}
	flags, err := sys.FcntlInt(uintptr(c.fd), sys.F_GETFL, 0)
	if err != nil {
		return err
	}
	if _, err := sys.FcntlInt(uintptr(c.fd), sys.F_SETFL, flags|sys.O_ASYNC); err != nil {
		return err
	}
	if _, err := sys.FcntlInt(uintptr(c.fd), sys.F_SETSIG, int(TimeSliceSignal)); err != nil {
		return err
	}
	own := fOwnEx{Type: fOwnerTid, Pid: int32(c.tid)}
	_, _, errno := sys.Syscall(sys.SYS_FCNTL, uintptr(c.fd), sys.F_SETOWN_EX, uintptr(unsafe.Pointer(&own)))
	if errno != 0 {
		return errno
	}
	return nil
}

// Read returns the ticks counted since the last Reset. Zero when the
// counter was never started.
func (c *Counter) Read() uint64 {
	if c.fd == -1 || !c.started {
		return 0
	}
	var buf [8]byte
	n, err := sys.Read(c.fd, buf[:])
	if err != nil || n != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// Stop disables the counter so nothing spurious accumulates while the
// tracee is stopped.
func (c *Counter) Stop() {
	if c.fd == -1 {
		return
	}
	sys.IoctlSetInt(c.fd, sys.PERF_EVENT_IOC_DISABLE, 0)
	c.started = false
}

// Close releases the perf fd.
func (c *Counter) Close() {
	if c.fd == -1 {
		return
	}
	sys.Close(c.fd)
	c.fd = -1
	c.started = false
}
