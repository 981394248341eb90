package task

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/retracehq/retrace/pkg/logflags"
	"github.com/retracehq/retrace/pkg/ticks"
	sys "golang.org/x/sys/unix"
)

// prnameMaxLen is the kernel's limit for comm names, including NUL.
const prnameMaxLen = 16

// UserDesc is the kernel user_desc structure used with
// get_thread_area/set_thread_area on 32-bit tasks. It is carried
// through clone and state copies even on 64-bit, where it only
// describes inherited TLS entries.
type UserDesc struct {
	EntryNumber uint32
	BaseAddr    uint32
	Limit       uint32
	Flags       uint32
}

// Task is one traced OS thread. All methods must be called from the
// single tracer control goroutine; nothing here locks.
type Task struct {
	// Tid is the thread id the kernel gave this task.
	Tid int
	// RecTid is the thread id the task had at record time. During
	// recording the two are equal.
	RecTid int
	// Serial is a stable identifier that survives tid reuse.
	Serial uint32

	session Session
	arch    *Arch
	pt      *ptraceThread
	hpc     *ticks.Counter

	tg  *TaskGroup
	as  *AddressSpace
	fds *FdTable

	// Ticks is the value of the tick counter as of the last stop.
	Ticks uint64

	regs       Registers
	extraRegs  ExtraRegisters
	waitStatus sys.WaitStatus
	pendingSi  Siginfo
	hasSi      bool

	stopped                bool
	unstable               bool
	seenPtraceExitEvent    bool
	detectedUnexpectedExit bool
	wasExeced              bool

	// addressOfLastResume is the ip at the most recent resume, used to
	// detect spurious re-stops at our own breakpoints.
	addressOfLastResume Address

	prname      string
	threadAreas []UserDesc

	sbuf           *SyscallBuffer
	deschedFdChild int

	scratchPtr  Address
	scratchSize int

	topOfStack Address

	// brk tracking for heap mapping bookkeeping.
	brkStart Address
	brkEnd   Address

	// waitInterrupt bounds how long a blocking wait runs before the
	// task is forcibly interrupted.
	waitInterrupt time.Duration

	// remoteActive is set while a remote syscall frame is open, to keep
	// memory writes from recursing into another frame.
	remoteActive bool

	// pty is the controlling terminal allocated at spawn, if any.
	pty *os.File
}

func newTask(session Session, tid, recTid int, serial uint32, arch *Arch, pt *ptraceThread) *Task {
	return &Task{
		Tid:            tid,
		RecTid:         recTid,
		Serial:         serial,
		session:        session,
		arch:           arch,
		pt:             pt,
		hpc:            ticks.New(tid),
		deschedFdChild: -1,
		waitInterrupt:  3 * time.Second,
	}
}

// String identifies the task in logs.
func (t *Task) String() string {
	return fmt.Sprintf("task %d (rec:%d)", t.Tid, t.RecTid)
}

// Session returns the owning session.
func (t *Task) Session() Session { return t.session }

// Arch returns the task's current architecture traits.
func (t *Task) Arch() *Arch { return t.arch }

// AddressSpace returns the task's address space.
func (t *Task) AddressSpace() *AddressSpace { return t.as }

// FdTable returns the task's fd table.
func (t *Task) FdTable() *FdTable { return t.fds }

// TaskGroup returns the task's thread group.
func (t *Task) TaskGroup() *TaskGroup { return t.tg }

// Tgid is the thread-group id the task believes it has.
func (t *Task) Tgid() int { return t.tg.Tgid }

// RealTgid is the thread-group id the kernel knows.
func (t *Task) RealTgid() int { return t.tg.RealTgid }

// TraceTime is the current global trace time.
func (t *Task) TraceTime(ts TraceStream) uint32 { return ts.Time() }

// TicksFd exposes the tick counter fd, for siginfo synthesis.
func (t *Task) TicksFd() int { return t.hpc.TicksFd() }

// IsStopped reports whether the tracer-side stopped flag is set. The
// kernel may consider the task running while this is true; the flag
// tracks whether register and memory access is currently legal.
func (t *Task) IsStopped() bool { return t.stopped }

// Unstable reports whether the task has been marked unstable: it may
// vanish without delivering orderly exit notifications, so nothing
// should block waiting on it.
func (t *Task) Unstable() bool { return t.unstable }

// MarkUnstable flags the task as unstable.
func (t *Task) MarkUnstable() { t.unstable = true }

// SeenPtraceExitEvent reports whether the PTRACE_EVENT_EXIT stop for
// this task was already observed.
func (t *Task) SeenPtraceExitEvent() bool { return t.seenPtraceExitEvent }

// WaitStatus returns the status of the last stop.
func (t *Task) WaitStatus() sys.WaitStatus { return t.waitStatus }

// PtraceEvent returns the PTRACE_EVENT_* code of the last stop, or 0.
func (t *Task) PtraceEvent() int { return ptraceEventFromStatus(t.waitStatus) }

// StopSig returns the stop signal of the last stop, with the syscall
// bit masked off.
func (t *Task) StopSig() syscall.Signal {
	return stopSigFromStatus(t.waitStatus) &^ syscallStopBit
}

// PendingSig returns the signal the task stopped on, if the last stop
// was a signal delivery.
func (t *Task) PendingSig() syscall.Signal {
	return pendingSigFromStatus(t.waitStatus)
}

// PendingSiginfo returns the siginfo of the current signal stop.
func (t *Task) PendingSiginfo() *Siginfo {
	if !t.hasSi {
		return nil
	}
	return &t.pendingSi
}

// PtraceEventMsgPid returns the pid payload of the last ptrace event,
// used after clone/fork events to learn the new task's tid.
func (t *Task) PtraceEventMsgPid() int {
	var msg uint
	var err error
	t.pt.exec(func() { msg, err = ptraceGetEventMsg(t.Tid) })
	if err != nil {
		t.fatalf("PTRACE_GETEVENTMSG failed: %v", err)
	}
	return int(msg)
}

// Prname returns the cached comm name.
func (t *Task) Prname() string { return t.prname }

// UpdatePrname reads the comm name from tracee memory at addr, as
// passed to prctl(PR_SET_NAME), and caches the truncated result.
func (t *Task) UpdatePrname(addr Address) {
	var buf [prnameMaxLen]byte
	n, _ := t.ReadBytesFallible(addr, buf[:])
	if n <= 0 {
		return
	}
	s := string(buf[:n])
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	t.prname = s
	if logflags.Task() {
		logflags.TaskLogger().Debugf("%s is now named %q", t, s)
	}
}

// SetThreadArea records a TLS entry installed by the tracee. Entries
// are keyed by their descriptor slot.
func (t *Task) SetThreadArea(addr Address) {
	var desc UserDesc
	var raw [16]byte
	if err := t.ReadBytesChecked(addr, raw[:]); err != nil {
		return
	}
	desc.EntryNumber = leUint32(raw[0:4])
	desc.BaseAddr = leUint32(raw[4:8])
	desc.Limit = leUint32(raw[8:12])
	desc.Flags = leUint32(raw[12:16])
	for i := range t.threadAreas {
		if t.threadAreas[i].EntryNumber == desc.EntryNumber {
			t.threadAreas[i] = desc
			return
		}
	}
	t.threadAreas = append(t.threadAreas, desc)
}

// ThreadAreas returns the recorded TLS entries.
func (t *Task) ThreadAreas() []UserDesc { return t.threadAreas }

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// StatFd stats a file descriptor of the tracee.
func (t *Task) StatFd(fd int) (sys.Stat_t, error) {
	var st sys.Stat_t
	err := sys.Stat(fmt.Sprintf("/proc/%d/fd/%d", t.Tid, fd), &st)
	return st, err
}

// OpenFd opens the tracer's own handle onto a tracee fd.
func (t *Task) OpenFd(fd int, flags int) (*os.File, error) {
	path := fmt.Sprintf("/proc/%d/fd/%d", t.Tid, fd)
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("could not dup fd %d of %s: %v", fd, t, err)
	}
	return f, nil
}

// FileNameOfFd resolves a tracee fd to the path it refers to.
func (t *Task) FileNameOfFd(fd int) string {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", t.Tid, fd))
	if err != nil {
		return ""
	}
	return path
}

// PTY returns the controlling terminal allocated at spawn, or nil.
func (t *Task) PTY() *os.File { return t.pty }

// Destroy detaches from the task and releases its share of every owned
// resource. For stable tasks the caller must have advanced the task to
// its exit event first; unstable tasks are abandoned wherever they are.
func (t *Task) Destroy() {
	if logflags.Task() {
		logflags.TaskLogger().Debugf("destroying %s (unstable=%v)", t, t.unstable)
	}
	var err error
	t.pt.exec(func() { err = ptraceDetachSig(t.Tid, 0) })
	if err != nil && err != syscall.ESRCH {
		logflags.TaskLogger().Warnf("detach from %s failed: %v", t, err)
	}

	// A detached zombie thread-group leader is reaped by us, not by the
	// tracee's parent, when we are standing in for that parent.
	if !t.unstable && t.tg != nil && len(t.tg.tasks) == 1 && t.session.IsReplaying() {
		t.reapExit()
	}

	t.dropResources()
	t.hpc.Close()
	t.session.OnTaskDestroy(t)
	t.pt.release()
}

// reapExit collects the final exit status after detach.
func (t *Task) reapExit() {
	var status sys.WaitStatus
	for {
		var wpid int
		var err error
		t.pt.exec(func() {
			wpid, err = sys.Wait4(t.Tid, &status, sys.WALL, nil)
		})
		if err == syscall.EINTR {
			continue
		}
		if err != nil || wpid != t.Tid {
			return
		}
		if status.Exited() || status.Signaled() {
			t.waitStatus = status
			return
		}
	}
}

// dropResources removes the task from its shared resources, tearing
// each one down when the last share is gone.
func (t *Task) dropResources() {
	t.destroyLocalBuffers()
	if t.as != nil {
		t.as.eraseTask(t)
		if t.as.Empty() {
			t.as.destroy()
		}
		t.as = nil
	}
	if t.fds != nil {
		t.fds.eraseTask(t)
		t.fds = nil
	}
	if t.tg != nil {
		t.tg.eraseTask(t)
		t.tg = nil
	}
	if t.pty != nil {
		t.pty.Close()
		t.pty = nil
	}
}

// DidKill marks the task as forcibly killed: no further notifications
// are expected from it.
func (t *Task) DidKill() {
	t.unstable = true
	t.stopped = false
}

func (t *Task) assertStopped(op string) {
	if !t.stopped {
		t.fatalf("%s requires a stopped task", op)
	}
}

func (t *Task) fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logflags.TaskLogger().Fatalf("%s (serial %d, status %#x): %s",
		t, t.Serial, uint32(t.waitStatus), msg)
}
