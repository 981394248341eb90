package task

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/retracehq/retrace/pkg/logflags"
)

// FileMonitor observes operations on one tracee file descriptor.
// Monitors are how higher layers intercept writes to special fds; the
// table only routes to them.
type FileMonitor interface {
	// DidWrite is called after a successful write-family syscall, with
	// the tracee buffers that were written.
	DidWrite(t *Task, fd int, ranges []MemRange, written int)
}

// StdioMonitor mirrors tracee stdio so output shows up even when the
// tracee's own fds point into the trace machinery.
type StdioMonitor struct {
	Fd int
}

// DidWrite logs the write at debug level. The actual bytes already went
// to the real fd during recording; during replay the syscall is
// emulated and this is the only visible effect.
func (m *StdioMonitor) DidWrite(t *Task, fd int, ranges []MemRange, written int) {
	if !logflags.Task() {
		return
	}
	total := 0
	for _, r := range ranges {
		total += r.Length
	}
	logflags.TaskLogger().Debugf("%s wrote %d of %d bytes to stdio fd %d", t, written, total, fd)
}

// PreservedFdMonitor marks an fd as tracer infrastructure (for example
// the desched event fd) so table consumers can refuse to let the tracee
// see it.
type PreservedFdMonitor struct{}

// DidWrite on a preserved fd is unexpected but harmless.
func (m *PreservedFdMonitor) DidWrite(t *Task, fd int, ranges []MemRange, written int) {}

// FdTable models a file descriptor table shared by some set of tasks.
type FdTable struct {
	tasks    map[*Task]bool
	monitors map[int]FileMonitor
}

func newFdTable() *FdTable {
	return &FdTable{
		tasks:    make(map[*Task]bool),
		monitors: make(map[int]FileMonitor),
	}
}

func (ft *FdTable) insertTask(t *Task) { ft.tasks[t] = true }
func (ft *FdTable) eraseTask(t *Task)  { delete(ft.tasks, t) }

// Empty reports whether no task uses this table.
func (ft *FdTable) Empty() bool { return len(ft.tasks) == 0 }

// AddMonitor attaches a monitor to fd, replacing any existing one.
func (ft *FdTable) AddMonitor(fd int, m FileMonitor) { ft.monitors[fd] = m }

// Monitor returns the monitor for fd, or nil.
func (ft *FdTable) Monitor(fd int) FileMonitor { return ft.monitors[fd] }

// DidDup propagates a dup-family syscall: the destination fd now refers
// to whatever the source did.
func (ft *FdTable) DidDup(from, to int) {
	if m, ok := ft.monitors[from]; ok {
		ft.monitors[to] = m
	} else {
		delete(ft.monitors, to)
	}
}

// DidClose drops monitoring of fd.
func (ft *FdTable) DidClose(fd int) { delete(ft.monitors, fd) }

// DidWrite routes a completed write to the fd's monitor, if any.
func (ft *FdTable) DidWrite(t *Task, fd int, ranges []MemRange, written int) {
	if m, ok := ft.monitors[fd]; ok {
		m.DidWrite(t, fd, ranges, written)
	}
}

// UpdateForCloexec drops monitors whose fds were closed by an exec.
// The close-on-exec flags are read back from the kernel through t,
// which must have completed its exec already.
func (ft *FdTable) UpdateForCloexec(t *Task) {
	for fd := range ft.monitors {
		cloexec, err := fdIsCloexec(t.Tid, fd)
		if err != nil || cloexec {
			delete(ft.monitors, fd)
		}
	}
}

// clone duplicates the table for a fork child.
func (ft *FdTable) clone() *FdTable {
	child := newFdTable()
	for fd, m := range ft.monitors {
		child.monitors[fd] = m
	}
	return child
}

// fdIsCloexec reads the close-on-exec flag from /proc fdinfo.
func fdIsCloexec(tid, fd int) (bool, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/fdinfo/%d", tid, fd))
	if err != nil {
		return false, err
	}
	defer f.Close()
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := scan.Text()
		if !strings.HasPrefix(line, "flags:") {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(line[len("flags:"):]), 8, 64)
		if err != nil {
			return false, err
		}
		return v&0x80000 != 0, nil // O_CLOEXEC
	}
	return false, scan.Err()
}
