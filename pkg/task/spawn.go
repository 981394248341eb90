package task

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/creack/pty"
	"github.com/mattn/go-isatty"
	"github.com/retracehq/retrace/pkg/config"
	"github.com/retracehq/retrace/pkg/logflags"
	sys "golang.org/x/sys/unix"
)

// traceOptions is the full ptrace option set applied to every task.
var traceOptions = uintptr(sys.PTRACE_O_TRACESYSGOOD |
	sys.PTRACE_O_TRACEFORK | sys.PTRACE_O_TRACEVFORK | sys.PTRACE_O_TRACECLONE |
	sys.PTRACE_O_TRACEEXEC | sys.PTRACE_O_TRACEVFORKDONE |
	sys.PTRACE_O_TRACEEXIT | sys.PTRACE_O_TRACESECCOMP |
	sys.PTRACE_O_EXITKILL)

// SpawnOptions tunes process creation beyond what the trace stream
// records.
type SpawnOptions struct {
	// Foreground puts the child in the foreground process group of the
	// controlling terminal, when stdin is one.
	Foreground bool
	// NewTTY allocates a fresh pseudo terminal for the child instead of
	// inheriting stdio. The master side is available as Task.PTY.
	NewTTY bool
	// Stdin/Stdout/Stderr override the child's stdio when non-nil and
	// NewTTY is off.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Spawn launches the initial task of a session: fork and exec the
// workload under ptrace, upgrade the attachment to a seize so tasks can
// be interrupted without signals, apply the trace options, and run the
// attach handshake to the first orderly stop.
func Spawn(session Session, ts TraceStream, cfg *config.Config, opts SpawnOptions) (*Task, error) {
	exe, err := lookPath(ts.InitialExe(), ts.InitialCwd())
	if err != nil {
		return nil, err
	}

	if cpu := ts.BoundCPU(); cpu >= 0 {
		var set sys.CPUSet
		set.Zero()
		set.Set(cpu)
		// Affinity is inherited across fork; pin ourselves, spawn,
		// then the scheduler can unpin the tracer.
		if err := sys.SchedSetaffinity(0, &set); err != nil {
			return nil, fmt.Errorf("could not bind to CPU %d: %v", cpu, err)
		}
	}

	pt := newPtraceThread()
	var cmd *exec.Cmd
	var ptmx *os.File

	start := func() error {
		cmd = exec.Command(exe)
		cmd.Args = ts.InitialArgv()
		cmd.Env = ts.InitialEnv()
		cmd.Dir = ts.InitialCwd()
		cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

		if opts.NewTTY {
			m, s, err := pty.Open()
			if err != nil {
				return backoff.Permanent(err)
			}
			ptmx = m
			cmd.Stdin, cmd.Stdout, cmd.Stderr = s, s, s
			cmd.SysProcAttr.Setpgid = false
			cmd.SysProcAttr.Setsid = true
			cmd.SysProcAttr.Setctty = true
			defer s.Close()
		} else {
			cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
			if opts.Stdin != nil {
				cmd.Stdin = opts.Stdin
			}
			if opts.Stdout != nil {
				cmd.Stdout = opts.Stdout
			}
			if opts.Stderr != nil {
				cmd.Stderr = opts.Stderr
			}
			if opts.Foreground && isatty.IsTerminal(os.Stdin.Fd()) {
				cmd.SysProcAttr.Foreground = true
				cmd.SysProcAttr.Ctty = 0
			}
		}

		var startErr error
		pt.exec(func() { startErr = cmd.Start() })
		if startErr != nil {
			if ptmx != nil {
				ptmx.Close()
				ptmx = nil
			}
			// Transient fork failures under pid pressure are worth
			// retrying; everything else is not.
			if pe, ok := startErr.(*os.PathError); ok && pe.Err == syscall.EAGAIN {
				return startErr
			}
			if se, ok := startErr.(syscall.Errno); ok && se == syscall.EAGAIN {
				return startErr
			}
			return backoff.Permanent(startErr)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(start, policy); err != nil {
		pt.release()
		return nil, fmt.Errorf("could not spawn %q: %v", exe, err)
	}

	tid := cmd.Process.Pid
	if logflags.Spawn() {
		logflags.SpawnLogger().Debugf("spawned %q as pid %d", exe, tid)
	}

	t := newTask(session, tid, tid, session.NextTaskSerial(), AMD64Arch(), pt)
	t.pty = ptmx
	if cfg != nil {
		secs := cfg.WaitInterruptSeconds
		if secs <= 0 {
			secs = config.DefaultWaitInterruptSeconds
		}
		t.waitInterrupt = time.Duration(secs * float64(time.Second))
	}
	t.tg = newTaskGroup(tid, tid)
	t.tg.insertTask(t)
	t.as = newAddressSpace(exe, 0)
	t.as.insertTask(t)
	t.fds = newFdTable()
	t.fds.insertTask(t)
	t.fds.AddMonitor(1, &StdioMonitor{Fd: 1})
	t.fds.AddMonitor(2, &StdioMonitor{Fd: 2})

	if err := t.upgradeToSeize(); err != nil {
		t.Destroy()
		return nil, err
	}
	if err := t.attachHandshake(); err != nil {
		t.Destroy()
		return nil, err
	}
	if err := t.openMemFd(); err != nil {
		t.Destroy()
		return nil, err
	}
	if arch, err := determineArch(tid); err == nil {
		t.arch = arch
	}
	return t, nil
}

// upgradeToSeize converts the traceme attachment made inside fork into
// a seize, which is the only attachment mode that supports
// PTRACE_INTERRUPT. The tracee is parked in a group stop across the
// gap so it cannot run uninstrumented.
func (t *Task) upgradeToSeize() error {
	var status sys.WaitStatus
	var err error
	t.pt.exec(func() {
		// First stop: the SIGTRAP raised by the traceme exec.
		for {
			_, err = sys.Wait4(t.Tid, &status, sys.WALL, nil)
			if err != syscall.EINTR {
				break
			}
		}
	})
	if err != nil {
		return fmt.Errorf("could not reach first stop of %d: %v", t.Tid, err)
	}
	if status.Exited() {
		return t.explainSpawnFailure(status)
	}

	t.pt.exec(func() {
		if err = sys.Kill(t.Tid, syscall.SIGSTOP); err != nil {
			return
		}
		if err = ptraceDetachSig(t.Tid, 0); err != nil {
			return
		}
		err = ptraceSeize(t.Tid, traceOptions)
		if err == syscall.EINVAL {
			// Kernels predating some options; retry with the core set
			// and add what sticks afterwards.
			err = ptraceSeize(t.Tid, traceOptions&^uintptr(sys.PTRACE_O_EXITKILL))
			if err == nil {
				ptraceSetOptions(t.Tid, traceOptions)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("could not seize %d: %v", t.Tid, err)
	}
	return nil
}

// attachHandshake runs the tracee to the SIGSTOP parked by the seize
// upgrade. Any earlier stop is a leftover from the attach race and is
// skipped.
func (t *Task) attachHandshake() error {
	t.stopped = false
	for {
		t.Wait(t.waitInterrupt)
		if !t.waitStatus.Stopped() {
			return fmt.Errorf("task %d exited with status %#x during attach",
				t.Tid, uint32(t.waitStatus))
		}
		if t.StopSig() == syscall.SIGSTOP {
			break
		}
		if logflags.Spawn() {
			logflags.SpawnLogger().Debugf("skipping stop %#x of %s during attach",
				uint32(t.waitStatus), t)
		}
		t.Resume(ResumeCont, ResumeNonblocking, ResumeNoTicks, 0)
	}
	t.waitStatus = 0
	if logflags.Spawn() {
		logflags.SpawnLogger().Debugf("%s attach handshake complete at ip %#x", t, t.IP())
	}
	return nil
}

// explainSpawnFailure turns an exec that died before the handshake into
// a useful error.
func (t *Task) explainSpawnFailure(status sys.WaitStatus) error {
	if status.ExitStatus() == 126 || status.ExitStatus() == 127 {
		return fmt.Errorf("could not exec %q: not found or not executable", t.as.exe)
	}
	return fmt.Errorf("child %d exited with %d before attach", t.Tid, status.ExitStatus())
}

// lookPath resolves exe the way execvpe would, so the error reported
// for a missing file names the path actually tried. A result that
// resolves but is not executable keeps the original name so the exec
// errno points at the right file.
func lookPath(exe, cwd string) (string, error) {
	if strings.ContainsRune(exe, filepath.Separator) {
		if !filepath.IsAbs(exe) {
			exe = filepath.Join(cwd, exe)
		}
		if _, err := os.Stat(exe); err != nil {
			return "", fmt.Errorf("could not run %q: %v", exe, err)
		}
		return exe, nil
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return "", fmt.Errorf("could not find %q in PATH: %v", exe, err)
	}
	return path, nil
}

// PostExecSyscall finishes the bookkeeping at the exit of the execve
// syscall, after PostExec handled the event itself.
func (t *Task) PostExecSyscall() {
	t.fds.UpdateForCloexec(t)
	t.ResetSyscallBuffer()
}

// PostExec resets per-image state at a PTRACE_EVENT_EXEC stop: the old
// address space model, buffers and TLS entries are gone; registers are
// re-read under the new image's architecture.
func (t *Task) PostExec(exe string) {
	if exe == "" {
		if path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", t.Tid)); err == nil {
			exe = path
		}
	}
	if arch, err := determineArch(t.Tid); err == nil {
		t.arch = arch
	}

	t.destroyLocalBuffers()
	t.deschedFdChild = -1
	t.scratchPtr = 0
	t.scratchSize = 0
	t.threadAreas = nil
	t.brkStart = 0
	t.brkEnd = 0

	execCount := t.as.execCount + 1
	t.as.eraseTask(t)
	if t.as.Empty() {
		t.as.destroy()
	}
	t.as = newAddressSpace(exe, execCount)
	t.as.insertTask(t)
	if err := t.openMemFd(); err != nil {
		t.fatalf("%v", err)
	}

	var err error
	t.pt.exec(func() { err = ptraceGetRegs(t.Tid, &t.regs.PtraceRegs) })
	if err != nil {
		t.fatalf("could not read registers after exec: %v", err)
	}
	t.extraRegs = ExtraRegisters{}
	t.wasExeced = false
	t.prname = filepath.Base(exe)

	// An exec collapses the thread group to the execing task; the
	// kernel already killed the siblings, our models just catch up.
	for _, sib := range t.tg.Tasks() {
		if sib != t {
			sib.DidKill()
		}
	}
	if logflags.Task() {
		logflags.TaskLogger().Debugf("%s execed %q", t, exe)
	}
}
