package task

import (
	"fmt"
	"io/ioutil"
	"strings"
	"syscall"
	"time"

	"github.com/retracehq/retrace/pkg/logflags"
	"github.com/retracehq/retrace/pkg/ticks"
	sys "golang.org/x/sys/unix"
)

// ResumeRequest selects how a task is set running again. The values are
// the ptrace requests they map to.
type ResumeRequest int

const (
	// ResumeCont runs until the next signal or event.
	ResumeCont = ResumeRequest(sys.PTRACE_CONT)
	// ResumeSinglestep executes one instruction.
	ResumeSinglestep = ResumeRequest(sys.PTRACE_SINGLESTEP)
	// ResumeSyscall runs to the next syscall boundary.
	ResumeSyscall = ResumeRequest(sys.PTRACE_SYSCALL)
	// ResumeSysemu runs to the next syscall entry without executing the
	// syscall.
	ResumeSysemu = ResumeRequest(sys.PTRACE_SYSEMU)
	// ResumeSysemuSinglestep single-steps, suppressing any syscall.
	ResumeSysemuSinglestep = ResumeRequest(sys.PTRACE_SYSEMU_SINGLESTEP)
)

// WaitRequest selects whether Resume blocks for the next stop.
type WaitRequest int

const (
	// ResumeWait blocks until the task stops again.
	ResumeWait WaitRequest = iota
	// ResumeNonblocking returns immediately after resuming.
	ResumeNonblocking
)

// TicksRequest is the tick budget for a resume.
type TicksRequest int64

const (
	// ResumeNoTicks leaves the tick counter alone.
	ResumeNoTicks TicksRequest = -2
	// ResumeUnlimitedTicks counts ticks without a budget.
	ResumeUnlimitedTicks TicksRequest = -1
)

// zombieCheckInterval is how often a blocked wait polls for the task
// having become a zombie without a collectable event, which happens to
// detached-then-died thread group leaders.
const zombieCheckInterval = 200 * time.Millisecond

const waitPollInterval = 200 * time.Microsecond

// Resume sets the task running. A positive tick period programs the
// counter to interrupt after roughly that many ticks; period values
// are clamped so a stop is never requested at zero. sig, when nonzero,
// is delivered as the task resumes.
func (t *Task) Resume(how ResumeRequest, waitHow WaitRequest, tickPeriod TicksRequest, sig syscall.Signal) {
	if tickPeriod != ResumeNoTicks {
		budget := uint64(ticks.MaxBudget)
		if tickPeriod > 0 {
			budget = uint64(tickPeriod)
		}
		if err := t.hpc.Reset(budget); err != nil {
			t.fatalf("could not program tick counter: %v", err)
		}
	}
	if logflags.Wait() {
		logflags.WaitLogger().Debugf("resuming %s how=%d wait=%d ticks=%d sig=%d ip=%#x",
			t, how, waitHow, tickPeriod, sig, t.IP())
	}
	t.addressOfLastResume = t.IP()
	t.SetDebugStatus(0)

	exitSeen := false
	if t.session.IsRecording() {
		// The task may have been killed out from under us while it was
		// stopped. Poll so the resume request does not race with the
		// exit; the actual event stop is collected by the next wait.
		var status sys.WaitStatus
		var wpid int
		var err error
		t.pt.exec(func() {
			wpid, err = sys.Wait4(t.Tid, &status, sys.WNOHANG|sys.WALL|sys.WSTOPPED, nil)
		})
		if err == nil && wpid == t.Tid {
			if ptraceEventFromStatus(status) != sys.PTRACE_EVENT_EXIT {
				t.fatalf("unexpected stop %#x while task was presumed stopped", uint32(status))
			}
			exitSeen = true
		}
	}
	if exitSeen {
		t.detectedUnexpectedExit = true
	} else {
		var err error
		t.pt.exec(func() { err = ptraceResume(int(how), t.Tid, int(sig)) })
		if err != nil && err != syscall.ESRCH {
			t.fatalf("ptrace resume failed: %v", err)
		}
	}

	t.stopped = false
	t.extraRegs = ExtraRegisters{}
	t.hasSi = false

	if waitHow == ResumeWait {
		t.Wait(t.waitInterrupt)
	}
}

// Wait blocks until the task stops, then folds the stop into the task
// state. interruptAfter bounds the block: after it elapses the task is
// interrupted once and any resulting bare stop is reported as a
// synthetic timeslice expiry. Zero means the configured default; the
// zombie poll still prevents indefinite hangs.
func (t *Task) Wait(interruptAfter time.Duration) {
	if t.unstable {
		t.fatalf("blocking wait on unstable task")
	}
	if logflags.Wait() {
		logflags.WaitLogger().Debugf("waiting for %s", t)
	}

	if t.detectedUnexpectedExit {
		t.detectedUnexpectedExit = false
		t.didWaitpid(ptraceExitWaitStatus, nil)
		return
	}

	if interruptAfter <= 0 {
		interruptAfter = t.waitInterrupt
	}

	var status sys.WaitStatus
	sentInterrupt := false
	start := time.Now()
	nextZombieCheck := start.Add(zombieCheckInterval)
	for {
		var wpid int
		var err error
		t.pt.exec(func() {
			wpid, err = sys.Wait4(t.Tid, &status, sys.WALL|sys.WNOHANG, nil)
		})
		if err != nil && err != syscall.EINTR {
			t.fatalf("waitpid failed: %v", err)
		}
		if wpid == t.Tid {
			break
		}
		now := time.Now()
		if interruptAfter > 0 && !sentInterrupt && now.Sub(start) >= interruptAfter {
			if t.isZombieProcess() {
				status = ptraceExitWaitStatus
				break
			}
			t.pt.exec(func() { ptraceInterrupt(t.Tid) })
			sentInterrupt = true
		}
		if now.After(nextZombieCheck) {
			// A zombie that waitpid will not report is a thread-group
			// leader whose exit we can never collect normally.
			if t.isZombieProcess() {
				status = ptraceExitWaitStatus
				break
			}
			nextZombieCheck = now.Add(zombieCheckInterval)
		}
		time.Sleep(waitPollInterval)
	}

	var overrideSi *Siginfo
	if sentInterrupt && status.Stopped() &&
		ptraceEventFromStatus(status) == sys.PTRACE_EVENT_STOP {
		sig := stopSigFromStatus(status)
		if sig == 0 || sig == syscall.SIGTRAP || sig == syscall.SIGSTOP {
			// Our interrupt raced with a genuine stop and won. Pretend
			// the tick counter expired so the scheduler deschedules the
			// task instead of acting on a stop it never asked for.
			if sched := t.session.Scheduler(); sched != nil {
				sched.ExpireTimeslice()
			}
			status = timeSliceWaitStatus(ticks.TimeSliceSignal)
			overrideSi = &Siginfo{
				Signo: int32(ticks.TimeSliceSignal),
				Code:  pollIn,
				Fd:    int32(t.hpc.TicksFd()),
			}
		}
	}

	t.didWaitpid(status, overrideSi)
}

// TryWait polls for a pending stop without blocking. It returns true if
// a stop (or the previously detected exit) was consumed.
func (t *Task) TryWait() bool {
	if t.stopped {
		return true
	}
	if t.detectedUnexpectedExit {
		t.detectedUnexpectedExit = false
		t.didWaitpid(ptraceExitWaitStatus, nil)
		return true
	}
	var status sys.WaitStatus
	var wpid int
	var err error
	t.pt.exec(func() {
		wpid, err = sys.Wait4(t.Tid, &status, sys.WALL|sys.WNOHANG, nil)
	})
	if err != nil || wpid != t.Tid {
		return false
	}
	t.didWaitpid(status, nil)
	return true
}

// didWaitpid integrates one stop notification: accounts ticks, refreshes
// the register cache, fetches siginfo, and applies the register fixups
// that keep resumption transparent.
func (t *Task) didWaitpid(status sys.WaitStatus, overrideSi *Siginfo) {
	if logflags.Wait() {
		logflags.WaitLogger().Debugf("%s stopped with status %#x", t, uint32(status))
	}

	moreTicks := t.hpc.Read()
	t.hpc.Stop()
	t.Ticks += moreTicks
	t.session.AccumulateTicks(moreTicks)

	origSyscallno := t.regs.OrigSyscallno()
	registersDirty := false

	event := ptraceEventFromStatus(status)
	if status.Stopped() && event != sys.PTRACE_EVENT_EXEC {
		var err error
		t.pt.exec(func() { err = ptraceGetRegs(t.Tid, &t.regs.PtraceRegs) })
		if err != nil {
			// The task evaporated mid-stop. Record the exit and keep
			// the stale register cache; callers see an exit status and
			// must not trust registers.
			status = t.exitedStatus()
		}
	} else if event == sys.PTRACE_EVENT_EXEC {
		// Register layout may have changed width. The caller runs
		// PostExec, which re-reads registers under the new arch.
		t.wasExeced = true
	}

	t.hasSi = false
	if overrideSi != nil {
		t.pendingSi = *overrideSi
		t.hasSi = true
	} else if pendingSigFromStatus(status) != 0 {
		var err error
		t.pt.exec(func() { err = ptraceGetSiginfo(t.Tid, &t.pendingSi) })
		if err == nil {
			t.hasSi = true
		} else {
			status = t.exitedStatus()
		}
	}

	t.stopped = true
	t.waitStatus = status
	if status.Stopped() && event == sys.PTRACE_EVENT_EXIT {
		t.seenPtraceExitEvent = true
	}
	if !status.Stopped() {
		return
	}

	if t.regs.SinglestepFlag() {
		// The trap flag must never leak into a later resume.
		t.regs.ClearSinglestepFlag()
		registersDirty = true
	}

	if !t.addressOfLastResume.IsNull() &&
		t.PendingSig() == syscall.SIGTRAP && t.PtraceEvent() == 0 &&
		t.IP() == t.addressOfLastResume.Add(t.arch.BreakpointInstrLen()) &&
		t.as != nil && t.as.BreakpointAt(t.addressOfLastResume) {
		// The task was resumed while sitting on our breakpoint and
		// immediately re-executed it. The kernel zeroed the entry
		// syscall number; put it back so syscall-restart decisions
		// made from this stop stay correct.
		if moreTicks != 0 {
			t.fatalf("accumulated %d ticks while re-trapping at a breakpoint", moreTicks)
		}
		t.regs.SetOrigSyscallno(origSyscallno)
		registersDirty = true
	}

	if t.isInNonSigreturnExitSyscall() {
		fixupSyscallRegisters(&t.regs)
		registersDirty = true
	}

	if registersDirty {
		t.SetRegisters(t.regs)
	}
}

// isInNonSigreturnExitSyscall reports whether the current stop is the
// exit of a syscall other than sigreturn.
func (t *Task) isInNonSigreturnExitSyscall() bool {
	if stopSigFromStatus(t.waitStatus) != syscall.SIGTRAP|syscallStopBit {
		return false
	}
	return t.regs.OrigSyscallno() != t.arch.SysRtSigreturn
}

// exitedStatus fabricates a real exit status for a task that died while
// we were trying to inspect it.
func (t *Task) exitedStatus() sys.WaitStatus {
	var status sys.WaitStatus
	var wpid int
	var err error
	t.pt.exec(func() {
		wpid, err = sys.Wait4(t.Tid, &status, sys.WALL|sys.WNOHANG, nil)
	})
	if err != nil || wpid != t.Tid {
		return ptraceExitWaitStatus
	}
	return status
}

// isZombieProcess reports whether the task's process is a zombie whose
// notifications can no longer be collected.
func (t *Task) isZombieProcess() bool {
	state := processState(t.tg.RealTgid)
	return state == "Z" || state == "z"
}

func processState(pid int) string {
	data, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "Z"
	}
	s := string(data)
	// The state field follows the parenthesized comm, which can itself
	// contain parentheses.
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return "Z"
	}
	fields := strings.Fields(s[i+1:])
	if len(fields) == 0 {
		return "Z"
	}
	return fields[0]
}
