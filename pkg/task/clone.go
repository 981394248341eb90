package task

import (
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/retracehq/retrace/pkg/logflags"
	sys "golang.org/x/sys/unix"
)

// cloneRetryInterval seeds the backoff used when the kernel reports
// EAGAIN for a clone, which happens transiently under pid pressure.
const cloneRetryInterval = 10 * time.Millisecond

// RemoteClone executes a clone syscall inside the tracee and adopts the
// resulting task. flags are raw CLONE_* flags; stack, ptid, tls, ctid
// follow the clone ABI and may be zero when the flags do not use them.
// newRecTid is the tid the child had at record time, or the new kernel
// tid during recording (pass 0 for that).
func (t *Task) RemoteClone(flags int, stack, ptid, tls, ctid Address, newRecTid int) *Task {
	r := t.beginRemoteSyscalls()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cloneRetryInterval
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 30 * time.Second
	args := []uint64{uint64(flags), uint64(stack), uint64(ptid), uint64(ctid), uint64(tls)}
	r.startSyscall(t.arch.SysClone, args)
	for {
		// Run toward the clone event (or to the exit stop carrying an
		// error).
		t.Resume(ResumeSyscall, ResumeWait, ResumeNoTicks, 0)
		if t.cloneSyscallIsComplete() {
			break
		}
		switch cloneResultAction(&t.regs) {
		case cloneReissue:
			// Transient pid pressure; reissue the whole syscall.
			next := policy.NextBackOff()
			if next == backoff.Stop {
				t.fatalf("remote clone kept failing with EAGAIN")
			}
			time.Sleep(next)
			r.startSyscall(t.arch.SysClone, args)
		case cloneKeepWaiting:
			// Still in flight; keep resuming until the birth event
			// shows up.
		default:
			t.fatalf("remote clone failed: %v",
				syscall.Errno(-t.regs.SyscallResultSigned()))
		}
	}

	newTid := t.PtraceEventMsgPid()
	// Finish the syscall in the parent so the frame restores at a
	// clean boundary.
	t.Resume(ResumeSyscall, ResumeWait, ResumeNoTicks, 0)
	r.expectSyscallStop()

	if newRecTid == 0 {
		newRecTid = newTid
	}
	child := t.adoptCloneChild(flags, stack, tls, newTid, newRecTid)

	r.restore()
	if flags&sys.CLONE_VM == 0 {
		// The child inherited the patched instruction, the scratch
		// stack bytes and the request registers through the fork.
		r.restoreTo(child)
	}
	return child
}

// cloneAction says what to do with a clone syscall result when no birth
// event arrived.
type cloneAction int

const (
	// cloneReissue restarts the syscall from the injection site.
	cloneReissue cloneAction = iota
	// cloneKeepWaiting resumes the parent and re-checks; the kernel has
	// not completed the clone yet.
	cloneKeepWaiting
	// cloneFatal means the result contradicts the protocol.
	cloneFatal
)

// cloneResultAction classifies an incomplete clone. EAGAIN is transient
// pid pressure worth a fresh attempt; a not-yet-returned or restartable
// result just means the syscall is still in flight; anything else is an
// invariant violation.
func cloneResultAction(regs *Registers) cloneAction {
	res := regs.SyscallResultSigned()
	switch {
	case syscall.Errno(-res) == syscall.EAGAIN:
		return cloneReissue
	case res == eNOSYSResult,
		syscall.Errno(-res) == syscall.ENOMEM,
		regs.SyscallMayRestart():
		return cloneKeepWaiting
	default:
		return cloneFatal
	}
}

// cloneSyscallIsComplete reports whether the last stop is a clone birth
// event rather than an error return.
func (t *Task) cloneSyscallIsComplete() bool {
	switch t.PtraceEvent() {
	case sys.PTRACE_EVENT_CLONE, sys.PTRACE_EVENT_FORK, sys.PTRACE_EVENT_VFORK:
		return true
	}
	return false
}

// adoptCloneChild builds the Task for a freshly cloned tracee and wires
// its resource shares according to the clone flags. The child is
// waited to its first stop before any of its memory is touched.
func (t *Task) adoptCloneChild(flags int, stack, tls Address, newTid, newRecTid int) *Task {
	child := newTask(t.session, newTid, newRecTid, t.session.NextTaskSerial(),
		t.arch, t.pt.acquire())
	child.waitInterrupt = t.waitInterrupt
	child.prname = t.prname

	if flags&sys.CLONE_THREAD != 0 {
		child.tg = t.tg
	} else {
		child.tg = newTaskGroup(newTid, newTid)
	}
	child.tg.insertTask(child)

	if flags&sys.CLONE_VM != 0 {
		child.as = t.as
	} else {
		child.as = t.as.clone(t.as.exe)
	}
	child.as.insertTask(child)

	if flags&sys.CLONE_FILES != 0 {
		child.fds = t.fds
	} else {
		child.fds = t.fds.clone()
	}
	child.fds.insertTask(child)
	child.deschedFdChild = t.deschedFdChild

	if flags&sys.CLONE_SETTLS != 0 && !tls.IsNull() {
		child.threadAreas = nil
	} else {
		child.threadAreas = append([]UserDesc(nil), t.threadAreas...)
	}

	// The child starts stopped with a SIGSTOP-like trap pending; fold
	// that first stop in before doing anything that needs its memory.
	child.Wait(child.waitInterrupt)

	if flags&sys.CLONE_VM == 0 {
		if err := child.openMemFd(); err != nil {
			child.fatalf("%v", err)
		}
		if t.sbuf != nil {
			// The fork copied the buffer pages; replace the child's
			// copy with locked private memory so stale records are
			// never replayed out of it.
			child.sbuf = &SyscallBuffer{childAddr: t.sbuf.childAddr, size: t.sbuf.size}
			child.unshareSyscallBuffer()
		}
		child.scratchPtr = t.scratchPtr
		child.scratchSize = t.scratchSize
	} else {
		child.sbuf = nil
		child.scratchPtr = 0
		child.scratchSize = 0
	}

	if logflags.Task() {
		logflags.TaskLogger().Debugf("%s cloned %s (flags %#x)", t, child, flags)
	}
	return child
}
