package task

import (
	"bytes"
	"syscall"

	"github.com/retracehq/retrace/pkg/logflags"
	"golang.org/x/arch/x86/x86asm"
	sys "golang.org/x/sys/unix"
)

// remoteSyscalls executes syscalls inside a stopped tracee on the
// tracer's behalf. A frame saves the register file and the instruction
// bytes at the injection site, patches in a syscall instruction, runs
// requests through it, and puts everything back in restore.
type remoteSyscalls struct {
	t           *Task
	initialRegs Registers
	site        Address
	savedInsn   []byte

	// scratch allocations below the stack pointer, restored on exit.
	savedMem     []byte
	savedMemAddr Address
	scratchNext  Address

	restored bool
}

// redzoneSize keeps injected stack data clear of the ABI red zone.
const redzoneSize = 128

// beginRemoteSyscalls opens a remote syscall frame at the task's
// current instruction pointer.
func (t *Task) beginRemoteSyscalls() *remoteSyscalls {
	t.assertStopped("beginRemoteSyscalls")
	if t.remoteActive {
		t.fatalf("nested remote syscall frame")
	}
	t.remoteActive = true
	r := &remoteSyscalls{t: t, initialRegs: t.Registers()}
	r.site = r.initialRegs.IP()

	insn := t.arch.SyscallInstruction
	r.savedInsn = make([]byte, len(insn))
	t.ReadBytes(r.site, r.savedInsn)
	if _, err := t.pwriteRawChecked(r.site, insn); err != nil {
		t.fatalf("could not patch syscall instruction at %#x: %v", r.site, err)
	}
	r.verifySite()

	sp := r.initialRegs.SP().Add(-redzoneSize)
	r.scratchNext = sp
	return r
}

// verifySite decodes the patched bytes back out of the tracee and
// refuses to continue unless they really are a syscall instruction.
func (r *remoteSyscalls) verifySite() {
	t := r.t
	buf := make([]byte, len(t.arch.SyscallInstruction))
	t.ReadBytes(r.site, buf)
	if !bytes.Equal(buf, t.arch.SyscallInstruction) {
		t.fatalf("syscall patch at %#x did not stick", r.site)
	}
	insn, err := x86asm.Decode(buf, 8*t.arch.PtrSize)
	if err != nil || insn.Op != x86asm.SYSCALL {
		t.fatalf("bytes at %#x do not decode as a syscall instruction", r.site)
	}
	t.as.notifyWritten(r.site, len(buf))
	if n, err := t.as.InstructionLengthAt(t, r.site); err != nil || n != len(buf) {
		t.fatalf("syscall instruction at %#x decodes with length %d: %v", r.site, n, err)
	}
}

// pushMem copies data into tracee memory below the stack pointer and
// returns its address. The overwritten bytes are restored with the
// frame.
func (r *remoteSyscalls) pushMem(data []byte) Address {
	t := r.t
	addr := r.scratchNext.Add(-len(data)) &^ 0xf
	if r.savedMem == nil {
		// Save the full span once, from the lowest scratch address up.
		span := int(r.scratchNext - addr)
		r.savedMemAddr = addr
		r.savedMem = make([]byte, span)
		t.ReadBytes(addr, r.savedMem)
	} else if addr < r.savedMemAddr {
		extra := make([]byte, int(r.savedMemAddr-addr))
		t.ReadBytes(addr, extra)
		r.savedMem = append(extra, r.savedMem...)
		r.savedMemAddr = addr
	}
	t.WriteBytes(addr, data)
	r.scratchNext = addr
	return addr
}

// pushCString pushes a NUL-terminated string.
func (r *remoteSyscalls) pushCString(s string) Address {
	return r.pushMem(append([]byte(s), 0))
}

// syscall runs one syscall to completion in the tracee and returns the
// kernel's signed result.
func (r *remoteSyscalls) syscall(no int, args ...uint64) int64 {
	t := r.t
	r.startSyscall(no, args)
	// Entry stop reached; run the syscall to its exit stop.
	t.Resume(ResumeSyscall, ResumeWait, ResumeNoTicks, 0)
	r.expectSyscallStop()
	res := t.regs.SyscallResultSigned()
	if logflags.Task() {
		logflags.TaskLogger().Debugf("remote syscall %d in %s = %d", no, t, res)
	}
	t.session.AccumulateSyscallPerformed()
	return res
}

// infallibleSyscall is syscall for requests that must not fail.
func (r *remoteSyscalls) infallibleSyscall(no int, args ...uint64) int64 {
	res := r.syscall(no, args...)
	if res < 0 && res > -4096 {
		r.t.fatalf("remote syscall %d failed: %v", no, syscall.Errno(-res))
	}
	return res
}

// startSyscall arranges registers for the request and advances the
// tracee to the syscall entry stop.
func (r *remoteSyscalls) startSyscall(no int, args []uint64) {
	t := r.t
	if len(args) > 6 {
		t.fatalf("too many remote syscall arguments")
	}
	regs := r.initialRegs
	regs.SetIP(r.site)
	regs.SetSyscallno(no)
	for i, a := range args {
		regs.SetArg(i+1, a)
	}
	t.SetRegisters(regs)
	t.AdvanceSyscall()
	if t.regs.OrigSyscallno() != no {
		t.fatalf("remote syscall entered as %d, wanted %d", t.regs.OrigSyscallno(), no)
	}
}

// expectSyscallStop aborts unless the last stop was a syscall stop.
func (r *remoteSyscalls) expectSyscallStop() {
	t := r.t
	if stopSigFromStatus(t.waitStatus) != syscall.SIGTRAP|syscallStopBit {
		t.fatalf("expected a syscall stop, got status %#x", uint32(t.waitStatus))
	}
}

// openInChild opens a tracer-visible path inside the tracee and returns
// the child-side fd.
func (r *remoteSyscalls) openInChild(path string, flags int) (int, error) {
	pathAddr := r.pushCString(path)
	res := r.syscall(r.t.arch.SysOpenat, _AT_FDCWD, uint64(pathAddr), uint64(flags), 0)
	if res < 0 {
		return -1, syscall.Errno(-res)
	}
	return int(res), nil
}

const _AT_FDCWD = uint64(0xffffffffffffff9c) // AT_FDCWD sign-extended

// restore puts back the injected instruction bytes, any scratch stack
// memory, and the saved register file.
func (r *remoteSyscalls) restore() {
	if r.restored {
		return
	}
	r.restored = true
	t := r.t
	if _, err := t.pwriteRawChecked(r.site, r.savedInsn); err != nil {
		t.fatalf("could not restore instruction bytes at %#x: %v", r.site, err)
	}
	t.as.notifyWritten(r.site, len(r.savedInsn))
	if r.savedMem != nil {
		t.WriteBytes(r.savedMemAddr, r.savedMem)
	}
	t.SetRegisters(r.initialRegs)
	t.remoteActive = false
}

// restoreTo applies the frame's saved state to a different task, used
// for fork children that inherited the patched text and registers.
func (r *remoteSyscalls) restoreTo(child *Task) {
	if _, err := child.pwriteRawChecked(r.site, r.savedInsn); err != nil {
		child.fatalf("could not restore instruction bytes at %#x: %v", r.site, err)
	}
	if r.savedMem != nil {
		child.WriteBytes(r.savedMemAddr, r.savedMem)
	}
	child.SetRegisters(r.initialRegs)
}

// pwriteRawChecked is pwriteRaw with a full-length check, for writes
// that bypass the mprotect dance.
func (t *Task) pwriteRawChecked(addr Address, buf []byte) (int, error) {
	n, err := t.pwriteRaw(addr, buf)
	if n != len(buf) && err == nil {
		err = syscall.EIO
	}
	if n == len(buf) {
		err = nil
	}
	return n, err
}

// AdvanceSyscall resumes the task until it reaches a syscall stop,
// stepping over seccomp events and discarding signal deliveries the
// session says to ignore.
func (t *Task) AdvanceSyscall() {
	for {
		t.Resume(ResumeSyscall, ResumeWait, ResumeNoTicks, 0)
		if stopSigFromStatus(t.waitStatus) == syscall.SIGTRAP|syscallStopBit {
			return
		}
		if t.PtraceEvent() == sys.PTRACE_EVENT_SECCOMP {
			continue
		}
		if sig := t.PendingSig(); sig != 0 && t.session.IsIgnoredSignal(sig) {
			continue
		}
		if t.PtraceEvent() == sys.PTRACE_EVENT_EXIT || !t.waitStatus.Stopped() {
			t.fatalf("task exited while advancing to a syscall stop")
		}
		t.fatalf("unexpected stop %#x while advancing to a syscall stop", uint32(t.waitStatus))
	}
}

// ExitSyscallAndPrepareRestart finishes the current syscall and, when
// the kernel flagged it restartable, rewinds state so the restart
// re-enters cleanly with the original number.
func (t *Task) ExitSyscallAndPrepareRestart() {
	regs := t.Registers()
	syscallno := regs.OrigSyscallno()
	// Run the kernel-side exit path.
	t.Resume(ResumeSyscall, ResumeWait, ResumeNoTicks, 0)
	if !t.waitStatus.Stopped() {
		return
	}
	regs = t.Registers()
	if regs.SyscallMayRestart() {
		regs.SetSyscallno(syscallno)
		regs.SetIP(regs.IP().Add(-t.arch.SyscallInstrLen()))
		t.SetRegisters(regs)
	}
}

// EmulateSyscallEntry makes a stop taken before a syscall instruction
// look like a syscall entry without ever letting the kernel see it: the
// entry number moves to the entry register and the result slot takes
// the not-yet-returned marker.
func (t *Task) EmulateSyscallEntry() {
	regs := t.Registers()
	regs.SetOrigSyscallno(regs.Syscallno())
	res := int64(eNOSYSResult)
	regs.SetSyscallResult(uint64(res))
	t.SetRegisters(regs)
}

// FinishEmulatedSyscall steps the task past the syscall instruction
// without letting the kernel execute it, then rewinds registers so the
// caller can install the emulated results. A temporary breakpoint pins
// the stop at the current ip in case the suppressed step lands
// elsewhere.
func (t *Task) FinishEmulatedSyscall() {
	regs := t.Registers()
	ip := regs.IP()
	if err := t.as.AddBreakpoint(t, ip); err != nil {
		t.fatalf("could not pin emulated syscall at %#x: %v", ip, err)
	}
	t.Resume(ResumeSysemuSinglestep, ResumeWait, ResumeNoTicks, 0)
	t.as.RemoveBreakpoint(t, ip)
	t.SetRegisters(regs)
	t.waitStatus = 0
}

// eNOSYSResult marks a syscall as entered but not completed.
const eNOSYSResult = -int64(syscall.ENOSYS)
