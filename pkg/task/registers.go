package task

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/retracehq/retrace/pkg/task/amd64util"
	sys "golang.org/x/sys/unix"
)

// eflagsTF is the x86 trap flag.
const eflagsTF = 0x100

// Registers wraps the general-purpose register file of a stopped task.
// It is a plain value; mutations only reach the task through
// Task.SetRegisters.
type Registers struct {
	sys.PtraceRegs
}

// IP returns the instruction pointer.
func (r *Registers) IP() Address { return Address(r.Rip) }

// SetIP sets the instruction pointer.
func (r *Registers) SetIP(addr Address) { r.Rip = uint64(addr) }

// SP returns the stack pointer.
func (r *Registers) SP() Address { return Address(r.Rsp) }

// SetSP sets the stack pointer.
func (r *Registers) SetSP(addr Address) { r.Rsp = uint64(addr) }

// Syscallno returns the syscall number register.
func (r *Registers) Syscallno() int { return int(int64(r.Rax)) }

// SetSyscallno sets the syscall number register.
func (r *Registers) SetSyscallno(no int) { r.Rax = uint64(no) }

// OrigSyscallno returns the syscall number as of syscall entry, which
// survives the kernel overwriting the result register.
func (r *Registers) OrigSyscallno() int { return int(int64(r.Orig_rax)) }

// SetOrigSyscallno sets the entry-time syscall number.
func (r *Registers) SetOrigSyscallno(no int) { r.Orig_rax = uint64(no) }

// SyscallResult returns the raw syscall result register.
func (r *Registers) SyscallResult() uint64 { return r.Rax }

// SyscallResultSigned returns the syscall result as the kernel's signed
// convention, with -errno for failures.
func (r *Registers) SyscallResultSigned() int64 { return int64(r.Rax) }

// SetSyscallResult sets the syscall result register.
func (r *Registers) SetSyscallResult(v uint64) { r.Rax = v }

// Arg returns the i'th syscall argument, 1-based per the kernel ABI.
func (r *Registers) Arg(i int) uint64 {
	switch i {
	case 1:
		return r.Rdi
	case 2:
		return r.Rsi
	case 3:
		return r.Rdx
	case 4:
		return r.R10
	case 5:
		return r.R8
	case 6:
		return r.R9
	}
	panic("syscall argument index out of range")
}

// SetArg sets the i'th syscall argument.
func (r *Registers) SetArg(i int, v uint64) {
	switch i {
	case 1:
		r.Rdi = v
	case 2:
		r.Rsi = v
	case 3:
		r.Rdx = v
	case 4:
		r.R10 = v
	case 5:
		r.R8 = v
	case 6:
		r.R9 = v
	default:
		panic("syscall argument index out of range")
	}
}

// SinglestepFlag reports whether the trap flag is set.
func (r *Registers) SinglestepFlag() bool { return r.Eflags&eflagsTF != 0 }

// ClearSinglestepFlag clears the trap flag.
func (r *Registers) ClearSinglestepFlag() { r.Eflags &^= eflagsTF }

// SyscallFailed reports whether the result register holds -errno.
func (r *Registers) SyscallFailed() bool {
	res := r.SyscallResultSigned()
	return res < 0 && res > -4096
}

// SyscallErrno returns the errno of a failed syscall, or 0.
func (r *Registers) SyscallErrno() syscall.Errno {
	if !r.SyscallFailed() {
		return 0
	}
	return syscall.Errno(-r.SyscallResultSigned())
}

// SyscallMayRestart reports whether the result is one of the restart
// errnos the kernel rewrites on signal return.
func (r *Registers) SyscallMayRestart() bool {
	switch -r.SyscallResultSigned() {
	case int64(seRESTARTSYS), int64(seRESTARTNOINTR),
		int64(seRESTARTNOHAND), int64(seRESTARTBLOCK):
		return true
	}
	return false
}

// Kernel-internal restart errnos, never visible to userspace.
const (
	seRESTARTSYS    = 512
	seRESTARTNOINTR = 513
	seRESTARTNOHAND = 514
	seRESTARTBLOCK  = 516
)

// fixupSyscallRegisters canonicalizes the registers the syscall
// instruction clobbers. The kernel restores RCX and R11 inconsistently
// across entry paths (syscall vs interrupt vs seccomp trap), so after a
// non-sigreturn syscall exit we force the values the syscall path
// produces: R11 holds flags with TF stripped, RCX is poisoned, and
// flags take the fixed kernel-exit value.
func fixupSyscallRegisters(r *Registers) {
	r.R11 &^= eflagsTF
	r.Rcx = ^uint64(0)
	r.Eflags = 0x246
}

// ExtraRegFormat discriminates the encoding of ExtraRegisters.
type ExtraRegFormat int

const (
	// ExtraNone means no extended register state has been read.
	ExtraNone ExtraRegFormat = iota
	// ExtraXSave is the x86 XSAVE area, in the non-compacted layout.
	ExtraXSave
)

// ExtraRegisters holds the extended (FPU/SIMD) register state.
type ExtraRegisters struct {
	Format ExtraRegFormat
	Data   []byte
}

// Empty reports whether no state has been captured.
func (er *ExtraRegisters) Empty() bool { return er.Format == ExtraNone }

// Registers returns a copy of the cached general registers. The task
// must be stopped; resuming invalidates the cache.
func (t *Task) Registers() Registers {
	t.assertStopped("Registers")
	return t.regs
}

// SetRegisters writes the register file to the task and updates the
// cache.
func (t *Task) SetRegisters(regs Registers) {
	t.assertStopped("SetRegisters")
	t.regs = regs
	var err error
	t.pt.exec(func() { err = ptraceSetRegs(t.Tid, &t.regs.PtraceRegs) })
	if err != nil && err != syscall.ESRCH {
		t.fatalf("PTRACE_SETREGS failed: %v", err)
	}
}

// IP returns the cached instruction pointer.
func (t *Task) IP() Address { return t.regs.IP() }

// SP returns the cached stack pointer.
func (t *Task) SP() Address { return t.regs.SP() }

// xsaveAreaSize is probed from the first successful PTRACE_GETREGSET
// and reused for every later fetch.
var xsaveAreaSize struct {
	once sync.Once
	size int
}

// ExtraRegs returns the extended register state, fetching it from the
// task on first use after each stop.
func (t *Task) ExtraRegs() *ExtraRegisters {
	t.assertStopped("ExtraRegs")
	if !t.extraRegs.Empty() {
		return &t.extraRegs
	}
	bufSize := xsaveAreaSize.size
	if bufSize == 0 {
		bufSize = amd64util.XstateMaxKnownSize
	}
	buf := make([]byte, bufSize)
	var n int
	var err error
	t.pt.exec(func() { n, err = ptraceGetRegset(t.Tid, _NT_X86_XSTATE, buf) })
	switch err {
	case nil:
		xsaveAreaSize.once.Do(func() { xsaveAreaSize.size = n })
		data := buf[:n]
		if verr := amd64util.ValidateXsave(data); verr != nil {
			t.fatalf("unusable XSAVE data: %v", verr)
		}
		t.extraRegs = ExtraRegisters{Format: ExtraXSave, Data: data}
	case syscall.EIO, syscall.EINVAL, syscall.ENODEV:
		// Pre-XSAVE hardware. Legacy FXSAVE area only.
		data := make([]byte, amd64util.FpRegsSize)
		t.pt.exec(func() { err = ptraceGetFpRegs(t.Tid, data) })
		if err != nil {
			t.fatalf("PTRACE_GETFPREGS failed: %v", err)
		}
		t.extraRegs = ExtraRegisters{Format: ExtraXSave, Data: data}
	default:
		t.fatalf("PTRACE_GETREGSET(NT_X86_XSTATE) failed: %v", err)
	}
	return &t.extraRegs
}

// SetExtraRegs writes extended register state to the task.
func (t *Task) SetExtraRegs(er *ExtraRegisters) {
	t.assertStopped("SetExtraRegs")
	if er.Empty() {
		t.fatalf("refusing to set empty extra registers")
	}
	t.extraRegs = ExtraRegisters{Format: er.Format, Data: append([]byte(nil), er.Data...)}
	var err error
	if len(er.Data) == amd64util.FpRegsSize {
		t.pt.exec(func() {
			_, errno := ptraceRaw(sys.PTRACE_SETFPREGS, t.Tid, 0,
				uintptr(unsafe.Pointer(&t.extraRegs.Data[0])))
			if errno != 0 {
				err = errno
			}
		})
	} else {
		t.pt.exec(func() { err = ptraceSetRegset(t.Tid, _NT_X86_XSTATE, t.extraRegs.Data) })
	}
	if err != nil && err != syscall.ESRCH {
		t.fatalf("could not set extra registers: %v", err)
	}
}

const _NT_X86_XSTATE = 0x202
