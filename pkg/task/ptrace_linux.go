package task

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// Raw ptrace wrappers. These must run on the ptrace thread; Task methods
// get there via t.pt.exec.

func ptraceRaw(request int, tid int, addr, data uintptr) (uintptr, syscall.Errno) {
	ret, _, errno := syscall.Syscall6(syscall.SYS_PTRACE,
		uintptr(request), uintptr(tid), addr, data, 0, 0)
	return ret, errno
}

func ptraceSeize(tid int, options uintptr) error {
	_, errno := ptraceRaw(sys.PTRACE_SEIZE, tid, 0, options)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceInterrupt(tid int) error {
	_, errno := ptraceRaw(sys.PTRACE_INTERRUPT, tid, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceSetOptions(tid int, options uintptr) error {
	_, errno := ptraceRaw(sys.PTRACE_SETOPTIONS, tid, 0, options)
	if errno != 0 {
		return errno
	}
	return nil
}

// ptraceDetachSig detaches while injecting sig into the tracee.
// sys.PtraceDetach offers no signal argument, so go raw.
func ptraceDetachSig(tid, sig int) error {
	_, errno := ptraceRaw(sys.PTRACE_DETACH, tid, 0, uintptr(sig))
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceGetRegs(tid int, regs *sys.PtraceRegs) error {
	return sys.PtraceGetRegs(tid, regs)
}

func ptraceSetRegs(tid int, regs *sys.PtraceRegs) error {
	return sys.PtraceSetRegs(tid, regs)
}

func ptraceGetEventMsg(tid int) (uint, error) {
	return sys.PtraceGetEventMsg(tid)
}

// ptraceGetRegset fetches a regset identified by an NT_* note type into
// buf and returns the number of bytes the kernel filled in.
func ptraceGetRegset(tid, nt int, buf []byte) (int, error) {
	iov := sys.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, errno := ptraceRaw(sys.PTRACE_GETREGSET, tid,
		uintptr(nt), uintptr(unsafe.Pointer(&iov)))
	if errno != 0 {
		return 0, errno
	}
	return int(iov.Len), nil
}

func ptraceSetRegset(tid, nt int, buf []byte) error {
	iov := sys.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, errno := ptraceRaw(sys.PTRACE_SETREGSET, tid,
		uintptr(nt), uintptr(unsafe.Pointer(&iov)))
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceGetFpRegs(tid int, buf []byte) error {
	_, errno := ptraceRaw(sys.PTRACE_GETFPREGS, tid, 0,
		uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

func ptracePeekUser(tid int, off uintptr) (uintptr, error) {
	var v uintptr
	_, errno := ptraceRaw(sys.PTRACE_PEEKUSR, tid, off,
		uintptr(unsafe.Pointer(&v)))
	if errno != 0 {
		return 0, errno
	}
	return v, nil
}

func ptracePokeUser(tid int, off, v uintptr) error {
	_, errno := ptraceRaw(sys.PTRACE_POKEUSR, tid, off, v)
	if errno != 0 {
		return errno
	}
	return nil
}

// ptraceResume issues one of the resumption requests (CONT, SYSCALL,
// SINGLESTEP, SYSEMU, SYSEMU_SINGLESTEP) with an optional signal.
func ptraceResume(request, tid, sig int) error {
	_, errno := ptraceRaw(request, tid, 0, uintptr(sig))
	if errno != 0 {
		return errno
	}
	return nil
}
