package task

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// syscallStopBit is set in the stop signal of syscall stops when
// PTRACE_O_TRACESYSGOOD is in effect, which it always is for us.
const syscallStopBit = 0x80

// ptraceExitWaitStatus is the status we synthesize when a task is known
// to be exiting but the real PTRACE_EVENT_EXIT notification has not been
// (or cannot be) collected. 0x857f is SIGTRAP | 0x80 in the stopped
// encoding, which no real stop produces.
const ptraceExitWaitStatus = sys.WaitStatus(sys.PTRACE_EVENT_EXIT<<16 | 0x857f)

// timeSliceWaitStatus encodes a stop on the synthetic timeslice signal.
func timeSliceWaitStatus(sig syscall.Signal) sys.WaitStatus {
	return sys.WaitStatus(uint32(sig)<<8 | 0x7f)
}

// ptraceEventFromStatus extracts the PTRACE_EVENT_* code, or 0.
func ptraceEventFromStatus(status sys.WaitStatus) int {
	return int(status>>16) & 0xff
}

// stopSigFromStatus returns the signal of a stop status, including the
// syscallStopBit for syscall stops.
func stopSigFromStatus(status sys.WaitStatus) syscall.Signal {
	if !status.Stopped() {
		return 0
	}
	return syscall.Signal(int(status)>>8) & 0xff
}

// pendingSigFromStatus returns the signal the task stopped on, if that
// stop corresponds to a deliverable signal. Syscall stops and ptrace
// event stops report no pending signal.
func pendingSigFromStatus(status sys.WaitStatus) syscall.Signal {
	if !status.Stopped() {
		return 0
	}
	sig := stopSigFromStatus(status)
	if sig == syscall.SIGTRAP|syscallStopBit {
		return 0
	}
	if ptraceEventFromStatus(status) != 0 {
		return 0
	}
	return sig
}

// si_code values used in trap classification and synthesized siginfo.
const (
	siKernel  = 0x80
	trapBrkpt = 1
	pollIn    = 1
)

// Siginfo is the kernel siginfo_t for the fields we interpret. The
// union member layout matches the SIGPOLL arm on 64-bit; trap faults
// only need Code so the overlap is harmless.
type Siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Band  int64
	Fd    int32
	_     [100]byte
}

// ptraceGetSiginfo fetches the siginfo of the current signal stop.
// x/sys/unix has no wrapper for PTRACE_GETSIGINFO, so this is the one
// place we issue the request raw.
func ptraceGetSiginfo(tid int, si *Siginfo) error {
	_, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETSIGINFO,
		uintptr(tid), 0, uintptr(unsafe.Pointer(si)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
