package task

import (
	"syscall"
	"testing"

	sys "golang.org/x/sys/unix"
)

func newModelTask() *Task {
	return &Task{
		Tid:            42,
		RecTid:         42,
		arch:           AMD64Arch(),
		as:             newAddressSpace("/bin/true", 0),
		fds:            newFdTable(),
		deschedFdChild: -1,
	}
}

// errnoResult is the register value a failed syscall returns.
func errnoResult(errno syscall.Errno) uint64 {
	return uint64(-int64(errno))
}

func exitRegs(syscallno int, result uint64, args ...uint64) *Registers {
	var r Registers
	r.SetOrigSyscallno(syscallno)
	r.SetSyscallResult(result)
	for i, a := range args {
		r.SetArg(i+1, a)
	}
	return &r
}

func TestOnSyscallExitWrite(t *testing.T) {
	tk := newModelTask()
	mon := &recordingMonitor{}
	tk.fds.AddMonitor(1, mon)

	regs := exitRegs(tk.arch.SysWrite, 10, 1, 0x5000, 16)
	tk.OnSyscallExit(tk.arch.SysWrite, regs)

	if len(mon.writes) != 1 {
		t.Fatalf("monitor saw %d writes, want 1", len(mon.writes))
	}
	w := mon.writes[0]
	if w.fd != 1 || w.written != 10 {
		t.Errorf("write = %+v, want fd 1 written 10", w)
	}
	if len(w.ranges) != 1 || w.ranges[0].Addr != 0x5000 || w.ranges[0].Length != 16 {
		t.Errorf("ranges = %+v", w.ranges)
	}
}

func TestOnSyscallExitFailedWriteIgnored(t *testing.T) {
	tk := newModelTask()
	mon := &recordingMonitor{}
	tk.fds.AddMonitor(1, mon)

	regs := exitRegs(tk.arch.SysWrite, errnoResult(sys.EBADF), 1, 0x5000, 16)
	tk.OnSyscallExit(tk.arch.SysWrite, regs)
	if len(mon.writes) != 0 {
		t.Errorf("failed write reached the monitor: %+v", mon.writes)
	}
}

func TestOnSyscallExitDupFamily(t *testing.T) {
	tk := newModelTask()
	mon := &recordingMonitor{}
	tk.fds.AddMonitor(5, mon)

	tk.OnSyscallExit(tk.arch.SysDup, exitRegs(tk.arch.SysDup, 9, 5))
	if tk.fds.Monitor(9) != mon {
		t.Error("dup result fd should inherit the monitor")
	}

	tk.OnSyscallExit(tk.arch.SysFcntl, exitRegs(tk.arch.SysFcntl, 11, 5, fDUPFDCLOEXEC))
	if tk.fds.Monitor(11) != mon {
		t.Error("F_DUPFD_CLOEXEC result fd should inherit the monitor")
	}

	// Other fcntl commands must not touch the table.
	tk.OnSyscallExit(tk.arch.SysFcntl, exitRegs(tk.arch.SysFcntl, 0, 5, 2 /* F_SETFD */))
	if tk.fds.Monitor(0) != nil {
		t.Error("F_SETFD should not be treated as a dup")
	}

	tk.OnSyscallExit(tk.arch.SysClose, exitRegs(tk.arch.SysClose, 0, 9))
	if tk.fds.Monitor(9) != nil {
		t.Error("close should drop the monitor")
	}
}

func TestOnSyscallExitMmapMunmap(t *testing.T) {
	tk := newModelTask()

	regs := exitRegs(tk.arch.SysMmap, 0x7f0000000000,
		0, 0x2000, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, ^uint64(0))
	tk.OnSyscallExit(tk.arch.SysMmap, regs)

	m, ok := tk.as.MappingOf(0x7f0000001000)
	if !ok {
		t.Fatal("mmap result not tracked")
	}
	if m.Length != 0x2000 || m.Prot != sys.PROT_READ|sys.PROT_WRITE {
		t.Errorf("tracked mapping = %+v", m)
	}

	tk.OnSyscallExit(tk.arch.SysMunmap,
		exitRegs(tk.arch.SysMunmap, 0, 0x7f0000000000, 0x2000))
	if _, ok := tk.as.MappingOf(0x7f0000000000); ok {
		t.Error("munmap result not tracked")
	}
}

func TestOnSyscallExitFailedMprotectStillProcessed(t *testing.T) {
	tk := newModelTask()
	tk.as.Map(0x10000, 0x2000, sys.PROT_READ|sys.PROT_WRITE,
		sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, 0, "")
	// A 4-page request over a 2-page mapping: the kernel applies the
	// mapped prefix, then fails with ENOMEM at the gap.
	regs := exitRegs(tk.arch.SysMprotect, errnoResult(sys.ENOMEM),
		0x10000, 0x4000, sys.PROT_READ)
	tk.OnSyscallExit(tk.arch.SysMprotect, regs)

	m, ok := tk.as.MappingOf(0x10000)
	if !ok {
		t.Fatal("mapping vanished")
	}
	if m.Prot != sys.PROT_READ {
		t.Errorf("applied prefix prot = %#x, want PROT_READ", m.Prot)
	}
}

func TestOnSyscallExitFailedMmapIgnored(t *testing.T) {
	tk := newModelTask()
	regs := exitRegs(tk.arch.SysMmap, errnoResult(sys.ENOMEM),
		0, 0x1000, sys.PROT_READ, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, ^uint64(0))
	tk.OnSyscallExit(tk.arch.SysMmap, regs)
	if len(tk.as.mappings) != 0 {
		t.Errorf("failed mmap changed the model: %+v", tk.as.mappings)
	}
}

func TestBrkTracking(t *testing.T) {
	tk := newModelTask()
	tk.OnSyscallExit(tk.arch.SysBrk, exitRegs(tk.arch.SysBrk, 0x601000, 0))
	if len(tk.as.mappings) != 0 {
		t.Fatalf("initial brk should only set the base: %+v", tk.as.mappings)
	}
	tk.OnSyscallExit(tk.arch.SysBrk, exitRegs(tk.arch.SysBrk, 0x603000, 0x603000))
	m, ok := tk.as.MappingOf(0x602000)
	if !ok {
		t.Fatal("grown heap not tracked")
	}
	if m.Fsname != "[heap]" {
		t.Errorf("heap mapping = %+v", m)
	}
}
