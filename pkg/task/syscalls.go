package task

import (
	sys "golang.org/x/sys/unix"
)

// Fcntl commands the fd table cares about.
const (
	fDUPFD        = 0
	fDUPFDCLOEXEC = 1030
)

const prSetName = 15 // PR_SET_NAME

// OnSyscallExit updates tracer-side models after a syscall completed in
// the tracee. regs must be the register file as of the exit stop.
//
// Most failed syscalls change nothing and are ignored wholesale. The
// exception is mprotect: the kernel applies protections range by range
// and can fail partway, leaving a prefix applied, so its bookkeeping
// runs even on failure.
func (t *Task) OnSyscallExit(syscallno int, regs *Registers) {
	failed := regs.SyscallFailed()
	if failed && syscallno != t.arch.SysMprotect {
		return
	}

	arch := t.arch
	switch syscallno {
	case arch.SysMmap:
		addr := Address(regs.SyscallResult())
		length := int(regs.Arg(2))
		prot := int(regs.Arg(3))
		flags := int(regs.Arg(4))
		fd := int(int32(regs.Arg(5)))
		offset := int64(regs.Arg(6))
		fsname := ""
		if flags&sys.MAP_ANONYMOUS == 0 && fd >= 0 {
			fsname = t.FileNameOfFd(fd)
		}
		t.as.Map(addr, length, prot, flags, offset, fsname)

	case arch.SysMunmap:
		t.as.Unmap(Address(regs.Arg(1)), int(regs.Arg(2)))

	case arch.SysMprotect:
		addr := Address(regs.Arg(1))
		length := int(regs.Arg(2))
		prot := int(regs.Arg(3))
		if failed {
			// Figure out how much actually got applied before the
			// failure by reading the kernel's mappings back.
			length = t.appliedMprotectLength(addr, length, prot)
			if length == 0 {
				return
			}
		}
		t.as.Protect(addr, length, prot)

	case arch.SysMremap:
		oldAddr := Address(regs.Arg(1))
		oldLength := int(regs.Arg(2))
		newLength := int(regs.Arg(3))
		newAddr := Address(regs.SyscallResult())
		t.as.Remap(oldAddr, oldLength, newAddr, newLength)

	case arch.SysMadvise:
		// Tracked only for MADV_DONTNEED-style content effects, which
		// do not change the mapping table.

	case arch.SysShmdt:
		addr := Address(regs.Arg(1))
		if m, ok := t.as.MappingOf(addr); ok && m.Addr == addr {
			t.as.Unmap(m.Addr, m.Length)
		}

	case arch.SysBrk:
		// The mapping update comes from the kernel's own view; brk
		// results carry no length.
		t.updateBrkRegion(Address(regs.SyscallResult()))

	case arch.SysWrite:
		fd := int(int32(regs.Arg(1)))
		written := int(regs.SyscallResultSigned())
		r := MemRange{Addr: Address(regs.Arg(2)), Length: int(regs.Arg(3))}
		t.fds.DidWrite(t, fd, []MemRange{r}, written)

	case arch.SysWritev:
		fd := int(int32(regs.Arg(1)))
		written := int(regs.SyscallResultSigned())
		ranges := t.readIovecs(Address(regs.Arg(2)), int(regs.Arg(3)))
		t.fds.DidWrite(t, fd, ranges, written)

	case arch.SysDup, arch.SysDup2, arch.SysDup3:
		from := int(int32(regs.Arg(1)))
		to := int(int32(regs.SyscallResult()))
		t.fds.DidDup(from, to)

	case arch.SysFcntl:
		switch int(regs.Arg(2)) {
		case fDUPFD, fDUPFDCLOEXEC:
			from := int(int32(regs.Arg(1)))
			to := int(int32(regs.SyscallResult()))
			t.fds.DidDup(from, to)
		}

	case arch.SysClose:
		t.fds.DidClose(int(int32(regs.Arg(1))))

	case arch.SysUnshare:
		if regs.Arg(1)&sys.CLONE_FILES != 0 {
			// The task's fd table is now private.
			t.fds.eraseTask(t)
			t.fds = t.fds.clone()
			t.fds.insertTask(t)
		}

	case arch.SysPrctl:
		if int(regs.Arg(1)) == prSetName {
			t.UpdatePrname(Address(regs.Arg(2)))
		}

	case arch.SysSetThreadArea:
		t.SetThreadArea(Address(regs.Arg(1)))

	case arch.SysExecve:
		// Handled by PostExecSyscall at the exec event, not here.
	}
}

// appliedMprotectLength reads /proc/pid/maps semantics back through the
// tracer-side model: the kernel applies mprotect low to high and stops
// at the first gap or error, so the applied prefix runs up to the first
// page whose kernel protection still differs. We approximate with the
// first unmapped page, which is the common failure.
func (t *Task) appliedMprotectLength(addr Address, length, prot int) int {
	end := addr.Add(length).RoundUpToPage()
	for p := addr.RoundDownToPage(); p < end; p += pageSize {
		if _, ok := t.as.MappingOf(p); !ok {
			return int(p - addr)
		}
	}
	return length
}

// updateBrkRegion tracks the heap segment as a single growing mapping.
func (t *Task) updateBrkRegion(newBrk Address) {
	if newBrk.IsNull() {
		return
	}
	if t.brkStart.IsNull() {
		t.brkStart = newBrk
		t.brkEnd = newBrk
		return
	}
	if newBrk > t.brkEnd {
		t.as.Map(t.brkEnd.RoundDownToPage(), int(newBrk.RoundUpToPage()-t.brkEnd.RoundDownToPage()),
			sys.PROT_READ|sys.PROT_WRITE, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, 0, "[heap]")
	} else if newBrk < t.brkEnd {
		t.as.Unmap(newBrk.RoundUpToPage(), int(t.brkEnd.RoundUpToPage()-newBrk.RoundUpToPage()))
	}
	t.brkEnd = newBrk
}

// readIovecs loads an iovec array from tracee memory.
func (t *Task) readIovecs(addr Address, count int) []MemRange {
	const maxIov = 1024
	if count < 0 || count > maxIov {
		return nil
	}
	buf := make([]byte, 16*count)
	if err := t.ReadBytesChecked(addr, buf); err != nil {
		return nil
	}
	out := make([]MemRange, 0, count)
	for i := 0; i < count; i++ {
		base := leUint64(buf[16*i:])
		length := leUint64(buf[16*i+8:])
		out = append(out, MemRange{Addr: Address(base), Length: int(length)})
	}
	return out
}

func leUint64(b []byte) uint64 {
	return uint64(leUint32(b)) | uint64(leUint32(b[4:]))<<32
}
