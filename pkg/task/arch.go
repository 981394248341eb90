package task

import (
	"debug/elf"
	"fmt"

	sys "golang.org/x/sys/unix"
)

// Arch collects everything about a task that depends on the instruction
// set of its current image. It is selected once, at task creation or
// exec, and dispatched through this one indirection point.
type Arch struct {
	Name    string
	PtrSize int

	// BreakpointInstruction is the instruction injected for software
	// breakpoints.
	BreakpointInstruction []byte
	// SyscallInstruction enters the kernel.
	SyscallInstruction []byte

	// Syscall numbers the dispatch table and the remote-syscall layer
	// care about. Negative when the architecture has no such syscall.
	SysBrk           int
	SysMmap          int
	SysMprotect      int
	SysMremap        int
	SysMunmap        int
	SysMadvise       int
	SysShmdt         int
	SysPrctl         int
	SysDup           int
	SysDup2          int
	SysDup3          int
	SysFcntl         int
	SysClose         int
	SysUnshare       int
	SysWrite         int
	SysWritev        int
	SysClone         int
	SysGettid        int
	SysMemfdCreate   int
	SysFtruncate     int
	SysOpenat        int
	SysExecve        int
	SysExit          int
	SysRtSigreturn   int
	SysSetThreadArea int
}

// BreakpointInstrLen returns the length of the breakpoint instruction.
func (a *Arch) BreakpointInstrLen() int { return len(a.BreakpointInstruction) }

// SyscallInstrLen returns the length of the syscall instruction.
func (a *Arch) SyscallInstrLen() int { return len(a.SyscallInstruction) }

var amd64Arch = &Arch{
	Name:    "amd64",
	PtrSize: 8,

	BreakpointInstruction: []byte{0xcc},
	SyscallInstruction:    []byte{0x0f, 0x05},

	SysBrk:           sys.SYS_BRK,
	SysMmap:          sys.SYS_MMAP,
	SysMprotect:      sys.SYS_MPROTECT,
	SysMremap:        sys.SYS_MREMAP,
	SysMunmap:        sys.SYS_MUNMAP,
	SysMadvise:       sys.SYS_MADVISE,
	SysShmdt:         sys.SYS_SHMDT,
	SysPrctl:         sys.SYS_PRCTL,
	SysDup:           sys.SYS_DUP,
	SysDup2:          sys.SYS_DUP2,
	SysDup3:          sys.SYS_DUP3,
	SysFcntl:         sys.SYS_FCNTL,
	SysClose:         sys.SYS_CLOSE,
	SysUnshare:       sys.SYS_UNSHARE,
	SysWrite:         sys.SYS_WRITE,
	SysWritev:        sys.SYS_WRITEV,
	SysClone:         sys.SYS_CLONE,
	SysGettid:        sys.SYS_GETTID,
	SysMemfdCreate:   sys.SYS_MEMFD_CREATE,
	SysFtruncate:     sys.SYS_FTRUNCATE,
	SysOpenat:        sys.SYS_OPENAT,
	SysExecve:        sys.SYS_EXECVE,
	SysExit:          sys.SYS_EXIT,
	SysRtSigreturn:   sys.SYS_RT_SIGRETURN,
	SysSetThreadArea: -1, // amd64 uses arch_prctl instead
}

// AMD64Arch returns the trait set for 64-bit x86 tasks.
func AMD64Arch() *Arch { return amd64Arch }

// determineArch inspects the ELF header of the task's current image.
// Called after exec events, when the instruction-set width may have just
// changed and registers cannot be interpreted until it is known.
func determineArch(tid int) (*Arch, error) {
	f, err := elf.Open(fmt.Sprintf("/proc/%d/exe", tid))
	if err != nil {
		return nil, fmt.Errorf("could not inspect image of %d: %v", tid, err)
	}
	defer f.Close()
	switch f.Machine {
	case elf.EM_X86_64:
		return amd64Arch, nil
	}
	return nil, fmt.Errorf("unsupported machine type %v for %d", f.Machine, tid)
}
