package task

import (
	"encoding/binary"
	"os"
	"syscall"

	"github.com/retracehq/retrace/pkg/logflags"
	sys "golang.org/x/sys/unix"
)

// Syscall buffer header layout. The buffer starts with a small header
// followed by packed records; the tracee-side preload library appends
// records, the tracer consumes them wholesale at flush time.
const (
	sbufHdrSize        = 8
	sbufOffNumRecBytes = 0 // uint32, bytes of records past the header
	sbufOffAbortCommit = 4 // nonzero while a record is being rolled back
	sbufOffLocked      = 5 // nonzero means the buffer must not be used
)

// SyscallBuffer is the per-task syscall record buffer: a shared file
// mapping visible at childAddr in the tracee and as local in the
// tracer.
type SyscallBuffer struct {
	childAddr Address
	size      int
	local     []byte
	file      *os.File
}

// ChildAddr is where the tracee sees the buffer.
func (b *SyscallBuffer) ChildAddr() Address { return b.childAddr }

// Size is the full mapping size, header included.
func (b *SyscallBuffer) Size() int { return b.size }

// Shared reports whether the tracer still has a live view of the
// pages. An unshared fork child keeps the address but loses the view.
func (b *SyscallBuffer) Shared() bool { return b.local != nil }

// NumRecBytes reads the record byte count from the shared header.
func (b *SyscallBuffer) NumRecBytes() int {
	if b.local == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint32(b.local[sbufOffNumRecBytes:]))
}

// AbortCommit reports whether the tracee flagged an aborted commit.
func (b *SyscallBuffer) AbortCommit() bool {
	return b.local != nil && b.local[sbufOffAbortCommit] != 0
}

// Records returns the current record bytes.
func (b *SyscallBuffer) Records() []byte {
	if b.local == nil {
		return nil
	}
	n := b.NumRecBytes()
	if n > b.size-sbufHdrSize {
		n = b.size - sbufHdrSize
	}
	return b.local[sbufHdrSize : sbufHdrSize+n]
}

// reset clears the header fields that accumulate.
func (b *SyscallBuffer) reset() {
	if b.local == nil {
		return
	}
	binary.LittleEndian.PutUint32(b.local[sbufOffNumRecBytes:], 0)
	b.local[sbufOffAbortCommit] = 0
}

// sbufName is the name the shared memory object carries in /proc.
const sbufName = "retrace-sbuf"

// HasSyscallBuffer reports whether a buffer is established.
func (t *Task) HasSyscallBuffer() bool { return t.sbuf != nil }

// SyscallBuffer returns the buffer, or nil.
func (t *Task) SyscallBuffer() *SyscallBuffer { return t.sbuf }

// DeschedFd returns the tracee-side desched event fd, or -1.
func (t *Task) DeschedFd() int { return t.deschedFdChild }

// SetDeschedFd records the tracee-side desched event fd and shields it
// from the tracee's own fd bookkeeping.
func (t *Task) SetDeschedFd(fd int) {
	t.deschedFdChild = fd
	t.fds.AddMonitor(fd, &PreservedFdMonitor{})
}

// InitSyscallBuffer establishes the shared syscall buffer: a memfd is
// created inside the tracee, mapped there at mapHint (or wherever the
// kernel picks), and mapped locally so both sides see the same pages.
// Must be called at a stop with a remote frame's worth of room; the
// task keeps no buffer on failure.
func (t *Task) InitSyscallBuffer(size int, mapHint Address) error {
	if t.sbuf != nil {
		t.fatalf("syscall buffer initialized twice")
	}
	size = int(Address(size).RoundUpToPage())

	r := t.beginRemoteSyscalls()
	defer r.restore()

	nameAddr := r.pushCString(sbufName)
	childFd := r.syscall(t.arch.SysMemfdCreate, uint64(nameAddr), 0)
	if childFd < 0 {
		return sysErr(childFd)
	}
	if res := r.syscall(t.arch.SysFtruncate, uint64(childFd), uint64(size)); res < 0 {
		r.infallibleSyscall(t.arch.SysClose, uint64(childFd))
		return sysErr(res)
	}

	// Map our side first so a tracee-side failure leaves nothing to
	// unwind remotely.
	f, err := t.OpenFd(int(childFd), os.O_RDWR)
	if err != nil {
		r.infallibleSyscall(t.arch.SysClose, uint64(childFd))
		return err
	}
	local, err := sys.Mmap(int(f.Fd()), 0, size,
		sys.PROT_READ|sys.PROT_WRITE, sys.MAP_SHARED)
	if err != nil {
		f.Close()
		r.infallibleSyscall(t.arch.SysClose, uint64(childFd))
		return err
	}

	flags := sys.MAP_SHARED
	if !mapHint.IsNull() {
		flags |= sys.MAP_FIXED
	}
	childAddr := r.syscall(t.arch.SysMmap, uint64(mapHint), uint64(size),
		uint64(sys.PROT_READ|sys.PROT_WRITE), uint64(flags), uint64(childFd), 0)
	r.infallibleSyscall(t.arch.SysClose, uint64(childFd))
	if childAddr < 0 {
		sys.Munmap(local)
		f.Close()
		return sysErr(childAddr)
	}

	t.sbuf = &SyscallBuffer{
		childAddr: Address(childAddr),
		size:      size,
		local:     local,
		file:      f,
	}
	t.sbuf.reset()
	t.as.Map(Address(childAddr), size, sys.PROT_READ|sys.PROT_WRITE,
		sys.MAP_SHARED, 0, sbufName)
	if logflags.Sbuf() {
		logflags.SbufLogger().Debugf("%s syscall buffer: %d bytes at %#x", t, size, childAddr)
	}
	return nil
}

// ResetSyscallBuffer discards all buffered records, keeping the
// mapping.
func (t *Task) ResetSyscallBuffer() {
	if t.sbuf == nil {
		return
	}
	t.sbuf.reset()
	if logflags.Sbuf() {
		logflags.SbufLogger().Debugf("%s syscall buffer reset", t)
	}
}

// SyscallBufferLocked reads the authoritative locked byte out of tracee
// memory. The tracer-side view can be stale after an unshared fork.
func (t *Task) SyscallBufferLocked() bool {
	if t.sbuf == nil {
		return false
	}
	var b [1]byte
	if err := t.ReadBytesChecked(t.sbuf.childAddr.Add(sbufOffLocked), b[:]); err != nil {
		return false
	}
	return b[0] != 0
}

// unshareSyscallBuffer severs a fork child from the shared buffer
// pages: the child's view is replaced with private anonymous memory and
// marked locked so the preload library refuses to use it until
// reinitialized.
func (t *Task) unshareSyscallBuffer() {
	if t.sbuf == nil {
		return
	}
	r := t.beginRemoteSyscalls()
	res := r.syscall(t.arch.SysMmap, uint64(t.sbuf.childAddr), uint64(t.sbuf.size),
		uint64(sys.PROT_READ|sys.PROT_WRITE),
		uint64(sys.MAP_PRIVATE|sys.MAP_ANONYMOUS|sys.MAP_FIXED), ^uint64(0), 0)
	r.restore()
	if res < 0 {
		t.fatalf("could not unshare syscall buffer: %v", sysErr(res))
	}
	t.WriteBytes(t.sbuf.childAddr.Add(sbufOffLocked), []byte{1})
	t.as.Map(t.sbuf.childAddr, t.sbuf.size, sys.PROT_READ|sys.PROT_WRITE,
		sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, 0, "")
	if logflags.Sbuf() {
		logflags.SbufLogger().Debugf("%s syscall buffer unshared and locked", t)
	}
}

// DestroyBuffers unmaps the syscall buffer and scratch from the tracee
// and closes the desched fd, via remote syscalls. The local side goes
// with destroyLocalBuffers.
func (t *Task) DestroyBuffers() {
	if t.sbuf == nil && t.scratchPtr.IsNull() && t.deschedFdChild < 0 {
		return
	}
	r := t.beginRemoteSyscalls()
	if t.sbuf != nil {
		r.infallibleSyscall(t.arch.SysMunmap, uint64(t.sbuf.childAddr), uint64(t.sbuf.size))
		t.as.Unmap(t.sbuf.childAddr, t.sbuf.size)
	}
	if !t.scratchPtr.IsNull() {
		r.infallibleSyscall(t.arch.SysMunmap, uint64(t.scratchPtr), uint64(t.scratchSize))
		t.as.Unmap(t.scratchPtr, t.scratchSize)
		t.scratchPtr = 0
		t.scratchSize = 0
	}
	if t.deschedFdChild >= 0 {
		r.infallibleSyscall(t.arch.SysClose, uint64(t.deschedFdChild))
		t.fds.DidClose(t.deschedFdChild)
		t.deschedFdChild = -1
	}
	r.restore()
	t.destroyLocalBuffers()
}

// destroyLocalBuffers releases the tracer-side buffer mapping.
func (t *Task) destroyLocalBuffers() {
	if t.sbuf == nil {
		return
	}
	if t.sbuf.local != nil {
		sys.Munmap(t.sbuf.local)
		t.sbuf.local = nil
	}
	if t.sbuf.file != nil {
		t.sbuf.file.Close()
		t.sbuf.file = nil
	}
	t.sbuf = nil
}

// Scratch returns the tracee scratch region.
func (t *Task) Scratch() (Address, int) { return t.scratchPtr, t.scratchSize }

// SetScratch records a scratch region allocated for the task.
func (t *Task) SetScratch(addr Address, size int) {
	t.scratchPtr = addr
	t.scratchSize = size
}

func sysErr(res int64) error {
	return syscall.Errno(-res)
}
