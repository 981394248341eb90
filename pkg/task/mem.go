package task

import (
	"fmt"
	"io/ioutil"
	"os"
	"syscall"

	"github.com/retracehq/retrace/pkg/logflags"
	sys "golang.org/x/sys/unix"
)

// openMemFd (re)opens the /proc mem handle for the address space. Must
// be redone after exec, when the old handle goes stale.
func (t *Task) openMemFd() error {
	if t.as.memFd != nil {
		t.as.memFd.Close()
		t.as.memFd = nil
	}
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", t.Tid), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("could not open mem fd for %s: %v", t, err)
	}
	t.as.memFd = f
	return nil
}

// ReadBytesFallible reads as much of buf as possible from addr,
// returning how many leading bytes are valid. Short reads happen at
// unmapped boundaries and are not an error unless nothing was read.
func (t *Task) ReadBytesFallible(addr Address, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if t.as == nil || t.as.memFd == nil {
		return t.readBytesPtrace(addr, buf)
	}
	n, err := t.as.memFd.ReadAt(buf, int64(addr))
	if n == 0 {
		// A zero-length read can mean the fd went stale across an
		// execve rather than the range being unmapped. Reopen once and
		// retry before believing it.
		if rerr := t.openMemFd(); rerr == nil {
			n, err = t.as.memFd.ReadAt(buf, int64(addr))
		}
	}
	if n == len(buf) {
		return n, nil
	}
	if n > 0 {
		return n, nil
	}
	if err == nil {
		err = syscall.EIO
	}
	return 0, err
}

// ReadBytesChecked reads exactly len(buf) bytes from addr.
func (t *Task) ReadBytesChecked(addr Address, buf []byte) error {
	n, err := t.ReadBytesFallible(addr, buf)
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = syscall.EIO
	}
	return fmt.Errorf("read of %d bytes at %#x in %s fell short at %d: %v",
		len(buf), addr, t, n, err)
}

// ReadBytes reads exactly len(buf) bytes from addr or aborts.
func (t *Task) ReadBytes(addr Address, buf []byte) {
	if err := t.ReadBytesChecked(addr, buf); err != nil {
		t.fatalf("%v", err)
	}
}

// ReadCString reads a NUL-terminated string starting at addr. Reads
// stop at page boundaries so a string that ends just before an unmapped
// page is still retrieved.
func (t *Task) ReadCString(addr Address) string {
	var out []byte
	for {
		end := (addr + pageSize).RoundDownToPage()
		chunk := make([]byte, end-addr)
		n, err := t.ReadBytesFallible(addr, chunk)
		if n == 0 {
			t.fatalf("could not read C string at %#x: %v", addr, err)
		}
		for i := 0; i < n; i++ {
			if chunk[i] == 0 {
				return string(append(out, chunk[:i]...))
			}
		}
		out = append(out, chunk[:n]...)
		if n < len(chunk) {
			t.fatalf("unterminated C string at %#x", addr)
		}
		addr = end
	}
}

// ReadWord reads one pointer-sized little-endian word.
func (t *Task) ReadWord(addr Address) uint64 {
	var buf [8]byte
	t.ReadBytes(addr, buf[:t.arch.PtrSize])
	var v uint64
	for i := t.arch.PtrSize - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

// WriteBytesChecked writes buf at addr, falling back through
// successively more forceful mechanisms, and invalidates any cached
// decode state covering the range.
func (t *Task) WriteBytesChecked(addr Address, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := t.safePwrite(addr, buf)
	if n != len(buf) {
		if err == nil {
			err = syscall.EIO
		}
		return fmt.Errorf("write of %d bytes at %#x in %s fell short at %d: %v",
			len(buf), addr, t, n, err)
	}
	if t.as != nil {
		t.as.notifyWritten(addr, len(buf))
	}
	return nil
}

// WriteBytes writes buf at addr or aborts.
func (t *Task) WriteBytes(addr Address, buf []byte) {
	if err := t.WriteBytesChecked(addr, buf); err != nil {
		t.fatalf("%v", err)
	}
}

// WriteBytesOK writes buf at addr, reporting success instead of
// aborting.
func (t *Task) WriteBytesOK(addr Address, buf []byte) bool {
	return t.WriteBytesChecked(addr, buf) == nil
}

// safePwrite writes through the mem fd. Ranges that lack PROT_WRITE are
// temporarily opened up with remote mprotect calls, since kernels that
// honor CONFIG_STRICT side restrictions refuse FOLL_FORCE writes.
func (t *Task) safePwrite(addr Address, buf []byte) (int, error) {
	var reprotect []Mapping
	if t.as != nil {
		r := MemRange{Addr: addr, Length: len(buf)}
		for _, m := range t.as.mappings {
			if m.Intersects(r) && m.Prot&sys.PROT_WRITE == 0 {
				reprotect = append(reprotect, m)
			}
		}
	}
	if len(reprotect) > 0 && t.stopped && !t.remoteActive {
		r := t.beginRemoteSyscalls()
		for _, m := range reprotect {
			r.infallibleSyscall(t.arch.SysMprotect, uint64(m.Addr), uint64(m.Length),
				uint64(m.Prot|sys.PROT_WRITE))
		}
		n, err := t.pwriteRaw(addr, buf)
		for _, m := range reprotect {
			r.infallibleSyscall(t.arch.SysMprotect, uint64(m.Addr), uint64(m.Length),
				uint64(m.Prot))
		}
		r.restore()
		return n, err
	}
	return t.pwriteRaw(addr, buf)
}

// pwriteRaw writes through the mem fd, with a ptrace fallback and, for
// EPERM on specific pages, the page replacement hack.
func (t *Task) pwriteRaw(addr Address, buf []byte) (int, error) {
	if t.as == nil || t.as.memFd == nil {
		return t.writeBytesPtrace(addr, buf)
	}
	n, err := t.as.memFd.WriteAt(buf, int64(addr))
	if n == len(buf) {
		return n, nil
	}
	if pe, ok := err.(*os.PathError); ok && pe.Err == syscall.EPERM && t.stopped && !t.remoteActive {
		// Writes into pages the kernel refuses to force (some
		// driver-backed or sealed mappings) can still be done by
		// replacing the pages wholesale.
		if rerr := t.tryReplacePages(addr, buf); rerr == nil {
			return len(buf), nil
		}
	}
	if n > 0 {
		return n, err
	}
	return t.writeBytesPtrace(addr, buf)
}

// readBytesPtrace reads via PTRACE_PEEKDATA, word at a time.
func (t *Task) readBytesPtrace(addr Address, buf []byte) (int, error) {
	var n int
	var err error
	t.pt.exec(func() { n, err = sys.PtracePeekData(t.Tid, uintptr(addr), buf) })
	return n, err
}

// writeBytesPtrace writes via PTRACE_POKEDATA, word at a time.
func (t *Task) writeBytesPtrace(addr Address, buf []byte) (int, error) {
	var n int
	var err error
	t.pt.exec(func() { n, err = sys.PtracePokeData(t.Tid, uintptr(addr), buf) })
	return n, err
}

// tryReplacePages rewrites the pages covering [addr, addr+len(buf)) by
// mapping a private copy over them: copy out each page, apply the
// write, mmap a temp file with the merged contents at the same place.
func (t *Task) tryReplacePages(addr Address, buf []byte) error {
	start := addr.RoundDownToPage()
	end := addr.Add(len(buf)).RoundUpToPage()
	length := int(end - start)

	m, ok := t.as.MappingOf(addr)
	if !ok {
		return syscall.EFAULT
	}

	pages := make([]byte, length)
	if err := t.ReadBytesChecked(start, pages); err != nil {
		return err
	}
	copy(pages[addr-start:], buf)

	f, err := ioutil.TempFile("", "retrace-pages")
	if err != nil {
		return err
	}
	path := f.Name()
	defer os.Remove(path)
	defer f.Close()
	if _, err := f.Write(pages); err != nil {
		return err
	}

	r := t.beginRemoteSyscalls()
	defer r.restore()
	childFd, err := r.openInChild(path, sys.O_RDONLY)
	if err != nil {
		return err
	}
	res := r.syscall(t.arch.SysMmap, uint64(start), uint64(length),
		uint64(m.Prot), uint64(sys.MAP_PRIVATE|sys.MAP_FIXED), uint64(childFd), 0)
	r.infallibleSyscall(t.arch.SysClose, uint64(childFd))
	if res < 0 {
		return syscall.Errno(-res)
	}
	if logflags.Task() {
		logflags.TaskLogger().Debugf("replaced %d pages at %#x in %s", length/int(pageSize), start, t)
	}
	return nil
}
