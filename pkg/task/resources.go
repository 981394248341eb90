package task

import (
	"bytes"
	"os"
	"sort"

	lru "github.com/hashicorp/golang-lru"
	"github.com/retracehq/retrace/pkg/task/amd64util"
	"golang.org/x/arch/x86/x86asm"
)

// TaskGroup models a thread group. Tgid is the identity the tracee
// believes it has (which during replay differs from the identity the
// kernel hands out); RealTgid is the kernel's.
type TaskGroup struct {
	Tgid     int
	RealTgid int

	tasks map[*Task]bool
}

func newTaskGroup(tgid, realTgid int) *TaskGroup {
	return &TaskGroup{Tgid: tgid, RealTgid: realTgid, tasks: make(map[*Task]bool)}
}

func (tg *TaskGroup) insertTask(t *Task) { tg.tasks[t] = true }
func (tg *TaskGroup) eraseTask(t *Task)  { delete(tg.tasks, t) }

// Empty reports whether no live task remains in the group.
func (tg *TaskGroup) Empty() bool { return len(tg.tasks) == 0 }

// Tasks returns the current members.
func (tg *TaskGroup) Tasks() []*Task {
	out := make([]*Task, 0, len(tg.tasks))
	for t := range tg.tasks {
		out = append(out, t)
	}
	return out
}

// Mapping describes one region of a traced address space.
type Mapping struct {
	MemRange
	Prot   int
	Flags  int
	Offset int64
	Fsname string
}

// insnLenCacheSize bounds the per-address-space decode cache. Entries
// are a few bytes each; the bound exists to survive pathological
// self-modifying tracees, not for memory pressure.
const insnLenCacheSize = 4096

// breakpoint is an injected software breakpoint and the instruction
// bytes it displaced.
type breakpoint struct {
	addr     Address
	saved    []byte
	useCount int
}

// watchpointState is a hardware watchpoint plus the bookkeeping needed
// to tell "stopped near a watchpoint" from "watched value changed".
type watchpointState struct {
	amd64util.Watch
	lastValue []byte
	changed   bool
}

// AddressSpace models one mm shared by some set of tasks. It carries
// the tracer-side mapping table, software breakpoints, hardware
// watchpoints, the /proc/pid/mem handle, and a small instruction-length
// cache used when stepping over injected instructions.
type AddressSpace struct {
	tasks map[*Task]bool

	exe       string
	execCount int

	memFd *os.File

	mappings    []Mapping // sorted by Addr
	breakpoints map[Address]*breakpoint
	watchpoints []*watchpointState

	insnLens *lru.Cache

	// firstRunEvent is the trace time of the first event that ran in
	// this address space, zero until then.
	firstRunEvent uint32
}

func newAddressSpace(exe string, execCount int) *AddressSpace {
	cache, _ := lru.New(insnLenCacheSize)
	return &AddressSpace{
		tasks:       make(map[*Task]bool),
		exe:         exe,
		execCount:   execCount,
		breakpoints: make(map[Address]*breakpoint),
		insnLens:    cache,
	}
}

func (as *AddressSpace) insertTask(t *Task) { as.tasks[t] = true }
func (as *AddressSpace) eraseTask(t *Task)  { delete(as.tasks, t) }

// Empty reports whether no task uses this address space.
func (as *AddressSpace) Empty() bool { return len(as.tasks) == 0 }

// Tasks returns the tasks sharing this address space.
func (as *AddressSpace) Tasks() []*Task {
	out := make([]*Task, 0, len(as.tasks))
	for t := range as.tasks {
		out = append(out, t)
	}
	return out
}

// Exe returns the executable that created this address space.
func (as *AddressSpace) Exe() string { return as.exe }

// ExecCount returns how many execs this process identity has done.
func (as *AddressSpace) ExecCount() int { return as.execCount }

// FirstRunEvent returns the trace time this space first ran, or 0.
func (as *AddressSpace) FirstRunEvent() uint32 { return as.firstRunEvent }

// SetFirstRunEvent records the trace time this space first ran.
func (as *AddressSpace) SetFirstRunEvent(time uint32) { as.firstRunEvent = time }

// someTask returns an arbitrary member task, or nil.
func (as *AddressSpace) someTask() *Task {
	for t := range as.tasks {
		return t
	}
	return nil
}

// mappingIndex returns the index of the mapping containing addr, or -1.
func (as *AddressSpace) mappingIndex(addr Address) int {
	i := sort.Search(len(as.mappings), func(i int) bool {
		return as.mappings[i].End() > addr
	})
	if i < len(as.mappings) && as.mappings[i].Contains(addr) {
		return i
	}
	return -1
}

// MappingOf returns the mapping containing addr.
func (as *AddressSpace) MappingOf(addr Address) (Mapping, bool) {
	if i := as.mappingIndex(addr); i >= 0 {
		return as.mappings[i], true
	}
	return Mapping{}, false
}

// Map records a new mapping, unmapping anything it replaces.
func (as *AddressSpace) Map(addr Address, length int, prot, flags int, offset int64, fsname string) {
	length = int(Address(length).RoundUpToPage())
	as.Unmap(addr, length)
	m := Mapping{MemRange: MemRange{Addr: addr, Length: length},
		Prot: prot, Flags: flags, Offset: offset, Fsname: fsname}
	i := sort.Search(len(as.mappings), func(i int) bool {
		return as.mappings[i].Addr >= addr
	})
	as.mappings = append(as.mappings, Mapping{})
	copy(as.mappings[i+1:], as.mappings[i:])
	as.mappings[i] = m
}

// Unmap removes [addr, addr+length) from the mapping table, splitting
// mappings that straddle the boundary.
func (as *AddressSpace) Unmap(addr Address, length int) {
	length = int(Address(length).RoundUpToPage())
	r := MemRange{Addr: addr, Length: length}
	var out []Mapping
	for _, m := range as.mappings {
		if !m.Intersects(r) {
			out = append(out, m)
			continue
		}
		if m.Addr < r.Addr {
			head := m
			head.Length = int(r.Addr - m.Addr)
			out = append(out, head)
		}
		if m.End() > r.End() {
			tail := m
			skipped := int(r.End() - m.Addr)
			tail.Addr = r.End()
			tail.Length = m.Length - skipped
			if m.Flags&mapAnonymous == 0 {
				tail.Offset += int64(skipped)
			}
			out = append(out, tail)
		}
	}
	as.mappings = out
}

// Protect applies a protection change to [addr, addr+length).
func (as *AddressSpace) Protect(addr Address, length, prot int) {
	length = int(Address(length).RoundUpToPage())
	r := MemRange{Addr: addr, Length: length}
	// Split off the affected subranges, then rewrite their prot.
	var out []Mapping
	for _, m := range as.mappings {
		if !m.Intersects(r) {
			out = append(out, m)
			continue
		}
		if m.Addr < r.Addr {
			head := m
			head.Length = int(r.Addr - m.Addr)
			out = append(out, head)
		}
		mid := m
		if mid.Addr < r.Addr {
			adj := int(r.Addr - mid.Addr)
			mid.Addr = r.Addr
			mid.Length -= adj
			if m.Flags&mapAnonymous == 0 {
				mid.Offset += int64(adj)
			}
		}
		if mid.End() > r.End() {
			cut := int(mid.End() - r.End())
			tail := mid
			skipped := mid.Length - cut
			tail.Addr = r.End()
			tail.Length = cut
			if m.Flags&mapAnonymous == 0 {
				tail.Offset += int64(skipped)
			}
			mid.Length = skipped
			mid.Prot = prot
			out = append(out, mid, tail)
		} else {
			mid.Prot = prot
			out = append(out, mid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	as.mappings = out
}

// Remap moves or resizes a mapping, mremap-style.
func (as *AddressSpace) Remap(oldAddr Address, oldLength int, newAddr Address, newLength int) {
	m, ok := as.MappingOf(oldAddr)
	if !ok {
		return
	}
	as.Unmap(oldAddr, oldLength)
	as.Map(newAddr, newLength, m.Prot, m.Flags, m.Offset, m.Fsname)
}

const mapAnonymous = 0x20

// notifyWritten invalidates decode state covering a written range.
// Breakpoint contents are tracked separately; only the length cache
// needs purging.
func (as *AddressSpace) notifyWritten(addr Address, length int) {
	if as.insnLens.Len() == 0 {
		return
	}
	r := MemRange{Addr: addr, Length: length}
	for _, k := range as.insnLens.Keys() {
		ka := k.(Address)
		// Longest x86 instruction is 15 bytes.
		if (MemRange{Addr: ka, Length: 15}).Intersects(r) {
			as.insnLens.Remove(k)
		}
	}
}

// InstructionLengthAt decodes the instruction at addr in t and returns
// its length. Results are cached per address space until a write lands
// nearby.
func (as *AddressSpace) InstructionLengthAt(t *Task, addr Address) (int, error) {
	if v, ok := as.insnLens.Get(addr); ok {
		return v.(int), nil
	}
	var buf [15]byte
	n, err := t.ReadBytesFallible(addr, buf[:])
	if n == 0 {
		return 0, err
	}
	insn, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return 0, err
	}
	as.insnLens.Add(addr, insn.Len)
	return insn.Len, nil
}

// BreakpointAt reports whether a software breakpoint is installed at
// addr.
func (as *AddressSpace) BreakpointAt(addr Address) bool {
	_, ok := as.breakpoints[addr]
	return ok
}

// AddBreakpoint injects a breakpoint instruction at addr, via t.
func (as *AddressSpace) AddBreakpoint(t *Task, addr Address) error {
	if bp, ok := as.breakpoints[addr]; ok {
		bp.useCount++
		return nil
	}
	arch := t.Arch()
	saved := make([]byte, arch.BreakpointInstrLen())
	if err := t.ReadBytesChecked(addr, saved); err != nil {
		return err
	}
	if err := t.WriteBytesChecked(addr, arch.BreakpointInstruction); err != nil {
		return err
	}
	as.breakpoints[addr] = &breakpoint{addr: addr, saved: saved, useCount: 1}
	return nil
}

// RemoveBreakpoint undoes AddBreakpoint once its use count drops to
// zero.
func (as *AddressSpace) RemoveBreakpoint(t *Task, addr Address) {
	bp, ok := as.breakpoints[addr]
	if !ok {
		return
	}
	bp.useCount--
	if bp.useCount > 0 {
		return
	}
	delete(as.breakpoints, addr)
	t.WriteBytesOK(addr, bp.saved)
}

// IsBreakpointInstruction reports whether the memory at addr holds a
// breakpoint instruction, whether we put it there or the tracee did.
func (as *AddressSpace) IsBreakpointInstruction(t *Task, addr Address) bool {
	if as.BreakpointAt(addr) {
		return true
	}
	arch := t.Arch()
	buf := make([]byte, arch.BreakpointInstrLen())
	if n, _ := t.ReadBytesFallible(addr, buf); n < len(buf) {
		return false
	}
	return bytes.Equal(buf, arch.BreakpointInstruction)
}

// SetWatchpoints replaces the hardware watchpoint set for every task in
// this address space. It either arms all of them everywhere or leaves
// all debug registers cleared, and snapshots the watched values so trap
// classification can later tell whether anything changed.
func (as *AddressSpace) SetWatchpoints(ws []amd64util.Watch) bool {
	states := make([]*watchpointState, 0, len(ws))
	for _, w := range ws {
		states = append(states, &watchpointState{Watch: w})
	}
	ok := true
	for t := range as.tasks {
		if !t.SetDebugRegs(ws) {
			ok = false
			break
		}
	}
	if !ok {
		for t := range as.tasks {
			t.SetDebugRegs(nil)
		}
		as.watchpoints = nil
		return false
	}
	as.watchpoints = states
	if t := as.someTask(); t != nil {
		as.snapshotWatchedValues(t)
	}
	return true
}

// ClearWatchpoints removes every hardware watchpoint.
func (as *AddressSpace) ClearWatchpoints() {
	for t := range as.tasks {
		t.SetDebugRegs(nil)
	}
	as.watchpoints = nil
}

// Watchpoints returns the armed watchpoints.
func (as *AddressSpace) Watchpoints() []amd64util.Watch {
	out := make([]amd64util.Watch, 0, len(as.watchpoints))
	for _, ws := range as.watchpoints {
		out = append(out, ws.Watch)
	}
	return out
}

func (as *AddressSpace) snapshotWatchedValues(t *Task) {
	for _, ws := range as.watchpoints {
		if ws.Type == amd64util.WatchExec {
			continue
		}
		buf := make([]byte, ws.NumBytes)
		if n, _ := t.ReadBytesFallible(Address(ws.Addr), buf); n == len(buf) {
			ws.lastValue = buf
		} else {
			ws.lastValue = nil
		}
	}
}

// notifyWatchpointFired marks watchpoints reported in debugStatus as
// fired and re-reads their values through t. It returns true if any
// write watchpoint actually observed a change, or any armed exec or
// read watchpoint fired.
func (as *AddressSpace) notifyWatchpointFired(t *Task, debugStatus uint64) bool {
	fired := false
	for i, ws := range as.watchpoints {
		if i >= amd64util.NumWatchpoints || debugStatus&(1<<uint(i)) == 0 {
			continue
		}
		switch ws.Type {
		case amd64util.WatchExec, amd64util.WatchReadWrite:
			ws.changed = true
			fired = true
		case amd64util.WatchWrite:
			if as.watchValueChanged(t, ws) {
				ws.changed = true
				fired = true
			}
		}
	}
	return fired
}

// hasAnyWatchpointChanges re-reads every write watchpoint and reports
// whether any watched value differs from its snapshot. Used when the
// hardware status is ambiguous, as after a single-step that may have
// both stepped and hit a watchpoint.
func (as *AddressSpace) hasAnyWatchpointChanges(t *Task) bool {
	changed := false
	for _, ws := range as.watchpoints {
		if ws.changed {
			changed = true
			continue
		}
		if ws.Type == amd64util.WatchExec {
			continue
		}
		if as.watchValueChanged(t, ws) {
			ws.changed = true
			changed = true
		}
	}
	return changed
}

// hasExecWatchpointFired reports whether an exec watchpoint is armed at
// ip.
func (as *AddressSpace) hasExecWatchpointFired(ip Address) bool {
	for _, ws := range as.watchpoints {
		if ws.Type == amd64util.WatchExec && Address(ws.Addr) == ip {
			return true
		}
	}
	return false
}

// ConsumeWatchpointChanges returns and clears the fired flags.
func (as *AddressSpace) ConsumeWatchpointChanges() []amd64util.Watch {
	var out []amd64util.Watch
	for _, ws := range as.watchpoints {
		if ws.changed {
			out = append(out, ws.Watch)
			ws.changed = false
		}
	}
	return out
}

func (as *AddressSpace) watchValueChanged(t *Task, ws *watchpointState) bool {
	buf := make([]byte, ws.NumBytes)
	if n, _ := t.ReadBytesFallible(Address(ws.Addr), buf); n != len(buf) {
		return false
	}
	if ws.lastValue != nil && bytes.Equal(buf, ws.lastValue) {
		return false
	}
	ws.lastValue = buf
	return true
}

// clone duplicates the tracer-side space model for a fork child. The
// child kernel state is already a copy; breakpoints and their saved
// bytes carry over, watchpoints do not survive into the child's debug
// registers and must be rearmed by the caller if wanted.
func (as *AddressSpace) clone(exe string) *AddressSpace {
	child := newAddressSpace(exe, as.execCount)
	child.mappings = append([]Mapping(nil), as.mappings...)
	for addr, bp := range as.breakpoints {
		child.breakpoints[addr] = &breakpoint{
			addr:     addr,
			saved:    append([]byte(nil), bp.saved...),
			useCount: bp.useCount,
		}
	}
	return child
}

// destroy closes tracer-side handles once the last task is gone.
func (as *AddressSpace) destroy() {
	if as.memFd != nil {
		as.memFd.Close()
		as.memFd = nil
	}
	as.insnLens.Purge()
}
