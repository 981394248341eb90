package amd64util

import (
	"errors"
	"fmt"
)

// NumWatchpoints is the number of hardware watchpoint slots (DR0-DR3)
// described in the Intel 64 and IA-32 Architectures Software Developer's
// Manual, Vol. 3B, section 17.2.
const NumWatchpoints = 4

// Debug status register (DR6) bits.
const (
	// DSWatchpointAny covers the four watchpoint-hit condition bits.
	DSWatchpointAny = 0xf
	// DSSingleStep is the BS flag, set after a single-step trap.
	DSSingleStep = 1 << 14
)

// WatchType is the DR7 type field for one watchpoint.
type WatchType uint8

const (
	// WatchExec traps on instruction execution.
	WatchExec WatchType = 0x0
	// WatchWrite traps on data writes.
	WatchWrite WatchType = 0x1
	// WatchReadWrite traps on data reads and writes.
	WatchReadWrite WatchType = 0x3
)

// Watch is one requested hardware watchpoint.
type Watch struct {
	Addr     uint64
	NumBytes int
	Type     WatchType
}

// DebugRegisters is the tracer-side image of a thread's x86 debug
// registers. Dirty is set whenever the image diverges from what was read
// from the thread, signalling that it must be written back.
type DebugRegisters struct {
	Addrs    [NumWatchpoints]uint64
	DR6, DR7 uint64
	Dirty    bool
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

func lenBits(numBytes int) (uint64, error) {
	switch numBytes {
	case 1:
		return 0x0, nil
	case 2:
		return 0x1, nil
	case 8:
		return 0x2, nil // sic
	case 4:
		return 0x3, nil
	}
	return 0, fmt.Errorf("data breakpoint of size %d not supported", numBytes)
}

// Install arms slot idx with w. The slot must be free; exceeding the
// slot count or an unsupported length is an error and leaves the image
// untouched, allowing the caller to guarantee all-or-nothing semantics
// by clearing first and aborting on the first failure.
func (drs *DebugRegisters) Install(idx uint8, w Watch) error {
	if int(idx) >= NumWatchpoints {
		return errors.New("hardware watchpoints exhausted")
	}
	if drs.DR7&(1<<enableBitOffset(idx)) != 0 {
		return fmt.Errorf("watchpoint slot %d already in use (address %#x)", idx, drs.Addrs[idx])
	}
	length, err := lenBits(w.NumBytes)
	if err != nil {
		return err
	}
	if w.Type != WatchExec && w.Type != WatchWrite && w.Type != WatchReadWrite {
		return fmt.Errorf("unsupported watch type %#x", w.Type)
	}
	if w.Type == WatchExec && w.NumBytes != 1 {
		return errors.New("execution watchpoints must cover exactly one byte")
	}

	drs.Addrs[idx] = w.Addr
	drs.DR7 &^= 0xf << lenrwBitsOffset(idx)
	drs.DR7 |= (uint64(w.Type) | length<<2) << lenrwBitsOffset(idx)
	drs.DR7 |= 1 << enableBitOffset(idx) // local enable
	drs.Dirty = true
	return nil
}

// Watchpoint returns the watchpoint armed at slot idx.
func (drs *DebugRegisters) Watchpoint(idx uint8) (Watch, bool) {
	if int(idx) >= NumWatchpoints || drs.DR7&(1<<enableBitOffset(idx)) == 0 {
		return Watch{}, false
	}
	lenrw := (drs.DR7 >> lenrwBitsOffset(idx)) & 0xf
	w := Watch{
		Addr: drs.Addrs[idx],
		Type: WatchType(lenrw & 0x3),
	}
	switch lenrw >> 2 {
	case 0x0:
		w.NumBytes = 1
	case 0x1:
		w.NumBytes = 2
	case 0x2:
		w.NumBytes = 8
	case 0x3:
		w.NumBytes = 4
	}
	return w, true
}

// ClearAll disarms every slot and resets the condition bits. The caller
// relies on this running before any install so that a failed install
// leaves zero watchpoints armed.
func (drs *DebugRegisters) ClearAll() {
	for i := range drs.Addrs {
		drs.Addrs[i] = 0
	}
	drs.DR6 = 0
	drs.DR7 = 0
	drs.Dirty = true
}

// ActiveWatchpoint returns the lowest slot whose condition bit is set in
// DR6 and clears the condition bits; clearing them is the tracer's job.
func (drs *DebugRegisters) ActiveWatchpoint() (uint8, bool) {
	for idx := uint8(0); idx < NumWatchpoints; idx++ {
		if drs.DR7&(1<<enableBitOffset(idx)) == 0 {
			continue
		}
		if drs.DR6&(1<<idx) != 0 {
			drs.DR6 &^= DSWatchpointAny
			drs.Dirty = true
			return idx, true
		}
	}
	return 0, false
}
