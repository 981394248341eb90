package task

import (
	"syscall"

	"github.com/retracehq/retrace/pkg/task/amd64util"
)

// Offset of u_debugreg[0] in the kernel's struct user on amd64.
const debugRegUserOffset = 848

func drUserWordOffset(i int) uintptr {
	return uintptr(debugRegUserOffset + 8*i)
}

// TrapReasons explains a SIGTRAP: any combination of the three causes
// may hold at once, and consumers handle them in this order.
type TrapReasons struct {
	// Singlestep means a single-step completed. Hardware may fold this
	// into the same trap as a watchpoint hit.
	Singlestep bool
	// Watchpoint means a hardware watchpoint fired.
	Watchpoint bool
	// Breakpoint means a breakpoint instruction executed.
	Breakpoint bool
}

// DebugStatus reads DR6.
func (t *Task) DebugStatus() uint64 {
	var v uintptr
	var err error
	t.pt.exec(func() { v, err = ptracePeekUser(t.Tid, drUserWordOffset(6)) })
	if err != nil {
		return 0
	}
	return uint64(v)
}

// SetDebugStatus writes DR6. Cleared before every resume so stale hit
// bits never bleed into the next stop's classification.
func (t *Task) SetDebugStatus(status uint64) {
	t.pt.exec(func() { ptracePokeUser(t.Tid, drUserWordOffset(6), uintptr(status)) })
}

// GetDebugReg reads debug register i.
func (t *Task) GetDebugReg(i int) uint64 {
	var v uintptr
	var err error
	t.pt.exec(func() { v, err = ptracePeekUser(t.Tid, drUserWordOffset(i)) })
	if err != nil {
		return 0
	}
	return uint64(v)
}

// SetDebugRegs programs the full hardware watchpoint set, replacing
// whatever was armed. On any failure, including asking for more
// watchpoints than the hardware has, every debug register is left
// cleared and false is returned.
func (t *Task) SetDebugRegs(ws []amd64util.Watch) bool {
	// Disarm first so partially applied state can never fire. A failed
	// install must leave every debug register reading back zero, the
	// address slots included.
	clearDr := func() {
		t.pt.exec(func() {
			for i := 0; i < amd64util.NumWatchpoints; i++ {
				ptracePokeUser(t.Tid, drUserWordOffset(i), 0)
			}
			ptracePokeUser(t.Tid, drUserWordOffset(6), 0)
			ptracePokeUser(t.Tid, drUserWordOffset(7), 0)
		})
	}
	clearDr()
	if len(ws) > amd64util.NumWatchpoints {
		return false
	}

	var drs amd64util.DebugRegisters
	for i, w := range ws {
		if err := drs.Install(uint8(i), w); err != nil {
			clearDr()
			return false
		}
	}
	ok := true
	t.pt.exec(func() {
		for i := range ws {
			if err := ptracePokeUser(t.Tid, drUserWordOffset(i), uintptr(drs.Addrs[i])); err != nil {
				ok = false
				return
			}
		}
		if err := ptracePokeUser(t.Tid, drUserWordOffset(7), uintptr(drs.DR7)); err != nil {
			ok = false
		}
	})
	if !ok {
		clearDr()
		return false
	}
	return true
}

// ComputeTrapReasons classifies the SIGTRAP the task is stopped on.
// Must only be called at a SIGTRAP stop.
func (t *Task) ComputeTrapReasons() TrapReasons {
	if t.PendingSig() != syscall.SIGTRAP {
		t.fatalf("classifying a stop that is not a SIGTRAP")
	}
	var reasons TrapReasons
	status := t.DebugStatus()
	t.SetDebugStatus(0)

	reasons.Singlestep = status&amd64util.DSSingleStep != 0
	reasons.Watchpoint = t.as.notifyWatchpointFired(t, status&amd64util.DSWatchpointAny)
	if reasons.Singlestep && !reasons.Watchpoint {
		// Debug-status watchpoint bits are unreliable when the same
		// instruction both completed a step and wrote watched memory.
		// Trust the values, not the hardware.
		reasons.Watchpoint = t.as.hasAnyWatchpointChanges(t) ||
			t.as.hasExecWatchpointFired(t.IP())
	}

	ipAtBreakpoint := t.IP().Add(-t.arch.BreakpointInstrLen())
	switch {
	case reasons.Singlestep:
		// A step that started on an injected breakpoint executed it, so
		// the resume address is where the breakpoint instruction lives.
		reasons.Breakpoint = t.as.IsBreakpointInstruction(t, t.addressOfLastResume)
	case reasons.Watchpoint:
		// Hardware evidence already explains the trap. It can still
		// carry a breakpoint only when an exec watchpoint sits on the
		// breakpoint instruction itself.
		reasons.Breakpoint = t.as.hasExecWatchpointFired(ipAtBreakpoint) &&
			t.as.IsBreakpointInstruction(t, ipAtBreakpoint)
	default:
		// No hardware evidence; fall back to the signal source code,
		// which is the unreliable part across kernel and hypervisor
		// combinations. Both codes report the stop after the breakpoint
		// instruction executed.
		si := t.PendingSiginfo()
		if si != nil && si.Signo == int32(syscall.SIGTRAP) &&
			(si.Code == siKernel || si.Code == trapBrkpt) {
			reasons.Breakpoint = t.as.IsBreakpointInstruction(t, ipAtBreakpoint)
		}
	}
	return reasons
}

// MoveIPBeforeBreakpoint rewinds the instruction pointer over the
// breakpoint instruction that just executed.
func (t *Task) MoveIPBeforeBreakpoint() {
	regs := t.Registers()
	regs.SetIP(regs.IP().Add(-t.arch.BreakpointInstrLen()))
	t.SetRegisters(regs)
}
