package task

import (
	sys "golang.org/x/sys/unix"
)

// CapturedState is everything a task carries that survives being
// re-created in another process, as happens when replay must rebuild a
// tracee tree. It is plain data: capturing has no side effects and the
// capture can outlive the source task.
type CapturedState struct {
	RecTid int
	Serial uint32

	Regs      Registers
	ExtraRegs ExtraRegisters

	Prname      string
	ThreadAreas []UserDesc

	SbufChildAddr  Address
	SbufSize       int
	SbufContents   []byte
	DeschedFdChild int

	ScratchPtr  Address
	ScratchSize int

	TopOfStack Address
	Ticks      uint64
	WaitStatus sys.WaitStatus
}

// CaptureState snapshots the task.
func (t *Task) CaptureState() CapturedState {
	st := CapturedState{
		RecTid:         t.RecTid,
		Serial:         t.Serial,
		Regs:           t.Registers(),
		Prname:         t.prname,
		ThreadAreas:    append([]UserDesc(nil), t.threadAreas...),
		DeschedFdChild: t.deschedFdChild,
		ScratchPtr:     t.scratchPtr,
		ScratchSize:    t.scratchSize,
		TopOfStack:     t.topOfStack,
		Ticks:          t.Ticks,
		WaitStatus:     t.waitStatus,
	}
	er := t.ExtraRegs()
	st.ExtraRegs = ExtraRegisters{Format: er.Format, Data: append([]byte(nil), er.Data...)}
	if t.sbuf != nil {
		st.SbufChildAddr = t.sbuf.childAddr
		st.SbufSize = t.sbuf.size
		if t.sbuf.local != nil {
			st.SbufContents = append([]byte(nil), t.sbuf.local...)
		}
	}
	return st
}

// CopyState applies a captured state to this task, making it
// indistinguishable (to the trace machinery) from the task the state
// came from. The task must be stopped.
func (t *Task) CopyState(st *CapturedState) {
	t.assertStopped("CopyState")

	t.RecTid = st.RecTid
	t.Serial = st.Serial
	t.SetRegisters(st.Regs)
	if !st.ExtraRegs.Empty() {
		t.SetExtraRegs(&st.ExtraRegs)
	}
	t.threadAreas = append([]UserDesc(nil), st.ThreadAreas...)
	t.topOfStack = st.TopOfStack
	t.scratchPtr = st.ScratchPtr
	t.scratchSize = st.ScratchSize
	t.Ticks = st.Ticks
	t.waitStatus = st.WaitStatus
	t.deschedFdChild = st.DeschedFdChild

	if st.Prname != "" {
		t.setPrnameRemote(st.Prname)
	}

	if !st.SbufChildAddr.IsNull() {
		if err := t.InitSyscallBuffer(st.SbufSize, st.SbufChildAddr); err != nil {
			t.fatalf("could not rebuild syscall buffer: %v", err)
		}
		if t.sbuf.childAddr != st.SbufChildAddr {
			t.fatalf("syscall buffer moved from %#x to %#x across state copy",
				st.SbufChildAddr, t.sbuf.childAddr)
		}
		copy(t.sbuf.local, st.SbufContents)
	}

	// Register state was overwritten by the buffer setup machinery;
	// the captured file is authoritative.
	t.SetRegisters(st.Regs)
}

// setPrnameRemote pushes a comm name into the tracee via prctl.
func (t *Task) setPrnameRemote(name string) {
	if len(name) >= prnameMaxLen {
		name = name[:prnameMaxLen-1]
	}
	r := t.beginRemoteSyscalls()
	addr := r.pushCString(name)
	r.infallibleSyscall(t.arch.SysPrctl, prSetName, uint64(addr))
	r.restore()
	t.prname = name
}
