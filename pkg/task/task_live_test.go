package task

import (
	"bytes"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/retracehq/retrace/pkg/task/amd64util"
	"github.com/retracehq/retrace/pkg/ticks"
	sys "golang.org/x/sys/unix"
)

type testSession struct {
	recording bool
	serial    uint32
	ticks     uint64
	syscalls  int
	destroyed []*Task
	expired   int
}

func (s *testSession) IsRecording() bool                      { return s.recording }
func (s *testSession) IsReplaying() bool                      { return !s.recording }
func (s *testSession) IsIgnoredSignal(sig syscall.Signal) bool { return false }
func (s *testSession) NextTaskSerial() uint32                 { s.serial++; return s.serial }
func (s *testSession) AccumulateTicks(n uint64)               { s.ticks += n }
func (s *testSession) AccumulateSyscallPerformed()            { s.syscalls++ }
func (s *testSession) OnTaskDestroy(t *Task)                  { s.destroyed = append(s.destroyed, t) }
func (s *testSession) Scheduler() Scheduler                   { return s }
func (s *testSession) ExpireTimeslice()                       { s.expired++ }

type testStream struct {
	exe  string
	argv []string
	cwd  string
}

func (ts *testStream) InitialExe() string    { return ts.exe }
func (ts *testStream) InitialArgv() []string { return ts.argv }
func (ts *testStream) InitialEnv() []string  { return []string{"PATH=/usr/bin:/bin"} }
func (ts *testStream) InitialCwd() string    { return ts.cwd }
func (ts *testStream) BoundCPU() int         { return -1 }
func (ts *testStream) Time() uint32          { return 1 }

func spawnTask(t *testing.T, sess *testSession, argv ...string) *Task {
	t.Helper()
	stream := &testStream{exe: argv[0], argv: argv, cwd: "/"}
	task, err := Spawn(sess, stream, nil, SpawnOptions{})
	if err != nil {
		t.Skipf("cannot spawn traced processes here: %v", err)
	}
	return task
}

func TestSpawnAndDestroy(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer func() {
		sys.Kill(task.Tid, sys.SIGKILL)
	}()

	if !task.IsStopped() {
		t.Error("freshly spawned task should be stopped")
	}
	if task.Tgid() != task.Tid || task.RealTgid() != task.Tid {
		t.Errorf("group ids = %d/%d, want both %d", task.Tgid(), task.RealTgid(), task.Tid)
	}
	if task.AddressSpace() == nil || task.FdTable() == nil {
		t.Fatal("spawned task missing shared resources")
	}
	if got := len(task.AddressSpace().Tasks()); got != 1 {
		t.Errorf("address space has %d members, want 1", got)
	}

	task.Destroy()
	if len(sess.destroyed) != 1 || sess.destroyed[0] != task {
		t.Error("session was not told about the destroy")
	}
}

func TestSpawnMissingExe(t *testing.T) {
	sess := &testSession{recording: true}
	stream := &testStream{exe: "retrace-no-such-binary", argv: []string{"retrace-no-such-binary"}, cwd: "/"}
	if _, err := Spawn(sess, stream, nil, SpawnOptions{}); err == nil {
		t.Fatal("spawning a nonexistent binary should fail")
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	// Straddle a page boundary at an unaligned offset near the stack
	// pointer, where memory is guaranteed mapped.
	sp := task.SP()
	addr := (sp - 3*pageSize).RoundDownToPage().Add(int(pageSize) - 7)
	payload := []byte("boundary-crossing-payload")

	saved := make([]byte, len(payload))
	task.ReadBytes(addr, saved)
	if err := task.WriteBytesChecked(addr, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(payload))
	task.ReadBytes(addr, got)
	if !bytes.Equal(got, payload) {
		t.Errorf("read back %q, want %q", got, payload)
	}
	task.WriteBytes(addr, saved)
}

func TestReadCString(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	addr := (task.SP() - 2*pageSize).RoundDownToPage()
	task.WriteBytes(addr, []byte("hello, tracee\x00trailing"))
	if got := task.ReadCString(addr); got != "hello, tracee" {
		t.Errorf("ReadCString = %q", got)
	}
}

func TestRemoteSyscall(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	r := task.beginRemoteSyscalls()
	got := r.infallibleSyscall(task.Arch().SysGettid)
	r.restore()

	if int(got) != task.Tid {
		t.Errorf("remote gettid = %d, want %d", got, task.Tid)
	}
	if sess.syscalls == 0 {
		t.Error("session syscall accounting did not move")
	}
	if !task.IsStopped() {
		t.Error("task should be stopped again after the remote frame")
	}
}

func TestRemoteSyscallRestoresState(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	before := task.Registers()
	insn := make([]byte, task.Arch().SyscallInstrLen())
	task.ReadBytes(before.IP(), insn)

	r := task.beginRemoteSyscalls()
	r.infallibleSyscall(task.Arch().SysGettid)
	r.restore()

	after := task.Registers()
	if before.IP() != after.IP() || before.SP() != after.SP() {
		t.Errorf("registers not restored: ip %#x->%#x sp %#x->%#x",
			before.IP(), after.IP(), before.SP(), after.SP())
	}
	insnAfter := make([]byte, len(insn))
	task.ReadBytes(before.IP(), insnAfter)
	if !bytes.Equal(insn, insnAfter) {
		t.Error("instruction bytes at the injection site not restored")
	}
}

func TestSyscallBufferLive(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	if err := task.InitSyscallBuffer(1<<16, 0); err != nil {
		t.Fatalf("InitSyscallBuffer: %v", err)
	}
	buf := task.SyscallBuffer()
	if buf.ChildAddr().IsNull() {
		t.Fatal("buffer has no tracee address")
	}
	if buf.NumRecBytes() != 0 {
		t.Errorf("fresh buffer claims %d record bytes", buf.NumRecBytes())
	}

	// The pages are shared: a write through the tracee must show up in
	// the tracer's view.
	task.WriteBytes(buf.ChildAddr().Add(sbufHdrSize), []byte{0xab})
	if buf.local[sbufHdrSize] != 0xab {
		t.Error("tracee write not visible through the shared mapping")
	}
	if task.SyscallBufferLocked() {
		t.Error("fresh buffer must not be locked")
	}

	task.DestroyBuffers()
	if task.HasSyscallBuffer() {
		t.Error("buffer still present after DestroyBuffers")
	}
}

func TestUnexpectedExitDetectedOnResume(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")

	sys.Kill(task.Tid, sys.SIGKILL)
	time.Sleep(100 * time.Millisecond)

	task.Resume(ResumeCont, ResumeWait, ResumeNoTicks, 0)
	if task.waitStatus.Stopped() {
		if task.PtraceEvent() != sys.PTRACE_EVENT_EXIT {
			t.Errorf("stop after SIGKILL carries event %d, want exit event", task.PtraceEvent())
		}
	} else if !task.waitStatus.Signaled() {
		t.Errorf("unexpected status %#x after SIGKILL", uint32(task.waitStatus))
	}
	task.MarkUnstable()
	task.Destroy()
}

func TestSetDebugRegsAllOrNothing(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	addr := uint64((task.SP() - 2*pageSize).RoundDownToPage())
	ws := []amd64util.Watch{
		{Addr: addr, NumBytes: 8, Type: amd64util.WatchWrite},
		{Addr: addr + 8, NumBytes: 4, Type: amd64util.WatchReadWrite},
	}
	if !task.SetDebugRegs(ws) {
		t.Fatal("arming two watchpoints should succeed")
	}
	if task.GetDebugReg(7) == 0 {
		t.Error("DR7 should be nonzero with watchpoints armed")
	}
	if got := task.GetDebugReg(0); got != addr {
		t.Errorf("DR0 = %#x, want %#x", got, addr)
	}

	// One more than the hardware has: everything must end up cleared.
	over := make([]amd64util.Watch, amd64util.NumWatchpoints+1)
	for i := range over {
		over[i] = amd64util.Watch{Addr: addr + uint64(16*i), NumBytes: 4, Type: amd64util.WatchWrite}
	}
	if task.SetDebugRegs(over) {
		t.Fatal("arming five watchpoints should fail")
	}
	if got := task.GetDebugReg(7); got != 0 {
		t.Errorf("DR7 = %#x after failed arm, want 0", got)
	}
	for i := 0; i < amd64util.NumWatchpoints; i++ {
		if got := task.GetDebugReg(i); got != 0 {
			t.Errorf("DR%d = %#x after failed arm, want 0", i, got)
		}
	}
}

func TestAddAndRemoveBreakpoint(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	ip := task.IP()
	as := task.AddressSpace()
	orig := make([]byte, task.Arch().BreakpointInstrLen())
	task.ReadBytes(ip, orig)

	if err := as.AddBreakpoint(task, ip); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}
	if !as.BreakpointAt(ip) {
		t.Error("breakpoint not registered")
	}
	if !as.IsBreakpointInstruction(task, ip) {
		t.Error("memory at breakpoint should decode as a breakpoint instruction")
	}

	as.RemoveBreakpoint(task, ip)
	got := make([]byte, len(orig))
	task.ReadBytes(ip, got)
	if !bytes.Equal(got, orig) {
		t.Error("original bytes not restored after breakpoint removal")
	}
}

func TestStoppedFlagAcrossResumeWait(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	if !task.IsStopped() {
		t.Fatal("task should be stopped right after spawn")
	}
	for i := 0; i < 3; i++ {
		task.Resume(ResumeSinglestep, ResumeNonblocking, ResumeNoTicks, 0)
		if task.IsStopped() {
			t.Fatalf("cycle %d: stopped flag still set after resume", i)
		}
		task.Wait(time.Second)
		if !task.IsStopped() {
			t.Fatalf("cycle %d: stopped flag clear after wait", i)
		}
	}
	task.Resume(ResumeSinglestep, ResumeWait, ResumeNoTicks, 0)
	if !task.IsStopped() {
		t.Error("stopped flag clear after a blocking resume")
	}
}

func TestWaitZeroUsesConfiguredInterrupt(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	task.waitInterrupt = 300 * time.Millisecond
	task.Resume(ResumeCont, ResumeNonblocking, ResumeNoTicks, 0)

	start := time.Now()
	task.Wait(0)
	elapsed := time.Since(start)

	if elapsed > 5*time.Second {
		t.Fatalf("wait took %v, interrupt never bounded it", elapsed)
	}
	if got := task.PendingSig(); got != ticks.TimeSliceSignal {
		t.Errorf("stop signal = %v, want the timeslice signal", got)
	}
	if sess.expired == 0 {
		t.Error("scheduler was not told to expire the timeslice")
	}
}

func TestResumeAtBreakpointKeepsRegisters(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	ip := task.IP()
	as := task.AddressSpace()
	if err := as.AddBreakpoint(task, ip); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}
	defer as.RemoveBreakpoint(task, ip)

	before := task.Registers()
	task.Resume(ResumeCont, ResumeWait, ResumeNoTicks, 0)
	if task.PendingSig() != syscall.SIGTRAP {
		t.Fatalf("re-executing the breakpoint stopped with %#x, not SIGTRAP",
			uint32(task.waitStatus))
	}
	reasons := task.ComputeTrapReasons()
	if !reasons.Breakpoint || reasons.Singlestep {
		t.Fatalf("reasons = %+v, want breakpoint only", reasons)
	}
	task.MoveIPBeforeBreakpoint()

	after := task.Registers()
	if diff := cmp.Diff(before.PtraceRegs, after.PtraceRegs); diff != "" {
		t.Errorf("registers changed across the breakpoint re-trap (-before +after):\n%s", diff)
	}
}

func TestTrapClassification(t *testing.T) {
	step := func(t *testing.T, task *Task) {
		t.Helper()
		task.Resume(ResumeSinglestep, ResumeWait, ResumeNoTicks, 0)
		if task.PendingSig() != syscall.SIGTRAP {
			t.Skipf("single-step stopped with %#x, not SIGTRAP", uint32(task.waitStatus))
		}
	}
	requireStepBit := func(t *testing.T, task *Task) {
		t.Helper()
		if task.DebugStatus()&amd64util.DSSingleStep == 0 {
			t.Skip("hardware did not report the step in the debug status")
		}
	}
	// plantBehind injects a breakpoint instruction just behind the ip,
	// where a trap taken after executing it would leave the task.
	plantBehind := func(t *testing.T, task *Task) {
		t.Helper()
		bkpt := task.IP().Add(-task.Arch().BreakpointInstrLen())
		if err := task.AddressSpace().AddBreakpoint(task, bkpt); err != nil {
			t.Fatalf("AddBreakpoint: %v", err)
		}
	}

	cases := []struct {
		name    string
		arrange func(t *testing.T, task *Task) TrapReasons
	}{
		{
			name: "single step only",
			arrange: func(t *testing.T, task *Task) TrapReasons {
				step(t, task)
				requireStepBit(t, task)
				return TrapReasons{Singlestep: true}
			},
		},
		{
			name: "step started on an injected instruction",
			arrange: func(t *testing.T, task *Task) TrapReasons {
				resumedAt := task.IP()
				step(t, task)
				requireStepBit(t, task)
				if err := task.AddressSpace().AddBreakpoint(task, resumedAt); err != nil {
					t.Fatalf("AddBreakpoint: %v", err)
				}
				return TrapReasons{Singlestep: true, Breakpoint: true}
			},
		},
		{
			name: "trap code with the instruction behind the ip",
			arrange: func(t *testing.T, task *Task) TrapReasons {
				step(t, task)
				task.SetDebugStatus(0)
				task.pendingSi.Code = trapBrkpt
				plantBehind(t, task)
				return TrapReasons{Breakpoint: true}
			},
		},
		{
			name: "kernel code with the instruction behind the ip",
			arrange: func(t *testing.T, task *Task) TrapReasons {
				step(t, task)
				task.SetDebugStatus(0)
				task.pendingSi.Code = siKernel
				plantBehind(t, task)
				return TrapReasons{Breakpoint: true}
			},
		},
		{
			name: "trap code with nothing to blame",
			arrange: func(t *testing.T, task *Task) TrapReasons {
				step(t, task)
				task.SetDebugStatus(0)
				task.pendingSi.Code = trapBrkpt
				behind := task.IP().Add(-task.Arch().BreakpointInstrLen())
				buf := make([]byte, task.Arch().BreakpointInstrLen())
				task.ReadBytes(behind, buf)
				if bytes.Equal(buf, task.Arch().BreakpointInstruction) {
					t.Skip("real instruction stream happens to end in the breakpoint byte")
				}
				return TrapReasons{}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := &testSession{recording: true}
			task := spawnTask(t, sess, "sleep", "100")
			defer killTask(task)
			want := tc.arrange(t, task)
			if got := task.ComputeTrapReasons(); got != want {
				t.Errorf("reasons = %+v, want %+v", got, want)
			}
		})
	}
}

func TestCloneForkUnsharesSyscallBuffer(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer killTask(task)

	if err := task.InitSyscallBuffer(1<<16, 0); err != nil {
		t.Fatalf("InitSyscallBuffer: %v", err)
	}
	addr := task.SyscallBuffer().ChildAddr()
	task.WriteBytes(addr.Add(sbufHdrSize), []byte{0xab})

	child := task.RemoteClone(int(syscall.SIGCHLD), 0, 0, 0, 0, 0)
	defer killTask(child)

	if !child.HasSyscallBuffer() {
		t.Fatal("forked child lost its syscall buffer")
	}
	if child.SyscallBuffer().Shared() {
		t.Error("child buffer still shared with the tracer")
	}
	if got := child.SyscallBuffer().ChildAddr(); got != addr {
		t.Errorf("child buffer at %#x, want the parent address %#x", got, addr)
	}
	if !child.SyscallBufferLocked() {
		t.Error("child buffer must start locked")
	}
	if task.SyscallBufferLocked() {
		t.Error("parent buffer must stay unlocked")
	}

	// The remap threw away the forked copy; the child's pages are fresh
	// and private, so parent writes must not show through.
	got := make([]byte, 1)
	child.ReadBytes(addr.Add(sbufHdrSize), got)
	if got[0] != 0 {
		t.Errorf("child buffer byte = %#x, want zeroed private memory", got[0])
	}
	task.WriteBytes(addr.Add(sbufHdrSize), []byte{0xcd})
	child.ReadBytes(addr.Add(sbufHdrSize), got)
	if got[0] != 0 {
		t.Error("parent write leaked into the child's buffer")
	}
}

func TestZombieLeaderWaitSynthesizesExit(t *testing.T) {
	sess := &testSession{recording: true}
	task := spawnTask(t, sess, "sleep", "100")
	defer func() {
		task.MarkUnstable()
		task.Destroy()
	}()

	// A sibling thread keeps the exited leader unreapable, which is the
	// one shape of death waitpid never reports.
	threadFlags := sys.CLONE_VM | sys.CLONE_FS | sys.CLONE_FILES |
		sys.CLONE_SIGHAND | sys.CLONE_THREAD
	child := task.RemoteClone(threadFlags, 0, 0, 0, 0, 0)
	defer killTask(child)

	r := task.beginRemoteSyscalls()
	r.startSyscall(task.arch.SysExit, []uint64{0})
	task.Resume(ResumeSyscall, ResumeWait, ResumeNoTicks, 0)
	if task.PtraceEvent() != sys.PTRACE_EVENT_EXIT {
		t.Fatalf("exit syscall stopped with %#x, not the exit event", uint32(task.waitStatus))
	}
	task.Resume(ResumeCont, ResumeNonblocking, ResumeNoTicks, 0)

	task.waitInterrupt = 500 * time.Millisecond
	start := time.Now()
	task.Wait(0)
	elapsed := time.Since(start)

	if !task.IsStopped() {
		t.Error("wait returned without folding in a stop")
	}
	if task.waitStatus != ptraceExitWaitStatus {
		t.Errorf("status = %#x, want the synthesized exit status %#x",
			uint32(task.waitStatus), uint32(ptraceExitWaitStatus))
	}
	if elapsed > 5*time.Second {
		t.Errorf("zombie detection took %v, want it bounded by the interrupt interval", elapsed)
	}
}

func killTask(task *Task) {
	sys.Kill(task.Tid, sys.SIGKILL)
	task.MarkUnstable()
	task.Destroy()
}
