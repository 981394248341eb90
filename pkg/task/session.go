package task

import "syscall"

// Session is the tracing context a Task belongs to. Tasks call back into
// the session for policy decisions and for global accounting; they never
// assume whether they are being recorded or replayed beyond what these
// answers tell them.
type Session interface {
	// IsRecording reports whether stops come from a live workload.
	IsRecording() bool
	// IsReplaying reports whether stops are being reproduced from a trace.
	IsReplaying() bool
	// IsIgnoredSignal reports whether a signal delivery observed during
	// replay should be discarded instead of acted on.
	IsIgnoredSignal(sig syscall.Signal) bool

	// NextTaskSerial issues a fresh stable task identifier.
	NextTaskSerial() uint32
	// AccumulateTicks adds to the session-wide tick total.
	AccumulateTicks(ticks uint64)
	// AccumulateSyscallPerformed counts one syscall executed on behalf
	// of the tracer in tracee context.
	AccumulateSyscallPerformed()
	// OnTaskDestroy is invoked after a task has been detached and its
	// shared resources released.
	OnTaskDestroy(t *Task)

	// Scheduler returns the scheduler in charge of timeslices, or nil
	// when the session does not schedule (replay without preemption).
	Scheduler() Scheduler
}

// Scheduler decides which task runs next. Tasks only ever tell it that
// the current timeslice is over.
type Scheduler interface {
	// ExpireTimeslice marks the running task as out of budget so the
	// next scheduling decision picks someone else.
	ExpireTimeslice()
}

// TraceStream describes the workload a session traces. During recording
// it reflects the command being launched; during replay it is backed by
// the recorded trace header.
type TraceStream interface {
	// InitialExe is the executable path of the first task.
	InitialExe() string
	// InitialArgv is the argument vector of the first task.
	InitialArgv() []string
	// InitialEnv is the environment of the first task.
	InitialEnv() []string
	// InitialCwd is the working directory of the first task.
	InitialCwd() string
	// BoundCPU is the CPU all tasks are pinned to, or -1 for none.
	BoundCPU() int
	// Time is the current global trace time, incremented per event.
	Time() uint32
}
