package task

import "runtime"

// ptraceThread dedicates an OS thread to ptrace requests. The kernel
// only honors requests from the thread that attached, and the Go
// scheduler migrates goroutines freely, so every request for a given
// tracee tree is funneled through one locked thread. The thread is
// shared by all tasks cloned from the same spawn and refcounted away
// when the last one is destroyed.
type ptraceThread struct {
	ptraceCh     chan func()
	ptraceDoneCh chan interface{}
	refcnt       int
}

func newPtraceThread() *ptraceThread {
	pt := &ptraceThread{
		ptraceCh:     make(chan func()),
		ptraceDoneCh: make(chan interface{}),
		refcnt:       1,
	}
	go pt.handlePtraceFuncs()
	return pt
}

func (pt *ptraceThread) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// the execution of dbg. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range pt.ptraceCh {
		fn()
		pt.ptraceDoneCh <- nil
	}
	close(pt.ptraceDoneCh)
}

func (pt *ptraceThread) exec(fn func()) {
	pt.ptraceCh <- fn
	<-pt.ptraceDoneCh
}

func (pt *ptraceThread) acquire() *ptraceThread {
	pt.refcnt++
	return pt
}

func (pt *ptraceThread) release() {
	pt.refcnt--
	if pt.refcnt == 0 {
		close(pt.ptraceCh)
	}
}
