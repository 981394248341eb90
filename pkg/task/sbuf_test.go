package task

import (
	"encoding/binary"
	"testing"
)

func makeTestBuffer(size int) *SyscallBuffer {
	return &SyscallBuffer{childAddr: 0x7f0000200000, size: size, local: make([]byte, size)}
}

func TestSyscallBufferHeader(t *testing.T) {
	b := makeTestBuffer(4096)
	if b.NumRecBytes() != 0 {
		t.Errorf("fresh buffer has %d record bytes", b.NumRecBytes())
	}

	// Simulate the tracee appending a record.
	payload := []byte("record-bytes")
	copy(b.local[sbufHdrSize:], payload)
	binary.LittleEndian.PutUint32(b.local[sbufOffNumRecBytes:], uint32(len(payload)))
	b.local[sbufOffAbortCommit] = 1

	if got := b.NumRecBytes(); got != len(payload) {
		t.Errorf("NumRecBytes = %d, want %d", got, len(payload))
	}
	if string(b.Records()) != string(payload) {
		t.Errorf("Records = %q, want %q", b.Records(), payload)
	}
	if !b.AbortCommit() {
		t.Error("AbortCommit flag lost")
	}

	b.reset()
	if b.NumRecBytes() != 0 || b.AbortCommit() {
		t.Error("reset should clear record count and abort flag")
	}
}

func TestSyscallBufferRecordsClamped(t *testing.T) {
	b := makeTestBuffer(64)
	// A corrupt or racing tracee can claim more bytes than fit.
	binary.LittleEndian.PutUint32(b.local[sbufOffNumRecBytes:], 1<<20)
	if got := len(b.Records()); got != 64-sbufHdrSize {
		t.Errorf("Records length = %d, want clamp to %d", got, 64-sbufHdrSize)
	}
}

func TestSyscallBufferUnsharedView(t *testing.T) {
	b := &SyscallBuffer{childAddr: 0x7f0000200000, size: 4096}
	if b.Shared() {
		t.Error("buffer without a local view must not report shared")
	}
	if b.NumRecBytes() != 0 || b.Records() != nil || b.AbortCommit() {
		t.Error("unshared view must read as empty")
	}
	b.reset() // must not panic
}

func TestResetSyscallBufferWithoutBuffer(t *testing.T) {
	tk := newModelTask()
	tk.ResetSyscallBuffer() // no buffer established; must be a no-op
	if tk.HasSyscallBuffer() {
		t.Error("reset must not conjure a buffer")
	}
}
