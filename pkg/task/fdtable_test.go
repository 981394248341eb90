package task

import "testing"

type recordingMonitor struct {
	writes []recordedWrite
}

type recordedWrite struct {
	fd      int
	ranges  []MemRange
	written int
}

func (m *recordingMonitor) DidWrite(t *Task, fd int, ranges []MemRange, written int) {
	m.writes = append(m.writes, recordedWrite{fd: fd, ranges: ranges, written: written})
}

func TestFdTableRouting(t *testing.T) {
	ft := newFdTable()
	mon := &recordingMonitor{}
	ft.AddMonitor(3, mon)

	ft.DidWrite(nil, 3, []MemRange{{Addr: 0x1000, Length: 10}}, 10)
	ft.DidWrite(nil, 4, []MemRange{{Addr: 0x2000, Length: 5}}, 5)
	if len(mon.writes) != 1 {
		t.Fatalf("monitor saw %d writes, want 1", len(mon.writes))
	}
	w := mon.writes[0]
	if w.fd != 3 || w.written != 10 || w.ranges[0].Addr != 0x1000 {
		t.Errorf("recorded write = %+v", w)
	}
}

func TestFdTableDup(t *testing.T) {
	ft := newFdTable()
	mon := &recordingMonitor{}
	ft.AddMonitor(3, mon)

	ft.DidDup(3, 7)
	if ft.Monitor(7) != mon {
		t.Error("dup target should inherit the monitor")
	}

	// Dup from an unmonitored fd clears the target.
	ft.DidDup(5, 7)
	if ft.Monitor(7) != nil {
		t.Error("dup from unmonitored fd should clear the target's monitor")
	}

	ft.DidClose(3)
	if ft.Monitor(3) != nil {
		t.Error("close should drop the monitor")
	}
}

func TestFdTableCloneIsIndependent(t *testing.T) {
	ft := newFdTable()
	mon := &recordingMonitor{}
	ft.AddMonitor(3, mon)

	child := ft.clone()
	if child.Monitor(3) != mon {
		t.Error("clone should carry monitors over")
	}
	child.DidClose(3)
	if ft.Monitor(3) != mon {
		t.Error("closing in the clone changed the parent")
	}
}
