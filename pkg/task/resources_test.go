package task

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	sys "golang.org/x/sys/unix"
)

func anonMapping(addr Address, length int) Mapping {
	return Mapping{
		MemRange: MemRange{Addr: addr, Length: length},
		Prot:     sys.PROT_READ | sys.PROT_WRITE,
		Flags:    sys.MAP_PRIVATE | sys.MAP_ANONYMOUS,
	}
}

func TestMapUnmapSplitsMappings(t *testing.T) {
	as := newAddressSpace("/bin/true", 0)
	as.Map(0x10000, 0x4000, sys.PROT_READ|sys.PROT_WRITE,
		sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, 0, "")

	// Punch a hole in the middle.
	as.Unmap(0x11000, 0x1000)

	want := []Mapping{anonMapping(0x10000, 0x1000), anonMapping(0x12000, 0x2000)}
	if diff := cmp.Diff(want, as.mappings); diff != "" {
		t.Errorf("mappings after hole punch (-want +got):\n%s", diff)
	}

	if _, ok := as.MappingOf(0x11800); ok {
		t.Error("hole should not resolve to a mapping")
	}
	if m, ok := as.MappingOf(0x13fff); !ok || m.Addr != 0x12000 {
		t.Errorf("MappingOf(0x13fff) = %+v, %v", m, ok)
	}
}

func TestUnmapAdjustsFileOffsets(t *testing.T) {
	as := newAddressSpace("/bin/true", 0)
	as.Map(0x10000, 0x3000, sys.PROT_READ, sys.MAP_PRIVATE, 0x5000, "/lib/x.so")
	as.Unmap(0x10000, 0x1000)

	m, ok := as.MappingOf(0x11000)
	if !ok {
		t.Fatal("tail mapping missing")
	}
	if m.Offset != 0x6000 {
		t.Errorf("tail offset = %#x, want 0x6000", m.Offset)
	}
	if m.Fsname != "/lib/x.so" {
		t.Errorf("tail fsname = %q", m.Fsname)
	}
}

func TestProtectMiddleOfMapping(t *testing.T) {
	as := newAddressSpace("/bin/true", 0)
	as.Map(0x10000, 0x3000, sys.PROT_READ|sys.PROT_WRITE,
		sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, 0, "")
	as.Protect(0x11000, 0x1000, sys.PROT_READ)

	wantProt := []struct {
		addr Address
		prot int
	}{
		{0x10000, sys.PROT_READ | sys.PROT_WRITE},
		{0x11000, sys.PROT_READ},
		{0x12000, sys.PROT_READ | sys.PROT_WRITE},
	}
	if len(as.mappings) != 3 {
		t.Fatalf("got %d mappings, want 3: %+v", len(as.mappings), as.mappings)
	}
	for i, w := range wantProt {
		if as.mappings[i].Addr != w.addr || as.mappings[i].Prot != w.prot {
			t.Errorf("mapping %d = %+v, want addr %#x prot %#x",
				i, as.mappings[i], w.addr, w.prot)
		}
	}
}

func TestRemapMovesMapping(t *testing.T) {
	as := newAddressSpace("/bin/true", 0)
	as.Map(0x10000, 0x2000, sys.PROT_READ, sys.MAP_PRIVATE, 0x1000, "/lib/y.so")
	as.Remap(0x10000, 0x2000, 0x40000, 0x4000)

	if _, ok := as.MappingOf(0x10000); ok {
		t.Error("old range still mapped after remap")
	}
	m, ok := as.MappingOf(0x40000)
	if !ok {
		t.Fatal("new range not mapped after remap")
	}
	if m.Length != 0x4000 || m.Offset != 0x1000 || m.Fsname != "/lib/y.so" {
		t.Errorf("remapped mapping = %+v", m)
	}
}

func TestCloneCopiesModel(t *testing.T) {
	as := newAddressSpace("/bin/true", 2)
	as.Map(0x10000, 0x1000, sys.PROT_READ, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, 0, "")
	as.breakpoints[0x10010] = &breakpoint{addr: 0x10010, saved: []byte{0x90}, useCount: 2}

	child := as.clone("/bin/true")
	if child.ExecCount() != 2 {
		t.Errorf("child exec count = %d, want 2", child.ExecCount())
	}
	if diff := cmp.Diff(as.mappings, child.mappings); diff != "" {
		t.Errorf("child mappings differ:\n%s", diff)
	}

	// The copies must be independent.
	child.Unmap(0x10000, 0x1000)
	if _, ok := as.MappingOf(0x10000); !ok {
		t.Error("unmapping in the child changed the parent")
	}
	child.breakpoints[0x10010].saved[0] = 0xcc
	if as.breakpoints[0x10010].saved[0] != 0x90 {
		t.Error("child breakpoint shares saved bytes with parent")
	}
}

func TestTaskMembershipRefcounts(t *testing.T) {
	as := newAddressSpace("/bin/true", 0)
	tg := newTaskGroup(100, 100)
	a := &Task{Tid: 100}
	b := &Task{Tid: 101}
	for _, task := range []*Task{a, b} {
		as.insertTask(task)
		tg.insertTask(task)
	}
	if as.Empty() || tg.Empty() {
		t.Fatal("resources with members must not be empty")
	}
	as.eraseTask(a)
	tg.eraseTask(a)
	if as.Empty() || tg.Empty() {
		t.Fatal("one member left, must not be empty")
	}
	as.eraseTask(b)
	tg.eraseTask(b)
	if !as.Empty() || !tg.Empty() {
		t.Fatal("all members gone, must be empty")
	}
}

func TestNotifyWrittenPurgesNearbyLengths(t *testing.T) {
	as := newAddressSpace("/bin/true", 0)
	as.insnLens.Add(Address(0x1000), 2)
	as.insnLens.Add(Address(0x2000), 5)

	as.notifyWritten(0x1001, 4) // overlaps the 15-byte window of 0x1000
	if _, ok := as.insnLens.Get(Address(0x1000)); ok {
		t.Error("entry at 0x1000 should have been purged")
	}
	if _, ok := as.insnLens.Get(Address(0x2000)); !ok {
		t.Error("entry at 0x2000 should survive")
	}
}
