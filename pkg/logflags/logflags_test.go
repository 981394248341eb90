package logflags

import "testing"

func restoreFlags(t *testing.T) {
	t.Helper()
	oldTask, oldWait, oldSbuf, oldSpawn, oldAny := task, wait, sbuf, spawn, any
	t.Cleanup(func() {
		task, wait, sbuf, spawn, any = oldTask, oldWait, oldSbuf, oldSpawn, oldAny
	})
}

func TestSetupSelectsLayers(t *testing.T) {
	restoreFlags(t)
	if err := Setup(true, "wait,sbuf", ""); err != nil {
		t.Fatal(err)
	}
	if !Wait() || !Sbuf() {
		t.Error("selected layers not enabled")
	}
	if Task() || Spawn() {
		t.Error("unselected layers enabled")
	}
	if !Any() {
		t.Error("Any should report logging enabled")
	}
}

func TestSetupDefaultsToTaskLayer(t *testing.T) {
	restoreFlags(t)
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Task() {
		t.Error("empty selection should enable the task layer")
	}
}

func TestSetupRejectsUnknownLayer(t *testing.T) {
	restoreFlags(t)
	if err := Setup(true, "nope", ""); err == nil {
		t.Error("unknown layer should be rejected")
	}
}

func TestSetupRejectsLogstrWithoutLog(t *testing.T) {
	restoreFlags(t)
	if err := Setup(false, "task", ""); err != errLogstrWithoutLog {
		t.Errorf("got %v, want errLogstrWithoutLog", err)
	}
}
