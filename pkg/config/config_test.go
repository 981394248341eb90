package config

import (
	"io/ioutil"
	"os"
	"path"
	"testing"
)

func withTempHome(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "retrace-config")
	if err != nil {
		t.Fatal(err)
	}
	old := os.Getenv("RETRACE_HOME")
	os.Setenv("RETRACE_HOME", dir)
	t.Cleanup(func() {
		os.Setenv("RETRACE_HOME", old)
		os.RemoveAll(dir)
	})
	return dir
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	dir := withTempHome(t)

	c := LoadConfig()
	if c.SyscallBufferSize != DefaultSyscallBufferSize {
		t.Errorf("SyscallBufferSize = %d, want default %d", c.SyscallBufferSize, DefaultSyscallBufferSize)
	}
	if c.WaitInterruptSeconds != DefaultWaitInterruptSeconds {
		t.Errorf("WaitInterruptSeconds = %v, want default %v", c.WaitInterruptSeconds, DefaultWaitInterruptSeconds)
	}
	if c.BindToCPU != -1 {
		t.Errorf("BindToCPU = %d, want -1", c.BindToCPU)
	}
	if _, err := os.Stat(path.Join(dir, "config.yml")); err != nil {
		t.Errorf("default config file not created: %v", err)
	}
}

func TestSaveAndReloadConfig(t *testing.T) {
	withTempHome(t)

	c := LoadConfig()
	c.SyscallBufferSize = 1 << 16
	c.WaitInterruptSeconds = 1.5
	c.LogFlags = "task,wait"
	if err := SaveConfig(c); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	got := LoadConfig()
	if got.SyscallBufferSize != 1<<16 {
		t.Errorf("SyscallBufferSize = %d, want %d", got.SyscallBufferSize, 1<<16)
	}
	if got.WaitInterruptSeconds != 1.5 {
		t.Errorf("WaitInterruptSeconds = %v, want 1.5", got.WaitInterruptSeconds)
	}
	if got.LogFlags != "task,wait" {
		t.Errorf("LogFlags = %q", got.LogFlags)
	}
}

func TestLoadConfigToleratesGarbage(t *testing.T) {
	dir := withTempHome(t)
	if err := ioutil.WriteFile(path.Join(dir, "config.yml"), []byte("{not yaml["), 0644); err != nil {
		t.Fatal(err)
	}
	c := LoadConfig()
	if c.SyscallBufferSize != DefaultSyscallBufferSize {
		t.Error("garbage config should fall back to defaults")
	}
}
