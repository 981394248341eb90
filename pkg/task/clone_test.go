package task

import (
	"syscall"
	"testing"
)

func cloneRegs(res int64) *Registers {
	var r Registers
	r.SetSyscallResult(uint64(res))
	return &r
}

func TestCloneResultAction(t *testing.T) {
	cases := []struct {
		name string
		res  int64
		want cloneAction
	}{
		{"eagain reissues", -int64(syscall.EAGAIN), cloneReissue},
		{"not yet entered keeps waiting", eNOSYSResult, cloneKeepWaiting},
		{"enomem keeps waiting", -int64(syscall.ENOMEM), cloneKeepWaiting},
		{"restartable keeps waiting", -seRESTARTSYS, cloneKeepWaiting},
		{"restart block keeps waiting", -seRESTARTBLOCK, cloneKeepWaiting},
		{"eperm is fatal", -int64(syscall.EPERM), cloneFatal},
		{"success without a birth event is fatal", 0, cloneFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cloneResultAction(cloneRegs(tc.res)); got != tc.want {
				t.Errorf("action for result %d = %d, want %d", tc.res, got, tc.want)
			}
		})
	}
}
