package amd64util

import (
	"encoding/binary"
	"errors"
)

// AMD64PtraceFpRegs tracks user_fpregs_struct in
// /usr/include/x86_64-linux-gnu/sys/user.h. It doubles as the legacy
// region layout at the start of an XSAVE area.
type AMD64PtraceFpRegs struct {
	Cwd      uint16
	Swd      uint16
	Ftw      uint16
	Fop      uint16
	Rip      uint64
	Rdp      uint64
	Mxcsr    uint32
	MxcrMask uint32
	StSpace  [32]uint32
	XmmSpace [256]byte
	Padding  [24]uint32
}

// FpRegsSize is the byte size of user_fpregs_struct, and of the legacy
// region of an XSAVE area.
const FpRegsSize = 512

// XstateMaxKnownSize is the largest XSAVE area this package understands.
// See Section 13.1 (and following) of Intel 64 and IA-32 Architectures
// Software Developer's Manual, Volume 1: Basic Architecture.
const XstateMaxKnownSize = 2969

const (
	xsaveHeaderStart = 512
	xsaveHeaderLen   = 64
)

// ErrCompactXsave is returned for XSAVE areas in the compacted format,
// which the kernel never hands out through PTRACE_GETREGSET.
var ErrCompactXsave = errors.New("compact XSAVE format not supported")

// ValidateXsave sanity checks a raw XSAVE area fetched from a tracee.
// Short buffers (pre-XSAVE hardware) are accepted, they carry only the
// legacy region.
func ValidateXsave(data []byte) error {
	if len(data) < xsaveHeaderStart+xsaveHeaderLen {
		if len(data) < FpRegsSize {
			return errors.New("XSAVE area too small for legacy region")
		}
		return nil
	}
	xcompBV := binary.LittleEndian.Uint64(data[xsaveHeaderStart+8 : xsaveHeaderStart+16])
	if xcompBV&(1<<63) != 0 {
		return ErrCompactXsave
	}
	return nil
}
