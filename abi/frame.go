// Package abi holds the binary contracts shared by the kernel, the emulated
// processor and the trampoline: the register frame layout, segment
// selectors, flag bits and the fixed kernel address map.
package abi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Regs is the general-purpose register block, saved in push order.
type Regs struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	R11 uint64
	R10 uint64
	R9  uint64
	R8  uint64
	RSI uint64
	RDI uint64
	RBP uint64
	RDX uint64
	RCX uint64
	RBX uint64
	RAX uint64
}

// Frame is a complete saved processor state. The field order and padding
// are part of the system ABI: the trampoline writes this exact layout and
// the restore primitive reads it back by offset.
type Frame struct {
	Regs

	ES uint16
	_  [3]uint16
	DS uint16
	_  [3]uint16

	TrapNo uint64
	Err    uint64

	RIP uint64
	CS  uint16
	_   [3]uint16

	RFlags uint64
	RSP    uint64
	SS     uint16
	_      [3]uint16
}

const FrameSize = 192

// Byte offsets into an encoded Frame.
const (
	OffR15    = 0
	OffRDI    = 72
	OffRAX    = 112
	OffES     = 120
	OffDS     = 128
	OffTrapNo = 136
	OffErr    = 144
	OffRIP    = 152
	OffCS     = 160
	OffRFlags = 168
	OffRSP    = 176
	OffSS     = 184
)

var ErrShortFrame = errors.New("short register frame")

func (f *Frame) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(FrameSize)

	err := binary.Write(&buf, binary.LittleEndian, f)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < FrameSize {
		return errors.Wrapf(ErrShortFrame, "have %d bytes, need %d", len(data), FrameSize)
	}

	return binary.Read(bytes.NewReader(data[:FrameSize]), binary.LittleEndian, f)
}

// Register numbers as used by instruction encodings.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NumRegs
)

var regNames = [NumRegs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func RegName(n int) string {
	if n < 0 || n >= NumRegs {
		return fmt.Sprintf("r?%d", n)
	}

	return regNames[n]
}

func (f *Frame) regPtr(n int) *uint64 {
	switch n {
	case RAX:
		return &f.RAX
	case RCX:
		return &f.RCX
	case RDX:
		return &f.RDX
	case RBX:
		return &f.RBX
	case RSP:
		return &f.RSP
	case RBP:
		return &f.RBP
	case RSI:
		return &f.RSI
	case RDI:
		return &f.RDI
	case R8:
		return &f.R8
	case R9:
		return &f.R9
	case R10:
		return &f.R10
	case R11:
		return &f.R11
	case R12:
		return &f.R12
	case R13:
		return &f.R13
	case R14:
		return &f.R14
	case R15:
		return &f.R15
	}

	return nil
}

// Reg returns general-purpose register n. Unknown registers read as zero.
func (f *Frame) Reg(n int) uint64 {
	if p := f.regPtr(n); p != nil {
		return *p
	}

	return 0
}

// SetReg writes general-purpose register n and reports whether n was valid.
func (f *Frame) SetReg(n int, v uint64) bool {
	p := f.regPtr(n)
	if p == nil {
		return false
	}

	*p = v
	return true
}

// Args returns the first six call arguments in calling-convention order.
func (f *Frame) Args() [6]uint64 {
	return [6]uint64{f.RDI, f.RSI, f.RDX, f.RCX, f.R8, f.R9}
}
