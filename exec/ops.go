package exec

import (
	"encoding/binary"
	"fmt"

	"github.com/evanphx/envos/abi"
	"github.com/pkg/errors"
)

type Opcode byte

const (
	OpNop   Opcode = 0x00
	OpHlt   Opcode = 0x01
	OpMovi  Opcode = 0x10
	OpAddi  Opcode = 0x11
	OpJmp   Opcode = 0x20
	OpJnz   Opcode = 0x21
	OpCall  Opcode = 0x30
	OpCallm Opcode = 0x31
	OpRet   Opcode = 0x32
	OpLoad  Opcode = 0x40
	OpStore Opcode = 0x41
)

// Operand forms. Registers are one byte, displacements and 32-bit
// immediates are signed.
type operands int

const (
	noOperands operands = iota
	regImm64
	regImm32
	rel32
	regRel32
	abs64
	regAbs64
	absReg64
)

type opInfo struct {
	name string
	size int
	form operands
}

var opInfos [256]opInfo

func init() {
	def := func(op Opcode, name string, form operands) {
		size := 1
		switch form {
		case regImm64, regAbs64, absReg64:
			size += 1 + 8
		case regImm32, regRel32:
			size += 1 + 4
		case rel32:
			size += 4
		case abs64:
			size += 8
		}

		opInfos[op] = opInfo{name: name, size: size, form: form}
	}

	def(OpNop, "nop", noOperands)
	def(OpHlt, "hlt", noOperands)
	def(OpMovi, "movi", regImm64)
	def(OpAddi, "addi", regImm32)
	def(OpJmp, "jmp", rel32)
	def(OpJnz, "jnz", regRel32)
	def(OpCall, "call", abs64)
	def(OpCallm, "callm", abs64)
	def(OpRet, "ret", noOperands)
	def(OpLoad, "load", regAbs64)
	def(OpStore, "store", absReg64)
}

var (
	ErrUndefinedOpcode  = errors.New("undefined opcode")
	ErrShortInstruction = errors.New("truncated instruction")
)

// Size returns the encoded length of op, or 0 if op is undefined.
func (op Opcode) Size() int {
	return opInfos[op].size
}

func (op Opcode) String() string {
	if info := opInfos[op]; info.size != 0 {
		return info.name
	}

	return fmt.Sprintf("op?%#02x", byte(op))
}

// Inst is one decoded instruction. Imm holds the immediate, the absolute
// address or the sign-extended displacement, depending on the opcode.
type Inst struct {
	Addr uint64
	Op   Opcode
	Reg  int
	Imm  uint64
}

func (i Inst) Size() int {
	return i.Op.Size()
}

// Next is the address of the following instruction.
func (i Inst) Next() uint64 {
	return i.Addr + uint64(i.Size())
}

// Target is the destination of a relative branch.
func (i Inst) Target() uint64 {
	return i.Next() + i.Imm
}

func (i Inst) String() string {
	name := i.Op.String()
	reg := abi.RegName(i.Reg)

	switch opInfos[i.Op].form {
	case regImm64:
		return fmt.Sprintf("%s %s, %#x", name, reg, i.Imm)
	case regImm32:
		return fmt.Sprintf("%s %s, %d", name, reg, int64(i.Imm))
	case rel32:
		return fmt.Sprintf("%s %#x", name, i.Target())
	case regRel32:
		return fmt.Sprintf("%s %s, %#x", name, reg, i.Target())
	case abs64:
		if i.Op == OpCallm {
			return fmt.Sprintf("%s [%#x]", name, i.Imm)
		}
		return fmt.Sprintf("%s %#x", name, i.Imm)
	case regAbs64:
		return fmt.Sprintf("%s %s, [%#x]", name, reg, i.Imm)
	case absReg64:
		return fmt.Sprintf("%s [%#x], %s", name, i.Imm, reg)
	default:
		return name
	}
}

// Decode decodes the instruction at the start of buf, which was fetched
// from addr.
func Decode(buf []byte, addr uint64) (Inst, error) {
	if len(buf) == 0 {
		return Inst{}, errors.Wrapf(ErrShortInstruction, "at %#x", addr)
	}

	op := Opcode(buf[0])
	info := opInfos[op]

	if info.size == 0 {
		return Inst{}, errors.Wrapf(ErrUndefinedOpcode, "%#02x at %#x", buf[0], addr)
	}

	if len(buf) < info.size {
		return Inst{}, errors.Wrapf(ErrShortInstruction, "%s at %#x", info.name, addr)
	}

	inst := Inst{Addr: addr, Op: op}
	b := buf[1:info.size]

	switch info.form {
	case regImm64, regAbs64:
		inst.Reg = int(b[0])
		inst.Imm = binary.LittleEndian.Uint64(b[1:])
	case absReg64:
		inst.Imm = binary.LittleEndian.Uint64(b)
		inst.Reg = int(b[8])
	case regImm32, regRel32:
		inst.Reg = int(b[0])
		inst.Imm = uint64(int64(int32(binary.LittleEndian.Uint32(b[1:]))))
	case rel32:
		inst.Imm = uint64(int64(int32(binary.LittleEndian.Uint32(b))))
	case abs64:
		inst.Imm = binary.LittleEndian.Uint64(b)
	}

	switch info.form {
	case regImm64, regAbs64, absReg64, regImm32, regRel32:
		if inst.Reg >= abi.NumRegs {
			return Inst{}, errors.Wrapf(ErrUndefinedOpcode, "%s with register %d at %#x", info.name, inst.Reg, addr)
		}
	}

	return inst, nil
}

// Encode appends the encoding of i to buf.
func (i Inst) Encode(buf []byte) []byte {
	var tmp [8]byte

	buf = append(buf, byte(i.Op))

	switch opInfos[i.Op].form {
	case regImm64, regAbs64:
		buf = append(buf, byte(i.Reg))
		binary.LittleEndian.PutUint64(tmp[:], i.Imm)
		buf = append(buf, tmp[:]...)
	case absReg64:
		binary.LittleEndian.PutUint64(tmp[:], i.Imm)
		buf = append(buf, tmp[:]...)
		buf = append(buf, byte(i.Reg))
	case regImm32, regRel32:
		buf = append(buf, byte(i.Reg))
		binary.LittleEndian.PutUint32(tmp[:4], uint32(i.Imm))
		buf = append(buf, tmp[:4]...)
	case rel32:
		binary.LittleEndian.PutUint32(tmp[:4], uint32(i.Imm))
		buf = append(buf, tmp[:4]...)
	case abs64:
		binary.LittleEndian.PutUint64(tmp[:], i.Imm)
		buf = append(buf, tmp[:]...)
	}

	return buf
}
