package exec

import (
	"github.com/pkg/errors"
)

var ErrUnknownLabel = errors.New("unknown label")

type fixup struct {
	at    int
	inst  Inst
	label string
}

// Asm assembles a program for loading at Base. Branches name labels that
// may be defined before or after use.
type Asm struct {
	Base uint64

	code   []byte
	labels map[string]uint64
	fixups []fixup
}

func NewAsm(base uint64) *Asm {
	return &Asm{
		Base:   base,
		labels: make(map[string]uint64),
	}
}

// PC is the address the next instruction will be placed at.
func (a *Asm) PC() uint64 {
	return a.Base + uint64(len(a.code))
}

func (a *Asm) Label(name string) *Asm {
	a.labels[name] = a.PC()
	return a
}

func (a *Asm) emit(i Inst) *Asm {
	i.Addr = a.PC()
	a.code = i.Encode(a.code)
	return a
}

func (a *Asm) branch(i Inst, label string) *Asm {
	i.Addr = a.PC()
	a.fixups = append(a.fixups, fixup{at: len(a.code), inst: i, label: label})
	a.code = i.Encode(a.code)
	return a
}

func (a *Asm) Nop() *Asm { return a.emit(Inst{Op: OpNop}) }
func (a *Asm) Hlt() *Asm { return a.emit(Inst{Op: OpHlt}) }
func (a *Asm) Ret() *Asm { return a.emit(Inst{Op: OpRet}) }

func (a *Asm) Movi(reg int, v uint64) *Asm {
	return a.emit(Inst{Op: OpMovi, Reg: reg, Imm: v})
}

func (a *Asm) Addi(reg int, v int32) *Asm {
	return a.emit(Inst{Op: OpAddi, Reg: reg, Imm: uint64(int64(v))})
}

func (a *Asm) Jmp(label string) *Asm {
	return a.branch(Inst{Op: OpJmp}, label)
}

func (a *Asm) Jnz(reg int, label string) *Asm {
	return a.branch(Inst{Op: OpJnz, Reg: reg}, label)
}

func (a *Asm) Call(addr uint64) *Asm {
	return a.emit(Inst{Op: OpCall, Imm: addr})
}

// Callm calls through the pointer stored at slot.
func (a *Asm) Callm(slot uint64) *Asm {
	return a.emit(Inst{Op: OpCallm, Imm: slot})
}

func (a *Asm) Load(reg int, addr uint64) *Asm {
	return a.emit(Inst{Op: OpLoad, Reg: reg, Imm: addr})
}

func (a *Asm) Store(addr uint64, reg int) *Asm {
	return a.emit(Inst{Op: OpStore, Reg: reg, Imm: addr})
}

// Bytes resolves branches and returns the machine code.
func (a *Asm) Bytes() ([]byte, error) {
	out := make([]byte, len(a.code))
	copy(out, a.code)

	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownLabel, "%s", f.label)
		}

		disp := int64(target - f.inst.Next())
		if disp != int64(int32(disp)) {
			return nil, errors.Errorf("branch to %s out of range", f.label)
		}

		inst := f.inst
		inst.Imm = uint64(disp)

		copy(out[f.at:], inst.Encode(nil))
	}

	return out, nil
}

// MustBytes is Bytes for programs known to be well formed.
func (a *Asm) MustBytes() []byte {
	b, err := a.Bytes()
	if err != nil {
		panic(err)
	}

	return b
}
