package exec

import (
	"fmt"
	"io"
)

// Disassemble decodes code loaded at base. Decoding stops at the first
// undecodable byte; the instructions before it are returned with the error.
func Disassemble(code []byte, base uint64) ([]Inst, error) {
	var insts []Inst

	for off := 0; off < len(code); {
		inst, err := Decode(code[off:], base+uint64(off))
		if err != nil {
			return insts, err
		}

		insts = append(insts, inst)
		off += inst.Size()
	}

	return insts, nil
}

// Fprint writes one line per instruction. names, when set, labels call
// targets and pointer slots.
func Fprint(w io.Writer, insts []Inst, names map[uint64]string) {
	for _, inst := range insts {
		line := inst.String()

		if name, ok := names[inst.Imm]; ok && (inst.Op == OpCall || inst.Op == OpCallm) {
			line += " <" + name + ">"
		}

		fmt.Fprintf(w, "%10x:  %s\n", inst.Addr, line)
	}
}
