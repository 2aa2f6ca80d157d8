package main

import (
	"debug/elf"

	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/exec"
	"github.com/evanphx/envos/image"
)

const demoFormat = "[%x] pass %d\n\x00"

// demoImage builds a program that prints its id and a countdown, yielding
// after each line, and exits after loops passes.
func demoImage(base uint64, loops int32) []byte {
	var (
		data = base + 0x1000
		bss  = base + 0x2000
	)

	code := exec.NewAsm(base).
		Movi(abi.RBX, uint64(loops)).
		Label("loop").
		Callm(bss + 8).
		Store(bss+32, abi.RAX).
		Load(abi.RSI, bss+32).
		Store(bss+40, abi.RBX).
		Load(abi.RDX, bss+40).
		Movi(abi.RDI, data).
		Callm(bss).
		Callm(bss + 16).
		Addi(abi.RBX, -1).
		Jnz(abi.RBX, "loop").
		Callm(bss + 24).
		MustBytes()

	var syms []image.Symbol
	for i, name := range []string{"cprintf", "sys_getenvid", "sys_yield", "sys_exit"} {
		syms = append(syms, image.Symbol{
			Name:    name,
			Value:   bss + uint64(i*8),
			Size:    8,
			Bind:    elf.STB_GLOBAL,
			Type:    elf.STT_OBJECT,
			Section: ".bss",
		})
	}

	b := &image.Builder{
		Entry:    base,
		TextAddr: base,
		Text:     code,
		DataAddr: data,
		Data:     []byte(demoFormat),
		BssAddr:  bss,
		BssSize:  48,
		Symbols:  syms,
	}

	return b.Build()
}

func demoImages() [][]byte {
	return [][]byte{
		demoImage(0x400000, 3),
		demoImage(0x800000, 2),
	}
}
