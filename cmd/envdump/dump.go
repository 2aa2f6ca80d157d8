package main

import (
	"debug/elf"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/evanphx/envos/exec"
	"github.com/evanphx/envos/image"
	"github.com/evanphx/envos/kernel"
	"github.com/evanphx/envos/syscalls"
)

// kernelSymbols resolves names the way the binder does for a booted kernel.
func kernelSymbols() (func(string) (uint64, bool), map[uint64]string, error) {
	k, err := kernel.NewKernel(kernel.Options{Capacity: 1})
	if err != nil {
		return nil, nil, err
	}

	if err := syscalls.NewInvoker(k).Install(); err != nil {
		return nil, nil, err
	}

	exports := map[string]uint64{}
	names := map[uint64]string{}

	for _, ex := range k.Exports {
		exports[ex.Name] = ex.Addr
		names[ex.Addr] = ex.Name
	}

	for _, name := range k.Symbols.Names() {
		addr, _ := k.Symbols.Lookup(name)
		names[addr] = name
	}

	resolve := func(name string) (uint64, bool) {
		if addr, ok := exports[name]; ok {
			return addr, true
		}

		return k.Symbols.Lookup(name)
	}

	return resolve, names, nil
}

func dump(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	f, err := image.Parse(buf)
	if err != nil {
		return err
	}

	resolve, names, err := kernelSymbols()
	if err != nil {
		return err
	}

	hdr := f.Header

	fmt.Printf("%s:\n", path)
	fmt.Printf("  machine=%s entry=%#x phnum=%d shnum=%d shstrndx=%d\n",
		elf.Machine(hdr.Machine), hdr.Entry, hdr.Phnum, hdr.Shnum, hdr.Shstrndx)

	fmt.Printf("\n[program headers]\n")
	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	for i, p := range f.Progs {
		fmt.Fprintf(tr, "%d\t%s\tvaddr=%#x\toffset=%#x\tfilesz=%#x\tmemsz=%#x\t%s\n", i,
			elf.ProgType(p.Type), p.Vaddr, p.Off, p.Filesz, p.Memsz, elf.ProgFlag(p.Flags))
	}

	tr.Flush()

	fmt.Printf("\n[sections]\n")
	tr = tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	for i, s := range f.Sections {
		name, err := f.SectionName(i)
		if err != nil {
			name = "?"
		}

		fmt.Fprintf(tr, "%d\t%s\t%s\taddr=%#x\tsize=%#x\t%s\n", i, name,
			elf.SectionType(s.Type), s.Addr, s.Size, elf.SectionFlag(s.Flags))
	}

	tr.Flush()

	slots := map[uint64]string{}

	if symtab, ok := f.FirstOfType(elf.SHT_SYMTAB); ok {
		strtab, _ := f.SectionByNameType(".strtab", elf.SHT_STRTAB)

		syms, err := f.Symbols(symtab)
		if err != nil {
			return err
		}

		fmt.Printf("\n[symbols]\n")
		tr = tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
		for i, sym := range syms {
			name, err := f.StringAt(strtab, sym.Name)
			if err != nil {
				name = "?"
			}

			bind, typ := elf.ST_BIND(sym.Info), elf.ST_TYPE(sym.Info)

			target := ""
			if bind == elf.STB_GLOBAL && typ == elf.STT_OBJECT {
				slots[sym.Value] = name

				if addr, ok := resolve(name); ok && addr != 0 {
					target = fmt.Sprintf("-> %#x", addr)
				} else {
					target = "-> unresolved"
				}
			}

			fmt.Fprintf(tr, "%d\t%s\t%#x\t%d\t%s\t%s\t%s\n", i, name, sym.Value, sym.Size, bind, typ, target)
		}

		tr.Flush()
	}

	if *fNoCode {
		return nil
	}

	for addr, name := range slots {
		names[addr] = name
	}

	for i, s := range f.Sections {
		if elf.SectionFlag(s.Flags)&elf.SHF_EXECINSTR == 0 {
			continue
		}

		code, err := f.SectionData(i)
		if err != nil {
			return err
		}

		name, _ := f.SectionName(i)
		fmt.Printf("\n%x <%s>:\n", s.Addr, name)

		insts, err := exec.Disassemble(code, s.Addr)
		exec.Fprint(os.Stdout, insts, names)

		if err != nil {
			fmt.Printf("  (stopped: %s)\n", err)
		}
	}

	return nil
}
