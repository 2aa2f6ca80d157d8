package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Symbol is a symbol table entry for Builder. Section names the section
// the symbol is defined in; an empty name makes it absolute.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Section string
}

// Builder emits small, deterministic ELF64 executables: one loadable
// segment each for text, data and bss, plus the symbol and name tables
// the binder consumes.
type Builder struct {
	Entry uint64

	TextAddr uint64
	Text     []byte

	DataAddr uint64
	Data     []byte

	BssAddr uint64
	BssSize uint64

	Symbols []Symbol

	// OmitSymtab and OmitStrtab drop the symbol table or its string table
	// while keeping the symbols' names in the section name table.
	OmitSymtab bool
	OmitStrtab bool
}

type strtab struct {
	buf bytes.Buffer
}

func newStrtab() *strtab {
	s := &strtab{}
	s.buf.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	if name == "" {
		return 0
	}

	off := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	return off
}

type section struct {
	name string
	hdr  elf.Section64
	data []byte
}

func align(buf *bytes.Buffer, n int) {
	for buf.Len()%n != 0 {
		buf.WriteByte(0)
	}
}

func (b *Builder) Build() []byte {
	var (
		progs    []elf.Prog64
		sections = []*section{{}}
	)

	if len(b.Text) > 0 {
		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Vaddr:  b.TextAddr,
			Paddr:  b.TextAddr,
			Filesz: uint64(len(b.Text)),
			Memsz:  uint64(len(b.Text)),
			Align:  16,
		})
		sections = append(sections, &section{
			name: ".text",
			data: b.Text,
			hdr: elf.Section64{
				Type:      uint32(elf.SHT_PROGBITS),
				Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
				Addr:      b.TextAddr,
				Size:      uint64(len(b.Text)),
				Addralign: 16,
			},
		})
	}

	if len(b.Data) > 0 {
		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Vaddr:  b.DataAddr,
			Paddr:  b.DataAddr,
			Filesz: uint64(len(b.Data)),
			Memsz:  uint64(len(b.Data)),
			Align:  8,
		})
		sections = append(sections, &section{
			name: ".data",
			data: b.Data,
			hdr: elf.Section64{
				Type:      uint32(elf.SHT_PROGBITS),
				Flags:     uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
				Addr:      b.DataAddr,
				Size:      uint64(len(b.Data)),
				Addralign: 8,
			},
		})
	}

	if b.BssSize > 0 {
		progs = append(progs, elf.Prog64{
			Type:  uint32(elf.PT_LOAD),
			Flags: uint32(elf.PF_R | elf.PF_W),
			Vaddr: b.BssAddr,
			Paddr: b.BssAddr,
			Memsz: b.BssSize,
			Align: 8,
		})
		sections = append(sections, &section{
			name: ".bss",
			hdr: elf.Section64{
				Type:      uint32(elf.SHT_NOBITS),
				Flags:     uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
				Addr:      b.BssAddr,
				Size:      b.BssSize,
				Addralign: 8,
			},
		})
	}

	sectionIndex := func(name string) uint16 {
		for i, s := range sections {
			if i > 0 && s.name == name {
				return uint16(i)
			}
		}

		return uint16(elf.SHN_ABS)
	}

	var symtabIdx int

	if len(b.Symbols) > 0 {
		names := newStrtab()

		var syms bytes.Buffer
		binary.Write(&syms, binary.LittleEndian, elf.Sym64{})

		for _, sym := range b.Symbols {
			binary.Write(&syms, binary.LittleEndian, elf.Sym64{
				Name:  names.add(sym.Name),
				Info:  elf.ST_INFO(sym.Bind, sym.Type),
				Shndx: sectionIndex(sym.Section),
				Value: sym.Value,
				Size:  sym.Size,
			})
		}

		if !b.OmitSymtab {
			symtabIdx = len(sections)
			sections = append(sections, &section{
				name: ".symtab",
				data: syms.Bytes(),
				hdr: elf.Section64{
					Type:      uint32(elf.SHT_SYMTAB),
					Size:      uint64(syms.Len()),
					Info:      1,
					Addralign: 8,
					Entsize:   SymSize,
				},
			})
		}

		if !b.OmitStrtab {
			if symtabIdx != 0 {
				sections[symtabIdx].hdr.Link = uint32(len(sections))
			}

			sections = append(sections, &section{
				name: ".strtab",
				data: names.buf.Bytes(),
				hdr: elf.Section64{
					Type:      uint32(elf.SHT_STRTAB),
					Size:      uint64(names.buf.Len()),
					Addralign: 1,
				},
			})
		}
	}

	shnames := newStrtab()
	for _, s := range sections[1:] {
		s.hdr.Name = shnames.add(s.name)
	}

	shstrndx := len(sections)
	shstr := &section{name: ".shstrtab"}
	shstr.hdr.Name = shnames.add(shstr.name)
	shstr.hdr.Type = uint32(elf.SHT_STRTAB)
	shstr.hdr.Addralign = 1
	shstr.data = shnames.buf.Bytes()
	shstr.hdr.Size = uint64(len(shstr.data))
	sections = append(sections, shstr)

	var body bytes.Buffer
	body.Write(make([]byte, HeaderSize+ProgSize*len(progs)))

	for _, s := range sections[1:] {
		if len(s.data) == 0 {
			continue
		}

		align(&body, 16)
		s.hdr.Off = uint64(body.Len())
		body.Write(s.data)
	}

	for i := range progs {
		p := &progs[i]
		for _, s := range sections[1:] {
			if s.hdr.Addr == p.Vaddr && s.hdr.Addr != 0 && elf.SectionType(s.hdr.Type) != elf.SHT_NOBITS {
				p.Off = s.hdr.Off
			}
		}
	}

	align(&body, 8)
	shoff := body.Len()

	for _, s := range sections {
		binary.Write(&body, binary.LittleEndian, s.hdr)
	}

	var hdr elf.Header64
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Type = uint16(elf.ET_EXEC)
	hdr.Machine = uint16(elf.EM_X86_64)
	hdr.Version = uint32(elf.EV_CURRENT)
	hdr.Entry = b.Entry
	hdr.Phoff = HeaderSize
	hdr.Shoff = uint64(shoff)
	hdr.Ehsize = HeaderSize
	hdr.Phentsize = ProgSize
	hdr.Phnum = uint16(len(progs))
	hdr.Shentsize = SectionSize
	hdr.Shnum = uint16(len(sections))
	hdr.Shstrndx = uint16(shstrndx)

	out := body.Bytes()

	var head bytes.Buffer
	binary.Write(&head, binary.LittleEndian, hdr)
	for _, p := range progs {
		binary.Write(&head, binary.LittleEndian, p)
	}

	copy(out, head.Bytes())

	return out
}
