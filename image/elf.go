// Package image validates and decodes ELF64 executable images without
// trusting any offset or count inside them.
package image

import (
	"bytes"
	"debug/elf"

	"github.com/pkg/errors"
)

var ErrInvalidExecutable = errors.New("invalid executable")

// Fixed structure sizes of the supported image class.
const (
	HeaderSize  = 64
	ProgSize    = 56
	SectionSize = 64
	SymSize     = elf.Sym64Size
)

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidExecutable, format, args...)
}

// File is a structurally validated image. It retains the buffer it was
// parsed from; nothing in it is copied into an address space.
type File struct {
	Header   elf.Header64
	Progs    []elf.Prog64
	Sections []elf.Section64

	data Cursor
}

// Parse validates buf and decodes its header tables. Checks run in a fixed
// order and the first failure is reported.
func Parse(buf []byte) (*File, error) {
	c := NewCursor(buf)

	if c.Len() < HeaderSize {
		return nil, invalid("image is %d bytes, shorter than the header", c.Len())
	}

	f := &File{data: c}

	if err := c.Decode(0, &f.Header); err != nil {
		return nil, invalid("decoding header: %s", err)
	}

	hdr := &f.Header

	if !bytes.Equal(hdr.Ident[:4], []byte(elf.ELFMAG)) {
		return nil, invalid("bad magic % x", hdr.Ident[:4])
	}

	if elf.Type(hdr.Type) != elf.ET_EXEC {
		return nil, invalid("image type %s is not executable", elf.Type(hdr.Type))
	}

	if elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, invalid("image class %s is not 64-bit", elf.Class(hdr.Ident[elf.EI_CLASS]))
	}

	if hdr.Shentsize != SectionSize {
		return nil, invalid("section header entry size %d, want %d", hdr.Shentsize, SectionSize)
	}

	if hdr.Phentsize != ProgSize {
		return nil, invalid("program header entry size %d, want %d", hdr.Phentsize, ProgSize)
	}

	switch elf.SectionIndex(hdr.Shstrndx) {
	case elf.SHN_UNDEF:
		return nil, invalid("no section name table")
	case elf.SHN_XINDEX:
		return nil, invalid("extended section name table index is unsupported")
	}

	if hdr.Shstrndx >= hdr.Shnum {
		return nil, invalid("section name table index %d out of %d sections", hdr.Shstrndx, hdr.Shnum)
	}

	if hdr.Phoff == 0 {
		return nil, invalid("no program headers")
	}

	if hdr.Phoff >= c.Len() {
		return nil, invalid("program header offset %#x beyond image", hdr.Phoff)
	}

	progs, err := c.Table(hdr.Phoff, ProgSize, uint64(hdr.Phnum))
	if err != nil {
		return nil, invalid("program header table: %s", err)
	}

	if hdr.Shoff >= c.Len() {
		return nil, invalid("section header offset %#x beyond image", hdr.Shoff)
	}

	sects, err := c.Table(hdr.Shoff, SectionSize, uint64(hdr.Shnum))
	if err != nil {
		return nil, invalid("section header table: %s", err)
	}

	f.Progs = make([]elf.Prog64, hdr.Phnum)
	for i := range f.Progs {
		if err := progs.Decode(uint64(i)*ProgSize, &f.Progs[i]); err != nil {
			return nil, invalid("program header %d: %s", i, err)
		}
	}

	f.Sections = make([]elf.Section64, hdr.Shnum)
	for i := range f.Sections {
		if err := sects.Decode(uint64(i)*SectionSize, &f.Sections[i]); err != nil {
			return nil, invalid("section header %d: %s", i, err)
		}
	}

	return f, nil
}

func (f *File) Entry() uint64 {
	return f.Header.Entry
}

// Data returns the whole image buffer.
func (f *File) Data() Cursor {
	return f.data
}

// ProgData returns the file bytes of program header i.
func (f *File) ProgData(i int) ([]byte, error) {
	p := &f.Progs[i]
	return f.data.Slice(p.Off, p.Filesz)
}

// SectionData returns the file bytes of section i. Sections that occupy no
// file space have none.
func (f *File) SectionData(i int) ([]byte, error) {
	s := &f.Sections[i]
	if elf.SectionType(s.Type) == elf.SHT_NOBITS {
		return nil, nil
	}

	return f.data.Slice(s.Off, s.Size)
}

func (f *File) section(i int) (Cursor, error) {
	if i < 0 || i >= len(f.Sections) {
		return Cursor{}, errors.Wrapf(ErrOutOfBounds, "section %d of %d", i, len(f.Sections))
	}

	data, err := f.SectionData(i)
	if err != nil {
		return Cursor{}, err
	}

	return NewCursor(data), nil
}

// NamesSection returns the section name table header.
func (f *File) NamesSection() *elf.Section64 {
	return &f.Sections[f.Header.Shstrndx]
}

// SectionName resolves the name of section i through the section name table.
func (f *File) SectionName(i int) (string, error) {
	names, err := f.section(int(f.Header.Shstrndx))
	if err != nil {
		return "", err
	}

	return names.CString(uint64(f.Sections[i].Name))
}

// SectionByName returns the index of the first section called name. Sections
// whose names cannot be resolved are skipped.
func (f *File) SectionByName(name string) (int, bool) {
	for i := range f.Sections {
		n, err := f.SectionName(i)
		if err != nil {
			continue
		}

		if n == name {
			return i, true
		}
	}

	return -1, false
}

// SectionByNameType is SectionByName restricted to sections of type typ.
func (f *File) SectionByNameType(name string, typ elf.SectionType) (int, bool) {
	for i := range f.Sections {
		if elf.SectionType(f.Sections[i].Type) != typ {
			continue
		}

		n, err := f.SectionName(i)
		if err != nil {
			continue
		}

		if n == name {
			return i, true
		}
	}

	return -1, false
}

func (f *File) FirstOfType(typ elf.SectionType) (int, bool) {
	for i := range f.Sections {
		if elf.SectionType(f.Sections[i].Type) == typ {
			return i, true
		}
	}

	return -1, false
}

// Symbols decodes the symbol table in section i. A trailing partial entry is
// ignored.
func (f *File) Symbols(i int) ([]elf.Sym64, error) {
	tab, err := f.section(i)
	if err != nil {
		return nil, err
	}

	count := tab.Len() / SymSize
	syms := make([]elf.Sym64, count)

	for j := range syms {
		if err := tab.Decode(uint64(j)*SymSize, &syms[j]); err != nil {
			return nil, err
		}
	}

	return syms, nil
}

// StringAt reads a string from string table section i.
func (f *File) StringAt(i int, off uint32) (string, error) {
	tab, err := f.section(i)
	if err != nil {
		return "", err
	}

	return tab.CString(uint64(off))
}
