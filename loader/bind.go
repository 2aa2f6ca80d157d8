package loader

import (
	"debug/elf"
	"fmt"

	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/image"
	"github.com/evanphx/envos/log"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// PointerSize is the width of a bound pointer slot.
const PointerSize = 8

type BindReason int

const (
	NoSectionNames BindReason = iota + 1
	NoBssSection
	NoSymbolStringTable
)

func (r BindReason) String() string {
	switch r {
	case NoSectionNames:
		return "no section names"
	case NoBssSection:
		return "no .bss section"
	case NoSymbolStringTable:
		return "no symbol string table"
	default:
		return fmt.Sprintf("BindReason(%d)", int(r))
	}
}

type BindError struct {
	Reason BindReason
}

func (e *BindError) Error() string {
	return "binding failed: " + e.Reason.String()
}

// SymbolMemory is what the binder writes bound pointers through.
type SymbolMemory interface {
	WriteUint64(addr, val uint64) error
}

type Binder struct {
	L hclog.Logger
}

func NewBinder() *Binder {
	return &Binder{L: log.L}
}

// Bind fills the image's kernel pointer slots: global object symbols that
// live in .bss. Each is resolved against exports first, then lookup; a
// name neither knows is written as zero so a call through it faults. It
// returns how many slots received a non-zero address.
func (b *Binder) Bind(mem SymbolMemory, f *image.File, exports []abi.Export, lookup abi.LookupFunc) (int, error) {
	if elf.SectionType(f.NamesSection().Type) != elf.SHT_STRTAB {
		return 0, &BindError{Reason: NoSectionNames}
	}

	bss, ok := f.SectionByName(".bss")
	if !ok {
		return 0, &BindError{Reason: NoBssSection}
	}

	start := f.Sections[bss].Addr
	end := start + f.Sections[bss].Size
	if end < start {
		return 0, errors.Wrapf(ErrInvalidExecutable, ".bss at %#x wraps the address space", start)
	}

	strtab, haveStrtab := f.SectionByNameType(".strtab", elf.SHT_STRTAB)

	symtab, ok := f.FirstOfType(elf.SHT_SYMTAB)
	if !ok {
		return 0, nil
	}

	if !haveStrtab {
		return 0, &BindError{Reason: NoSymbolStringTable}
	}

	syms, err := f.Symbols(symtab)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidExecutable, "symbol table: %s", err)
	}

	var bound int

	for _, sym := range syms {
		if elf.ST_BIND(sym.Info) != elf.STB_GLOBAL || elf.ST_TYPE(sym.Info) != elf.STT_OBJECT {
			continue
		}

		addr := sym.Value
		if addr < start || addr >= end || end-addr < PointerSize {
			continue
		}

		name, err := f.StringAt(strtab, sym.Name)
		if err != nil {
			b.L.Warn("unreadable symbol name", "offset", sym.Name, "error", err)
		}

		target := resolve(name, exports, lookup)

		b.L.Trace("bind-symbol", "name", name, "slot", hclog.Fmt("%#x", addr), "target", hclog.Fmt("%#x", target))

		if err := mem.WriteUint64(addr, target); err != nil {
			return bound, err
		}

		if target != 0 {
			bound++
		}
	}

	return bound, nil
}

func resolve(name string, exports []abi.Export, lookup abi.LookupFunc) uint64 {
	if name == "" {
		return 0
	}

	for _, ex := range exports {
		if ex.Name == name {
			return ex.Addr
		}
	}

	if lookup != nil {
		if addr, ok := lookup(name); ok {
			return addr
		}
	}

	return 0
}
