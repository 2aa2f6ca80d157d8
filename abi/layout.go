package abi

// Segment selectors in the GDT.
const (
	GDKernelText uint16 = 0x08
	GDKernelData uint16 = 0x10
	GDUserText   uint16 = 0x18
	GDUserData   uint16 = 0x20

	RPLUser uint16 = 3
)

// RFLAGS bits.
const (
	FlagReserved uint64 = 1 << 1
	FlagIF       uint64 = 1 << 9
)

const PageSize = 4096

// Fixed kernel address map. Kernel entry stubs and native kernel functions
// live in the kernel text window; every exported entry is 16-byte aligned.
const (
	KernelTextBase uint64 = 0x8040000000
	KernelTextSize uint64 = 0x100000

	// SaveArea is where the trampoline parks the caller's return address,
	// flags and stack pointer before switching stacks.
	SaveArea     uint64 = 0x8040200000
	SaveAreaSize uint64 = PageSize

	KernelStackTop  uint64 = 0x8040400000
	KernelStackSize uint64 = 4 * PageSize

	// StackAreaTop bounds the per-slot stacks of kernel-kind environments,
	// each two pages below its predecessor.
	StackAreaTop uint64 = 0x2000000
	EnvStackSize uint64 = 2 * PageSize

	UserStackTop uint64 = 0xeebfe000
)

// Save area layout.
const (
	SaveRIP    = 0
	SaveRFlags = 8
	SaveRSP    = 16
)

// IsKernelText reports whether addr is inside the kernel text window.
func IsKernelText(addr uint64) bool {
	return addr >= KernelTextBase && addr < KernelTextBase+KernelTextSize
}
