package boundary

import "github.com/evanphx/envos/abi"

// EntryAlign is the spacing of entry points in kernel text.
const EntryAlign = 0x10

// Fixed entry stubs. These addresses are part of the binary interface:
// images bound against one kernel build must run on the same addresses.
const (
	SysYieldAddr = abi.KernelTextBase + 1*EntryAlign
	SysExitAddr  = abi.KernelTextBase + 2*EntryAlign
)

// NativeBase is the first address handed out to native kernel functions
// registered with Symbols.
const NativeBase = abi.KernelTextBase + 0x1000

var exports = []abi.Export{
	{Name: "sys_yield", Addr: SysYieldAddr},
	{Name: "sys_exit", Addr: SysExitAddr},
}

// ExportTable returns the kernel's exported entry stubs.
func ExportTable() []abi.Export {
	out := make([]abi.Export, len(exports))
	copy(out, exports)
	return out
}
