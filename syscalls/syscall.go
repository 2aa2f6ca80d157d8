// Package syscalls implements the kernel functions environments can call:
// the sys_* entry stubs reached through the trampoline and the native
// functions reached through the debug symbol table.
package syscalls

import (
	"context"

	"github.com/evanphx/envos/boundary"
	hclog "github.com/hashicorp/go-hclog"
)

// SysArgs are the call arguments of a native function in calling
// convention order (rdi, rsi, rdx, rcx, r8, r9).
type SysArgs struct {
	R0, R1, R2, R3, R4, R5 uint64
}

func argsFrom(a [6]uint64) SysArgs {
	return SysArgs{R0: a[0], R1: a[1], R2: a[2], R3: a[3], R4: a[4], R5: a[5]}
}

// Varargs returns the arguments after the first n.
func (a SysArgs) Varargs(n int) []uint64 {
	all := []uint64{a.R0, a.R1, a.R2, a.R3, a.R4, a.R5}
	if n > len(all) {
		n = len(all)
	}

	return all[n:]
}

// StubFunc handles an entry stub. It sees the caller only through the
// register frame at frameAddr.
type StubFunc func(ctx context.Context, l hclog.Logger, sys *Invoker, mem boundary.Memory, frameAddr uint64) (boundary.Action, error)

// NativeFunc is a kernel function called with plain arguments.
type NativeFunc func(ctx context.Context, l hclog.Logger, sys *Invoker, mem boundary.Memory, args SysArgs) (uint64, error)

type stub struct {
	addr uint64
	fn   StubFunc
}

var (
	Stubs   = map[string]stub{}
	Natives = map[string]NativeFunc{}
)
