package syscalls

import (
	"context"
	"io"
	"os"
	"sort"

	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/boundary"
	"github.com/evanphx/envos/kernel"
	"github.com/evanphx/envos/log"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Invoker connects the kernel's entry points to their implementations.
type Invoker struct {
	L       hclog.Logger
	Kernel  *kernel.Kernel
	Console io.Writer
}

func NewInvoker(k *kernel.Kernel) *Invoker {
	return &Invoker{
		L:       log.L,
		Kernel:  k,
		Console: os.Stdout,
	}
}

// Install registers every stub with the kernel's trampoline and every
// native function with its symbol table. Stubs must sit at the addresses
// the kernel exports.
func (i *Invoker) Install() error {
	exported := map[string]uint64{}
	for _, ex := range i.Kernel.Exports {
		exported[ex.Name] = ex.Addr
	}

	for name, s := range Stubs {
		if addr, ok := exported[name]; !ok || addr != s.addr {
			return errors.Errorf("stub %s at %#x is not exported there", name, s.addr)
		}

		i.Kernel.Trampoline.Register(name, s.addr, i.stub(name, s.fn))
	}

	names := make([]string, 0, len(Natives))
	for name := range Natives {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if _, err := i.Kernel.Symbols.Register(name, i.native(name, Natives[name])); err != nil {
			return err
		}
	}

	return nil
}

func (i *Invoker) stub(name string, fn StubFunc) boundary.Handler {
	return func(ctx context.Context, mem boundary.Memory, frameAddr uint64) (boundary.Action, error) {
		if cur := i.Kernel.Current(); cur != nil {
			i.L.Trace("syscall", "id", cur.ID, "name", name)
		}

		return fn(ctx, i.L, i, mem, frameAddr)
	}
}

func (i *Invoker) native(name string, fn NativeFunc) boundary.Native {
	return func(ctx context.Context, mem boundary.Memory, args [6]uint64) (uint64, error) {
		if cur := i.Kernel.Current(); cur != nil {
			i.L.Trace("syscall", "id", cur.ID, "name", name, "args", args)
		}

		return fn(ctx, i.L, i, mem, argsFrom(args))
	}
}

// current is the environment that made the call.
func (i *Invoker) current() (*kernel.Env, error) {
	return i.Kernel.Lookup(0, false)
}

func readFrame(mem boundary.Memory, frameAddr uint64) (abi.Frame, error) {
	var tf abi.Frame
	err := boundary.ReadFrame(mem, frameAddr, &tf)
	return tf, err
}
