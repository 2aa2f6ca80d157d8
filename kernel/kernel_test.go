package kernel

import (
	"context"
	"debug/elf"
	"testing"

	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/boundary"
	"github.com/evanphx/envos/exec"
	"github.com/evanphx/envos/image"
	"github.com/evanphx/envos/loader"
	"github.com/evanphx/envos/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

type fakeCPU struct {
	resumed []abi.Frame
	next    func(frame *abi.Frame) exec.Trap
}

func (f *fakeCPU) Resume(ctx context.Context, mem boundary.Memory, frame *abi.Frame) (exec.Trap, error) {
	f.resumed = append(f.resumed, *frame)

	if f.next != nil {
		return f.next(frame), nil
	}

	return exec.Trap{Kind: exec.TrapYield}, nil
}

func newKernel(t *testing.T) *Kernel {
	k, err := NewKernel(Options{Capacity: 8, CacheSize: 4})
	require.NoError(t, err)
	return k
}

func slotSymbol(name string, addr uint64) image.Symbol {
	return image.Symbol{
		Name:    name,
		Value:   addr,
		Size:    8,
		Bind:    elf.STB_GLOBAL,
		Type:    elf.STT_OBJECT,
		Section: ".bss",
	}
}

// yielder yields loops times and then exits. Its kernel pointers live at
// the start of .bss.
func yielder(t *testing.T, base uint64, loops int32) []byte {
	bss := base + 0x1000

	code, err := exec.NewAsm(base).
		Movi(abi.RBX, uint64(loops)).
		Label("loop").
		Callm(bss).
		Addi(abi.RBX, -1).
		Jnz(abi.RBX, "loop").
		Callm(bss + 8).
		Bytes()
	require.NoError(t, err)

	b := &image.Builder{
		Entry:    base,
		TextAddr: base,
		Text:     code,
		BssAddr:  bss,
		BssSize:  16,
		Symbols: []image.Symbol{
			slotSymbol("sys_yield", bss),
			slotSymbol("sys_exit", bss+8),
		},
	}

	return b.Build()
}

// installStubs wires minimal sys_yield and sys_exit handlers.
func installStubs(k *Kernel) {
	k.Trampoline.Register("sys_yield", boundary.SysYieldAddr, func(ctx context.Context, mem boundary.Memory, frameAddr uint64) (boundary.Action, error) {
		return boundary.Yield, nil
	})

	k.Trampoline.Register("sys_exit", boundary.SysExitAddr, func(ctx context.Context, mem boundary.Memory, frameAddr uint64) (boundary.Action, error) {
		return boundary.Exit, k.Destroy(0)
	})
}

type roundRobin struct{}

func (roundRobin) Next(k *Kernel) (*Env, bool) {
	tab := k.Table()

	start := 0
	if cur := k.Current(); cur != nil {
		start = cur.Index() + 1
	}

	for i := 0; i < tab.Capacity(); i++ {
		e := tab.Slot((start + i) % tab.Capacity())
		if e.Status == Runnable {
			return e, true
		}
	}

	if cur := k.Current(); cur != nil && cur.Status == Running {
		return cur, true
	}

	return nil, false
}

func TestDispatch(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()

	n.It("runs the target and counts the dispatch", func(t *testing.T) {
		k := newKernel(t)
		cpu := &fakeCPU{}
		k.CPU = cpu

		e, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)
		e.Frame.RIP = 0x1000

		trap, err := k.Dispatch(ctx, e.ID)
		require.NoError(t, err)
		require.Equal(t, exec.TrapYield, trap.Kind)

		require.Equal(t, Running, e.Status)
		require.Equal(t, uint64(1), e.Runs)
		require.Equal(t, e, k.Current())

		require.Len(t, cpu.resumed, 1)
		require.Equal(t, uint64(0x1000), cpu.resumed[0].RIP)
	})

	n.It("demotes the previously running environment", func(t *testing.T) {
		k := newKernel(t)
		k.CPU = &fakeCPU{}

		a, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)

		b, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)

		_, err = k.Dispatch(ctx, a.ID)
		require.NoError(t, err)

		_, err = k.Dispatch(ctx, b.ID)
		require.NoError(t, err)

		require.Equal(t, Runnable, a.Status)
		require.Equal(t, Running, b.Status)
		require.Equal(t, b, k.Current())

		running := 0
		for i := 0; i < k.Table().Capacity(); i++ {
			if k.Table().Slot(i).Status == Running {
				running++
			}
		}
		require.Equal(t, 1, running)
	})

	n.It("dispatches the running environment again", func(t *testing.T) {
		k := newKernel(t)
		k.CPU = &fakeCPU{}

		e, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)

		_, err = k.Dispatch(ctx, e.ID)
		require.NoError(t, err)

		_, err = k.Dispatch(ctx, e.ID)
		require.NoError(t, err)

		require.Equal(t, Running, e.Status)
		require.Equal(t, uint64(2), e.Runs)
	})

	n.It("keeps the frame captured by the processor", func(t *testing.T) {
		k := newKernel(t)
		k.CPU = &fakeCPU{next: func(frame *abi.Frame) exec.Trap {
			frame.RIP = 0x2222
			frame.RAX = 5
			return exec.Trap{Kind: exec.TrapYield}
		}}

		e, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)

		_, err = k.Dispatch(ctx, e.ID)
		require.NoError(t, err)

		require.Equal(t, uint64(0x2222), e.Frame.RIP)
		require.Equal(t, uint64(5), e.Frame.RAX)
	})

	n.It("keeps the frame when dispatched through the current handle", func(t *testing.T) {
		k := newKernel(t)
		k.CPU = &fakeCPU{}

		e, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)

		_, err = k.Dispatch(ctx, e.ID)
		require.NoError(t, err)

		k.CPU = &fakeCPU{next: func(frame *abi.Frame) exec.Trap {
			frame.RIP = 0x3333
			return exec.Trap{Kind: exec.TrapHalt}
		}}

		trap, err := k.Dispatch(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, exec.TrapHalt, trap.Kind)

		require.Equal(t, uint64(0x3333), e.Frame.RIP)
		require.Equal(t, uint64(2), e.Runs)
	})

	n.It("refuses an environment that cannot run", func(t *testing.T) {
		k := newKernel(t)
		cpu := &fakeCPU{}
		k.CPU = cpu

		e, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)
		e.Status = NotRunnable

		_, err = k.Dispatch(ctx, e.ID)
		require.Equal(t, ErrNotRunnable, errors.Cause(err))
		require.Empty(t, cpu.resumed)
	})

	n.It("accepts a dying environment", func(t *testing.T) {
		k := newKernel(t)
		k.CPU = &fakeCPU{}

		e, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)
		e.Status = Dying

		_, err = k.Dispatch(ctx, e.ID)
		require.NoError(t, err)
		require.Equal(t, Running, e.Status)
	})

	n.It("refuses a stale handle", func(t *testing.T) {
		k := newKernel(t)
		k.CPU = &fakeCPU{}

		e, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)

		id := e.ID
		require.NoError(t, k.Destroy(id))

		_, err = k.Dispatch(ctx, id)
		require.Equal(t, ErrBadHandle, errors.Cause(err))
	})

	n.It("forgets the current environment when it is destroyed", func(t *testing.T) {
		k := newKernel(t)
		k.CPU = &fakeCPU{}

		e, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)

		_, err = k.Dispatch(ctx, e.ID)
		require.NoError(t, err)

		require.NoError(t, k.Destroy(0))
		require.Nil(t, k.Current())
		require.Equal(t, Free, e.Status)

		_, err = k.Lookup(0, false)
		require.Equal(t, ErrBadHandle, errors.Cause(err))
	})

	n.Meow()
}

func TestCreate(t *testing.T) {
	n := neko.Modern(t)

	n.It("loads and binds an image", func(t *testing.T) {
		k := newKernel(t)

		id, err := k.Create(yielder(t, 0x400000, 1), KindKernel)
		require.NoError(t, err)

		e, err := k.Env(id)
		require.NoError(t, err)

		require.Equal(t, Runnable, e.Status)
		require.Equal(t, uint64(0x400000), e.Frame.RIP)
		require.Equal(t, abi.StackAreaTop, e.Frame.RSP)
		require.NotNil(t, e.Image)
		require.Equal(t, k.Mem, e.Mem)

		yield, err := e.Mem.ReadUint64(0x401000)
		require.NoError(t, err)
		require.Equal(t, uint64(boundary.SysYieldAddr), yield)

		exit, err := e.Mem.ReadUint64(0x401008)
		require.NoError(t, err)
		require.Equal(t, uint64(boundary.SysExitAddr), exit)
	})

	n.It("gives user environments their own address space", func(t *testing.T) {
		k := newKernel(t)

		id, err := k.Create(yielder(t, 0x800000, 1), KindUser)
		require.NoError(t, err)

		e, err := k.Env(id)
		require.NoError(t, err)

		require.NotEqual(t, k.Mem, e.Mem)

		_, ok := k.Mem.FindRegion(0x800000)
		require.False(t, ok)

		_, ok = e.Mem.FindRegion(abi.UserStackTop - 8)
		require.True(t, ok)

		_, ok = e.Mem.FindRegion(abi.SaveArea)
		require.True(t, ok)
	})

	n.It("releases the slot when the image is rejected", func(t *testing.T) {
		k := newKernel(t)

		_, err := k.Create([]byte("not an executable"), KindKernel)
		require.Equal(t, loader.ErrInvalidExecutable, errors.Cause(err))

		e, err := k.table.Alloc(0, KindKernel)
		require.NoError(t, err)
		require.Equal(t, 0, e.Index())
		require.Equal(t, EnvID(2<<GenShift), e.ID)
	})

	n.It("reports binding failures", func(t *testing.T) {
		k := newKernel(t)

		b := &image.Builder{
			Entry:    0x400000,
			TextAddr: 0x400000,
			Text:     exec.NewAsm(0x400000).Hlt().MustBytes(),
		}

		_, err := k.Create(b.Build(), KindKernel)

		be, ok := errors.Cause(err).(*loader.BindError)
		require.True(t, ok)
		require.Equal(t, loader.NoBssSection, be.Reason)

		require.False(t, k.Mem.Overlaps(0x400000, abi.PageSize))
	})

	n.It("passes out of memory through unchanged", func(t *testing.T) {
		k := newKernel(t)

		b := &image.Builder{
			Entry:    0x400000,
			TextAddr: 0x400000,
			Text:     exec.NewAsm(0x400000).Hlt().MustBytes(),
			BssAddr:  0x9000000000,
			BssSize:  1 << 46,
		}

		_, err := k.Create(b.Build(), KindKernel)
		require.Equal(t, memory.ErrOutOfMemory, errors.Cause(err))

		require.False(t, k.Mem.Overlaps(0x400000, abi.PageSize))

		_, err = k.Create(yielder(t, 0x400000, 1), KindKernel)
		require.NoError(t, err)
	})

	n.It("refuses kernel images that overlap one another", func(t *testing.T) {
		k := newKernel(t)

		first, err := k.Create(yielder(t, 0x400000, 1), KindKernel)
		require.NoError(t, err)

		_, err = k.Create(yielder(t, 0x400000, 7), KindKernel)
		require.Equal(t, ErrImageOverlap, errors.Cause(err))

		e, err := k.Env(first)
		require.NoError(t, err)

		yield, err := e.Mem.ReadUint64(0x401000)
		require.NoError(t, err)
		require.Equal(t, uint64(boundary.SysYieldAddr), yield)

		require.NoError(t, k.Destroy(first))
		require.False(t, k.Mem.Overlaps(0x400000, abi.PageSize))

		_, err = k.Create(yielder(t, 0x400000, 7), KindKernel)
		require.NoError(t, err)
	})

	n.It("loads the same address into separate user environments", func(t *testing.T) {
		k := newKernel(t)

		_, err := k.Create(yielder(t, 0x400000, 1), KindUser)
		require.NoError(t, err)

		_, err = k.Create(yielder(t, 0x400000, 1), KindUser)
		require.NoError(t, err)
	})

	n.It("panics on a bad boot image", func(t *testing.T) {
		k := newKernel(t)

		require.Panics(t, func() {
			k.MustCreate(nil, KindKernel)
		})
	})

	n.Meow()
}

func TestRun(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()

	n.It("alternates yielding environments until they exit", func(t *testing.T) {
		k := newKernel(t)
		installStubs(k)

		a := k.MustCreate(yielder(t, 0x400000, 3), KindKernel)
		b := k.MustCreate(yielder(t, 0x600000, 3), KindUser)

		var order []EnvID

		p := policyFunc(func(k *Kernel) (*Env, bool) {
			e, ok := roundRobin{}.Next(k)
			if ok {
				order = append(order, e.ID)
			}
			return e, ok
		})

		require.NoError(t, k.Run(ctx, p))

		require.Equal(t, []EnvID{a, b, a, b, a, b, a, b}, order)

		for i := 0; i < k.Table().Capacity(); i++ {
			require.Equal(t, Free, k.Table().Slot(i).Status)
		}

		require.Nil(t, k.Current())
	})

	n.It("destroys environments that fault", func(t *testing.T) {
		k := newKernel(t)
		installStubs(k)

		b := &image.Builder{
			Entry:    0x400000,
			TextAddr: 0x400000,
			Text:     exec.NewAsm(0x400000).Callm(0x401000).MustBytes(),
			BssAddr:  0x401000,
			BssSize:  8,
			Symbols:  []image.Symbol{slotSymbol("unknown_fn", 0x401000)},
		}

		id := k.MustCreate(b.Build(), KindKernel)

		require.NoError(t, k.Run(ctx, roundRobin{}))

		_, err := k.Env(id)
		require.Equal(t, ErrBadHandle, errors.Cause(err))
	})

	n.It("stops at the dispatch limit", func(t *testing.T) {
		k := newKernel(t)
		installStubs(k)
		k.MaxDispatches = 2

		id := k.MustCreate(yielder(t, 0x400000, 100), KindKernel)

		require.NoError(t, k.Run(ctx, roundRobin{}))

		e, err := k.Env(id)
		require.NoError(t, err)
		require.Equal(t, uint64(2), e.Runs)
	})

	n.Meow()
}

type policyFunc func(k *Kernel) (*Env, bool)

func (f policyFunc) Next(k *Kernel) (*Env, bool) {
	return f(k)
}
