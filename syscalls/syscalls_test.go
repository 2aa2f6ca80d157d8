package syscalls

import (
	"bytes"
	"context"
	"debug/elf"
	"testing"

	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/boundary"
	"github.com/evanphx/envos/exec"
	"github.com/evanphx/envos/image"
	"github.com/evanphx/envos/kernel"
	"github.com/evanphx/envos/memory"
	"github.com/evanphx/envos/sched"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

const (
	base     = 0x400000
	dataAddr = 0x402000
	bssAddr  = 0x403000
)

func slot(name string, off uint64) image.Symbol {
	return image.Symbol{
		Name:    name,
		Value:   bssAddr + off,
		Size:    8,
		Bind:    elf.STB_GLOBAL,
		Type:    elf.STT_OBJECT,
		Section: ".bss",
	}
}

const format = "env %x says %s %d%%\n\x00"

func greeterCode(t *testing.T) []byte {
	hi := uint64(dataAddr + len(format))

	code, err := exec.NewAsm(base).
		Callm(bssAddr + 8).
		Store(bssAddr+32, abi.RAX).
		Movi(abi.RDI, dataAddr).
		Load(abi.RSI, bssAddr+32).
		Movi(abi.RDX, hi).
		Movi(abi.RCX, uint64(0xfffffff9)).
		Callm(bssAddr).
		Callm(bssAddr + 16).
		Callm(bssAddr + 24).
		Bytes()
	require.NoError(t, err)

	return code
}

// greeter prints its id and a greeting, yields once and exits.
func greeter(t *testing.T) []byte {
	b := &image.Builder{
		Entry:    base,
		TextAddr: base,
		Text:     greeterCode(t),
		DataAddr: dataAddr,
		Data:     []byte(format + "hi\x00"),
		BssAddr:  bssAddr,
		BssSize:  40,
		Symbols: []image.Symbol{
			slot("cprintf", 0),
			slot("sys_getenvid", 8),
			slot("sys_yield", 16),
			slot("sys_exit", 24),
		},
	}

	return b.Build()
}

func booted(t *testing.T) (*kernel.Kernel, *bytes.Buffer) {
	k, err := kernel.NewKernel(kernel.Options{Capacity: 8})
	require.NoError(t, err)

	var console bytes.Buffer

	sys := NewInvoker(k)
	sys.Console = &console
	require.NoError(t, sys.Install())

	return k, &console
}

func TestSyscalls(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()

	n.It("binds every kernel function an image asks for", func(t *testing.T) {
		k, _ := booted(t)

		id := k.MustCreate(greeter(t), kernel.KindKernel)
		e, err := k.Env(id)
		require.NoError(t, err)

		printf, ok := k.Symbols.Lookup("cprintf")
		require.True(t, ok)

		want := map[uint64]uint64{
			bssAddr:      printf,
			bssAddr + 16: boundary.SysYieldAddr,
			bssAddr + 24: boundary.SysExitAddr,
		}

		for addr, target := range want {
			v, err := e.Mem.ReadUint64(addr)
			require.NoError(t, err)
			require.Equal(t, target, v, "slot %#x", addr)
		}
	})

	n.It("runs a program through every call", func(t *testing.T) {
		k, console := booted(t)

		id := k.MustCreate(greeter(t), kernel.KindKernel)

		require.NoError(t, k.Run(ctx, sched.RoundRobin{}))

		require.Equal(t, "env 1000 says hi -7%\n", console.String())

		got, err := k.Mem.ReadUint64(bssAddr + 32)
		require.NoError(t, err)
		require.Equal(t, uint64(uint32(id)), got)

		_, err = k.Env(id)
		require.Equal(t, kernel.ErrBadHandle, errors.Cause(err))
	})

	n.It("saves the caller's frame on yield", func(t *testing.T) {
		k, _ := booted(t)

		id := k.MustCreate(greeter(t), kernel.KindKernel)

		trap, err := k.Dispatch(ctx, id)
		require.NoError(t, err)
		require.Equal(t, exec.TrapYield, trap.Kind)

		e, err := k.Env(id)
		require.NoError(t, err)
		require.Equal(t, kernel.Running, e.Status)

		// Resumes at the final call, to sys_exit.
		code := greeterCode(t)
		exit := exec.Inst{Op: exec.OpCallm}
		require.Equal(t, uint64(base+len(code)-exit.Size()), e.Frame.RIP)
		require.Equal(t, uint64(abi.StackAreaTop), e.Frame.RSP)

		trap, err = k.Dispatch(ctx, id)
		require.NoError(t, err)
		require.Equal(t, exec.TrapExit, trap.Kind)
		require.Nil(t, k.Current())
	})

	n.It("refuses stubs the kernel does not export", func(t *testing.T) {
		k, err := kernel.NewKernel(kernel.Options{Capacity: 8})
		require.NoError(t, err)

		k.Exports = nil

		require.Error(t, NewInvoker(k).Install())
	})

	n.Meow()
}

func TestSprintf(t *testing.T) {
	n := neko.Modern(t)

	mem := memory.NewVirtualMemory(0)
	_, err := mem.Map(0x1000, abi.PageSize)
	require.NoError(t, err)

	_, err = mem.WriteAt([]byte("kernel\x00"), 0x1000)
	require.NoError(t, err)

	format := func(f string, args ...uint64) string {
		out, err := Sprintf(mem, []byte(f), args)
		require.NoError(t, err)
		return string(out)
	}

	n.It("formats integers at both widths", func(t *testing.T) {
		require.Equal(t, "-1 4294967295", format("%d %u", 0xffffffff, 0xffffffff))
		require.Equal(t, "4294967295", format("%ld", 0xffffffff))
		require.Equal(t, "ff 1ffffffff", format("%x %lx", 0x1000000ff, 0x1ffffffff))
		require.Equal(t, "0x8040000010", format("%p", 0x8040000010))
	})

	n.It("reads strings from memory", func(t *testing.T) {
		require.Equal(t, "hello kernel!", format("hello %s%c", 0x1000, '!'))
		require.Equal(t, "(null)", format("%s", 0))
	})

	n.It("passes literal and unknown verbs through", func(t *testing.T) {
		require.Equal(t, "100% %q", format("100%% %q"))
		require.Equal(t, "trailing %", format("trailing %"))
	})

	n.It("fails when arguments run out", func(t *testing.T) {
		_, err := Sprintf(mem, []byte("%d %d"), []uint64{1})
		require.Equal(t, ErrMissingArgument, err)
	})

	n.It("fails on an unreadable string", func(t *testing.T) {
		_, err := Sprintf(mem, []byte("%s"), []uint64{0x9000})
		require.Equal(t, memory.ErrInvalidMemoryAccess, errors.Cause(err))
	})

	n.Meow()
}
