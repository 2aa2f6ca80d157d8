package memory

import (
	"testing"

	"github.com/evanphx/envos/abi"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestVirtualMemory(t *testing.T) {
	n := neko.Modern(t)

	n.It("maps zeroed page-rounded regions", func(t *testing.T) {
		vm := NewVirtualMemory(0)

		reg, err := vm.Map(0x1010, 0x20)
		require.NoError(t, err)

		require.Equal(t, uint64(0x1000), reg.Start)
		require.Equal(t, uint64(0x1000), reg.Size)
		require.Equal(t, uint64(0x1000), vm.Size())

		mem, err := vm.Project(0x1000, 0x1000)
		require.NoError(t, err)

		for _, b := range mem {
			require.Equal(t, byte(0), b)
		}
	})

	n.It("reads back what was written", func(t *testing.T) {
		vm := NewVirtualMemory(0)

		_, err := vm.Map(0x4000, 0x100)
		require.NoError(t, err)

		require.NoError(t, vm.WriteUint64(0x4008, 0x1122334455667788))

		v, err := vm.ReadUint64(0x4008)
		require.NoError(t, err)
		require.Equal(t, uint64(0x1122334455667788), v)

		_, err = vm.WriteAt([]byte("hi\x00"), 0x4100)
		require.NoError(t, err)

		str, err := vm.ReadCString(0x4100, 16)
		require.NoError(t, err)
		require.Equal(t, "hi", string(str))

		require.NoError(t, vm.Zero(0x4008, 8))

		v, err = vm.ReadUint64(0x4008)
		require.NoError(t, err)
		require.Equal(t, uint64(0), v)
	})

	n.It("rejects access outside any region", func(t *testing.T) {
		vm := NewVirtualMemory(0)

		_, err := vm.Map(0x4000, 0x1000)
		require.NoError(t, err)

		_, err = vm.Project(0x4ff8, 16)
		require.Equal(t, ErrInvalidMemoryAccess, errors.Cause(err))

		_, err = vm.ReadUint64(0x9000)
		require.Equal(t, ErrInvalidMemoryAccess, errors.Cause(err))
	})

	n.It("refuses overlapping mappings", func(t *testing.T) {
		vm := NewVirtualMemory(0)

		_, err := vm.Map(0x4000, 0x2000)
		require.NoError(t, err)

		_, err = vm.Map(0x3000, 0x2000)
		require.Equal(t, ErrBadRegionRequest, errors.Cause(err))

		reg, err := vm.Map(0x4800, 0x10)
		require.NoError(t, err)
		require.Equal(t, uint64(0x4000), reg.Start)
	})

	n.It("reports exhaustion as out of memory", func(t *testing.T) {
		vm := NewVirtualMemory(0x2000)

		_, err := vm.Map(0x0, 0x2000)
		require.NoError(t, err)

		_, err = vm.Map(0x10000, 0x1000)
		require.Equal(t, ErrOutOfMemory, errors.Cause(err))
	})

	n.Meow()
}

func TestEnsure(t *testing.T) {
	n := neko.Modern(t)

	n.It("fills holes and allows access across adjacent regions", func(t *testing.T) {
		vm := NewVirtualMemory(0)

		_, err := vm.Map(0x2000, 0x1000)
		require.NoError(t, err)

		require.NoError(t, vm.Ensure(0x1800, 0x2000))
		require.Equal(t, uint64(0x3000), vm.Size())

		payload := make([]byte, 0x1800)
		for i := range payload {
			payload[i] = byte(i)
		}

		_, err = vm.WriteAt(payload, 0x1400)
		require.NoError(t, err)

		back := make([]byte, len(payload))
		_, err = vm.ReadAt(back, 0x1400)
		require.NoError(t, err)
		require.Equal(t, payload, back)

		require.NoError(t, vm.WriteUint64(0x1ffc, 0xaabbccddeeff0011))

		v, err := vm.ReadUint64(0x1ffc)
		require.NoError(t, err)
		require.Equal(t, uint64(0xaabbccddeeff0011), v)
	})

	n.It("refuses a range larger than the limit without mapping any of it", func(t *testing.T) {
		vm := NewVirtualMemory(0)

		_, err := vm.Map(abi.SaveArea, abi.SaveAreaSize)
		require.NoError(t, err)

		_, err = vm.Map(abi.KernelStackTop-abi.KernelStackSize, abi.KernelStackSize)
		require.NoError(t, err)

		used := vm.Size()

		err = vm.Ensure(0x9000000000, 1<<46)
		require.Equal(t, ErrOutOfMemory, errors.Cause(err))
		require.Equal(t, used, vm.Size())

		_, err = vm.ReadUint64(0x9000000000)
		require.Error(t, err)
	})

	n.It("counts only the holes against the limit", func(t *testing.T) {
		vm := NewVirtualMemory(4 * abi.PageSize)

		_, err := vm.Map(0x1000, 2*abi.PageSize)
		require.NoError(t, err)

		require.NoError(t, vm.Ensure(0x0, 4*abi.PageSize))
		require.Equal(t, uint64(4*abi.PageSize), vm.Size())

		err = vm.Ensure(0x4000, 1)
		require.Equal(t, ErrOutOfMemory, errors.Cause(err))
	})

	n.It("rejects a wrapping range", func(t *testing.T) {
		vm := NewVirtualMemory(0)

		err := vm.Ensure(^uint64(0)-0x10, 0x100)
		require.Equal(t, ErrBadRegionRequest, errors.Cause(err))
	})

	n.Meow()
}

func TestRelease(t *testing.T) {
	n := neko.Modern(t)

	n.It("unmaps what was mapped since a checkpoint", func(t *testing.T) {
		vm := NewVirtualMemory(0)

		_, err := vm.Map(0x1000, abi.PageSize)
		require.NoError(t, err)

		mark := vm.Checkpoint()

		require.NoError(t, vm.Ensure(0x0, 0x4000))
		require.Equal(t, uint64(0x4000), vm.Size())

		regs := vm.Since(mark)
		require.Len(t, regs, 2)

		vm.Release(regs...)
		require.Equal(t, uint64(abi.PageSize), vm.Size())

		require.True(t, vm.Overlaps(0x1800, 1))
		require.False(t, vm.Overlaps(0x2000, 0x2000))
		require.False(t, vm.Overlaps(0x0, 0x1000))

		_, err = vm.ReadUint64(0x3000)
		require.Error(t, err)

		_, err = vm.ReadUint64(0x1000)
		require.NoError(t, err)
	})

	n.It("reports overlap for ranges reaching the top of the address space", func(t *testing.T) {
		vm := NewVirtualMemory(0)

		_, err := vm.Map(0x8000, abi.PageSize)
		require.NoError(t, err)

		require.True(t, vm.Overlaps(0x4000, ^uint64(0)))
	})

	n.Meow()
}
