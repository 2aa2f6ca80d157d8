// Package memory is the memory service consumed by the kernel core: a sparse
// address space of zero-initialized regions.
package memory

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/log"
	"github.com/pkg/errors"
)

type Region struct {
	Start, Size uint64

	linear []byte
}

func (reg *Region) Contains(x uint64) bool {
	if x < reg.Start {
		return false
	}

	if x-reg.Start >= reg.Size {
		return false
	}

	return true
}

func (reg *Region) containsRange(addr, sz uint64) bool {
	if !reg.Contains(addr) {
		return false
	}

	return sz <= reg.Size-(addr-reg.Start)
}

func pageRound(sz uint64) uint64 {
	diff := sz % abi.PageSize
	if diff == 0 {
		return sz
	}

	return sz + (abi.PageSize - diff)
}

// Project returns the backing bytes for [addr, addr+sz). Backing storage
// is materialized lazily and is always zero when first touched.
func (reg *Region) Project(addr, sz uint64) []byte {
	offset := addr - reg.Start

	if uint64(len(reg.linear)) < offset+sz {
		slice := make([]byte, pageRound(offset+sz))
		copy(slice, reg.linear)

		reg.linear = slice
	}

	return reg.linear[offset : offset+sz]
}

var (
	ErrInvalidMemoryAccess = errors.New("invalid memory access via projection")
	ErrOutOfMemory         = errors.New("out of memory")
	ErrBadRegionRequest    = errors.New("bad region request")
)

// DefaultLimit is the mapping budget used when none is configured.
const DefaultLimit = 64 << 20

type VirtualMemory struct {
	regions []*Region

	size  uint64
	limit uint64
}

func NewVirtualMemory(limit uint64) *VirtualMemory {
	if limit == 0 {
		limit = DefaultLimit
	}

	return &VirtualMemory{
		limit: limit,
	}
}

func (vm *VirtualMemory) Size() uint64 {
	return vm.size
}

func (vm *VirtualMemory) FindRegion(addr uint64) (*Region, bool) {
	for _, reg := range vm.regions {
		if reg.Contains(addr) {
			return reg, true
		}
	}

	return nil, false
}

// Map makes [addr, addr+size) accessible and zero-initialized. The range
// is widened to page boundaries. Mapping over an existing region is only
// allowed when the request fits entirely inside it.
func (vm *VirtualMemory) Map(addr, size uint64) (*Region, error) {
	if size == 0 {
		return nil, errors.Wrapf(ErrBadRegionRequest, "empty mapping at %#x", addr)
	}

	start := addr &^ (abi.PageSize - 1)
	end := pageRound(addr + size)
	if end <= start {
		return nil, errors.Wrapf(ErrBadRegionRequest, "mapping at %#x wraps", addr)
	}

	if reg, ok := vm.FindRegion(addr); ok {
		if !reg.containsRange(addr, size) {
			return nil, errors.Wrapf(ErrBadRegionRequest, "mapping %#x+%#x overlaps region %#x+%#x",
				addr, size, reg.Start, reg.Size)
		}

		return reg, nil
	}

	for _, reg := range vm.regions {
		if reg.Start < end && start < reg.Start+reg.Size {
			return nil, errors.Wrapf(ErrBadRegionRequest, "mapping %#x+%#x overlaps region %#x+%#x",
				addr, size, reg.Start, reg.Size)
		}
	}

	if vm.size+(end-start) > vm.limit {
		return nil, errors.Wrapf(ErrOutOfMemory, "mapping %#x bytes at %#x (used %#x of %#x)",
			end-start, start, vm.size, vm.limit)
	}

	log.L.Trace("virtmem-map", "addr", start, "size", end-start)

	reg := &Region{
		Start: start,
		Size:  end - start,
	}

	vm.regions = append(vm.regions, reg)
	vm.size += reg.Size

	return reg, nil
}

// Project returns a writable view of [addr, addr+sz). The range must fall
// inside a single region.
func (vm *VirtualMemory) Project(addr, sz uint64) ([]byte, error) {
	reg, ok := vm.FindRegion(addr)
	if !ok || !reg.containsRange(addr, sz) {
		return nil, errors.Wrapf(ErrInvalidMemoryAccess, "error projecting address=%x, size=%x", addr, sz)
	}

	return reg.Project(addr, sz), nil
}

// Ensure maps every page of [addr, addr+size) that is not mapped yet, one
// region per hole. Nothing is mapped unless every hole fits in the limit.
func (vm *VirtualMemory) Ensure(addr, size uint64) error {
	if size == 0 {
		return nil
	}

	start := addr &^ (abi.PageSize - 1)
	end := pageRound(addr + size)
	if addr+size < addr || end <= start {
		return errors.Wrapf(ErrBadRegionRequest, "range at %#x wraps", addr)
	}

	holes := vm.holes(start, end)

	var missing uint64
	for _, h := range holes {
		missing += h.Size
	}

	if missing > vm.limit-vm.size {
		return errors.Wrapf(ErrOutOfMemory, "ensuring %#x bytes at %#x (used %#x of %#x)",
			missing, start, vm.size, vm.limit)
	}

	for _, h := range holes {
		if _, err := vm.Map(h.Start, h.Size); err != nil {
			return err
		}
	}

	return nil
}

// holes lists the unmapped ranges of [start, end), in address order.
func (vm *VirtualMemory) holes(start, end uint64) []Region {
	var mapped []*Region
	for _, reg := range vm.regions {
		if reg.Start < end && start < reg.Start+reg.Size {
			mapped = append(mapped, reg)
		}
	}

	sort.Slice(mapped, func(i, j int) bool {
		return mapped[i].Start < mapped[j].Start
	})

	var (
		out []Region
		cur = start
	)

	for _, reg := range mapped {
		if reg.Start > cur {
			out = append(out, Region{Start: cur, Size: reg.Start - cur})
		}

		if top := reg.Start + reg.Size; top > cur {
			cur = top
		}
	}

	if cur < end {
		out = append(out, Region{Start: cur, Size: end - cur})
	}

	return out
}

// Overlaps reports whether any mapped region intersects [addr, addr+size).
func (vm *VirtualMemory) Overlaps(addr, size uint64) bool {
	top := addr + size
	if top < addr {
		top = ^uint64(0)
	}

	for _, reg := range vm.regions {
		if reg.Start < top && addr < reg.Start+reg.Size {
			return true
		}
	}

	return false
}

// Checkpoint marks the current set of regions for Since.
func (vm *VirtualMemory) Checkpoint() int {
	return len(vm.regions)
}

// Since returns the regions mapped after mark was taken. Marks are only
// valid until the next Release.
func (vm *VirtualMemory) Since(mark int) []*Region {
	if mark >= len(vm.regions) {
		return nil
	}

	return append([]*Region(nil), vm.regions[mark:]...)
}

// Release unmaps regs, returning their pages to the limit.
func (vm *VirtualMemory) Release(regs ...*Region) {
	for _, reg := range regs {
		for i, r := range vm.regions {
			if r != reg {
				continue
			}

			vm.regions = append(vm.regions[:i], vm.regions[i+1:]...)
			vm.size -= reg.Size

			log.L.Trace("virtmem-unmap", "addr", reg.Start, "size", reg.Size)
			break
		}
	}
}

// walk visits [addr, addr+n) region by region so accesses may span
// adjacent mappings.
func (vm *VirtualMemory) walk(addr, n uint64, fn func(mem []byte, done uint64)) error {
	var done uint64

	for done < n {
		cur := addr + done
		reg, ok := vm.FindRegion(cur)
		if !ok {
			return errors.Wrapf(ErrInvalidMemoryAccess, "error accessing address=%x, size=%x", addr, n)
		}

		chunk := reg.Size - (cur - reg.Start)
		if chunk > n-done {
			chunk = n - done
		}

		fn(reg.Project(cur, chunk), done)
		done += chunk
	}

	return nil
}

func (vm *VirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	err := vm.walk(uint64(off), uint64(len(p)), func(mem []byte, done uint64) {
		copy(p[done:], mem)
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

func (vm *VirtualMemory) WriteAt(p []byte, off int64) (int, error) {
	err := vm.walk(uint64(off), uint64(len(p)), func(mem []byte, done uint64) {
		copy(mem, p[done:])
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Zero clears [addr, addr+sz).
func (vm *VirtualMemory) Zero(addr, sz uint64) error {
	return vm.walk(addr, sz, func(mem []byte, _ uint64) {
		for i := range mem {
			mem[i] = 0
		}
	})
}

func (vm *VirtualMemory) ReadUint64(addr uint64) (uint64, error) {
	var buf [8]byte

	_, err := vm.ReadAt(buf[:], int64(addr))
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (vm *VirtualMemory) WriteUint64(addr, val uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], val)

	_, err := vm.WriteAt(buf[:], int64(addr))
	return err
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func (vm *VirtualMemory) ReadCString(addr uint64, max int) ([]byte, error) {
	var buf bytes.Buffer

	var t [1]byte

	for i := 0; i < max; i++ {
		_, err := vm.ReadAt(t[:], int64(addr)+int64(i))
		if err != nil {
			return nil, err
		}

		if t[0] == 0 {
			return buf.Bytes(), nil
		}

		buf.WriteByte(t[0])
	}

	return nil, errors.Wrapf(ErrInvalidMemoryAccess, "unterminated string at %#x", addr)
}
