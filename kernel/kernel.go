package kernel

import (
	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/boundary"
	"github.com/evanphx/envos/exec"
	"github.com/evanphx/envos/loader"
	"github.com/evanphx/envos/log"
	"github.com/evanphx/envos/memory"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const DefaultCapacity = 1024

type Options struct {
	Capacity    int
	MemoryLimit uint64

	// CacheSize bounds the parsed-image cache; 0 disables it.
	CacheSize int
}

type Kernel struct {
	L hclog.Logger

	// Mem is the kernel address space, shared by kernel-kind environments.
	Mem *memory.VirtualMemory

	Loader     *loader.Loader
	Binder     *loader.Binder
	Exports    []abi.Export
	Symbols    *boundary.Symbols
	Trampoline *boundary.Trampoline
	CPU        Processor

	// MaxDispatches stops Run after that many dispatches; 0 means no limit.
	MaxDispatches int

	memLimit uint64
	table    *Table
	cur      *Env
}

func NewKernel(opts Options) (*Kernel, error) {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}

	table, err := NewTable(opts.Capacity)
	if err != nil {
		return nil, err
	}

	var cache *loader.LoaderCache
	if opts.CacheSize > 0 {
		cache = loader.NewLoaderCache(opts.CacheSize)
	}

	k := &Kernel{
		L:          log.L,
		Loader:     loader.NewLoader(cache),
		Binder:     loader.NewBinder(),
		Exports:    boundary.ExportTable(),
		Symbols:    boundary.NewSymbols(),
		Trampoline: boundary.NewTrampoline(),
		memLimit:   opts.MemoryLimit,
		table:      table,
	}

	k.CPU = exec.NewVM(k.Trampoline, k.Symbols)

	k.Mem, err = k.addressSpace()
	if err != nil {
		return nil, err
	}

	return k, nil
}

// addressSpace creates an address space with the kernel's own windows
// mapped: the trampoline save area and the kernel stack.
func (k *Kernel) addressSpace() (*memory.VirtualMemory, error) {
	mem := memory.NewVirtualMemory(k.memLimit)

	if _, err := mem.Map(abi.SaveArea, abi.SaveAreaSize); err != nil {
		return nil, errors.Wrap(err, "mapping trampoline save area")
	}

	if _, err := mem.Map(abi.KernelStackTop-abi.KernelStackSize, abi.KernelStackSize); err != nil {
		return nil, errors.Wrap(err, "mapping kernel stack")
	}

	return mem, nil
}

func (k *Kernel) Table() *Table {
	return k.table
}

// Current returns the environment that was last dispatched, or nil.
func (k *Kernel) Current() *Env {
	return k.cur
}

// Env resolves id without a permission check.
func (k *Kernel) Env(id EnvID) (*Env, error) {
	return k.table.Lookup(id, k.cur, false)
}

// Lookup resolves id on behalf of the current environment.
func (k *Kernel) Lookup(id EnvID, checkPerm bool) (*Env, error) {
	return k.table.Lookup(id, k.cur, checkPerm)
}

// Create allocates an environment and populates it from the executable in
// buf: its stack and image footprint are mapped, the image is loaded and
// its kernel pointer slots are bound. On failure the slot is released and
// the error returned.
func (k *Kernel) Create(buf []byte, kind Kind) (EnvID, error) {
	e, err := k.table.Alloc(0, kind)
	if err != nil {
		return 0, err
	}

	if err := k.populate(e, buf); err != nil {
		k.release(e)
		k.table.Free(e)
		return 0, err
	}

	k.L.Debug("env-create", "id", e.ID, "kind", kind, "entry", hclog.Fmt("%#x", e.Frame.RIP))

	return e.ID, nil
}

// MustCreate is Create for the trusted boot sequence, where a bad image is
// a fatal configuration error.
func (k *Kernel) MustCreate(buf []byte, kind Kind) EnvID {
	id, err := k.Create(buf, kind)
	if err != nil {
		panic(errors.Wrap(err, "creating boot environment"))
	}

	return id
}

func (k *Kernel) populate(e *Env, buf []byte) error {
	mem := k.Mem
	if e.Kind == KindUser {
		var err error
		mem, err = k.addressSpace()
		if err != nil {
			return err
		}
	}

	e.Mem = mem

	top := e.Frame.RSP
	if err := mem.Ensure(top-abi.EnvStackSize, abi.EnvStackSize); err != nil {
		return errors.Wrapf(err, "mapping stack for env %s", e.ID)
	}

	f, err := k.Loader.Parse(buf)
	if err != nil {
		return err
	}

	exts := loader.Footprint(f)

	for _, ext := range exts {
		if mem.Overlaps(ext.Addr, ext.Size) {
			return errors.Wrapf(ErrImageOverlap, "env %s image at %#x+%#x", e.ID, ext.Addr, ext.Size)
		}
	}

	mark := mem.Checkpoint()

	for _, ext := range exts {
		if err = mem.Ensure(ext.Addr, ext.Size); err != nil {
			break
		}
	}

	if e.Kind == KindKernel {
		e.regions = mem.Since(mark)
	}

	if err != nil {
		return errors.Wrapf(err, "mapping image for env %s", e.ID)
	}

	img, err := k.Loader.Load(mem, buf)
	if err != nil {
		return err
	}

	e.Image = img
	e.Frame.RIP = img.Entry

	bound, err := k.Binder.Bind(mem, img.File, k.Exports, k.Symbols.Lookup)
	if err != nil {
		return err
	}

	k.L.Trace("env-bind", "id", e.ID, "bound", bound)

	return nil
}

// Destroy frees the environment immediately. Destroying the current
// environment leaves the kernel with none.
func (k *Kernel) Destroy(id EnvID) error {
	e, err := k.table.Lookup(id, k.cur, false)
	if err != nil {
		return err
	}

	if e == k.cur {
		k.cur = nil
	}

	k.release(e)
	k.table.Free(e)

	k.L.Debug("env-destroy", "id", e.ID, "runs", e.Runs)

	return nil
}

// release unmaps the image pages e holds in the kernel address space. The
// slot's stack stays mapped for the next environment in that slot.
func (k *Kernel) release(e *Env) {
	if len(e.regions) == 0 {
		return
	}

	k.Mem.Release(e.regions...)
	e.regions = nil
}
