// Package loader copies validated executable images into an address space
// and binds their kernel pointer slots.
package loader

import (
	"debug/elf"
	"encoding/base64"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/evanphx/envos/image"
	"github.com/evanphx/envos/log"
	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

var ErrInvalidExecutable = image.ErrInvalidExecutable

// Memory is the part of the memory service the loader writes through. The
// ranges it writes must already be mapped.
type Memory interface {
	io.WriterAt
	Zero(addr, sz uint64) error
}

// Image is a loaded image: the caller's buffer, which the loader does not
// own, and its decoded structure.
type Image struct {
	Buf   []byte
	File  *image.File
	Entry uint64
}

type LoaderCache struct {
	mu sync.RWMutex

	cache *lru.ARCCache
}

func NewLoaderCache(size int) *LoaderCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}

	return &LoaderCache{cache: cache}
}

func (l *LoaderCache) Lookup(key string) (*image.File, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	val, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}

	return val.(*image.File), true
}

func (l *LoaderCache) Set(key string, f *image.File) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.Add(key, f)
}

func (l *LoaderCache) Len() int {
	return l.cache.Len()
}

func NewLoader(cache *LoaderCache) *Loader {
	return &Loader{
		L:     log.L,
		cache: cache,
	}
}

type Loader struct {
	L     hclog.Logger
	cache *LoaderCache
}

func cacheKey(buf []byte) string {
	sum := blake2b.Sum256(buf)
	return base64.URLEncoding.EncodeToString(sum[:])
}

// Parse validates buf, consulting the cache first when one is configured.
func (l *Loader) Parse(buf []byte) (*image.File, error) {
	var key string

	if l.cache != nil {
		key = cacheKey(buf)

		if f, ok := l.cache.Lookup(key); ok {
			l.L.Trace("image-cache-hit", "key", key)
			return f, nil
		}
	}

	f, err := image.Parse(buf)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		l.L.Debug("cached image", "key", key)
		l.cache.Set(key, f)
	}

	return f, nil
}

// Extent is an address range an image needs mapped before it is loaded.
type Extent struct {
	Addr, Size uint64
}

// Footprint lists the memory an image occupies: every loadable segment at
// its in-memory size and every section with a target address.
func Footprint(f *image.File) []Extent {
	var out []Extent

	for _, p := range f.Progs {
		if elf.ProgType(p.Type) == elf.PT_LOAD && p.Memsz > 0 {
			out = append(out, Extent{p.Vaddr, p.Memsz})
		}
	}

	for _, s := range f.Sections {
		if s.Addr != 0 && s.Size > 0 {
			out = append(out, Extent{s.Addr, s.Size})
		}
	}

	return out
}

type copyOp struct {
	addr uint64
	data []byte
	zero uint64
}

// Load copies buf's loadable segments and allocated sections into mem.
// Every bounds check on the image runs before the first byte is written, so
// a rejected image leaves mem untouched.
func (l *Loader) Load(mem Memory, buf []byte) (*Image, error) {
	f, err := l.Parse(buf)
	if err != nil {
		return nil, err
	}

	if f.Entry() == 0 {
		return nil, errors.Wrap(ErrInvalidExecutable, "entry address is zero")
	}

	var ops []copyOp

	for i, p := range f.Progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}

		var op copyOp
		op.addr = p.Vaddr

		if p.Filesz > 0 {
			op.data, err = f.ProgData(i)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidExecutable, "segment %d: %s", i, err)
			}
		}

		if p.Memsz > p.Filesz {
			op.zero = p.Memsz - p.Filesz
		}

		if len(op.data) > 0 || op.zero > 0 {
			ops = append(ops, op)
		}
	}

	for i, s := range f.Sections {
		if s.Addr == 0 || elf.SectionType(s.Type) == elf.SHT_NOBITS {
			continue
		}

		data, err := f.SectionData(i)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidExecutable, "section %d: %s", i, err)
		}

		if len(data) > 0 {
			ops = append(ops, copyOp{addr: s.Addr, data: data})
		}
	}

	for _, op := range ops {
		if len(op.data) > 0 {
			if _, err := mem.WriteAt(op.data, int64(op.addr)); err != nil {
				return nil, err
			}
		}

		// Cleared here rather than trusting that fresh mappings are zero.
		if op.zero > 0 {
			if err := mem.Zero(op.addr+uint64(len(op.data)), op.zero); err != nil {
				return nil, err
			}
		}
	}

	l.L.Trace("image-load", "entry", hclog.Fmt("%#x", f.Entry()), "copies", len(ops))

	return &Image{
		Buf:   buf,
		File:  f,
		Entry: f.Entry(),
	}, nil
}
