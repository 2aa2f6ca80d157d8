package boundary

import (
	"context"
	"sync"

	"github.com/evanphx/envos/abi"
	"github.com/evanphx/envos/log"
	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Native is a kernel function reached by a plain call. It receives the
// first six call arguments and its result is placed in RAX.
type Native func(ctx context.Context, mem Memory, args [6]uint64) (uint64, error)

type symbol struct {
	name string
	addr uint64
	fn   Native
}

// Symbols is the kernel's debug symbol table: every native kernel function
// by name, resolvable to its address in kernel text.
type Symbols struct {
	L hclog.Logger

	mu     sync.Mutex
	syms   []*symbol
	byAddr map[uint64]*symbol
	cache  *lru.ARCCache
}

const symbolCacheSize = 128

func NewSymbols() *Symbols {
	cache, err := lru.NewARC(symbolCacheSize)
	if err != nil {
		panic(err)
	}

	return &Symbols{
		L:      log.L,
		byAddr: make(map[uint64]*symbol),
		cache:  cache,
	}
}

var ErrDuplicateSymbol = errors.New("duplicate kernel symbol")

// Register adds fn under name and returns the address it was given.
func (s *Symbols) Register(name string, fn Native) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sym := range s.syms {
		if sym.name == name {
			return 0, errors.Wrapf(ErrDuplicateSymbol, "symbol %s", name)
		}
	}

	addr := NativeBase + uint64(len(s.syms))*EntryAlign
	if !abi.IsKernelText(addr) {
		return 0, errors.Errorf("kernel text exhausted registering %s", name)
	}

	sym := &symbol{name: name, addr: addr, fn: fn}

	s.syms = append(s.syms, sym)
	s.byAddr[addr] = sym
	s.cache.Remove(name)

	s.L.Debug("kernel-symbol", "name", name, "addr", hclog.Fmt("%#x", addr))

	return addr, nil
}

// Lookup resolves name to the address of a native kernel function. It has
// the signature of abi.LookupFunc.
func (s *Symbols) Lookup(name string) (uint64, bool) {
	if v, ok := s.cache.Get(name); ok {
		addr := v.(uint64)
		return addr, addr != 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var addr uint64

	for _, sym := range s.syms {
		if sym.name == name {
			addr = sym.addr
			break
		}
	}

	s.cache.Add(name, addr)

	return addr, addr != 0
}

// Native returns the function registered at addr.
func (s *Symbols) Native(addr uint64) (string, Native, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym, ok := s.byAddr[addr]
	if !ok {
		return "", nil, false
	}

	return sym.name, sym.fn, true
}

// Names lists registered symbols in address order.
func (s *Symbols) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.syms))
	for i, sym := range s.syms {
		names[i] = sym.name
	}

	return names
}
