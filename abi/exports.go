package abi

// Export is one entry of the kernel exports table: a name user images may
// declare a bound pointer for, and the kernel entry address written into it.
// The table is part of the binary interface between kernel and user images.
type Export struct {
	Name string
	Addr uint64
}

// LookupFunc resolves a kernel symbol by name.
type LookupFunc func(name string) (uint64, bool)
