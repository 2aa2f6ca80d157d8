package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// readImage returns the executable at path. Plain images are mapped
// read-only; .zst and .lz4 images are decompressed into memory. The
// returned func releases the buffer, which must stay valid while any
// environment created from it exists.
func readImage(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	defer f.Close()

	switch filepath.Ext(path) {
	case ".zst":
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening %s", path)
		}

		defer dec.Close()

		return readAll(path, dec)
	case ".lz4":
		return readAll(path, lz4.NewReader(f))
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	if fi.Size() == 0 {
		return nil, nil, errors.Errorf("%s is empty", path)
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mapping %s", path)
	}

	return buf, func() error { return unix.Munmap(buf) }, nil
}

func readAll(path string, r io.Reader) ([]byte, func() error, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "decompressing %s", path)
	}

	return buf, func() error { return nil }, nil
}
