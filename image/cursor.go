package image

import (
	"bytes"
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
)

var ErrOutOfBounds = errors.New("out of bounds")

// Cursor gives bounds-checked access to a byte buffer. Every offset and
// length computation is checked for overflow once, here, so callers never
// do pointer arithmetic on the buffer themselves.
type Cursor struct {
	buf []byte
}

func NewCursor(buf []byte) Cursor {
	return Cursor{buf: buf}
}

func (c Cursor) Len() uint64 {
	return uint64(len(c.buf))
}

// Fits reports whether [off, off+n) lies inside the buffer.
func (c Cursor) Fits(off, n uint64) bool {
	end, carry := bits.Add64(off, n, 0)
	if carry != 0 {
		return false
	}

	return end <= c.Len()
}

func (c Cursor) Slice(off, n uint64) ([]byte, error) {
	if !c.Fits(off, n) {
		return nil, errors.Wrapf(ErrOutOfBounds, "range %#x+%#x exceeds %#x", off, n, c.Len())
	}

	return c.buf[off : off+n], nil
}

// Sub returns a cursor over [off, off+n).
func (c Cursor) Sub(off, n uint64) (Cursor, error) {
	b, err := c.Slice(off, n)
	if err != nil {
		return Cursor{}, err
	}

	return Cursor{buf: b}, nil
}

// Table returns a cursor over count entries of entsize bytes at off.
func (c Cursor) Table(off, entsize, count uint64) (Cursor, error) {
	hi, total := bits.Mul64(entsize, count)
	if hi != 0 {
		return Cursor{}, errors.Wrapf(ErrOutOfBounds, "table of %d entries of %d bytes overflows", count, entsize)
	}

	return c.Sub(off, total)
}

func (c Cursor) U16(off uint64) (uint16, error) {
	b, err := c.Slice(off, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (c Cursor) U32(off uint64) (uint32, error) {
	b, err := c.Slice(off, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

func (c Cursor) U64(off uint64) (uint64, error) {
	b, err := c.Slice(off, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// Decode reads a fixed-size little-endian structure at off into v.
func (c Cursor) Decode(off uint64, v interface{}) error {
	sz := binary.Size(v)
	if sz < 0 {
		return errors.Errorf("cannot decode %T", v)
	}

	b, err := c.Slice(off, uint64(sz))
	if err != nil {
		return err
	}

	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

// CString returns the NUL-terminated string starting at off. The
// terminator must be inside the buffer.
func (c Cursor) CString(off uint64) (string, error) {
	if off >= c.Len() {
		return "", errors.Wrapf(ErrOutOfBounds, "string offset %#x exceeds %#x", off, c.Len())
	}

	rest := c.buf[off:]

	idx := bytes.IndexByte(rest, 0)
	if idx == -1 {
		return "", errors.Wrapf(ErrOutOfBounds, "unterminated string at %#x", off)
	}

	return string(rest[:idx]), nil
}
