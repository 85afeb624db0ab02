package hv

import (
	"errors"
	"fmt"
	"io"
)

var ErrAddressOutOfRange = errors.New("guest physical address out of range")

// AddressTranslator turns a guest physical range into a host addressable
// slice. The returned slice aliases guest memory.
type AddressTranslator interface {
	Translate(phys, size uint64) ([]byte, error)
}

// GuestMemory is a contiguous block of guest RAM starting at Base.
type GuestMemory struct {
	Base uint64
	Mem  []byte
}

// NewGuestMemory allocates size bytes of zeroed RAM at base.
func NewGuestMemory(base, size uint64) *GuestMemory {
	return &GuestMemory{Base: base, Mem: make([]byte, size)}
}

func (g *GuestMemory) Size() uint64 { return uint64(len(g.Mem)) }
func (g *GuestMemory) End() uint64  { return g.Base + uint64(len(g.Mem)) }

// Contains reports whether [phys, phys+size) lies inside RAM.
func (g *GuestMemory) Contains(phys, size uint64) bool {
	if phys < g.Base {
		return false
	}
	off := phys - g.Base
	if off > uint64(len(g.Mem)) {
		return false
	}
	return size <= uint64(len(g.Mem))-off
}

func (g *GuestMemory) Translate(phys, size uint64) ([]byte, error) {
	if !g.Contains(phys, size) {
		return nil, fmt.Errorf("translate [0x%x, +0x%x): %w", phys, size, ErrAddressOutOfRange)
	}
	off := phys - g.Base
	return g.Mem[off : off+size : off+size], nil
}

// ReadAt reads from guest physical address off.
func (g *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) < g.Base {
		return 0, fmt.Errorf("read at 0x%x: %w", off, ErrAddressOutOfRange)
	}
	rel := uint64(off) - g.Base
	if rel >= uint64(len(g.Mem)) {
		return 0, io.EOF
	}
	n := copy(p, g.Mem[rel:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes to guest physical address off. Partial writes are refused.
func (g *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || !g.Contains(uint64(off), uint64(len(p))) {
		return 0, fmt.Errorf("write [0x%x, +0x%x): %w", off, len(p), ErrAddressOutOfRange)
	}
	rel := uint64(off) - g.Base
	return copy(g.Mem[rel:], p), nil
}

var (
	_ AddressTranslator = (*GuestMemory)(nil)
	_ io.ReaderAt       = (*GuestMemory)(nil)
	_ io.WriterAt       = (*GuestMemory)(nil)
)
