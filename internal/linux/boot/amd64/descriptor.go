package amd64

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// E820 memory types.
const (
	E820RAM      uint32 = 1
	E820Reserved uint32 = 2
	E820ACPI     uint32 = 3
	E820NVS      uint32 = 4
	E820Unusable uint32 = 5
)

// E820Entry describes a single BIOS e820 memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

func (e E820Entry) End() uint64 { return e.Addr + e.Size }

func (e E820Entry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", fmt.Sprintf("0x%x", e.Addr)),
		slog.String("size", fmt.Sprintf("0x%x", e.Size)),
		slog.Uint64("type", uint64(e.Type)),
	)
}

// GuestParamsMagic tags a binary guest parameter block.
var GuestParamsMagic = [4]byte{'G', 'P', 'R', 'M'}

const (
	GuestParamsSize   = 0xB30
	GuestCmdlineSize  = 256
	guestKernelStart  = 0x008
	guestKernelEnd    = 0x010
	guestInitrdStart  = 0x018
	guestInitrdEnd    = 0x020
	guestCmdline      = 0x028
	guestE820Entries  = 0x128
	guestE820Table    = 0x130
	guestParamsMagicN = 4
)

// GuestParams is the descriptor handed to the loader: where the raw kernel
// image and initrd were staged, the command line and the memory map.
type GuestParams struct {
	Magic       [4]byte
	KernelStart uint64
	KernelEnd   uint64
	InitrdStart uint64
	InitrdEnd   uint64
	Cmdline     string
	E820        []E820Entry
}

// HasInitrd reports whether an initrd was staged. An empty or inverted
// range means none.
func (g *GuestParams) HasInitrd() bool {
	return g.InitrdStart < g.InitrdEnd
}

// MarshalBinary encodes g in the packed little-endian block layout.
func (g *GuestParams) MarshalBinary() ([]byte, error) {
	if len(g.Cmdline) >= GuestCmdlineSize {
		return nil, fmt.Errorf("guest params: cmdline is %d bytes, limit %d: %w",
			len(g.Cmdline), GuestCmdlineSize-1, ErrOutOfRange)
	}
	if len(g.E820) > E820MaxEntries {
		return nil, fmt.Errorf("guest params: %d e820 entries, limit %d: %w",
			len(g.E820), E820MaxEntries, ErrOutOfRange)
	}

	buf := make([]byte, GuestParamsSize)
	copy(buf[0:guestParamsMagicN], g.Magic[:])
	binary.LittleEndian.PutUint64(buf[guestKernelStart:], g.KernelStart)
	binary.LittleEndian.PutUint64(buf[guestKernelEnd:], g.KernelEnd)
	binary.LittleEndian.PutUint64(buf[guestInitrdStart:], g.InitrdStart)
	binary.LittleEndian.PutUint64(buf[guestInitrdEnd:], g.InitrdEnd)
	copy(buf[guestCmdline:guestCmdline+GuestCmdlineSize], g.Cmdline)
	buf[guestE820Entries] = byte(len(g.E820))
	putE820Table(buf[guestE820Table:], g.E820)

	return buf, nil
}

// UnmarshalBinary decodes a packed block. The magic is copied but not
// checked; that is the producer's contract.
func (g *GuestParams) UnmarshalBinary(data []byte) error {
	if len(data) < GuestParamsSize {
		return fmt.Errorf("guest params: %d bytes, need %d: %w", len(data), GuestParamsSize, ErrBadDescriptor)
	}

	cmdline := data[guestCmdline : guestCmdline+GuestCmdlineSize]
	nul := bytes.IndexByte(cmdline, 0)
	if nul < 0 {
		return fmt.Errorf("guest params: cmdline is not NUL terminated: %w", ErrBadDescriptor)
	}

	count := int(data[guestE820Entries])
	if count > E820MaxEntries {
		return fmt.Errorf("guest params: %d e820 entries, limit %d: %w", count, E820MaxEntries, ErrOutOfRange)
	}

	var out GuestParams
	copy(out.Magic[:], data[0:guestParamsMagicN])
	out.KernelStart = binary.LittleEndian.Uint64(data[guestKernelStart:])
	out.KernelEnd = binary.LittleEndian.Uint64(data[guestKernelEnd:])
	out.InitrdStart = binary.LittleEndian.Uint64(data[guestInitrdStart:])
	out.InitrdEnd = binary.LittleEndian.Uint64(data[guestInitrdEnd:])
	out.Cmdline = string(cmdline[:nul])
	out.E820 = readE820Table(data[guestE820Table:], count)

	*g = out
	return nil
}

// LogValue dumps the descriptor the way the boot log prints it.
func (g *GuestParams) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("magic", string(g.Magic[:])),
		slog.String("kernel", fmt.Sprintf("[0x%x, 0x%x)", g.KernelStart, g.KernelEnd)),
		slog.String("initrd", fmt.Sprintf("[0x%x, 0x%x)", g.InitrdStart, g.InitrdEnd)),
		slog.String("cmdline", g.Cmdline),
		slog.Int("e820_entries", len(g.E820)),
	}
	for i, e := range g.E820 {
		attrs = append(attrs, slog.Any(fmt.Sprintf("e820_%d", i), e))
	}
	return slog.GroupValue(attrs...)
}

func putE820Table(buf []byte, entries []E820Entry) {
	for i, e := range entries {
		b := buf[i*E820EntrySize:]
		binary.LittleEndian.PutUint64(b[0:], e.Addr)
		binary.LittleEndian.PutUint64(b[8:], e.Size)
		binary.LittleEndian.PutUint32(b[16:], e.Type)
	}
}

func readE820Table(buf []byte, count int) []E820Entry {
	entries := make([]E820Entry, count)
	for i := range entries {
		b := buf[i*E820EntrySize:]
		entries[i] = E820Entry{
			Addr: binary.LittleEndian.Uint64(b[0:]),
			Size: binary.LittleEndian.Uint64(b[8:]),
			Type: binary.LittleEndian.Uint32(b[16:]),
		}
	}
	return entries
}
