package bootinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Multiboot2 handoff.
const (
	Multiboot2Magic = 0x36D76289

	mbTagEnd        = 0
	mbTagCmdline    = 1
	mbTagLoaderName = 2
	mbTagModule     = 3
	mbTagMemoryMap  = 6

	mbHeaderSize   = 8
	mbTagAlign     = 8
	mbMmapEntryMin = 24
	maxInfoSize    = 1 << 20
)

var (
	ErrBadMagic  = errors.New("bootinfo: bad multiboot2 magic")
	ErrMalformed = errors.New("bootinfo: malformed multiboot2 information")
)

// ParseMultiboot2 decodes the information structure at infoAddr in mem.
// Module addresses are read from mem as well.
func ParseMultiboot2(mem io.ReaderAt, magic uint32, infoAddr uint64, progress io.Writer) (*Info, error) {
	if magic != Multiboot2Magic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}

	var hdr [mbHeaderSize]byte
	if _, err := mem.ReadAt(hdr[:], int64(infoAddr)); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	total := binary.LittleEndian.Uint32(hdr[0:4])
	if total < mbHeaderSize+mbTagAlign || total > maxInfoSize {
		return nil, fmt.Errorf("%w: total size %d", ErrMalformed, total)
	}

	blob := make([]byte, total)
	if _, err := mem.ReadAt(blob, int64(infoAddr)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	info := &Info{Source: "multiboot2"}
	type modRange struct {
		start, end uint32
		cmdline    string
	}
	var mods []modRange

	off := uint32(mbHeaderSize)
	for {
		if off+8 > total {
			return nil, fmt.Errorf("%w: no end tag", ErrMalformed)
		}
		typ := binary.LittleEndian.Uint32(blob[off:])
		size := binary.LittleEndian.Uint32(blob[off+4:])
		if size < 8 || size > total-off {
			return nil, fmt.Errorf("%w: tag %d at 0x%x has size %d", ErrMalformed, typ, off, size)
		}
		body := blob[off+8 : off+size]

		switch typ {
		case mbTagEnd:
			for _, m := range mods {
				if m.end < m.start {
					return nil, fmt.Errorf("%w: module [0x%x, 0x%x)", ErrMalformed, m.start, m.end)
				}
				name, cmdline := splitModuleCmdline(m.cmdline, len(info.Modules))
				data, err := readModule(io.NewSectionReader(mem, int64(m.start), int64(m.end-m.start)),
					int64(m.end-m.start), name, progress)
				if err != nil {
					return nil, err
				}
				info.Modules = append(info.Modules, Module{Name: name, Cmdline: cmdline, Data: data})
			}
			return info, nil
		case mbTagCmdline:
			info.Cmdline = cString(body)
		case mbTagLoaderName:
			info.Source = "multiboot2 (" + cString(body) + ")"
		case mbTagModule:
			if len(body) < 8 {
				return nil, fmt.Errorf("%w: short module tag", ErrMalformed)
			}
			mods = append(mods, modRange{
				start:   binary.LittleEndian.Uint32(body[0:]),
				end:     binary.LittleEndian.Uint32(body[4:]),
				cmdline: cString(body[8:]),
			})
		case mbTagMemoryMap:
			regions, err := parseMemoryMap(body)
			if err != nil {
				return nil, err
			}
			info.MemoryMap = regions
		}

		off += (size + mbTagAlign - 1) &^ (mbTagAlign - 1)
	}
}

func parseMemoryMap(body []byte) ([]MemoryRegion, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: short memory map tag", ErrMalformed)
	}
	entrySize := binary.LittleEndian.Uint32(body[0:])
	if entrySize < mbMmapEntryMin {
		return nil, fmt.Errorf("%w: memory map entry size %d", ErrMalformed, entrySize)
	}
	var regions []MemoryRegion
	for p := body[8:]; len(p) >= int(entrySize); p = p[entrySize:] {
		regions = append(regions, MemoryRegion{
			Addr: binary.LittleEndian.Uint64(p[0:]),
			Size: binary.LittleEndian.Uint64(p[8:]),
			Type: binary.LittleEndian.Uint32(p[16:]),
		})
	}
	return regions, nil
}

// splitModuleCmdline takes the first word of a module command line as its
// name.
func splitModuleCmdline(s string, index int) (name, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Sprintf("module%d", index), ""
	}
	name, rest, _ = strings.Cut(s, " ")
	return name, strings.TrimSpace(rest)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// LoadMultiboot2File reads an information image whose structure sits at
// offset 0 and whose module addresses are file offsets.
func LoadMultiboot2File(path string, progress io.Writer) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bootinfo: %w", err)
	}
	defer f.Close()

	info, err := ParseMultiboot2(f, Multiboot2Magic, 0, progress)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info.Source = path
	return info, nil
}
