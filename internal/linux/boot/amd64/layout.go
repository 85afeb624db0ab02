package amd64

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Field names in the boot protocol layout.
const (
	FieldExtRamdiskImage   = "ext_ramdisk_image"
	FieldExtRamdiskSize    = "ext_ramdisk_size"
	FieldExtCmdLinePtr     = "ext_cmd_line_ptr"
	FieldE820Entries       = "e820_entries"
	FieldSetupSects        = "setup_sects"
	FieldVidMode           = "vid_mode"
	FieldBootFlag          = "boot_flag"
	FieldHeader            = "header"
	FieldVersion           = "version"
	FieldKernelVersion     = "kernel_version"
	FieldTypeOfLoader      = "type_of_loader"
	FieldLoadFlags         = "loadflags"
	FieldCode32Start       = "code32_start"
	FieldRamdiskImage      = "ramdisk_image"
	FieldRamdiskSize       = "ramdisk_size"
	FieldHeapEndPtr        = "heap_end_ptr"
	FieldCmdLinePtr        = "cmd_line_ptr"
	FieldInitrdAddrMax     = "initrd_addr_max"
	FieldKernelAlignment   = "kernel_alignment"
	FieldRelocatableKernel = "relocatable_kernel"
	FieldXLoadFlags        = "xloadflags"
	FieldCmdlineSize       = "cmdline_size"
	FieldPrefAddress       = "pref_address"
	FieldInitSize          = "init_size"
	FieldE820Table         = "e820_table"
)

// Field is one named, fixed-width location inside the zero page. Table
// fields are byte ranges rather than scalars.
type Field struct {
	Name   string
	Offset int
	Width  int
	Table  bool
}

func (f Field) end() int { return f.Offset + f.Width }

// Layout describes where the boot protocol keeps each field. It is the
// only place offsets are spelled out; everything else goes through Uint,
// PutUint and Slice.
type Layout struct {
	// Version is the boot protocol revision the table was written against.
	Version uint16
	Size    int
	Fields  []Field

	index map[string]Field
}

// NewLayout builds and validates a layout.
func NewLayout(version uint16, size int, fields ...Field) (*Layout, error) {
	l := &Layout{Version: version, Size: size, Fields: fields}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks widths, bounds, name uniqueness and overlaps. It also
// (re)builds the lookup index.
func (l *Layout) Validate() error {
	if l.Size <= 0 {
		return fmt.Errorf("layout: invalid size %d", l.Size)
	}

	index := make(map[string]Field, len(l.Fields))
	for _, f := range l.Fields {
		if f.Name == "" {
			return fmt.Errorf("layout: field at 0x%x has no name", f.Offset)
		}
		if _, dup := index[f.Name]; dup {
			return fmt.Errorf("layout: duplicate field %q", f.Name)
		}
		if !f.Table {
			switch f.Width {
			case 1, 2, 4, 8:
			default:
				return fmt.Errorf("layout: field %q has width %d", f.Name, f.Width)
			}
		} else if f.Width <= 0 {
			return fmt.Errorf("layout: table %q has width %d", f.Name, f.Width)
		}
		if f.Offset < 0 || f.end() > l.Size {
			return fmt.Errorf("layout: field %q [0x%x, 0x%x) outside %d bytes", f.Name, f.Offset, f.end(), l.Size)
		}
		index[f.Name] = f
	}

	sorted := make([]Field, len(l.Fields))
	copy(sorted, l.Fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		if prev := sorted[i-1]; prev.end() > sorted[i].Offset {
			return fmt.Errorf("layout: field %q overlaps %q", sorted[i].Name, prev.Name)
		}
	}

	l.index = index
	return nil
}

// Field returns the named field.
func (l *Layout) Field(name string) (Field, error) {
	f, ok := l.index[name]
	if !ok {
		return Field{}, fmt.Errorf("layout: unknown field %q", name)
	}
	return f, nil
}

func (l *Layout) scalar(buf []byte, name string) (Field, []byte, error) {
	f, err := l.Field(name)
	if err != nil {
		return Field{}, nil, err
	}
	if f.Table {
		return Field{}, nil, fmt.Errorf("layout: field %q is a table", name)
	}
	if f.end() > len(buf) {
		return Field{}, nil, fmt.Errorf("layout: field %q [0x%x, 0x%x) beyond %d byte buffer: %w",
			name, f.Offset, f.end(), len(buf), ErrOutOfRange)
	}
	return f, buf[f.Offset:f.end()], nil
}

// Uint reads a little-endian scalar field from buf.
func (l *Layout) Uint(buf []byte, name string) (uint64, error) {
	f, b, err := l.scalar(buf, name)
	if err != nil {
		return 0, err
	}
	switch f.Width {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

// PutUint writes a little-endian scalar field into buf. Values that do not
// fit the field width are rejected.
func (l *Layout) PutUint(buf []byte, name string, v uint64) error {
	f, b, err := l.scalar(buf, name)
	if err != nil {
		return err
	}
	if f.Width < 8 && v>>(8*f.Width) != 0 {
		return fmt.Errorf("layout: value 0x%x does not fit %d byte field %q: %w", v, f.Width, name, ErrOutOfRange)
	}
	switch f.Width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return nil
}

// Slice returns the bytes of a field inside buf.
func (l *Layout) Slice(buf []byte, name string) ([]byte, error) {
	f, err := l.Field(name)
	if err != nil {
		return nil, err
	}
	if f.end() > len(buf) {
		return nil, fmt.Errorf("layout: field %q beyond %d byte buffer: %w", name, len(buf), ErrOutOfRange)
	}
	return buf[f.Offset:f.end():f.end()], nil
}

const (
	ZeroPageSize = 4096

	// SetupHeaderOffset is where the setup header starts, both in the
	// image and in the zero page.
	SetupHeaderOffset = 0x1F1
	// HeaderMagicOffset holds "HdrS"; the byte before it is the length of
	// the rest of the header, counted from HeaderMagicOffset.
	HeaderMagicOffset  = 0x202
	HeaderLengthOffset = 0x201
	HeaderMagic        = 0x53726448

	E820EntrySize  = 20
	E820MaxEntries = 128
)

// BootProtocol is the x86 Linux boot protocol 2.15 zero page layout.
var BootProtocol = mustLayout(NewLayout(0x020F, ZeroPageSize,
	Field{Name: FieldExtRamdiskImage, Offset: 0x0C0, Width: 4},
	Field{Name: FieldExtRamdiskSize, Offset: 0x0C4, Width: 4},
	Field{Name: FieldExtCmdLinePtr, Offset: 0x0C8, Width: 4},
	Field{Name: FieldE820Entries, Offset: 0x1E8, Width: 1},
	Field{Name: FieldSetupSects, Offset: 0x1F1, Width: 1},
	Field{Name: FieldVidMode, Offset: 0x1FA, Width: 2},
	Field{Name: FieldBootFlag, Offset: 0x1FE, Width: 2},
	Field{Name: FieldHeader, Offset: 0x202, Width: 4},
	Field{Name: FieldVersion, Offset: 0x206, Width: 2},
	Field{Name: FieldKernelVersion, Offset: 0x20E, Width: 2},
	Field{Name: FieldTypeOfLoader, Offset: 0x210, Width: 1},
	Field{Name: FieldLoadFlags, Offset: 0x211, Width: 1},
	Field{Name: FieldCode32Start, Offset: 0x214, Width: 4},
	Field{Name: FieldRamdiskImage, Offset: 0x218, Width: 4},
	Field{Name: FieldRamdiskSize, Offset: 0x21C, Width: 4},
	Field{Name: FieldHeapEndPtr, Offset: 0x224, Width: 2},
	Field{Name: FieldCmdLinePtr, Offset: 0x228, Width: 4},
	Field{Name: FieldInitrdAddrMax, Offset: 0x22C, Width: 4},
	Field{Name: FieldKernelAlignment, Offset: 0x230, Width: 4},
	Field{Name: FieldRelocatableKernel, Offset: 0x234, Width: 1},
	Field{Name: FieldXLoadFlags, Offset: 0x236, Width: 2},
	Field{Name: FieldCmdlineSize, Offset: 0x238, Width: 4},
	Field{Name: FieldPrefAddress, Offset: 0x258, Width: 8},
	Field{Name: FieldInitSize, Offset: 0x260, Width: 4},
	Field{Name: FieldE820Table, Offset: 0x2D0, Width: E820MaxEntries * E820EntrySize, Table: true},
))

func mustLayout(l *Layout, err error) *Layout {
	if err != nil {
		panic(err)
	}
	return l
}
