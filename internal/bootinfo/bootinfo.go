// Package bootinfo describes what the VMM was handed at boot: a command
// line, the modules to run and the host memory map. It is read from a
// Multiboot2 information image or from a YAML manifest.
package bootinfo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/schollz/progressbar/v3"

	amd64boot "github.com/crossvm/crossvm/internal/linux/boot/amd64"
)

const (
	KernelModule = "kernel"
	InitrdModule = "initrd"
)

var ErrNoKernel = errors.New("bootinfo: no kernel module")

// Module is a blob loaded alongside the VMM.
type Module struct {
	Name    string
	Cmdline string
	Data    []byte
}

// MemoryRegion is one entry of the boot memory map. Types use the e820
// numbering.
type MemoryRegion struct {
	Addr uint64
	Size uint64
	Type uint32
}

type Info struct {
	Cmdline   string
	Modules   []Module
	MemoryMap []MemoryRegion

	// Source names where the information came from.
	Source string
}

// Module returns the module called name.
func (i *Info) Module(name string) (Module, bool) {
	for _, m := range i.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return Module{}, false
}

// Kernel returns the module named "kernel", or the first module when none
// is named.
func (i *Info) Kernel() (Module, error) {
	if m, ok := i.Module(KernelModule); ok {
		return m, nil
	}
	if len(i.Modules) == 0 {
		return Module{}, ErrNoKernel
	}
	return i.Modules[0], nil
}

// Initrd returns the module named "initrd". When no module carries a name
// the second module is used.
func (i *Info) Initrd() (Module, bool) {
	if m, ok := i.Module(InitrdModule); ok {
		return m, true
	}
	if _, named := i.Module(KernelModule); named {
		return Module{}, false
	}
	if len(i.Modules) > 1 {
		return i.Modules[1], true
	}
	return Module{}, false
}

// E820 converts the memory map for the guest descriptor. A nil result
// means no map was supplied.
func (i *Info) E820() []amd64boot.E820Entry {
	if len(i.MemoryMap) == 0 {
		return nil
	}
	out := make([]amd64boot.E820Entry, 0, len(i.MemoryMap))
	for _, r := range i.MemoryMap {
		out = append(out, amd64boot.E820Entry{Addr: r.Addr, Size: r.Size, Type: r.Type})
	}
	return out
}

func (i *Info) LogValue() slog.Value {
	names := make([]string, 0, len(i.Modules))
	for _, m := range i.Modules {
		names = append(names, m.Name)
	}
	return slog.GroupValue(
		slog.String("source", i.Source),
		slog.String("cmdline", i.Cmdline),
		slog.Any("modules", names),
		slog.Int("memory_regions", len(i.MemoryMap)),
	)
}

// readModule copies size bytes from r, drawing a progress bar on progress
// when it is set.
func readModule(r io.Reader, size int64, name string, progress io.Writer) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(size))

	var dst io.Writer = &buf
	if progress != nil {
		bar := progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription(fmt.Sprintf("module %s", name)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		dst = io.MultiWriter(&buf, bar)
	}

	n, err := io.Copy(dst, io.LimitReader(r, size))
	if err != nil {
		return nil, fmt.Errorf("bootinfo: read module %s: %w", name, err)
	}
	if n != size {
		return nil, fmt.Errorf("bootinfo: module %s: read %d of %d bytes: %w", name, n, size, io.ErrUnexpectedEOF)
	}
	return buf.Bytes(), nil
}
