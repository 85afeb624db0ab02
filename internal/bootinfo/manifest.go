package bootinfo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	amd64boot "github.com/crossvm/crossvm/internal/linux/boot/amd64"
)

// Manifest is the YAML form of boot information. Module paths are
// relative to the manifest's directory.
type Manifest struct {
	Cmdline   string           `yaml:"cmdline,omitempty"`
	Modules   []ManifestModule `yaml:"modules"`
	MemoryMap []ManifestRegion `yaml:"memory_map,omitempty"`
}

type ManifestModule struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Cmdline string `yaml:"cmdline,omitempty"`
}

type ManifestRegion struct {
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
	Type string `yaml:"type"`
}

var regionTypes = map[string]uint32{
	"ram":      amd64boot.E820RAM,
	"reserved": amd64boot.E820Reserved,
	"acpi":     amd64boot.E820ACPI,
	"nvs":      amd64boot.E820NVS,
	"unusable": amd64boot.E820Unusable,
}

// RegionType parses a memory type name, or a bare e820 number.
func RegionType(s string) (uint32, error) {
	if t, ok := regionTypes[strings.ToLower(s)]; ok {
		return t, nil
	}
	var n uint32
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n != 0 {
		return n, nil
	}
	return 0, fmt.Errorf("bootinfo: unknown memory type %q", s)
}

// LoadManifest reads a YAML manifest and the modules it names.
func LoadManifest(path string, progress io.Writer) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootinfo: read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bootinfo: parse %s: %w", path, err)
	}

	info, err := FromManifest(m, filepath.Dir(path), progress)
	if err != nil {
		return nil, err
	}
	info.Source = path
	return info, nil
}

// FromManifest reads the modules m names. Relative paths are resolved
// against dir.
func FromManifest(m Manifest, dir string, progress io.Writer) (*Info, error) {
	info := &Info{Cmdline: m.Cmdline, Source: "manifest"}

	for i, r := range m.MemoryMap {
		typ, err := RegionType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("memory_map[%d]: %w", i, err)
		}
		info.MemoryMap = append(info.MemoryMap, MemoryRegion{Addr: r.Addr, Size: r.Size, Type: typ})
	}

	seen := make(map[string]bool)
	for i, mod := range m.Modules {
		if mod.Path == "" {
			return nil, fmt.Errorf("bootinfo: modules[%d]: missing path", i)
		}
		name := mod.Name
		if name == "" {
			name = fmt.Sprintf("module%d", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("bootinfo: duplicate module %q", name)
		}
		seen[name] = true

		p := mod.Path
		if !filepath.IsAbs(p) && dir != "" {
			p = filepath.Join(dir, p)
		}
		data, err := readModuleFile(p, name, progress)
		if err != nil {
			return nil, err
		}
		info.Modules = append(info.Modules, Module{Name: name, Cmdline: mod.Cmdline, Data: data})
	}

	return info, nil
}

func readModuleFile(path, name string, progress io.Writer) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bootinfo: module %s: %w", name, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("bootinfo: module %s: %w", name, err)
	}
	return readModule(f, st.Size(), name, progress)
}

// WriteManifest encodes m as YAML.
func WriteManifest(w io.Writer, m Manifest) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("bootinfo: encode manifest: %w", err)
	}
	return enc.Close()
}

// Load picks the reader by file extension: .yaml and .yml are manifests,
// anything else is a Multiboot2 information image.
func Load(path string, progress io.Writer) (*Info, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadManifest(path, progress)
	default:
		return LoadMultiboot2File(path, progress)
	}
}
