// Package config loads the VMM configuration from a YAML file and the
// command line.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crossvm/crossvm/internal/bootinfo"
	"github.com/crossvm/crossvm/internal/console"
	"github.com/crossvm/crossvm/internal/linux/boot"
	amd64boot "github.com/crossvm/crossvm/internal/linux/boot/amd64"
)

const (
	DefaultMemoryMB = 512
	DefaultWindowMS = 100

	// MaxFileSize bounds the configuration file.
	MaxFileSize = 1 << 20

	minMemoryMB = 64
	// Guest RAM stays below the 32-bit MMIO hole that holds the APICs.
	maxMemoryMB = 3 << 10

	maxWindowMS  = 10_000
	pageSize     = 0x1000
	lowMemoryTop = 0x100000
)

var (
	ErrWorldWritable = errors.New("config: file is world-writable")
	ErrTooLarge      = errors.New("config: file too large")
	ErrInvalid       = errors.New("config: invalid")
)

type Config struct {
	MemoryMB uint64 `yaml:"memory_mb"`
	CPUs     int    `yaml:"cpus"`

	Kernel         string          `yaml:"kernel,omitempty"`
	Initrd         string          `yaml:"initrd,omitempty"`
	InitramfsFiles []InitramfsFile `yaml:"initramfs_files,omitempty"`

	Cmdline         string `yaml:"cmdline,omitempty"`
	CmdlinePolicy   string `yaml:"cmdline_policy,omitempty"`
	OverrideCmdline string `yaml:"override_cmdline,omitempty"`

	LoadAddress uint64 `yaml:"load_address,omitempty"`
	ZeroPage    uint64 `yaml:"zero_page,omitempty"`

	// MultibootInfo is a Multiboot2 information image or a YAML boot
	// manifest supplying the kernel, initrd and memory map.
	MultibootInfo string `yaml:"multiboot_info,omitempty"`

	Console ConsoleConfig `yaml:"console"`
	TSC     TSCConfig     `yaml:"tsc"`
	E820    []E820Region  `yaml:"e820,omitempty"`

	Debug bool `yaml:"debug,omitempty"`
}

type InitramfsFile struct {
	Src  string `yaml:"src"`
	Dst  string `yaml:"dst"`
	Mode string `yaml:"mode,omitempty"`
}

type ConsoleConfig struct {
	DebugPort uint16 `yaml:"debug_port"`
	// Color forces colour on or off; unset detects a terminal.
	Color       *bool `yaml:"color,omitempty"`
	Framebuffer bool  `yaml:"framebuffer"`
	Serial      bool  `yaml:"serial"`
}

type TSCConfig struct {
	WindowMS int `yaml:"window_ms"`
}

type E820Region struct {
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
	Type string `yaml:"type"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		MemoryMB: DefaultMemoryMB,
		CPUs:     1,
		Console: ConsoleConfig{
			DebugPort:   console.DefaultDebugPort,
			Framebuffer: true,
			Serial:      true,
		},
		TSC: TSCConfig{WindowMS: DefaultWindowMS},
	}
}

// Load reads path over the defaults. World-writable files and files over
// MaxFileSize are refused.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o002 != 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrWorldWritable, path, info.Mode())
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	slog.Debug("loaded config", "path", path, "size", info.Size())
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.MemoryMB < minMemoryMB || c.MemoryMB > maxMemoryMB {
		bad("memory_mb %d outside [%d, %d]", c.MemoryMB, minMemoryMB, maxMemoryMB)
	}
	if c.CPUs != 1 {
		bad("cpus must be 1, got %d", c.CPUs)
	}
	if c.Kernel == "" && c.MultibootInfo == "" {
		bad("one of kernel or multiboot_info is required")
	}
	if c.Initrd != "" && len(c.InitramfsFiles) > 0 {
		bad("initrd and initramfs_files are mutually exclusive")
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.LoadAddress != 0 && (c.LoadAddress%pageSize != 0 || c.LoadAddress < lowMemoryTop) {
		bad("load_address 0x%x must be page aligned and at least 1 MiB", c.LoadAddress)
	}
	if c.ZeroPage != 0 && (c.ZeroPage%pageSize != 0 || c.ZeroPage >= lowMemoryTop) {
		bad("zero_page 0x%x must be page aligned and below 1 MiB", c.ZeroPage)
	}
	if c.TSC.WindowMS <= 0 || c.TSC.WindowMS > maxWindowMS {
		bad("tsc.window_ms %d outside [1, %d]", c.TSC.WindowMS, maxWindowMS)
	}
	if c.Console.DebugPort == 0 {
		bad("console.debug_port must be set")
	}
	for i, f := range c.InitramfsFiles {
		if f.Src == "" || !path.IsAbs(f.Dst) {
			bad("initramfs_files[%d] needs src and an absolute dst", i)
		}
		if _, err := f.FileMode(); err != nil {
			bad("initramfs_files[%d]: %v", i, err)
		}
	}
	if _, err := c.E820Entries(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Policy returns the command line policy.
func (c *Config) Policy() (amd64boot.CmdlinePolicy, error) {
	switch c.CmdlinePolicy {
	case "", "descriptor":
		return amd64boot.CmdlineFromDescriptor, nil
	case "override":
		return amd64boot.CmdlineOverride, nil
	default:
		return 0, fmt.Errorf("%w: cmdline_policy %q", ErrInvalid, c.CmdlinePolicy)
	}
}

func (c *Config) MemoryBytes() uint64 { return c.MemoryMB << 20 }

func (c *Config) TSCWindow() time.Duration {
	return time.Duration(c.TSC.WindowMS) * time.Millisecond
}

// E820Entries converts the configured memory map; nil when none is set.
func (c *Config) E820Entries() ([]amd64boot.E820Entry, error) {
	if len(c.E820) == 0 {
		return nil, nil
	}
	out := make([]amd64boot.E820Entry, 0, len(c.E820))
	for i, r := range c.E820 {
		typ, err := bootinfo.RegionType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: e820[%d]: %w", ErrInvalid, i, err)
		}
		if r.Size == 0 {
			return nil, fmt.Errorf("%w: e820[%d] is empty", ErrInvalid, i)
		}
		out = append(out, amd64boot.E820Entry{Addr: r.Addr, Size: r.Size, Type: typ})
	}
	return out, nil
}

// FileMode parses the octal mode, defaulting to 0644.
func (f InitramfsFile) FileMode() (fs.FileMode, error) {
	if f.Mode == "" {
		return 0o644, nil
	}
	m, err := strconv.ParseUint(f.Mode, 8, 32)
	if err != nil || m > 0o7777 {
		return 0, fmt.Errorf("bad mode %q", f.Mode)
	}
	return fs.FileMode(m), nil
}

// InitFiles lists the initramfs contents; file data is read when the
// archive is built.
func (c *Config) InitFiles() ([]boot.InitFile, error) {
	files := make([]boot.InitFile, 0, len(c.InitramfsFiles))
	for i, f := range c.InitramfsFiles {
		mode, err := f.FileMode()
		if err != nil {
			return nil, fmt.Errorf("%w: initramfs_files[%d]: %w", ErrInvalid, i, err)
		}
		files = append(files, boot.InitFile{Path: f.Dst, Mode: mode, Source: f.Src})
	}
	return files, nil
}
