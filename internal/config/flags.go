package config

import (
	"flag"
	"fmt"
	"io"
	"strconv"
)

// Flags binds command line flags that override the configuration file.
type Flags struct {
	fs   *flag.FlagSet
	path string
	set  map[string]func(c *Config) error

	memoryMB        uint64
	kernel          string
	initrd          string
	cmdline         string
	cmdlinePolicy   string
	overrideCmdline string
	loadAddress     string
	zeroPage        string
	multiboot       string
	debugPort       uint
	color           bool
	noFramebuffer   bool
	windowMS        int
	debug           bool
}

// NewFlags registers the flags on a new FlagSet named name.
func NewFlags(name string, output io.Writer) *Flags {
	f := &Flags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	fs := f.fs
	fs.SetOutput(output)

	fs.StringVar(&f.path, "config", "", "YAML configuration file")
	fs.Uint64Var(&f.memoryMB, "memory", DefaultMemoryMB, "Guest memory in MB")
	fs.StringVar(&f.kernel, "kernel", "", "Linux bzImage to boot")
	fs.StringVar(&f.initrd, "initrd", "", "Initial ramdisk")
	fs.StringVar(&f.cmdline, "cmdline", "", "Kernel command line")
	fs.StringVar(&f.cmdlinePolicy, "cmdline-policy", "descriptor", "Command line source (descriptor, override)")
	fs.StringVar(&f.overrideCmdline, "override-cmdline", "", "Command line used by the override policy")
	fs.StringVar(&f.loadAddress, "load-address", "", "Protected mode kernel load address")
	fs.StringVar(&f.zeroPage, "zero-page", "", "Boot parameter page address")
	fs.StringVar(&f.multiboot, "multiboot", "", "Multiboot2 information image or YAML boot manifest")
	fs.UintVar(&f.debugPort, "debug-port", 0xE9, "Debug console I/O port")
	fs.BoolVar(&f.color, "color", false, "Force coloured debug console output")
	fs.BoolVar(&f.noFramebuffer, "no-framebuffer", false, "Disable the framebuffer console")
	fs.IntVar(&f.windowMS, "tsc-window", DefaultWindowMS, "TSC calibration window in milliseconds")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")

	f.set = map[string]func(c *Config) error{
		"memory":           func(c *Config) error { c.MemoryMB = f.memoryMB; return nil },
		"kernel":           func(c *Config) error { c.Kernel = f.kernel; return nil },
		"initrd":           func(c *Config) error { c.Initrd = f.initrd; return nil },
		"cmdline":          func(c *Config) error { c.Cmdline = f.cmdline; return nil },
		"cmdline-policy":   func(c *Config) error { c.CmdlinePolicy = f.cmdlinePolicy; return nil },
		"override-cmdline": func(c *Config) error { c.OverrideCmdline = f.overrideCmdline; return nil },
		"load-address":     func(c *Config) error { return parseAddr(f.loadAddress, &c.LoadAddress) },
		"zero-page":        func(c *Config) error { return parseAddr(f.zeroPage, &c.ZeroPage) },
		"multiboot":        func(c *Config) error { c.MultibootInfo = f.multiboot; return nil },
		"debug-port": func(c *Config) error {
			if f.debugPort > 0xFFFF {
				return fmt.Errorf("%w: debug port 0x%x", ErrInvalid, f.debugPort)
			}
			c.Console.DebugPort = uint16(f.debugPort)
			return nil
		},
		"color":          func(c *Config) error { c.Console.Color = &f.color; return nil },
		"no-framebuffer": func(c *Config) error { c.Console.Framebuffer = !f.noFramebuffer; return nil },
		"tsc-window":     func(c *Config) error { c.TSC.WindowMS = f.windowMS; return nil },
		"debug":          func(c *Config) error { c.Debug = f.debug; return nil },
	}
	return f
}

func parseAddr(s string, dst *uint64) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("%w: address %q", ErrInvalid, s)
	}
	*dst = v
	return nil
}

func (f *Flags) FlagSet() *flag.FlagSet { return f.fs }

// Parse reads args, loads the -config file if given and applies every
// flag that was set explicitly on top. The result is validated.
func (f *Flags) Parse(args []string) (*Config, error) {
	if err := f.fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if f.path != "" {
		var err error
		if cfg, err = Load(f.path); err != nil {
			return nil, err
		}
	}

	var applyErr error
	f.fs.Visit(func(fl *flag.Flag) {
		if apply, ok := f.set[fl.Name]; ok && applyErr == nil {
			applyErr = apply(cfg)
		}
	})
	if applyErr != nil {
		return nil, applyErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Args returns the positional arguments left after Parse.
func (f *Flags) Args() []string { return f.fs.Args() }
