package vmm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/crossvm/crossvm/internal/acpi"
	"github.com/crossvm/crossvm/internal/apic"
	"github.com/crossvm/crossvm/internal/bootinfo"
	"github.com/crossvm/crossvm/internal/config"
	"github.com/crossvm/crossvm/internal/console"
	"github.com/crossvm/crossvm/internal/cpu"
	"github.com/crossvm/crossvm/internal/hv"
	"github.com/crossvm/crossvm/internal/hv/kvm"
	"github.com/crossvm/crossvm/internal/traps"
	"github.com/crossvm/crossvm/internal/tsc"
)

// HostConsoles opens the debug port console on Out and, optionally, the
// framebuffer console. The fan-out logger becomes the process default.
type HostConsoles struct {
	Out         io.Writer
	DebugPort   uint16
	Color       *bool
	Framebuffer bool
	Level       slog.Leveler
}

func (c HostConsoles) Open(ctx context.Context) (*console.Registry, error) {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	reg := &console.Registry{}

	dbg := console.NewDebugPort(c.DebugPort, out)
	if c.Color != nil {
		dbg.Color = *c.Color
	}
	reg.Register(dbg)

	if c.Framebuffer {
		reg.Register(console.NewFramebuffer(console.FramebufferCols, console.FramebufferRows))
	}

	level := c.Level
	if level == nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(reg.Logger(level))
	return reg, nil
}

type HostCPU struct{}

func (HostCPU) Probe(ctx context.Context) (cpu.Info, error) { return cpu.Probe() }

type HostTSC struct {
	Window time.Duration
}

func (t HostTSC) Calibrate(ctx context.Context) (uint64, error) {
	return tsc.Calibrate(ctx, t.Window)
}

// HostTraps builds the default tables and stops the sequence on SIGINT or
// SIGTERM.
type HostTraps struct{}

func (HostTraps) Setup(ctx context.Context, stop func(cause error)) (*traps.Tables, func(), error) {
	release := traps.OnSignal(stop, nil)
	return traps.New(0, 0), release, nil
}

// HostBootInfo reads boot information from Path. Without a Path the kernel
// and initrd files form the module list.
type HostBootInfo struct {
	Path   string
	Kernel string
	Initrd string
}

func progressWriter() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return os.Stderr
	}
	return nil
}

func (b HostBootInfo) Load(ctx context.Context) (*bootinfo.Info, error) {
	if b.Path != "" {
		return bootinfo.Load(b.Path, progressWriter())
	}

	m := bootinfo.Manifest{
		Modules: []bootinfo.ManifestModule{{Name: bootinfo.KernelModule, Path: b.Kernel}},
	}
	if b.Initrd != "" {
		m.Modules = append(m.Modules, bootinfo.ManifestModule{Name: bootinfo.InitrdModule, Path: b.Initrd})
	}
	info, err := bootinfo.FromManifest(m, "", progressWriter())
	if err != nil {
		return nil, err
	}
	info.Source = "command line"
	return info, nil
}

// HostACPI builds single processor tables at the top of RAM.
type HostACPI struct{}

func (HostACPI) Build(ctx context.Context, memBase, memSize uint64, info *bootinfo.Info) (*acpi.Tables, error) {
	return acpi.Build(acpi.Config{
		MemoryBase:   memBase,
		MemorySize:   memSize,
		NumCPUs:      1,
		ISAOverrides: acpi.DefaultISAOverrides(),
	})
}

type HostAPIC struct{}

func (HostAPIC) Program(ctx context.Context, topo *acpi.Topology, space *hv.AddressSpace) (*apic.Config, error) {
	return apic.Program(topo, space, slog.Default())
}

// HostKVM opens /dev/kvm. The in-kernel irqchip sits at the architectural
// APIC addresses, so other layouts are refused.
type HostKVM struct{}

func (HostKVM) Open(ctx context.Context, cfg *apic.Config) (hv.Hypervisor, error) {
	if err := checkIRQChip(cfg); err != nil {
		return nil, err
	}
	return kvm.Open()
}

func checkIRQChip(cfg *apic.Config) error {
	if cfg == nil {
		return nil
	}
	if cfg.LAPICBase != apic.DefaultLAPICBase {
		return fmt.Errorf("vmm: local APIC at 0x%x, in-kernel irqchip needs 0x%x", cfg.LAPICBase, uint64(apic.DefaultLAPICBase))
	}
	if len(cfg.IOAPICs) != 1 || cfg.IOAPICs[0].Base != apic.DefaultIOAPICBase {
		return fmt.Errorf("vmm: in-kernel irqchip needs a single I/O APIC at 0x%x", uint64(apic.DefaultIOAPICBase))
	}
	return nil
}

// HostSubsystems wires the host implementations from a validated
// configuration. Console output goes to out.
func HostSubsystems(cfg *config.Config, out io.Writer) (Subsystems, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return Subsystems{}, err
	}
	e820, err := cfg.E820Entries()
	if err != nil {
		return Subsystems{}, err
	}
	files, err := cfg.InitFiles()
	if err != nil {
		return Subsystems{}, err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	return Subsystems{
		Consoles: HostConsoles{
			Out:         out,
			DebugPort:   cfg.Console.DebugPort,
			Color:       cfg.Console.Color,
			Framebuffer: cfg.Console.Framebuffer,
			Level:       level,
		},
		CPU:   HostCPU{},
		TSC:   HostTSC{Window: cfg.TSCWindow()},
		Traps: HostTraps{},
		BootInfo: HostBootInfo{
			Path:   cfg.MultibootInfo,
			Kernel: cfg.Kernel,
			Initrd: cfg.Initrd,
		},
		ACPI: HostACPI{},
		APIC: HostAPIC{},
		Virt: HostKVM{},
		BSP: &Guest{
			Cmdline:         cfg.Cmdline,
			CmdlinePolicy:   policy,
			OverrideCmdline: cfg.OverrideCmdline,
			InitramfsFiles:  files,
			E820:            e820,
			LoadAddr:        cfg.LoadAddress,
			ZeroPageGPA:     cfg.ZeroPage,
			Serial:          cfg.Console.Serial,
		},
		MemSize: cfg.MemoryBytes(),
	}, nil
}
