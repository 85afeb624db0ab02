package vmm

import (
	"context"
	"fmt"

	"github.com/crossvm/crossvm/internal/acpi"
	"github.com/crossvm/crossvm/internal/apic"
	"github.com/crossvm/crossvm/internal/bootinfo"
	"github.com/crossvm/crossvm/internal/console"
	"github.com/crossvm/crossvm/internal/cpu"
	"github.com/crossvm/crossvm/internal/hv"
	"github.com/crossvm/crossvm/internal/traps"
)

// Stage names.
const (
	StageConsole   = "console"
	StageCPU       = "cpu"
	StageTSC       = "tsc"
	StageTraps     = "traps"
	StageMultiboot = "multiboot"
	StageACPI      = "acpi"
	StageAPIC      = "apic"
	StageVirt      = "virt"
	StageBSP       = "bsp"
)

type ConsoleSetup interface {
	Open(ctx context.Context) (*console.Registry, error)
}

type CPUProber interface {
	Probe(ctx context.Context) (cpu.Info, error)
}

type TSCCalibrator interface {
	Calibrate(ctx context.Context) (uint64, error)
}

// TrapSetup builds the guest trap tables and arranges for stop to be
// called when the host asks the VMM to quit. release undoes the latter.
type TrapSetup interface {
	Setup(ctx context.Context, stop func(cause error)) (t *traps.Tables, release func(), err error)
}

type BootInfoSource interface {
	Load(ctx context.Context) (*bootinfo.Info, error)
}

type ACPIBuilder interface {
	Build(ctx context.Context, memBase, memSize uint64, info *bootinfo.Info) (*acpi.Tables, error)
}

type APICProgrammer interface {
	Program(ctx context.Context, topo *acpi.Topology, space *hv.AddressSpace) (*apic.Config, error)
}

type HypervisorOpener interface {
	Open(ctx context.Context, cfg *apic.Config) (hv.Hypervisor, error)
}

// GuestRunner creates the VM and runs the guest on the BSP. It returns
// when the guest stops.
type GuestRunner interface {
	Run(ctx context.Context, m *Machine) error
}

// GuestRunnerFunc adapts a function to GuestRunner.
type GuestRunnerFunc func(ctx context.Context, m *Machine) error

func (f GuestRunnerFunc) Run(ctx context.Context, m *Machine) error { return f(ctx, m) }

// Subsystems backs each default stage.
type Subsystems struct {
	Consoles ConsoleSetup
	CPU      CPUProber
	TSC      TSCCalibrator
	Traps    TrapSetup
	BootInfo BootInfoSource
	ACPI     ACPIBuilder
	APIC     APICProgrammer
	Virt     HypervisorOpener
	BSP      GuestRunner

	// Guest RAM, for the tables and address space the stages lay out.
	MemBase uint64
	MemSize uint64
}

// DefaultStages is the bring-up order:
//
//	console, cpu, tsc, traps, multiboot, acpi, apic, virt, bsp
func DefaultStages(s Subsystems) []Stage {
	return []Stage{
		{
			Name: StageConsole,
			Run: func(ctx context.Context, m *Machine) error {
				reg, err := s.Consoles.Open(ctx)
				if err != nil {
					return err
				}
				m.Consoles = reg
				m.SetLogger(reg.Logger(m.logLevel()))
				m.OnClose(reg.Close)
				return nil
			},
		},
		{
			Name:     StageCPU,
			Requires: []string{StageConsole},
			Run: func(ctx context.Context, m *Machine) error {
				info, err := s.CPU.Probe(ctx)
				if err != nil {
					return err
				}
				m.logger().Info("host cpu", "cpu", info)
				if err := info.Check(); err != nil {
					return err
				}
				m.CPU = info
				return nil
			},
		},
		{
			Name:     StageTSC,
			Requires: []string{StageCPU},
			Run: func(ctx context.Context, m *Machine) error {
				hz, err := s.TSC.Calibrate(ctx)
				if err != nil {
					return err
				}
				m.TSCHz = hz
				m.logger().Info("tsc", "mhz", hz/1_000_000)
				return nil
			},
		},
		{
			Name:     StageTraps,
			Requires: []string{StageCPU},
			Run: func(ctx context.Context, m *Machine) error {
				t, release, err := s.Traps.Setup(ctx, m.Stop)
				if err != nil {
					return err
				}
				m.Traps = t
				if release != nil {
					m.OnClose(func() error { release(); return nil })
				}
				return nil
			},
		},
		{
			Name:     StageMultiboot,
			Requires: []string{StageConsole},
			Run: func(ctx context.Context, m *Machine) error {
				info, err := s.BootInfo.Load(ctx)
				if err != nil {
					return err
				}
				if _, err := info.Kernel(); err != nil {
					return err
				}
				m.BootInfo = info
				m.logger().Info("boot information", "info", info)
				return nil
			},
		},
		{
			Name:     StageACPI,
			Requires: []string{StageMultiboot},
			Run: func(ctx context.Context, m *Machine) error {
				tables, err := s.ACPI.Build(ctx, s.MemBase, s.MemSize, m.BootInfo)
				if err != nil {
					return err
				}
				topo, err := acpi.Discover(tables, tables.RSDPBase)
				if err != nil {
					return fmt.Errorf("acpi: parse generated tables: %w", err)
				}
				m.ACPI = tables
				m.Topology = topo
				m.logger().Info("acpi tables", "base", fmt.Sprintf("0x%x", tables.Base), "cpus", topo.EnabledCPUs())
				return nil
			},
		},
		{
			Name:     StageAPIC,
			Requires: []string{StageACPI},
			Run: func(ctx context.Context, m *Machine) error {
				space := hv.NewAddressSpace(s.MemBase, s.MemSize)
				cfg, err := s.APIC.Program(ctx, m.Topology, space)
				if err != nil {
					return err
				}
				m.AddressSpace = space
				m.APIC = cfg
				return nil
			},
		},
		{
			Name:     StageVirt,
			Requires: []string{StageAPIC, StageCPU},
			Run: func(ctx context.Context, m *Machine) error {
				h, err := s.Virt.Open(ctx, m.APIC)
				if err != nil {
					return err
				}
				m.Hypervisor = h
				m.OnClose(h.Close)
				return nil
			},
		},
		{
			Name:     StageBSP,
			Requires: []string{StageVirt, StageMultiboot, StageTraps, StageTSC},
			Run: func(ctx context.Context, m *Machine) error {
				return s.BSP.Run(ctx, m)
			},
		},
	}
}
