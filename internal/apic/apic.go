// Package apic turns the MADT interrupt topology into the local APIC and
// I/O APIC layout the VM is created with.
package apic

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/crossvm/crossvm/internal/acpi"
	"github.com/crossvm/crossvm/internal/hv"
)

const (
	DefaultLAPICBase  = acpi.DefaultLAPICBase
	DefaultIOAPICBase = acpi.DefaultIOAPICBase

	// WindowSize is the MMIO window reserved for each APIC.
	WindowSize = 0x1000
	// IOAPICPins is the redirection table size of the emulated I/O APIC.
	IOAPICPins = 24

	isaIRQs = 16
)

var (
	ErrNoCPU      = errors.New("apic: no enabled processor in MADT")
	ErrNoIOAPIC   = errors.New("apic: no I/O APIC in MADT")
	ErrUnroutable = errors.New("apic: interrupt has no I/O APIC pin")
)

// MPS INTI flags from MADT interrupt source overrides.
const (
	intiPolarityMask = 0x3
	intiActiveLow    = 0x3
	intiTriggerMask  = 0xC
	intiLevel        = 0xC
)

type IOAPIC struct {
	ID      uint8
	Base    uint64
	GSIBase uint32
	Pins    uint32
}

// Covers reports whether gsi lands on one of this I/O APIC's pins.
func (io IOAPIC) Covers(gsi uint32) bool {
	return gsi >= io.GSIBase && gsi < io.GSIBase+io.Pins
}

// Route is where an ISA interrupt is delivered.
type Route struct {
	GSI       uint32
	ActiveLow bool
	Level     bool
}

// Config is the programmed interrupt layout.
type Config struct {
	LAPICBase uint64
	BSP       uint8
	CPUs      []uint8
	IOAPICs   []IOAPIC

	isa [isaIRQs]Route
}

// Route returns the delivery of ISA irq.
func (c *Config) Route(irq uint8) (Route, error) {
	if int(irq) >= isaIRQs {
		return Route{}, fmt.Errorf("apic: IRQ %d is not an ISA interrupt", irq)
	}
	return c.isa[irq], nil
}

// IOAPICFor returns the I/O APIC serving gsi.
func (c *Config) IOAPICFor(gsi uint32) (IOAPIC, error) {
	for _, io := range c.IOAPICs {
		if io.Covers(gsi) {
			return io, nil
		}
	}
	return IOAPIC{}, fmt.Errorf("%w: GSI %d", ErrUnroutable, gsi)
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("lapic", fmt.Sprintf("0x%x", c.LAPICBase)),
		slog.Int("bsp", int(c.BSP)),
		slog.Int("cpus", len(c.CPUs)),
		slog.Int("ioapics", len(c.IOAPICs)),
	)
}

// Program lays out the APICs described by topo and reserves their MMIO
// windows in space. space may be nil when no address space is tracked.
func Program(topo *acpi.Topology, space *hv.AddressSpace, log *slog.Logger) (*Config, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg := &Config{LAPICBase: uint64(topo.LAPICBase)}
	if cfg.LAPICBase == 0 {
		cfg.LAPICBase = DefaultLAPICBase
	}

	for _, cpu := range topo.CPUs {
		if !cpu.Enabled {
			log.Debug("skipping disabled processor", "apic_id", cpu.APICID)
			continue
		}
		cfg.CPUs = append(cfg.CPUs, cpu.APICID)
	}
	if len(cfg.CPUs) == 0 {
		return nil, ErrNoCPU
	}
	cfg.BSP = cfg.CPUs[0]

	if len(topo.IOAPICs) == 0 {
		return nil, ErrNoIOAPIC
	}
	for _, io := range topo.IOAPICs {
		cfg.IOAPICs = append(cfg.IOAPICs, IOAPIC{
			ID:      io.ID,
			Base:    uint64(io.Address),
			GSIBase: io.GSIBase,
			Pins:    IOAPICPins,
		})
	}
	sort.Slice(cfg.IOAPICs, func(i, j int) bool { return cfg.IOAPICs[i].GSIBase < cfg.IOAPICs[j].GSIBase })
	for i := 1; i < len(cfg.IOAPICs); i++ {
		prev := cfg.IOAPICs[i-1]
		if prev.Covers(cfg.IOAPICs[i].GSIBase) {
			return nil, fmt.Errorf("apic: I/O APIC %d GSI base %d inside I/O APIC %d",
				cfg.IOAPICs[i].ID, cfg.IOAPICs[i].GSIBase, prev.ID)
		}
	}

	// ISA interrupts are identity mapped, edge triggered and active high
	// unless the MADT says otherwise.
	for irq := range cfg.isa {
		cfg.isa[irq] = Route{GSI: uint32(irq)}
	}
	for _, ovr := range topo.Overrides {
		if ovr.Bus != 0 || int(ovr.IRQ) >= isaIRQs {
			log.Warn("ignoring interrupt override", "bus", ovr.Bus, "irq", ovr.IRQ)
			continue
		}
		cfg.isa[ovr.IRQ] = Route{
			GSI:       ovr.GSI,
			ActiveLow: ovr.Flags&intiPolarityMask == intiActiveLow,
			Level:     ovr.Flags&intiTriggerMask == intiLevel,
		}
	}
	for irq, r := range cfg.isa {
		if _, err := cfg.IOAPICFor(r.GSI); err != nil {
			return nil, fmt.Errorf("IRQ %d: %w", irq, err)
		}
	}

	if space != nil {
		if err := space.RegisterFixed("lapic", cfg.LAPICBase, WindowSize); err != nil {
			return nil, fmt.Errorf("apic: %w", err)
		}
		for _, io := range cfg.IOAPICs {
			if err := space.RegisterFixed(fmt.Sprintf("ioapic%d", io.ID), io.Base, WindowSize); err != nil {
				return nil, fmt.Errorf("apic: %w", err)
			}
		}
	}

	log.Info("apic programmed", "config", cfg)
	return cfg, nil
}
