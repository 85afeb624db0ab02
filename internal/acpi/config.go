package acpi

// Config controls how ACPI tables are laid out and populated inside guest
// memory. All addresses are guest physical addresses.
type Config struct {
	MemoryBase uint64
	MemorySize uint64
	TablesBase uint64
	TablesSize uint64
	RSDPBase   uint64

	NumCPUs   int
	LAPICBase uint32

	IOAPIC IOAPICConfig

	// ISAOverrides emits MADT interrupt source overrides for legacy ISA IRQs.
	ISAOverrides []InterruptOverride

	OEM OEMInfo
}

// IOAPICConfig describes the IO-APIC entry emitted into the MADT.
type IOAPICConfig struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// InterruptOverride describes a single MADT INT_SRC_OVR entry.
type InterruptOverride struct {
	Bus   uint8
	IRQ   uint8
	GSI   uint32
	Flags uint16 // MPS INTI flags
}

// OEMInfo mirrors the ACPI table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEMInfo returns the table header metadata stamped by crossvm.
func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'C', 'R', 'S', 'V', 'M', ' '},
		OEMTableID:      [8]byte{'C', 'R', 'S', 'V', 'M', 'D', 'E', 'F'},
		OEMRevision:     1,
		CreatorID:       [4]byte{'C', 'V', 'M', 'M'},
		CreatorRevision: 1,
	}
}

const (
	DefaultTablesSize = 0x10000
	DefaultLAPICBase  = 0xFEE00000
	DefaultIOAPICBase = 0xFEC00000

	// rsdpOffset places the RSDP in the BIOS read-only area Linux scans.
	rsdpOffset = 0x000E0000

	// x86PCIHoleStart is the start of the 32-bit MMIO hole.
	x86PCIHoleStart uint64 = 0xC0000000
)

// DefaultISAOverrides routes the PIT to GSI 2 and marks the SCI level
// triggered, active low.
func DefaultISAOverrides() []InterruptOverride {
	return []InterruptOverride{
		{Bus: 0, IRQ: 0, GSI: 2},
		{Bus: 0, IRQ: 9, GSI: 9, Flags: 0x000F},
	}
}

func (c *Config) normalize() {
	if c.TablesSize == 0 {
		c.TablesSize = DefaultTablesSize
	}
	if c.TablesBase == 0 {
		memEnd := c.MemoryBase + c.MemorySize
		c.TablesBase = memEnd - c.TablesSize
		// Keep the tables out of the 3-4 GiB MMIO hole.
		if memEnd > x86PCIHoleStart {
			c.TablesBase = x86PCIHoleStart - c.TablesSize
		}
	}
	if c.RSDPBase == 0 {
		c.RSDPBase = c.MemoryBase + rsdpOffset
	}
	if c.NumCPUs <= 0 {
		c.NumCPUs = 1
	}
	if c.LAPICBase == 0 {
		c.LAPICBase = DefaultLAPICBase
	}
	if c.IOAPIC.Address == 0 {
		c.IOAPIC.Address = DefaultIOAPICBase
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
}
