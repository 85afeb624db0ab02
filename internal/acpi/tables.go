package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const rsdpSize = 36

var ErrTablesTooLarge = errors.New("acpi: tables exceed reserved region")

// Tables is a built set of ACPI tables ready to be copied into guest
// memory. Data is placed at Base and the RSDP at RSDPBase.
type Tables struct {
	Base     uint64
	Size     uint64
	Data     []byte
	RSDPBase uint64
	RSDP     []byte

	addrs map[string]uint64
}

// Addr returns the guest address of the table with the given signature.
func (t *Tables) Addr(signature string) (uint64, bool) {
	addr, ok := t.addrs[signature]
	return addr, ok
}

// ReadAt exposes the tables and RSDP as a sparse guest physical address
// space, which is what Discover expects.
func (t *Tables) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for _, region := range []struct {
		base uint64
		data []byte
	}{{t.Base, t.Data}, {t.RSDPBase, t.RSDP}} {
		if addr < region.base || addr >= region.base+uint64(len(region.data)) {
			continue
		}
		n := copy(p, region.data[addr-region.base:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	return 0, fmt.Errorf("acpi: address 0x%x not backed by tables", addr)
}

// Build lays out DSDT, MADT, FADT and XSDT at cfg.TablesBase and an ACPI
// 2.0 RSDP at cfg.RSDPBase.
func Build(cfg Config) (*Tables, error) {
	cfg.normalize()

	memEnd := cfg.MemoryBase + cfg.MemorySize
	if cfg.TablesBase < cfg.MemoryBase || cfg.TablesBase+cfg.TablesSize > memEnd {
		return nil, fmt.Errorf("acpi: table region [0x%x, 0x%x) outside guest RAM",
			cfg.TablesBase, cfg.TablesBase+cfg.TablesSize)
	}
	if cfg.RSDPBase < cfg.MemoryBase || cfg.RSDPBase+rsdpSize > memEnd {
		return nil, fmt.Errorf("acpi: RSDP at 0x%x outside guest RAM", cfg.RSDPBase)
	}
	if cfg.NumCPUs > 255 {
		return nil, fmt.Errorf("acpi: %d CPUs do not fit xAPIC IDs", cfg.NumCPUs)
	}

	w := newTableWriter(cfg.TablesBase, cfg.OEM)
	addrs := make(map[string]uint64)

	addrs["DSDT"] = w.Append(tableParams{
		Signature:  sig("DSDT"),
		Revision:   2,
		OEMTableID: tableID("CRSVMDSD"),
		Body:       buildDSDT(),
	})
	addrs["APIC"] = w.Append(tableParams{
		Signature:  sig("APIC"),
		Revision:   1,
		OEMTableID: tableID("CRSVMAPC"),
		Body:       buildMADTBody(cfg),
	})
	addrs["FACP"] = w.Append(tableParams{
		Signature:  sig("FACP"),
		Revision:   5,
		OEMTableID: tableID("CRSVMFAC"),
		Body:       buildFADTBody(addrs["DSDT"]),
	})
	addrs["XSDT"] = w.Append(tableParams{
		Signature:  sig("XSDT"),
		Revision:   1,
		OEMTableID: tableID("CRSVMXSD"),
		Body:       buildXSDTBody(addrs["FACP"], addrs["APIC"]),
	})

	data := w.Bytes()
	if uint64(len(data)) > cfg.TablesSize {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTablesTooLarge, len(data), cfg.TablesSize)
	}

	return &Tables{
		Base:     cfg.TablesBase,
		Size:     cfg.TablesSize,
		Data:     data,
		RSDPBase: cfg.RSDPBase,
		RSDP:     buildRSDP(addrs["XSDT"], cfg.OEM),
		addrs:    addrs,
	}, nil
}

// Install copies the tables and the RSDP into guest memory.
func Install(mem io.WriterAt, t *Tables) error {
	if _, err := mem.WriteAt(t.Data, int64(t.Base)); err != nil {
		return fmt.Errorf("acpi: write tables: %w", err)
	}
	if _, err := mem.WriteAt(t.RSDP, int64(t.RSDPBase)); err != nil {
		return fmt.Errorf("acpi: write RSDP: %w", err)
	}
	return nil
}

// buildDSDT describes COM1 so the guest binds its 8250 driver at 0x3F8.
func buildDSDT() []byte {
	var dev bytes.Buffer
	dev.WriteString("UAR0")

	dev.WriteByte(0x08) // NameOp
	dev.WriteString("_HID")
	dev.WriteByte(0x0D) // StringPrefix
	dev.WriteString("PNP0501")
	dev.WriteByte(0x00)

	dev.WriteByte(0x08)
	dev.WriteString("_CRS")

	var res bytes.Buffer
	// IO (Decode16, 0x3F8, 0x3F8, 0, 8)
	res.Write([]byte{0x47, 0x01})
	binary.Write(&res, binary.LittleEndian, uint16(0x3F8))
	binary.Write(&res, binary.LittleEndian, uint16(0x3F8))
	res.Write([]byte{0x00, 0x08})
	// IRQNoFlags {4}
	res.WriteByte(0x22)
	binary.Write(&res, binary.LittleEndian, uint16(1<<4))
	res.Write([]byte{0x79, 0x00})

	var buf bytes.Buffer
	buf.WriteByte(0x0A) // BytePrefix
	buf.WriteByte(byte(res.Len()))
	buf.Write(res.Bytes())
	dev.Write(wrapPkg(0x11, 0, buf.Bytes())) // BufferOp

	var scope bytes.Buffer
	scope.WriteString("\\_SB_")
	scope.Write(wrapPkg(0x5B, 0x82, dev.Bytes())) // DeviceOp

	return wrapPkg(0x10, 0, scope.Bytes()) // ScopeOp
}

// MADT structure types.
const (
	madtLocalAPIC      = 0
	madtIOAPIC         = 1
	madtSourceOverride = 2

	madtLocalAPICEnabled = 1
	madtPCATCompat       = 1
)

func buildMADTBody(cfg Config) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, cfg.LAPICBase)
	binary.Write(buf, binary.LittleEndian, uint32(madtPCATCompat))

	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		buf.Write([]byte{madtLocalAPIC, 8, uint8(cpu), uint8(cpu)})
		binary.Write(buf, binary.LittleEndian, uint32(madtLocalAPICEnabled))
	}

	buf.Write([]byte{madtIOAPIC, 12, cfg.IOAPIC.ID, 0})
	binary.Write(buf, binary.LittleEndian, cfg.IOAPIC.Address)
	binary.Write(buf, binary.LittleEndian, cfg.IOAPIC.GSIBase)

	for _, ovr := range cfg.ISAOverrides {
		buf.Write([]byte{madtSourceOverride, 10, ovr.Bus, ovr.IRQ})
		binary.Write(buf, binary.LittleEndian, ovr.GSI)
		binary.Write(buf, binary.LittleEndian, ovr.Flags)
	}

	return buf.Bytes()
}

// fadtSize is the length of a revision 5 FADT.
const fadtSize = 268

// buildFADTBody fills the fields Linux reads from a hardware-reduced FADT.
// Offsets are from the start of the table, header included.
func buildFADTBody(dsdt uint64) []byte {
	table := make([]byte, fadtSize)
	le := binary.LittleEndian

	le.PutUint32(table[40:], uint32(dsdt))
	table[45] = 1 // Preferred_PM_Profile: desktop
	le.PutUint16(table[46:], 9)
	// IAPC_BOOT_ARCH: legacy devices and an 8042.
	le.PutUint16(table[109:], 0x3)
	le.PutUint32(table[112:], 1<<20) // HW_REDUCED_ACPI

	// RESET_REG is a system I/O GAS pointing at 0xCF9.
	copy(table[116:], []byte{1, 8, 0, 0})
	le.PutUint64(table[120:], 0xCF9)
	table[128] = 0x06
	table[131] = 1 // minor version
	le.PutUint64(table[140:], dsdt)

	return table[headerSize:]
}

func buildXSDTBody(entries ...uint64) []byte {
	buf := make([]byte, 8*len(entries))
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[8*i:], e)
	}
	return buf
}

func buildRSDP(xsdt uint64, oem OEMInfo) []byte {
	rsdp := make([]byte, rsdpSize)
	copy(rsdp[0:8], "RSD PTR ")
	copy(rsdp[9:15], oem.OEMID[:])
	rsdp[15] = 2 // revision: ACPI 2.0+
	binary.LittleEndian.PutUint32(rsdp[20:], rsdpSize)
	binary.LittleEndian.PutUint64(rsdp[24:], xsdt)

	rsdp[8] = checksum(rsdp[:20])
	rsdp[32] = checksum(rsdp)
	return rsdp
}
