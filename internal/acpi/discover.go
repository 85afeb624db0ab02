package acpi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNoRSDP    = errors.New("acpi: RSDP not found")
	ErrChecksum  = errors.New("acpi: checksum mismatch")
	ErrNoMADT    = errors.New("acpi: MADT not found")
	ErrMalformed = errors.New("acpi: malformed table")
)

// LocalAPIC is one processor entry from the MADT.
type LocalAPIC struct {
	ProcessorID uint8
	APICID      uint8
	Enabled     bool
}

// Topology is the interrupt topology described by the MADT.
type Topology struct {
	LAPICBase uint32
	CPUs      []LocalAPIC
	IOAPICs   []IOAPICConfig
	Overrides []InterruptOverride
}

// EnabledCPUs counts processors the firmware marked usable.
func (t *Topology) EnabledCPUs() int {
	n := 0
	for _, c := range t.CPUs {
		if c.Enabled {
			n++
		}
	}
	return n
}

// FindRSDP scans [start, end) on 16 byte boundaries for a valid RSDP.
func FindRSDP(r io.ReaderAt, start, end uint64) (uint64, error) {
	buf := make([]byte, rsdpSize)
	for addr := start &^ 0xF; addr+rsdpSize <= end; addr += 16 {
		if _, err := r.ReadAt(buf[:8], int64(addr)); err != nil {
			continue
		}
		if string(buf[:8]) != "RSD PTR " {
			continue
		}
		if _, err := r.ReadAt(buf, int64(addr)); err != nil {
			continue
		}
		if sum(buf[:20]) == 0 {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w in [0x%x, 0x%x)", ErrNoRSDP, start, end)
}

// Discover walks RSDP, XSDT and MADT starting at rsdpAddr and returns the
// processor and IO-APIC layout.
func Discover(r io.ReaderAt, rsdpAddr uint64) (*Topology, error) {
	rsdp := make([]byte, rsdpSize)
	if _, err := r.ReadAt(rsdp, int64(rsdpAddr)); err != nil {
		return nil, fmt.Errorf("%w: read at 0x%x: %w", ErrNoRSDP, rsdpAddr, err)
	}
	if string(rsdp[:8]) != "RSD PTR " {
		return nil, fmt.Errorf("%w: bad signature at 0x%x", ErrNoRSDP, rsdpAddr)
	}
	if sum(rsdp[:20]) != 0 || sum(rsdp) != 0 {
		return nil, fmt.Errorf("%w: RSDP", ErrChecksum)
	}
	if rsdp[15] < 2 {
		return nil, fmt.Errorf("%w: RSDP revision %d has no XSDT", ErrMalformed, rsdp[15])
	}

	xsdt, err := readTable(r, binary.LittleEndian.Uint64(rsdp[24:]))
	if err != nil {
		return nil, err
	}
	if string(xsdt[:4]) != "XSDT" {
		return nil, fmt.Errorf("%w: expected XSDT, found %q", ErrMalformed, xsdt[:4])
	}

	entries := xsdt[headerSize:]
	for len(entries) >= 8 {
		addr := binary.LittleEndian.Uint64(entries)
		entries = entries[8:]

		table, err := readTable(r, addr)
		if err != nil {
			return nil, err
		}
		if string(table[:4]) == "APIC" {
			return parseMADT(table)
		}
	}

	return nil, ErrNoMADT
}

// readTable reads a complete SDT at addr and verifies its checksum.
func readTable(r io.ReaderAt, addr uint64) ([]byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := r.ReadAt(hdr, int64(addr)); err != nil {
		return nil, fmt.Errorf("%w: header at 0x%x: %w", ErrMalformed, addr, err)
	}
	length := binary.LittleEndian.Uint32(hdr[4:])
	if length < headerSize || length > 1<<20 {
		return nil, fmt.Errorf("%w: %q length %d", ErrMalformed, hdr[:4], length)
	}

	table := make([]byte, length)
	if _, err := r.ReadAt(table, int64(addr)); err != nil {
		return nil, fmt.Errorf("%w: %q at 0x%x: %w", ErrMalformed, hdr[:4], addr, err)
	}
	if sum(table) != 0 {
		return nil, fmt.Errorf("%w: %q", ErrChecksum, table[:4])
	}
	return table, nil
}

func parseMADT(table []byte) (*Topology, error) {
	body := table[headerSize:]
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: short MADT", ErrMalformed)
	}

	topo := &Topology{LAPICBase: binary.LittleEndian.Uint32(body)}
	rest := body[8:]
	for len(rest) > 0 {
		if len(rest) < 2 || rest[1] < 2 || int(rest[1]) > len(rest) {
			return nil, fmt.Errorf("%w: MADT entry at offset %d", ErrMalformed, len(table)-len(rest))
		}
		entry := rest[:rest[1]]
		rest = rest[rest[1]:]

		switch entry[0] {
		case madtLocalAPIC:
			if len(entry) < 8 {
				return nil, fmt.Errorf("%w: local APIC entry", ErrMalformed)
			}
			topo.CPUs = append(topo.CPUs, LocalAPIC{
				ProcessorID: entry[2],
				APICID:      entry[3],
				Enabled:     binary.LittleEndian.Uint32(entry[4:])&madtLocalAPICEnabled != 0,
			})
		case madtIOAPIC:
			if len(entry) < 12 {
				return nil, fmt.Errorf("%w: IO-APIC entry", ErrMalformed)
			}
			topo.IOAPICs = append(topo.IOAPICs, IOAPICConfig{
				ID:      entry[2],
				Address: binary.LittleEndian.Uint32(entry[4:]),
				GSIBase: binary.LittleEndian.Uint32(entry[8:]),
			})
		case madtSourceOverride:
			if len(entry) < 10 {
				return nil, fmt.Errorf("%w: interrupt override entry", ErrMalformed)
			}
			topo.Overrides = append(topo.Overrides, InterruptOverride{
				Bus:   entry[2],
				IRQ:   entry[3],
				GSI:   binary.LittleEndian.Uint32(entry[4:]),
				Flags: binary.LittleEndian.Uint16(entry[8:]),
			})
		}
	}

	if len(topo.CPUs) == 0 {
		return nil, fmt.Errorf("%w: MADT lists no processors", ErrMalformed)
	}
	return topo, nil
}

