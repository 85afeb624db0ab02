package amd64

import (
	"fmt"
	"sort"

	"github.com/crossvm/crossvm/internal/hv"
)

const (
	pageSize        = 0x1000
	isaMemEnd       = 0x0009F000
	biosRegionEnd   = 0x00100000
	minE820Coverage = 2
)

// DefaultE820Map describes [memStart, memEnd) as RAM with the legacy ISA
// hole between 636 KiB and 1 MiB reserved.
func DefaultE820Map(memStart, memEnd uint64) []E820Entry {
	memStart = hv.AlignDown(memStart, pageSize)
	memEnd = hv.AlignDown(memEnd, pageSize)
	if memEnd <= memStart {
		return nil
	}

	var entries []E820Entry

	if low := min(memEnd, isaMemEnd); low > memStart {
		entries = append(entries, E820Entry{Addr: memStart, Size: low - memStart, Type: E820RAM})
	}

	if memEnd > isaMemEnd {
		start := max(uint64(isaMemEnd), memStart)
		end := min(memEnd, biosRegionEnd)
		if end > start {
			entries = append(entries, E820Entry{Addr: start, Size: end - start, Type: E820Reserved})
		}
	}

	if high := max(uint64(biosRegionEnd), memStart); memEnd > high {
		entries = append(entries, E820Entry{Addr: high, Size: memEnd - high, Type: E820RAM})
	}

	// Linux falls back to legacy probing when handed fewer than two
	// entries, so split a lone region in half.
	if len(entries) < minE820Coverage {
		total := memEnd - memStart
		split := hv.AlignDown(total/2, pageSize)
		if split == 0 {
			return entries
		}
		return []E820Entry{
			{Addr: memStart, Size: split, Type: E820RAM},
			{Addr: memStart + split, Size: total - split, Type: E820RAM},
		}
	}

	return entries
}

// ReserveE820 carves [base, base+size) out of entries and marks it typ.
// The range must touch at least one existing entry.
func ReserveE820(entries []E820Entry, base, size uint64, typ uint32) ([]E820Entry, error) {
	if size == 0 {
		return entries, nil
	}
	end := base + size

	var out []E820Entry
	var reserved bool

	for _, ent := range entries {
		if end <= ent.Addr || base >= ent.End() {
			out = append(out, ent)
			continue
		}

		if base > ent.Addr {
			out = append(out, E820Entry{Addr: ent.Addr, Size: base - ent.Addr, Type: ent.Type})
		}

		resStart := max(base, ent.Addr)
		resEnd := min(end, ent.End())
		out = append(out, E820Entry{Addr: resStart, Size: resEnd - resStart, Type: typ})
		reserved = true

		if resEnd < ent.End() {
			out = append(out, E820Entry{Addr: resEnd, Size: ent.End() - resEnd, Type: ent.Type})
		}
	}

	if !reserved {
		return entries, fmt.Errorf("reserved region [%#x, %#x) outside e820 map: %w", base, end, ErrOutOfRange)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}
