package hv

import (
	"fmt"
	"sort"
	"sync"
)

// MMIORegion is a named window of guest physical address space that is
// not backed by RAM.
type MMIORegion struct {
	Name string
	Base uint64
	Size uint64
}

func (r MMIORegion) End() uint64 { return r.Base + r.Size }

// AddressSpace tracks guest RAM and the fixed device windows placed around
// it (local APIC, I/O APIC, ...).
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	fixed []MMIORegion
}

func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{ramBase: ramBase, ramSize: ramSize}
}

// RegisterFixed reserves a device window. It fails if the window overlaps
// RAM or a window registered earlier.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}
	if base+size < base {
		return fmt.Errorf("address_space: fixed region %s wraps the address space", name)
	}

	end := base + size
	ramEnd := a.RAMEnd()
	if base < ramEnd && end > a.ramBase {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, end, a.ramBase, ramEnd)
	}
	for _, r := range a.fixed {
		if base < r.End() && end > r.Base {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s",
				name, base, end, r.Name)
		}
	}

	a.fixed = append(a.fixed, MMIORegion{Name: name, Base: base, Size: size})
	sort.Slice(a.fixed, func(i, j int) bool { return a.fixed[i].Base < a.fixed[j].Base })
	return nil
}

// Lookup returns the fixed region containing addr.
func (a *AddressSpace) Lookup(addr uint64) (MMIORegion, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.fixed {
		if addr >= r.Base && addr < r.End() {
			return r, true
		}
	}
	return MMIORegion{}, false
}

// FixedRegions returns a copy of all fixed regions ordered by base.
func (a *AddressSpace) FixedRegions() []MMIORegion {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIORegion, len(a.fixed))
	copy(result, a.fixed)
	return result
}

func (a *AddressSpace) RAMBase() uint64 { return a.ramBase }
func (a *AddressSpace) RAMSize() uint64 { return a.ramSize }
func (a *AddressSpace) RAMEnd() uint64  { return a.ramBase + a.ramSize }

// AlignUp rounds value up to a power of two alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// AlignDown rounds value down to a power of two alignment.
func AlignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
