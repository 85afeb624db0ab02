package kvm

import (
	"encoding/binary"
	"fmt"

	"github.com/crossvm/crossvm/internal/hv"
)

const (
	p  = 1 << 0 // present
	rw = 1 << 1 // writable
	us = 1 << 2 // user
	ps = 1 << 7 // page-size (2MiB when set in PDE)
)

// pagingSize returns the bytes of paging structures needed to identity map
// gib GiB: one PML4, one PDPT and one PD per GiB.
func pagingSize(gib int) uint64 {
	return uint64(2+gib) * 0x1000
}

// buildIdentityMap writes PML4/PDPT/PD tables at pagingBase that identity
// map the low gib GiB with 2MiB pages and returns the CR3 value.
func buildIdentityMap(mem hv.AddressTranslator, pagingBase uint64, gib int) (uint64, error) {
	if gib < 1 || gib > 512 {
		return 0, fmt.Errorf("kvm: identity map of %d GiB not supported", gib)
	}
	if pagingBase&0xFFF != 0 {
		return 0, fmt.Errorf("kvm: paging base 0x%x is not page aligned", pagingBase)
	}

	tables, err := mem.Translate(pagingBase, pagingSize(gib))
	if err != nil {
		return 0, fmt.Errorf("kvm: paging structures: %w", err)
	}
	clear(tables)

	pml4Addr := pagingBase
	pdptAddr := pagingBase + 0x1000
	pdBase := pagingBase + 0x2000

	pml4 := tables[0:0x1000]
	pdpt := tables[0x1000:0x2000]

	// PML4[0] -> PDPT (single PML4 covers low 512 GiB)
	binary.LittleEndian.PutUint64(pml4[0:], pdptAddr|p|rw|us)

	for g := range gib {
		pdAddr := pdBase + uint64(g)*0x1000
		off := pdAddr - pagingBase
		pd := tables[off : off+0x1000]

		binary.LittleEndian.PutUint64(pdpt[g*8:], pdAddr|p|rw|us)

		base := uint64(g) << 30
		for i := range 512 {
			phys := base | uint64(i)<<21
			binary.LittleEndian.PutUint64(pd[i*8:], phys|p|rw|us|ps)
		}
	}

	return pml4Addr, nil
}
