package hv

import "testing"

func TestRegisterFixed(t *testing.T) {
	as := NewAddressSpace(0, 0x20000000)

	if err := as.RegisterFixed("ioapic", 0xFEC00000, 0x1000); err != nil {
		t.Fatalf("RegisterFixed ioapic: %v", err)
	}
	if err := as.RegisterFixed("lapic", 0xFEE00000, 0x1000); err != nil {
		t.Fatalf("RegisterFixed lapic: %v", err)
	}
	if err := as.RegisterFixed("ram-overlap", 0x1000, 0x1000); err == nil {
		t.Fatal("expected RAM overlap to be rejected")
	}
	if err := as.RegisterFixed("dup", 0xFEC00800, 0x1000); err == nil {
		t.Fatal("expected overlapping window to be rejected")
	}
	if err := as.RegisterFixed("empty", 0xFF000000, 0); err == nil {
		t.Fatal("expected zero size to be rejected")
	}

	r, ok := as.Lookup(0xFEE00300)
	if !ok || r.Name != "lapic" {
		t.Fatalf("Lookup = %+v, %v", r, ok)
	}
	if _, ok := as.Lookup(0xFED00000); ok {
		t.Fatal("Lookup found a region in a hole")
	}

	regions := as.FixedRegions()
	if len(regions) != 2 || regions[0].Name != "ioapic" {
		t.Fatalf("FixedRegions = %+v", regions)
	}
}

func TestAlign(t *testing.T) {
	if got := AlignUp(0x1001, 0x1000); got != 0x2000 {
		t.Fatalf("AlignUp = 0x%x", got)
	}
	if got := AlignDown(0x1FFF, 0x1000); got != 0x1000 {
		t.Fatalf("AlignDown = 0x%x", got)
	}
	if got := AlignUp(0x1234, 0); got != 0x1234 {
		t.Fatalf("AlignUp zero = 0x%x", got)
	}
}
