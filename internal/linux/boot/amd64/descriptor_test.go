package amd64

import (
	"errors"
	"strings"
	"testing"
)

func TestGuestParamsRoundTrip(t *testing.T) {
	in := &GuestParams{
		Magic:       GuestParamsMagic,
		KernelStart: 0x3F00_0000,
		KernelEnd:   0x3F80_0000,
		InitrdStart: 0x3E00_0000,
		InitrdEnd:   0x3E40_0000,
		Cmdline:     "console=hvc0 quiet",
		E820: []E820Entry{
			{Addr: 0, Size: 0x9F000, Type: E820RAM},
			{Addr: 0x9F000, Size: 0x61000, Type: E820Reserved},
			{Addr: 0x100000, Size: 0x3FF00000, Type: E820RAM},
		},
	}

	raw, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(raw) != GuestParamsSize {
		t.Fatalf("encoded %d bytes, want %d", len(raw), GuestParamsSize)
	}
	if string(raw[:4]) != "GPRM" {
		t.Fatalf("magic = %q", raw[:4])
	}
	if raw[guestE820Entries] != 3 {
		t.Fatalf("entry count byte = %d", raw[guestE820Entries])
	}

	var out GuestParams
	if err := out.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if out.KernelStart != in.KernelStart || out.KernelEnd != in.KernelEnd ||
		out.InitrdStart != in.InitrdStart || out.InitrdEnd != in.InitrdEnd ||
		out.Cmdline != in.Cmdline || out.Magic != in.Magic {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
	if len(out.E820) != len(in.E820) {
		t.Fatalf("decoded %d e820 entries", len(out.E820))
	}
	for i := range in.E820 {
		if out.E820[i] != in.E820[i] {
			t.Fatalf("e820[%d] = %+v, want %+v", i, out.E820[i], in.E820[i])
		}
	}
}

func TestGuestParamsLimits(t *testing.T) {
	if _, err := (&GuestParams{Cmdline: strings.Repeat("a", GuestCmdlineSize)}).MarshalBinary(); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("oversized cmdline: %v", err)
	}
	if _, err := (&GuestParams{E820: make([]E820Entry, E820MaxEntries+1)}).MarshalBinary(); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("too many entries: %v", err)
	}

	var g GuestParams
	if err := g.UnmarshalBinary(make([]byte, GuestParamsSize-1)); !errors.Is(err, ErrBadDescriptor) {
		t.Fatalf("short buffer: %v", err)
	}

	raw := make([]byte, GuestParamsSize)
	raw[guestE820Entries] = E820MaxEntries + 1
	if err := g.UnmarshalBinary(raw); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("entry count past limit: %v", err)
	}
}

func TestGuestParamsHasInitrd(t *testing.T) {
	for _, tc := range []struct {
		start, end uint64
		want       bool
	}{
		{0, 0, false},
		{0x1000, 0x1000, false},
		{0x2000, 0x1000, false},
		{0x1000, 0x2000, true},
	} {
		g := GuestParams{InitrdStart: tc.start, InitrdEnd: tc.end}
		if got := g.HasInitrd(); got != tc.want {
			t.Errorf("HasInitrd(0x%x, 0x%x) = %v", tc.start, tc.end, got)
		}
	}
}
