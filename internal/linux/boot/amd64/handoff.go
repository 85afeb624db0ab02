package amd64

import (
	"context"
	"errors"
	"fmt"

	"github.com/crossvm/crossvm/internal/hv"
)

// Entry is the register state the 64-bit boot protocol requires at the
// kernel entry point.
type Entry struct {
	RIP uint64
	RSI uint64 // zero page
	RDI uint64
}

// Trampoline transfers control to the guest kernel. Enter only returns
// with an error: either the handoff could not be made, or the guest has
// stopped running, in which case the error wraps ErrGuestExited.
type Trampoline interface {
	Enter(ctx context.Context, e Entry) error
}

// TrampolineFunc adapts a function to Trampoline.
type TrampolineFunc func(ctx context.Context, e Entry) error

func (f TrampolineFunc) Enter(ctx context.Context, e Entry) error { return f(ctx, e) }

const (
	BootCodeSelector = 0x10 // __BOOT_CS
	BootDataSelector = 0x18 // __BOOT_DS

	rflagsReserved = 0x2
)

// VCPUTrampoline enters the kernel on a hardware vCPU: long mode with an
// identity map, flat boot segments, interrupts off, then the run loop.
type VCPUTrampoline struct {
	VCPU hv.VirtualCPUAmd64

	Tables          hv.DescriptorTables
	PagingBase      uint64
	AddressSpaceGiB int
	StackTop        uint64
	MSRs            []hv.MSR
}

func (t *VCPUTrampoline) Enter(ctx context.Context, e Entry) error {
	if t.VCPU == nil {
		return errors.New("trampoline: no vCPU")
	}

	tables := t.Tables
	if tables.CodeSelector == 0 {
		tables.CodeSelector = BootCodeSelector
	}
	if tables.DataSelector == 0 {
		tables.DataSelector = BootDataSelector
	}
	gib := t.AddressSpaceGiB
	if gib == 0 {
		gib = 4
	}

	if err := t.VCPU.SetLongMode(t.PagingBase, gib, tables); err != nil {
		return fmt.Errorf("trampoline: enter long mode: %w", err)
	}
	if len(t.MSRs) > 0 {
		if err := t.VCPU.SetMSRs(t.MSRs); err != nil {
			return fmt.Errorf("trampoline: %w", err)
		}
	}

	if err := t.VCPU.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(e.RIP),
		hv.RegisterAMD64Rsi:    hv.Register64(e.RSI),
		hv.RegisterAMD64Rdi:    hv.Register64(e.RDI),
		hv.RegisterAMD64Rsp:    hv.Register64(t.StackTop),
		hv.RegisterAMD64Rbp:    hv.Register64(0),
		hv.RegisterAMD64Rflags: hv.Register64(rflagsReserved),
	}); err != nil {
		return fmt.Errorf("trampoline: set registers: %w", err)
	}

	for {
		if err := t.VCPU.Run(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrGuestExited, err)
		}
	}
}

var (
	_ Trampoline = (*VCPUTrampoline)(nil)
	_ Trampoline = TrampolineFunc(nil)
)
