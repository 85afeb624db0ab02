// Package cpu probes the host processor for the features the VMM needs.
package cpu

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrNoVirtualization = errors.New("cpu: no hardware virtualization (VMX or SVM)")
	ErrNoTSC            = errors.New("cpu: no time stamp counter")
	ErrUnsupportedArch  = errors.New("cpu: probing is only supported on amd64")
)

// Info describes the host processor.
type Info struct {
	Vendor   string
	Family   uint8
	Model    uint8
	Stepping uint8

	VMX bool
	SVM bool
	TSC bool

	// Hypervisor is set when the host is itself a guest.
	Hypervisor bool

	PhysAddrBits uint32
	VirtAddrBits uint32
	CacheLine    uint32
}

// Virtualization names the hardware extension the host offers.
func (i Info) Virtualization() string {
	switch {
	case i.VMX:
		return "vmx"
	case i.SVM:
		return "svm"
	default:
		return "none"
	}
}

// Check reports whether the processor can run the VMM.
func (i Info) Check() error {
	if !i.VMX && !i.SVM {
		return fmt.Errorf("%w: vendor %q", ErrNoVirtualization, i.Vendor)
	}
	if !i.TSC {
		return ErrNoTSC
	}
	return nil
}

func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("vendor", i.Vendor),
		slog.Int("family", int(i.Family)),
		slog.Int("model", int(i.Model)),
		slog.Int("stepping", int(i.Stepping)),
		slog.String("virt", i.Virtualization()),
		slog.Bool("tsc", i.TSC),
		slog.Bool("nested", i.Hypervisor),
		slog.Int("phys_bits", int(i.PhysAddrBits)),
	)
}
