package amd64

import (
	"bytes"
	"fmt"
)

const (
	loadFlagLoadedHigh = 0x01
	loadFlagCanUseHeap = 0x80

	xloadFlagKernel64 = 0x01

	typeOfLoaderUndefined = 0xFF
	vidModeNormal         = 0xFFFF
	heapEnd               = 0xE000
	setupSectorSize       = 512
	defaultSetupSects     = 4
	kernelVersionBias     = 0x200
	maxKernelVersionLen   = 256
)

// SetupHeader is the subset of the image's setup header the host side
// looks at when placing things in guest memory.
type SetupHeader struct {
	SetupSects        uint8
	ProtocolVersion   uint16
	LoadFlags         uint8
	KernelVersion     string
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel bool
	XLoadFlags        uint16
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32
}

// IsBzImage reports whether the kernel wants to be loaded at 1 MiB.
func (h SetupHeader) IsBzImage() bool { return h.LoadFlags&loadFlagLoadedHigh != 0 }

// BodyOffset is where the protected mode kernel starts in the image.
func (h SetupHeader) BodyOffset() uint64 {
	return (uint64(h.SetupSects) + 1) * setupSectorSize
}

// ReadSetupHeader parses the setup header embedded in a raw kernel image.
func ReadSetupHeader(image []byte) (SetupHeader, error) {
	if err := checkMagic(image); err != nil {
		return SetupHeader{}, err
	}

	var hdr SetupHeader
	var err error
	get := func(name string) uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = BootProtocol.Uint(image, name)
		return v
	}

	hdr.SetupSects = uint8(get(FieldSetupSects))
	if hdr.SetupSects == 0 {
		hdr.SetupSects = defaultSetupSects
	}
	hdr.ProtocolVersion = uint16(get(FieldVersion))
	hdr.LoadFlags = uint8(get(FieldLoadFlags))
	hdr.InitrdAddrMax = uint32(get(FieldInitrdAddrMax))
	hdr.KernelAlignment = uint32(get(FieldKernelAlignment))
	hdr.RelocatableKernel = get(FieldRelocatableKernel) != 0
	hdr.XLoadFlags = uint16(get(FieldXLoadFlags))
	hdr.CmdlineSize = uint32(get(FieldCmdlineSize))
	hdr.PrefAddress = get(FieldPrefAddress)
	hdr.InitSize = uint32(get(FieldInitSize))
	if err != nil {
		return SetupHeader{}, fmt.Errorf("setup header: %w", err)
	}
	hdr.KernelVersion = kernelVersion(image, uint16(get(FieldKernelVersion)))

	return hdr, nil
}

func checkMagic(image []byte) error {
	magic, err := BootProtocol.Uint(image, FieldHeader)
	if err != nil {
		return fmt.Errorf("image too small for setup header: %w", ErrUnsupportedKernel)
	}
	if magic != HeaderMagic {
		return fmt.Errorf("missing HdrS signature (found 0x%08x): %w", magic, ErrUnsupportedKernel)
	}
	return nil
}

// kernelVersion returns the NUL terminated version string the header
// points at, or "" when it is absent or out of bounds.
func kernelVersion(image []byte, ptr uint16) string {
	if ptr == 0 {
		return ""
	}
	start := int(ptr) + kernelVersionBias
	if start >= len(image) {
		return ""
	}
	s := image[start:min(len(image), start+maxKernelVersionLen)]
	if nul := bytes.IndexByte(s, 0); nul >= 0 {
		return string(s[:nul])
	}
	return ""
}
