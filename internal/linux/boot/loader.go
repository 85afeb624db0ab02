// Package boot stages a Linux guest in VM memory and runs it through the
// x86-64 boot protocol loader.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/crossvm/crossvm/internal/acpi"
	"github.com/crossvm/crossvm/internal/hv"
	amd64boot "github.com/crossvm/crossvm/internal/linux/boot/amd64"
	"github.com/crossvm/crossvm/internal/traps"
)

const (
	pageSize = 0x1000

	// DefaultStagingOffset is how far below the top of RAM the raw kernel
	// image is staged.
	DefaultStagingOffset = 16 << 20
	DefaultDescriptorGPA = 0x3000
	DefaultPagingBase    = 0x9000
	DefaultStackTop      = 0x7000
	DefaultAddrSpaceGiB  = 4
)

// LinuxLoader implements hv.VMConfig and hv.VMLoader for a single vCPU
// Linux guest. Load stages the images and the descriptor; RunConfig hands
// the descriptor to the boot protocol loader on the BSP.
type LinuxLoader struct {
	MemSize uint64
	MemBase uint64

	Kernel         []byte
	Initrd         []byte
	InitramfsFiles []InitFile

	Cmdline         string
	CmdlinePolicy   amd64boot.CmdlinePolicy
	OverrideCmdline string

	// E820 is the firmware memory map. Nil means the default ISA hole map
	// over all of RAM.
	E820 []amd64boot.E820Entry

	// ACPI tables to install. Nil builds a single CPU set.
	ACPI *acpi.Tables
	// Traps describes the GDT, IDT and MSRs the kernel is entered with.
	// Nil uses traps.New(0, 0).
	Traps *traps.Tables

	StagingOffset uint64
	LoadAddr      uint64
	ZeroPageGPA   uint64
	DescriptorGPA uint64

	Devices   []hv.X86IOPortDevice
	Hypercall hv.HypercallHandler

	CreateVM func(vm hv.VirtualMachine) error

	Logger *slog.Logger

	staged *amd64boot.GuestParams
}

func (l *LinuxLoader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *LinuxLoader) traps() *traps.Tables {
	if l.Traps == nil {
		l.Traps = traps.New(0, 0)
	}
	return l.Traps
}

func (l *LinuxLoader) descriptorGPA() uint64 {
	if l.DescriptorGPA != 0 {
		return l.DescriptorGPA
	}
	return DefaultDescriptorGPA
}

// implements hv.VMConfig.
func (l *LinuxLoader) CPUCount() int                   { return 1 }
func (l *LinuxLoader) MemorySize() uint64              { return l.MemSize }
func (l *LinuxLoader) MemoryBase() uint64              { return l.MemBase }
func (l *LinuxLoader) NeedsInterruptSupport() bool     { return true }
func (l *LinuxLoader) Callbacks() hv.VMCallbacks       { return l }
func (l *LinuxLoader) Loader() hv.VMLoader             { return l }
func (l *LinuxLoader) Hypercalls() hv.HypercallHandler { return l.Hypercall }

// OnCreateVM implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVM(vm hv.VirtualMachine) error {
	if l.CreateVM != nil {
		return l.CreateVM(vm)
	}
	return nil
}

// OnCreateVCPU implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVCPU(vcpu hv.VirtualCPU) error { return nil }

// Staged returns the descriptor written by the last successful Load.
func (l *LinuxLoader) Staged() *amd64boot.GuestParams { return l.staged }

// Load implements hv.VMLoader.
func (l *LinuxLoader) Load(vm hv.VirtualMachine) error {
	log := l.logger()

	if len(l.Kernel) == 0 {
		return errors.New("linux loader: no kernel image")
	}
	hdr, err := amd64boot.ReadSetupHeader(l.Kernel)
	if err != nil {
		return fmt.Errorf("linux loader: %w", err)
	}

	memBase := vm.MemoryBase()
	memEnd := memBase + vm.MemorySize()

	tables := l.ACPI
	if tables == nil {
		tables, err = acpi.Build(acpi.Config{
			MemoryBase:   memBase,
			MemorySize:   vm.MemorySize(),
			ISAOverrides: acpi.DefaultISAOverrides(),
		})
		if err != nil {
			return fmt.Errorf("linux loader: %w", err)
		}
	}

	e820 := l.E820
	if e820 == nil {
		e820 = amd64boot.DefaultE820Map(memBase, memEnd)
	}
	e820, err = amd64boot.ReserveE820(e820, tables.Base, tables.Size, amd64boot.E820ACPI)
	if err != nil {
		return fmt.Errorf("linux loader: reserve ACPI tables: %w", err)
	}

	initrd := l.Initrd
	if initrd == nil && len(l.InitramfsFiles) > 0 {
		initrd, err = BuildInitramfs(l.InitramfsFiles)
		if err != nil {
			return fmt.Errorf("linux loader: %w", err)
		}
		log.Debug("built initramfs", "files", len(l.InitramfsFiles), "bytes", len(initrd))
	}

	offset := l.StagingOffset
	if offset == 0 {
		offset = DefaultStagingOffset
	}
	if offset >= memEnd-memBase {
		return fmt.Errorf("linux loader: staging offset 0x%x exceeds %d MiB of RAM", offset, (memEnd-memBase)>>20)
	}
	kernelStart := hv.AlignDown(memEnd-offset, pageSize)
	kernelEnd := kernelStart + uint64(len(l.Kernel))
	if overlaps(kernelStart, kernelEnd, tables.Base, tables.Base+tables.Size) {
		return fmt.Errorf("linux loader: kernel staged at [0x%x, 0x%x) overlaps ACPI tables at 0x%x",
			kernelStart, kernelEnd, tables.Base)
	}

	lowest := kernelStart
	var initrdStart, initrdEnd uint64
	if len(initrd) > 0 {
		if uint64(len(initrd)) > kernelStart-memBase {
			return fmt.Errorf("linux loader: initrd of %d bytes does not fit below the kernel", len(initrd))
		}
		initrdStart = hv.AlignDown(kernelStart-uint64(len(initrd)), pageSize)
		initrdEnd = initrdStart + uint64(len(initrd))
		if overlaps(initrdStart, initrdEnd, tables.Base, tables.Base+tables.Size) {
			return fmt.Errorf("linux loader: initrd at [0x%x, 0x%x) overlaps ACPI tables", initrdStart, initrdEnd)
		}
		lowest = initrdStart
	}

	loadAddr := l.LoadAddr
	if loadAddr == 0 {
		loadAddr = amd64boot.DefaultLoadAddr
	}
	// The decompressor needs init_size bytes at the load address.
	need := uint64(hdr.InitSize)
	if need == 0 && hdr.BodyOffset() < uint64(len(l.Kernel)) {
		need = uint64(len(l.Kernel)) - hdr.BodyOffset()
	}
	if loadAddr+need > lowest {
		return fmt.Errorf("linux loader: kernel needs [0x%x, 0x%x) which overlaps staged images at 0x%x",
			loadAddr, loadAddr+need, lowest)
	}

	if _, err := vm.WriteAt(l.Kernel, int64(kernelStart)); err != nil {
		return fmt.Errorf("linux loader: stage kernel: %w", err)
	}
	if len(initrd) > 0 {
		if _, err := vm.WriteAt(initrd, int64(initrdStart)); err != nil {
			return fmt.Errorf("linux loader: stage initrd: %w", err)
		}
	}
	if err := acpi.Install(vm, tables); err != nil {
		return fmt.Errorf("linux loader: %w", err)
	}
	if err := l.traps().Install(vm); err != nil {
		return fmt.Errorf("linux loader: %w", err)
	}

	desc := &amd64boot.GuestParams{
		Magic:       amd64boot.GuestParamsMagic,
		KernelStart: kernelStart,
		KernelEnd:   kernelEnd,
		InitrdStart: initrdStart,
		InitrdEnd:   initrdEnd,
		Cmdline:     l.Cmdline,
		E820:        e820,
	}
	raw, err := desc.MarshalBinary()
	if err != nil {
		return fmt.Errorf("linux loader: %w", err)
	}
	if _, err := vm.WriteAt(raw, int64(l.descriptorGPA())); err != nil {
		return fmt.Errorf("linux loader: write descriptor: %w", err)
	}

	for _, dev := range l.Devices {
		if err := vm.AddDevice(dev); err != nil {
			return fmt.Errorf("linux loader: add device: %w", err)
		}
	}

	l.staged = desc
	log.Info("staged linux guest",
		"kernel", hdr.KernelVersion,
		"params", desc,
		"descriptor", fmt.Sprintf("0x%x", l.descriptorGPA()))

	return nil
}

func overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}

// RunConfig returns the BSP entry that runs the boot protocol loader.
func (l *LinuxLoader) RunConfig() hv.RunConfig { return &programRunner{loader: l} }

type programRunner struct {
	loader *LinuxLoader
}

// Run implements hv.RunConfig.
func (p *programRunner) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	l := p.loader

	vcpu64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return fmt.Errorf("linux loader: vCPU %d is not x86-64", vcpu.ID())
	}

	t := l.traps()
	tramp := &amd64boot.VCPUTrampoline{
		VCPU:            vcpu64,
		Tables:          t.Descriptors(),
		PagingBase:      DefaultPagingBase,
		AddressSpaceGiB: DefaultAddrSpaceGiB,
		StackTop:        DefaultStackTop,
		MSRs:            t.MSRs(),
	}

	loader := amd64boot.NewLoader(vcpu.VirtualMachine(), tramp)
	loader.LoadAddr = l.LoadAddr
	loader.ZeroPageGPA = l.ZeroPageGPA
	loader.Cmdline = l.CmdlinePolicy
	loader.OverrideCmdline = l.OverrideCmdline
	loader.Logger = l.Logger

	err := loader.LoadAt(ctx, l.descriptorGPA())
	if errors.Is(err, hv.ErrVMHalted) {
		l.logger().Info("guest halted")
		return nil
	}
	return err
}

var (
	_ hv.VMConfig  = (*LinuxLoader)(nil)
	_ hv.VMLoader  = (*LinuxLoader)(nil)
	_ hv.RunConfig = (*programRunner)(nil)
)
