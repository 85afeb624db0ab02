//go:build linux && amd64

package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/crossvm/crossvm/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) RequestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// set immediate_exit to request vCPU exit
	run.immediate_exit = 1

	// send signal to the vCPU thread to interrupt it
	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv    *hypervisor
	vmFd  int
	vcpus map[int]*virtualCPU

	memMu  sync.RWMutex
	memory *hv.GuestMemory
	mapped []byte

	devices   []hv.X86IOPortDevice
	ports     map[uint16]hv.X86IOPortDevice
	hypercall hv.HypercallHandler

	hasIRQChip bool
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemoryBase() uint64        { return v.memory.Base }
func (v *virtualMachine) MemorySize() uint64        { return v.memory.Size() }
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// AddDevice implements hv.VirtualMachine.
func (v *virtualMachine) AddDevice(dev hv.X86IOPortDevice) error {
	for _, port := range dev.IOPorts() {
		if prev, ok := v.ports[port]; ok {
			return fmt.Errorf("kvm: I/O port 0x%04x already claimed by %T", port, prev)
		}
	}
	for _, port := range dev.IOPorts() {
		v.ports[port] = dev
	}
	v.devices = append(v.devices, dev)

	return dev.Init(v)
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	v.memMu.Lock()
	mem := v.mapped
	v.mapped = nil
	v.memory = &hv.GuestMemory{Base: v.memory.Base}
	v.memMu.Unlock()

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
	}

	if mem != nil {
		if err := unix.Munmap(mem); err != nil {
			slog.Error("kvm: munmap memory", "error", err)
		}
	}

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			slog.Error("kvm: close vm fd", "error", err)
		}
		v.vmFd = -1
	}

	return nil
}

// Run implements hv.VirtualMachine.
func (v *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("kvm: RunConfig is nil")
	}

	return v.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return cfg.Run(ctx, vcpu)
	})
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.mapped == nil {
		return 0, fmt.Errorf("kvm: ReadAt after close")
	}

	return v.memory.ReadAt(p, off)
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.mapped == nil {
		return 0, fmt.Errorf("kvm: WriteAt after close")
	}

	return v.memory.WriteAt(p, off)
}

// Translate implements hv.AddressTranslator.
func (v *virtualMachine) Translate(phys, size uint64) ([]byte, error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.mapped == nil {
		return nil, fmt.Errorf("kvm: Translate after close")
	}

	return v.memory.Translate(phys, size)
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize() == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}
	if config.CPUCount() != 1 {
		return nil, fmt.Errorf("kvm: only 1 vCPU supported, got %d", config.CPUCount())
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:        h,
		vmFd:      vmFd,
		vcpus:     make(map[int]*virtualCPU),
		memory:    &hv.GuestMemory{Base: config.MemoryBase()},
		ports:     make(map[uint16]hv.X86IOPortDevice),
		hypercall: config.Hypercalls(),
	}

	fail := func(err error) (hv.VirtualMachine, error) {
		vm.Close()
		return nil, err
	}

	if err := h.archVMInit(vm, config); err != nil {
		return fail(fmt.Errorf("initialize VM: %w", err))
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(config.MemorySize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
	if err != nil {
		return fail(fmt.Errorf("mmap guest memory: %w", err))
	}

	vm.mapped = mem
	vm.memory = &hv.GuestMemory{Base: config.MemoryBase(), Mem: mem}

	if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: config.MemoryBase(),
		MemorySize:    config.MemorySize(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return fail(fmt.Errorf("set user memory region: %w", err))
	}

	if err := config.Callbacks().OnCreateVM(vm); err != nil {
		return fail(fmt.Errorf("VM callback OnCreateVM: %w", err))
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		return fail(fmt.Errorf("get kvm_run mmap size: %w", err))
	}

	for i := range config.CPUCount() {
		vcpuFd, err := createVCPU(vm.vmFd, i)
		if err != nil {
			return fail(fmt.Errorf("create vCPU %d: %w", i, err))
		}

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			return fail(fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err))
		}

		vcpu := &virtualCPU{
			vm:       vm,
			id:       i,
			fd:       vcpuFd,
			run:      run,
			runQueue: make(chan func(), 16),
		}

		vm.vcpus[i] = vcpu

		if err := h.archVCPUInit(vm, vcpuFd); err != nil {
			return fail(fmt.Errorf("initialize vCPU %d: %w", i, err))
		}

		go vcpu.start()

		if err := config.Callbacks().OnCreateVCPU(vcpu); err != nil {
			return fail(fmt.Errorf("VM callback OnCreateVCPU %d: %w", i, err))
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return fail(fmt.Errorf("load VM: %w", err))
		}
	}

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
