// Package hvtest provides in-memory stand-ins for hv.VirtualMachine and
// hv.VirtualCPU.
package hvtest

import (
	"context"
	"errors"
	"sync"

	"github.com/crossvm/crossvm/internal/hv"
)

var ErrNotImplemented = errors.New("hvtest: not implemented")

// VM is a single vCPU machine backed by a byte slice. Run calls the run
// config on its vCPU.
type VM struct {
	*hv.GuestMemory

	HV   hv.Hypervisor
	VCPU *VCPU

	mu      sync.Mutex
	devices []hv.X86IOPortDevice
	closed  bool
}

func NewVM(base, size uint64) *VM {
	vm := &VM{GuestMemory: hv.NewGuestMemory(base, size)}
	vm.VCPU = &VCPU{vm: vm}
	return vm
}

func (v *VM) Hypervisor() hv.Hypervisor { return v.HV }
func (v *VM) MemorySize() uint64        { return v.Size() }
func (v *VM) MemoryBase() uint64        { return v.Base }

func (v *VM) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

func (v *VM) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *VM) Run(ctx context.Context, cfg hv.RunConfig) error {
	return cfg.Run(ctx, v.VCPU)
}

func (v *VM) VirtualCPUCall(id int, f func(hv.VirtualCPU) error) error {
	if id != 0 {
		return ErrNotImplemented
	}
	return f(v.VCPU)
}

func (v *VM) AddDevice(dev hv.X86IOPortDevice) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.devices = append(v.devices, dev)
	return nil
}

func (v *VM) Devices() []hv.X86IOPortDevice {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]hv.X86IOPortDevice(nil), v.devices...)
}

// VCPU records the state it is given. RunFunc decides what each Run does;
// nil halts the guest.
type VCPU struct {
	vm hv.VirtualMachine

	Regs    map[hv.Register]hv.RegisterValue
	MSRs    []hv.MSR
	Tables  hv.DescriptorTables
	Paging  uint64
	Runs    int
	RunFunc func(ctx context.Context) error
}

func (c *VCPU) VirtualMachine() hv.VirtualMachine { return c.vm }
func (c *VCPU) ID() int                           { return 0 }

func (c *VCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if c.Regs == nil {
		c.Regs = make(map[hv.Register]hv.RegisterValue)
	}
	for r, v := range regs {
		c.Regs[r] = v
	}
	return nil
}

func (c *VCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for r := range regs {
		regs[r] = c.Regs[r]
	}
	return nil
}

func (c *VCPU) Run(ctx context.Context) error {
	c.Runs++
	if c.RunFunc != nil {
		return c.RunFunc(ctx)
	}
	return hv.ErrVMHalted
}

func (c *VCPU) SetLongMode(pagingBase uint64, _ int, tables hv.DescriptorTables) error {
	c.Paging = pagingBase
	c.Tables = tables
	return nil
}

func (c *VCPU) SetMSRs(msrs []hv.MSR) error {
	c.MSRs = append(c.MSRs, msrs...)
	return nil
}

var (
	_ hv.VirtualMachine  = (*VM)(nil)
	_ hv.VirtualCPUAmd64 = (*VCPU)(nil)
)

// Hypervisor creates VMs the way the KVM backend does: memory, the
// OnCreateVM and OnCreateVCPU callbacks, then the loader.
type Hypervisor struct {
	// Setup adjusts each VM before the callbacks run.
	Setup func(vm *VM)

	mu     sync.Mutex
	VMs    []*VM
	closed bool
}

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *Hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *Hypervisor) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize() == 0 {
		return nil, errors.New("hvtest: memory size must be greater than 0")
	}
	vm := NewVM(config.MemoryBase(), config.MemorySize())
	vm.HV = h
	if h.Setup != nil {
		h.Setup(vm)
	}
	if err := config.Callbacks().OnCreateVM(vm); err != nil {
		return nil, err
	}
	if err := config.Callbacks().OnCreateVCPU(vm.VCPU); err != nil {
		return nil, err
	}
	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	h.VMs = append(h.VMs, vm)
	h.mu.Unlock()
	return vm, nil
}

var _ hv.Hypervisor = (*Hypervisor)(nil)
