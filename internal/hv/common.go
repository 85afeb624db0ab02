package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	RegisterAMD64Cr3
)

func (r Register) String() string {
	switch r {
	case RegisterAMD64Rax:
		return "rax"
	case RegisterAMD64Rbx:
		return "rbx"
	case RegisterAMD64Rcx:
		return "rcx"
	case RegisterAMD64Rdx:
		return "rdx"
	case RegisterAMD64Rsi:
		return "rsi"
	case RegisterAMD64Rdi:
		return "rdi"
	case RegisterAMD64Rsp:
		return "rsp"
	case RegisterAMD64Rbp:
		return "rbp"
	case RegisterAMD64Rip:
		return "rip"
	case RegisterAMD64Rflags:
		return "rflags"
	case RegisterAMD64Cr3:
		return "cr3"
	default:
		if r >= RegisterAMD64R8 && r <= RegisterAMD64R15 {
			return fmt.Sprintf("r%d", 8+int(r-RegisterAMD64R8))
		}
		return fmt.Sprintf("Register(%d)", uint64(r))
	}
}

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) error
}

// DescriptorTables describes the flat code/data segment pair and the
// interrupt table a vCPU is started with.
type DescriptorTables struct {
	GDTBase  uint64
	GDTLimit uint16
	IDTBase  uint64
	IDTLimit uint16

	CodeSelector uint16
	DataSelector uint16
}

// MSR is a single model specific register assignment.
type MSR struct {
	Index uint32
	Value uint64
}

type VirtualCPUAmd64 interface {
	VirtualCPU

	// SetLongMode identity maps addrSpaceGiB of guest physical memory using
	// paging structures at pagingBase and loads the segment state described
	// by tables.
	SetLongMode(pagingBase uint64, addrSpaceGiB int, tables DescriptorTables) error

	SetMSRs(msrs []MSR) error
}

type X86IOPortDevice interface {
	Init(vm VirtualMachine) error

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ X86IOPortDevice = SimpleX86IOPortDevice{}
)

// HypercallHandler receives vmcall exits. regs holds the guest registers at
// the time of the call; the returned value is placed in RAX.
type HypercallHandler interface {
	HandleHypercall(vcpu VirtualCPU, regs map[Register]RegisterValue) (uint64, error)
}

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	AddressTranslator

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context, cfg RunConfig) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev X86IOPortDevice) error
}

type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVCPU(vCpu VirtualCPU) error
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters
	// which can be called multiple times across multiple threads.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	NeedsInterruptSupport() bool
	Callbacks() VMCallbacks
	Loader() VMLoader
	Hypercalls() HypercallHandler
}

type SimpleVMConfig struct {
	NumCPUs          int
	MemSize          uint64
	MemBase          uint64
	InterruptSupport bool
	VMLoader         VMLoader
	HypercallHandler HypercallHandler

	CreateVM   func(vm VirtualMachine) error
	CreateVCPU func(vCpu VirtualCPU) error
}

// OnCreateVM implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

// OnCreateVCPU implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVCPU(vCpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vCpu)
	}
	return nil
}

func (c SimpleVMConfig) CPUCount() int                { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64           { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64           { return c.MemBase }
func (c SimpleVMConfig) NeedsInterruptSupport() bool  { return c.InterruptSupport }
func (c SimpleVMConfig) Callbacks() VMCallbacks       { return c }
func (c SimpleVMConfig) Loader() VMLoader             { return c.VMLoader }
func (c SimpleVMConfig) Hypercalls() HypercallHandler { return c.HypercallHandler }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
