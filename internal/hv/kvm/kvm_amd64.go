//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/crossvm/crossvm/internal/hv"
	"golang.org/x/sys/unix"
)

func regularRegister(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &regs.Rax
	case hv.RegisterAMD64Rbx:
		return &regs.Rbx
	case hv.RegisterAMD64Rcx:
		return &regs.Rcx
	case hv.RegisterAMD64Rdx:
		return &regs.Rdx
	case hv.RegisterAMD64Rsi:
		return &regs.Rsi
	case hv.RegisterAMD64Rdi:
		return &regs.Rdi
	case hv.RegisterAMD64Rsp:
		return &regs.Rsp
	case hv.RegisterAMD64Rbp:
		return &regs.Rbp
	case hv.RegisterAMD64R8:
		return &regs.R8
	case hv.RegisterAMD64R9:
		return &regs.R9
	case hv.RegisterAMD64R10:
		return &regs.R10
	case hv.RegisterAMD64R11:
		return &regs.R11
	case hv.RegisterAMD64R12:
		return &regs.R12
	case hv.RegisterAMD64R13:
		return &regs.R13
	case hv.RegisterAMD64R14:
		return &regs.R14
	case hv.RegisterAMD64R15:
		return &regs.R15
	case hv.RegisterAMD64Rip:
		return &regs.Rip
	case hv.RegisterAMD64Rflags:
		return &regs.Rflags
	default:
		return nil
	}
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	var regular kvmRegs
	var haveRegular bool
	var cr3 *uint64

	for reg := range regs {
		switch {
		case reg == hv.RegisterAMD64Cr3:
		case regularRegister(&regular, reg) != nil:
			haveRegular = true
		default:
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if haveRegular {
		var err error
		if regular, err = getRegisters(v.fd); err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}
	}

	for reg, val := range regs {
		rv, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("kvm: register %v: unsupported value type %T", reg, val)
		}
		if reg == hv.RegisterAMD64Cr3 {
			cr3 = new(uint64)
			*cr3 = uint64(rv)
			continue
		}
		*regularRegister(&regular, reg) = uint64(rv)
	}

	if haveRegular {
		if err := setRegisters(v.fd, &regular); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if cr3 != nil {
		sregs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}
		sregs.Cr3 = *cr3
		if err := setSRegs(v.fd, &sregs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	regular, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	for reg := range regs {
		if reg == hv.RegisterAMD64Cr3 {
			sregs, err := getSRegs(v.fd)
			if err != nil {
				return fmt.Errorf("kvm: get special registers: %w", err)
			}
			regs[reg] = hv.Register64(sregs.Cr3)
			continue
		}

		field := regularRegister(&regular, reg)
		if field == nil {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
		regs[reg] = hv.Register64(*field)
	}

	return nil
}

// Run enters the guest once and services the resulting exit. I/O and
// hypercall exits are handled in place and return nil so the caller can
// loop.
func (v *virtualCPU) Run(ctx context.Context) error {
	usingContext := false
	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// clear immediate_exit in case it was set
	run.immediate_exit = 0

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if usingContext && ctx.Err() != nil {
				return ctx.Err()
			}

			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitInternalError:
		err := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		return fmt.Errorf("kvm: vCPU %d exited with internal error: %s", v.id, err.Suberror)
	case kvmExitFailEntry:
		fail := (*kvmFailEntry)(unsafe.Pointer(&run.anon0[0]))

		return fmt.Errorf("kvm: vCPU %d failed entry: hardware reason 0x%x", v.id, fail.hardwareEntryFailureReason)
	case kvmExitHlt:
		return hv.ErrVMHalted
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		return v.handleIO(ioData)
	case kvmExitHypercall:
		call := (*kvmExitHypercallData)(unsafe.Pointer(&run.anon0[0]))

		return v.handleHypercall(call)
	case kvmExitShutdown:
		return hv.ErrVMHalted
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		if system.typ == uint32(kvmSystemEventShutdown) || system.typ == uint32(kvmSystemEventReset) {
			return hv.ErrVMHalted
		}
		if system.typ == uint32(kvmSystemEventCrash) {
			return fmt.Errorf("kvm: vCPU %d: guest crashed", v.id)
		}
		return fmt.Errorf("kvm: vCPU %d exited with system event %d", v.id, system.typ)
	default:
		return fmt.Errorf("kvm: vCPU %d exited with unknown reason %s", v.id, reason)
	}
}

func (v *virtualCPU) handleIO(ioData *kvmExitIoData) error {
	data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

	dev, ok := v.vm.ports[ioData.port]
	if !ok {
		// Unclaimed ports float high on reads and swallow writes.
		if ioData.direction == kvmExitIoIn {
			for i := range data {
				data[i] = 0xFF
			}
		}
		return nil
	}

	if ioData.direction == kvmExitIoIn {
		if err := dev.ReadIOPort(ioData.port, data); err != nil {
			return fmt.Errorf("I/O port 0x%04x read: %w", ioData.port, err)
		}
	} else {
		if err := dev.WriteIOPort(ioData.port, data); err != nil {
			return fmt.Errorf("I/O port 0x%04x write: %w", ioData.port, err)
		}
	}

	return nil
}

func (v *virtualCPU) handleHypercall(call *kvmExitHypercallData) error {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: hv.Register64(call.nr),
		hv.RegisterAMD64Rbx: hv.Register64(call.args[0]),
		hv.RegisterAMD64Rcx: hv.Register64(call.args[1]),
		hv.RegisterAMD64Rdx: hv.Register64(call.args[2]),
		hv.RegisterAMD64Rsi: hv.Register64(call.args[3]),
	}

	if v.vm.hypercall == nil {
		slog.Debug("kvm: unhandled hypercall", "vcpu", v.id, "rax", call.nr, "rcx", call.args[1])
		call.ret = 0
		return nil
	}

	ret, err := v.vm.hypercall.HandleHypercall(v, regs)
	if err != nil {
		return fmt.Errorf("kvm: hypercall: %w", err)
	}
	call.ret = ret

	return nil
}

func (h *hypervisor) archVMInit(vm *virtualMachine, config hv.VMConfig) error {
	if err := setTSSAddr(vm.vmFd, 0xfffbd000); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	if config.NeedsInterruptSupport() {
		if err := createIRQChip(vm.vmFd); err != nil {
			return fmt.Errorf("creating IRQ chip: %w", err)
		}

		vm.hasIRQChip = true

		if err := createPIT(vm.vmFd); err != nil {
			return fmt.Errorf("creating PIT: %w", err)
		}
	}

	if config.Hypercalls() != nil {
		mask, err := checkExtension(h.fd, kvmCapExitHypercall)
		if err != nil || mask&kvmHypercallExitMask == 0 {
			slog.Debug("kvm: hypercall exits unavailable", "mask", mask, "error", err)
		} else if err := enableCap(vm.vmFd, kvmCapExitHypercall, kvmHypercallExitMask); err != nil {
			return fmt.Errorf("enabling hypercall exits: %w", err)
		}
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

// CR0 bits
const (
	cr0_PE = 1
	cr0_MP = (1 << 1)
	cr0_ET = (1 << 4)
	cr0_NE = (1 << 5)
	cr0_WP = (1 << 16)
	cr0_AM = (1 << 18)
	cr0_PG = (1 << 31)
)

const cr4_PAE = (1 << 5)

// EFER bits
const (
	efer_LME = (1 << 8)
	efer_LMA = (1 << 10)
)

// SetLongMode implements hv.VirtualCPUAmd64.
func (vcpu *virtualCPU) SetLongMode(pagingBase uint64, addrSpaceGiB int, tables hv.DescriptorTables) error {
	cr3, err := buildIdentityMap(vcpu.vm, pagingBase, addrSpaceGiB)
	if err != nil {
		return err
	}

	sregs, err := getSRegs(vcpu.fd)
	if err != nil {
		return err
	}

	sregs.Cr3 = cr3
	sregs.Cr4 |= cr4_PAE
	sregs.Cr0 |= cr0_PE | cr0_MP | cr0_ET | cr0_NE | cr0_WP | cr0_AM | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	sregs.Gdt = kvmDTable{Base: tables.GDTBase, Limit: tables.GDTLimit}
	sregs.Idt = kvmDTable{Base: tables.IDTBase, Limit: tables.IDTLimit}

	// 64-bit code segment (CS.L=1, D=0), flat data segments
	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: tables.CodeSelector,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // MUST be 0 in 64-bit
		S:        1, // code/data
		L:        1, // 64-bit
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Db = 1
	data.Selector = tables.DataSelector
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	return setSRegs(vcpu.fd, &sregs)
}

// SetMSRs implements hv.VirtualCPUAmd64.
func (vcpu *virtualCPU) SetMSRs(msrs []hv.MSR) error {
	entries := make([]kvmMsrEntry, len(msrs))
	for i, m := range msrs {
		entries[i] = kvmMsrEntry{Index: m.Index, Data: m.Value}
	}

	n, err := setMSRs(vcpu.fd, entries)
	if err != nil {
		return fmt.Errorf("kvm: set MSRs: %w", err)
	}
	if n != len(entries) {
		return fmt.Errorf("kvm: set MSRs: only %d of %d accepted (first rejected 0x%x)",
			n, len(entries), entries[n].Index)
	}

	return nil
}

var (
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)
