//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"testing"

	"github.com/crossvm/crossvm/internal/hv"
)

type haltProgram struct {
	entry uint64
}

// Load writes a single hlt instruction at the entry point.
func (h haltProgram) Load(vm hv.VirtualMachine) error {
	_, err := vm.WriteAt([]byte{0xF4}, int64(h.entry))
	return err
}

func (h haltProgram) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	amd64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return errors.New("vcpu is not amd64")
	}
	if err := amd64.SetLongMode(0x9000, 1, hv.DescriptorTables{CodeSelector: 0x10, DataSelector: 0x18}); err != nil {
		return err
	}
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(h.entry),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	}); err != nil {
		return err
	}

	for {
		if err := vcpu.Run(ctx); err != nil {
			return err
		}
	}
}

func TestRunSimpleHalt(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	prog := haltProgram{entry: 0x100000}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,

		VMLoader: prog,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.Run(context.Background(), prog)
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run KVM virtual machine: %v", err)
	}
}
