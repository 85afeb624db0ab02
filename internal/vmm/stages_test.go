package vmm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossvm/crossvm/internal/acpi"
	"github.com/crossvm/crossvm/internal/apic"
	"github.com/crossvm/crossvm/internal/bootinfo"
	"github.com/crossvm/crossvm/internal/console"
	"github.com/crossvm/crossvm/internal/cpu"
	"github.com/crossvm/crossvm/internal/hv"
	"github.com/crossvm/crossvm/internal/hv/hvtest"
	amd64boot "github.com/crossvm/crossvm/internal/linux/boot/amd64"
	"github.com/crossvm/crossvm/internal/traps"
)

const testMemSize = 64 << 20

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testKernel is a bzImage with four setup sectors.
func testKernel(n int) []byte {
	img := make([]byte, 5*512+n)
	img[0x201] = 0x66
	binary.LittleEndian.PutUint32(img[0x202:], amd64boot.HeaderMagic)
	binary.LittleEndian.PutUint16(img[0x206:], 0x020F)
	img[0x211] = 0x01
	binary.LittleEndian.PutUint32(img[0x238:], 2048)
	binary.LittleEndian.PutUint32(img[0x260:], 1<<20)
	return img
}

// calls records which subsystems ran.
type calls struct {
	mu   sync.Mutex
	list []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, s)
}

func (c *calls) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.list...)
}

type fakeConsoles struct {
	c   *calls
	out *bytes.Buffer
}

func (f fakeConsoles) Open(context.Context) (*console.Registry, error) {
	f.c.add(StageConsole)
	reg := &console.Registry{}
	dbg := console.NewDebugPort(0, f.out)
	reg.Register(dbg)
	return reg, nil
}

type fakeCPU struct {
	c    *calls
	info cpu.Info
}

func (f fakeCPU) Probe(context.Context) (cpu.Info, error) {
	f.c.add(StageCPU)
	return f.info, nil
}

type fakeTSC struct{ c *calls }

func (f fakeTSC) Calibrate(context.Context) (uint64, error) {
	f.c.add(StageTSC)
	return 2_500_000_000, nil
}

type fakeTraps struct {
	c        *calls
	released *bool
}

func (f fakeTraps) Setup(ctx context.Context, stop func(error)) (*traps.Tables, func(), error) {
	f.c.add(StageTraps)
	return traps.New(0, 0), func() { *f.released = true }, nil
}

type fakeBootInfo struct {
	c    *calls
	info *bootinfo.Info
}

func (f fakeBootInfo) Load(context.Context) (*bootinfo.Info, error) {
	f.c.add(StageMultiboot)
	return f.info, nil
}

type fakeACPI struct{ c *calls }

func (f fakeACPI) Build(ctx context.Context, base, size uint64, _ *bootinfo.Info) (*acpi.Tables, error) {
	f.c.add(StageACPI)
	return HostACPI{}.Build(ctx, base, size, nil)
}

type fakeAPIC struct {
	c   *calls
	err error
}

func (f fakeAPIC) Program(ctx context.Context, topo *acpi.Topology, space *hv.AddressSpace) (*apic.Config, error) {
	f.c.add(StageAPIC)
	if f.err != nil {
		return nil, f.err
	}
	return apic.Program(topo, space, quietLogger())
}

type fakeVirt struct {
	c  *calls
	hv *hvtest.Hypervisor
}

func (f fakeVirt) Open(ctx context.Context, cfg *apic.Config) (hv.Hypervisor, error) {
	f.c.add(StageVirt)
	if err := checkIRQChip(cfg); err != nil {
		return nil, err
	}
	return f.hv, nil
}

type fakeBSP struct {
	c      *calls
	runner GuestRunner
}

func (f fakeBSP) Run(ctx context.Context, m *Machine) error {
	f.c.add(StageBSP)
	if f.runner == nil {
		return nil
	}
	return f.runner.Run(ctx, m)
}

type harness struct {
	calls    calls
	out      bytes.Buffer
	hv       hvtest.Hypervisor
	released bool
	subs     Subsystems
}

func newHarness() *harness {
	h := &harness{}
	h.subs = Subsystems{
		Consoles: fakeConsoles{c: &h.calls, out: &h.out},
		CPU:      fakeCPU{c: &h.calls, info: cpu.Info{Vendor: "GenuineIntel", VMX: true, TSC: true}},
		TSC:      fakeTSC{c: &h.calls},
		Traps:    fakeTraps{c: &h.calls, released: &h.released},
		BootInfo: fakeBootInfo{c: &h.calls, info: &bootinfo.Info{
			Cmdline: "console=ttyS0",
			Modules: []bootinfo.Module{{Name: bootinfo.KernelModule, Data: testKernel(4096)}},
		}},
		ACPI:    fakeACPI{c: &h.calls},
		APIC:    fakeAPIC{c: &h.calls},
		Virt:    fakeVirt{c: &h.calls, hv: &h.hv},
		BSP:     fakeBSP{c: &h.calls},
		MemSize: testMemSize,
	}
	return h
}

func (h *harness) run(t *testing.T) (*Machine, error) {
	t.Helper()
	seq, err := NewSequencer(DefaultStages(h.subs)...)
	require.NoError(t, err)
	m := &Machine{Logger: quietLogger()}
	err = seq.Run(context.Background(), m)
	require.NoError(t, m.Close())
	return m, err
}

var allStages = []string{
	StageConsole, StageCPU, StageTSC, StageTraps, StageMultiboot,
	StageACPI, StageAPIC, StageVirt, StageBSP,
}

func TestDefaultStagesOrder(t *testing.T) {
	h := newHarness()
	m, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, allStages, h.calls.get())
	assert.Equal(t, allStages, m.Completed())
	assert.EqualValues(t, 2_500_000_000, m.TSCHz)
	assert.NotNil(t, m.Traps)
	assert.Equal(t, 1, m.Topology.EnabledCPUs())
	assert.EqualValues(t, apic.DefaultLAPICBase, m.APIC.LAPICBase)
	assert.Len(t, m.AddressSpace.FixedRegions(), 2)
	assert.True(t, h.released, "signal handling released on close")
	assert.True(t, h.hv.Closed())

	// Stage progress went through the console logger.
	assert.Contains(t, h.out.String(), "stage=bsp")
}

func TestDefaultStagesAPICFailure(t *testing.T) {
	h := newHarness()
	apicErr := errors.New("no window")
	h.subs.APIC = fakeAPIC{c: &h.calls, err: apicErr}

	m, err := h.run(t)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageAPIC, se.Stage)
	require.ErrorIs(t, err, apicErr)

	got := h.calls.get()
	assert.NotContains(t, got, StageVirt)
	assert.NotContains(t, got, StageBSP)
	assert.Equal(t, []string{StageConsole, StageCPU, StageTSC, StageTraps, StageMultiboot, StageACPI}, m.Completed())

	// The failure is reported through the consoles registered so far.
	assert.Contains(t, h.out.String(), "bring-up failed")
	assert.Contains(t, h.out.String(), "no window")
}

func TestDefaultStagesCPUWithoutVirtualization(t *testing.T) {
	h := newHarness()
	h.subs.CPU = fakeCPU{c: &h.calls, info: cpu.Info{Vendor: "AuthenticAMD", TSC: true}}

	_, err := h.run(t)
	require.ErrorIs(t, err, cpu.ErrNoVirtualization)
	assert.Equal(t, []string{StageConsole, StageCPU}, h.calls.get())
}

type panickingCPU struct{ c *calls }

func (f panickingCPU) Probe(context.Context) (cpu.Info, error) {
	f.c.add(StageCPU)
	panic("cpuid unavailable")
}

func TestDefaultStagesPanicReportedOnConsole(t *testing.T) {
	h := newHarness()
	h.subs.CPU = panickingCPU{c: &h.calls}

	_, err := h.run(t)
	require.ErrorIs(t, err, ErrStagePanicked)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageCPU, se.Stage)
	assert.Equal(t, []string{StageConsole, StageCPU}, h.calls.get())
	assert.Contains(t, h.out.String(), "bring-up failed")
	assert.Contains(t, h.out.String(), "cpuid unavailable")
}

func TestDefaultStagesNoKernel(t *testing.T) {
	h := newHarness()
	h.subs.BootInfo = fakeBootInfo{c: &h.calls, info: &bootinfo.Info{}}

	_, err := h.run(t)
	require.ErrorIs(t, err, bootinfo.ErrNoKernel)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageMultiboot, se.Stage)
}

func TestDefaultStagesBootGuest(t *testing.T) {
	h := newHarness()
	h.subs.BSP = fakeBSP{c: &h.calls, runner: &Guest{Serial: true}}

	_, err := h.run(t)
	require.NoError(t, err)

	require.Len(t, h.hv.VMs, 1)
	vm := h.hv.VMs[0]
	vcpu := vm.VCPU

	assert.Equal(t, 1, vcpu.Runs)
	assert.Equal(t, hv.Register64(0x100200), vcpu.Regs[hv.RegisterAMD64Rip])
	assert.Equal(t, hv.Register64(amd64boot.DefaultZeroPageGPA), vcpu.Regs[hv.RegisterAMD64Rsi])
	assert.EqualValues(t, traps.CodeSelector, vcpu.Tables.CodeSelector)
	assert.True(t, vm.Closed())

	// Debug port console and COM1.
	require.Len(t, vm.Devices(), 2)
	assert.Equal(t, []uint16{console.DefaultDebugPort}, vm.Devices()[0].IOPorts())
	assert.Equal(t, uint16(console.COM1), vm.Devices()[1].IOPorts()[0])

	cmdline := vm.Mem[amd64boot.DefaultCmdlineGPA : amd64boot.DefaultCmdlineGPA+len("console=ttyS0")+1]
	assert.Equal(t, "console=ttyS0\x00", string(cmdline))
}

func TestGuestReportsVCPUError(t *testing.T) {
	h := newHarness()
	vcpuErr := errors.New("triple fault")
	h.hv.Setup = func(vm *hvtest.VM) {
		vm.VCPU.RunFunc = func(context.Context) error { return vcpuErr }
	}
	h.subs.BSP = fakeBSP{c: &h.calls, runner: &Guest{}}

	_, err := h.run(t)
	require.ErrorIs(t, err, vcpuErr)
	require.ErrorIs(t, err, amd64boot.ErrGuestExited)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageBSP, se.Stage)
}

func TestGuestCancelled(t *testing.T) {
	h := newHarness()
	stopErr := errors.New("received terminated")
	h.hv.Setup = func(vm *hvtest.VM) {
		vm.VCPU.RunFunc = func(ctx context.Context) error {
			<-ctx.Done()
			return context.Cause(ctx)
		}
	}
	h.subs.BSP = fakeBSP{c: &h.calls, runner: GuestRunnerFunc(func(ctx context.Context, m *Machine) error {
		go m.Stop(stopErr)
		return (&Guest{}).Run(ctx, m)
	})}

	_, err := h.run(t)
	require.ErrorIs(t, err, stopErr)
}

func TestCheckIRQChip(t *testing.T) {
	require.NoError(t, checkIRQChip(nil))
	require.NoError(t, checkIRQChip(&apic.Config{
		LAPICBase: apic.DefaultLAPICBase,
		IOAPICs:   []apic.IOAPIC{{Base: apic.DefaultIOAPICBase}},
	}))
	require.Error(t, checkIRQChip(&apic.Config{LAPICBase: 0xFED00000}))
	require.Error(t, checkIRQChip(&apic.Config{
		LAPICBase: apic.DefaultLAPICBase,
		IOAPICs:   []apic.IOAPIC{{Base: 0xFEC01000}},
	}))
}
