package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crossvm/crossvm/internal/console"
	"github.com/crossvm/crossvm/internal/hv"
	"github.com/crossvm/crossvm/internal/hypercall"
	"github.com/crossvm/crossvm/internal/linux/boot"
	amd64boot "github.com/crossvm/crossvm/internal/linux/boot/amd64"
)

const consoleFlushInterval = 50 * time.Millisecond

var ErrNoHypervisor = errors.New("vmm: no hypervisor")

// Guest is the BSP stage: it creates the VM, stages the Linux guest from
// the boot information and runs it.
type Guest struct {
	// Cmdline replaces the command line from the boot information.
	Cmdline         string
	CmdlinePolicy   amd64boot.CmdlinePolicy
	OverrideCmdline string

	InitramfsFiles []boot.InitFile
	// E820 replaces the boot information memory map.
	E820 []amd64boot.E820Entry

	LoadAddr    uint64
	ZeroPageGPA uint64

	// Serial attaches a COM1 UART writing to the consoles.
	Serial bool
	// Hypercall serves guest vmcalls; nil logs and returns 0.
	Hypercall hypercall.Func
}

func (g *Guest) loader(m *Machine) (*boot.LinuxLoader, error) {
	info := m.BootInfo
	kernel, err := info.Kernel()
	if err != nil {
		return nil, err
	}

	cmdline := g.Cmdline
	if cmdline == "" {
		cmdline = kernel.Cmdline
	}
	if cmdline == "" {
		cmdline = info.Cmdline
	}

	e820 := g.E820
	if e820 == nil {
		e820 = info.E820()
	}

	log := m.logger()
	l := &boot.LinuxLoader{
		MemBase:         m.AddressSpace.RAMBase(),
		MemSize:         m.AddressSpace.RAMSize(),
		Kernel:          kernel.Data,
		InitramfsFiles:  g.InitramfsFiles,
		Cmdline:         cmdline,
		CmdlinePolicy:   g.CmdlinePolicy,
		OverrideCmdline: g.OverrideCmdline,
		E820:            e820,
		ACPI:            m.ACPI,
		Traps:           m.Traps,
		LoadAddr:        g.LoadAddr,
		ZeroPageGPA:     g.ZeroPageGPA,
		Hypercall:       &hypercall.Handler{Func: g.Hypercall, Logger: log},
		Logger:          log,
	}
	if rd, ok := info.Initrd(); ok {
		l.Initrd = rd.Data
	}

	// Consoles that are also port devices are visible to the guest.
	if m.Consoles != nil {
		for _, c := range m.Consoles.Consoles() {
			if dev, ok := c.(hv.X86IOPortDevice); ok {
				l.Devices = append(l.Devices, dev)
			}
		}
		if g.Serial {
			l.Devices = append(l.Devices, console.NewSerial(console.COM1, m.Consoles))
		}
	}
	return l, nil
}

// Run implements GuestRunner.
func (g *Guest) Run(ctx context.Context, m *Machine) error {
	if m.Hypervisor == nil {
		return ErrNoHypervisor
	}
	l, err := g.loader(m)
	if err != nil {
		return err
	}

	vm, err := m.Hypervisor.NewVirtualMachine(l)
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	m.VM = vm
	m.OnClose(vm.Close)

	log := m.logger()
	log.Info("starting guest", "tsc_mhz", m.TSCHz/1_000_000, "memory_mb", l.MemSize>>20)

	grp, gctx := errgroup.WithContext(ctx)
	exited := make(chan struct{})

	grp.Go(func() error {
		defer close(exited)
		return vm.Run(gctx, l.RunConfig())
	})
	grp.Go(func() error {
		return pumpConsoles(gctx, exited, m.Consoles, log)
	})

	if err := grp.Wait(); err != nil {
		return err
	}
	log.Info("guest exited")
	return nil
}

// pumpConsoles flushes partial console lines until the guest exits.
func pumpConsoles(ctx context.Context, exited <-chan struct{}, reg *console.Registry, log *slog.Logger) error {
	if reg == nil {
		return nil
	}
	tick := time.NewTicker(consoleFlushInterval)
	defer tick.Stop()

	for {
		select {
		case <-exited:
			return reg.Flush()
		case <-ctx.Done():
			return reg.Flush()
		case <-tick.C:
			if err := reg.Flush(); err != nil {
				log.Debug("console flush", "error", err)
			}
		}
	}
}
