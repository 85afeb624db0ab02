// Package traps owns the descriptor tables and trap related MSR state a
// guest is started with, and the host signal handling that stops a boot.
package traps

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/crossvm/crossvm/internal/hv"
)

const (
	DefaultGDTBase = 0x500
	DefaultIDTBase = 0x1000

	CodeSelector = 0x10
	DataSelector = 0x18

	idtEntries   = 256
	idtEntrySize = 16
)

// SYSENTER MSRs.
const (
	MSRSysenterCS  = 0x174
	MSRSysenterESP = 0x175
	MSRSysenterEIP = 0x176
)

// Flat 4 GiB descriptors: 64-bit code, and writable data.
const (
	gdtCode64 uint64 = 0x00AF9A000000FFFF
	gdtData   uint64 = 0x00CF92000000FFFF
)

// Tables is the guest GDT and IDT image. The GDT holds the null descriptor,
// a reserved slot, then the boot code and data segments at 0x10 and 0x18.
// The IDT is present but empty: the kernel installs its own before it
// enables interrupts.
type Tables struct {
	GDTBase uint64
	IDTBase uint64

	gdt []byte
	idt []byte
}

// New builds tables for the given guest addresses. Zero means default.
func New(gdtBase, idtBase uint64) *Tables {
	if gdtBase == 0 {
		gdtBase = DefaultGDTBase
	}
	if idtBase == 0 {
		idtBase = DefaultIDTBase
	}

	gdt := make([]byte, 4*8)
	binary.LittleEndian.PutUint64(gdt[CodeSelector:], gdtCode64)
	binary.LittleEndian.PutUint64(gdt[DataSelector:], gdtData)

	return &Tables{
		GDTBase: gdtBase,
		IDTBase: idtBase,
		gdt:     gdt,
		idt:     make([]byte, idtEntries*idtEntrySize),
	}
}

// GDT returns a copy of the descriptor table bytes.
func (t *Tables) GDT() []byte { return append([]byte(nil), t.gdt...) }

func (t *Tables) Descriptors() hv.DescriptorTables {
	return hv.DescriptorTables{
		GDTBase:      t.GDTBase,
		GDTLimit:     uint16(len(t.gdt) - 1),
		IDTBase:      t.IDTBase,
		IDTLimit:     uint16(len(t.idt) - 1),
		CodeSelector: CodeSelector,
		DataSelector: DataSelector,
	}
}

// MSRs zeroes the SYSENTER entry point so the legacy fast syscall path
// faults until the kernel programs it.
func (t *Tables) MSRs() []hv.MSR {
	return []hv.MSR{
		{Index: MSRSysenterCS},
		{Index: MSRSysenterESP},
		{Index: MSRSysenterEIP},
	}
}

// Install writes both tables into guest memory.
func (t *Tables) Install(mem io.WriterAt) error {
	if t.GDTBase < t.IDTBase+uint64(len(t.idt)) && t.IDTBase < t.GDTBase+uint64(len(t.gdt)) {
		return fmt.Errorf("traps: GDT at 0x%x overlaps IDT at 0x%x", t.GDTBase, t.IDTBase)
	}
	if _, err := mem.WriteAt(t.gdt, int64(t.GDTBase)); err != nil {
		return fmt.Errorf("traps: write GDT: %w", err)
	}
	if _, err := mem.WriteAt(t.idt, int64(t.IDTBase)); err != nil {
		return fmt.Errorf("traps: write IDT: %w", err)
	}
	return nil
}

// OnSignal calls cancel with the signal as cause when SIGINT or SIGTERM
// arrives. stop is idempotent.
func OnSignal(cancel context.CancelCauseFunc, log *slog.Logger) (stop func()) {
	if log == nil {
		log = slog.Default()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			log.Warn("stopping on signal", "signal", sig)
			cancel(fmt.Errorf("received %s", sig))
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}
