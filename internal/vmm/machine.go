// Package vmm brings the host up in a fixed order and then runs the guest
// on the bootstrap processor.
package vmm

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/crossvm/crossvm/internal/acpi"
	"github.com/crossvm/crossvm/internal/apic"
	"github.com/crossvm/crossvm/internal/bootinfo"
	"github.com/crossvm/crossvm/internal/console"
	"github.com/crossvm/crossvm/internal/cpu"
	"github.com/crossvm/crossvm/internal/hv"
	"github.com/crossvm/crossvm/internal/traps"
)

// Machine is the state each stage adds to and later stages read.
type Machine struct {
	Consoles *console.Registry
	CPU      cpu.Info
	TSCHz    uint64
	Traps    *traps.Tables
	BootInfo *bootinfo.Info

	ACPI     *acpi.Tables
	Topology *acpi.Topology
	APIC     *apic.Config
	// AddressSpace tracks guest RAM and the fixed device windows.
	AddressSpace *hv.AddressSpace

	Hypervisor hv.Hypervisor
	VM         hv.VirtualMachine

	// Logger is used until the console stage installs one.
	Logger *slog.Logger
	// LogLevel is the level of the console logger. Nil means Info.
	LogLevel slog.Leveler

	mu       sync.Mutex
	cancel   context.CancelCauseFunc
	cleanups []func() error
	done     []string
}

func (m *Machine) logger() *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Machine) logLevel() slog.Leveler {
	if m.LogLevel != nil {
		return m.LogLevel
	}
	return slog.LevelInfo
}

// SetLogger replaces the logger later stages and failures report through.
func (m *Machine) SetLogger(l *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logger = l
}

// Stop cancels the running sequence with cause.
func (m *Machine) Stop(cause error) {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

// OnClose registers f to run when the machine is closed. Cleanups run in
// reverse order.
func (m *Machine) OnClose(f func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, f)
}

// Completed lists the stages that finished, in order.
func (m *Machine) Completed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.done...)
}

func (m *Machine) completed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.done {
		if d == name {
			return true
		}
	}
	return false
}

func (m *Machine) markDone(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = append(m.done, name)
}

// Close releases everything the stages acquired.
func (m *Machine) Close() error {
	m.mu.Lock()
	cleanups := m.cleanups
	m.cleanups = nil
	m.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		errs = append(errs, cleanups[i]())
	}
	return errors.Join(errs...)
}
