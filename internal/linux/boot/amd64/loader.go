package amd64

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crossvm/crossvm/internal/hv"
)

// CmdlinePolicy selects where the kernel command line comes from.
type CmdlinePolicy int

const (
	// CmdlineFromDescriptor passes the descriptor's command line through.
	CmdlineFromDescriptor CmdlinePolicy = iota
	// CmdlineOverride ignores the descriptor and uses Loader.OverrideCmdline.
	CmdlineOverride
)

func (p CmdlinePolicy) String() string {
	switch p {
	case CmdlineFromDescriptor:
		return "descriptor"
	case CmdlineOverride:
		return "override"
	default:
		return fmt.Sprintf("CmdlinePolicy(%d)", int(p))
	}
}

const (
	DefaultLoadAddr        = 0x100000
	DefaultZeroPageGPA     = 0x7000
	DefaultCmdlineGPA      = 0x20000
	DefaultOverrideCmdline = "vga=0xffff mem=512M console=ttyS0,9600"

	// entryOffset is the 64-bit entry point relative to the load address.
	entryOffset = 0x200
)

// Loader implements the x86-64 Linux boot protocol against a staged raw
// kernel image. Zero valued address fields take the Default values.
type Loader struct {
	Memory hv.AddressTranslator
	Params *BootParams

	LoadAddr    uint64
	ZeroPageGPA uint64
	CmdlineGPA  uint64

	Cmdline         CmdlinePolicy
	OverrideCmdline string

	Trampoline Trampoline
	Logger     *slog.Logger

	mu sync.Mutex
}

// NewLoader returns a loader with its own zero page slot.
func NewLoader(mem hv.AddressTranslator, t Trampoline) *Loader {
	return &Loader{Memory: mem, Params: new(BootParams), Trampoline: t}
}

func (l *Loader) loadAddr() uint64    { return orDefault(l.LoadAddr, DefaultLoadAddr) }
func (l *Loader) zeroPageGPA() uint64 { return orDefault(l.ZeroPageGPA, DefaultZeroPageGPA) }
func (l *Loader) cmdlineGPA() uint64  { return orDefault(l.CmdlineGPA, DefaultCmdlineGPA) }

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func orDefault(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

// cmdlineFor applies the command line policy.
func (l *Loader) cmdlineFor(desc *GuestParams) string {
	if l.Cmdline == CmdlineOverride {
		if l.OverrideCmdline != "" {
			return l.OverrideCmdline
		}
		return DefaultOverrideCmdline
	}
	return desc.Cmdline
}

// LoadAt decodes a binary guest parameter block at descGPA and loads it.
func (l *Loader) LoadAt(ctx context.Context, descGPA uint64) error {
	if l.Memory == nil {
		return &LoadError{Step: "descriptor", Err: errors.New("no address translator")}
	}
	raw, err := l.Memory.Translate(descGPA, GuestParamsSize)
	if err != nil {
		return &LoadError{Step: "descriptor", Err: fmt.Errorf("%w: %w", ErrOutOfRange, err)}
	}

	var desc GuestParams
	if err := desc.UnmarshalBinary(raw); err != nil {
		return &LoadError{Step: "descriptor", Err: err}
	}

	return l.Load(ctx, &desc)
}

// Load prepares the zero page, relocates the protected mode kernel to the
// load address and enters it through the trampoline. On success it does not
// return until the guest stops.
func (l *Loader) Load(ctx context.Context, desc *GuestParams) error {
	if !l.mu.TryLock() {
		return ErrLoadInProgress
	}
	defer l.mu.Unlock()

	log := l.logger()

	fail := func(step string, err error) error {
		lerr := &LoadError{Step: step, Err: err}
		log.Error("linux boot aborted", "step", step, "error", err)
		return lerr
	}

	if l.Memory == nil || l.Params == nil || l.Trampoline == nil {
		return fail("config", errors.New("loader needs memory, a boot params slot and a trampoline"))
	}
	if desc == nil {
		return fail("descriptor", errors.New("nil descriptor"))
	}

	log.Debug("guest parameters", "params", desc)

	if desc.KernelEnd <= desc.KernelStart {
		return fail("image", fmt.Errorf("empty kernel range [0x%x, 0x%x): %w", desc.KernelStart, desc.KernelEnd, ErrOutOfRange))
	}
	image, err := l.Memory.Translate(desc.KernelStart, desc.KernelEnd-desc.KernelStart)
	if err != nil {
		return fail("image", fmt.Errorf("%w: %w", ErrOutOfRange, err))
	}

	if err := checkMagic(image); err != nil {
		return fail("magic", err)
	}

	bp := l.Params
	bp.Reset()
	zp := bp.Bytes()

	// The header runs from 0x1F1 to 0x202 plus the length byte at 0x201.
	hdrEnd := HeaderMagicOffset + int(image[HeaderLengthOffset])
	if hdrEnd > len(image) || hdrEnd > ZeroPageSize {
		return fail("header", fmt.Errorf("setup header ends at 0x%x beyond image (%d bytes): %w",
			hdrEnd, len(image), ErrOutOfRange))
	}
	copy(zp[SetupHeaderOffset:hdrEnd], image[SetupHeaderOffset:hdrEnd])

	w := fieldWriter{bp: bp}
	r := fieldReader{bp: bp}

	if r.get(FieldSetupSects) == 0 {
		w.set(FieldSetupSects, defaultSetupSects)
	}

	version := r.get(FieldVersion)
	if v := kernelVersion(image, uint16(r.get(FieldKernelVersion))); v != "" {
		log.Info("linux kernel", "version", v, "protocol", fmt.Sprintf("%d.%02d", version>>8, version&0xFF))
	}

	w.set(FieldTypeOfLoader, typeOfLoaderUndefined)

	if desc.HasInitrd() {
		if w.err == nil {
			w.err = bp.SetRamdisk(desc.InitrdStart, desc.InitrdEnd-desc.InitrdStart)
		}
	}

	loadFlags := r.get(FieldLoadFlags)
	if r.err != nil || w.err != nil {
		return fail("header", errors.Join(r.err, w.err))
	}
	if loadFlags&loadFlagLoadedHigh == 0 {
		return fail("loadflags", fmt.Errorf("loadflags 0x%02x: %w", loadFlags, ErrLegacyImage))
	}

	w.set(FieldHeapEndPtr, heapEnd-0x200)
	w.set(FieldLoadFlags, loadFlags|loadFlagCanUseHeap)
	w.set(FieldVidMode, vidModeNormal)

	cmdline := l.cmdlineFor(desc)
	if limit := r.get(FieldCmdlineSize); limit != 0 && uint64(len(cmdline)) > limit {
		return fail("cmdline", fmt.Errorf("command line is %d bytes, kernel accepts %d: %w", len(cmdline), limit, ErrOutOfRange))
	}
	cmdlineGPA := l.cmdlineGPA()
	cmdlineBuf, err := l.Memory.Translate(cmdlineGPA, uint64(len(cmdline))+1)
	if err != nil {
		return fail("cmdline", fmt.Errorf("%w: %w", ErrOutOfRange, err))
	}
	if w.err == nil {
		w.err = bp.SetCmdLinePtr(cmdlineGPA)
	}

	if w.err == nil {
		w.err = bp.SetE820(desc.E820)
	}
	if r.err != nil || w.err != nil {
		return fail("zero page", errors.Join(r.err, w.err))
	}

	zeroPageGPA := l.zeroPageGPA()
	zeroPage, err := l.Memory.Translate(zeroPageGPA, ZeroPageSize)
	if err != nil {
		return fail("zero page", fmt.Errorf("%w: %w", ErrOutOfRange, err))
	}

	offset := (r.get(FieldSetupSects) + 1) * setupSectorSize
	if r.err != nil {
		return fail("relocate", r.err)
	}
	if offset > uint64(len(image)) {
		return fail("relocate", fmt.Errorf("protected mode kernel at 0x%x past image end 0x%x: %w",
			offset, len(image), ErrOutOfRange))
	}
	body := image[offset:]

	loadAddr := l.loadAddr()
	dst, err := l.Memory.Translate(loadAddr, uint64(len(body)))
	if err != nil {
		return fail("relocate", fmt.Errorf("%w: %w", ErrOutOfRange, err))
	}

	copy(cmdlineBuf, cmdline)
	cmdlineBuf[len(cmdline)] = 0
	log.Info("kernel command line", "cmdline", cmdline, "policy", l.Cmdline)

	// copy is a memmove, so an image staged across the load address is fine.
	copy(dst, body)
	copy(zeroPage, zp)

	entry := Entry{RIP: loadAddr + entryOffset, RSI: zeroPageGPA, RDI: 0}
	log.Info("entering linux kernel",
		"entry", fmt.Sprintf("0x%x", entry.RIP),
		"zero_page", fmt.Sprintf("0x%x", zeroPageGPA),
		"kernel_bytes", len(body))

	return l.Trampoline.Enter(ctx, entry)
}
