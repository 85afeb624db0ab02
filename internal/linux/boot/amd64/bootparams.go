package amd64

import (
	"fmt"
)

// BootParams is the 4 KiB zero page handed to the kernel in RSI. A value
// is owned by one load at a time.
type BootParams struct {
	buf [ZeroPageSize]byte
}

// Reset zeroes every byte.
func (b *BootParams) Reset() {
	b.buf = [ZeroPageSize]byte{}
}

// Bytes returns the raw page. The slice aliases b.
func (b *BootParams) Bytes() []byte { return b.buf[:] }

func (b *BootParams) Uint(name string) (uint64, error) {
	return BootProtocol.Uint(b.buf[:], name)
}

func (b *BootParams) SetUint(name string, v uint64) error {
	return BootProtocol.PutUint(b.buf[:], name, v)
}

// Ramdisk reconstructs the 64-bit initrd address and size from the header
// fields and their ext_ halves.
func (b *BootParams) Ramdisk() (addr, size uint64, err error) {
	var lo, hi, slo, shi uint64
	f := fieldReader{bp: b}
	lo = f.get(FieldRamdiskImage)
	hi = f.get(FieldExtRamdiskImage)
	slo = f.get(FieldRamdiskSize)
	shi = f.get(FieldExtRamdiskSize)
	if f.err != nil {
		return 0, 0, f.err
	}
	return hi<<32 | lo, shi<<32 | slo, nil
}

// SetRamdisk splits a 64-bit initrd address and size over the header and
// ext_ fields.
func (b *BootParams) SetRamdisk(addr, size uint64) error {
	f := fieldWriter{bp: b}
	f.set(FieldRamdiskImage, addr&0xFFFFFFFF)
	f.set(FieldExtRamdiskImage, addr>>32)
	f.set(FieldRamdiskSize, size&0xFFFFFFFF)
	f.set(FieldExtRamdiskSize, size>>32)
	return f.err
}

// CmdLinePtr reconstructs the 64-bit command line pointer.
func (b *BootParams) CmdLinePtr() (uint64, error) {
	f := fieldReader{bp: b}
	lo := f.get(FieldCmdLinePtr)
	hi := f.get(FieldExtCmdLinePtr)
	return hi<<32 | lo, f.err
}

func (b *BootParams) SetCmdLinePtr(ptr uint64) error {
	f := fieldWriter{bp: b}
	f.set(FieldCmdLinePtr, ptr&0xFFFFFFFF)
	f.set(FieldExtCmdLinePtr, ptr>>32)
	return f.err
}

// E820 returns the memory map stored in the zero page.
func (b *BootParams) E820() ([]E820Entry, error) {
	count, err := b.Uint(FieldE820Entries)
	if err != nil {
		return nil, err
	}
	if count > E820MaxEntries {
		return nil, fmt.Errorf("zero page holds %d e820 entries: %w", count, ErrOutOfRange)
	}
	table, err := BootProtocol.Slice(b.buf[:], FieldE820Table)
	if err != nil {
		return nil, err
	}
	return readE820Table(table, int(count)), nil
}

// SetE820 copies entries verbatim into the zero page.
func (b *BootParams) SetE820(entries []E820Entry) error {
	if len(entries) > E820MaxEntries {
		return fmt.Errorf("%d e820 entries, limit %d: %w", len(entries), E820MaxEntries, ErrOutOfRange)
	}
	table, err := BootProtocol.Slice(b.buf[:], FieldE820Table)
	if err != nil {
		return err
	}
	if err := b.SetUint(FieldE820Entries, uint64(len(entries))); err != nil {
		return err
	}
	putE820Table(table, entries)
	return nil
}

// fieldWriter keeps the first error of a run of field writes.
type fieldWriter struct {
	bp  *BootParams
	err error
}

func (w *fieldWriter) set(name string, v uint64) {
	if w.err != nil {
		return
	}
	w.err = w.bp.SetUint(name, v)
}

type fieldReader struct {
	bp  *BootParams
	err error
}

func (r *fieldReader) get(name string) uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.bp.Uint(name)
	r.err = err
	return v
}
