package acpi

import (
	"bytes"
	"encoding/binary"
)

const headerSize = 36

// tableWriter appends System Description Tables back to back, each 8 byte
// aligned, and returns the guest address every table lands at.
type tableWriter struct {
	buf  bytes.Buffer
	base uint64
	oem  OEMInfo
}

func newTableWriter(base uint64, oem OEMInfo) *tableWriter {
	return &tableWriter{base: base, oem: oem}
}

type tableParams struct {
	Signature  [4]byte
	Revision   uint8
	OEMTableID [8]byte
	Body       []byte
}

func (w *tableWriter) Append(params tableParams) uint64 {
	start := w.buf.Len()

	var hdr [headerSize]byte
	copy(hdr[0:4], params.Signature[:])
	hdr[8] = params.Revision
	copy(hdr[10:16], w.oem.OEMID[:])

	id := params.OEMTableID
	if id == ([8]byte{}) {
		id = w.oem.OEMTableID
	}
	copy(hdr[16:24], id[:])
	binary.LittleEndian.PutUint32(hdr[24:28], w.oem.OEMRevision)
	copy(hdr[28:32], w.oem.CreatorID[:])
	binary.LittleEndian.PutUint32(hdr[32:36], w.oem.CreatorRevision)

	w.buf.Write(hdr[:])
	w.buf.Write(params.Body)

	table := w.buf.Bytes()[start:]
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))
	table[9] = checksum(table)

	if pad := len(table) % 8; pad != 0 {
		w.buf.Write(make([]byte, 8-pad))
	}

	return w.base + uint64(start)
}

func (w *tableWriter) Bytes() []byte { return w.buf.Bytes() }

// checksum returns the byte that makes b sum to zero.
func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return -sum
}

func sum(b []byte) byte {
	var s byte
	for _, v := range b {
		s += v
	}
	return s
}

func sig(name string) [4]byte {
	var out [4]byte
	copy(out[:], name)
	return out
}

func tableID(name string) [8]byte {
	var out [8]byte
	copy(out[:], name)
	return out
}

// wrapPkg emits an AML opcode followed by a PkgLength and body.
func wrapPkg(opcode, ext byte, body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(opcode)
	if ext != 0 {
		out.WriteByte(ext)
	}
	out.Write(pkgLength(len(body)))
	out.Write(body)
	return out.Bytes()
}

// pkgLength encodes an AML PkgLength of at most two bytes. The encoded
// length includes the PkgLength bytes themselves.
func pkgLength(bodyLen int) []byte {
	if bodyLen+1 < 0x40 {
		return []byte{byte(bodyLen + 1)}
	}
	n := bodyLen + 2
	return []byte{0x40 | byte(n&0x0F), byte(n >> 4)}
}
