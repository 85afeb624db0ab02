package amd64

import (
	"encoding/binary"
	"testing"
)

type testImage struct {
	setupSects byte
	loadFlags  byte
	headerLen  byte
	version    string
	body       []byte
	noMagic    bool
}

const testVersionPtr = 0x100

// build lays out a minimal bzImage: boot sector, setup sectors holding the
// setup header and version string, then the protected mode body.
func (ti testImage) build(t testing.TB) []byte {
	t.Helper()

	sects := int(ti.setupSects)
	if sects == 0 {
		sects = defaultSetupSects
	}
	hdrLen := ti.headerLen
	if hdrLen == 0 {
		hdrLen = 0x66
	}

	img := make([]byte, (sects+1)*setupSectorSize+len(ti.body))
	img[SetupHeaderOffset] = ti.setupSects
	img[HeaderLengthOffset] = hdrLen
	if !ti.noMagic {
		binary.LittleEndian.PutUint32(img[HeaderMagicOffset:], HeaderMagic)
	}
	binary.LittleEndian.PutUint16(img[0x206:], 0x020F)
	img[0x211] = ti.loadFlags
	binary.LittleEndian.PutUint32(img[0x238:], 2048)
	binary.LittleEndian.PutUint32(img[0x260:], 0x10000)
	if ti.version != "" {
		binary.LittleEndian.PutUint16(img[0x20E:], testVersionPtr)
		copy(img[testVersionPtr+kernelVersionBias:], ti.version+"\x00")
	}
	copy(img[(sects+1)*setupSectorSize:], ti.body)

	return img
}

func testBody(n int) []byte {
	body := make([]byte, n)
	for i := range body {
		body[i] = byte(i*7 + 1)
	}
	return body
}

func TestReadSetupHeader(t *testing.T) {
	img := testImage{
		setupSects: 0,
		loadFlags:  loadFlagLoadedHigh,
		version:    "6.6.1-test (builder@host) #1",
		body:       testBody(64),
	}.build(t)

	hdr, err := ReadSetupHeader(img)
	if err != nil {
		t.Fatalf("ReadSetupHeader: %v", err)
	}
	if hdr.SetupSects != 4 {
		t.Fatalf("SetupSects = %d, want 4", hdr.SetupSects)
	}
	if hdr.BodyOffset() != 5*512 {
		t.Fatalf("BodyOffset = %d", hdr.BodyOffset())
	}
	if !hdr.IsBzImage() {
		t.Fatal("IsBzImage = false")
	}
	if hdr.ProtocolVersion != 0x020F {
		t.Fatalf("ProtocolVersion = 0x%x", hdr.ProtocolVersion)
	}
	if hdr.KernelVersion != "6.6.1-test (builder@host) #1" {
		t.Fatalf("KernelVersion = %q", hdr.KernelVersion)
	}
	if hdr.InitSize != 0x10000 || hdr.CmdlineSize != 2048 {
		t.Fatalf("InitSize = 0x%x CmdlineSize = %d", hdr.InitSize, hdr.CmdlineSize)
	}
}

func TestReadSetupHeaderRejectsNonLinux(t *testing.T) {
	img := testImage{noMagic: true, loadFlags: 1}.build(t)
	if _, err := ReadSetupHeader(img); err == nil {
		t.Fatal("expected error for missing HdrS")
	}
	if _, err := ReadSetupHeader(make([]byte, 16)); err == nil {
		t.Fatal("expected error for truncated image")
	}
}

func TestKernelVersionBounds(t *testing.T) {
	img := make([]byte, 0x400)
	copy(img[0x300:], "unterminated")
	for i := 0x300 + len("unterminated"); i < len(img); i++ {
		img[i] = 'x'
	}

	if got := kernelVersion(img, 0x100); got != "" {
		t.Fatalf("unterminated version = %q, want empty", got)
	}
	if got := kernelVersion(img, 0x300); got != "" {
		t.Fatalf("out of range version = %q, want empty", got)
	}
	if got := kernelVersion(img, 0); got != "" {
		t.Fatalf("zero pointer version = %q, want empty", got)
	}
}
