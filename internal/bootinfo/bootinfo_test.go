package bootinfo

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amd64boot "github.com/crossvm/crossvm/internal/linux/boot/amd64"
)

// mbImage builds a Multiboot2 information structure at offset 0 followed
// by the module payloads.
type mbImage struct {
	tags    [][]byte
	payload bytes.Buffer
}

func (m *mbImage) tag(typ uint32, body []byte) {
	t := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(t[0:], typ)
	binary.LittleEndian.PutUint32(t[4:], uint32(len(t)))
	copy(t[8:], body)
	m.tags = append(m.tags, t)
}

func (m *mbImage) cmdline(s string) { m.tag(mbTagCmdline, []byte(s+"\x00")) }

func (m *mbImage) module(cmdline string, data []byte) {
	// Offsets are patched in build once the info size is known.
	body := make([]byte, 8+len(cmdline)+1)
	binary.LittleEndian.PutUint32(body[0:], uint32(m.payload.Len()))
	binary.LittleEndian.PutUint32(body[4:], uint32(m.payload.Len()+len(data)))
	copy(body[8:], cmdline)
	m.payload.Write(data)
	m.tag(mbTagModule, body)
}

func (m *mbImage) mmap(regions ...MemoryRegion) {
	body := make([]byte, 8+24*len(regions))
	binary.LittleEndian.PutUint32(body[0:], 24)
	for i, r := range regions {
		e := body[8+24*i:]
		binary.LittleEndian.PutUint64(e[0:], r.Addr)
		binary.LittleEndian.PutUint64(e[8:], r.Size)
		binary.LittleEndian.PutUint32(e[16:], r.Type)
	}
	m.tag(mbTagMemoryMap, body)
}

func (m *mbImage) build(end bool) []byte {
	if end {
		m.tag(mbTagEnd, nil)
	}
	size := mbHeaderSize
	for _, t := range m.tags {
		size += (len(t) + 7) &^ 7
	}

	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:], uint32(size))
	off := mbHeaderSize
	for _, t := range m.tags {
		if binary.LittleEndian.Uint32(t[0:]) == mbTagModule {
			binary.LittleEndian.PutUint32(t[8:], binary.LittleEndian.Uint32(t[8:])+uint32(size))
			binary.LittleEndian.PutUint32(t[12:], binary.LittleEndian.Uint32(t[12:])+uint32(size))
		}
		copy(out[off:], t)
		off += (len(t) + 7) &^ 7
	}
	return append(out, m.payload.Bytes()...)
}

func TestParseMultiboot2(t *testing.T) {
	kernel := bytes.Repeat([]byte{0xAB}, 3000)
	initrd := bytes.Repeat([]byte{0xCD}, 100)

	var img mbImage
	img.cmdline("console=ttyS0")
	img.tag(mbTagLoaderName, []byte("GRUB 2.12\x00"))
	img.module("kernel quiet", kernel)
	img.module("initrd", initrd)
	img.mmap(
		MemoryRegion{Addr: 0, Size: 0x9FC00, Type: 1},
		MemoryRegion{Addr: 0x100000, Size: 0x7FF00000, Type: 1},
	)
	raw := img.build(true)

	var progress bytes.Buffer
	info, err := ParseMultiboot2(bytes.NewReader(raw), Multiboot2Magic, 0, &progress)
	require.NoError(t, err)

	assert.Equal(t, "console=ttyS0", info.Cmdline)
	assert.Equal(t, "multiboot2 (GRUB 2.12)", info.Source)
	require.Len(t, info.Modules, 2)

	k, err := info.Kernel()
	require.NoError(t, err)
	assert.Equal(t, "quiet", k.Cmdline)
	assert.Equal(t, kernel, k.Data)

	rd, ok := info.Initrd()
	require.True(t, ok)
	assert.Equal(t, initrd, rd.Data)

	assert.Equal(t, []amd64boot.E820Entry{
		{Addr: 0, Size: 0x9FC00, Type: amd64boot.E820RAM},
		{Addr: 0x100000, Size: 0x7FF00000, Type: amd64boot.E820RAM},
	}, info.E820())
}

func TestParseMultiboot2Errors(t *testing.T) {
	var img mbImage
	img.cmdline("x")
	good := img.build(true)

	_, err := ParseMultiboot2(bytes.NewReader(good), 0x2BADB002, 0, nil)
	require.ErrorIs(t, err, ErrBadMagic)

	var noEnd mbImage
	noEnd.cmdline("x")
	_, err = ParseMultiboot2(bytes.NewReader(noEnd.build(false)), Multiboot2Magic, 0, nil)
	require.ErrorIs(t, err, ErrMalformed)

	bad := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(bad[mbHeaderSize+4:], 0x1000)
	_, err = ParseMultiboot2(bytes.NewReader(bad), Multiboot2Magic, 0, nil)
	require.ErrorIs(t, err, ErrMalformed)

	var trunc mbImage
	trunc.module("kernel", make([]byte, 64))
	raw := trunc.build(true)
	_, err = ParseMultiboot2(bytes.NewReader(raw[:len(raw)-10]), Multiboot2Magic, 0, nil)
	require.Error(t, err)
}

func TestUnnamedModules(t *testing.T) {
	info := &Info{Modules: []Module{{Name: "bzImage"}, {Name: "rootfs.cpio"}}}
	k, err := info.Kernel()
	require.NoError(t, err)
	assert.Equal(t, "bzImage", k.Name)
	rd, ok := info.Initrd()
	require.True(t, ok)
	assert.Equal(t, "rootfs.cpio", rd.Name)

	named := &Info{Modules: []Module{{Name: "kernel"}, {Name: "extra"}}}
	_, ok = named.Initrd()
	assert.False(t, ok)

	_, err = (&Info{}).Kernel()
	require.ErrorIs(t, err, ErrNoKernel)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bzImage"), []byte("kernel-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "initrd.img"), []byte("initrd-bytes"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, WriteManifest(&buf, Manifest{
		Cmdline: "console=ttyS0 panic=-1",
		Modules: []ManifestModule{
			{Name: "kernel", Path: "bzImage"},
			{Name: "initrd", Path: "initrd.img"},
		},
		MemoryMap: []ManifestRegion{
			{Addr: 0, Size: 0x9FC00, Type: "ram"},
			{Addr: 0xF0000, Size: 0x10000, Type: "reserved"},
			{Addr: 0x100000, Size: 0x1000000, Type: "1"},
		},
	}))
	path := filepath.Join(dir, "boot.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	info, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, info.Source)
	assert.Equal(t, "console=ttyS0 panic=-1", info.Cmdline)

	k, err := info.Kernel()
	require.NoError(t, err)
	assert.Equal(t, []byte("kernel-bytes"), k.Data)
	rd, ok := info.Initrd()
	require.True(t, ok)
	assert.Equal(t, []byte("initrd-bytes"), rd.Data)

	require.Len(t, info.MemoryMap, 3)
	assert.Equal(t, amd64boot.E820Reserved, info.MemoryMap[1].Type)
	assert.Equal(t, amd64boot.E820RAM, info.MemoryMap[2].Type)
}

func TestLoadManifestErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}
	write("k", "k")

	_, err := LoadManifest(write("missing.yaml", "modules:\n  - name: kernel\n    path: nope\n"), nil)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadManifest(write("dup.yaml", "modules:\n  - {name: a, path: k}\n  - {name: a, path: k}\n"), nil)
	require.ErrorContains(t, err, "duplicate")

	_, err = LoadManifest(write("type.yaml", "memory_map:\n  - {addr: 0, size: 1, type: bogus}\n"), nil)
	require.ErrorContains(t, err, "unknown memory type")

	_, err = LoadManifest(write("nopath.yaml", "modules:\n  - {name: a}\n"), nil)
	require.ErrorContains(t, err, "missing path")
}

func TestLoadMultiboot2File(t *testing.T) {
	var img mbImage
	img.cmdline("root=/dev/vda")
	img.module("kernel", []byte("abc"))
	path := filepath.Join(t.TempDir(), "boot.mb2")
	require.NoError(t, os.WriteFile(path, img.build(true), 0o644))

	info, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, info.Source)
	assert.Equal(t, "root=/dev/vda", info.Cmdline)
	k, err := info.Kernel()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), k.Data)
}
