package vmm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossvm/crossvm/internal/bootinfo"
	"github.com/crossvm/crossvm/internal/config"
	"github.com/crossvm/crossvm/internal/console"
	amd64boot "github.com/crossvm/crossvm/internal/linux/boot/amd64"
)

func TestHostSubsystems(t *testing.T) {
	cfg := config.Default()
	cfg.Kernel = "/boot/vmlinuz"
	cfg.MemoryMB = 256
	cfg.Cmdline = "console=ttyS0 quiet"
	cfg.CmdlinePolicy = "override"
	cfg.OverrideCmdline = "console=hvc0"
	cfg.E820 = []config.E820Region{{Addr: 0, Size: 0x9FC00, Type: "ram"}}
	cfg.InitramfsFiles = []config.InitramfsFile{{Src: "init.sh", Dst: "/init", Mode: "755"}}
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	s, err := HostSubsystems(cfg, &out)
	require.NoError(t, err)

	assert.EqualValues(t, 256<<20, s.MemSize)
	assert.Equal(t, HostBootInfo{Kernel: "/boot/vmlinuz"}, s.BootInfo)
	assert.Equal(t, cfg.TSCWindow(), s.TSC.(HostTSC).Window)

	g, ok := s.BSP.(*Guest)
	require.True(t, ok)
	assert.Equal(t, "console=ttyS0 quiet", g.Cmdline)
	assert.Equal(t, amd64boot.CmdlineOverride, g.CmdlinePolicy)
	assert.Equal(t, "console=hvc0", g.OverrideCmdline)
	assert.True(t, g.Serial)
	require.Len(t, g.E820, 1)
	assert.Equal(t, amd64boot.E820RAM, g.E820[0].Type)
	require.Len(t, g.InitramfsFiles, 1)
	assert.EqualValues(t, 0o755, g.InitramfsFiles[0].Mode)

	cons := s.Consoles.(HostConsoles)
	assert.EqualValues(t, console.DefaultDebugPort, cons.DebugPort)
	assert.Same(t, &out, cons.Out)
}

func TestHostBootInfoFromFiles(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinuz")
	initrd := filepath.Join(dir, "initrd.img")
	require.NoError(t, os.WriteFile(kernel, []byte("kernel"), 0o644))
	require.NoError(t, os.WriteFile(initrd, []byte("initrd"), 0o644))

	info, err := HostBootInfo{Kernel: kernel, Initrd: initrd}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "command line", info.Source)

	k, err := info.Kernel()
	require.NoError(t, err)
	assert.Equal(t, []byte("kernel"), k.Data)

	rd, ok := info.Initrd()
	require.True(t, ok)
	assert.Equal(t, bootinfo.InitrdModule, rd.Name)
	assert.Equal(t, []byte("initrd"), rd.Data)
}

func TestHostBootInfoMissingKernel(t *testing.T) {
	_, err := HostBootInfo{Kernel: filepath.Join(t.TempDir(), "missing")}.Load(context.Background())
	require.Error(t, err)
}
