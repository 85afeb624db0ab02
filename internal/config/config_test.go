package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amd64boot "github.com/crossvm/crossvm/internal/linux/boot/amd64"
)

func writeConfig(t *testing.T, body string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "crossvm.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	require.NoError(t, os.Chmod(p, mode))
	return p
}

const sampleConfig = `
memory_mb: 1024
cpus: 1
kernel: /boot/bzImage
cmdline: console=ttyS0 quiet
cmdline_policy: override
override_cmdline: console=ttyS0 init=/bin/sh
load_address: 0x200000
zero_page: 0x8000
initramfs_files:
  - {src: ./init, dst: /init, mode: "0755"}
  - {src: ./motd, dst: /etc/motd}
console:
  debug_port: 0x402
  framebuffer: false
  serial: true
tsc:
  window_ms: 250
e820:
  - {addr: 0, size: 0x9fc00, type: ram}
  - {addr: 0x100000, size: 0x3ff00000, type: ram}
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig, 0o644))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.EqualValues(t, 1024, cfg.MemoryMB)
	assert.EqualValues(t, 1<<30, cfg.MemoryBytes())
	assert.Equal(t, "/boot/bzImage", cfg.Kernel)
	assert.EqualValues(t, 0x200000, cfg.LoadAddress)
	assert.EqualValues(t, 0x8000, cfg.ZeroPage)
	assert.EqualValues(t, 0x402, cfg.Console.DebugPort)
	assert.False(t, cfg.Console.Framebuffer)
	assert.Nil(t, cfg.Console.Color)
	assert.Equal(t, 250*time.Millisecond, cfg.TSCWindow())

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, amd64boot.CmdlineOverride, policy)

	e820, err := cfg.E820Entries()
	require.NoError(t, err)
	assert.Equal(t, []amd64boot.E820Entry{
		{Addr: 0, Size: 0x9FC00, Type: amd64boot.E820RAM},
		{Addr: 0x100000, Size: 0x3FF00000, Type: amd64boot.E820RAM},
	}, e820)

	files, err := cfg.InitFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/init", files[0].Path)
	assert.EqualValues(t, 0o755, files[0].Mode)
	assert.Equal(t, "./init", files[0].Source)
	assert.EqualValues(t, 0o644, files[1].Mode)
}

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "kernel: /vmlinuz\n", 0o600))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.EqualValues(t, DefaultMemoryMB, cfg.MemoryMB)
	assert.EqualValues(t, 0xE9, cfg.Console.DebugPort)
	assert.True(t, cfg.Console.Framebuffer)
	assert.Equal(t, DefaultWindowMS, cfg.TSC.WindowMS)

	e820, err := cfg.E820Entries()
	require.NoError(t, err)
	assert.Nil(t, e820)
}

func TestLoadRefuses(t *testing.T) {
	_, err := Load(writeConfig(t, "kernel: /vmlinuz\n", 0o666))
	require.ErrorIs(t, err, ErrWorldWritable)

	big := make([]byte, MaxFileSize+1)
	for i := range big {
		big[i] = '#'
	}
	_, err = Load(writeConfig(t, string(big), 0o644))
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = Load(writeConfig(t, "memory_mb: [", 0o644))
	require.ErrorContains(t, err, "parse")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"too little memory", func(c *Config) { c.MemoryMB = 16 }},
		{"memory in mmio hole", func(c *Config) { c.MemoryMB = 4096 }},
		{"smp", func(c *Config) { c.CPUs = 2 }},
		{"no kernel", func(c *Config) { c.Kernel = "" }},
		{"initrd and initramfs", func(c *Config) {
			c.Initrd = "/initrd"
			c.InitramfsFiles = []InitramfsFile{{Src: "a", Dst: "/a"}}
		}},
		{"policy", func(c *Config) { c.CmdlinePolicy = "firmware" }},
		{"unaligned load address", func(c *Config) { c.LoadAddress = 0x100001 }},
		{"low load address", func(c *Config) { c.LoadAddress = 0x80000 }},
		{"high zero page", func(c *Config) { c.ZeroPage = 0x100000 }},
		{"window", func(c *Config) { c.TSC.WindowMS = 0 }},
		{"debug port", func(c *Config) { c.Console.DebugPort = 0 }},
		{"relative dst", func(c *Config) { c.InitramfsFiles = []InitramfsFile{{Src: "a", Dst: "init"}} }},
		{"bad mode", func(c *Config) { c.InitramfsFiles = []InitramfsFile{{Src: "a", Dst: "/a", Mode: "rwx"}} }},
		{"e820 type", func(c *Config) { c.E820 = []E820Region{{Size: 1, Type: "rom"}} }},
		{"empty e820", func(c *Config) { c.E820 = []E820Region{{Type: "ram"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Kernel = "/vmlinuz"
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	cfg := Default()
	cfg.MultibootInfo = "/boot/info.yaml"
	require.NoError(t, cfg.Validate())
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, sampleConfig, 0o644)

	f := NewFlags("crossvm", io.Discard)
	cfg, err := f.Parse([]string{
		"-config", path,
		"-memory", "256",
		"-cmdline-policy", "descriptor",
		"-load-address", "0x400000",
		"-color",
		"extra",
	})
	require.NoError(t, err)

	assert.EqualValues(t, 256, cfg.MemoryMB)
	assert.Equal(t, "descriptor", cfg.CmdlinePolicy)
	assert.EqualValues(t, 0x400000, cfg.LoadAddress)
	require.NotNil(t, cfg.Console.Color)
	assert.True(t, *cfg.Console.Color)
	// Untouched by flags.
	assert.Equal(t, "/boot/bzImage", cfg.Kernel)
	assert.Equal(t, 250, cfg.TSC.WindowMS)
	assert.Equal(t, []string{"extra"}, f.Args())
}

func TestFlagsWithoutFile(t *testing.T) {
	cfg, err := NewFlags("crossvm", io.Discard).Parse([]string{"-kernel", "/vmlinuz", "-no-framebuffer"})
	require.NoError(t, err)
	assert.Equal(t, "/vmlinuz", cfg.Kernel)
	assert.False(t, cfg.Console.Framebuffer)
	assert.EqualValues(t, DefaultMemoryMB, cfg.MemoryMB)

	_, err = NewFlags("crossvm", io.Discard).Parse(nil)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = NewFlags("crossvm", io.Discard).Parse([]string{"-kernel", "k", "-zero-page", "nope"})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = NewFlags("crossvm", io.Discard).Parse([]string{"-kernel", "k", "-debug-port", "70000"})
	require.ErrorIs(t, err, ErrInvalid)
}
