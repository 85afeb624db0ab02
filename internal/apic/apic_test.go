package apic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossvm/crossvm/internal/acpi"
	"github.com/crossvm/crossvm/internal/hv"
)

const testRAM = 64 << 20

func discover(t *testing.T, cfg acpi.Config) *acpi.Topology {
	t.Helper()
	cfg.MemorySize = testRAM
	tables, err := acpi.Build(cfg)
	require.NoError(t, err)
	topo, err := acpi.Discover(tables, tables.RSDPBase)
	require.NoError(t, err)
	return topo
}

func TestProgramFromBuiltTables(t *testing.T) {
	topo := discover(t, acpi.Config{NumCPUs: 2, ISAOverrides: acpi.DefaultISAOverrides()})
	space := hv.NewAddressSpace(0, testRAM)

	cfg, err := Program(topo, space, nil)
	require.NoError(t, err)

	assert.EqualValues(t, DefaultLAPICBase, cfg.LAPICBase)
	assert.Equal(t, []uint8{0, 1}, cfg.CPUs)
	assert.EqualValues(t, 0, cfg.BSP)
	require.Len(t, cfg.IOAPICs, 1)
	assert.EqualValues(t, DefaultIOAPICBase, cfg.IOAPICs[0].Base)

	pit, err := cfg.Route(0)
	require.NoError(t, err)
	assert.Equal(t, Route{GSI: 2}, pit)

	sci, err := cfg.Route(9)
	require.NoError(t, err)
	assert.Equal(t, Route{GSI: 9, ActiveLow: true, Level: true}, sci)

	com1, err := cfg.Route(4)
	require.NoError(t, err)
	assert.Equal(t, Route{GSI: 4}, com1)

	_, err = cfg.Route(16)
	require.Error(t, err)

	regions := space.FixedRegions()
	require.Len(t, regions, 2)
	assert.Equal(t, "ioapic0", regions[0].Name)
	assert.Equal(t, "lapic", regions[1].Name)

	r, ok := space.Lookup(DefaultLAPICBase + 0x20)
	require.True(t, ok)
	assert.Equal(t, "lapic", r.Name)
}

func TestProgramRejects(t *testing.T) {
	t.Run("no cpu", func(t *testing.T) {
		topo := &acpi.Topology{
			CPUs:    []acpi.LocalAPIC{{APICID: 0, Enabled: false}},
			IOAPICs: []acpi.IOAPICConfig{{Address: DefaultIOAPICBase}},
		}
		_, err := Program(topo, nil, nil)
		require.ErrorIs(t, err, ErrNoCPU)
	})

	t.Run("no ioapic", func(t *testing.T) {
		topo := &acpi.Topology{CPUs: []acpi.LocalAPIC{{Enabled: true}}}
		_, err := Program(topo, nil, nil)
		require.ErrorIs(t, err, ErrNoIOAPIC)
	})

	t.Run("unroutable override", func(t *testing.T) {
		topo := &acpi.Topology{
			CPUs:      []acpi.LocalAPIC{{Enabled: true}},
			IOAPICs:   []acpi.IOAPICConfig{{Address: DefaultIOAPICBase}},
			Overrides: []acpi.InterruptOverride{{IRQ: 4, GSI: 40}},
		}
		_, err := Program(topo, nil, nil)
		require.ErrorIs(t, err, ErrUnroutable)
	})

	t.Run("window overlaps ram", func(t *testing.T) {
		topo := &acpi.Topology{
			LAPICBase: 0x100000,
			CPUs:      []acpi.LocalAPIC{{Enabled: true}},
			IOAPICs:   []acpi.IOAPICConfig{{Address: DefaultIOAPICBase}},
		}
		_, err := Program(topo, hv.NewAddressSpace(0, testRAM), nil)
		require.ErrorContains(t, err, "overlaps RAM")
	})
}

func TestProgramSkipsDisabledCPUs(t *testing.T) {
	topo := &acpi.Topology{
		CPUs: []acpi.LocalAPIC{
			{ProcessorID: 0, APICID: 4, Enabled: false},
			{ProcessorID: 1, APICID: 6, Enabled: true},
		},
		IOAPICs: []acpi.IOAPICConfig{{ID: 1, Address: DefaultIOAPICBase}},
	}
	cfg, err := Program(topo, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 6, cfg.BSP)
	assert.Equal(t, []uint8{6}, cfg.CPUs)
}
