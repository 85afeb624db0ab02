package cpu

import (
	"gvisor.dev/gvisor/pkg/cpuid"
)

// FromFeatureSet decodes a CPUID feature set.
func FromFeatureSet(fs cpuid.FeatureSet) Info {
	vendor := fs.VendorID()
	return Info{
		Vendor:       string(vendor[:]),
		Family:       fs.Family(),
		Model:        fs.Model(),
		Stepping:     fs.SteppingID(),
		VMX:          fs.HasFeature(cpuid.X86FeatureVMX),
		SVM:          fs.HasFeature(cpuid.X86FeatureSVM),
		TSC:          fs.HasFeature(cpuid.X86FeatureTSC),
		Hypervisor:   fs.HasFeature(cpuid.X86FeatureHypervisor),
		PhysAddrBits: fs.PhysicalAddressBits(),
		VirtAddrBits: fs.VirtualAddressBits(),
		CacheLine:    fs.CacheLine(),
	}
}

// Probe reads the host CPUID.
func Probe() (Info, error) {
	cpuid.Initialize()
	return FromFeatureSet(cpuid.HostFeatureSet()), nil
}
