//go:build !linux || !amd64

package kvm

import (
	"fmt"

	"github.com/crossvm/crossvm/internal/hv"
)

func Open() (hv.Hypervisor, error) {
	return nil, fmt.Errorf("kvm: %w", hv.ErrHypervisorUnsupported)
}
