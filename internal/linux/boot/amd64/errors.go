package amd64

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedKernel means the image does not carry the "HdrS" setup
	// header signature.
	ErrUnsupportedKernel = errors.New("unsupported kernel image")
	// ErrLegacyImage means the image is not a bzImage (loadflags bit 0 clear).
	ErrLegacyImage = errors.New("legacy zImage kernels are not supported")
	// ErrOutOfRange covers every address or length that falls outside the
	// buffer or guest memory it refers to.
	ErrOutOfRange = errors.New("out of range")
	// ErrBadDescriptor is returned for a guest parameter block that cannot
	// be decoded.
	ErrBadDescriptor = errors.New("malformed guest parameter descriptor")

	ErrLoadInProgress = errors.New("kernel load already in progress")
	ErrGuestExited    = errors.New("guest exited")
)

// LoadError records the load step that failed.
type LoadError struct {
	Step string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load linux: %s: %v", e.Step, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
