// Package hypercall decodes the guest to host vmcall channel: the guest
// puts a buffer's physical address in RAX and its length in RCX.
package hypercall

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/crossvm/crossvm/internal/hv"
)

// MaxBufferSize bounds the guest buffer a single call may pass.
const MaxBufferSize = 1 << 20

var (
	ErrMissingRegister = errors.New("hypercall: missing register")
	ErrBufferTooLarge  = errors.New("hypercall: buffer too large")
)

// Request is a decoded vmcall.
type Request struct {
	Addr uint64
	Size uint64
}

func (r Request) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", fmt.Sprintf("0x%x", r.Addr)),
		slog.Uint64("size", r.Size),
	)
}

func reg64(regs map[hv.Register]hv.RegisterValue, r hv.Register) (uint64, error) {
	v, ok := regs[r].(hv.Register64)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingRegister, r)
	}
	return uint64(v), nil
}

// Decode reads a request from the registers captured at the vmcall exit.
func Decode(regs map[hv.Register]hv.RegisterValue) (Request, error) {
	addr, err := reg64(regs, hv.RegisterAMD64Rax)
	if err != nil {
		return Request{}, err
	}
	size, err := reg64(regs, hv.RegisterAMD64Rcx)
	if err != nil {
		return Request{}, err
	}
	return Request{Addr: addr, Size: size}, nil
}

// Func serves a request. buf aliases guest memory and is only valid for
// the duration of the call. The returned value is placed in the guest's
// RAX.
type Func func(vcpu hv.VirtualCPU, req Request, buf []byte) (uint64, error)

// Handler implements hv.HypercallHandler. Without a Func every call is
// logged and answered with 0.
type Handler struct {
	Func   Func
	Logger *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// HandleHypercall implements hv.HypercallHandler.
func (h *Handler) HandleHypercall(vcpu hv.VirtualCPU, regs map[hv.Register]hv.RegisterValue) (uint64, error) {
	req, err := Decode(regs)
	if err != nil {
		return 0, err
	}

	log := h.logger()
	log.Debug("hypercall", "vcpu", vcpu.ID(), "request", req)

	if h.Func == nil {
		return 0, nil
	}
	if req.Size > MaxBufferSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrBufferTooLarge, req.Size)
	}

	var buf []byte
	if req.Size > 0 {
		buf, err = vcpu.VirtualMachine().Translate(req.Addr, req.Size)
		if err != nil {
			return 0, fmt.Errorf("hypercall: buffer at 0x%x: %w", req.Addr, err)
		}
	}
	return h.Func(vcpu, req, buf)
}

var _ hv.HypercallHandler = (*Handler)(nil)
