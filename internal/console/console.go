// Package console provides the host side output backends every bring-up
// stage logs through, and the guest visible port devices that feed them.
package console

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Console is one output backend.
type Console interface {
	io.Writer
	Name() string
}

// Registry fans writes out to every registered console. The zero value is
// ready to use.
type Registry struct {
	mu       sync.Mutex
	consoles []Console
}

func (r *Registry) Register(c Console) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consoles = append(r.consoles, c)
}

// Consoles returns the registered consoles in registration order.
func (r *Registry) Consoles() []Console {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Console(nil), r.consoles...)
}

// Write implements io.Writer. Every console sees p; errors are joined and
// the write is reported complete if any console took it.
func (r *Registry) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.consoles) == 0 {
		return len(p), nil
	}

	var errs []error
	ok := false
	for _, c := range r.consoles {
		if _, err := c.Write(p); err != nil {
			errs = append(errs, err)
			continue
		}
		ok = true
	}
	if !ok {
		return 0, errors.Join(errs...)
	}
	return len(p), errors.Join(errs...)
}

// Logger returns a text logger writing through every console.
func (r *Registry) Logger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(r, &slog.HandlerOptions{Level: level}))
}

type flusher interface {
	Flush() error
}

// Flush pushes out output buffered by consoles that hold partial lines.
func (r *Registry) Flush() error {
	var errs []error
	for _, c := range r.Consoles() {
		if f, ok := c.(flusher); ok {
			errs = append(errs, f.Flush())
		}
	}
	return errors.Join(errs...)
}

// Close closes every console that implements io.Closer.
func (r *Registry) Close() error {
	var errs []error
	for _, c := range r.Consoles() {
		if cl, ok := c.(io.Closer); ok {
			errs = append(errs, cl.Close())
		}
	}
	return errors.Join(errs...)
}
