package console

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/crossvm/crossvm/internal/hv"
)

// DefaultDebugPort is the Bochs/QEMU debug console port.
const DefaultDebugPort = 0xE9

// DebugPort is the port based debug console. Host writes and guest OUTs to
// Port are both line buffered and copied to Out, in bright yellow when
// Color is set.
type DebugPort struct {
	Port  uint16
	Out   io.Writer
	Color bool

	mu   sync.Mutex
	line []byte
}

// NewDebugPort writes to out, colouring output when out is a terminal.
func NewDebugPort(port uint16, out io.Writer) *DebugPort {
	if port == 0 {
		port = DefaultDebugPort
	}
	return &DebugPort{Port: port, Out: out, Color: isTerminal(out)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var debugStyle = ansi.Style{}.ForegroundColor(ansi.BrightYellow)

func (d *DebugPort) Name() string { return "debugcon" }

func (d *DebugPort) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.line = append(d.line, p...)
	for {
		i := bytes.IndexByte(d.line, '\n')
		if i < 0 {
			break
		}
		if err := d.emit(d.line[:i+1]); err != nil {
			d.line = d.line[i+1:]
			return len(p), err
		}
		d.line = d.line[i+1:]
	}
	return len(p), nil
}

// Flush writes out a partial line.
func (d *DebugPort) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.line) == 0 {
		return nil
	}
	err := d.emit(d.line)
	d.line = d.line[:0]
	return err
}

func (d *DebugPort) emit(line []byte) error {
	if d.Out == nil {
		return nil
	}
	if !d.Color {
		_, err := d.Out.Write(line)
		return err
	}
	text := bytes.TrimSuffix(line, []byte("\n"))
	out := debugStyle.String() + string(text) + ansi.ResetStyle
	if len(text) != len(line) {
		out += "\n"
	}
	_, err := io.WriteString(d.Out, out)
	return err
}

// implements hv.X86IOPortDevice.
func (d *DebugPort) Init(vm hv.VirtualMachine) error { return nil }
func (d *DebugPort) IOPorts() []uint16                { return []uint16{d.Port} }

// ReadIOPort returns the port number's low byte, which is how guests probe
// for the device.
func (d *DebugPort) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	if len(data) > 0 {
		data[0] = byte(d.Port)
	}
	return nil
}

func (d *DebugPort) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, err := d.Write(data[:1])
	return err
}

func (d *DebugPort) Close() error { return d.Flush() }

var (
	_ Console            = (*DebugPort)(nil)
	_ hv.X86IOPortDevice = (*DebugPort)(nil)
)
