package console

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

const (
	FramebufferCols = 80
	FramebufferRows = 25
)

// Framebuffer is a text mode screen backed by a VT emulator.
type Framebuffer struct {
	emu *vt.SafeEmulator

	closeOnce sync.Once
	drained   chan struct{}
}

func NewFramebuffer(cols, rows int) *Framebuffer {
	if cols <= 0 {
		cols = FramebufferCols
	}
	if rows <= 0 {
		rows = FramebufferRows
	}
	emu := vt.NewSafeEmulator(cols, rows)
	swallowQueries(emu)

	fb := &Framebuffer{emu: emu, drained: make(chan struct{})}
	go fb.drain()
	return fb
}

// drain discards whatever the emulator queues as terminal input so writes
// never block on an unread reply.
func (f *Framebuffer) drain() {
	defer close(f.drained)
	buf := make([]byte, 256)
	for {
		if _, err := f.emu.Read(buf); err != nil {
			return
		}
	}
}

// swallowQueries stops status and attribute queries from producing replies.
func swallowQueries(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

func (f *Framebuffer) Name() string { return "framebuffer" }

// Write feeds output to the screen. Bare line feeds also return the
// carriage, as a text mode console does.
func (f *Framebuffer) Write(p []byte) (int, error) {
	if _, err := f.emu.Write([]byte(strings.ReplaceAll(string(p), "\n", "\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Lines returns the visible screen, one string per row with trailing blanks
// trimmed.
func (f *Framebuffer) Lines() []string {
	rows := make([]string, f.emu.Height())
	var sb strings.Builder
	for y := range rows {
		sb.Reset()
		for x := 0; x < f.emu.Width(); x++ {
			cell := f.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				sb.WriteByte(' ')
				continue
			}
			sb.WriteString(cell.Content)
			if cell.Width > 1 {
				x += cell.Width - 1
			}
		}
		rows[y] = strings.TrimRight(sb.String(), " ")
	}
	return rows
}

func (f *Framebuffer) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.emu.Close()
		<-f.drained
	})
	return err
}

var _ Console = (*Framebuffer)(nil)
