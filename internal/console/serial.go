package console

import (
	"io"
	"sync"

	"github.com/crossvm/crossvm/internal/hv"
)

// COM1 is the first legacy UART.
const COM1 = 0x3F8

// 16550 register offsets and line status bits.
const (
	uartTHR = 0
	uartIER = 1
	uartIIR = 2
	uartLCR = 3
	uartMCR = 4
	uartLSR = 5
	uartMSR = 6
	uartSCR = 7

	lcrDLAB        = 0x80
	lsrTHREmpty    = 0x20
	lsrTxIdle      = 0x40
	iirNoInterrupt = 0x01
)

// Serial is the transmit half of a 16550 UART: enough for the kernel's
// early console and 8250 driver to print. Received data is never
// reported, and no interrupts are raised.
type Serial struct {
	Base uint16
	Out  io.Writer

	mu  sync.Mutex
	ier uint8
	lcr uint8
	mcr uint8
	scr uint8
	dll uint8
	dlm uint8
}

func NewSerial(base uint16, out io.Writer) *Serial {
	return &Serial{Base: base, Out: out}
}

func (s *Serial) Init(vm hv.VirtualMachine) error { return nil }

func (s *Serial) IOPorts() []uint16 {
	ports := make([]uint16, 8)
	for i := range ports {
		ports[i] = s.Base + uint16(i)
	}
	return ports
}

func (s *Serial) ReadIOPort(port uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v uint8
	switch port - s.Base {
	case uartTHR:
		if s.lcr&lcrDLAB != 0 {
			v = s.dll
		}
	case uartIER:
		if s.lcr&lcrDLAB != 0 {
			v = s.dlm
		} else {
			v = s.ier
		}
	case uartIIR:
		v = iirNoInterrupt
	case uartLCR:
		v = s.lcr
	case uartMCR:
		v = s.mcr
	case uartLSR:
		v = lsrTHREmpty | lsrTxIdle
	case uartMSR:
		v = 0
	case uartSCR:
		v = s.scr
	}
	for i := range data {
		data[i] = 0
	}
	if len(data) > 0 {
		data[0] = v
	}
	return nil
}

func (s *Serial) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	v := data[0]

	s.mu.Lock()
	switch port - s.Base {
	case uartTHR:
		if s.lcr&lcrDLAB != 0 {
			s.dll = v
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		if s.Out == nil {
			return nil
		}
		_, err := s.Out.Write([]byte{v})
		return err
	case uartIER:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = v
		} else {
			s.ier = v & 0x0F
		}
	case uartLCR:
		s.lcr = v
	case uartMCR:
		s.mcr = v & 0x1F
	case uartSCR:
		s.scr = v
	}
	s.mu.Unlock()
	return nil
}

var _ hv.X86IOPortDevice = (*Serial)(nil)
