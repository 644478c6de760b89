package device

import (
	"io"
	"sync"

	"github.com/sarchlab/archsim/addr"
)

// SiFive UART register offsets.
const (
	UARTTxData = 0x00
	UARTRxData = 0x04
	UARTTxCtrl = 0x08
	UARTRxCtrl = 0x0c
	UARTIE     = 0x10
	UARTIP     = 0x14
	UARTDiv    = 0x18

	// UARTSize is the size of the register window.
	UARTSize = 0x1000

	uartFIFODepth = 8
	rxEmpty       = 1 << 31
)

// UART is a SiFive-compatible serial port. Transmitted bytes go to an
// io.Writer; received bytes are queued with Enqueue.
type UART struct {
	mu   sync.Mutex
	base addr.PhysicalAddress
	out  io.Writer

	txctrl uint32
	rxctrl uint32
	ie     uint32
	div    uint32
	rx     []byte
}

// NewUART creates a UART at base writing transmitted bytes to out.
func NewUART(base addr.PhysicalAddress, out io.Writer) *UART {
	if out == nil {
		out = io.Discard
	}
	return &UART{base: base, out: out}
}

// BaseAddress returns the start of the register window.
func (u *UART) BaseAddress() addr.PhysicalAddress { return u.base }

// Size returns the size of the register window.
func (u *UART) Size() uint64 { return UARTSize }

// Enqueue appends bytes to the receive FIFO. Bytes beyond the FIFO depth
// are dropped. It returns the number of bytes accepted.
func (u *UART) Enqueue(data []byte) int {
	u.mu.Lock()
	defer u.mu.Unlock()

	n := uartFIFODepth - len(u.rx)
	if n > len(data) {
		n = len(data)
	}
	if n <= 0 {
		return 0
	}
	u.rx = append(u.rx, data[:n]...)
	return n
}

// Read returns the register at offset.
func (u *UART) Read(offset uint64, _ int) (uint64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case UARTTxData:
		// The transmit FIFO never fills.
		return 0, true
	case UARTRxData:
		if len(u.rx) == 0 {
			return rxEmpty, true
		}
		b := u.rx[0]
		u.rx = u.rx[1:]
		return uint64(b), true
	case UARTTxCtrl:
		return uint64(u.txctrl), true
	case UARTRxCtrl:
		return uint64(u.rxctrl), true
	case UARTIE:
		return uint64(u.ie), true
	case UARTIP:
		return uint64(u.pending()), true
	case UARTDiv:
		return uint64(u.div), true
	}
	return 0, false
}

// Write sets the register at offset.
func (u *UART) Write(offset uint64, _ int, value uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case UARTTxData:
		_, err := u.out.Write([]byte{byte(value)})
		return err == nil
	case UARTTxCtrl:
		u.txctrl = uint32(value)
	case UARTRxCtrl:
		u.rxctrl = uint32(value)
	case UARTIE:
		u.ie = uint32(value)
	case UARTDiv:
		u.div = uint32(value)
	case UARTRxData, UARTIP:
		// read-only
	default:
		return false
	}
	return true
}

// pending computes the ip register: txwm when the transmit watermark is
// non-zero, rxwm while the receive FIFO holds fewer bytes than its depth.
func (u *UART) pending() uint32 {
	var ip uint32
	if (u.txctrl>>16)&3 > 0 {
		ip |= 1
	}
	if len(u.rx) < uartFIFODepth {
		ip |= 2
	}
	return ip
}
