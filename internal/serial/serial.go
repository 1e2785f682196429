// Package serial implements the virtual serial port passthrough the MMIO
// Gateway delegates to for addresses configured as a UART's status/data
// register pair (§4.7, the original's NucleoUSART branch in
// PretenderModel.__init__).
//
// Two adapters satisfy gateway.SerialPort: Passthrough bridges to a real
// UART via github.com/tarm/serial (grounded on seedhammer-seedhammer's
// driver/mjolnir/device.go, the corpus's only tarm/serial caller), and
// Console bridges to a raw-mode terminal via golang.org/x/term, grounded
// on the teacher's internal/tty.Console.
package serial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tarm/serial"
	"golang.org/x/term"

	"github.com/go-pretender/pretender/internal/log"
)

// statusTxReady and statusRxReady are the bit positions a firmware driver
// typically polls on a UART status register before writing to or reading
// from the paired data register. Passthrough.Status reports "always
// ready" (Console has no status word), matching this system's non-goal of bit-accurate
// peripheral semantics (§1): the point of passthrough is to move bytes,
// not to reproduce hardware handshaking timing.
const (
	statusTxReady = 1 << 1
	statusRxReady = 1 << 0
)

// Passthrough bridges a virtual serial port's MMIO status/data registers
// to a real UART opened with github.com/tarm/serial.
type Passthrough struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	rx     *bufio.Reader
	logger *log.Logger
}

// OpenPassthrough opens dev at baud and returns a Passthrough adapter over
// it.
func OpenPassthrough(dev string, baud int) (*Passthrough, error) {
	cfg := &serial.Config{Name: dev, Baud: baud}

	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", dev, err)
	}

	return &Passthrough{port: port, rx: bufio.NewReader(port), logger: log.DefaultLogger()}, nil
}

// Read answers an MMIO read of either the status or data register. It
// ignores addr: every read returns the next byte from the buffered UART
// reader, or 0 when that read fails. The "always ready" status word is
// reported only by Status, not by Read.
func (p *Passthrough) Read(addr uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.rx.ReadByte()
	if err != nil {
		return 0
	}

	return uint32(b)
}

// Write forwards value's low byte to the real UART. It always reports the
// write as accepted.
func (p *Passthrough) Write(addr uint32, value uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.port.Write([]byte{byte(value)}); err != nil {
		p.logger.Warn("serial: passthrough write failed", log.Any("error", err.Error()))
	}

	return true
}

// Status reports the fixed "always ready" status word a firmware driver
// polls before touching the data register.
func (p *Passthrough) Status() uint32 {
	return statusTxReady | statusRxReady
}

// Close closes the underlying UART.
func (p *Passthrough) Close() error {
	return p.port.Close()
}

// Console bridges a virtual serial port to the process's own controlling
// terminal, put into raw mode, for serial ports that `replay --config`
// finds configured without a device path. Grounded on the teacher's internal/tty.Console:
// a goroutine copies terminal input into an internal buffer that Read
// drains, and Write copies emitted bytes straight to the terminal.
type Console struct {
	fd    int
	state *term.State
	out   io.Writer

	mu  sync.Mutex
	buf []byte

	logger *log.Logger
}

// ErrNoTTY is returned when stdin is not a terminal and raw-mode console
// passthrough is therefore unavailable.
var ErrNoTTY = fmt.Errorf("serial: stdin is not a tty")

// NewConsole puts stdin into raw mode and starts copying its bytes into
// an internal buffer under ctx. Cancelling ctx stops the copy; callers
// must still call Restore to return the terminal to cooked mode.
func NewConsole(ctx context.Context) (*Console, error) {
	fd := int(os.Stdin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{fd: fd, state: state, out: os.Stdout, logger: log.DefaultLogger()}

	go c.copyInput(ctx)

	return c, nil
}

func (c *Console) copyInput(ctx context.Context) {
	reader := bufio.NewReader(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := reader.ReadByte()
		if err != nil {
			return
		}

		c.mu.Lock()
		c.buf = append(c.buf, b)
		c.mu.Unlock()
	}
}

// Read drains one buffered input byte, or returns 0 if none is available.
func (c *Console) Read(addr uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) == 0 {
		return 0
	}

	b := c.buf[0]
	c.buf = c.buf[1:]

	return uint32(b)
}

// Write echoes value's low byte to the terminal.
func (c *Console) Write(addr uint32, value uint32) bool {
	if _, err := fmt.Fprintf(c.out, "%c", rune(byte(value))); err != nil {
		c.logger.Warn("serial: console write failed", log.Any("error", err.Error()))
	}

	return true
}

// Restore returns the terminal to its original (cooked) mode. Callers
// must invoke it before process exit.
func (c *Console) Restore() error {
	return term.Restore(c.fd, c.state)
}
