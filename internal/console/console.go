// Package console mirrors log output to a serial console port.
package console

import (
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// DefaultBaud is the console speed used when none is configured.
const DefaultBaud = 115200

// Writer forwards writes to a serial port. A failing port never fails the
// caller: the log line still reaches the other outputs.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	dropped int
}

// Open opens the serial console at port (8N1).
func Open(port string, baud int) (*Writer, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("console: open %s: %w", port, err)
	}
	return &Writer{w: p, closer: p}, nil
}

// Ports lists serial ports present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

func (c *Writer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(p); err != nil {
		c.dropped++
	}
	return len(p), nil
}

// Dropped returns how many writes the port rejected.
func (c *Writer) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close closes the port.
func (c *Writer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
