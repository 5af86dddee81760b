package hardware

import (
	"context"
	"sync"
)

// Mock is a thread-safe in-memory front panel for testing and development.
type Mock struct {
	mu        sync.Mutex
	led       bool
	pressed   bool
	toggles   int
	failWrite bool
	failRead  bool
	closed    bool
}

// NewMock creates a mock panel with the LED off and the button released.
func NewMock() *Mock {
	return &Mock{}
}

// SetFailWrite configures the mock to fail all LED writes.
func (m *Mock) SetFailWrite(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite = fail
}

// SetFailRead configures the mock to fail all button reads.
func (m *Mock) SetFailRead(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRead = fail
}

// SetResetPressed simulates holding or releasing the reset button.
func (m *Mock) SetResetPressed(pressed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pressed = pressed
}

// LED returns the current LED level.
func (m *Mock) LED() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.led
}

// Toggles returns how many times the LED level changed.
func (m *Mock) Toggles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toggles
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mock) Init(ctx context.Context) error {
	return nil
}

func (m *Mock) SetLED(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return ErrHardware("mock: write failure configured")
	}
	if m.led != on {
		m.toggles++
	}
	m.led = on
	return nil
}

func (m *Mock) ResetPressed() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRead {
		return false, ErrHardware("mock: read failure configured")
	}
	return m.pressed, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.led = false
	return nil
}

// Ensure Mock implements Driver
var _ Driver = (*Mock)(nil)
