//go:build !linux

package hardware

import "context"

// GPIO is unavailable off Linux; Init always fails.
type GPIO struct{}

// NewGPIO returns a driver whose Init reports the platform is unsupported.
func NewGPIO(pins Pins) *GPIO { return &GPIO{} }

func (*GPIO) Init(ctx context.Context) error {
	return ErrHardware("gpio: not supported on this platform")
}
func (*GPIO) SetLED(bool) error           { return ErrHardware("gpio: not supported on this platform") }
func (*GPIO) ResetPressed() (bool, error) { return false, nil }
func (*GPIO) Close() error                { return nil }

var _ Driver = (*GPIO)(nil)
