// Package hardware provides the front-panel abstraction for the node: a
// factory-reset button and a status LED. It defines the Driver interface used
// by both the GPIO driver and the mock driver.
package hardware

import "context"

// Pins names the GPIO lines (BCM numbering, e.g. "GPIO17").
type Pins struct {
	Reset string `yaml:"reset"`
	LED   string `yaml:"led"`
}

// DefaultPins matches the node carrier board.
var DefaultPins = Pins{Reset: "GPIO17", LED: "GPIO27"}

// Driver is the front-panel hardware interface. Safe for concurrent use.
type Driver interface {
	// Init prepares the pins. Must be called before any other method.
	Init(ctx context.Context) error

	// SetLED drives the status LED.
	SetLED(on bool) error

	// ResetPressed reports whether the reset button is held down right now.
	ResetPressed() (bool, error)

	// Close releases the pins, leaving the LED off.
	Close() error
}

// HardwareError is returned when a hardware operation fails.
type HardwareError struct {
	msg string
}

func (e HardwareError) Error() string { return e.msg }

// ErrHardware creates a new hardware error.
func ErrHardware(msg string) error { return HardwareError{msg: msg} }
