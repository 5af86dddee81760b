//go:build linux

package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// GPIO drives the panel through periph.io. The reset button is active low
// with the internal pull-up enabled; the LED is active high.
type GPIO struct {
	mu     sync.Mutex
	pins   Pins
	button gpio.PinIO
	led    gpio.PinIO
}

// NewGPIO returns a GPIO driver for pins. Call Init before use.
func NewGPIO(pins Pins) *GPIO {
	return &GPIO{pins: pins}
}

func (g *GPIO) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Initialize periph.io GPIO host driver
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("gpio: host init failed: %w", err)
	}

	button := gpioreg.ByName(g.pins.Reset)
	if button == nil {
		return fmt.Errorf("gpio: failed to open %s (reset)", g.pins.Reset)
	}
	led := gpioreg.ByName(g.pins.LED)
	if led == nil {
		return fmt.Errorf("gpio: failed to open %s (led)", g.pins.LED)
	}

	if err := button.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return fmt.Errorf("gpio: failed to configure %s as input: %w", g.pins.Reset, err)
	}
	if err := led.Out(gpio.Low); err != nil {
		return fmt.Errorf("gpio: failed to configure %s as output: %w", g.pins.LED, err)
	}

	g.button, g.led = button, led
	slog.Debug("gpio: panel ready", "reset_pin", g.pins.Reset, "led_pin", g.pins.LED)
	return nil
}

func (g *GPIO) SetLED(on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.led == nil {
		return ErrHardware("gpio: not initialised")
	}
	level := gpio.Low
	if on {
		level = gpio.High
	}
	if err := g.led.Out(level); err != nil {
		return fmt.Errorf("gpio: set %s: %w", g.pins.LED, err)
	}
	return nil
}

func (g *GPIO) ResetPressed() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.button == nil {
		return false, ErrHardware("gpio: not initialised")
	}
	return g.button.Read() == gpio.Low, nil
}

func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.led == nil {
		return nil
	}
	return g.led.Out(gpio.Low)
}

// Ensure GPIO implements Driver
var _ Driver = (*GPIO)(nil)
