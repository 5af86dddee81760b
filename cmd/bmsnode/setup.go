package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/micro-nova/bmsnode/internal/config"
	"github.com/micro-nova/bmsnode/internal/console"
	"github.com/micro-nova/bmsnode/internal/hardware"
	"github.com/micro-nova/bmsnode/internal/nvs"
	"github.com/micro-nova/bmsnode/internal/options"
	"github.com/micro-nova/bmsnode/internal/ota"
	"github.com/micro-nova/bmsnode/internal/system"
	"github.com/micro-nova/bmsnode/internal/wifi"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupLogging installs the default slog handler on stderr, mirrored to the
// serial console when one is configured.
func setupLogging(opts *options.Options) io.Closer {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	var consoleErr error
	if opts.Console.Port != "" {
		cw, err := console.Open(opts.Console.Port, opts.Console.Baud)
		if err != nil {
			consoleErr = err
		} else {
			out = io.MultiWriter(os.Stderr, cw)
			closer = cw
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel})))
	if consoleErr != nil {
		ports, _ := console.Ports()
		slog.Warn("console: serial mirror disabled", "port", opts.Console.Port, "available", ports, "err", consoleErr)
	}
	return closer
}

// openSettings opens the flash store and restores the settings, falling
// back to defaults when the stored set is incomplete or unreadable.
func openSettings(opts *options.Options) (*config.Settings, *nvs.FileFlash, error) {
	flash, err := nvs.NewFileFlash(opts.SettingsDir())
	if err != nil {
		return nil, nil, err
	}
	settings := config.New(nvs.NewStore(flash))
	if err := settings.Initialize(); err != nil {
		slog.Error("config: settings could not be restored, writing defaults", "err", err)
		if rerr := settings.Reset(); rerr != nil {
			return nil, nil, fmt.Errorf("restore defaults: %w", errors.Join(err, rerr))
		}
	}
	return settings, flash, nil
}

// openSlots opens the boot slots. With boot set the boot step runs, which
// must happen exactly once per device start.
func openSlots(opts *options.Options, boot bool) (*ota.FileSlots, error) {
	if boot {
		return ota.OpenFileSlots(opts.SlotsDir(), opts.Update.SlotCapacity)
	}
	return ota.LoadFileSlots(opts.SlotsDir(), opts.Update.SlotCapacity)
}

// launchSlotImage hands the process to the running slot's image when it has
// one. It returns nil when this process should keep running.
func launchSlotImage(slots *ota.FileSlots) error {
	if system.HandedOff() {
		return nil
	}
	image, ok := slots.RunningImage()
	if !ok || system.IsCurrentExecutable(image) {
		return nil
	}
	slog.Info("ota: starting slot image", "slot", slots.Running().Label, "image", image)
	return system.HandOff(image)
}

// newRadio returns the configured radio driver and gateway pinger. The
// returned closer releases the driver.
func newRadio(opts *options.Options) (wifi.Radio, wifi.Pinger, io.Closer, error) {
	if opts.Radio.Driver == options.RadioMock {
		slog.Info("wifi: using mock radio")
		return wifi.NewMock(), wifi.NewMockPinger(), nopCloser{}, nil
	}
	nm, err := wifi.NewNetworkManager(opts.Radio.StationIface, opts.Radio.APIface)
	if err != nil {
		return nil, nil, nil, err
	}
	return nm, wifi.NewICMPPinger(), nm, nil
}

// newPanel initialises the reset button and LED, or returns nil when the
// panel is disabled or unavailable.
func newPanel(ctx context.Context, opts *options.Options) hardware.Driver {
	if !opts.Panel.Enabled {
		return nil
	}
	drv := hardware.NewGPIO(opts.Panel.Pins)
	if err := drv.Init(ctx); err != nil {
		slog.Warn("hardware: panel disabled", "err", err)
		return nil
	}
	return drv
}

// listenPort extracts the TCP port from a listen address.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 80
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 80
	}
	return port
}

// patternFor maps link state to the status LED.
func patternFor(k wifi.Kind, updating bool) hardware.Pattern {
	switch {
	case updating:
		return hardware.PatternFastBlink
	case k == wifi.KindStationConnected:
		return hardware.PatternOn
	case k == wifi.KindAccessPointStarted:
		return hardware.PatternSlowBlink
	default:
		return hardware.PatternFastBlink
	}
}
