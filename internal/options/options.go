// Package options loads the daemon's boot options from a YAML file. Device
// settings (credentials, broker) live in the flash store, not here.
package options

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/micro-nova/bmsnode/internal/hardware"
	"github.com/micro-nova/bmsnode/internal/ota"
	"github.com/micro-nova/bmsnode/internal/system"
)

// DefaultPath is where the daemon looks for its options file.
const DefaultPath = "/etc/bmsnode/bmsnode.yaml"

// Radio drivers.
const (
	RadioNetworkManager = "networkmanager"
	RadioMock           = "mock"
)

// Options holds the boot options.
type Options struct {
	Listen  string `yaml:"listen"`   // HTTP listen address
	DataDir string `yaml:"data_dir"` // root for settings and slots
	Debug   bool   `yaml:"debug"`

	// RequireLink aborts boot when wireless bring-up fails.
	RequireLink bool `yaml:"require_link"`

	Radio   RadioOptions   `yaml:"radio"`
	Update  UpdateOptions  `yaml:"update"`
	Panel   PanelOptions   `yaml:"panel"`
	Console ConsoleOptions `yaml:"console"`
	MDNS    MDNSOptions    `yaml:"mdns"`
}

// RadioOptions selects the wireless driver.
type RadioOptions struct {
	Driver       string `yaml:"driver"`        // "networkmanager" or "mock"
	StationIface string `yaml:"station_iface"` // client interface
	APIface      string `yaml:"ap_iface"`      // hotspot interface
}

// UpdateOptions configures firmware updates and restarts.
type UpdateOptions struct {
	SlotCapacity int64  `yaml:"slot_capacity"` // bytes per slot, 0 = unlimited
	Deframe      string `yaml:"deframe"`       // "streaming" or "chunk-local"
	Restart      string `yaml:"restart"`       // "exec", "reboot" or "exit"
}

// PanelOptions configures the reset button and status LED.
type PanelOptions struct {
	Enabled   bool          `yaml:"enabled"`
	Pins      hardware.Pins `yaml:"pins"`
	ResetHold time.Duration `yaml:"reset_hold"`
}

// ConsoleOptions configures the serial log mirror. Empty Port disables it.
type ConsoleOptions struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// MDNSOptions configures service advertisement.
type MDNSOptions struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"` // instance name, defaults to the hostname
}

// Default returns options with sensible defaults.
func Default() *Options {
	return &Options{
		Listen:  ":80",
		DataDir: "/var/lib/bmsnode",
		Radio: RadioOptions{
			Driver:       RadioNetworkManager,
			StationIface: "wlan0",
			APIface:      "ap0",
		},
		Update: UpdateOptions{
			Deframe: "streaming",
			Restart: system.ModeExec,
		},
		Panel: PanelOptions{
			Pins:      hardware.DefaultPins,
			ResetHold: 5 * time.Second,
		},
		MDNS: MDNSOptions{Enabled: true},
	}
}

// Load reads options from path on top of the defaults. A missing file at
// DefaultPath is not an error; a missing explicitly named file is.
func Load(path string) (*Options, error) {
	opts := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return opts, nil
		}
		return nil, fmt.Errorf("options: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("options: parse %s: %w", path, err)
	}
	opts.DataDir = os.ExpandEnv(opts.DataDir)

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate checks option values that would otherwise fail late at boot.
func (o *Options) Validate() error {
	if o.Listen == "" {
		return errors.New("options: listen address is required")
	}
	if o.DataDir == "" {
		return errors.New("options: data_dir is required")
	}
	switch o.Radio.Driver {
	case RadioNetworkManager, RadioMock:
	default:
		return fmt.Errorf("options: unknown radio driver %q", o.Radio.Driver)
	}
	if _, err := ota.ParseDeframeMode(o.Update.Deframe); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	if _, err := system.NewRestarter(o.Update.Restart); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	if o.Update.SlotCapacity < 0 {
		return errors.New("options: slot_capacity must not be negative")
	}
	if o.Panel.Enabled && o.Panel.ResetHold <= 0 {
		return errors.New("options: panel.reset_hold must be positive")
	}
	return nil
}

// SettingsDir is where the flash store keeps its records.
func (o *Options) SettingsDir() string {
	return filepath.Join(o.DataDir, "nvs")
}

// SlotsDir is where the boot slots live.
func (o *Options) SlotsDir() string {
	return filepath.Join(o.DataDir, "slots")
}

// Marshal renders the options as YAML.
func (o *Options) Marshal() ([]byte, error) {
	return yaml.Marshal(o)
}
