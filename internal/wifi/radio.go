// Package wifi brings up the wireless link. It drives a Radio through
// scan, configure, wait-for-status and verify, in either access-point-only
// or mixed (station + access point) mode.
package wifi

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// Mode is the link topology.
type Mode int

const (
	ModeAccessPoint Mode = iota
	ModeMixed
)

func (m Mode) String() string {
	switch m {
	case ModeAccessPoint:
		return "ap"
	case ModeMixed:
		return "mixed"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// AccessPointInfo is one scan result.
type AccessPointInfo struct {
	SSID           string `json:"ssid"`
	Channel        uint8  `json:"channel"`
	SignalStrength int8   `json:"signal_strength"`
}

// ClientConfiguration is the station half of a configuration. A nil
// Channel lets the driver pick.
type ClientConfiguration struct {
	SSID     string
	Password string
	Channel  *uint8
}

// AccessPointConfiguration is the hotspot half of a configuration.
type AccessPointConfiguration struct {
	SSID     string
	Password string
	Channel  uint8
}

// Configuration is applied to the radio in one step. Client is nil in
// access-point mode.
type Configuration struct {
	Mode   Mode
	Client *ClientConfiguration
	AP     AccessPointConfiguration
}

// Radio is the wireless driver. Implementations must be safe for use from
// one goroutine at a time; bring-up runs at boot before any request handler.
type Radio interface {
	// Scan lists visible networks.
	Scan(ctx context.Context) ([]AccessPointInfo, error)

	// SetConfiguration applies cfg and starts the interfaces it names.
	SetConfiguration(ctx context.Context, cfg Configuration) error

	// WaitStatus blocks until pred accepts the current status, ctx is done
	// or timeout elapses (ErrStatusTimeout).
	WaitStatus(ctx context.Context, timeout time.Duration, pred func(Status) bool) error

	// Status reads the current link status.
	Status(ctx context.Context) (Status, error)

	// Stop takes the interfaces down.
	Stop(ctx context.Context) error
}

// PingSummary counts probes sent and answered.
type PingSummary struct {
	Transmitted int
	Received    int
}

// Pinger sends reachability probes.
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr) (PingSummary, error)
}
