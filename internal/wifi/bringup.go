package wifi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/micro-nova/bmsnode/internal/config"
)

// StatusTimeout bounds how long bring-up waits for the radio to settle.
const StatusTimeout = 60 * time.Second

// Link describes an established link.
type Link struct {
	Mode   Mode
	Status Status
	// Channel is the station channel recovered from the scan, if any.
	Channel *uint8
}

// LinkError is a failed bring-up. Status is the radio status captured at
// the point of failure.
type LinkError struct {
	Stage  string
	Mode   Mode
	Status Status
	Err    error
}

func (e *LinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wifi: %s bring-up failed at %s: %v (status %s)", e.Mode, e.Stage, e.Err, e.Status)
	}
	return fmt.Sprintf("wifi: %s bring-up failed at %s (status %s)", e.Mode, e.Stage, e.Status)
}

func (e *LinkError) Unwrap() error { return e.Err }

// SelectMode picks mixed mode when the station has both an ssid and a
// password, and access-point-only mode otherwise.
func SelectMode(sta config.Station) Mode {
	if sta.SSID != nil && sta.Pass != nil {
		return ModeMixed
	}
	return ModeAccessPoint
}

// Manager runs the bring-up state machine against a radio.
type Manager struct {
	radio  Radio
	pinger Pinger

	// StatusTimeout overrides the default wait for tests.
	StatusTimeout time.Duration
}

// NewManager returns a Manager for radio. pinger verifies the station
// gateway in mixed mode.
func NewManager(radio Radio, pinger Pinger) *Manager {
	return &Manager{
		radio:         radio,
		pinger:        pinger,
		StatusTimeout: StatusTimeout,
	}
}

// BringUp establishes the link described by sta and ap. There is no retry
// and no fallback between modes; the caller decides what a failure means.
func (m *Manager) BringUp(ctx context.Context, sta config.Station, ap config.AccessPoint) (*Link, error) {
	mode := SelectMode(sta)
	slog.Info("wifi: bringing up link", "mode", mode)
	if mode == ModeMixed {
		return m.mixed(ctx, sta, ap)
	}
	return m.accessPoint(ctx, ap)
}

// Scan returns visible networks, strongest first.
func (m *Manager) Scan(ctx context.Context) ([]AccessPointInfo, error) {
	infos, err := m.radio.Scan(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].SignalStrength > infos[j].SignalStrength
	})
	for _, info := range infos {
		slog.Debug("wifi: scan result", "ssid", info.SSID, "channel", info.Channel, "signal", info.SignalStrength)
	}
	return infos, nil
}

func (m *Manager) mixed(ctx context.Context, sta config.Station, ap config.AccessPoint) (*Link, error) {
	ssid, pass := *sta.SSID, *sta.Pass
	apSSID, apPass := valueOr(ap.SSID, config.DefaultAPSSID), valueOr(ap.Pass, config.DefaultAPPass)

	infos, err := m.Scan(ctx)
	if err != nil {
		return nil, m.fail(ctx, "scan", ModeMixed, err)
	}

	// Drivers may report the SSID with a suffix, so match on containment.
	var channel *uint8
	for _, info := range infos {
		if strings.Contains(info.SSID, ssid) {
			ch := info.Channel
			channel = &ch
			break
		}
	}
	if channel != nil {
		slog.Info("wifi: found configured network", "ssid", ssid, "channel", *channel)
	} else {
		slog.Info("wifi: configured network not found in scan, channel unknown", "ssid", ssid)
	}

	cfg := Configuration{
		Mode: ModeMixed,
		Client: &ClientConfiguration{
			SSID:     ssid,
			Password: pass,
			Channel:  channel,
		},
		AP: AccessPointConfiguration{
			SSID:     apSSID,
			Password: apPass,
			Channel:  apChannel(ap),
		},
	}
	if err := m.radio.SetConfiguration(ctx, cfg); err != nil {
		return nil, m.fail(ctx, "configure", ModeMixed, err)
	}
	slog.Info("wifi: station/ap configuration set, waiting for status")

	if err := m.radio.WaitStatus(ctx, m.StatusTimeout, NotTransitional); err != nil {
		return nil, m.fail(ctx, "wait", ModeMixed, err)
	}

	st, err := m.radio.Status(ctx)
	if err != nil {
		return nil, m.fail(ctx, "status", ModeMixed, err)
	}
	if st.Client != ClientConnected || st.IP == nil || st.AP != APStarted {
		return nil, &LinkError{Stage: "status", Mode: ModeMixed, Status: st}
	}
	slog.Info("wifi: station connected", "address", st.IP.Address, "gateway", st.IP.Gateway)

	if err := m.verifyGateway(ctx, st.IP); err != nil {
		return nil, &LinkError{Stage: "ping", Mode: ModeMixed, Status: st, Err: err}
	}

	return &Link{Mode: ModeMixed, Status: st, Channel: channel}, nil
}

func (m *Manager) accessPoint(ctx context.Context, ap config.AccessPoint) (*Link, error) {
	if ap.SSID == nil || ap.Pass == nil {
		panic("wifi: access point mode requires ssid and password")
	}

	cfg := Configuration{
		Mode: ModeAccessPoint,
		AP: AccessPointConfiguration{
			SSID:     *ap.SSID,
			Password: *ap.Pass,
			Channel:  apChannel(ap),
		},
	}
	if err := m.radio.SetConfiguration(ctx, cfg); err != nil {
		return nil, m.fail(ctx, "configure", ModeAccessPoint, err)
	}
	slog.Info("wifi: ap configuration set, waiting for status")

	if err := m.radio.WaitStatus(ctx, m.StatusTimeout, NotTransitional); err != nil {
		return nil, m.fail(ctx, "wait", ModeAccessPoint, err)
	}

	st, err := m.radio.Status(ctx)
	if err != nil {
		return nil, m.fail(ctx, "status", ModeAccessPoint, err)
	}
	if st.AP != APStarted {
		return nil, &LinkError{Stage: "status", Mode: ModeAccessPoint, Status: st}
	}
	slog.Info("wifi: access point started", "ssid", cfg.AP.SSID, "channel", cfg.AP.Channel)

	return &Link{Mode: ModeAccessPoint, Status: st}, nil
}

func (m *Manager) verifyGateway(ctx context.Context, ip *IPSettings) error {
	slog.Info("wifi: pinging station gateway", "gateway", ip.Gateway)
	sum, err := m.pinger.Ping(ctx, ip.Gateway)
	if err != nil {
		return fmt.Errorf("ping %s: %w", ip.Gateway, err)
	}
	if sum.Transmitted == 0 || sum.Transmitted != sum.Received {
		return fmt.Errorf("ping %s: %d of %d probes answered", ip.Gateway, sum.Received, sum.Transmitted)
	}
	slog.Info("wifi: gateway reachable", "probes", sum.Transmitted)
	return nil
}

// fail builds a LinkError carrying whatever status the radio reports now.
func (m *Manager) fail(ctx context.Context, stage string, mode Mode, err error) *LinkError {
	st, serr := m.radio.Status(ctx)
	if serr != nil {
		slog.Debug("wifi: status unavailable after failure", "err", serr)
	}
	return &LinkError{Stage: stage, Mode: mode, Status: st, Err: err}
}

func apChannel(ap config.AccessPoint) uint8 {
	if ap.Channel == nil {
		return config.DefaultAPChannel
	}
	return *ap.Channel
}

func valueOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
