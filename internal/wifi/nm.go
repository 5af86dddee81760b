package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	nmService       = "org.freedesktop.NetworkManager"
	nmPath          = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmSettingsPath  = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")
	nmIface         = "org.freedesktop.NetworkManager"
	nmDeviceIface   = "org.freedesktop.NetworkManager.Device"
	nmWirelessIface = "org.freedesktop.NetworkManager.Device.Wireless"
	nmAPIface       = "org.freedesktop.NetworkManager.AccessPoint"
	nmIP4Iface      = "org.freedesktop.NetworkManager.IP4Config"
	nmSettingsIface = "org.freedesktop.NetworkManager.Settings"
	nmConnIface     = "org.freedesktop.NetworkManager.Settings.Connection"

	nmPollInterval = 500 * time.Millisecond
	nmScanSettle   = 3 * time.Second
)

// NetworkManager device states (NMDeviceState).
const (
	nmStateUnmanaged    = 10
	nmStateUnavailable  = 20
	nmStateDisconnected = 30
	nmStatePrepare      = 40
	nmStateNeedAuth     = 60
	nmStateIPConfig     = 70
	nmStateSecondaries  = 90
	nmStateActivated    = 100
	nmStateDeactivating = 110
	nmStateFailed       = 120
)

// connNamespace seeds deterministic connection UUIDs so re-running bring-up
// replaces the previous profile instead of piling up new ones.
var connNamespace = uuid.MustParse("5b0c6f0e-3d1a-4f57-9d0e-6a1f0b4c2e11")

// NetworkManager drives the radio through NetworkManager over the system
// bus. The station and the access point live on separate interfaces.
type NetworkManager struct {
	conn      *dbus.Conn
	staIface  string
	apIface   string
	mu        sync.Mutex
	staActive bool // station profile applied
	staSeen   bool // station device has left "disconnected" since apply
	apActive  bool
	apSeen    bool
}

// NewNetworkManager connects to the system bus.
func NewNetworkManager(staIface, apIface string) (*NetworkManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("wifi: connect system bus: %w", err)
	}
	return &NetworkManager{conn: conn, staIface: staIface, apIface: apIface}, nil
}

// Close releases the bus connection.
func (n *NetworkManager) Close() error {
	return n.conn.Close()
}

func (n *NetworkManager) device(ctx context.Context, iface string) (dbus.BusObject, error) {
	var path dbus.ObjectPath
	err := n.conn.Object(nmService, nmPath).CallWithContext(ctx, nmIface+".GetDeviceByIpIface", 0, iface).Store(&path)
	if err != nil {
		return nil, fmt.Errorf("wifi: find device %s: %w", iface, err)
	}
	return n.conn.Object(nmService, path), nil
}

func (n *NetworkManager) Scan(ctx context.Context) ([]AccessPointInfo, error) {
	dev, err := n.device(ctx, n.staIface)
	if err != nil {
		return nil, err
	}
	if call := dev.CallWithContext(ctx, nmWirelessIface+".RequestScan", 0, map[string]dbus.Variant{}); call.Err != nil {
		// A scan already in progress is reported as an error; the cached list is still usable.
		slog.Debug("wifi: request scan", "err", call.Err)
	} else {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(nmScanSettle):
		}
	}

	var paths []dbus.ObjectPath
	if err := dev.CallWithContext(ctx, nmWirelessIface+".GetAllAccessPoints", 0).Store(&paths); err != nil {
		return nil, fmt.Errorf("wifi: list access points: %w", err)
	}

	infos := make([]AccessPointInfo, 0, len(paths))
	for _, p := range paths {
		ap := n.conn.Object(nmService, p)
		ssid, err := ap.GetProperty(nmAPIface + ".Ssid")
		if err != nil {
			continue
		}
		raw, _ := ssid.Value().([]byte)
		if len(raw) == 0 {
			continue // hidden network
		}
		info := AccessPointInfo{SSID: string(raw)}
		if v, err := ap.GetProperty(nmAPIface + ".Frequency"); err == nil {
			if f, ok := v.Value().(uint32); ok {
				info.Channel = channelForFrequency(f)
			}
		}
		if v, err := ap.GetProperty(nmAPIface + ".Strength"); err == nil {
			if s, ok := v.Value().(byte); ok {
				info.SignalStrength = percentToDBm(s)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (n *NetworkManager) SetConfiguration(ctx context.Context, cfg Configuration) error {
	n.mu.Lock()
	n.staActive, n.staSeen, n.apActive, n.apSeen = false, false, false, false
	n.mu.Unlock()

	if err := n.activate(ctx, n.apIface, "ap", apSettings(n.apIface, cfg.AP)); err != nil {
		return err
	}
	n.mu.Lock()
	n.apActive = true
	n.mu.Unlock()

	if cfg.Mode == ModeMixed && cfg.Client != nil {
		if err := n.activate(ctx, n.staIface, "sta", stationSettings(n.staIface, *cfg.Client)); err != nil {
			return err
		}
		n.mu.Lock()
		n.staActive = true
		n.mu.Unlock()
	}
	return nil
}

// activate replaces the profile for role on iface and activates it.
func (n *NetworkManager) activate(ctx context.Context, iface, role string, settings map[string]map[string]dbus.Variant) error {
	dev, err := n.device(ctx, iface)
	if err != nil {
		return err
	}

	id := connectionUUID(role, iface)
	settingsObj := n.conn.Object(nmService, nmSettingsPath)
	var existing dbus.ObjectPath
	if err := settingsObj.CallWithContext(ctx, nmSettingsIface+".GetConnectionByUuid", 0, id).Store(&existing); err == nil {
		if call := n.conn.Object(nmService, existing).CallWithContext(ctx, nmConnIface+".Delete", 0); call.Err != nil {
			slog.Warn("wifi: failed to delete previous profile", "role", role, "err", call.Err)
		}
	}

	var connPath, activePath dbus.ObjectPath
	err = n.conn.Object(nmService, nmPath).
		CallWithContext(ctx, nmIface+".AddAndActivateConnection", 0, settings, dev.Path(), dbus.ObjectPath("/")).
		Store(&connPath, &activePath)
	if err != nil {
		return fmt.Errorf("wifi: activate %s on %s: %w", role, iface, err)
	}
	slog.Debug("wifi: profile activated", "role", role, "iface", iface, "connection", connPath)
	return nil
}

func (n *NetworkManager) WaitStatus(ctx context.Context, timeout time.Duration, pred func(Status) bool) error {
	return PollStatus(ctx, n, timeout, nmPollInterval, pred)
}

func (n *NetworkManager) Status(ctx context.Context) (Status, error) {
	n.mu.Lock()
	staActive, apActive := n.staActive, n.apActive
	n.mu.Unlock()

	var st Status
	if apActive {
		state, err := n.deviceState(ctx, n.apIface)
		if err != nil {
			return st, err
		}
		st.AP = n.apState(state)
	}
	if staActive {
		state, err := n.deviceState(ctx, n.staIface)
		if err != nil {
			return st, err
		}
		st.Client = n.clientState(state)
		if st.Client == ClientConnected {
			ip, err := n.ipSettings(ctx, n.staIface)
			if err != nil {
				return st, err
			}
			st.IP = ip
		}
	}
	return st, nil
}

func (n *NetworkManager) deviceState(ctx context.Context, iface string) (uint32, error) {
	dev, err := n.device(ctx, iface)
	if err != nil {
		return 0, err
	}
	v, err := dev.GetProperty(nmDeviceIface + ".State")
	if err != nil {
		return 0, fmt.Errorf("wifi: read %s state: %w", iface, err)
	}
	state, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("wifi: unexpected %s state type %T", iface, v.Value())
	}
	return state, nil
}

// clientState maps an NMDeviceState. A device that drops back to
// disconnected after having started activation has failed; before that it
// is still starting.
func (n *NetworkManager) clientState(state uint32) ClientState {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case state == nmStateActivated:
		n.staSeen = true
		return ClientConnected
	case state >= nmStatePrepare && state <= nmStateNeedAuth:
		n.staSeen = true
		return ClientConnecting
	case state >= nmStateIPConfig && state <= nmStateSecondaries:
		n.staSeen = true
		return ClientObtainingIP
	case state == nmStateFailed, state == nmStateUnmanaged, state == nmStateUnavailable:
		return ClientFailed
	case state == nmStateDisconnected, state == nmStateDeactivating:
		if n.staSeen {
			return ClientFailed
		}
		return ClientStarting
	default:
		return ClientStopped
	}
}

func (n *NetworkManager) apState(state uint32) APState {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case state == nmStateActivated:
		n.apSeen = true
		return APStarted
	case state >= nmStatePrepare && state <= nmStateSecondaries:
		n.apSeen = true
		return APStarting
	case state == nmStateFailed, state == nmStateUnmanaged, state == nmStateUnavailable:
		return APFailed
	case state == nmStateDisconnected, state == nmStateDeactivating:
		if n.apSeen {
			return APFailed
		}
		return APStarting
	default:
		return APStopped
	}
}

func (n *NetworkManager) ipSettings(ctx context.Context, iface string) (*IPSettings, error) {
	dev, err := n.device(ctx, iface)
	if err != nil {
		return nil, err
	}
	v, err := dev.GetProperty(nmDeviceIface + ".Ip4Config")
	if err != nil {
		return nil, fmt.Errorf("wifi: read ip4 config: %w", err)
	}
	path, ok := v.Value().(dbus.ObjectPath)
	if !ok || path == "/" {
		return nil, nil
	}
	cfg := n.conn.Object(nmService, path)

	gw, err := cfg.GetProperty(nmIP4Iface + ".Gateway")
	if err != nil {
		return nil, fmt.Errorf("wifi: read gateway: %w", err)
	}
	data, err := cfg.GetProperty(nmIP4Iface + ".AddressData")
	if err != nil {
		return nil, fmt.Errorf("wifi: read addresses: %w", err)
	}
	return parseIP4Config(gw.Value(), data.Value())
}

func parseIP4Config(gw, data any) (*IPSettings, error) {
	gwStr, _ := gw.(string)
	gateway, err := netip.ParseAddr(gwStr)
	if err != nil {
		return nil, fmt.Errorf("wifi: parse gateway %q: %w", gwStr, err)
	}
	addrs, _ := data.([]map[string]dbus.Variant)
	if len(addrs) == 0 {
		return nil, errors.New("wifi: no ipv4 address assigned")
	}
	addrStr, _ := addrs[0]["address"].Value().(string)
	prefixLen, _ := addrs[0]["prefix"].Value().(uint32)
	addr, err := netip.ParseAddr(addrStr)
	if err != nil {
		return nil, fmt.Errorf("wifi: parse address %q: %w", addrStr, err)
	}
	return &IPSettings{Address: netip.PrefixFrom(addr, int(prefixLen)), Gateway: gateway}, nil
}

func (n *NetworkManager) Stop(ctx context.Context) error {
	var errs []error
	for _, iface := range []string{n.staIface, n.apIface} {
		dev, err := n.device(ctx, iface)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if call := dev.CallWithContext(ctx, nmDeviceIface+".Disconnect", 0); call.Err != nil {
			errs = append(errs, fmt.Errorf("wifi: disconnect %s: %w", iface, call.Err))
		}
	}
	n.mu.Lock()
	n.staActive, n.apActive = false, false
	n.mu.Unlock()
	return errors.Join(errs...)
}

// Ensure NetworkManager implements Radio
var _ Radio = (*NetworkManager)(nil)

func connectionUUID(role, iface string) string {
	return uuid.NewSHA1(connNamespace, []byte(role+"/"+iface)).String()
}

func stationSettings(iface string, c ClientConfiguration) map[string]map[string]dbus.Variant {
	wireless := map[string]dbus.Variant{
		"ssid": dbus.MakeVariant([]byte(c.SSID)),
		"mode": dbus.MakeVariant("infrastructure"),
	}
	if c.Channel != nil {
		wireless["channel"] = dbus.MakeVariant(uint32(*c.Channel))
		wireless["band"] = dbus.MakeVariant(bandForChannel(*c.Channel))
	}
	return map[string]map[string]dbus.Variant{
		"connection": {
			"id":             dbus.MakeVariant("bmsnode-sta"),
			"uuid":           dbus.MakeVariant(connectionUUID("sta", iface)),
			"type":           dbus.MakeVariant("802-11-wireless"),
			"interface-name": dbus.MakeVariant(iface),
			"autoconnect":    dbus.MakeVariant(false),
		},
		"802-11-wireless": wireless,
		"802-11-wireless-security": {
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(c.Password),
		},
		"ipv4": {"method": dbus.MakeVariant("auto")},
		"ipv6": {"method": dbus.MakeVariant("ignore")},
	}
}

func apSettings(iface string, c AccessPointConfiguration) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		"connection": {
			"id":             dbus.MakeVariant("bmsnode-ap"),
			"uuid":           dbus.MakeVariant(connectionUUID("ap", iface)),
			"type":           dbus.MakeVariant("802-11-wireless"),
			"interface-name": dbus.MakeVariant(iface),
			"autoconnect":    dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid":    dbus.MakeVariant([]byte(c.SSID)),
			"mode":    dbus.MakeVariant("ap"),
			"band":    dbus.MakeVariant(bandForChannel(c.Channel)),
			"channel": dbus.MakeVariant(uint32(c.Channel)),
		},
		"802-11-wireless-security": {
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(c.Password),
		},
		"ipv4": {"method": dbus.MakeVariant("shared")},
		"ipv6": {"method": dbus.MakeVariant("ignore")},
	}
}

// channelForFrequency converts a centre frequency in MHz to a channel
// number. Unknown bands map to 0.
func channelForFrequency(mhz uint32) uint8 {
	switch {
	case mhz == 2484:
		return 14
	case mhz >= 2412 && mhz < 2484:
		return uint8((mhz - 2407) / 5)
	case mhz >= 5000 && mhz <= 5900:
		return uint8((mhz - 5000) / 5)
	default:
		return 0
	}
}

func bandForChannel(ch uint8) string {
	if ch > 14 {
		return "a"
	}
	return "bg"
}

// percentToDBm approximates RSSI from NetworkManager's 0-100 quality.
func percentToDBm(pct byte) int8 {
	if pct > 100 {
		pct = 100
	}
	return int8(int(pct)/2 - 100)
}
