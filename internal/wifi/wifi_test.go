package wifi_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/micro-nova/bmsnode/internal/config"
	"github.com/micro-nova/bmsnode/internal/wifi"
)

func strp(s string) *string { return &s }
func u8p(v uint8) *uint8    { return &v }

func station(ssid, pass *string) config.Station {
	return config.Station{Wifi: config.Wifi{Key: config.KeyStation, SSID: ssid, Pass: pass}}
}

func accessPoint() config.AccessPoint {
	return config.AccessPoint{Wifi: config.Wifi{
		Key:     config.KeyAccessPoint,
		SSID:    strp("bmsnode"),
		Pass:    strp("bmsnode-setup"),
		Channel: u8p(1),
	}}
}

func newManager(radio *wifi.Mock, pinger *wifi.MockPinger) *wifi.Manager {
	m := wifi.NewManager(radio, pinger)
	m.StatusTimeout = 200 * time.Millisecond
	return m
}

func connected() wifi.Status {
	return wifi.Status{
		Client: wifi.ClientConnected,
		IP: &wifi.IPSettings{
			Address: netip.MustParsePrefix("10.0.0.20/24"),
			Gateway: netip.MustParseAddr("10.0.0.1"),
		},
		AP: wifi.APStarted,
	}
}

// --- SelectMode ---

func TestSelectMode(t *testing.T) {
	tests := []struct {
		name string
		sta  config.Station
		want wifi.Mode
	}{
		{"both set", station(strp("home"), strp("secret")), wifi.ModeMixed},
		{"no pass", station(strp("home"), nil), wifi.ModeAccessPoint},
		{"no ssid", station(nil, strp("secret")), wifi.ModeAccessPoint},
		{"neither", station(nil, nil), wifi.ModeAccessPoint},
		{"empty strings still count", station(strp(""), strp("")), wifi.ModeMixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wifi.SelectMode(tt.sta); got != tt.want {
				t.Errorf("SelectMode() = %s, want %s", got, tt.want)
			}
		})
	}
}

// --- Mixed mode ---

func TestBringUp_MixedScansBeforeConfiguring(t *testing.T) {
	radio := wifi.NewMock(
		wifi.AccessPointInfo{SSID: "neighbour", Channel: 11, SignalStrength: -80},
		wifi.AccessPointInfo{SSID: "home", Channel: 6, SignalStrength: -40},
	)
	pinger := wifi.NewMockPinger()

	link, err := newManager(radio, pinger).BringUp(context.Background(), station(strp("home"), strp("secret")), accessPoint())
	if err != nil {
		t.Fatalf("BringUp() error = %v", err)
	}
	if link.Mode != wifi.ModeMixed {
		t.Errorf("Mode = %s, want mixed", link.Mode)
	}
	if radio.Scans() != 1 {
		t.Errorf("Scans = %d, want 1", radio.Scans())
	}

	cfgs := radio.Configurations()
	if len(cfgs) != 1 {
		t.Fatalf("configurations = %d, want 1", len(cfgs))
	}
	cfg := cfgs[0]
	if cfg.Client == nil || cfg.Client.SSID != "home" || cfg.Client.Password != "secret" {
		t.Fatalf("client = %+v", cfg.Client)
	}
	if cfg.Client.Channel == nil || *cfg.Client.Channel != 6 {
		t.Errorf("client channel = %v, want 6", cfg.Client.Channel)
	}
	if cfg.AP.SSID != "bmsnode" || cfg.AP.Channel != 1 {
		t.Errorf("ap = %+v", cfg.AP)
	}

	targets := pinger.Targets()
	if len(targets) != 1 || targets[0] != netip.MustParseAddr("192.168.1.1") {
		t.Errorf("ping targets = %v, want [192.168.1.1]", targets)
	}
}

func TestBringUp_MixedSubstringMatch(t *testing.T) {
	radio := wifi.NewMock(wifi.AccessPointInfo{SSID: "home-5G", Channel: 36, SignalStrength: -50})

	link, err := newManager(radio, wifi.NewMockPinger()).BringUp(context.Background(), station(strp("home"), strp("secret")), accessPoint())
	if err != nil {
		t.Fatalf("BringUp() error = %v", err)
	}
	if link.Channel == nil || *link.Channel != 36 {
		t.Errorf("channel = %v, want 36", link.Channel)
	}
}

func TestBringUp_MixedNetworkNotVisible(t *testing.T) {
	radio := wifi.NewMock(wifi.AccessPointInfo{SSID: "other", Channel: 3})

	link, err := newManager(radio, wifi.NewMockPinger()).BringUp(context.Background(), station(strp("home"), strp("secret")), accessPoint())
	if err != nil {
		t.Fatalf("BringUp() error = %v", err)
	}
	if link.Channel != nil {
		t.Errorf("channel = %d, want nil", *link.Channel)
	}
	if cfg := radio.Configurations()[0]; cfg.Client.Channel != nil {
		t.Errorf("client channel = %d, want nil", *cfg.Client.Channel)
	}
}

func TestBringUp_MixedWaitsThroughTransitional(t *testing.T) {
	radio := wifi.NewMock()
	radio.SetScript(
		wifi.Status{Client: wifi.ClientConnecting, AP: wifi.APStarting},
		wifi.Status{Client: wifi.ClientObtainingIP, AP: wifi.APStarted},
		connected(),
	)
	pinger := wifi.NewMockPinger()

	link, err := newManager(radio, pinger).BringUp(context.Background(), station(strp("home"), strp("secret")), accessPoint())
	if err != nil {
		t.Fatalf("BringUp() error = %v", err)
	}
	if link.Status.IP == nil || link.Status.IP.Gateway != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("status = %s", link.Status)
	}
	if targets := pinger.Targets(); len(targets) != 1 || targets[0] != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("ping targets = %v", targets)
	}
}

func TestBringUp_MixedClientFailed(t *testing.T) {
	radio := wifi.NewMock()
	radio.SetScript(wifi.Status{Client: wifi.ClientFailed, AP: wifi.APStarted})
	pinger := wifi.NewMockPinger()

	_, err := newManager(radio, pinger).BringUp(context.Background(), station(strp("home"), strp("wrong")), accessPoint())
	var le *wifi.LinkError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want *LinkError", err)
	}
	if le.Stage != "status" || le.Mode != wifi.ModeMixed {
		t.Errorf("LinkError = %+v", le)
	}
	if le.Status.Client != wifi.ClientFailed {
		t.Errorf("captured status = %s", le.Status)
	}
	if len(pinger.Targets()) != 0 {
		t.Error("pinged despite failed station")
	}
}

func TestBringUp_MixedRequiresAccessPointStarted(t *testing.T) {
	radio := wifi.NewMock()
	st := connected()
	st.AP = wifi.APFailed
	radio.SetScript(st)

	_, err := newManager(radio, wifi.NewMockPinger()).BringUp(context.Background(), station(strp("home"), strp("secret")), accessPoint())
	var le *wifi.LinkError
	if !errors.As(err, &le) || le.Stage != "status" {
		t.Fatalf("error = %v, want status LinkError", err)
	}
}

func TestBringUp_MixedTimeout(t *testing.T) {
	radio := wifi.NewMock()
	radio.SetScript(wifi.Status{Client: wifi.ClientConnecting, AP: wifi.APStarted})

	_, err := newManager(radio, wifi.NewMockPinger()).BringUp(context.Background(), station(strp("home"), strp("secret")), accessPoint())
	var le *wifi.LinkError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want *LinkError", err)
	}
	if le.Stage != "wait" {
		t.Errorf("stage = %q, want wait", le.Stage)
	}
	if !errors.Is(err, wifi.ErrStatusTimeout) {
		t.Errorf("error = %v, want ErrStatusTimeout", err)
	}
	if le.Status.Client != wifi.ClientConnecting {
		t.Errorf("captured status = %s", le.Status)
	}
}

func TestBringUp_MixedPingLoss(t *testing.T) {
	pinger := wifi.NewMockPinger()
	pinger.Summary = wifi.PingSummary{Transmitted: 5, Received: 4}

	_, err := newManager(wifi.NewMock(), pinger).BringUp(context.Background(), station(strp("home"), strp("secret")), accessPoint())
	var le *wifi.LinkError
	if !errors.As(err, &le) || le.Stage != "ping" {
		t.Fatalf("error = %v, want ping LinkError", err)
	}
}

func TestBringUp_MixedPingNothingSent(t *testing.T) {
	pinger := wifi.NewMockPinger()
	pinger.Summary = wifi.PingSummary{}

	_, err := newManager(wifi.NewMock(), pinger).BringUp(context.Background(), station(strp("home"), strp("secret")), accessPoint())
	if err == nil {
		t.Fatal("BringUp() succeeded with zero probes sent")
	}
}

func TestBringUp_ScanFailure(t *testing.T) {
	radio := wifi.NewMock()
	radio.SetFailScan(true)

	_, err := newManager(radio, wifi.NewMockPinger()).BringUp(context.Background(), station(strp("home"), strp("secret")), accessPoint())
	var le *wifi.LinkError
	if !errors.As(err, &le) || le.Stage != "scan" {
		t.Fatalf("error = %v, want scan LinkError", err)
	}
	if !errors.Is(err, wifi.ErrMock) {
		t.Errorf("error does not wrap driver error: %v", err)
	}
	if len(radio.Configurations()) != 0 {
		t.Error("configured after failed scan")
	}
}

// --- Access point mode ---

func TestBringUp_AccessPointOnly(t *testing.T) {
	radio := wifi.NewMock()
	pinger := wifi.NewMockPinger()
	ap := accessPoint()
	ap.Channel = nil

	link, err := newManager(radio, pinger).BringUp(context.Background(), station(nil, nil), ap)
	if err != nil {
		t.Fatalf("BringUp() error = %v", err)
	}
	if link.Mode != wifi.ModeAccessPoint {
		t.Errorf("Mode = %s", link.Mode)
	}
	if radio.Scans() != 0 {
		t.Errorf("Scans = %d, want 0", radio.Scans())
	}
	cfg := radio.Configurations()[0]
	if cfg.Client != nil {
		t.Errorf("client = %+v, want nil", cfg.Client)
	}
	if cfg.AP.Channel != config.DefaultAPChannel {
		t.Errorf("AP channel = %d, want default %d", cfg.AP.Channel, config.DefaultAPChannel)
	}
	if len(pinger.Targets()) != 0 {
		t.Error("pinged in access point mode")
	}
}

func TestBringUp_AccessPointFailed(t *testing.T) {
	radio := wifi.NewMock()
	radio.SetScript(wifi.Status{AP: wifi.APFailed})

	_, err := newManager(radio, wifi.NewMockPinger()).BringUp(context.Background(), station(nil, nil), accessPoint())
	var le *wifi.LinkError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want *LinkError", err)
	}
	if le.Mode != wifi.ModeAccessPoint || le.Status.AP != wifi.APFailed {
		t.Errorf("LinkError = %+v", le)
	}
}

func TestBringUp_AccessPointConfigureFailure(t *testing.T) {
	radio := wifi.NewMock()
	radio.SetFailConfigure(true)

	_, err := newManager(radio, wifi.NewMockPinger()).BringUp(context.Background(), station(nil, nil), accessPoint())
	var le *wifi.LinkError
	if !errors.As(err, &le) || le.Stage != "configure" {
		t.Fatalf("error = %v, want configure LinkError", err)
	}
}

func TestBringUp_AccessPointMissingCredentialsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for access point without ssid")
		}
	}()
	ap := accessPoint()
	ap.SSID = nil
	newManager(wifi.NewMock(), wifi.NewMockPinger()).BringUp(context.Background(), station(nil, nil), ap)
}

// --- Scan ---

func TestScan_SortedBySignal(t *testing.T) {
	radio := wifi.NewMock(
		wifi.AccessPointInfo{SSID: "a", SignalStrength: -70},
		wifi.AccessPointInfo{SSID: "b", SignalStrength: -30},
		wifi.AccessPointInfo{SSID: "c", SignalStrength: -90},
	)
	infos, err := newManager(radio, wifi.NewMockPinger()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	got := []string{infos[0].SSID, infos[1].SSID, infos[2].SSID}
	if got[0] != "b" || got[1] != "a" || got[2] != "c" {
		t.Errorf("order = %v, want [b a c]", got)
	}
}

// --- Status ---

func TestStatusKind(t *testing.T) {
	tests := []struct {
		name string
		st   wifi.Status
		want wifi.Kind
	}{
		{"connecting", wifi.Status{Client: wifi.ClientConnecting, AP: wifi.APStarted}, wifi.KindTransitional},
		{"ap starting", wifi.Status{AP: wifi.APStarting}, wifi.KindTransitional},
		{"connected", connected(), wifi.KindStationConnected},
		{"connected without ip", wifi.Status{Client: wifi.ClientConnected, AP: wifi.APStarted}, wifi.KindAccessPointStarted},
		{"station failed", wifi.Status{Client: wifi.ClientFailed, AP: wifi.APStarted}, wifi.KindStationFailed},
		{"ap only", wifi.Status{AP: wifi.APStarted}, wifi.KindAccessPointStarted},
		{"ap failed", wifi.Status{AP: wifi.APFailed}, wifi.KindAccessPointFailed},
		{"stopped", wifi.Status{}, wifi.KindStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.Kind(); got != tt.want {
				t.Errorf("Kind() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPollStatus_ParentCancelled(t *testing.T) {
	radio := wifi.NewMock()
	radio.SetScript(wifi.Status{AP: wifi.APStarting})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := wifi.PollStatus(ctx, radio, time.Second, time.Millisecond, wifi.NotTransitional)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
