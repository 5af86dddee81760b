// Package maintenance provides background goroutines for the node: an
// uptime heartbeat, wireless link monitoring and broker reachability checks.
package maintenance

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/micro-nova/bmsnode/internal/config"
	"github.com/micro-nova/bmsnode/internal/wifi"
)

// dialFunc is a variable so tests can inject a mock dialer.
var dialFunc = func(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

const (
	defaultHeartbeat   = time.Minute
	defaultLinkCheck   = 10 * time.Second
	defaultBrokerCheck = 5 * time.Minute
	brokerDialTimeout  = 3 * time.Second
)

// Service manages background maintenance goroutines.
type Service struct {
	started  time.Time
	radio    wifi.StatusReader
	settings *config.Settings
	onLink   func(wifi.Status) // callback when the link summary changes
	onBroker func(bool)        // callback when broker reachability changes

	HeartbeatInterval time.Duration
	LinkInterval      time.Duration
	BrokerInterval    time.Duration

	lastKind   wifi.Kind
	linkSeen   bool
	lastBroker bool
	brokerSeen bool
}

// New creates a maintenance Service. radio may be nil when no link was
// brought up.
func New(started time.Time, radio wifi.StatusReader, settings *config.Settings, onLink func(wifi.Status), onBroker func(bool)) *Service {
	return &Service{
		started:           started,
		radio:             radio,
		settings:          settings,
		onLink:            onLink,
		onBroker:          onBroker,
		HeartbeatInterval: defaultHeartbeat,
		LinkInterval:      defaultLinkCheck,
		BrokerInterval:    defaultBrokerCheck,
	}
}

// Start launches all background maintenance goroutines.
// Blocks until ctx is cancelled and every goroutine has returned.
func (s *Service) Start(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error { return s.every(ctx, s.HeartbeatInterval, s.heartbeat) })
	if s.radio != nil {
		g.Go(func() error { return s.every(ctx, s.LinkInterval, func() { s.checkLink(ctx) }) })
	}
	if s.settings != nil {
		g.Go(func() error { return s.every(ctx, s.BrokerInterval, s.checkBroker) })
	}
	_ = g.Wait()
}

func (s *Service) every(ctx context.Context, interval time.Duration, fn func()) error {
	fn() // immediate first run

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// Uptime returns the time since start, truncated to seconds.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.started).Truncate(time.Second)
}

func (s *Service) heartbeat() {
	slog.Info("maintenance: uptime", "uptime", s.Uptime().String())
}

// checkLink reads the radio status and reports changes in its summary.
func (s *Service) checkLink(ctx context.Context) {
	st, err := s.radio.Status(ctx)
	if err != nil {
		slog.Warn("maintenance: failed to read link status", "err", err)
		return
	}
	kind := st.Kind()
	if s.linkSeen && kind == s.lastKind {
		return
	}
	s.linkSeen = true
	s.lastKind = kind
	slog.Info("maintenance: link status", "status", kind.String(), "detail", st.String())
	if s.onLink != nil {
		s.onLink(st)
	}
}

// checkBroker dials the configured MQTT broker. No broker configured is
// reported as unreachable.
func (s *Service) checkBroker() {
	addr := brokerAddress(s.settings.Snapshot().MQTT)
	reachable := false
	if addr != "" {
		conn, err := dialFunc("tcp", addr, brokerDialTimeout)
		reachable = err == nil
		if conn != nil {
			conn.Close()
		}
		if err != nil {
			slog.Debug("maintenance: broker dial failed", "addr", addr, "err", err)
		}
	}

	if s.brokerSeen && reachable == s.lastBroker {
		return
	}
	s.brokerSeen = true
	s.lastBroker = reachable
	slog.Info("maintenance: broker reachability", "addr", addr, "reachable", reachable)
	if s.onBroker != nil {
		s.onBroker(reachable)
	}
}

// brokerAddress returns host:port for the broker, defaulting the port to
// 1883. It accepts "host", "host:port" and "mqtt://host[:port]".
func brokerAddress(m config.MQTTSettings) string {
	addr := strings.TrimSpace(m.Address)
	for _, scheme := range []string{"mqtt://", "tcp://"} {
		addr = strings.TrimPrefix(addr, scheme)
	}
	if addr == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "1883")
	}
	return addr
}
