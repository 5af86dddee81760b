// Package zeroconf registers the node's HTTP service over mDNS/DNS-SD so it
// is discoverable on the LAN once the wireless link is up.
package zeroconf

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_http._tcp"

// Service manages mDNS service registration.
type Service struct {
	name   string // instance name / hostname, e.g. "bmsnode"
	port   int
	txt    []string
	ifaces []net.Interface
}

// New creates a zeroconf Service that will advertise name on port with the
// given TXT records.
func New(name string, port int, txt ...string) *Service {
	return &Service{
		name: name,
		port: port,
		txt:  txt,
	}
}

// OnInterfaces restricts the advertisement to the named interfaces. Unknown
// names are skipped with a warning.
func (s *Service) OnInterfaces(names ...string) *Service {
	for _, n := range names {
		iface, err := net.InterfaceByName(n)
		if err != nil {
			slog.Warn("zeroconf: interface not found", "iface", n, "err", err)
			continue
		}
		s.ifaces = append(s.ifaces, *iface)
	}
	return s
}

// TXT returns the TXT records that will be advertised.
func (s *Service) TXT() []string {
	return append([]string(nil), s.txt...)
}

// Start registers the mDNS service and blocks until ctx is cancelled, at which
// point it shuts down the server cleanly.
func (s *Service) Start(ctx context.Context) error {
	// A nil interface list means all interfaces.
	var ifaces []net.Interface
	if len(s.ifaces) > 0 {
		ifaces = s.ifaces
	}

	server, err := zeroconf.Register(s.name, serviceType, "local.", s.port, s.txt, ifaces)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	slog.Info("zeroconf: registered mDNS service",
		"name", s.name,
		"port", s.port,
		"txt", s.txt,
	)

	<-ctx.Done()

	server.Shutdown()
	slog.Info("zeroconf: mDNS service unregistered")
	return nil
}
