package wifi

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"
)

// ErrMock is returned by the mock when failure injection is enabled.
var ErrMock = errors.New("wifi: mock failure configured")

// Mock is a thread-safe in-memory radio for tests and development.
//
// Without a scripted status sequence it behaves like a healthy radio: after
// SetConfiguration the station (if configured) connects and the access point
// starts.
type Mock struct {
	mu            sync.Mutex
	networks      []AccessPointInfo
	script        []Status
	status        Status
	configs       []Configuration
	scans         int
	failScan      bool
	failConfigure bool
	stopped       bool
}

// NewMock creates a mock radio that sees the given networks when scanning.
func NewMock(networks ...AccessPointInfo) *Mock {
	return &Mock{networks: networks}
}

// SetScript makes successive Status calls return the given statuses in
// order. The last one repeats.
func (m *Mock) SetScript(statuses ...Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append([]Status(nil), statuses...)
}

// SetFailScan configures Scan to fail.
func (m *Mock) SetFailScan(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failScan = fail
}

// SetFailConfigure configures SetConfiguration to fail.
func (m *Mock) SetFailConfigure(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConfigure = fail
}

// Configurations returns every configuration applied so far.
func (m *Mock) Configurations() []Configuration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Configuration(nil), m.configs...)
}

// Scans returns the number of Scan calls.
func (m *Mock) Scans() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scans
}

// Stopped reports whether Stop has been called.
func (m *Mock) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Mock) Scan(ctx context.Context) ([]AccessPointInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	if m.failScan {
		return nil, ErrMock
	}
	return append([]AccessPointInfo(nil), m.networks...), nil
}

func (m *Mock) SetConfiguration(ctx context.Context, cfg Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failConfigure {
		return ErrMock
	}
	m.configs = append(m.configs, cfg)
	m.stopped = false

	m.status = Status{AP: APStarted}
	if cfg.Client != nil {
		m.status.Client = ClientConnected
		m.status.IP = &IPSettings{
			Address: netip.MustParsePrefix("192.168.1.50/24"),
			Gateway: netip.MustParseAddr("192.168.1.1"),
		}
	}
	return nil
}

func (m *Mock) WaitStatus(ctx context.Context, timeout time.Duration, pred func(Status) bool) error {
	return PollStatus(ctx, m, timeout, time.Millisecond, pred)
}

func (m *Mock) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) > 0 {
		st := m.script[0]
		if len(m.script) > 1 {
			m.script = m.script[1:]
		}
		return st, nil
	}
	return m.status, nil
}

func (m *Mock) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.status = Status{}
	return nil
}

// Ensure Mock implements Radio
var _ Radio = (*Mock)(nil)

// MockPinger answers a fixed number of probes.
type MockPinger struct {
	mu      sync.Mutex
	Summary PingSummary
	Err     error
	targets []netip.Addr
}

// NewMockPinger returns a pinger whose probes are all answered.
func NewMockPinger() *MockPinger {
	return &MockPinger{Summary: PingSummary{Transmitted: 5, Received: 5}}
}

func (p *MockPinger) Ping(ctx context.Context, addr netip.Addr) (PingSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, addr)
	return p.Summary, p.Err
}

// Targets returns every address pinged.
func (p *MockPinger) Targets() []netip.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]netip.Addr(nil), p.targets...)
}

// Ensure MockPinger implements Pinger
var _ Pinger = (*MockPinger)(nil)
