package wifi

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/time/rate"
)

// ErrStatusTimeout is returned when the radio does not settle in time.
var ErrStatusTimeout = errors.New("wifi: timed out waiting for status")

// ClientState is the station interface state.
type ClientState int

const (
	ClientStopped ClientState = iota
	ClientStarting
	ClientConnecting
	ClientObtainingIP
	ClientConnected
	ClientFailed
)

var clientStateNames = [...]string{"stopped", "starting", "connecting", "obtaining-ip", "connected", "failed"}

func (s ClientState) String() string {
	if int(s) < len(clientStateNames) {
		return clientStateNames[s]
	}
	return fmt.Sprintf("client(%d)", int(s))
}

// APState is the access point interface state.
type APState int

const (
	APStopped APState = iota
	APStarting
	APStarted
	APFailed
)

var apStateNames = [...]string{"stopped", "starting", "started", "failed"}

func (s APState) String() string {
	if int(s) < len(apStateNames) {
		return apStateNames[s]
	}
	return fmt.Sprintf("ap(%d)", int(s))
}

// IPSettings is the station's lease.
type IPSettings struct {
	Address netip.Prefix `json:"address"`
	Gateway netip.Addr   `json:"gateway"`
}

// Status is a snapshot of both interfaces. IP is set only while the client
// is connected.
type Status struct {
	Client ClientState `json:"client"`
	IP     *IPSettings `json:"ip,omitempty"`
	AP     APState     `json:"ap"`
}

// Transitional reports whether either interface is still changing state.
func (s Status) Transitional() bool {
	switch s.Client {
	case ClientStarting, ClientConnecting, ClientObtainingIP:
		return true
	}
	return s.AP == APStarting
}

// Kind summarises a status.
type Kind int

const (
	KindTransitional Kind = iota
	KindStationConnected
	KindStationFailed
	KindAccessPointStarted
	KindAccessPointFailed
	KindStopped
)

func (k Kind) String() string {
	switch k {
	case KindTransitional:
		return "transitional"
	case KindStationConnected:
		return "station-connected"
	case KindStationFailed:
		return "station-failed"
	case KindAccessPointStarted:
		return "ap-started"
	case KindAccessPointFailed:
		return "ap-failed"
	default:
		return "stopped"
	}
}

// Kind returns the summary of s. Station state takes precedence over the
// access point because it is the harder half to bring up.
func (s Status) Kind() Kind {
	switch {
	case s.Transitional():
		return KindTransitional
	case s.Client == ClientConnected && s.IP != nil:
		return KindStationConnected
	case s.Client == ClientFailed:
		return KindStationFailed
	case s.AP == APStarted:
		return KindAccessPointStarted
	case s.AP == APFailed:
		return KindAccessPointFailed
	default:
		return KindStopped
	}
}

func (s Status) String() string {
	ip := "none"
	if s.IP != nil {
		ip = s.IP.Address.String() + " via " + s.IP.Gateway.String()
	}
	return fmt.Sprintf("client=%s ip=%s ap=%s", s.Client, ip, s.AP)
}

// NotTransitional is the usual WaitStatus predicate.
func NotTransitional(s Status) bool { return !s.Transitional() }

// StatusReader is the part of a Radio PollStatus needs.
type StatusReader interface {
	Status(ctx context.Context) (Status, error)
}

// PollStatus reads r at most once per interval until pred accepts the
// status. It returns ErrStatusTimeout when timeout elapses first. Drivers
// without an event source implement WaitStatus with it.
func PollStatus(parent context.Context, r StatusReader, timeout, interval time.Duration, pred func(Status) bool) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	var last Status
	for {
		if err := limiter.Wait(ctx); err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			return fmt.Errorf("%w after %s (last %s)", ErrStatusTimeout, timeout, last)
		}
		st, err := r.Status(ctx)
		if err != nil {
			return fmt.Errorf("wifi: read status: %w", err)
		}
		last = st
		if pred(st) {
			return nil
		}
	}
}
