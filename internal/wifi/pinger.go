package wifi

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	defaultPingCount    = 5
	defaultPingTimeout  = time.Second
	defaultPingInterval = 200 * time.Millisecond

	protocolICMP = 1
)

// ICMPPinger sends ICMP echo requests over an unprivileged datagram socket
// (net.ipv4.ping_group_range must include the process group).
type ICMPPinger struct {
	Count    int
	Timeout  time.Duration
	Interval time.Duration
}

// NewICMPPinger returns a pinger sending five probes one second apart at most.
func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{
		Count:    defaultPingCount,
		Timeout:  defaultPingTimeout,
		Interval: defaultPingInterval,
	}
}

func (p *ICMPPinger) Ping(ctx context.Context, addr netip.Addr) (PingSummary, error) {
	var sum PingSummary
	if !addr.Is4() {
		return sum, fmt.Errorf("wifi: ping %s: only IPv4 is supported", addr)
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return sum, fmt.Errorf("wifi: open icmp socket: %w", err)
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IP(addr.AsSlice())}
	id := os.Getpid() & 0xffff
	buf := make([]byte, 1500)

	for seq := 1; seq <= p.Count; seq++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Code: 0,
			Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("bmsnode")},
		}
		wb, err := msg.Marshal(nil)
		if err != nil {
			return sum, err
		}
		if _, err := conn.WriteTo(wb, dst); err != nil {
			return sum, fmt.Errorf("wifi: send echo: %w", err)
		}
		sum.Transmitted++

		if p.awaitReply(conn, buf, seq) {
			sum.Received++
		}
		if seq < p.Count {
			time.Sleep(p.Interval)
		}
	}
	return sum, nil
}

// awaitReply reads until the echo reply for seq arrives or the timeout expires.
func (p *ICMPPinger) awaitReply(conn *icmp.PacketConn, buf []byte, seq int) bool {
	if err := conn.SetReadDeadline(time.Now().Add(p.Timeout)); err != nil {
		return false
	}
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return false
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// The kernel rewrites the echo ID on datagram sockets; match on Seq.
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return true
		}
	}
}

// Ensure ICMPPinger implements Pinger
var _ Pinger = (*ICMPPinger)(nil)
