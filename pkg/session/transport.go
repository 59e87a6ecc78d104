package session

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/psaab/ipprov/pkg/dhcp6"
	"github.com/psaab/ipprov/pkg/packet"
	"github.com/psaab/ipprov/pkg/rawsock"
)

// RawTransport multiplexes the three per-ethertype raw sockets a session
// needs. Outgoing frames are routed by their ethertype; incoming frames
// are posted to the session's event queue by per-socket read loops.
type RawTransport struct {
	iface string
	arp   rawsock.Conn
	ip4   rawsock.Conn
	ip6   rawsock.Conn
	log   *slog.Logger
}

// DialRaw opens the ARP, IPv4, and IPv6 sockets on iface and joins the
// multicast groups a provisioning client listens on.
func DialRaw(iface string, log *slog.Logger) (*RawTransport, error) {
	arp, err := rawsock.Listen(iface, rawsock.ProtoARP)
	if err != nil {
		return nil, fmt.Errorf("arp socket: %w", err)
	}
	ip4, err := rawsock.Listen(iface, rawsock.ProtoIPv4)
	if err != nil {
		arp.Close()
		return nil, fmt.Errorf("ipv4 socket: %w", err)
	}
	ip6, err := rawsock.Listen(iface, rawsock.ProtoIPv6)
	if err != nil {
		arp.Close()
		ip4.Close()
		return nil, fmt.Errorf("ipv6 socket: %w", err)
	}

	mac := ip6.HardwareAddr()
	groups := []net.HardwareAddr{
		packet.MulticastMAC(packet.AllNodesMulticast),
		packet.MulticastMAC(packet.SolicitedNodeMulticast(dhcp6.LinkLocalFromMAC(mac))),
	}
	for _, g := range groups {
		if err := ip6.JoinMulticast(g); err != nil {
			log.Warn("transport: multicast join failed",
				"event", "MCAST_JOIN_ERROR", "iface", iface, "group", g.String(), "err", err)
		}
	}

	return &RawTransport{iface: iface, arp: arp, ip4: ip4, ip6: ip6, log: log}, nil
}

// Attach starts the read loops feeding s. It returns immediately.
func (t *RawTransport) Attach(s *Session) {
	run := func(c rawsock.Conn, proto int) {
		if err := rawsock.ReadLoop(c, func(frame []byte, src net.HardwareAddr) {
			s.OnFrame(proto, frame, src)
		}); err != nil {
			t.log.Warn("transport: read loop ended",
				"event", "READ_ERROR", "iface", t.iface, "err", err)
		}
	}
	go run(t.arp, rawsock.ProtoARP)
	go run(t.ip4, rawsock.ProtoIPv4)
	go run(t.ip6, rawsock.ProtoIPv6)
}

// Send routes a frame to the socket matching its ethertype.
func (t *RawTransport) Send(frame []byte, dst net.HardwareAddr) {
	if len(frame) < 14 {
		return
	}
	var c rawsock.Conn
	switch binary.BigEndian.Uint16(frame[12:14]) {
	case 0x0806:
		c = t.arp
	case 0x0800:
		c = t.ip4
	case 0x86dd:
		c = t.ip6
	default:
		return
	}
	if err := c.WriteTo(frame, dst); err != nil {
		t.log.Warn("transport: send failed",
			"event", "SEND_ERROR", "iface", t.iface, "err", err)
	}
}

// Close tears all three sockets down, stopping the read loops.
func (t *RawTransport) Close() {
	t.arp.Close()
	t.ip4.Close()
	t.ip6.Close()
}
