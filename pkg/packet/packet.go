// Package packet implements the wire codecs used by the provisioning
// engine: ARP probe/announce frames, ICMPv6 Neighbor Discovery messages
// with their options (PIO, RDNSS, MTU, SLLA/TLLA, PREF64), and typed
// extraction of DHCPv4 leases and DHCPv6 prefix delegations on top of the
// insomniacslk/dhcp message framing.
//
// Codecs are pure: bytes in, typed structures out. Malformed input yields
// a decode error, never a panic.
package packet

import (
	"net"
	"net/netip"
)

// EthernetBroadcast is the all-ones link-layer address.
var EthernetBroadcast = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// AllRoutersMulticast is the all-routers link-local multicast group ff02::2.
var AllRoutersMulticast = netip.MustParseAddr("ff02::2")

// AllNodesMulticast is the all-nodes link-local multicast group ff02::1.
var AllNodesMulticast = netip.MustParseAddr("ff02::1")

// SolicitedNodeMulticast returns the solicited-node multicast group
// ff02::1:ffXX:XXXX for an IPv6 address (RFC 4291 §2.7.1).
func SolicitedNodeMulticast(addr netip.Addr) netip.Addr {
	a := addr.As16()
	var g [16]byte
	g[0] = 0xff
	g[1] = 0x02
	g[11] = 0x01
	g[12] = 0xff
	g[13] = a[13]
	g[14] = a[14]
	g[15] = a[15]
	return netip.AddrFrom16(g)
}

// MulticastMAC maps an IPv6 multicast group to its Ethernet destination
// address 33:33 followed by the low 32 bits of the group.
func MulticastMAC(group netip.Addr) net.HardwareAddr {
	g := group.As16()
	return net.HardwareAddr{0x33, 0x33, g[12], g[13], g[14], g[15]}
}

// icmpv6Checksum computes the ICMPv6 checksum over the pseudo-header
// (src, dst, length, next-header 58) and the ICMPv6 payload.
func icmpv6Checksum(src, dst netip.Addr, payload []byte) uint16 {
	return pseudoHeaderChecksum(src, dst, 58, payload)
}

// pseudoHeaderChecksum computes the ones-complement checksum over an IPv6
// pseudo-header and the given payload. Used for ICMPv6 (58) and UDP (17).
func pseudoHeaderChecksum(src, dst netip.Addr, nextHeader uint8, payload []byte) uint16 {
	var sum uint32

	s := src.As16()
	d := dst.As16()
	for i := 0; i < 16; i += 2 {
		sum += uint32(s[i])<<8 | uint32(s[i+1])
		sum += uint32(d[i])<<8 | uint32(d[i+1])
	}
	sum += uint32(len(payload))
	sum += uint32(nextHeader)

	sum += payloadSum(payload)

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

func payloadSum(payload []byte) uint32 {
	var sum uint32
	for i := 0; i < len(payload)-1; i += 2 {
		sum += uint32(payload[i])<<8 | uint32(payload[i+1])
	}
	if len(payload)%2 != 0 {
		sum += uint32(payload[len(payload)-1]) << 8
	}
	return sum
}
