package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd

	etherHeaderLen = 14
	ipv4HeaderLen  = 20
	ipv6HeaderLen  = 40
	udpHeaderLen   = 8

	protoUDP    = 17
	protoICMPv6 = 58
)

// DHCP UDP ports.
const (
	DHCPv4ServerPort = 67
	DHCPv4ClientPort = 68
	DHCPv6ServerPort = 547
	DHCPv6ClientPort = 546
)

// AllDHCPServersMulticast is ff02::1:2, the All_DHCP_Relay_Agents_and_Servers
// group DHCPv6 clients transmit to.
var AllDHCPServersMulticast = netip.MustParseAddr("ff02::1:2")

// BuildDHCPv4Frame wraps a DHCPv4 message in Ethernet+IPv4+UDP
// (client port 68 to server port 67). The IPv4 UDP checksum is left zero,
// which RFC 768 permits.
func BuildDHCPv4Frame(srcMAC, dstMAC net.HardwareAddr, src, dst netip.Addr, payload []byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	frame := make([]byte, etherHeaderLen+ipv4HeaderLen+udpLen)

	// Ethernet header
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], srcMAC)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)

	// IPv4 header
	ip := frame[etherHeaderLen:]
	ip[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipv4HeaderLen+udpLen))
	ip[8] = 64 // TTL
	ip[9] = protoUDP
	s := src.As4()
	d := dst.As4()
	copy(ip[12:16], s[:])
	copy(ip[16:20], d[:])
	binary.BigEndian.PutUint16(ip[10:12], ipv4HeaderChecksum(ip[:ipv4HeaderLen]))

	// UDP header, checksum 0
	udp := ip[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], DHCPv4ClientPort)
	binary.BigEndian.PutUint16(udp[2:4], DHCPv4ServerPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[udpHeaderLen:], payload)

	return frame
}

// ParseDHCPv4Frame extracts the DHCPv4 payload from an Ethernet+IPv4+UDP
// frame addressed to the client port. The source IP is returned so renew
// unicasts can be validated against the server identifier.
func ParseDHCPv4Frame(frame []byte) (payload []byte, src netip.Addr, err error) {
	if len(frame) < etherHeaderLen+ipv4HeaderLen+udpHeaderLen {
		return nil, netip.Addr{}, fmt.Errorf("dhcp4: frame too short: %d bytes", len(frame))
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeIPv4 {
		return nil, netip.Addr{}, fmt.Errorf("dhcp4: not an IPv4 ethertype")
	}
	ip := frame[etherHeaderLen:]
	if ip[0]>>4 != 4 {
		return nil, netip.Addr{}, fmt.Errorf("dhcp4: not IPv4")
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || len(ip) < ihl+udpHeaderLen {
		return nil, netip.Addr{}, fmt.Errorf("dhcp4: truncated IPv4 header")
	}
	if ip[9] != protoUDP {
		return nil, netip.Addr{}, fmt.Errorf("dhcp4: not UDP")
	}
	// Fragments other than the first carry no UDP header.
	if binary.BigEndian.Uint16(ip[6:8])&0x1fff != 0 {
		return nil, netip.Addr{}, fmt.Errorf("dhcp4: IPv4 fragment")
	}

	udp := ip[ihl:]
	if binary.BigEndian.Uint16(udp[2:4]) != DHCPv4ClientPort {
		return nil, netip.Addr{}, fmt.Errorf("dhcp4: not addressed to client port")
	}
	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < udpHeaderLen || udpLen > len(udp) {
		return nil, netip.Addr{}, fmt.Errorf("dhcp4: bad UDP length %d", udpLen)
	}

	var sa [4]byte
	copy(sa[:], ip[12:16])
	return udp[udpHeaderLen:udpLen], netip.AddrFrom4(sa), nil
}

// BuildDHCPv6Frame wraps a DHCPv6 message in Ethernet+IPv6+UDP
// (client port 546 to server port 547). IPv6 requires the UDP checksum.
func BuildDHCPv6Frame(srcMAC, dstMAC net.HardwareAddr, src, dst netip.Addr, payload []byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	frame := make([]byte, etherHeaderLen+ipv6HeaderLen+udpLen)

	writeEthernetIPv6(frame, srcMAC, dstMAC, src, dst, protoUDP, 64, udpLen)

	udp := frame[etherHeaderLen+ipv6HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], DHCPv6ClientPort)
	binary.BigEndian.PutUint16(udp[2:4], DHCPv6ServerPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[udpHeaderLen:], payload)
	binary.BigEndian.PutUint16(udp[6:8], udpv6Checksum(src, dst, udp))

	return frame
}

// ParseDHCPv6Frame extracts the DHCPv6 payload from an Ethernet+IPv6+UDP
// frame addressed to the client port.
func ParseDHCPv6Frame(frame []byte) (payload []byte, src netip.Addr, err error) {
	ipPayload, src, _, next, err := parseIPv6(frame)
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("dhcp6: %w", err)
	}
	if next != protoUDP {
		return nil, netip.Addr{}, fmt.Errorf("dhcp6: not UDP")
	}
	if len(ipPayload) < udpHeaderLen {
		return nil, netip.Addr{}, fmt.Errorf("dhcp6: truncated UDP header")
	}
	if binary.BigEndian.Uint16(ipPayload[2:4]) != DHCPv6ClientPort {
		return nil, netip.Addr{}, fmt.Errorf("dhcp6: not addressed to client port")
	}
	udpLen := int(binary.BigEndian.Uint16(ipPayload[4:6]))
	if udpLen < udpHeaderLen || udpLen > len(ipPayload) {
		return nil, netip.Addr{}, fmt.Errorf("dhcp6: bad UDP length %d", udpLen)
	}
	return ipPayload[udpHeaderLen:udpLen], src, nil
}

// BuildNDFrame wraps a marshaled ICMPv6 ND message in Ethernet+IPv6 with
// hop limit 255 as RFC 4861 requires.
func BuildNDFrame(srcMAC, dstMAC net.HardwareAddr, src, dst netip.Addr, icmp []byte) []byte {
	frame := make([]byte, etherHeaderLen+ipv6HeaderLen+len(icmp))
	writeEthernetIPv6(frame, srcMAC, dstMAC, src, dst, protoICMPv6, 255, len(icmp))
	copy(frame[etherHeaderLen+ipv6HeaderLen:], icmp)
	return frame
}

// ParseNDFrame extracts the ICMPv6 payload and addresses from an
// Ethernet+IPv6 frame. RFC 4861 discards ND messages whose hop limit is
// not 255; frames with IPv6 extension headers are rejected rather than
// walked.
func ParseNDFrame(frame []byte) (icmp []byte, src, dst netip.Addr, err error) {
	payload, src, dst, next, err := parseIPv6(frame)
	if err != nil {
		return nil, netip.Addr{}, netip.Addr{}, fmt.Errorf("nd: %w", err)
	}
	if next != protoICMPv6 {
		return nil, netip.Addr{}, netip.Addr{}, fmt.Errorf("nd: next header %d, not ICMPv6", next)
	}
	if frame[etherHeaderLen+7] != 255 {
		return nil, netip.Addr{}, netip.Addr{}, fmt.Errorf("nd: hop limit %d, not 255", frame[etherHeaderLen+7])
	}
	return payload, src, dst, nil
}

func writeEthernetIPv6(frame []byte, srcMAC, dstMAC net.HardwareAddr, src, dst netip.Addr, next uint8, hopLimit uint8, payloadLen int) {
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], srcMAC)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv6)

	ip := frame[etherHeaderLen:]
	ip[0] = 6 << 4
	binary.BigEndian.PutUint16(ip[4:6], uint16(payloadLen))
	ip[6] = next
	ip[7] = hopLimit
	s := src.As16()
	d := dst.As16()
	copy(ip[8:24], s[:])
	copy(ip[24:40], d[:])
}

func parseIPv6(frame []byte) (payload []byte, src, dst netip.Addr, next uint8, err error) {
	if len(frame) < etherHeaderLen+ipv6HeaderLen {
		return nil, netip.Addr{}, netip.Addr{}, 0, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeIPv6 {
		return nil, netip.Addr{}, netip.Addr{}, 0, fmt.Errorf("not an IPv6 ethertype")
	}
	ip := frame[etherHeaderLen:]
	if ip[0]>>4 != 6 {
		return nil, netip.Addr{}, netip.Addr{}, 0, fmt.Errorf("not IPv6")
	}
	payloadLen := int(binary.BigEndian.Uint16(ip[4:6]))
	if payloadLen > len(ip)-ipv6HeaderLen {
		return nil, netip.Addr{}, netip.Addr{}, 0, fmt.Errorf("truncated payload: %d > %d", payloadLen, len(ip)-ipv6HeaderLen)
	}

	var sa, da [16]byte
	copy(sa[:], ip[8:24])
	copy(da[:], ip[24:40])
	return ip[ipv6HeaderLen : ipv6HeaderLen+payloadLen], netip.AddrFrom16(sa), netip.AddrFrom16(da), ip[6], nil
}

// udpv6Checksum computes the mandatory UDP checksum over the IPv6
// pseudo-header. An all-zero result is transmitted as 0xffff.
func udpv6Checksum(src, dst netip.Addr, udp []byte) uint16 {
	sum := pseudoHeaderChecksum(src, dst, protoUDP, udp)
	if sum == 0 {
		sum = 0xffff
	}
	return sum
}

// ipv4HeaderChecksum computes the IPv4 header checksum with the checksum
// field treated as zero.
func ipv4HeaderChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i < len(hdr)-1; i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(hdr[i])<<8 | uint32(hdr[i+1])
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
