package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// ARP opcodes.
const (
	ARPOpRequest = 1
	ARPOpReply   = 2
)

const (
	arpFrameLen = 42 // 14 ethernet + 28 ARP
	etherTypeARP = 0x0806
)

// ARPPacket is a decoded Ethernet+ARP frame for IPv4 over Ethernet.
type ARPPacket struct {
	Op        uint16
	SenderMAC net.HardwareAddr
	SenderIP  netip.Addr
	TargetMAC net.HardwareAddr
	TargetIP  netip.Addr
}

// BuildARPProbe builds an address-conflict-detection probe (RFC 5227
// §2.1): an ARP request with an all-zero sender IP for the candidate
// address, broadcast on the link.
func BuildARPProbe(mac net.HardwareAddr, candidate netip.Addr) []byte {
	return buildARP(mac, EthernetBroadcast[:], ARPOpRequest,
		mac, netip.IPv4Unspecified(),
		make(net.HardwareAddr, 6), candidate)
}

// BuildARPAnnounce builds a gratuitous ARP announcement (RFC 5227 §2.3):
// an ARP request with sender and target IP both set to the claimed
// address.
func BuildARPAnnounce(mac net.HardwareAddr, claimed netip.Addr) []byte {
	return buildARP(mac, EthernetBroadcast[:], ARPOpRequest,
		mac, claimed,
		make(net.HardwareAddr, 6), claimed)
}

func buildARP(srcMAC, dstMAC net.HardwareAddr, op uint16,
	senderMAC net.HardwareAddr, senderIP netip.Addr,
	targetMAC net.HardwareAddr, targetIP netip.Addr) []byte {

	pkt := make([]byte, arpFrameLen)

	// Ethernet header
	copy(pkt[0:6], dstMAC)
	copy(pkt[6:12], srcMAC)
	binary.BigEndian.PutUint16(pkt[12:14], etherTypeARP)

	// ARP header
	binary.BigEndian.PutUint16(pkt[14:16], 1)      // hardware type: Ethernet
	binary.BigEndian.PutUint16(pkt[16:18], 0x0800) // protocol type: IPv4
	pkt[18] = 6                                    // hardware addr len
	pkt[19] = 4                                    // protocol addr len
	binary.BigEndian.PutUint16(pkt[20:22], op)

	copy(pkt[22:28], senderMAC)
	sip := senderIP.As4()
	copy(pkt[28:32], sip[:])
	copy(pkt[32:38], targetMAC)
	tip := targetIP.As4()
	copy(pkt[38:42], tip[:])

	return pkt
}

// ParseARP decodes an Ethernet+ARP frame. Frames for other hardware or
// protocol types return an error.
func ParseARP(frame []byte) (*ARPPacket, error) {
	if len(frame) < arpFrameLen {
		return nil, fmt.Errorf("arp: frame too short: %d bytes", len(frame))
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeARP {
		return nil, fmt.Errorf("arp: not an ARP ethertype")
	}
	if binary.BigEndian.Uint16(frame[14:16]) != 1 || binary.BigEndian.Uint16(frame[16:18]) != 0x0800 {
		return nil, fmt.Errorf("arp: not Ethernet/IPv4 ARP")
	}
	if frame[18] != 6 || frame[19] != 4 {
		return nil, fmt.Errorf("arp: unexpected address lengths %d/%d", frame[18], frame[19])
	}

	p := &ARPPacket{
		Op:        binary.BigEndian.Uint16(frame[20:22]),
		SenderMAC: net.HardwareAddr(append([]byte(nil), frame[22:28]...)),
		TargetMAC: net.HardwareAddr(append([]byte(nil), frame[32:38]...)),
	}
	var sip, tip [4]byte
	copy(sip[:], frame[28:32])
	copy(tip[:], frame[38:42])
	p.SenderIP = netip.AddrFrom4(sip)
	p.TargetIP = netip.AddrFrom4(tip)
	return p, nil
}
