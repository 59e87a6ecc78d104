package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// ICMPv6 ND message types.
const (
	ICMPv6RouterSolicit   = 133
	ICMPv6RouterAdvert    = 134
	ICMPv6NeighborSolicit = 135
	ICMPv6NeighborAdvert  = 136
)

// ND option types.
const (
	optSourceLinkAddr = 1
	optTargetLinkAddr = 2
	optPrefixInfo     = 3
	optMTU            = 5
	optRDNSS          = 25
	optPref64         = 38
)

// NDMessage is implemented by the decoded ND message types.
type NDMessage interface {
	icmpType() uint8
}

// RouterSolicit is an RS message (RFC 4861 §4.1).
type RouterSolicit struct {
	SourceLLA net.HardwareAddr
}

// RouterAdvert is an RA message (RFC 4861 §4.2) with its decoded options.
type RouterAdvert struct {
	CurHopLimit    uint8
	Managed        bool
	Other          bool
	RouterLifetime uint16 // seconds; 0 = not a default router
	ReachableTime  uint32
	RetransTimer   uint32

	SourceLLA net.HardwareAddr
	MTU       uint32 // 0 = option absent
	Prefixes  []PrefixInfo
	RDNSS     []RDNSS
	Pref64    []Pref64
}

// PrefixInfo is a Prefix Information option (RFC 4861 §4.6.2).
type PrefixInfo struct {
	Prefix            netip.Prefix
	OnLink            bool
	Autonomous        bool
	ValidLifetime     uint32 // seconds; 0xffffffff = infinity
	PreferredLifetime uint32
}

// RDNSS is a Recursive DNS Server option (RFC 8106 §5.1).
type RDNSS struct {
	Lifetime uint32 // seconds
	Servers  []netip.Addr
}

// Pref64 is a PREF64 (NAT64 prefix) option (RFC 8781 §4). Prefix is only
// valid when the prefix-length code mapped to a known length.
type Pref64 struct {
	Lifetime uint32 // seconds, 8-second granularity on the wire
	Prefix   netip.Prefix
}

// NeighborSolicit is an NS message (RFC 4861 §4.3).
type NeighborSolicit struct {
	Target    netip.Addr
	SourceLLA net.HardwareAddr
}

// NeighborAdvert is an NA message (RFC 4861 §4.4).
type NeighborAdvert struct {
	Router    bool
	Solicited bool
	Override  bool
	Target    netip.Addr
	TargetLLA net.HardwareAddr
}

func (*RouterSolicit) icmpType() uint8   { return ICMPv6RouterSolicit }
func (*RouterAdvert) icmpType() uint8    { return ICMPv6RouterAdvert }
func (*NeighborSolicit) icmpType() uint8 { return ICMPv6NeighborSolicit }
func (*NeighborAdvert) icmpType() uint8  { return ICMPv6NeighborAdvert }

// pref64PrefixBits maps the RFC 8781 prefix-length code to prefix bits.
var pref64PrefixBits = map[uint8]int{0: 96, 1: 64, 2: 56, 3: 48, 4: 40, 5: 32}

// ParseND decodes an ICMPv6 ND message from the ICMPv6 payload (header
// included) and verifies the checksum against the given IPv6 source and
// destination. Unknown options are skipped; unknown message types return
// an error.
func ParseND(payload []byte, src, dst netip.Addr) (NDMessage, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("ndp: message too short: %d bytes", len(payload))
	}
	if payload[1] != 0 {
		return nil, fmt.Errorf("ndp: nonzero ICMPv6 code %d", payload[1])
	}
	if icmpv6Checksum(src, dst, withZeroChecksum(payload)) != binary.BigEndian.Uint16(payload[2:4]) {
		return nil, fmt.Errorf("ndp: checksum mismatch")
	}

	switch payload[0] {
	case ICMPv6RouterSolicit:
		return parseRouterSolicit(payload)
	case ICMPv6RouterAdvert:
		return parseRouterAdvert(payload)
	case ICMPv6NeighborSolicit:
		return parseNeighborSolicit(payload)
	case ICMPv6NeighborAdvert:
		return parseNeighborAdvert(payload)
	}
	return nil, fmt.Errorf("ndp: unsupported ICMPv6 type %d", payload[0])
}

func withZeroChecksum(payload []byte) []byte {
	b := append([]byte(nil), payload...)
	b[2], b[3] = 0, 0
	return b
}

func parseRouterSolicit(b []byte) (*RouterSolicit, error) {
	rs := &RouterSolicit{}
	err := parseOptions(b[8:], func(typ uint8, body []byte) error {
		if typ == optSourceLinkAddr && len(body) >= 6 {
			rs.SourceLLA = net.HardwareAddr(append([]byte(nil), body[:6]...))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func parseRouterAdvert(b []byte) (*RouterAdvert, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("ndp: RA too short: %d bytes", len(b))
	}
	ra := &RouterAdvert{
		CurHopLimit:    b[4],
		Managed:        b[5]&0x80 != 0,
		Other:          b[5]&0x40 != 0,
		RouterLifetime: binary.BigEndian.Uint16(b[6:8]),
		ReachableTime:  binary.BigEndian.Uint32(b[8:12]),
		RetransTimer:   binary.BigEndian.Uint32(b[12:16]),
	}
	err := parseOptions(b[16:], func(typ uint8, body []byte) error {
		switch typ {
		case optSourceLinkAddr:
			if len(body) >= 6 {
				ra.SourceLLA = net.HardwareAddr(append([]byte(nil), body[:6]...))
			}
		case optMTU:
			if len(body) >= 6 {
				ra.MTU = binary.BigEndian.Uint32(body[2:6])
			}
		case optPrefixInfo:
			if pi, ok := parsePrefixInfo(body); ok {
				ra.Prefixes = append(ra.Prefixes, pi)
			}
		case optRDNSS:
			if r, ok := parseRDNSS(body); ok {
				ra.RDNSS = append(ra.RDNSS, r)
			}
		case optPref64:
			if p, ok := parsePref64(body); ok {
				ra.Pref64 = append(ra.Pref64, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ra, nil
}

// parsePrefixInfo decodes a PIO body (after the type/length bytes).
// A malformed PIO is dropped, not an error: one bad option must not
// discard the rest of the RA.
func parsePrefixInfo(body []byte) (PrefixInfo, bool) {
	if len(body) < 30 {
		return PrefixInfo{}, false
	}
	plen := int(body[0])
	if plen > 128 {
		return PrefixInfo{}, false
	}
	var addr [16]byte
	copy(addr[:], body[14:30])
	return PrefixInfo{
		Prefix:            netip.PrefixFrom(netip.AddrFrom16(addr), plen),
		OnLink:            body[1]&0x80 != 0,
		Autonomous:        body[1]&0x40 != 0,
		ValidLifetime:     binary.BigEndian.Uint32(body[2:6]),
		PreferredLifetime: binary.BigEndian.Uint32(body[6:10]),
	}, true
}

func parseRDNSS(body []byte) (RDNSS, bool) {
	if len(body) < 6+16 {
		return RDNSS{}, false
	}
	r := RDNSS{Lifetime: binary.BigEndian.Uint32(body[2:6])}
	for off := 6; off+16 <= len(body); off += 16 {
		var addr [16]byte
		copy(addr[:], body[off:off+16])
		r.Servers = append(r.Servers, netip.AddrFrom16(addr))
	}
	return r, true
}

// parsePref64 decodes a PREF64 body: 16-bit scaled lifetime (upper 13
// bits seconds/8, lower 3 bits prefix-length code) plus 96 prefix bits.
func parsePref64(body []byte) (Pref64, bool) {
	if len(body) < 14 {
		return Pref64{}, false
	}
	scaled := binary.BigEndian.Uint16(body[0:2])
	bits, ok := pref64PrefixBits[uint8(scaled&0x7)]
	if !ok {
		return Pref64{}, false
	}
	var addr [16]byte
	copy(addr[:12], body[2:14])
	return Pref64{
		Lifetime: uint32(scaled>>3) * 8,
		Prefix:   netip.PrefixFrom(netip.AddrFrom16(addr), bits),
	}, true
}

func parseNeighborSolicit(b []byte) (*NeighborSolicit, error) {
	if len(b) < 24 {
		return nil, fmt.Errorf("ndp: NS too short: %d bytes", len(b))
	}
	var addr [16]byte
	copy(addr[:], b[8:24])
	ns := &NeighborSolicit{Target: netip.AddrFrom16(addr)}
	err := parseOptions(b[24:], func(typ uint8, body []byte) error {
		if typ == optSourceLinkAddr && len(body) >= 6 {
			ns.SourceLLA = net.HardwareAddr(append([]byte(nil), body[:6]...))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ns, nil
}

func parseNeighborAdvert(b []byte) (*NeighborAdvert, error) {
	if len(b) < 24 {
		return nil, fmt.Errorf("ndp: NA too short: %d bytes", len(b))
	}
	var addr [16]byte
	copy(addr[:], b[8:24])
	na := &NeighborAdvert{
		Router:    b[4]&0x80 != 0,
		Solicited: b[4]&0x40 != 0,
		Override:  b[4]&0x20 != 0,
		Target:    netip.AddrFrom16(addr),
	}
	err := parseOptions(b[24:], func(typ uint8, body []byte) error {
		if typ == optTargetLinkAddr && len(body) >= 6 {
			na.TargetLLA = net.HardwareAddr(append([]byte(nil), body[:6]...))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return na, nil
}

// parseOptions walks the TLV option area. A zero length octet makes the
// whole message undecodable per RFC 4861 §4.6.
func parseOptions(b []byte, visit func(typ uint8, body []byte) error) error {
	for len(b) > 0 {
		if len(b) < 2 {
			return fmt.Errorf("ndp: truncated option header")
		}
		typ, olen := b[0], int(b[1])*8
		if olen == 0 {
			return fmt.Errorf("ndp: option with zero length")
		}
		if olen > len(b) {
			return fmt.Errorf("ndp: option length %d exceeds remaining %d", olen, len(b))
		}
		if err := visit(typ, b[2:olen]); err != nil {
			return err
		}
		b = b[olen:]
	}
	return nil
}

// --- Encoders ---

// MarshalRouterSolicit encodes an RS with checksum for src→dst.
func MarshalRouterSolicit(rs *RouterSolicit, src, dst netip.Addr) []byte {
	b := make([]byte, 8)
	b[0] = ICMPv6RouterSolicit
	b = appendLLAOption(b, optSourceLinkAddr, rs.SourceLLA)
	return finishChecksum(b, src, dst)
}

// MarshalRouterAdvert encodes an RA with all its options. Primarily used
// by tests feeding the SLAAC processor.
func MarshalRouterAdvert(ra *RouterAdvert, src, dst netip.Addr) []byte {
	b := make([]byte, 16)
	b[0] = ICMPv6RouterAdvert
	b[4] = ra.CurHopLimit
	if ra.Managed {
		b[5] |= 0x80
	}
	if ra.Other {
		b[5] |= 0x40
	}
	binary.BigEndian.PutUint16(b[6:8], ra.RouterLifetime)
	binary.BigEndian.PutUint32(b[8:12], ra.ReachableTime)
	binary.BigEndian.PutUint32(b[12:16], ra.RetransTimer)

	b = appendLLAOption(b, optSourceLinkAddr, ra.SourceLLA)
	if ra.MTU != 0 {
		opt := make([]byte, 8)
		opt[0], opt[1] = optMTU, 1
		binary.BigEndian.PutUint32(opt[4:8], ra.MTU)
		b = append(b, opt...)
	}
	for _, pi := range ra.Prefixes {
		opt := make([]byte, 32)
		opt[0], opt[1] = optPrefixInfo, 4
		opt[2] = uint8(pi.Prefix.Bits())
		if pi.OnLink {
			opt[3] |= 0x80
		}
		if pi.Autonomous {
			opt[3] |= 0x40
		}
		binary.BigEndian.PutUint32(opt[4:8], pi.ValidLifetime)
		binary.BigEndian.PutUint32(opt[8:12], pi.PreferredLifetime)
		addr := pi.Prefix.Addr().As16()
		copy(opt[16:32], addr[:])
		b = append(b, opt...)
	}
	for _, r := range ra.RDNSS {
		opt := make([]byte, 8+16*len(r.Servers))
		opt[0], opt[1] = optRDNSS, uint8(1+2*len(r.Servers))
		binary.BigEndian.PutUint32(opt[4:8], r.Lifetime)
		for i, s := range r.Servers {
			addr := s.As16()
			copy(opt[8+16*i:], addr[:])
		}
		b = append(b, opt...)
	}
	for _, p := range ra.Pref64 {
		opt := make([]byte, 16)
		opt[0], opt[1] = optPref64, 2
		var plc uint8
		for code, bits := range pref64PrefixBits {
			if bits == p.Prefix.Bits() {
				plc = code
			}
		}
		binary.BigEndian.PutUint16(opt[2:4], uint16(p.Lifetime/8)<<3|uint16(plc))
		addr := p.Prefix.Addr().As16()
		copy(opt[4:16], addr[:12])
		b = append(b, opt...)
	}
	return finishChecksum(b, src, dst)
}

// MarshalNeighborSolicit encodes an NS probe. SourceLLA is omitted for
// DAD-style probes sent from the unspecified address.
func MarshalNeighborSolicit(ns *NeighborSolicit, src, dst netip.Addr) []byte {
	b := make([]byte, 24)
	b[0] = ICMPv6NeighborSolicit
	addr := ns.Target.As16()
	copy(b[8:24], addr[:])
	b = appendLLAOption(b, optSourceLinkAddr, ns.SourceLLA)
	return finishChecksum(b, src, dst)
}

// MarshalNeighborAdvert encodes an NA, including the gratuitous
// (unsolicited, Override) form announced to all-routers.
func MarshalNeighborAdvert(na *NeighborAdvert, src, dst netip.Addr) []byte {
	b := make([]byte, 24)
	b[0] = ICMPv6NeighborAdvert
	if na.Router {
		b[4] |= 0x80
	}
	if na.Solicited {
		b[4] |= 0x40
	}
	if na.Override {
		b[4] |= 0x20
	}
	addr := na.Target.As16()
	copy(b[8:24], addr[:])
	b = appendLLAOption(b, optTargetLinkAddr, na.TargetLLA)
	return finishChecksum(b, src, dst)
}

func appendLLAOption(b []byte, typ uint8, lla net.HardwareAddr) []byte {
	if len(lla) != 6 {
		return b
	}
	opt := make([]byte, 8)
	opt[0], opt[1] = typ, 1
	copy(opt[2:8], lla)
	return append(b, opt...)
}

func finishChecksum(b []byte, src, dst netip.Addr) []byte {
	b[2], b[3] = 0, 0
	cs := icmpv6Checksum(src, dst, b)
	binary.BigEndian.PutUint16(b[2:4], cs)
	return b
}
