package packet

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"
)

var (
	testLinkLocal  = netip.MustParseAddr("fe80::1")
	testLinkLocal2 = netip.MustParseAddr("fe80::2")
)

func TestRouterAdvertRoundTrip(t *testing.T) {
	ra := &RouterAdvert{
		CurHopLimit:    64,
		Managed:        true,
		RouterLifetime: 1800,
		ReachableTime:  30000,
		SourceLLA:      testMAC,
		MTU:            1500,
		Prefixes: []PrefixInfo{
			{
				Prefix:            netip.MustParsePrefix("2001:db8:1::/64"),
				OnLink:            true,
				Autonomous:        true,
				ValidLifetime:     7200,
				PreferredLifetime: 4500,
			},
		},
		RDNSS: []RDNSS{
			{Lifetime: 600, Servers: []netip.Addr{netip.MustParseAddr("2001:db8::53")}},
		},
		Pref64: []Pref64{
			{Lifetime: 1800, Prefix: netip.MustParsePrefix("64:ff9b::/96")},
		},
	}

	b := MarshalRouterAdvert(ra, testLinkLocal, AllNodesMulticast)
	msg, err := ParseND(b, testLinkLocal, AllNodesMulticast)
	if err != nil {
		t.Fatalf("ParseND: %v", err)
	}
	got, ok := msg.(*RouterAdvert)
	if !ok {
		t.Fatalf("decoded %T, want *RouterAdvert", msg)
	}

	if got.RouterLifetime != 1800 || !got.Managed || got.Other {
		t.Errorf("header fields = %+v", got)
	}
	if got.MTU != 1500 {
		t.Errorf("MTU = %d, want 1500", got.MTU)
	}
	if len(got.Prefixes) != 1 || got.Prefixes[0].Prefix != ra.Prefixes[0].Prefix {
		t.Fatalf("prefixes = %+v", got.Prefixes)
	}
	if got.Prefixes[0].ValidLifetime != 7200 || got.Prefixes[0].PreferredLifetime != 4500 {
		t.Errorf("prefix lifetimes = %+v", got.Prefixes[0])
	}
	if len(got.RDNSS) != 1 || got.RDNSS[0].Lifetime != 600 {
		t.Fatalf("rdnss = %+v", got.RDNSS)
	}
	if got.RDNSS[0].Servers[0] != netip.MustParseAddr("2001:db8::53") {
		t.Errorf("rdnss server = %v", got.RDNSS[0].Servers[0])
	}
	if len(got.Pref64) != 1 {
		t.Fatalf("pref64 = %+v", got.Pref64)
	}
	if got.Pref64[0].Prefix != netip.MustParsePrefix("64:ff9b::/96") || got.Pref64[0].Lifetime != 1800 {
		t.Errorf("pref64 = %+v", got.Pref64[0])
	}
	if !bytes.Equal(got.SourceLLA, testMAC) {
		t.Errorf("SLLA = %v, want %v", got.SourceLLA, testMAC)
	}
}

func TestParseNDChecksumMismatch(t *testing.T) {
	ra := &RouterAdvert{RouterLifetime: 600}
	b := MarshalRouterAdvert(ra, testLinkLocal, AllNodesMulticast)
	b[6] ^= 0xff // corrupt router lifetime

	if _, err := ParseND(b, testLinkLocal, AllNodesMulticast); err == nil {
		t.Error("expected checksum error")
	}
}

func TestNeighborSolicitRoundTrip(t *testing.T) {
	target := netip.MustParseAddr("fe80::dead:beef")
	b := MarshalNeighborSolicit(&NeighborSolicit{Target: target, SourceLLA: testMAC},
		testLinkLocal, target)

	msg, err := ParseND(b, testLinkLocal, target)
	if err != nil {
		t.Fatalf("ParseND: %v", err)
	}
	ns := msg.(*NeighborSolicit)
	if ns.Target != target {
		t.Errorf("target = %v, want %v", ns.Target, target)
	}
	if !bytes.Equal(ns.SourceLLA, testMAC) {
		t.Errorf("SLLA = %v", ns.SourceLLA)
	}
}

func TestNeighborAdvertFlags(t *testing.T) {
	target := netip.MustParseAddr("2001:db8::1")
	na := &NeighborAdvert{Router: true, Override: true, Target: target, TargetLLA: testMAC}
	b := MarshalNeighborAdvert(na, testLinkLocal, testLinkLocal2)

	msg, err := ParseND(b, testLinkLocal, testLinkLocal2)
	if err != nil {
		t.Fatalf("ParseND: %v", err)
	}
	got := msg.(*NeighborAdvert)
	if !got.Router || got.Solicited || !got.Override {
		t.Errorf("flags R/S/O = %v/%v/%v, want true/false/true",
			got.Router, got.Solicited, got.Override)
	}
	if got.Target != target {
		t.Errorf("target = %v", got.Target)
	}
}

func TestParseNDMalformedOptions(t *testing.T) {
	// Zero-length option makes the whole message undecodable.
	ra := &RouterAdvert{RouterLifetime: 600}
	b := MarshalRouterAdvert(ra, testLinkLocal, AllNodesMulticast)
	b = append(b, 3, 0) // PIO with length 0
	// Re-checksum so only the option error can trip the parser.
	b[2], b[3] = 0, 0
	cs := icmpv6Checksum(testLinkLocal, AllNodesMulticast, b)
	b[2], b[3] = byte(cs>>8), byte(cs)

	if _, err := ParseND(b, testLinkLocal, AllNodesMulticast); err == nil {
		t.Error("expected error for zero-length option")
	}
}

func TestParsePref64UnknownPLCDropped(t *testing.T) {
	body := make([]byte, 14)
	// Scaled lifetime: 600/8 in upper 13 bits, PLC 7 (reserved).
	binary.BigEndian.PutUint16(body[0:2], (600/8)<<3|7)
	if _, ok := parsePref64(body); ok {
		t.Error("reserved PLC should be dropped")
	}
}

func TestMarshalNeighborSolicitDADOmitsSLLA(t *testing.T) {
	target := netip.MustParseAddr("fe80::1234")
	b := MarshalNeighborSolicit(&NeighborSolicit{Target: target},
		netip.IPv6Unspecified(), target)
	if len(b) != 24 {
		t.Errorf("DAD NS length = %d, want 24 (no SLLA option)", len(b))
	}
}
