package packet

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
)

var testMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}

func TestBuildARPProbe(t *testing.T) {
	candidate := netip.MustParseAddr("192.168.1.100")
	frame := BuildARPProbe(testMAC, candidate)

	p, err := ParseARP(frame)
	if err != nil {
		t.Fatalf("ParseARP: %v", err)
	}
	if p.Op != ARPOpRequest {
		t.Errorf("op = %d, want request", p.Op)
	}
	// RFC 5227: probe sender IP must be all-zero.
	if !p.SenderIP.IsUnspecified() {
		t.Errorf("sender IP = %v, want 0.0.0.0", p.SenderIP)
	}
	if p.TargetIP != candidate {
		t.Errorf("target IP = %v, want %v", p.TargetIP, candidate)
	}
	if !bytes.Equal(p.SenderMAC, testMAC) {
		t.Errorf("sender MAC = %v, want %v", p.SenderMAC, testMAC)
	}
	if !bytes.Equal(frame[0:6], EthernetBroadcast[:]) {
		t.Error("probe not broadcast")
	}
}

func TestBuildARPAnnounce(t *testing.T) {
	claimed := netip.MustParseAddr("10.0.0.5")
	frame := BuildARPAnnounce(testMAC, claimed)

	p, err := ParseARP(frame)
	if err != nil {
		t.Fatalf("ParseARP: %v", err)
	}
	// RFC 5227: announcement carries the claimed address in both fields.
	if p.SenderIP != claimed || p.TargetIP != claimed {
		t.Errorf("sender/target = %v/%v, want both %v", p.SenderIP, p.TargetIP, claimed)
	}
}

func TestParseARPMalformed(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short", make([]byte, 20)},
		{"wrong ethertype", func() []byte {
			f := BuildARPProbe(testMAC, netip.MustParseAddr("1.2.3.4"))
			f[12], f[13] = 0x08, 0x00
			return f
		}()},
		{"wrong hw len", func() []byte {
			f := BuildARPProbe(testMAC, netip.MustParseAddr("1.2.3.4"))
			f[18] = 8
			return f
		}()},
	}
	for _, tc := range cases {
		if _, err := ParseARP(tc.frame); err == nil {
			t.Errorf("%s: expected decode error", tc.name)
		}
	}
}
