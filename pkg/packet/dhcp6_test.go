package packet

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

func iaPrefix(prefix string, preferred, valid uint32) *dhcpv6.OptIAPrefix {
	p := netip.MustParsePrefix(prefix)
	return &dhcpv6.OptIAPrefix{
		PreferredLifetime: time.Duration(preferred) * time.Second,
		ValidLifetime:     time.Duration(valid) * time.Second,
		Prefix: &net.IPNet{
			IP:   p.Addr().AsSlice(),
			Mask: net.CIDRMask(p.Bits(), 128),
		},
	}
}

func testIAPD(t1, t2 uint32, prefixes ...*dhcpv6.OptIAPrefix) *dhcpv6.OptIAPD {
	opts := dhcpv6.PDOptions{}
	for _, p := range prefixes {
		opts.Options = append(opts.Options, p)
	}
	return &dhcpv6.OptIAPD{
		IaId:    [4]byte{0, 0, 0, 1},
		T1:      time.Duration(t1) * time.Second,
		T2:      time.Duration(t2) * time.Second,
		Options: opts,
	}
}

func TestDelegationFromIAPD(t *testing.T) {
	d, err := DelegationFromIAPD(testIAPD(3600, 4500,
		iaPrefix("2001:db8:1::/64", 4500, 7200)))
	if err != nil {
		t.Fatalf("DelegationFromIAPD: %v", err)
	}
	if d.T1Secs != 3600 || d.T2Secs != 4500 {
		t.Errorf("T1/T2 = %d/%d", d.T1Secs, d.T2Secs)
	}
	if len(d.Prefixes) != 1 {
		t.Fatalf("prefixes = %+v", d.Prefixes)
	}
	p := d.Prefixes[0]
	if p.Prefix != netip.MustParsePrefix("2001:db8:1::/64") {
		t.Errorf("prefix = %v", p.Prefix)
	}
	if p.PreferredSecs != 4500 || p.ValidSecs != 7200 {
		t.Errorf("lifetimes = %d/%d", p.PreferredSecs, p.ValidSecs)
	}
}

func TestDelegationRejectsT1AboveT2(t *testing.T) {
	_, err := DelegationFromIAPD(testIAPD(4500, 3600,
		iaPrefix("2001:db8:1::/64", 4500, 7200)))
	if err == nil {
		t.Error("expected rejection for T1 > T2")
	}
}

func TestDelegationRejectsPreferredAboveValid(t *testing.T) {
	_, err := DelegationFromIAPD(testIAPD(100, 200,
		iaPrefix("2001:db8:1::/64", 7200, 4500)))
	if err == nil {
		t.Error("expected rejection for preferred > valid")
	}
}

func TestDelegationRejectsT2AboveShortestValid(t *testing.T) {
	_, err := DelegationFromIAPD(testIAPD(100, 9000,
		iaPrefix("2001:db8:1::/64", 4500, 7200)))
	if err == nil {
		t.Error("expected rejection for T2 > min valid lifetime")
	}
}

func TestDelegationWithdrawal(t *testing.T) {
	d, err := DelegationFromIAPD(testIAPD(100, 200,
		iaPrefix("2001:db8:1::/64", 0, 0),
		iaPrefix("2001:db8:2::/64", 300, 600)))
	if err != nil {
		t.Fatalf("DelegationFromIAPD: %v", err)
	}
	if len(d.Prefixes) != 2 {
		t.Fatalf("prefixes = %+v", d.Prefixes)
	}
	if !d.Prefixes[0].Withdrawn() {
		t.Error("zero-lifetime prefix not marked withdrawn")
	}
	if d.Prefixes[1].Withdrawn() {
		t.Error("live prefix marked withdrawn")
	}
}

func TestDelegationDropsMalformedPrefixOnly(t *testing.T) {
	bad := &dhcpv6.OptIAPrefix{
		PreferredLifetime: 100 * time.Second,
		ValidLifetime:     200 * time.Second,
		Prefix:            &net.IPNet{IP: net.IPv4(1, 2, 3, 4), Mask: net.CIDRMask(24, 32)},
	}
	d, err := DelegationFromIAPD(testIAPD(50, 100,
		bad, iaPrefix("2001:db8:2::/64", 100, 200)))
	if err != nil {
		t.Fatalf("DelegationFromIAPD: %v", err)
	}
	if len(d.Prefixes) != 1 || d.Prefixes[0].Prefix != netip.MustParsePrefix("2001:db8:2::/64") {
		t.Errorf("prefixes = %+v, want only the valid one", d.Prefixes)
	}
}

func TestReplyStatusNoPrefixAvail(t *testing.T) {
	msg, err := dhcpv6.NewMessage()
	if err != nil {
		t.Fatal(err)
	}
	msg.MessageType = dhcpv6.MessageTypeReply
	iapd := testIAPD(0, 0)
	iapd.Options.Options.Add(&dhcpv6.OptStatusCode{
		StatusCode:    iana.StatusNoPrefixAvail,
		StatusMessage: "none left",
	})
	msg.AddOption(iapd)

	if got := ReplyStatus(msg); got != iana.StatusNoPrefixAvail {
		t.Errorf("status = %v, want NoPrefixAvail", got)
	}
}

func TestIAPDForIAID(t *testing.T) {
	msg, err := dhcpv6.NewMessage()
	if err != nil {
		t.Fatal(err)
	}
	msg.MessageType = dhcpv6.MessageTypeReply
	iapd := testIAPD(1, 2, iaPrefix("2001:db8::/56", 10, 20))
	msg.AddOption(iapd)

	if got := IAPDForIAID(msg, [4]byte{0, 0, 0, 1}); got == nil {
		t.Fatal("matching IA_PD not found")
	}
	if got := IAPDForIAID(msg, [4]byte{9, 9, 9, 9}); got != nil {
		t.Error("unexpected IA_PD for unknown IAID")
	}
}
