package packet

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// DelegatedPrefix is one IA_Prefix from an IA_PD. Preferred=Valid=0 marks
// an explicit withdrawal by the server, not an error.
type DelegatedPrefix struct {
	Prefix        netip.Prefix
	PreferredSecs uint32
	ValidSecs     uint32
}

// Withdrawn reports whether the server is withdrawing this prefix.
func (p DelegatedPrefix) Withdrawn() bool {
	return p.PreferredSecs == 0 && p.ValidSecs == 0
}

// Delegation6 is the typed view of an IA_PD option from a DHCPv6 reply.
type Delegation6 struct {
	IAID     [4]byte
	T1Secs   uint32
	T2Secs   uint32
	Prefixes []DelegatedPrefix
}

// DelegationFromIAPD validates and extracts a prefix delegation.
//
// Whole-option rejections (the caller must keep its current delegation and
// retransmit): T1 > T2, any prefix with preferred > valid, or T2 above the
// smallest valid lifetime of the delegated prefixes. Individually
// malformed IA_Prefix options (missing or non-IPv6 prefix) are dropped
// without invalidating the rest.
func DelegationFromIAPD(iapd *dhcpv6.OptIAPD) (*Delegation6, error) {
	d := &Delegation6{
		IAID:   iapd.IaId,
		T1Secs: uint32(iapd.T1 / time.Second),
		T2Secs: uint32(iapd.T2 / time.Second),
	}
	if d.T1Secs != 0 && d.T2Secs != 0 && d.T1Secs > d.T2Secs {
		return nil, fmt.Errorf("dhcp6: T1 %d > T2 %d", d.T1Secs, d.T2Secs)
	}

	minValid := uint32(0)
	for _, p := range iapd.Options.Prefixes() {
		if p.Prefix == nil || p.Prefix.IP == nil {
			continue
		}
		ip := p.Prefix.IP.To16()
		if ip == nil || p.Prefix.IP.To4() != nil {
			continue
		}
		ones, bits := p.Prefix.Mask.Size()
		if bits != 128 {
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		dp := DelegatedPrefix{
			Prefix:        netip.PrefixFrom(addr, ones),
			PreferredSecs: uint32(p.PreferredLifetime / time.Second),
			ValidSecs:     uint32(p.ValidLifetime / time.Second),
		}
		if dp.PreferredSecs > dp.ValidSecs {
			return nil, fmt.Errorf("dhcp6: prefix %s preferred %d > valid %d",
				dp.Prefix, dp.PreferredSecs, dp.ValidSecs)
		}
		if dp.ValidSecs > 0 && (minValid == 0 || dp.ValidSecs < minValid) {
			minValid = dp.ValidSecs
		}
		d.Prefixes = append(d.Prefixes, dp)
	}

	if minValid != 0 && d.T2Secs != 0 && d.T2Secs > minValid {
		return nil, fmt.Errorf("dhcp6: T2 %d above shortest valid lifetime %d",
			d.T2Secs, minValid)
	}
	return d, nil
}

// ReplyStatus returns the first non-success status code found at the
// message or IA_PD level, or StatusSuccess.
func ReplyStatus(msg *dhcpv6.Message) iana.StatusCode {
	if st := msg.Options.Status(); st != nil && st.StatusCode != iana.StatusSuccess {
		return st.StatusCode
	}
	for _, opt := range msg.Options.Get(dhcpv6.OptionIAPD) {
		iapd, ok := opt.(*dhcpv6.OptIAPD)
		if !ok {
			continue
		}
		if st := iapd.Options.Status(); st != nil && st.StatusCode != iana.StatusSuccess {
			return st.StatusCode
		}
	}
	return iana.StatusSuccess
}

// IAPDForIAID returns the reply's IA_PD option matching the given IAID.
func IAPDForIAID(msg *dhcpv6.Message, iaid [4]byte) *dhcpv6.OptIAPD {
	for _, opt := range msg.Options.Get(dhcpv6.OptionIAPD) {
		if iapd, ok := opt.(*dhcpv6.OptIAPD); ok && iapd.IaId == iaid {
			return iapd
		}
	}
	return nil
}
