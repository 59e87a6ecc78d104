package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// DHCPv4 option codes the insomniacslk registry does not name.
var (
	OptCodeRapidCommit       = dhcpv4.GenericOptionCode(80)
	OptCodeIPv6OnlyPreferred = dhcpv4.GenericOptionCode(108)
	OptCodeCaptivePortal     = dhcpv4.GenericOptionCode(114)
)

const infiniteLeaseSecs = 0xffffffff

// Lease4 is the typed view of a DHCPv4 ACK. LeaseSecs is nil for an
// infinite lease (option absent or the 0xffffffff sentinel).
type Lease4 struct {
	ClientAddr netip.Addr
	PrefixLen  int
	ServerID   netip.Addr
	Gateway    netip.Addr
	DNS        []netip.Addr
	LeaseSecs  *uint32
	T1Secs     uint32 // 0 = not sent, client derives
	T2Secs     uint32
	MTU        int // 0 = not sent
	Domain     string
	SearchList []string

	CaptivePortalURL string
	IPv6OnlyWaitSecs *uint32 // nil = option absent
	VendorInfo       []byte
}

// LeaseFromACK extracts a typed lease from a DHCPv4 ACK (or rapid-commit
// OFFER-as-ACK). The yiaddr field must carry a usable address.
func LeaseFromACK(msg *dhcpv4.DHCPv4) (*Lease4, error) {
	yi := msg.YourIPAddr
	if yi == nil || yi.IsUnspecified() {
		return nil, fmt.Errorf("dhcp4: no address in ACK")
	}
	addr, ok := netip.AddrFromSlice(yi.To4())
	if !ok {
		return nil, fmt.Errorf("dhcp4: bad yiaddr %v", yi)
	}

	l := &Lease4{ClientAddr: addr, PrefixLen: 24}
	if mask := msg.SubnetMask(); mask != nil {
		if ones, bits := mask.Size(); bits == 32 {
			l.PrefixLen = ones
		}
	}
	if sid := msg.ServerIdentifier(); sid != nil {
		if a, ok := netip.AddrFromSlice(sid.To4()); ok {
			l.ServerID = a
		}
	}
	if routers := msg.Router(); len(routers) > 0 {
		if a, ok := netip.AddrFromSlice(routers[0].To4()); ok {
			l.Gateway = a
		}
	}
	for _, d := range msg.DNS() {
		if a, ok := netip.AddrFromSlice(d.To4()); ok {
			l.DNS = append(l.DNS, a)
		}
	}

	if raw := msg.Options.Get(dhcpv4.OptionIPAddressLeaseTime); len(raw) == 4 {
		secs := binary.BigEndian.Uint32(raw)
		if secs != infiniteLeaseSecs {
			l.LeaseSecs = &secs
		}
	}
	if raw := msg.Options.Get(dhcpv4.OptionRenewTimeValue); len(raw) == 4 {
		l.T1Secs = binary.BigEndian.Uint32(raw)
	}
	if raw := msg.Options.Get(dhcpv4.OptionRebindingTimeValue); len(raw) == 4 {
		l.T2Secs = binary.BigEndian.Uint32(raw)
	}
	if raw := msg.Options.Get(dhcpv4.OptionInterfaceMTU); len(raw) == 2 {
		l.MTU = int(binary.BigEndian.Uint16(raw))
	}
	l.Domain = msg.DomainName()
	if labels := msg.DomainSearch(); labels != nil {
		l.SearchList = labels.Labels
	}
	if raw := msg.Options.Get(OptCodeCaptivePortal); len(raw) > 0 {
		l.CaptivePortalURL = string(raw)
	}
	if raw := msg.Options.Get(OptCodeIPv6OnlyPreferred); len(raw) == 4 {
		secs := binary.BigEndian.Uint32(raw)
		l.IPv6OnlyWaitSecs = &secs
	}
	if raw := msg.Options.Get(dhcpv4.OptionVendorSpecificInformation); len(raw) > 0 {
		l.VendorInfo = append([]byte(nil), raw...)
	}
	return l, nil
}

// HasRapidCommit reports whether a DHCPv4 message carries the rapid
// commit option (RFC 4039).
func HasRapidCommit(msg *dhcpv4.DHCPv4) bool {
	return msg.Options.Has(OptCodeRapidCommit)
}
