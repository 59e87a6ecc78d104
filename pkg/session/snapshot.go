package session

import (
	"math"
	"net/netip"
	"time"
)

// Forever marks an infinite address or route lifetime. It is a real
// far-future instant rather than the time.Time zero value so that a
// lifetime accidentally dropped on the floor shows up as "expired"
// instead of silently becoming permanent.
var Forever = time.Unix(0, math.MaxInt64)

// Origin records which provisioning mechanism produced an address.
type Origin int

const (
	OriginLinkLocal Origin = iota
	OriginStatic
	OriginDHCP
	OriginSLAACPrivacy
	OriginSLAACStable
	OriginDelegated
)

var originNames = map[Origin]string{
	OriginLinkLocal:    "link-local",
	OriginStatic:       "static",
	OriginDHCP:         "dhcp",
	OriginSLAACPrivacy: "slaac-privacy",
	OriginSLAACStable:  "slaac-stable",
	OriginDelegated:    "delegated",
}

func (o Origin) String() string {
	if n, ok := originNames[o]; ok {
		return n
	}
	return "unknown"
}

// AddressRecord is one interface address with its lifetimes. Deprecated
// addresses remain assigned but are skipped for new connections.
type AddressRecord struct {
	Addr           netip.Addr
	PrefixLen      int
	Origin         Origin
	Deprecated     bool
	PreferredUntil time.Time
	ValidUntil     time.Time
}

// Prefix returns the address with its mask, the form the interface
// configurator wants.
func (r AddressRecord) Prefix() netip.Prefix {
	return netip.PrefixFrom(r.Addr, r.PrefixLen)
}

// Route is one entry the session installs. An invalid Gateway means the
// destination is on-link.
type Route struct {
	Dst     netip.Prefix
	Gateway netip.Addr
}

// Snapshot is the aggregated link configuration published to the caller.
// It is immutable once published; the session builds a fresh one after
// every sub-component change and emits it only when it differs from the
// previous one field by field.
type Snapshot struct {
	Iface            string
	Addresses        []AddressRecord
	Routes           []Route
	DNSServers       []netip.Addr
	Domains          []string
	MTU              int
	CaptivePortalURL string
	NAT64Prefix      netip.Prefix
	DHCPServer       netip.Addr
}

// HasIPv4 reports whether the snapshot carries a usable global IPv4
// address.
func (s *Snapshot) HasIPv4() bool {
	for _, a := range s.Addresses {
		if a.Addr.Is4() && !a.Addr.IsLinkLocalUnicast() {
			return true
		}
	}
	return false
}

// HasGlobalIPv6 reports whether the snapshot carries a non-deprecated
// global IPv6 address.
func (s *Snapshot) HasGlobalIPv6() bool {
	for _, a := range s.Addresses {
		if a.Addr.Is6() && !a.Addr.IsLinkLocalUnicast() && !a.Deprecated {
			return true
		}
	}
	return false
}

// HasIPv6DefaultRoute reports whether an IPv6 default route is present.
func (s *Snapshot) HasIPv6DefaultRoute() bool {
	for _, r := range s.Routes {
		if r.Dst.Addr().Is6() && r.Dst.Bits() == 0 {
			return true
		}
	}
	return false
}

// Equal compares two snapshots field by field. Slice order matters; the
// session sorts every slice while reducing so equal state always compares
// equal.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.Iface != o.Iface || s.MTU != o.MTU ||
		s.CaptivePortalURL != o.CaptivePortalURL ||
		s.NAT64Prefix != o.NAT64Prefix || s.DHCPServer != o.DHCPServer {
		return false
	}
	if len(s.Addresses) != len(o.Addresses) || len(s.Routes) != len(o.Routes) ||
		len(s.DNSServers) != len(o.DNSServers) || len(s.Domains) != len(o.Domains) {
		return false
	}
	for i := range s.Addresses {
		if s.Addresses[i] != o.Addresses[i] {
			return false
		}
	}
	for i := range s.Routes {
		if s.Routes[i] != o.Routes[i] {
			return false
		}
	}
	for i := range s.DNSServers {
		if s.DNSServers[i] != o.DNSServers[i] {
			return false
		}
	}
	for i := range s.Domains {
		if s.Domains[i] != o.Domains[i] {
			return false
		}
	}
	return true
}
