// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DaemonStatus holds daemon status information.
type DaemonStatus struct {
	Uptime     string   `json:"uptime"`
	Interfaces []string `json:"interfaces"`
	Sessions   int      `json:"sessions"`
}

// InterfaceStatus holds the published state of one provisioning session.
type InterfaceStatus struct {
	Iface            string         `json:"iface"`
	State            string         `json:"state"`
	Addresses        []AddressInfo  `json:"addresses"`
	Routes           []RouteInfo    `json:"routes"`
	DNSServers       []string       `json:"dns_servers"`
	Domains          []string       `json:"domains,omitempty"`
	MTU              int            `json:"mtu,omitempty"`
	CaptivePortalURL string         `json:"captive_portal_url,omitempty"`
	NAT64Prefix      string         `json:"nat64_prefix,omitempty"`
	DHCPServer       string         `json:"dhcp_server,omitempty"`
	Lease            *LeaseInfo     `json:"lease,omitempty"`
	Prefixes         []PrefixInfo   `json:"prefixes,omitempty"`
	Neighbors        []NeighborInfo `json:"neighbors,omitempty"`
}

// AddressInfo holds one installed address.
type AddressInfo struct {
	Address        string `json:"address"`
	Origin         string `json:"origin"`
	Deprecated     bool   `json:"deprecated,omitempty"`
	PreferredUntil string `json:"preferred_until"`
	ValidUntil     string `json:"valid_until"`
}

// RouteInfo holds one installed route. An empty gateway means on-link.
type RouteInfo struct {
	Destination string `json:"destination"`
	Gateway     string `json:"gateway,omitempty"`
}

// LeaseInfo holds the active DHCPv4 lease.
type LeaseInfo struct {
	Address          string   `json:"address"`
	Server           string   `json:"server"`
	Gateway          string   `json:"gateway,omitempty"`
	DNS              []string `json:"dns,omitempty"`
	LeaseSecs        uint32   `json:"lease_secs,omitempty"`
	T1Secs           uint32   `json:"t1_secs,omitempty"`
	T2Secs           uint32   `json:"t2_secs,omitempty"`
	MTU              int      `json:"mtu,omitempty"`
	Domain           string   `json:"domain,omitempty"`
	SearchList       []string `json:"search_list,omitempty"`
	CaptivePortalURL string   `json:"captive_portal_url,omitempty"`
}

// PrefixInfo holds one delegated IPv6 prefix.
type PrefixInfo struct {
	Prefix         string `json:"prefix"`
	PreferredSecs  uint32 `json:"preferred_secs"`
	ValidSecs      uint32 `json:"valid_secs"`
	PreferredUntil string `json:"preferred_until"`
	ValidUntil     string `json:"valid_until"`
}

// NeighborInfo holds one monitored neighbor.
type NeighborInfo struct {
	Address       string `json:"address"`
	Kind          string `json:"kind"`
	MAC           string `json:"mac,omitempty"`
	State         string `json:"state"`
	EverReachable bool   `json:"ever_reachable"`
}

// CounterSet holds every per-session counter, grouped by subsystem.
type CounterSet struct {
	Iface string            `json:"iface"`
	DHCP4 map[string]uint64 `json:"dhcp4"`
	DHCP6 map[string]uint64 `json:"dhcp6"`
	SLAAC map[string]uint64 `json:"slaac"`
	NUD   map[string]uint64 `json:"nud"`
}

// EventEntry holds a single event record.
type EventEntry struct {
	Time      string `json:"time"`
	Iface     string `json:"iface"`
	Component string `json:"component"`
	Type      string `json:"type"`
	Addr      string `json:"addr,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// sessionRequest selects a session for a mutation endpoint.
type sessionRequest struct {
	Iface string `json:"iface"`
}

// l2Request carries updated layer-2 identity for a session.
type l2Request struct {
	Iface   string `json:"iface"`
	L2Key   string `json:"l2_key"`
	Cluster string `json:"cluster"`
	BSSID   string `json:"bssid"`
}

// filterRequest toggles the fallback multicast filter for a session.
type filterRequest struct {
	Iface   string `json:"iface"`
	Enabled bool   `json:"enabled"`
}

// preconnectRequest reports the outcome of a preconnect handshake.
type preconnectRequest struct {
	Iface   string `json:"iface"`
	Success bool   `json:"success"`
}
