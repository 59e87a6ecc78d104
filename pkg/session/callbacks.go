package session

import (
	"log/slog"

	"github.com/psaab/ipprov/pkg/packet"
)

// LogCallbacks is the default Callbacks implementation: every event is
// logged and nothing else happens. The daemon uses it when no platform
// integration is wired in; embed it to override individual callbacks.
type LogCallbacks struct {
	Log *slog.Logger
}

func (c LogCallbacks) ProvisioningSuccess(snap Snapshot) {
	c.Log.Info("provisioning succeeded", "event", "CB_PROVISIONED",
		"iface", snap.Iface, "addrs", len(snap.Addresses), "routes", len(snap.Routes))
}

func (c LogCallbacks) ProvisioningFailure(snap Snapshot) {
	c.Log.Warn("provisioning failed", "event", "CB_FAILED", "iface", snap.Iface)
}

func (c LogCallbacks) LinkPropertiesChange(snap Snapshot) {
	c.Log.Info("link properties changed", "event", "CB_LP_CHANGE",
		"iface", snap.Iface, "addrs", len(snap.Addresses),
		"dns", len(snap.DNSServers), "mtu", snap.MTU)
}

func (c LogCallbacks) NewDHCPResults(lease *packet.Lease4) {
	if lease == nil {
		c.Log.Info("dhcp lease lost", "event", "CB_DHCP_LOST")
		return
	}
	c.Log.Info("dhcp lease acquired", "event", "CB_DHCP_LEASE",
		"addr", lease.ClientAddr.String())
}

func (c LogCallbacks) ReachabilityFailure(reason string) {
	c.Log.Warn("neighbor unreachable", "event", "CB_NUD_FAILURE", "reason", reason)
}

func (c LogCallbacks) PreconnectDiscover(frame []byte) {
	c.Log.Info("preconnect discover ready", "event", "CB_PRECONNECT", "len", len(frame))
}

func (c LogCallbacks) SetFallbackMulticastFilter(enabled bool) {
	c.Log.Info("multicast filter hint", "event", "CB_MCAST_FILTER", "enabled", enabled)
}

func (c LogCallbacks) SetMaxDTIMMultiplier(mult int) {
	c.Log.Info("dtim multiplier hint", "event", "CB_DTIM", "multiplier", mult)
}

func (c LogCallbacks) SetNeighborDiscoveryOffload(enabled bool) {
	c.Log.Info("nd offload hint", "event", "CB_ND_OFFLOAD", "enabled", enabled)
}
