package session

import (
	"net"
	"net/netip"
	"time"

	"github.com/psaab/ipprov/pkg/dhcp6"
	"github.com/psaab/ipprov/pkg/nud"
	"github.com/psaab/ipprov/pkg/packet"
	"github.com/psaab/ipprov/pkg/slaac"
)

// Hook adapters binding each sub-component to the session. They run on
// the session loop; the component interfaces are distinct types so the
// session can satisfy all of them without method collisions.

type dhcp4Hooks struct{ s *Session }

func (h dhcp4Hooks) SendFrame(frame []byte, dst net.HardwareAddr) { h.s.tr.Send(frame, dst) }
func (h dhcp4Hooks) LeaseAcquired(l *packet.Lease4)               { h.s.onLeaseAcquired(l) }
func (h dhcp4Hooks) LeaseLost()                                   { h.s.onLeaseLost() }
func (h dhcp4Hooks) AcquisitionFailed()                           { h.s.onAcquisitionFailed("dhcp4") }
func (h dhcp4Hooks) V6OnlyWaitStarted(wait time.Duration)         { h.s.onV6OnlyWait(wait) }

type dhcp6Hooks struct{ s *Session }

func (h dhcp6Hooks) SendFrame(frame []byte, dst net.HardwareAddr) { h.s.tr.Send(frame, dst) }
func (h dhcp6Hooks) DelegationChanged(prefixes []dhcp6.BoundPrefix) {
	h.s.onDelegationChanged(prefixes)
}
func (h dhcp6Hooks) LifetimesRefreshed(prefixes []dhcp6.BoundPrefix) {
	h.s.onDelegationRefreshed(prefixes)
}
func (h dhcp6Hooks) DelegationLost()    { h.s.onDelegationLost() }
func (h dhcp6Hooks) AcquisitionFailed() { h.s.onAcquisitionFailed("dhcp6-pd") }

type slaacHooks struct{ s *Session }

func (h slaacHooks) SendFrame(frame []byte, dst net.HardwareAddr) { h.s.tr.Send(frame, dst) }
func (h slaacHooks) AddressesChanged(addrs []slaac.Address)       { h.s.onAddressesChanged(addrs) }
func (h slaacHooks) DNSChanged(servers []netip.Addr)              { h.s.onDNSChanged(servers) }
func (h slaacHooks) RouterChanged(rt slaac.Router)                { h.s.onRouterChanged(rt) }
func (h slaacHooks) Pref64Changed(prefix netip.Prefix)            { h.s.onPref64Changed(prefix) }
func (h slaacHooks) MTUChanged(mtu uint32)                        { h.s.onMTUChanged(mtu) }
func (h slaacHooks) StackReset()                                  { h.s.onStackReset() }

type nudHooks struct{ s *Session }

func (h nudHooks) SendFrame(frame []byte, dst net.HardwareAddr) { h.s.tr.Send(frame, dst) }
func (h nudHooks) ReachabilityFailure(addr netip.Addr, kind nud.Kind, class nud.FailureClass) {
	h.s.onReachabilityFailure(addr, kind, class)
}
func (h nudHooks) NeighborReachable(addr netip.Addr, kind nud.Kind) {
	h.s.onNeighborReachable(addr, kind)
}
