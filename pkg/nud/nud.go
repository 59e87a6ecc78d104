// Package nud monitors neighbor reachability for the addresses the
// session depends on: the default router, on-link DNS servers, and
// delegated-prefix next hops. Neighbors are probed with unicast NS
// bursts (multicast resolicit optionally appended) and failures are
// classified by what triggered the probe: a roam, an explicit confirm,
// or organic silence. Classification is mutually exclusive with
// RoamMacChanged taking precedence, then ConfirmFailure, RoamFailure,
// and OrganicFailure, the last governed by the suppression policy.
//
// A Monitor is confined to its session's event loop, like the protocol
// clients, with all I/O behind Hooks.
package nud

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/packet"
	"github.com/psaab/ipprov/pkg/timer"
)

// Kind says why a neighbor is watched. Suppression policy and failure
// handling differ per kind.
type Kind int

const (
	DefaultRouter Kind = iota
	OnLinkDNS
	DelegatedNextHop
)

var kindNames = map[Kind]string{
	DefaultRouter:    "DefaultRouter",
	OnLinkDNS:        "OnLinkDNS",
	DelegatedNextHop: "DelegatedNextHop",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// FailureClass classifies a reachability failure.
type FailureClass int

const (
	// RoamMacChanged: an overriding NA carried a different link-layer
	// address than previously cached. Always reported.
	RoamMacChanged FailureClass = iota
	// ConfirmFailure: an explicit confirm probed a previously reachable
	// neighbor and got nothing back.
	ConfirmFailure
	// RoamFailure: the post-roam probe burst exhausted without a
	// response.
	RoamFailure
	// OrganicFailure: a neighbor silently stopped responding outside
	// any roam or confirm. Subject to the suppression policy.
	OrganicFailure
)

var classNames = map[FailureClass]string{
	RoamMacChanged: "RoamMacChanged",
	ConfirmFailure: "ConfirmFailure",
	RoamFailure:    "RoamFailure",
	OrganicFailure: "OrganicFailure",
}

func (c FailureClass) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return fmt.Sprintf("FailureClass(%d)", int(c))
}

// probeState is the per-neighbor sub-state.
type probeState int

const (
	stateIncomplete probeState = iota
	stateProbing
	stateReachable
	stateFailed
)

var probeStateNames = map[probeState]string{
	stateIncomplete: "Incomplete",
	stateProbing:    "Probing",
	stateReachable:  "Reachable",
	stateFailed:     "Failed",
}

func (s probeState) String() string { return probeStateNames[s] }

// Entry is the published view of one watched neighbor.
type Entry struct {
	Addr          netip.Addr
	Kind          Kind
	MAC           net.HardwareAddr
	State         string
	EverReachable bool
}

// Hooks is how the monitor reaches the outside world. Implementations run
// on the session loop and must not block.
type Hooks interface {
	// SendFrame transmits a complete Ethernet frame.
	SendFrame(frame []byte, dst net.HardwareAddr)
	// ReachabilityFailure fires once per failed probe burst, after
	// suppression policy. RoamMacChanged bypasses suppression.
	ReachabilityFailure(addr netip.Addr, kind Kind, class FailureClass)
	// NeighborReachable fires when a probed neighbor confirms.
	NeighborReachable(addr netip.Addr, kind Kind)
}

// multicastProbes is how many solicited-node multicast NS are appended
// after unicast probes when the resolicit extension is enabled.
const multicastProbes = 2

const probeTm = "probe/"

// Counters are monotonic protocol counters, read by the metrics collector.
type Counters struct {
	UnicastProbes   uint64
	MulticastProbes uint64
	Confirms        uint64
	Failures        uint64
	Suppressed      uint64
}

type neighbor struct {
	addr netip.Addr
	kind Kind
	mac  net.HardwareAddr

	state         probeState
	origin        probeState // state the current burst started from
	everReachable bool
	postRoam      bool
	confirm       bool
	unicastLeft   int
	multicastLeft int
	interval      config.ProbeProfile
}

// Monitor probes the watchlist for one interface.
type Monitor struct {
	iface     string
	mac       net.HardwareAddr
	linkLocal netip.Addr
	policy    config.NUDPolicy
	clock     timer.Clock
	tm        *timer.Scheduler
	hooks     Hooks
	log       *slog.Logger

	neighbors map[netip.Addr]*neighbor
	counters  Counters
}

// New creates an empty monitor. tm must be a scheduler whose fire
// function routes timer names back to HandleTimer on the session loop.
func New(iface string, mac net.HardwareAddr, linkLocal netip.Addr, policy config.NUDPolicy,
	clock timer.Clock, tm *timer.Scheduler, hooks Hooks, log *slog.Logger) *Monitor {
	return &Monitor{
		iface:     iface,
		mac:       mac,
		linkLocal: linkLocal,
		policy:    policy,
		clock:     clock,
		tm:        tm,
		hooks:     hooks,
		log:       log.With("component", "nud", "iface", iface),
		neighbors: make(map[netip.Addr]*neighbor),
	}
}

// Counters returns a snapshot of the protocol counters.
func (m *Monitor) Counters() Counters { return m.counters }

// Entries returns the watchlist, sorted by address.
func (m *Monitor) Entries() []Entry {
	out := make([]Entry, 0, len(m.neighbors))
	for _, n := range m.neighbors {
		out = append(out, Entry{
			Addr:          n.addr,
			Kind:          n.kind,
			MAC:           n.mac,
			State:         n.state.String(),
			EverReachable: n.everReachable,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

// Watch adds a neighbor to the watchlist and begins a steady-state probe
// burst. mac may be nil when the link-layer address is not yet known.
// Re-watching an existing address only updates its kind and cached MAC.
func (m *Monitor) Watch(addr netip.Addr, kind Kind, mac net.HardwareAddr) {
	if n, ok := m.neighbors[addr]; ok {
		n.kind = kind
		if len(mac) == 6 {
			n.mac = mac
		}
		return
	}
	n := &neighbor{addr: addr, kind: kind, state: stateIncomplete}
	if len(mac) == 6 {
		n.mac = mac
	}
	m.neighbors[addr] = n
	m.log.Info("nud: watching neighbor",
		"event", "NUD_WATCH", "addr", addr.String(), "kind", kind.String())
	m.startBurst(n, m.policy.SteadyState)
}

// Unwatch drops a neighbor and its pending probes.
func (m *Monitor) Unwatch(addr netip.Addr) {
	if _, ok := m.neighbors[addr]; !ok {
		return
	}
	m.tm.Cancel(probeTm + addr.String())
	delete(m.neighbors, addr)
}

// Stop drops the whole watchlist.
func (m *Monitor) Stop() {
	for addr := range m.neighbors {
		m.tm.Cancel(probeTm + addr.String())
	}
	m.neighbors = make(map[netip.Addr]*neighbor)
}

// Roam re-arms router and on-link DNS targets with the post-roam probe
// profile. Next-hop entries keep their steady cadence.
func (m *Monitor) Roam() {
	for _, n := range m.neighbors {
		if n.kind != DefaultRouter && n.kind != OnLinkDNS {
			continue
		}
		n.postRoam = true
		n.confirm = false
		m.startBurst(n, m.policy.PostRoam)
	}
}

// Confirm forces every watched neighbor back into active probing
// regardless of current state.
func (m *Monitor) Confirm() {
	m.counters.Confirms++
	for _, n := range m.neighbors {
		n.confirm = true
		n.postRoam = false
		m.startBurst(n, m.policy.SteadyState)
	}
}

func (m *Monitor) startBurst(n *neighbor, profile config.ProbeProfile) {
	n.origin = n.state
	n.state = stateProbing
	n.unicastLeft = profile.Count
	n.multicastLeft = 0
	if m.policy.MulticastResolicit {
		n.multicastLeft = multicastProbes
	}
	n.interval = profile
	m.sendProbe(n)
	m.tm.Schedule(probeTm+n.addr.String(), profile.Interval())
}

// sendProbe sends one NS: unicast when the link-layer address is cached,
// solicited-node multicast otherwise or during resolicit.
func (m *Monitor) sendProbe(n *neighbor) {
	ns := &packet.NeighborSolicit{Target: n.addr, SourceLLA: m.mac}

	unicast := n.unicastLeft > 0 && len(n.mac) == 6
	if n.unicastLeft > 0 {
		n.unicastLeft--
	} else {
		n.multicastLeft--
	}

	if unicast {
		m.counters.UnicastProbes++
		icmp := packet.MarshalNeighborSolicit(ns, m.linkLocal, n.addr)
		frame := packet.BuildNDFrame(m.mac, n.mac, m.linkLocal, n.addr, icmp)
		m.hooks.SendFrame(frame, n.mac)
		return
	}

	m.counters.MulticastProbes++
	group := packet.SolicitedNodeMulticast(n.addr)
	dst := packet.MulticastMAC(group)
	icmp := packet.MarshalNeighborSolicit(ns, m.linkLocal, group)
	frame := packet.BuildNDFrame(m.mac, dst, m.linkLocal, group, icmp)
	m.hooks.SendFrame(frame, dst)
}

// HandleNA processes a received Neighbor Advertisement.
func (m *Monitor) HandleNA(na *packet.NeighborAdvert) {
	n, ok := m.neighbors[na.Target]
	if !ok {
		return
	}

	// An overriding NA with a different link-layer address means the
	// neighbor identity moved under us. Reported unconditionally.
	if na.Override && len(na.TargetLLA) == 6 && len(n.mac) == 6 &&
		!bytes.Equal(na.TargetLLA, n.mac) {
		m.log.Warn("nud: neighbor link-layer address changed",
			"event", "NUD_MAC_CHANGED", "addr", n.addr.String(),
			"old", n.mac.String(), "new", na.TargetLLA.String())
		n.mac = append(net.HardwareAddr(nil), na.TargetLLA...)
		m.counters.Failures++
		m.hooks.ReachabilityFailure(n.addr, n.kind, RoamMacChanged)
		return
	}

	if !na.Solicited {
		return
	}
	if len(na.TargetLLA) == 6 {
		n.mac = append(net.HardwareAddr(nil), na.TargetLLA...)
	}
	m.tm.Cancel(probeTm + n.addr.String())
	wasProbing := n.state == stateProbing
	n.state = stateReachable
	n.everReachable = true
	n.postRoam = false
	n.confirm = false
	if wasProbing {
		m.log.Info("nud: neighbor reachable",
			"event", "NUD_REACHABLE", "addr", n.addr.String())
		m.hooks.NeighborReachable(n.addr, n.kind)
	}
}

// HandleTimer dispatches a fired timer by name.
func (m *Monitor) HandleTimer(name string) {
	s, ok := strings.CutPrefix(name, probeTm)
	if !ok {
		return
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return
	}
	n, held := m.neighbors[addr]
	if !held || n.state != stateProbing {
		return
	}
	if n.unicastLeft > 0 || n.multicastLeft > 0 {
		m.sendProbe(n)
		m.tm.Schedule(probeTm+addr.String(), n.interval.Interval())
		return
	}
	m.fail(n)
}

// fail classifies an exhausted probe burst and reports it unless the
// suppression policy swallows it.
func (m *Monitor) fail(n *neighbor) {
	n.state = stateFailed

	var class FailureClass
	switch {
	case n.confirm && n.everReachable:
		class = ConfirmFailure
	case n.postRoam:
		class = RoamFailure
	default:
		class = OrganicFailure
	}
	n.postRoam = false
	n.confirm = false

	if class == OrganicFailure && m.suppressOrganic(n) {
		m.counters.Suppressed++
		m.log.Info("nud: organic failure suppressed by policy",
			"addr", n.addr.String(), "kind", n.kind.String())
		return
	}

	m.counters.Failures++
	m.log.Warn("nud: neighbor unreachable",
		"event", "NUD_FAILED", "addr", n.addr.String(),
		"kind", n.kind.String(), "class", class.String())
	m.hooks.ReachabilityFailure(n.addr, n.kind, class)
}

func (m *Monitor) suppressOrganic(n *neighbor) bool {
	if m.policy.IgnoreOrganicFailure {
		return true
	}
	if m.policy.IgnoreNeverReachable && !n.everReachable {
		return true
	}
	if m.policy.IgnoreIncompleteDNS && n.kind == OnLinkDNS && n.origin == stateIncomplete {
		return true
	}
	if m.policy.IgnoreIncompleteRouter && n.kind == DefaultRouter && n.origin == stateIncomplete {
		return true
	}
	return false
}
