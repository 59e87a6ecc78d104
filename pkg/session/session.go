// Package session implements the per-interface provisioning orchestrator.
// A Session owns one serialized event queue; received frames, timer
// fires, and caller commands are all posted as messages and processed one
// at a time by a single goroutine. The DHCPv4 and DHCPv6-PD clients, the
// RA processor, and the reachability monitor are confined to that
// goroutine, each driving its own timer scheduler, with all their I/O
// funneled through the session.
//
// After every sub-component change the session reduces the combined state
// into a fresh LinkProperties snapshot, applies the difference to the
// interface, and publishes the snapshot only when it actually differs
// from the previous one.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/dhcp4"
	"github.com/psaab/ipprov/pkg/dhcp6"
	"github.com/psaab/ipprov/pkg/leasecache"
	"github.com/psaab/ipprov/pkg/netif"
	"github.com/psaab/ipprov/pkg/nud"
	"github.com/psaab/ipprov/pkg/packet"
	"github.com/psaab/ipprov/pkg/rawsock"
	"github.com/psaab/ipprov/pkg/slaac"
	"github.com/psaab/ipprov/pkg/timer"
)

// State is the session lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	ClearingAddresses
	Preconnecting
	Running
	Stopping
)

var stateNames = map[State]string{
	Stopped:           "Stopped",
	Starting:          "Starting",
	ClearingAddresses: "ClearingAddresses",
	Preconnecting:     "Preconnecting",
	Running:           "Running",
	Stopping:          "Stopping",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DTIMNoOpinion is the baseline DTIM multiplier hint, meaning the session
// expresses no preference.
const DTIMNoOpinion = -1

// Callbacks is how the session reports to its caller. All methods are
// invoked on the session loop and must not block.
type Callbacks interface {
	// ProvisioningSuccess fires exactly once per session, the first time
	// the configured minimum connectivity is reached.
	ProvisioningSuccess(snap Snapshot)
	// ProvisioningFailure fires when previously sufficient connectivity
	// is lost, or when an acquisition budget is exhausted before any
	// connectivity existed.
	ProvisioningFailure(snap Snapshot)
	// LinkPropertiesChange fires after ProvisioningSuccess whenever the
	// published snapshot differs from the previous one, and once with an
	// empty snapshot when the session stops.
	LinkPropertiesChange(snap Snapshot)
	// NewDHCPResults fires on every DHCPv4 bind with the lease, and with
	// nil when the lease is lost.
	NewDHCPResults(lease *packet.Lease4)
	// ReachabilityFailure reports an unsuppressed neighbor failure.
	ReachabilityFailure(reason string)
	// PreconnectDiscover hands the caller a pre-built DISCOVER frame to
	// transmit during link establishment.
	PreconnectDiscover(frame []byte)
	// SetFallbackMulticastFilter mirrors the caller's multicast filter
	// command back to the driver layer.
	SetFallbackMulticastFilter(enabled bool)
	// SetMaxDTIMMultiplier adjusts the power-save wakeup interval hint.
	// DTIMNoOpinion resets it to the baseline.
	SetMaxDTIMMultiplier(mult int)
	// SetNeighborDiscoveryOffload toggles firmware ND offload. It is
	// disabled around roams so the monitor sees real answers.
	SetNeighborDiscoveryOffload(enabled bool)
}

// Transport sends Ethernet frames for the session. The production
// implementation multiplexes per-ethertype raw sockets.
type Transport interface {
	Send(frame []byte, dst net.HardwareAddr)
	Close()
}

// Event queue messages. The set is sealed: everything the session reacts
// to is one of these, applied in arrival order.
type event interface{ isEvent() }

type frameEvent struct {
	proto int
	frame []byte
	src   net.HardwareAddr
}

type timerEvent struct {
	fsm  int
	name string
}

type startEvent struct{}
type stopEvent struct{}
type shutdownEvent struct{}
type confirmEvent struct{}
type preconnectEvent struct{ success bool }
type multicastEvent struct{ enabled bool }

type l2Event struct {
	l2Key   string
	cluster string
	bssid   string
}

func (frameEvent) isEvent()      {}
func (timerEvent) isEvent()      {}
func (startEvent) isEvent()      {}
func (stopEvent) isEvent()       {}
func (shutdownEvent) isEvent()   {}
func (confirmEvent) isEvent()    {}
func (preconnectEvent) isEvent() {}
func (multicastEvent) isEvent()  {}
func (l2Event) isEvent()         {}

// Timer owners for timerEvent routing.
const (
	fsmSession = iota
	fsmDHCP4
	fsmDHCP6
	fsmSLAAC
	fsmNUD
)

// Session timer names.
const (
	tmPreconnect = "preconnect"
)

const (
	eventQueueDepth  = 256
	preconnectBudget = 5 * time.Second
	cacheTimeout     = time.Second
)

// Status is a point-in-time copy of session state, safe to read from any
// goroutine. The API server renders it.
type Status struct {
	Iface     string
	State     string
	Snapshot  Snapshot
	Lease     *packet.Lease4
	Prefixes  []dhcp6.BoundPrefix
	Neighbors []nud.Entry
	DHCP4     dhcp4.Counters
	DHCP6     dhcp6.Counters
	SLAAC     slaac.Counters
	NUD       nud.Counters
}

// Session provisions one interface.
type Session struct {
	iface    string
	cfg      config.Provisioning
	stateDir string
	clock    timer.Clock
	tr       Transport
	ifc      netif.Configurator
	cache    leasecache.Store
	cb       Callbacks
	log      *slog.Logger

	events chan event
	done   chan struct{}
	closed bool

	tmSession *timer.Scheduler
	tm4       *timer.Scheduler
	tm6       *timer.Scheduler
	tmRA      *timer.Scheduler
	tmNUD     *timer.Scheduler

	mac       net.HardwareAddr
	linkLocal netip.Addr

	d4 *dhcp4.Client
	d6 *dhcp6.Client
	ra *slaac.Processor
	nd *nud.Monitor

	state State

	// Last values surfaced by sub-component hooks.
	lease      *packet.Lease4
	pd         []dhcp6.BoundPrefix
	raAddrs    []slaac.Address
	raDNS      []netip.Addr
	router     *slaac.Router
	routerDown bool
	pref64     netip.Prefix
	raMTU      int
	failedDNS  map[netip.Addr]bool

	snap        Snapshot
	dirty       bool
	succeeded   bool
	sufficient  bool
	roamPending bool

	filtering bool
	dtim      int

	mu     sync.Mutex
	status Status
}

// New creates a stopped session. The caller runs the event loop with Run
// and then drives the session through its command methods.
func New(iface string, cfg config.Provisioning, stateDir string, clock timer.Clock,
	tr Transport, ifc netif.Configurator, cache leasecache.Store, cb Callbacks,
	log *slog.Logger) *Session {
	s := &Session{
		iface:     iface,
		cfg:       cfg,
		stateDir:  stateDir,
		clock:     clock,
		tr:        tr,
		ifc:       ifc,
		cache:     cache,
		cb:        cb,
		log:       log.With("component", "session", "iface", iface),
		events:    make(chan event, eventQueueDepth),
		done:      make(chan struct{}),
		state:     Stopped,
		failedDNS: make(map[netip.Addr]bool),
		filtering: true,
		dtim:      DTIMNoOpinion,
	}
	s.tmSession = timer.New(clock, s.timerFire(fsmSession))
	s.tm4 = timer.New(clock, s.timerFire(fsmDHCP4))
	s.tm6 = timer.New(clock, s.timerFire(fsmDHCP6))
	s.tmRA = timer.New(clock, s.timerFire(fsmSLAAC))
	s.tmNUD = timer.New(clock, s.timerFire(fsmNUD))
	s.publish()
	return s
}

func (s *Session) timerFire(fsm int) func(string) {
	return func(name string) { s.enqueue(timerEvent{fsm: fsm, name: name}) }
}

// Run consumes the event queue until Shutdown. It is the only goroutine
// that touches session state.
func (s *Session) Run() {
	for ev := range s.events {
		s.handle(ev)
		if s.closed {
			close(s.done)
			return
		}
	}
}

func (s *Session) enqueue(ev event) {
	select {
	case s.events <- ev:
	default:
		// A full queue means the loop is wedged; dropping is the only
		// non-blocking option left.
		s.log.Warn("session: event queue full, dropping event", "event", "QUEUE_FULL")
	}
}

// OnFrame posts a received frame. Called from transport read loops.
func (s *Session) OnFrame(proto int, frame []byte, src net.HardwareAddr) {
	s.enqueue(frameEvent{proto: proto, frame: frame, src: src})
}

// --- command surface; all methods just enqueue ---

// Start begins provisioning.
func (s *Session) Start() { s.enqueue(startEvent{}) }

// Stop tears provisioning down and returns the session to Stopped.
func (s *Session) Stop() { s.enqueue(stopEvent{}) }

// Shutdown stops the session and terminates the event loop. It returns
// once the loop has exited.
func (s *Session) Shutdown() {
	s.enqueue(shutdownEvent{})
	<-s.done
}

// ConfirmConfiguration asks the reachability monitor to re-verify every
// watched neighbor, typically after the caller validated connectivity.
func (s *Session) ConfirmConfiguration() { s.enqueue(confirmEvent{}) }

// NotifyPreconnectionComplete resolves a pending preconnect attempt.
func (s *Session) NotifyPreconnectionComplete(success bool) {
	s.enqueue(preconnectEvent{success: success})
}

// UpdateLayer2Information reports the current link identity. A BSSID
// change within the same network triggers roam re-verification.
func (s *Session) UpdateLayer2Information(l2Key, cluster, bssid string) {
	s.enqueue(l2Event{l2Key: l2Key, cluster: cluster, bssid: bssid})
}

// SetMulticastFilter reports whether multicast filtering is active.
// While it is off the session pins the DTIM hint to the multicast-lock
// value.
func (s *Session) SetMulticastFilter(enabled bool) {
	s.enqueue(multicastEvent{enabled: enabled})
}

// Status returns a copy of the last published state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Iface returns the interface this session provisions.
func (s *Session) Iface() string { return s.iface }

// --- event loop ---

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case frameEvent:
		s.handleFrame(ev)
	case timerEvent:
		s.handleTimer(ev)
	case startEvent:
		s.handleStart()
	case stopEvent:
		s.handleStop()
	case shutdownEvent:
		s.handleStop()
		s.tmSession.Stop()
		s.tm4.Stop()
		s.tm6.Stop()
		s.tmRA.Stop()
		s.tmNUD.Stop()
		s.closed = true
	case confirmEvent:
		if s.state == Running && s.nd != nil {
			s.log.Info("session: confirming configuration", "event", "CONFIRM")
			s.nd.Confirm()
		}
	case preconnectEvent:
		s.handlePreconnect(ev.success)
	case multicastEvent:
		s.handleMulticastFilter(ev.enabled)
	case l2Event:
		s.handleL2Update(ev)
	}
	if s.dirty {
		s.dirty = false
		s.sync()
	}
	s.publish()
}

func (s *Session) handleFrame(ev frameEvent) {
	if s.state != Running && s.state != Preconnecting {
		return
	}
	switch ev.proto {
	case rawsock.ProtoARP:
		if s.d4 == nil {
			return
		}
		pkt, err := packet.ParseARP(ev.frame)
		if err != nil {
			return
		}
		s.d4.HandleARP(pkt)
	case rawsock.ProtoIPv4:
		if s.d4 != nil {
			s.d4.HandleFrame(ev.frame, ev.src)
		}
	case rawsock.ProtoIPv6:
		if icmp, src, dst, err := packet.ParseNDFrame(ev.frame); err == nil {
			msg, err := packet.ParseND(icmp, src, dst)
			if err != nil {
				return
			}
			switch nd := msg.(type) {
			case *packet.RouterAdvert:
				if s.ra != nil {
					s.ra.HandleRA(nd, src)
				}
			case *packet.NeighborAdvert:
				if s.nd != nil {
					s.nd.HandleNA(nd)
				}
			}
			return
		}
		if s.d6 != nil {
			s.d6.HandleFrame(ev.frame, ev.src)
		}
	}
}

func (s *Session) handleTimer(ev timerEvent) {
	switch ev.fsm {
	case fsmSession:
		if ev.name == tmPreconnect && s.state == Preconnecting {
			// The DHCPv4 client restarts its own discovery on timeout;
			// the session just stops waiting for the caller.
			s.log.Info("session: preconnect budget expired", "event", "PRECONNECT_TIMEOUT")
			s.finishPreconnect()
		}
	case fsmDHCP4:
		if s.d4 != nil {
			s.d4.HandleTimer(ev.name)
		}
	case fsmDHCP6:
		if s.d6 != nil {
			s.d6.HandleTimer(ev.name)
		}
	case fsmSLAAC:
		if s.ra != nil {
			s.ra.HandleTimer(ev.name)
		}
	case fsmNUD:
		if s.nd != nil {
			s.nd.HandleTimer(ev.name)
		}
	}
}

// --- lifecycle ---

func (s *Session) handleStart() {
	if s.state != Stopped {
		s.log.Warn("session: start ignored", "event", "START_IGNORED", "state", s.state.String())
		return
	}
	s.state = Starting
	s.log.Info("session: starting", "event", "SESSION_START")

	mac, _, err := s.ifc.LinkInfo(s.iface)
	if err != nil {
		s.log.Error("session: link lookup failed", "event", "LINK_ERROR", "err", err)
		s.state = Stopped
		s.cb.ProvisioningFailure(Snapshot{Iface: s.iface})
		return
	}
	s.mac = mac
	s.linkLocal = dhcp6.LinkLocalFromMAC(mac)

	// Stale addresses from a previous run would leak into the first
	// snapshot; clear them before any client starts.
	s.state = ClearingAddresses
	if err := s.ifc.FlushAddresses(s.iface); err != nil {
		s.log.Warn("session: address flush failed", "event", "FLUSH_ERROR", "err", err)
	}

	s.buildComponents()

	if s.cfg.Preconnect && s.d4 != nil {
		frame, err := s.d4.BuildPreconnectDiscover()
		if err == nil {
			s.state = Preconnecting
			s.log.Info("session: preconnect discover built", "event", "PRECONNECT_START")
			s.cb.PreconnectDiscover(frame)
			s.tmSession.Schedule(tmPreconnect, preconnectBudget)
			s.startIPv6()
			s.dirty = true
			return
		}
		s.log.Warn("session: preconnect build failed", "event", "PRECONNECT_ERROR", "err", err)
	}
	s.launch()
}

func (s *Session) buildComponents() {
	wantV4 := s.cfg.IPv4Enabled() && !s.cfg.LinkLocalOnly && !s.cfg.StaticIPv4Prefix().IsValid()
	wantV6 := s.cfg.IPv6Enabled() && !s.cfg.LinkLocalOnly

	if wantV4 {
		s.d4 = dhcp4.New(s.iface, s.mac, s.cfg, s.clock, s.tm4, dhcp4Hooks{s}, s.log)
	}
	if wantV6 {
		s.ra = slaac.New(s.iface, s.mac, s.linkLocal, s.cfg, s.stateDir,
			s.clock, s.tmRA, slaacHooks{s}, s.log)
		if s.cfg.EnablePD {
			s.d6 = dhcp6.New(s.iface, s.mac, s.linkLocal, s.cfg, s.stateDir,
				s.clock, s.tm6, dhcp6Hooks{s}, s.log)
		}
	}
	if s.cfg.NUDEnabled() && wantV6 {
		s.nd = nud.New(s.iface, s.mac, s.linkLocal, s.cfg.NUD,
			s.clock, s.tmNUD, nudHooks{s}, s.log)
	}
}

// launch starts every configured client and enters Running.
func (s *Session) launch() {
	s.state = Running
	s.startIPv4()
	s.startIPv6()
	s.dirty = true
}

// finishPreconnect leaves Preconnecting: IPv4 and IPv6 are already in
// flight, the session only transitions to Running.
func (s *Session) finishPreconnect() {
	s.tmSession.Cancel(tmPreconnect)
	s.state = Running
	s.dirty = true
}

// startIPv6 starts the RA processor and the PD client.
func (s *Session) startIPv6() {
	if s.ra != nil {
		s.ra.Start()
	}
	if s.d6 != nil {
		s.d6.Start()
	}
}

func (s *Session) startIPv4() {
	if s.d4 == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	attrs := s.cache.Retrieve(ctx, s.cacheKey())
	cancel()
	if attrs != nil && !attrs.Expired(s.clock.Now()) {
		s.d4.StartReboot(attrs)
		return
	}
	s.d4.Start()
}

func (s *Session) cacheKey() string {
	if s.cfg.L2Key != "" {
		return s.iface + "|" + s.cfg.L2Key
	}
	return s.iface
}

func (s *Session) handlePreconnect(success bool) {
	if s.state != Preconnecting {
		return
	}
	if s.d4 != nil {
		s.d4.NotifyPreconnectComplete(success)
	}
	s.finishPreconnect()
}

func (s *Session) handleStop() {
	if s.state == Stopped {
		return
	}
	s.state = Stopping
	s.log.Info("session: stopping", "event", "SESSION_STOP")

	if s.d4 != nil {
		s.d4.Stop()
	}
	if s.d6 != nil {
		s.d6.Stop()
	}
	if s.ra != nil {
		s.ra.Stop()
	}
	if s.nd != nil {
		s.nd.Stop()
	}
	s.tmSession.CancelAll()

	for _, r := range s.snap.Routes {
		if err := s.ifc.RemoveRoute(s.iface, r.Dst, r.Gateway); err != nil {
			s.log.Warn("session: route removal failed", "event", "ROUTE_ERROR",
				"dst", r.Dst.String(), "err", err)
		}
	}
	if err := s.ifc.FlushAddresses(s.iface); err != nil {
		s.log.Warn("session: address flush failed", "event", "FLUSH_ERROR", "err", err)
	}

	s.d4, s.d6, s.ra, s.nd = nil, nil, nil, nil
	s.lease = nil
	s.pd = nil
	s.raAddrs = nil
	s.raDNS = nil
	s.router = nil
	s.routerDown = false
	s.pref64 = netip.Prefix{}
	s.raMTU = 0
	s.failedDNS = make(map[netip.Addr]bool)
	s.succeeded = false
	s.sufficient = false
	s.roamPending = false
	s.dirty = false

	s.snap = Snapshot{Iface: s.iface}
	s.cb.LinkPropertiesChange(s.snap)
	s.setDTIM(DTIMNoOpinion)
	s.state = Stopped
}

func (s *Session) handleMulticastFilter(enabled bool) {
	if s.filtering == enabled {
		return
	}
	s.filtering = enabled
	s.log.Info("session: multicast filter updated", "event", "MCAST_FILTER", "enabled", enabled)
	s.cb.SetFallbackMulticastFilter(enabled)
	s.applyDTIM()
}

func (s *Session) handleL2Update(ev l2Event) {
	prevKey, prevBSSID := s.cfg.L2Key, s.cfg.BSSID
	s.cfg.L2Key = ev.l2Key
	s.cfg.Cluster = ev.cluster
	s.cfg.BSSID = ev.bssid
	if s.state != Running {
		return
	}
	if prevKey != "" && ev.l2Key != prevKey {
		// A different network identity invalidates everything the
		// session learned; the caller is expected to stop and restart.
		s.log.Warn("session: layer-2 network changed while running",
			"event", "L2_NETWORK_CHANGED", "l2key", ev.l2Key)
		return
	}
	if ev.bssid == "" || prevBSSID == "" || ev.bssid == prevBSSID {
		return
	}
	s.log.Info("session: roam detected", "event", "ROAM",
		"bssid", ev.bssid, "prev_bssid", prevBSSID)
	s.roamPending = true
	s.cb.SetNeighborDiscoveryOffload(false)
	if s.d4 != nil {
		s.d4.Roam()
	}
	if s.nd != nil {
		s.nd.Roam()
	}
}

// --- sub-component notifications (called from hooks.go) ---

func (s *Session) onLeaseAcquired(l *packet.Lease4) {
	s.lease = l
	s.roamPending = false
	s.cache.Store(s.cacheKey(), &leasecache.Attributes{
		AssignedAddr: l.ClientAddr,
		PrefixLen:    l.PrefixLen,
		ServerID:     l.ServerID,
		Gateway:      l.Gateway,
		DNS:          l.DNS,
		LeaseSecs:    l.LeaseSecs,
		AcquiredAt:   s.clock.Now(),
		MTU:          uint16(l.MTU),
		Domain:       l.Domain,
	})
	s.cb.NewDHCPResults(l)
	s.dirty = true
}

func (s *Session) onLeaseLost() {
	s.lease = nil
	s.cb.NewDHCPResults(nil)
	if s.roamPending {
		// A NAK on the post-roam re-acquire means the new AP's network
		// rejected our address: surface it as a roam failure rather
		// than a silent lease expiry.
		s.roamPending = false
		s.cb.ReachabilityFailure("RoamFailure dhcp4 lease rejected after roam")
	}
	s.dirty = true
}

func (s *Session) onAcquisitionFailed(proto string) {
	s.log.Warn("session: acquisition budget exhausted", "event", "ACQUISITION_FAILED",
		"proto", proto)
	if !s.succeeded {
		s.cb.ProvisioningFailure(s.snap)
	}
}

func (s *Session) onV6OnlyWait(wait time.Duration) {
	s.log.Info("session: IPv4 deferred, IPv6-only network", "event", "V6ONLY_DEFER",
		"wait", wait.String())
	s.dirty = true
}

func (s *Session) onDelegationChanged(prefixes []dhcp6.BoundPrefix) {
	s.pd = prefixes
	s.dirty = true
}

// onDelegationRefreshed pushes extended lifetimes for delegated addresses
// straight to the kernel. Nothing else moved, so no snapshot is published.
func (s *Session) onDelegationRefreshed(prefixes []dhcp6.BoundPrefix) {
	s.pd = prefixes
	now := s.clock.Now()
	for _, p := range prefixes {
		addr, ok := delegatedAddress(p.Prefix, s.mac)
		if !ok {
			continue
		}
		pref := lifetimeSecs(orForever(p.PreferredUntil), now)
		valid := lifetimeSecs(orForever(p.ValidUntil), now)
		if err := s.ifc.AddAddress(s.iface, netip.PrefixFrom(addr, 64), pref, valid); err != nil {
			s.log.Warn("session: address refresh failed", "event", "ADDR_ERROR",
				"addr", addr.String(), "err", err)
			continue
		}
		for i := range s.snap.Addresses {
			a := &s.snap.Addresses[i]
			if a.Origin == OriginDelegated && a.Addr == addr {
				a.PreferredUntil = orForever(p.PreferredUntil)
				a.ValidUntil = orForever(p.ValidUntil)
			}
		}
	}
}

func (s *Session) onDelegationLost() {
	s.pd = nil
	s.dirty = true
}

func (s *Session) onAddressesChanged(addrs []slaac.Address) {
	s.raAddrs = addrs
	s.dirty = true
}

func (s *Session) onDNSChanged(servers []netip.Addr) {
	s.raDNS = servers
	current := make(map[netip.Addr]bool, len(servers))
	for _, d := range servers {
		current[d] = true
		if s.nd != nil && d.Is6() && d.IsLinkLocalUnicast() {
			s.nd.Watch(d, nud.OnLinkDNS, nil)
		}
	}
	for d := range s.failedDNS {
		if !current[d] {
			delete(s.failedDNS, d)
		}
	}
	if s.nd != nil {
		for _, e := range s.nd.Entries() {
			if e.Kind == nud.OnLinkDNS && !current[e.Addr] {
				s.nd.Unwatch(e.Addr)
			}
		}
	}
	s.dirty = true
}

func (s *Session) onRouterChanged(rt slaac.Router) {
	s.router = &rt
	s.routerDown = false
	if s.nd != nil {
		s.nd.Watch(rt.Addr, nud.DefaultRouter, rt.MAC)
	}
	s.dirty = true
}

func (s *Session) onPref64Changed(prefix netip.Prefix) {
	s.pref64 = prefix
	s.dirty = true
}

func (s *Session) onMTUChanged(mtu uint32) {
	s.raMTU = int(mtu)
	s.dirty = true
}

func (s *Session) onStackReset() {
	s.log.Info("session: IPv6 stack reset", "event", "V6_RESET")
	if s.nd != nil {
		if s.router != nil {
			s.nd.Unwatch(s.router.Addr)
		}
		for _, d := range s.raDNS {
			if d.IsLinkLocalUnicast() {
				s.nd.Unwatch(d)
			}
		}
	}
	s.router = nil
	s.routerDown = false
	s.raAddrs = nil
	s.raDNS = nil
	s.pref64 = netip.Prefix{}
	s.failedDNS = make(map[netip.Addr]bool)
	s.dirty = true
}

func (s *Session) onReachabilityFailure(addr netip.Addr, kind nud.Kind, class nud.FailureClass) {
	s.cb.ReachabilityFailure(fmt.Sprintf("%s %s %s", class, kind, addr))
	switch kind {
	case nud.DefaultRouter, nud.DelegatedNextHop:
		s.routerDown = true
		if class == nud.RoamMacChanged || class == nud.RoamFailure {
			// The gateway changed under us; the IPv4 lease may belong
			// to the old segment.
			if s.d4 != nil {
				s.roamPending = true
				s.d4.Roam()
			}
		}
	case nud.OnLinkDNS:
		s.failedDNS[addr] = true
	}
	s.dirty = true
}

func (s *Session) onNeighborReachable(addr netip.Addr, kind nud.Kind) {
	switch kind {
	case nud.DefaultRouter, nud.DelegatedNextHop:
		if s.routerDown {
			s.routerDown = false
			s.dirty = true
		}
	case nud.OnLinkDNS:
		if s.failedDNS[addr] {
			delete(s.failedDNS, addr)
			s.dirty = true
		}
	}
	if s.roamPending && kind == nud.DefaultRouter {
		s.cb.SetNeighborDiscoveryOffload(true)
	}
}

// --- snapshot reduction and publication ---

func (s *Session) sync() {
	next := s.reduce()
	s.applyInterface(&s.snap, &next)
	changed := !next.Equal(&s.snap)
	s.snap = next

	suff := s.sufficientNow(&next)
	switch {
	case suff && !s.succeeded:
		s.succeeded = true
		s.log.Info("session: provisioning complete", "event", "PROVISIONED")
		s.cb.ProvisioningSuccess(next)
		s.cb.SetNeighborDiscoveryOffload(true)
	case !suff && s.sufficient:
		s.log.Warn("session: connectivity lost", "event", "PROVISIONING_LOST")
		s.cb.ProvisioningFailure(next)
	case changed && s.succeeded:
		s.cb.LinkPropertiesChange(next)
	}
	s.sufficient = suff
	s.applyDTIM()
}

// sufficientNow evaluates the configured minimum connectivity against a
// snapshot: a global address on any enabled stack, plus a default route
// for IPv6.
func (s *Session) sufficientNow(snap *Snapshot) bool {
	if s.state != Running && s.state != Preconnecting {
		return false
	}
	if s.cfg.LinkLocalOnly {
		return true
	}
	if s.cfg.IPv4Enabled() && snap.HasIPv4() {
		return true
	}
	if s.cfg.IPv6Enabled() && snap.HasGlobalIPv6() && snap.HasIPv6DefaultRoute() {
		return true
	}
	return false
}

// reduce builds a fresh snapshot from the sub-component state. All slices
// are sorted so Equal is order-insensitive.
func (s *Session) reduce() Snapshot {
	snap := Snapshot{Iface: s.iface}
	if s.state != Running && s.state != Preconnecting {
		return snap
	}

	if s.linkLocal.IsValid() {
		snap.Addresses = append(snap.Addresses, AddressRecord{
			Addr:           s.linkLocal,
			PrefixLen:      64,
			Origin:         OriginLinkLocal,
			PreferredUntil: Forever,
			ValidUntil:     Forever,
		})
	}

	if p := s.cfg.StaticIPv4Prefix(); p.IsValid() {
		snap.Addresses = append(snap.Addresses, AddressRecord{
			Addr:           p.Addr(),
			PrefixLen:      p.Bits(),
			Origin:         OriginStatic,
			PreferredUntil: Forever,
			ValidUntil:     Forever,
		})
	}

	if l := s.lease; l != nil {
		until := Forever
		if l.LeaseSecs != nil {
			if dl := s.d4.ExpiresAt(); !dl.IsZero() {
				until = dl
			}
		}
		snap.Addresses = append(snap.Addresses, AddressRecord{
			Addr:           l.ClientAddr,
			PrefixLen:      l.PrefixLen,
			Origin:         OriginDHCP,
			PreferredUntil: until,
			ValidUntil:     until,
		})
		if l.Gateway.IsValid() {
			snap.Routes = append(snap.Routes, Route{
				Dst:     netip.PrefixFrom(netip.IPv4Unspecified(), 0),
				Gateway: l.Gateway,
			})
		}
		snap.DNSServers = append(snap.DNSServers, l.DNS...)
		if l.Domain != "" {
			snap.Domains = append(snap.Domains, l.Domain)
		}
		snap.Domains = append(snap.Domains, l.SearchList...)
		snap.CaptivePortalURL = l.CaptivePortalURL
		snap.DHCPServer = l.ServerID
		snap.MTU = l.MTU
	}

	for _, a := range s.raAddrs {
		origin := OriginSLAACPrivacy
		if a.Stable {
			origin = OriginSLAACStable
		}
		snap.Addresses = append(snap.Addresses, AddressRecord{
			Addr:           a.Addr,
			PrefixLen:      a.Prefix.Bits(),
			Origin:         origin,
			Deprecated:     a.Deprecated,
			PreferredUntil: orForever(a.PreferredUntil),
			ValidUntil:     orForever(a.ValidUntil),
		})
	}

	for _, p := range s.pd {
		addr, ok := delegatedAddress(p.Prefix, s.mac)
		if !ok {
			continue
		}
		snap.Addresses = append(snap.Addresses, AddressRecord{
			Addr:           addr,
			PrefixLen:      64,
			Origin:         OriginDelegated,
			PreferredUntil: orForever(p.PreferredUntil),
			ValidUntil:     orForever(p.ValidUntil),
		})
	}

	if s.router != nil && !s.routerDown {
		snap.Routes = append(snap.Routes, Route{
			Dst:     netip.PrefixFrom(netip.IPv6Unspecified(), 0),
			Gateway: s.router.Addr,
		})
	}

	for _, d := range s.raDNS {
		if !s.failedDNS[d] {
			snap.DNSServers = append(snap.DNSServers, d)
		}
	}

	if s.raMTU > 0 {
		snap.MTU = s.raMTU
	}
	snap.NAT64Prefix = s.pref64

	sort.Slice(snap.Addresses, func(i, j int) bool {
		return snap.Addresses[i].Addr.Less(snap.Addresses[j].Addr)
	})
	sort.Slice(snap.Routes, func(i, j int) bool {
		return snap.Routes[i].Dst.String() < snap.Routes[j].Dst.String()
	})
	sort.Slice(snap.DNSServers, func(i, j int) bool {
		return snap.DNSServers[i].Less(snap.DNSServers[j])
	})
	sort.Strings(snap.Domains)
	return snap
}

// applyInterface pushes the difference between two snapshots down to the
// interface configurator.
func (s *Session) applyInterface(old, next *Snapshot) {
	prevAddrs := make(map[netip.Addr]AddressRecord, len(old.Addresses))
	for _, a := range old.Addresses {
		prevAddrs[a.Addr] = a
	}
	nextAddrs := make(map[netip.Addr]AddressRecord, len(next.Addresses))
	for _, a := range next.Addresses {
		nextAddrs[a.Addr] = a
	}
	for addr, a := range prevAddrs {
		if _, ok := nextAddrs[addr]; !ok {
			if err := s.ifc.RemoveAddress(s.iface, a.Prefix()); err != nil {
				s.log.Warn("session: address removal failed", "event", "ADDR_ERROR",
					"addr", addr.String(), "err", err)
			}
		}
	}
	now := s.clock.Now()
	for addr, a := range nextAddrs {
		if prev, ok := prevAddrs[addr]; ok && prev == a {
			continue
		}
		pref := lifetimeSecs(a.PreferredUntil, now)
		if a.Deprecated {
			pref = 0
		}
		if err := s.ifc.AddAddress(s.iface, a.Prefix(), pref, lifetimeSecs(a.ValidUntil, now)); err != nil {
			s.log.Warn("session: address install failed", "event", "ADDR_ERROR",
				"addr", addr.String(), "err", err)
		}
	}

	prevRoutes := make(map[Route]bool, len(old.Routes))
	for _, r := range old.Routes {
		prevRoutes[r] = true
	}
	nextRoutes := make(map[Route]bool, len(next.Routes))
	for _, r := range next.Routes {
		nextRoutes[r] = true
	}
	for r := range prevRoutes {
		if !nextRoutes[r] {
			if err := s.ifc.RemoveRoute(s.iface, r.Dst, r.Gateway); err != nil {
				s.log.Warn("session: route removal failed", "event", "ROUTE_ERROR",
					"dst", r.Dst.String(), "err", err)
			}
		}
	}
	for r := range nextRoutes {
		if !prevRoutes[r] {
			if err := s.ifc.AddRoute(s.iface, r.Dst, r.Gateway); err != nil {
				s.log.Warn("session: route install failed", "event", "ROUTE_ERROR",
					"dst", r.Dst.String(), "err", err)
			}
		}
	}

	if next.MTU > 0 && next.MTU != old.MTU {
		if err := s.ifc.SetMTU(s.iface, next.MTU); err != nil {
			s.log.Warn("session: MTU change failed", "event", "MTU_ERROR",
				"mtu", next.MTU, "err", err)
		}
	}
}

// --- DTIM policy ---

func (s *Session) applyDTIM() {
	want := DTIMNoOpinion
	if s.state == Running || s.state == Preconnecting {
		h := s.cfg.DTIM
		hasV4 := s.snap.HasIPv4()
		hasV6 := s.snap.HasGlobalIPv6()
		switch {
		case !s.filtering:
			want = h.MulticastLock
		case s.cfg.IPv6Enabled() && !hasV6:
			want = h.BeforeIPv6
		case hasV4 && hasV6:
			want = h.DualStack
		case hasV6:
			want = h.IPv6Only
		case hasV4:
			want = h.IPv4Only
		default:
			want = h.BeforeIPv6
		}
	}
	s.setDTIM(want)
}

func (s *Session) setDTIM(mult int) {
	if mult == s.dtim {
		return
	}
	s.dtim = mult
	s.cb.SetMaxDTIMMultiplier(mult)
}

// publish refreshes the cross-goroutine status copy.
func (s *Session) publish() {
	st := Status{
		Iface:    s.iface,
		State:    s.state.String(),
		Snapshot: s.snap,
		Lease:    s.lease,
	}
	if s.d4 != nil {
		st.DHCP4 = s.d4.Counters()
	}
	if s.d6 != nil {
		st.DHCP6 = s.d6.Counters()
		st.Prefixes = s.d6.Prefixes()
	}
	if s.ra != nil {
		st.SLAAC = s.ra.Counters()
	}
	if s.nd != nil {
		st.NUD = s.nd.Counters()
		st.Neighbors = s.nd.Entries()
	}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// --- helpers ---

func orForever(t time.Time) time.Time {
	if t.IsZero() {
		return Forever
	}
	return t
}

func lifetimeSecs(until time.Time, now time.Time) uint32 {
	if until.Equal(Forever) {
		return netif.LifetimeForever
	}
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := uint64(d / time.Second)
	if secs >= uint64(netif.LifetimeForever) {
		return netif.LifetimeForever - 1
	}
	return uint32(secs)
}

// delegatedAddress derives the interface's own address inside a delegated
// prefix: the first /64 with the modified EUI-64 interface identifier.
func delegatedAddress(prefix netip.Prefix, mac net.HardwareAddr) (netip.Addr, bool) {
	if !prefix.Addr().Is6() || prefix.Bits() > 64 || len(mac) != 6 {
		return netip.Addr{}, false
	}
	b := prefix.Addr().As16()
	b[8] = mac[0] ^ 0x02
	b[9] = mac[1]
	b[10] = mac[2]
	b[11] = 0xff
	b[12] = 0xfe
	b[13] = mac[3]
	b[14] = mac[4]
	b[15] = mac[5]
	return netip.AddrFrom16(b), true
}
