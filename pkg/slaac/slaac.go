// Package slaac processes Router Advertisements into IPv6 address, DNS,
// default-route, and NAT64-prefix state. It is not a strict FSM but an
// accumulator re-evaluated on every RA and every expiry alarm: prefixes
// yield privacy and stable-privacy addresses with deprecation/expiration
// deadlines, RDNSS entries are filtered by a minimum lifetime, and at
// most one /96 Pref64 prefix is active at a time.
//
// A Processor is confined to its session's event loop, like the DHCP
// clients, with all I/O behind Hooks.
package slaac

import (
	"crypto/rand"
	"crypto/sha256"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/packet"
	"github.com/psaab/ipprov/pkg/timer"
)

// Address is one autoconfigured global address. Deprecated addresses stay
// assigned but are not used for new connections. A zero PreferredUntil or
// ValidUntil means the corresponding lifetime is infinite.
type Address struct {
	Addr           netip.Addr
	Prefix         netip.Prefix
	Stable         bool
	Deprecated     bool
	PreferredUntil time.Time
	ValidUntil     time.Time
}

// Router is the current default router learned from RAs.
type Router struct {
	Addr      netip.Addr
	MAC       net.HardwareAddr
	ExpiresAt time.Time
}

// Hooks is how the processor reaches the outside world. Implementations
// run on the session loop and must not block.
type Hooks interface {
	// SendFrame transmits a complete Ethernet frame.
	SendFrame(frame []byte, dst net.HardwareAddr)
	// AddressesChanged fires when the address set or a deprecation flag
	// changes. Lifetime extensions alone do not fire it.
	AddressesChanged(addrs []Address)
	// DNSChanged fires when the accepted DNS server set changes.
	DNSChanged(servers []netip.Addr)
	// RouterChanged fires when the default router is adopted or replaced.
	RouterChanged(rt Router)
	// Pref64Changed fires when the NAT64 prefix is adopted or withdrawn.
	// An invalid prefix publishes "no NAT64 prefix".
	Pref64Changed(prefix netip.Prefix)
	// MTUChanged fires when an RA advertises a new link MTU.
	MTUChanged(mtu uint32)
	// StackReset fires when the router withdraws (lifetime zero or
	// expiry): every global address, DNS server, NAT64 prefix and the
	// default route are gone. A fresh solicitation follows shortly.
	StackReset()
}

// InfiniteLifetime is the RFC 4861 infinity sentinel for PIO lifetimes.
const InfiniteLifetime = uint32(0xffffffff)

// Solicitation timing per RFC 4861 §6.3.7, plus the short delay before
// re-soliciting after a router withdrawal.
const (
	maxSolicits      = 3
	solicitInterval  = 4 * time.Second
	resolicitDelay   = time.Second
	secretFilePrefix = "slaac-secret-"
)

// Timer names on the processor's scheduler.
const (
	tmSolicit    = "solicit"
	tmRouter     = "router-lifetime"
	tmPref64     = "pref64"
	deprecateTm  = "deprecate/"
	invalidateTm = "invalidate/"
	dnsExpireTm  = "dns/"
)

// Counters are monotonic protocol counters, read by the metrics collector.
type Counters struct {
	Solicits      uint64
	Adverts       uint64
	GratuitousNAs uint64
	IgnoredPIOs   uint64
	DroppedDNS    uint64
	IgnoredPref64 uint64
}

// Processor accumulates RA-derived state for one interface.
type Processor struct {
	iface     string
	mac       net.HardwareAddr
	linkLocal netip.Addr
	cfg       config.Provisioning
	stateDir  string
	clock     timer.Clock
	tm        *timer.Scheduler
	hooks     Hooks
	log       *slog.Logger

	started  bool
	solicits int
	secret   []byte

	router  *Router
	mtu     uint32
	addrs   map[netip.Addr]*Address
	iids    map[iidKey][8]byte
	dns     map[netip.Addr]time.Time
	pref64  netip.Prefix

	counters Counters
}

type iidKey struct {
	prefix netip.Prefix
	stable bool
}

// New creates a stopped processor. linkLocal is the interface's IPv6
// link-local address used as the source of solicitations. tm must be a
// scheduler whose fire function routes timer names back to HandleTimer on
// the session loop.
func New(iface string, mac net.HardwareAddr, linkLocal netip.Addr, cfg config.Provisioning,
	stateDir string, clock timer.Clock, tm *timer.Scheduler, hooks Hooks, log *slog.Logger) *Processor {
	return &Processor{
		iface:     iface,
		mac:       mac,
		linkLocal: linkLocal,
		cfg:       cfg,
		stateDir:  stateDir,
		clock:     clock,
		tm:        tm,
		hooks:     hooks,
		log:       log.With("component", "slaac", "iface", iface),
		addrs:     make(map[netip.Addr]*Address),
		iids:      make(map[iidKey][8]byte),
		dns:       make(map[netip.Addr]time.Time),
	}
}

// Counters returns a snapshot of the protocol counters.
func (p *Processor) Counters() Counters { return p.counters }

// Router returns the current default router, or nil.
func (p *Processor) Router() *Router {
	if p.router == nil {
		return nil
	}
	rt := *p.router
	return &rt
}

// Pref64 returns the active NAT64 prefix; invalid when none is active.
func (p *Processor) Pref64() netip.Prefix { return p.pref64 }

// Addresses returns the current address set, sorted for stable
// publication.
func (p *Processor) Addresses() []Address {
	out := make([]Address, 0, len(p.addrs))
	for _, a := range p.addrs {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr.Less(out[j].Addr)
	})
	return out
}

// DNSServers returns the accepted DNS servers, sorted.
func (p *Processor) DNSServers() []netip.Addr {
	out := make([]netip.Addr, 0, len(p.dns))
	for a := range p.dns {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Start begins router discovery.
func (p *Processor) Start() {
	p.clear()
	p.started = true
	p.ensureSecret()
	p.solicits = 0
	p.sendSolicit()
}

// Stop clears all accumulated state without publishing anything.
func (p *Processor) Stop() {
	p.clear()
}

func (p *Processor) clear() {
	p.tm.CancelAll()
	p.started = false
	p.router = nil
	p.mtu = 0
	p.addrs = make(map[netip.Addr]*Address)
	p.dns = make(map[netip.Addr]time.Time)
	p.pref64 = netip.Prefix{}
}

// ensureSecret loads or generates the per-interface secret that keys
// stable-privacy interface identifiers. Persistence keeps the stable
// address stable across restarts.
func (p *Processor) ensureSecret() {
	if p.secret != nil {
		return
	}
	path := filepath.Join(p.stateDir, secretFilePrefix+p.iface)
	if data, err := os.ReadFile(path); err == nil && len(data) == 32 {
		p.secret = data
		return
	}
	p.secret = make([]byte, 32)
	if _, err := rand.Read(p.secret); err != nil {
		p.log.Error("slaac: reading randomness for stable secret", "err", err)
	}
	if err := os.MkdirAll(p.stateDir, 0755); err == nil {
		if err := os.WriteFile(path, p.secret, 0600); err != nil {
			p.log.Warn("slaac: failed to persist stable secret", "err", err)
		}
	}
}

// --- solicitation ---

func (p *Processor) sendSolicit() {
	p.solicits++
	p.counters.Solicits++
	icmp := packet.MarshalRouterSolicit(&packet.RouterSolicit{SourceLLA: p.mac},
		p.linkLocal, packet.AllRoutersMulticast)
	dst := packet.MulticastMAC(packet.AllRoutersMulticast)
	frame := packet.BuildNDFrame(p.mac, dst, p.linkLocal, packet.AllRoutersMulticast, icmp)
	p.hooks.SendFrame(frame, dst)
	if p.solicits < maxSolicits {
		p.tm.Schedule(tmSolicit, solicitInterval)
	}
}

// --- RA processing ---

// HandleRA applies one Router Advertisement received from src.
func (p *Processor) HandleRA(ra *packet.RouterAdvert, src netip.Addr) {
	if !p.started {
		return
	}
	p.counters.Adverts++

	if ra.RouterLifetime == 0 {
		if p.router != nil && p.router.Addr == src {
			p.log.Info("slaac: router withdrew itself",
				"event", "ROUTER_WITHDRAWN", "addr", src.String())
			p.resetStack()
		}
		return
	}

	p.adoptRouter(ra, src)

	if ra.MTU != 0 && ra.MTU != p.mtu {
		p.mtu = ra.MTU
		p.hooks.MTUChanged(ra.MTU)
	}

	p.applyPrefixes(ra.Prefixes)
	p.applyRDNSS(ra.RDNSS)
	p.applyPref64(ra.Pref64)
}

func (p *Processor) adoptRouter(ra *packet.RouterAdvert, src netip.Addr) {
	lifetime := time.Duration(ra.RouterLifetime) * time.Second
	changed := p.router == nil || p.router.Addr != src
	if p.router == nil {
		p.router = &Router{}
		p.tm.Cancel(tmSolicit)
	}
	p.router.Addr = src
	if len(ra.SourceLLA) == 6 {
		p.router.MAC = ra.SourceLLA
	}
	p.router.ExpiresAt = p.clock.Now().Add(lifetime)
	p.tm.Schedule(tmRouter, lifetime)
	if changed {
		p.log.Info("slaac: default router adopted",
			"event", "ROUTER_ADOPTED", "addr", src.String(),
			"lifetime", ra.RouterLifetime)
		p.hooks.RouterChanged(*p.router)
	}
}

func (p *Processor) applyPrefixes(pios []packet.PrefixInfo) {
	changed := false
	for _, pio := range pios {
		if !pio.Autonomous || pio.Prefix.Bits() != 64 || !pio.Prefix.Addr().Is6() {
			p.counters.IgnoredPIOs++
			continue
		}
		if pio.PreferredLifetime > pio.ValidLifetime && pio.ValidLifetime != InfiniteLifetime {
			p.counters.IgnoredPIOs++
			continue
		}
		if p.applyPIO(pio, false) {
			changed = true
		}
		if p.cfg.StableAddressesEnabled() && p.applyPIO(pio, true) {
			changed = true
		}
	}
	if changed {
		p.hooks.AddressesChanged(p.Addresses())
	}
}

// applyPIO updates one address variant for a prefix and reports whether
// the published set changed.
func (p *Processor) applyPIO(pio packet.PrefixInfo, stable bool) bool {
	addr := p.addressFor(pio.Prefix, stable)
	a, held := p.addrs[addr]

	if pio.ValidLifetime == 0 {
		if !held {
			return false
		}
		p.tm.Cancel(deprecateTm + addr.String())
		p.tm.Cancel(invalidateTm + addr.String())
		delete(p.addrs, addr)
		p.log.Info("slaac: address invalidated",
			"event", "ADDR_REMOVED", "addr", addr.String())
		return true
	}

	changed := false
	if !held {
		a = &Address{Addr: addr, Prefix: pio.Prefix, Stable: stable}
		p.addrs[addr] = a
		changed = true
		p.log.Info("slaac: address configured",
			"event", "ADDR_ADDED", "addr", addr.String(), "stable", stable)
		if pio.PreferredLifetime > 0 {
			p.sendGratuitousNA(addr)
		}
	}

	now := p.clock.Now()
	wasDeprecated := a.Deprecated
	a.Deprecated = pio.PreferredLifetime == 0
	if a.Deprecated != wasDeprecated {
		changed = true
		// An address turning preferred announces itself like a new one.
		if !a.Deprecated {
			p.sendGratuitousNA(addr)
		}
	}

	if pio.PreferredLifetime == 0 || pio.PreferredLifetime == InfiniteLifetime {
		a.PreferredUntil = time.Time{}
		p.tm.Cancel(deprecateTm + addr.String())
	} else {
		a.PreferredUntil = now.Add(time.Duration(pio.PreferredLifetime) * time.Second)
		p.tm.Schedule(deprecateTm+addr.String(), time.Duration(pio.PreferredLifetime)*time.Second)
	}
	if pio.ValidLifetime == InfiniteLifetime {
		a.ValidUntil = time.Time{}
		p.tm.Cancel(invalidateTm + addr.String())
	} else {
		a.ValidUntil = now.Add(time.Duration(pio.ValidLifetime) * time.Second)
		p.tm.Schedule(invalidateTm+addr.String(), time.Duration(pio.ValidLifetime)*time.Second)
	}
	return changed
}

// addressFor derives the interface identifier for a prefix. Privacy
// addresses get a random identifier fixed for the life of the prefix;
// stable-privacy identifiers hash the persisted secret with the prefix
// and hardware address (RFC 7217 §5).
func (p *Processor) addressFor(prefix netip.Prefix, stable bool) netip.Addr {
	key := iidKey{prefix: prefix, stable: stable}
	iid, ok := p.iids[key]
	if !ok {
		if stable {
			h := sha256.New()
			h.Write(p.secret)
			b := prefix.Addr().As16()
			h.Write(b[:8])
			h.Write(p.mac)
			h.Write([]byte(p.iface))
			copy(iid[:], h.Sum(nil)[:8])
		} else {
			if _, err := rand.Read(iid[:]); err != nil {
				p.log.Error("slaac: reading randomness for privacy address", "err", err)
			}
			// Clear the universal/local bit: these are not EUI-64 derived.
			iid[0] &^= 0x02
		}
		p.iids[key] = iid
	}
	b := prefix.Addr().As16()
	copy(b[8:], iid[:])
	return netip.AddrFrom16(b)
}

// sendGratuitousNA announces a newly preferred address to the all-routers
// group so upstream neighbor caches learn it immediately.
func (p *Processor) sendGratuitousNA(addr netip.Addr) {
	p.counters.GratuitousNAs++
	na := &packet.NeighborAdvert{Override: true, Target: addr, TargetLLA: p.mac}
	icmp := packet.MarshalNeighborAdvert(na, addr, packet.AllRoutersMulticast)
	dst := packet.MulticastMAC(packet.AllRoutersMulticast)
	frame := packet.BuildNDFrame(p.mac, dst, addr, packet.AllRoutersMulticast, icmp)
	p.hooks.SendFrame(frame, dst)
}

func (p *Processor) applyRDNSS(opts []packet.RDNSS) {
	changed := false
	for _, opt := range opts {
		for _, server := range opt.Servers {
			_, held := p.dns[server]
			switch {
			case opt.Lifetime == 0:
				if held {
					delete(p.dns, server)
					p.tm.Cancel(dnsExpireTm + server.String())
					changed = true
					p.log.Info("slaac: dns server withdrawn",
						"event", "DNS_REMOVED", "addr", server.String())
				}
			case opt.Lifetime <= p.cfg.SLAAC.MinRDNSSLifetimeSecs:
				// Below the acceptance threshold. An already-accepted
				// entry keeps its previous expiry.
				p.counters.DroppedDNS++
			default:
				p.dns[server] = p.clock.Now().Add(time.Duration(opt.Lifetime) * time.Second)
				p.tm.Schedule(dnsExpireTm+server.String(), time.Duration(opt.Lifetime)*time.Second)
				if !held {
					changed = true
					p.log.Info("slaac: dns server accepted",
						"event", "DNS_ADDED", "addr", server.String(),
						"lifetime", opt.Lifetime)
				}
			}
		}
	}
	if changed {
		p.hooks.DNSChanged(p.DNSServers())
	}
}

func (p *Processor) applyPref64(opts []packet.Pref64) {
	for _, opt := range opts {
		if !opt.Prefix.IsValid() || opt.Prefix.Bits() != 96 {
			p.counters.IgnoredPref64++
			continue
		}
		switch {
		case opt.Lifetime == 0:
			if p.pref64 == opt.Prefix {
				p.tm.Cancel(tmPref64)
				p.pref64 = netip.Prefix{}
				p.log.Info("slaac: NAT64 prefix withdrawn", "event", "PREF64_REMOVED")
				p.hooks.Pref64Changed(netip.Prefix{})
			}
		case !p.pref64.IsValid():
			p.pref64 = opt.Prefix
			p.tm.ScheduleSecs(tmPref64, opt.Lifetime)
			p.log.Info("slaac: NAT64 prefix adopted",
				"event", "PREF64_ADDED", "prefix", opt.Prefix.String())
			p.hooks.Pref64Changed(opt.Prefix)
		case p.pref64 == opt.Prefix:
			// Same prefix: reschedule the expiry without an event.
			p.tm.ScheduleSecs(tmPref64, opt.Lifetime)
		default:
			// First-wins: a second concurrent prefix is ignored while
			// one is active.
			p.counters.IgnoredPref64++
		}
	}
}

// --- timers ---

// resetStack drops every piece of RA-derived state and re-solicits after
// a short delay.
func (p *Processor) resetStack() {
	p.tm.CancelAll()
	p.router = nil
	p.addrs = make(map[netip.Addr]*Address)
	p.dns = make(map[netip.Addr]time.Time)
	p.pref64 = netip.Prefix{}
	p.hooks.StackReset()
	p.solicits = 0
	p.tm.Schedule(tmSolicit, resolicitDelay)
}

// HandleTimer dispatches a fired timer by name.
func (p *Processor) HandleTimer(name string) {
	if !p.started {
		return
	}
	if addr, ok := strings.CutPrefix(name, deprecateTm); ok {
		p.deprecate(addr)
		return
	}
	if addr, ok := strings.CutPrefix(name, invalidateTm); ok {
		p.invalidate(addr)
		return
	}
	if addr, ok := strings.CutPrefix(name, dnsExpireTm); ok {
		p.expireDNS(addr)
		return
	}
	switch name {
	case tmSolicit:
		if p.router == nil {
			p.sendSolicit()
		}
	case tmRouter:
		p.log.Info("slaac: router lifetime expired", "event", "ROUTER_EXPIRED")
		p.resetStack()
	case tmPref64:
		p.pref64 = netip.Prefix{}
		p.log.Info("slaac: NAT64 prefix expired", "event", "PREF64_EXPIRED")
		p.hooks.Pref64Changed(netip.Prefix{})
	}
}

func (p *Processor) deprecate(s string) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return
	}
	a, held := p.addrs[addr]
	if !held || a.Deprecated {
		return
	}
	a.Deprecated = true
	p.log.Info("slaac: address deprecated", "event", "ADDR_DEPRECATED", "addr", s)
	p.hooks.AddressesChanged(p.Addresses())
}

func (p *Processor) invalidate(s string) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return
	}
	if _, held := p.addrs[addr]; !held {
		return
	}
	delete(p.addrs, addr)
	p.tm.Cancel(deprecateTm + s)
	p.log.Info("slaac: address expired", "event", "ADDR_EXPIRED", "addr", s)
	p.hooks.AddressesChanged(p.Addresses())
}

func (p *Processor) expireDNS(s string) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return
	}
	if _, held := p.dns[addr]; !held {
		return
	}
	delete(p.dns, addr)
	p.log.Info("slaac: dns server lifetime expired", "event", "DNS_EXPIRED", "addr", s)
	p.hooks.DNSChanged(p.DNSServers())
}
