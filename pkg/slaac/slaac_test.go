package slaac

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/packet"
	"github.com/psaab/ipprov/pkg/timer"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01}
	routerMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0xff}
	clientLL  = netip.MustParseAddr("fe80::10")
	routerLL  = netip.MustParseAddr("fe80::1")

	slaacPrefix  = netip.MustParsePrefix("2001:db8:1::/64")
	otherPrefix  = netip.MustParsePrefix("2001:db8:2::/64")
	nat64Prefix  = netip.MustParsePrefix("64:ff9b::/96")
	nat64Second  = netip.MustParsePrefix("64:ff9b:1::/96")
	dnsServer    = netip.MustParseAddr("2001:db8::53")
	dnsServerTwo = netip.MustParseAddr("2001:db8::54")
)

type sentFrame struct {
	frame []byte
	dst   net.HardwareAddr
}

type fakeHooks struct {
	frames  []sentFrame
	addrs   [][]Address
	dns     [][]netip.Addr
	routers []Router
	pref64s []netip.Prefix
	mtus    []uint32
	resets  int
}

func (h *fakeHooks) SendFrame(frame []byte, dst net.HardwareAddr) {
	h.frames = append(h.frames, sentFrame{frame, dst})
}
func (h *fakeHooks) AddressesChanged(a []Address)      { h.addrs = append(h.addrs, a) }
func (h *fakeHooks) DNSChanged(s []netip.Addr)         { h.dns = append(h.dns, s) }
func (h *fakeHooks) RouterChanged(rt Router)           { h.routers = append(h.routers, rt) }
func (h *fakeHooks) Pref64Changed(prefix netip.Prefix) { h.pref64s = append(h.pref64s, prefix) }
func (h *fakeHooks) MTUChanged(mtu uint32)             { h.mtus = append(h.mtus, mtu) }
func (h *fakeHooks) StackReset()                       { h.resets++ }

type harness struct {
	p        *Processor
	clock    *timer.FakeClock
	hooks    *fakeHooks
	stateDir string
}

func newHarness(t *testing.T, mutate func(*config.Provisioning)) *harness {
	t.Helper()
	clock := timer.NewFake()
	hooks := &fakeHooks{}

	cfg := config.Provisioning{}
	cfg.SLAAC.MinRDNSSLifetimeSecs = 120
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{clock: clock, hooks: hooks, stateDir: t.TempDir()}
	tm := timer.New(clock, func(name string) { h.p.HandleTimer(name) })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.p = New("wlan0", clientMAC, clientLL, cfg, h.stateDir, clock, tm, hooks, log)
	return h
}

// lastND decodes the most recent ND message the processor sent.
func (h *harness) lastND(t *testing.T) packet.NDMessage {
	t.Helper()
	if len(h.hooks.frames) == 0 {
		t.Fatal("no frame sent")
	}
	f := h.hooks.frames[len(h.hooks.frames)-1].frame
	icmp, src, dst, err := packet.ParseNDFrame(f)
	if err != nil {
		t.Fatalf("sent frame does not parse: %v", err)
	}
	msg, err := packet.ParseND(icmp, src, dst)
	if err != nil {
		t.Fatalf("sent ND does not decode: %v", err)
	}
	return msg
}

func baseRA(mutate func(*packet.RouterAdvert)) *packet.RouterAdvert {
	ra := &packet.RouterAdvert{
		RouterLifetime: 1800,
		SourceLLA:      routerMAC,
	}
	if mutate != nil {
		mutate(ra)
	}
	return ra
}

func pio(prefix netip.Prefix, preferred, valid uint32) packet.PrefixInfo {
	return packet.PrefixInfo{
		Prefix:            prefix,
		OnLink:            true,
		Autonomous:        true,
		PreferredLifetime: preferred,
		ValidLifetime:     valid,
	}
}

// --- discovery tests ---

func TestSolicitsBoundedUntilRouterFound(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()

	if _, ok := h.lastND(t).(*packet.RouterSolicit); !ok {
		t.Fatalf("first frame is not a router solicitation")
	}
	h.clock.Advance(30 * time.Second)
	if got := len(h.hooks.frames); got != 3 {
		t.Fatalf("sent %d solicits, want 3", got)
	}
}

func TestRouterAdoptedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()

	h.p.HandleRA(baseRA(nil), routerLL)
	h.p.HandleRA(baseRA(nil), routerLL)

	if len(h.hooks.routers) != 1 {
		t.Fatalf("RouterChanged fired %d times, want 1", len(h.hooks.routers))
	}
	rt := h.hooks.routers[0]
	if rt.Addr != routerLL {
		t.Errorf("router addr = %s", rt.Addr)
	}
	// A found router stops the solicitation schedule.
	sent := len(h.hooks.frames)
	h.clock.Advance(30 * time.Second)
	if len(h.hooks.frames) != sent {
		t.Error("solicits continued after router adoption")
	}
}

// --- PIO tests ---

func TestPrefixYieldsPrivacyAndStableAddresses(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	solicits := len(h.hooks.frames)

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 1800, 3600)}
	}), routerLL)

	if len(h.hooks.addrs) != 1 {
		t.Fatalf("AddressesChanged fired %d times, want 1", len(h.hooks.addrs))
	}
	got := h.hooks.addrs[0]
	if len(got) != 2 {
		t.Fatalf("generated %d addresses, want privacy + stable", len(got))
	}
	stables := 0
	for _, a := range got {
		if !slaacPrefix.Contains(a.Addr) {
			t.Errorf("address %s outside prefix", a.Addr)
		}
		if a.Deprecated {
			t.Errorf("fresh address %s deprecated", a.Addr)
		}
		if a.Stable {
			stables++
		}
	}
	if stables != 1 {
		t.Errorf("stable address count = %d, want 1", stables)
	}

	// One gratuitous NA per newly preferred address.
	nas := len(h.hooks.frames) - solicits
	if nas != 2 {
		t.Fatalf("sent %d gratuitous NAs, want 2", nas)
	}
	na, ok := h.lastND(t).(*packet.NeighborAdvert)
	if !ok {
		t.Fatal("last frame is not a neighbor advertisement")
	}
	if !na.Override {
		t.Error("gratuitous NA missing override flag")
	}
}

func TestStableAddressSurvivesRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 1800, 3600)}
	}), routerLL)

	stableOf := func(addrs []Address) netip.Addr {
		for _, a := range addrs {
			if a.Stable {
				return a.Addr
			}
		}
		t.Fatal("no stable address")
		return netip.Addr{}
	}
	first := stableOf(h.p.Addresses())

	h2 := &harness{clock: timer.NewFake(), hooks: &fakeHooks{}, stateDir: h.stateDir}
	tm := timer.New(h2.clock, func(name string) { h2.p.HandleTimer(name) })
	cfg := config.Provisioning{}
	cfg.SLAAC.MinRDNSSLifetimeSecs = 120
	h2.p = New("wlan0", clientMAC, clientLL, cfg, h.stateDir,
		h2.clock, tm, h2.hooks, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h2.p.Start()
	h2.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 1800, 3600)}
	}), routerLL)

	if second := stableOf(h2.p.Addresses()); second != first {
		t.Errorf("stable address changed across restart: %s then %s", first, second)
	}
}

func TestStableAddressesDisabled(t *testing.T) {
	h := newHarness(t, func(p *config.Provisioning) {
		off := false
		p.SLAAC.StableAddresses = &off
	})
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 1800, 3600)}
	}), routerLL)

	got := h.p.Addresses()
	if len(got) != 1 || got[0].Stable {
		t.Fatalf("addresses = %+v, want one privacy address", got)
	}
}

func TestNonAutonomousAndNon64Ignored(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		noAuto := pio(slaacPrefix, 1800, 3600)
		noAuto.Autonomous = false
		ra.Prefixes = []packet.PrefixInfo{
			noAuto,
			pio(netip.MustParsePrefix("2001:db8:3::/56"), 1800, 3600),
		}
	}), routerLL)

	if len(h.p.Addresses()) != 0 {
		t.Fatalf("addresses generated from unusable PIOs: %+v", h.p.Addresses())
	}
	if len(h.hooks.addrs) != 0 {
		t.Error("AddressesChanged fired for unusable PIOs")
	}
}

func TestZeroPreferredDeprecatesWithoutRemoval(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 1800, 3600)}
	}), routerLL)

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 0, 3600)}
	}), routerLL)

	got := h.p.Addresses()
	if len(got) != 2 {
		t.Fatalf("addresses removed by zero preferred lifetime: %+v", got)
	}
	for _, a := range got {
		if !a.Deprecated {
			t.Errorf("address %s not deprecated", a.Addr)
		}
	}
}

func TestDeprecatedAddressAnnouncesWhenTurningPreferred(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()

	// Addresses born deprecated send no NA.
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 0, 3600)}
	}), routerLL)
	before := len(h.hooks.frames)

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 1800, 3600)}
	}), routerLL)

	for _, a := range h.p.Addresses() {
		if a.Deprecated {
			t.Errorf("address %s still deprecated", a.Addr)
		}
	}
	nas := len(h.hooks.frames) - before
	if nas != 2 {
		t.Fatalf("sent %d gratuitous NAs on turning preferred, want 2", nas)
	}
	if _, ok := h.lastND(t).(*packet.NeighborAdvert); !ok {
		t.Fatal("last frame is not a neighbor advertisement")
	}
}

func TestZeroValidRemovesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 1800, 3600)}
	}), routerLL)

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 0, 0)}
	}), routerLL)

	if got := h.p.Addresses(); len(got) != 0 {
		t.Fatalf("addresses survived zero valid lifetime: %+v", got)
	}
}

func TestLifetimeExpiryDeprecatesThenRemoves(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RouterLifetime = 9000
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 1800, 3600)}
	}), routerLL)

	h.clock.Advance(1800 * time.Second)
	for _, a := range h.p.Addresses() {
		if !a.Deprecated {
			t.Errorf("address %s not deprecated at preferred expiry", a.Addr)
		}
	}

	h.clock.Advance(1800 * time.Second)
	if got := h.p.Addresses(); len(got) != 0 {
		t.Fatalf("addresses survived valid expiry: %+v", got)
	}
}

// --- RDNSS tests ---

func TestRDNSSStrictMinimum(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()

	// Exactly at the minimum: dropped.
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RDNSS = []packet.RDNSS{{Lifetime: 120, Servers: []netip.Addr{dnsServer}}}
	}), routerLL)
	if len(h.p.DNSServers()) != 0 {
		t.Fatal("server at minimum lifetime accepted")
	}

	// Strictly above: accepted.
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RDNSS = []packet.RDNSS{{Lifetime: 121, Servers: []netip.Addr{dnsServer}}}
	}), routerLL)
	if got := h.p.DNSServers(); len(got) != 1 || got[0] != dnsServer {
		t.Fatalf("servers = %v, want %s", got, dnsServer)
	}
	if len(h.hooks.dns) != 1 {
		t.Fatalf("DNSChanged fired %d times, want 1", len(h.hooks.dns))
	}
}

func TestRDNSSZeroLifetimeRemoves(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RDNSS = []packet.RDNSS{{Lifetime: 600, Servers: []netip.Addr{dnsServer, dnsServerTwo}}}
	}), routerLL)

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RDNSS = []packet.RDNSS{{Lifetime: 0, Servers: []netip.Addr{dnsServer}}}
	}), routerLL)

	if got := h.p.DNSServers(); len(got) != 1 || got[0] != dnsServerTwo {
		t.Fatalf("servers = %v, want only %s", got, dnsServerTwo)
	}
}

func TestRDNSSReannounceReschedulesWithoutEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RouterLifetime = 9000
		ra.RDNSS = []packet.RDNSS{{Lifetime: 600, Servers: []netip.Addr{dnsServer}}}
	}), routerLL)

	h.clock.Advance(500 * time.Second)
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RouterLifetime = 9000
		ra.RDNSS = []packet.RDNSS{{Lifetime: 600, Servers: []netip.Addr{dnsServer}}}
	}), routerLL)

	if len(h.hooks.dns) != 1 {
		t.Fatalf("DNSChanged fired %d times, want 1", len(h.hooks.dns))
	}
	// Past the original expiry, inside the renewed one.
	h.clock.Advance(300 * time.Second)
	if len(h.p.DNSServers()) != 1 {
		t.Fatal("server expired despite reannouncement")
	}
	h.clock.Advance(300 * time.Second)
	if len(h.p.DNSServers()) != 0 {
		t.Fatal("server survived renewed lifetime")
	}
}

// --- Pref64 tests ---

func TestPref64FirstWins(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Pref64 = []packet.Pref64{
			{Lifetime: 600, Prefix: nat64Prefix},
			{Lifetime: 600, Prefix: nat64Second},
		}
	}), routerLL)

	if h.p.Pref64() != nat64Prefix {
		t.Fatalf("active prefix = %s, want %s", h.p.Pref64(), nat64Prefix)
	}
	if len(h.hooks.pref64s) != 1 {
		t.Fatalf("Pref64Changed fired %d times, want 1", len(h.hooks.pref64s))
	}

	// Withdrawal publishes null; the alternate is adopted on the next RA.
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Pref64 = []packet.Pref64{{Lifetime: 0, Prefix: nat64Prefix}}
	}), routerLL)
	if h.p.Pref64().IsValid() {
		t.Fatal("prefix still active after withdrawal")
	}
	if len(h.hooks.pref64s) != 2 || h.hooks.pref64s[1].IsValid() {
		t.Fatalf("withdrawal events = %v", h.hooks.pref64s)
	}

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Pref64 = []packet.Pref64{{Lifetime: 600, Prefix: nat64Second}}
	}), routerLL)
	if h.p.Pref64() != nat64Second {
		t.Fatalf("alternate prefix not adopted after withdrawal: %s", h.p.Pref64())
	}
}

func TestPref64SamePrefixReschedulesWithoutEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RouterLifetime = 9000
		ra.Pref64 = []packet.Pref64{{Lifetime: 600, Prefix: nat64Prefix}}
	}), routerLL)

	h.clock.Advance(500 * time.Second)
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RouterLifetime = 9000
		ra.Pref64 = []packet.Pref64{{Lifetime: 600, Prefix: nat64Prefix}}
	}), routerLL)

	if len(h.hooks.pref64s) != 1 {
		t.Fatalf("Pref64Changed fired %d times, want 1", len(h.hooks.pref64s))
	}
	// Original deadline passes without expiry; the renewed one fires.
	h.clock.Advance(300 * time.Second)
	if !h.p.Pref64().IsValid() {
		t.Fatal("prefix expired despite reschedule")
	}
	h.clock.Advance(300 * time.Second)
	if h.p.Pref64().IsValid() {
		t.Fatal("prefix survived renewed lifetime")
	}
	if last := h.hooks.pref64s[len(h.hooks.pref64s)-1]; last.IsValid() {
		t.Error("expiry did not publish a null prefix")
	}
}

func TestPref64NonSlash96Ignored(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Pref64 = []packet.Pref64{{Lifetime: 600, Prefix: netip.MustParsePrefix("64:ff9b::/64")}}
	}), routerLL)

	if h.p.Pref64().IsValid() {
		t.Fatal("non-/96 prefix adopted")
	}
}

// --- router withdrawal tests ---

func TestRouterLifetimeZeroResetsStack(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 1800, 3600)}
		ra.RDNSS = []packet.RDNSS{{Lifetime: 600, Servers: []netip.Addr{dnsServer}}}
		ra.Pref64 = []packet.Pref64{{Lifetime: 600, Prefix: nat64Prefix}}
	}), routerLL)
	frames := len(h.hooks.frames)

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RouterLifetime = 0
	}), routerLL)

	if h.hooks.resets != 1 {
		t.Fatalf("StackReset fired %d times, want 1", h.hooks.resets)
	}
	if len(h.p.Addresses()) != 0 || len(h.p.DNSServers()) != 0 || h.p.Pref64().IsValid() {
		t.Fatal("state survived stack reset")
	}

	// A fresh solicitation goes out after a short delay, not immediately.
	if len(h.hooks.frames) != frames {
		t.Fatal("solicitation sent synchronously with reset")
	}
	h.clock.Advance(time.Second)
	if len(h.hooks.frames) != frames+1 {
		t.Fatal("no delayed solicitation after reset")
	}
	if _, ok := h.lastND(t).(*packet.RouterSolicit); !ok {
		t.Fatal("delayed frame is not a router solicitation")
	}
}

func TestForeignRouterWithdrawalIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(nil), routerLL)

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RouterLifetime = 0
	}), netip.MustParseAddr("fe80::2"))

	if h.hooks.resets != 0 {
		t.Fatal("withdrawal from a different router reset the stack")
	}
}

func TestRouterExpiryResetsStack(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) {
		ra.RouterLifetime = 600
		ra.Prefixes = []packet.PrefixInfo{pio(slaacPrefix, 1800, 3600)}
	}), routerLL)

	h.clock.Advance(600 * time.Second)
	if h.hooks.resets != 1 {
		t.Fatalf("StackReset fired %d times, want 1", h.hooks.resets)
	}
	if h.p.Router() != nil {
		t.Error("router survived its lifetime")
	}
}

func TestMTUChange(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start()

	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) { ra.MTU = 1400 }), routerLL)
	h.p.HandleRA(baseRA(func(ra *packet.RouterAdvert) { ra.MTU = 1400 }), routerLL)

	if len(h.hooks.mtus) != 1 || h.hooks.mtus[0] != 1400 {
		t.Fatalf("MTUChanged calls = %v, want one 1400", h.hooks.mtus)
	}
}
