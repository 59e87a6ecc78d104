package dhcp6

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/packet"
	"github.com/psaab/ipprov/pkg/timer"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0xff}
	serverLL  = netip.MustParseAddr("fe80::1")

	// IAID the client derives from clientMAC.
	clientIAID = [4]byte{0x5e, 0x00, 0x00, 0x01}

	prefixA = netip.MustParsePrefix("2001:db8:1::/56")
	prefixB = netip.MustParsePrefix("2001:db8:2::/56")
	prefixC = netip.MustParsePrefix("2001:db8:3::/56")
)

func serverDUID() dhcpv6.DUID {
	return &dhcpv6.DUIDLL{HWType: iana.HWTypeEthernet, LinkLayerAddr: serverMAC}
}

type sentFrame struct {
	frame []byte
	dst   net.HardwareAddr
}

type fakeHooks struct {
	frames    []sentFrame
	changed   [][]BoundPrefix
	refreshed [][]BoundPrefix
	lost      int
	failed    int
}

func (h *fakeHooks) SendFrame(frame []byte, dst net.HardwareAddr) {
	h.frames = append(h.frames, sentFrame{frame, dst})
}
func (h *fakeHooks) DelegationChanged(p []BoundPrefix)  { h.changed = append(h.changed, p) }
func (h *fakeHooks) LifetimesRefreshed(p []BoundPrefix) { h.refreshed = append(h.refreshed, p) }
func (h *fakeHooks) DelegationLost()                    { h.lost++ }
func (h *fakeHooks) AcquisitionFailed()                 { h.failed++ }

type harness struct {
	c        *Client
	tm       *timer.Scheduler
	clock    *timer.FakeClock
	hooks    *fakeHooks
	stateDir string
}

func newHarness(t *testing.T, mutate func(*config.Provisioning)) *harness {
	t.Helper()
	clock := timer.NewFake()
	hooks := &fakeHooks{}

	cfg := config.Provisioning{}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{clock: clock, hooks: hooks, stateDir: t.TempDir()}
	h.tm = timer.New(clock, func(name string) { h.c.HandleTimer(name) })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.c = New("wlan0", clientMAC, netip.Addr{}, cfg, h.stateDir, clock, h.tm, hooks, log)
	return h
}

// lastMsg decodes the most recent DHCPv6 message the client sent.
func (h *harness) lastMsg(t *testing.T) *dhcpv6.Message {
	t.Helper()
	for i := len(h.hooks.frames) - 1; i >= 0; i-- {
		f := h.hooks.frames[i].frame
		if len(f) > 62 && f[12] == 0x86 && f[13] == 0xdd {
			msg, err := dhcpv6.MessageFromBytes(f[62:])
			if err != nil {
				t.Fatalf("sent frame does not decode: %v", err)
			}
			return msg
		}
	}
	t.Fatal("no DHCPv6 frame sent")
	return nil
}

// serverFrame wraps a server reply in a server-to-client UDP frame.
func serverFrame(msg *dhcpv6.Message) []byte {
	clientLL := LinkLocalFromMAC(clientMAC)
	frame := packet.BuildDHCPv6Frame(serverMAC, clientMAC, serverLL, clientLL, msg.ToBytes())
	udp := frame[54:]
	udp[0], udp[1] = 0x02, 0x23 // 547
	udp[2], udp[3] = 0x02, 0x22 // 546
	return frame
}

func iaPrefix(p netip.Prefix, preferred, valid uint32) *dhcpv6.OptIAPrefix {
	return &dhcpv6.OptIAPrefix{
		PreferredLifetime: time.Duration(preferred) * time.Second,
		ValidLifetime:     time.Duration(valid) * time.Second,
		Prefix: &net.IPNet{
			IP:   p.Addr().AsSlice(),
			Mask: net.CIDRMask(p.Bits(), 128),
		},
	}
}

func iaPD(t1, t2 uint32, prefixes ...*dhcpv6.OptIAPrefix) *dhcpv6.OptIAPD {
	iapd := &dhcpv6.OptIAPD{
		IaId: clientIAID,
		T1:   time.Duration(t1) * time.Second,
		T2:   time.Duration(t2) * time.Second,
	}
	for _, p := range prefixes {
		iapd.Options.Add(p)
	}
	return iapd
}

func reply(t *testing.T, mt dhcpv6.MessageType, xid dhcpv6.TransactionID, opts ...dhcpv6.Option) *dhcpv6.Message {
	t.Helper()
	msg, err := dhcpv6.NewMessage()
	if err != nil {
		t.Fatal(err)
	}
	msg.MessageType = mt
	msg.TransactionID = xid
	msg.AddOption(dhcpv6.OptServerID(serverDUID()))
	for _, o := range opts {
		msg.AddOption(o)
	}
	return msg
}

// bindDelegation drives a harness through solicit/advertise/request to
// Bound with the given IA_PD.
func (h *harness) bindDelegation(t *testing.T, iapd *dhcpv6.OptIAPD) {
	t.Helper()
	h.c.Start()
	sol := h.lastMsg(t)
	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeAdvertise, sol.TransactionID, iapd)), serverMAC)
	req := h.lastMsg(t)
	if req.MessageType != dhcpv6.MessageTypeRequest {
		t.Fatalf("after advertise sent %s, want REQUEST", req.MessageType)
	}
	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeReply, req.TransactionID, iapd)), serverMAC)
	if h.c.State() != Bound {
		t.Fatalf("state = %s, want Bound", h.c.State())
	}
}

// --- solicit tests ---

func TestSolicitShape(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Start()

	sol := h.lastMsg(t)
	if sol.MessageType != dhcpv6.MessageTypeSolicit {
		t.Fatalf("first message = %s, want SOLICIT", sol.MessageType)
	}
	if sol.Options.ClientID() == nil {
		t.Error("solicit missing client identifier")
	}
	iapd := packet.IAPDForIAID(sol, clientIAID)
	if iapd == nil {
		t.Fatal("solicit missing IA_PD with derived IAID")
	}
	if sol.GetOneOption(dhcpv6.OptionRapidCommit) == nil {
		t.Error("rapid commit option missing with rapid commit enabled")
	}
}

func TestSolicitWithoutRapidCommit(t *testing.T) {
	h := newHarness(t, func(p *config.Provisioning) {
		off := false
		p.RapidCommit6 = &off
	})
	h.c.Start()

	if h.lastMsg(t).GetOneOption(dhcpv6.OptionRapidCommit) != nil {
		t.Error("rapid commit option present with rapid commit disabled")
	}
}

func TestDUIDPersistsAcrossRestarts(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Start()
	first := h.lastMsg(t).Options.ClientID()

	if _, err := os.Stat(filepath.Join(h.stateDir, "dhcpv6-duid-wlan0")); err != nil {
		t.Fatalf("DUID not persisted: %v", err)
	}

	h2 := newHarness(t, nil)
	h2.stateDir = h.stateDir
	h2.c = New("wlan0", clientMAC, netip.Addr{}, config.Provisioning{}, h.stateDir,
		h2.clock, h2.tm, h2.hooks, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h2.c.Start()
	second := h2.lastMsg(t).Options.ClientID()

	if !bytes.Equal(first.ToBytes(), second.ToBytes()) {
		t.Errorf("DUID changed across restart: %v then %v", first, second)
	}
}

// --- acquisition tests ---

func TestAdvertiseRequestReplyBinds(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))

	if len(h.hooks.changed) != 1 {
		t.Fatalf("DelegationChanged fired %d times, want 1", len(h.hooks.changed))
	}
	got := h.hooks.changed[0]
	if len(got) != 1 || got[0].Prefix != prefixA {
		t.Fatalf("bound prefixes = %+v", got)
	}
	now := h.clock.Now()
	if got[0].PreferredUntil != now.Add(4500*time.Second) {
		t.Errorf("PreferredUntil = %v", got[0].PreferredUntil)
	}
	if got[0].ValidUntil != now.Add(7200*time.Second) {
		t.Errorf("ValidUntil = %v", got[0].ValidUntil)
	}
}

func TestRapidCommitReplyCompletes(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Start()
	sol := h.lastMsg(t)

	rc := reply(t, dhcpv6.MessageTypeReply, sol.TransactionID,
		iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)),
		&dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionRapidCommit})
	h.c.HandleFrame(serverFrame(rc), serverMAC)

	if h.c.State() != Bound {
		t.Fatalf("state = %s, want Bound", h.c.State())
	}
	if len(h.hooks.changed) != 1 {
		t.Errorf("DelegationChanged fired %d times", len(h.hooks.changed))
	}
}

func TestReplyWithoutRapidCommitIgnoredInSoliciting(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Start()
	sol := h.lastMsg(t)

	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeReply, sol.TransactionID,
		iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))), serverMAC)

	if h.c.State() != Soliciting {
		t.Fatalf("state = %s, want Soliciting", h.c.State())
	}
}

func TestWrongTransactionIDDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Start()

	msg := reply(t, dhcpv6.MessageTypeAdvertise, dhcpv6.TransactionID{0xaa, 0xbb, 0xcc},
		iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))
	h.c.HandleFrame(serverFrame(msg), serverMAC)

	if h.c.State() != Soliciting {
		t.Fatalf("state = %s, want Soliciting", h.c.State())
	}
	if h.c.Counters().Drops != 1 {
		t.Errorf("Drops = %d, want 1", h.c.Counters().Drops)
	}
}

func TestNoPrefixAvailOnRequestResolicits(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Start()
	sol := h.lastMsg(t)
	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeAdvertise, sol.TransactionID,
		iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))), serverMAC)
	req := h.lastMsg(t)

	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeReply, req.TransactionID,
		&dhcpv6.OptStatusCode{StatusCode: iana.StatusNoPrefixAvail})), serverMAC)

	if h.c.State() != Soliciting {
		t.Fatalf("state = %s, want Soliciting", h.c.State())
	}
	resol := h.lastMsg(t)
	if resol.MessageType != dhcpv6.MessageTypeSolicit {
		t.Fatalf("after NoPrefixAvail sent %s, want SOLICIT", resol.MessageType)
	}
	if resol.TransactionID == req.TransactionID {
		t.Error("resolicit reused the request transaction ID")
	}
}

func TestAcquisitionFailureSurfacedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Start()

	// Retransmits at 1, 2, 4, 8, 16s into the exchange.
	h.clock.Advance(40 * time.Second)
	if h.hooks.failed != 1 {
		t.Fatalf("AcquisitionFailed fired %d times, want 1", h.hooks.failed)
	}
	h.clock.Advance(10 * time.Minute)
	if h.hooks.failed != 1 {
		t.Errorf("AcquisitionFailed fired %d times after more retries", h.hooks.failed)
	}
	if h.c.State() != Soliciting {
		t.Errorf("state = %s, want Soliciting", h.c.State())
	}
}

// --- renew/rebind tests ---

func TestT1EntersRenewT2EntersRebind(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))

	h.clock.Advance(3600 * time.Second)
	if h.c.State() != Renewing {
		t.Fatalf("state after T1 = %s, want Renewing", h.c.State())
	}
	renew := h.lastMsg(t)
	if renew.MessageType != dhcpv6.MessageTypeRenew {
		t.Fatalf("sent %s, want RENEW", renew.MessageType)
	}
	if renew.Options.ServerID() == nil {
		t.Error("renew missing server identifier")
	}

	h.clock.Advance(900 * time.Second)
	if h.c.State() != Rebinding {
		t.Fatalf("state after T2 = %s, want Rebinding", h.c.State())
	}
	rebind := h.lastMsg(t)
	if rebind.MessageType != dhcpv6.MessageTypeRebind {
		t.Fatalf("sent %s, want REBIND", rebind.MessageType)
	}
	if rebind.Options.ServerID() != nil {
		t.Error("rebind carries a server identifier")
	}
}

func TestRenewReplyExtendsWithoutEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))

	h.clock.Advance(3600 * time.Second)
	renew := h.lastMsg(t)
	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeReply, renew.TransactionID,
		iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))), serverMAC)

	if h.c.State() != Bound {
		t.Fatalf("state = %s, want Bound", h.c.State())
	}
	// Same prefix set and timers: no snapshot republish.
	if len(h.hooks.changed) != 1 {
		t.Errorf("DelegationChanged fired %d times, want only the initial bind", len(h.hooks.changed))
	}
	got := h.c.Prefixes()
	if got[0].ValidUntil != h.clock.Now().Add(7200*time.Second) {
		t.Errorf("valid lifetime not refreshed: %v", got[0].ValidUntil)
	}
	// The extended deadlines still reach the owner for a kernel refresh.
	if len(h.hooks.refreshed) != 1 {
		t.Fatalf("LifetimesRefreshed fired %d times, want 1", len(h.hooks.refreshed))
	}
	if r := h.hooks.refreshed[0]; r[0].ValidUntil != h.clock.Now().Add(7200*time.Second) {
		t.Errorf("refreshed deadlines stale: %v", r[0].ValidUntil)
	}
}

func TestRenewReconciliation(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(3600, 4500,
		iaPrefix(prefixA, 4500, 7200), iaPrefix(prefixB, 4500, 7200)))

	h.clock.Advance(3600 * time.Second)
	renew := h.lastMsg(t)

	// A renewed, B absent, C newly delegated.
	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeReply, renew.TransactionID,
		iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200), iaPrefix(prefixC, 4500, 7200)))), serverMAC)

	got := h.c.Prefixes()
	if len(got) != 3 {
		t.Fatalf("held %d prefixes, want 3 (absent prefix expires naturally): %+v", len(got), got)
	}
	var b *BoundPrefix
	for i := range got {
		if got[i].Prefix == prefixB {
			b = &got[i]
		}
	}
	if b == nil {
		t.Fatal("prefix absent from reply was force-removed")
	}
	if !b.ValidUntil.Equal(h.clock.Now().Add((7200 - 3600) * time.Second)) {
		t.Errorf("absent prefix lifetime was altered: %v", b.ValidUntil)
	}
	if len(h.hooks.changed) != 2 {
		t.Errorf("DelegationChanged fired %d times, want 2", len(h.hooks.changed))
	}

	// B expires on its original schedule.
	h.clock.Advance((7200 - 3600) * time.Second)
	for _, p := range h.c.Prefixes() {
		if p.Prefix == prefixB {
			t.Error("expired prefix still held")
		}
	}
}

func TestWithdrawnPrefixRemovedImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(3600, 4500,
		iaPrefix(prefixA, 4500, 7200), iaPrefix(prefixB, 4500, 7200)))

	h.clock.Advance(3600 * time.Second)
	renew := h.lastMsg(t)
	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeReply, renew.TransactionID,
		iaPD(3600, 4500, iaPrefix(prefixA, 0, 0), iaPrefix(prefixB, 4500, 7200)))), serverMAC)

	got := h.c.Prefixes()
	if len(got) != 1 || got[0].Prefix != prefixB {
		t.Fatalf("held prefixes = %+v, want only %s", got, prefixB)
	}
	if len(h.hooks.changed) != 2 {
		t.Errorf("DelegationChanged fired %d times, want 2", len(h.hooks.changed))
	}
}

func TestNoPrefixAvailOnRenewRetainsDelegation(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))

	h.clock.Advance(3600 * time.Second)
	renew := h.lastMsg(t)
	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeReply, renew.TransactionID,
		&dhcpv6.OptStatusCode{StatusCode: iana.StatusNoPrefixAvail})), serverMAC)

	if h.c.State() != Renewing {
		t.Fatalf("state = %s, want Renewing", h.c.State())
	}
	if len(h.c.Prefixes()) != 1 {
		t.Fatal("delegation dropped on NoPrefixAvail renew reply")
	}

	// The same renew keeps being retransmitted.
	sent := len(h.hooks.frames)
	h.clock.Advance(10 * time.Second)
	if len(h.hooks.frames) != sent+1 {
		t.Fatalf("expected a renew retransmit")
	}
	if h.lastMsg(t).TransactionID != renew.TransactionID {
		t.Error("retransmit changed transaction ID")
	}
}

func TestRejectedRenewReplyKeepsDelegation(t *testing.T) {
	cases := []struct {
		name string
		iapd *dhcpv6.OptIAPD
	}{
		{"t1 above t2", iaPD(4500, 3600, iaPrefix(prefixA, 4500, 7200))},
		{"preferred above valid", iaPD(3600, 4500, iaPrefix(prefixA, 9000, 7200))},
		{"t2 above shortest valid", iaPD(3600, 8000, iaPrefix(prefixA, 4500, 7200))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.bindDelegation(t, iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))

			h.clock.Advance(3600 * time.Second)
			renew := h.lastMsg(t)
			before := h.c.Prefixes()
			h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeReply, renew.TransactionID, tc.iapd)), serverMAC)

			if h.c.State() != Renewing {
				t.Fatalf("state = %s, want Renewing", h.c.State())
			}
			after := h.c.Prefixes()
			if len(after) != len(before) || after[0] != before[0] {
				t.Errorf("delegation changed by rejected reply: %+v", after)
			}
			if h.c.Counters().Rejects != 1 {
				t.Errorf("Rejects = %d, want 1", h.c.Counters().Rejects)
			}
		})
	}
}

func TestEmptyIAPDRetainsAndRetransmits(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))

	h.clock.Advance(3600 * time.Second)
	renew := h.lastMsg(t)
	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeReply, renew.TransactionID,
		iaPD(3600, 4500))), serverMAC)

	if h.c.State() != Renewing {
		t.Fatalf("state = %s, want Renewing", h.c.State())
	}
	if len(h.c.Prefixes()) != 1 {
		t.Fatal("delegation dropped on empty IA_PD")
	}
	sent := len(h.hooks.frames)
	h.clock.Advance(10 * time.Second)
	if len(h.hooks.frames) != sent+1 {
		t.Fatal("expected a renew retransmit after empty IA_PD")
	}
}

func TestAllPrefixesWithdrawnResolicits(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))

	h.clock.Advance(3600 * time.Second)
	renew := h.lastMsg(t)
	h.c.HandleFrame(serverFrame(reply(t, dhcpv6.MessageTypeReply, renew.TransactionID,
		iaPD(3600, 4500, iaPrefix(prefixA, 0, 0)))), serverMAC)

	if h.hooks.lost != 1 {
		t.Fatalf("DelegationLost fired %d times, want 1", h.hooks.lost)
	}
	if h.c.State() != Soliciting {
		t.Fatalf("state = %s, want Soliciting", h.c.State())
	}
}

func TestValidLifetimeExpiryResolicits(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))

	// No server responses: renew at T1, rebind at T2, expiry at 7200s.
	h.clock.Advance(7200 * time.Second)

	if h.hooks.lost != 1 {
		t.Fatalf("DelegationLost fired %d times, want 1", h.hooks.lost)
	}
	if h.c.State() != Soliciting {
		t.Fatalf("state = %s, want Soliciting", h.c.State())
	}
	if len(h.c.Prefixes()) != 0 {
		t.Error("expired prefix still held")
	}
}

func TestTimerDefaultsFromPreferredLifetime(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(0, 0, iaPrefix(prefixA, 1000, 2000)))

	// T1 defaults to half the shortest preferred lifetime.
	h.clock.Advance(499 * time.Second)
	if h.c.State() != Bound {
		t.Fatalf("state = %s, want Bound before default T1", h.c.State())
	}
	h.clock.Advance(time.Second)
	if h.c.State() != Renewing {
		t.Fatalf("state = %s, want Renewing at default T1", h.c.State())
	}
}

func TestStopReleasesDelegation(t *testing.T) {
	h := newHarness(t, nil)
	h.bindDelegation(t, iaPD(3600, 4500, iaPrefix(prefixA, 4500, 7200)))

	h.c.Stop()

	rel := h.lastMsg(t)
	if rel.MessageType != dhcpv6.MessageTypeRelease {
		t.Fatalf("sent %s, want RELEASE", rel.MessageType)
	}
	if rel.Options.ServerID() == nil {
		t.Error("release missing server identifier")
	}
	if h.c.State() != Stopped {
		t.Fatalf("state = %s, want Stopped", h.c.State())
	}
	sent := len(h.hooks.frames)
	h.clock.Advance(24 * time.Hour)
	if len(h.hooks.frames) != sent {
		t.Error("timers survived Stop")
	}
}
