// Package dhcp6 implements the DHCPv6 prefix delegation client state
// machine: solicit with optional rapid commit, request, renew/rebind with
// RFC 8415 §18.2.10.1 reconciliation, and per-prefix lifetime tracking.
//
// A Client is confined to its session's event loop: every method must be
// called from that loop, and all I/O is pushed out through the Hooks
// interface. Timers post back into the loop via the shared scheduler.
package dhcp6

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/packet"
	"github.com/psaab/ipprov/pkg/timer"
)

// State is the client FSM state.
type State int

const (
	Stopped State = iota
	Soliciting
	Requesting
	Bound
	Renewing
	Rebinding
)

var stateNames = map[State]string{
	Stopped:    "Stopped",
	Soliciting: "Soliciting",
	Requesting: "Requesting",
	Bound:      "Bound",
	Renewing:   "Renewing",
	Rebinding:  "Rebinding",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// BoundPrefix is one delegated prefix currently held by the client.
// A zero ValidUntil means the valid lifetime is infinite.
type BoundPrefix struct {
	Prefix         netip.Prefix
	PreferredSecs  uint32
	ValidSecs      uint32
	PreferredUntil time.Time
	ValidUntil     time.Time
}

// Hooks is how the client reaches the outside world. Implementations run
// on the session loop and must not block.
type Hooks interface {
	// SendFrame transmits a complete Ethernet frame.
	SendFrame(frame []byte, dst net.HardwareAddr)
	// DelegationChanged fires whenever the held prefix set, T1, or T2
	// changes, with the full active set. A reply that merely refreshes
	// identical values does not fire it.
	DelegationChanged(prefixes []BoundPrefix)
	// LifetimesRefreshed fires when a reply extends prefix lifetimes
	// while leaving the set, T1, and T2 intact. The active set carries
	// the new deadlines.
	LifetimesRefreshed(prefixes []BoundPrefix)
	// DelegationLost fires when the last delegated prefix is withdrawn
	// or expires. The client returns to Soliciting on its own.
	DelegationLost()
	// AcquisitionFailed fires once per acquisition attempt when the
	// retransmit budget is exhausted. The client keeps retrying.
	AcquisitionFailed()
}

// InfiniteLifetime is the RFC 8415 infinity sentinel for lifetimes in
// seconds.
const InfiniteLifetime = uint32(0xffffffff)

// Retransmission timing per RFC 8415 §7.6, without randomization so that
// timer tests are deterministic.
const (
	solicitIRT = time.Second
	solicitMRT = 120 * time.Second
	requestIRT = time.Second
	requestMRT = 30 * time.Second
	requestMRC = 10
	renewIRT   = 10 * time.Second
	renewMRT   = 600 * time.Second

	failureBudget = 5
)

// Timer names on the client's scheduler. Per-prefix valid-lifetime timers
// use the expirePrefix prefix followed by the canonical prefix string.
const (
	tmRetransmit = "retransmit"
	tmT1         = "t1"
	tmT2         = "t2"
	expirePrefix = "expire/"
)

// Counters are monotonic protocol counters, read by the metrics collector.
type Counters struct {
	Solicits      uint64
	Advertises    uint64
	Requests      uint64
	Renews        uint64
	Rebinds       uint64
	Replies       uint64
	Releases      uint64
	NoPrefixAvail uint64
	Rejects       uint64
	Drops         uint64
	Retransmits   uint64
}

// Client is the DHCPv6-PD client FSM for one interface.
type Client struct {
	iface     string
	mac       net.HardwareAddr
	linkLocal netip.Addr
	cfg       config.Provisioning
	stateDir  string
	clock     timer.Clock
	tm        *timer.Scheduler
	hooks     Hooks
	log       *slog.Logger

	state    State
	duid     dhcpv6.DUID
	iaid     [4]byte
	serverID dhcpv6.DUID

	pending  *dhcpv6.Message
	rto      time.Duration
	maxRT    time.Duration
	attempt  int
	surfaced bool

	t1Secs uint32
	t2Secs uint32
	bound  map[netip.Prefix]*BoundPrefix

	counters Counters
}

// New creates a stopped client. linkLocal is the interface's IPv6
// link-local address used as the source of all client messages; if it is
// not valid the modified EUI-64 address derived from mac is used. tm must
// be a scheduler whose fire function routes timer names back to
// HandleTimer on the session loop.
func New(iface string, mac net.HardwareAddr, linkLocal netip.Addr, cfg config.Provisioning,
	stateDir string, clock timer.Clock, tm *timer.Scheduler, hooks Hooks, log *slog.Logger) *Client {
	if !linkLocal.IsValid() {
		linkLocal = LinkLocalFromMAC(mac)
	}
	c := &Client{
		iface:     iface,
		mac:       mac,
		linkLocal: linkLocal,
		cfg:       cfg,
		stateDir:  stateDir,
		clock:     clock,
		tm:        tm,
		hooks:     hooks,
		log:       log.With("component", "dhcp6", "iface", iface),
		state:     Stopped,
		bound:     make(map[netip.Prefix]*BoundPrefix),
	}
	copy(c.iaid[:], mac[2:6])
	return c
}

// LinkLocalFromMAC returns the modified EUI-64 link-local address for a
// 48-bit MAC.
func LinkLocalFromMAC(mac net.HardwareAddr) netip.Addr {
	var a [16]byte
	a[0] = 0xfe
	a[1] = 0x80
	a[8] = mac[0] ^ 0x02
	a[9] = mac[1]
	a[10] = mac[2]
	a[11] = 0xff
	a[12] = 0xfe
	a[13] = mac[3]
	a[14] = mac[4]
	a[15] = mac[5]
	return netip.AddrFrom16(a)
}

// State returns the current FSM state.
func (c *Client) State() State { return c.state }

// Counters returns a snapshot of the protocol counters.
func (c *Client) Counters() Counters { return c.counters }

// Prefixes returns the currently held prefixes, sorted for stable
// comparison and publication.
func (c *Client) Prefixes() []BoundPrefix {
	out := make([]BoundPrefix, 0, len(c.bound))
	for _, p := range c.bound {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Prefix.String() < out[j].Prefix.String()
	})
	return out
}

// Start begins prefix acquisition from Soliciting.
func (c *Client) Start() {
	c.reset()
	c.ensureDUID()
	c.enterSoliciting()
}

// Stop releases any held delegation and halts the FSM.
func (c *Client) Stop() {
	if len(c.bound) > 0 && c.serverID != nil {
		c.sendRelease()
	}
	c.reset()
}

func (c *Client) reset() {
	c.tm.CancelAll()
	c.state = Stopped
	c.pending = nil
	c.attempt = 0
	c.surfaced = false
	c.serverID = nil
	c.t1Secs = 0
	c.t2Secs = 0
	c.bound = make(map[netip.Prefix]*BoundPrefix)
}

// --- DUID persistence ---

func (c *Client) duidPath() string {
	return filepath.Join(c.stateDir, "dhcpv6-duid-"+c.iface)
}

// ensureDUID loads the persisted DUID for this interface or generates and
// persists a link-layer DUID. The DUID must survive restarts so the
// server keeps binding the same delegation to us.
func (c *Client) ensureDUID() {
	if c.duid != nil {
		return
	}
	if data, err := os.ReadFile(c.duidPath()); err == nil {
		if d, err := dhcpv6.DUIDFromBytes(data); err == nil {
			c.duid = d
			return
		}
	}
	c.duid = &dhcpv6.DUIDLL{
		HWType:        iana.HWTypeEthernet,
		LinkLayerAddr: c.mac,
	}
	if err := os.MkdirAll(c.stateDir, 0755); err == nil {
		err = os.WriteFile(c.duidPath(), c.duid.ToBytes(), 0644)
		if err != nil {
			c.log.Warn("dhcp6: failed to persist DUID", "err", err)
		}
	}
}

// --- message construction ---

func (c *Client) buildSolicit() (*dhcpv6.Message, error) {
	msg, err := dhcpv6.NewMessage()
	if err != nil {
		return nil, err
	}
	msg.MessageType = dhcpv6.MessageTypeSolicit
	msg.AddOption(dhcpv6.OptClientID(c.duid))
	msg.AddOption(dhcpv6.OptElapsedTime(0))
	dhcpv6.WithRequestedOptions(
		dhcpv6.OptionDNSRecursiveNameServer,
		dhcpv6.OptionDomainSearchList,
	)(msg)
	dhcpv6.WithIAPD(c.iaid)(msg)
	if c.cfg.RapidCommitV6Enabled() {
		msg.AddOption(&dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionRapidCommit})
	}
	return msg, nil
}

// iapdOption builds an IA_PD option carrying the given prefixes with their
// last known lifetimes.
func (c *Client) iapdOption(prefixes []BoundPrefix) *dhcpv6.OptIAPD {
	iapd := &dhcpv6.OptIAPD{
		IaId: c.iaid,
		T1:   time.Duration(c.t1Secs) * time.Second,
		T2:   time.Duration(c.t2Secs) * time.Second,
	}
	for _, p := range prefixes {
		iapd.Options.Add(&dhcpv6.OptIAPrefix{
			PreferredLifetime: time.Duration(p.PreferredSecs) * time.Second,
			ValidLifetime:     time.Duration(p.ValidSecs) * time.Second,
			Prefix: &net.IPNet{
				IP:   p.Prefix.Addr().AsSlice(),
				Mask: net.CIDRMask(p.Prefix.Bits(), 128),
			},
		})
	}
	return iapd
}

// buildForCurrent builds a Renew, Rebind, or Release carrying the current
// delegation. Rebind and Release semantics differ only in whether the
// server identifier is included.
func (c *Client) buildForCurrent(mt dhcpv6.MessageType, withServerID bool) (*dhcpv6.Message, error) {
	msg, err := dhcpv6.NewMessage()
	if err != nil {
		return nil, err
	}
	msg.MessageType = mt
	msg.AddOption(dhcpv6.OptClientID(c.duid))
	if withServerID && c.serverID != nil {
		msg.AddOption(dhcpv6.OptServerID(c.serverID))
	}
	msg.AddOption(dhcpv6.OptElapsedTime(0))
	msg.AddOption(c.iapdOption(c.Prefixes()))
	return msg, nil
}

// buildRequest builds a Request confirming the delegation offered in an
// Advertise.
func (c *Client) buildRequest(adv *dhcpv6.Message, d *packet.Delegation6) (*dhcpv6.Message, error) {
	msg, err := dhcpv6.NewMessage()
	if err != nil {
		return nil, err
	}
	msg.MessageType = dhcpv6.MessageTypeRequest
	msg.AddOption(dhcpv6.OptClientID(c.duid))
	msg.AddOption(dhcpv6.OptServerID(adv.Options.ServerID()))
	msg.AddOption(dhcpv6.OptElapsedTime(0))
	iapd := &dhcpv6.OptIAPD{IaId: c.iaid, T1: time.Duration(d.T1Secs) * time.Second, T2: time.Duration(d.T2Secs) * time.Second}
	for _, p := range d.Prefixes {
		iapd.Options.Add(&dhcpv6.OptIAPrefix{
			PreferredLifetime: time.Duration(p.PreferredSecs) * time.Second,
			ValidLifetime:     time.Duration(p.ValidSecs) * time.Second,
			Prefix: &net.IPNet{
				IP:   p.Prefix.Addr().AsSlice(),
				Mask: net.CIDRMask(p.Prefix.Bits(), 128),
			},
		})
	}
	msg.AddOption(iapd)
	return msg, nil
}

// --- transmission ---

func (c *Client) send(msg *dhcpv6.Message) {
	frame := packet.BuildDHCPv6Frame(c.mac, packet.MulticastMAC(packet.AllDHCPServersMulticast),
		c.linkLocal, packet.AllDHCPServersMulticast, msg.ToBytes())
	c.hooks.SendFrame(frame, packet.MulticastMAC(packet.AllDHCPServersMulticast))
}

// arm installs msg as the retransmitted message for the current exchange
// and sends the first copy.
func (c *Client) arm(msg *dhcpv6.Message, irt, mrt time.Duration) {
	c.pending = msg
	c.rto = irt
	c.maxRT = mrt
	c.attempt = 0
	c.countSend(msg)
	c.send(msg)
	c.tm.Schedule(tmRetransmit, c.rto)
}

func (c *Client) countSend(msg *dhcpv6.Message) {
	switch msg.MessageType {
	case dhcpv6.MessageTypeSolicit:
		c.counters.Solicits++
	case dhcpv6.MessageTypeRequest:
		c.counters.Requests++
	case dhcpv6.MessageTypeRenew:
		c.counters.Renews++
	case dhcpv6.MessageTypeRebind:
		c.counters.Rebinds++
	case dhcpv6.MessageTypeRelease:
		c.counters.Releases++
	}
}

// --- state entry ---

func (c *Client) enterSoliciting() {
	c.state = Soliciting
	c.serverID = nil
	msg, err := c.buildSolicit()
	if err != nil {
		c.log.Error("dhcp6: building solicit", "err", err)
		return
	}
	c.log.Info("dhcp6: soliciting prefix delegation",
		"event", "SOLICIT", "rapid_commit", c.cfg.RapidCommitV6Enabled())
	c.arm(msg, solicitIRT, solicitMRT)
}

func (c *Client) enterRequesting(adv *dhcpv6.Message, d *packet.Delegation6) {
	c.state = Requesting
	msg, err := c.buildRequest(adv, d)
	if err != nil {
		c.log.Error("dhcp6: building request", "err", err)
		c.enterSoliciting()
		return
	}
	c.arm(msg, requestIRT, requestMRT)
}

func (c *Client) enterRenewing() {
	c.state = Renewing
	msg, err := c.buildForCurrent(dhcpv6.MessageTypeRenew, true)
	if err != nil {
		c.log.Error("dhcp6: building renew", "err", err)
		return
	}
	c.log.Info("dhcp6: renewing delegation", "event", "RENEW")
	c.arm(msg, renewIRT, renewMRT)
}

func (c *Client) enterRebinding() {
	c.state = Rebinding
	msg, err := c.buildForCurrent(dhcpv6.MessageTypeRebind, false)
	if err != nil {
		c.log.Error("dhcp6: building rebind", "err", err)
		return
	}
	c.log.Info("dhcp6: rebinding delegation", "event", "REBIND")
	c.arm(msg, renewIRT, renewMRT)
}

func (c *Client) sendRelease() {
	msg, err := c.buildForCurrent(dhcpv6.MessageTypeRelease, true)
	if err != nil {
		return
	}
	c.countSend(msg)
	c.send(msg)
	c.log.Info("dhcp6: released delegation", "event", "RELEASE")
}

// --- receive ---

// HandleFrame processes one Ethernet frame captured for this interface.
// Anything that does not decode to a reply for our transaction is dropped.
func (c *Client) HandleFrame(frame []byte, src net.HardwareAddr) {
	if c.state == Stopped || c.pending == nil {
		return
	}
	payload, _, err := packet.ParseDHCPv6Frame(frame)
	if err != nil {
		return
	}
	msg, err := dhcpv6.MessageFromBytes(payload)
	if err != nil {
		c.counters.Drops++
		return
	}
	if msg.TransactionID != c.pending.TransactionID {
		c.counters.Drops++
		return
	}
	switch msg.MessageType {
	case dhcpv6.MessageTypeAdvertise:
		c.counters.Advertises++
		if c.state == Soliciting {
			c.handleAdvertise(msg)
		}
	case dhcpv6.MessageTypeReply:
		c.counters.Replies++
		c.handleReply(msg)
	default:
		c.counters.Drops++
	}
}

func (c *Client) handleAdvertise(msg *dhcpv6.Message) {
	if st := packet.ReplyStatus(msg); st != iana.StatusSuccess {
		if st == iana.StatusNoPrefixAvail {
			c.counters.NoPrefixAvail++
			c.log.Info("dhcp6: advertise carries NoPrefixAvail, staying in solicit",
				"event", "NO_PREFIX_AVAIL")
		}
		return
	}
	if msg.Options.ServerID() == nil {
		c.counters.Drops++
		return
	}
	iapd := packet.IAPDForIAID(msg, c.iaid)
	if iapd == nil {
		c.counters.Drops++
		return
	}
	d, err := packet.DelegationFromIAPD(iapd)
	if err != nil {
		c.counters.Rejects++
		c.log.Warn("dhcp6: rejecting advertise", "err", err)
		return
	}
	if len(d.Prefixes) == 0 {
		c.counters.Drops++
		return
	}
	c.serverID = msg.Options.ServerID()
	c.enterRequesting(msg, d)
}

func (c *Client) handleReply(msg *dhcpv6.Message) {
	switch c.state {
	case Soliciting:
		// Only a rapid-commit reply completes an exchange from Soliciting.
		if !c.cfg.RapidCommitV6Enabled() || msg.GetOneOption(dhcpv6.OptionRapidCommit) == nil {
			c.counters.Drops++
			return
		}
		c.replyForState(msg, true)
	case Requesting:
		c.replyForState(msg, true)
	case Renewing, Rebinding:
		c.replyForState(msg, false)
	default:
		c.counters.Drops++
	}
}

// replyForState applies a Reply. initial marks replies that establish the
// delegation (rapid-commit Solicit or Request); those replace any held
// state, while Renew/Rebind replies reconcile against it.
func (c *Client) replyForState(msg *dhcpv6.Message, initial bool) {
	if st := packet.ReplyStatus(msg); st != iana.StatusSuccess {
		if st == iana.StatusNoPrefixAvail {
			c.counters.NoPrefixAvail++
			if initial {
				c.log.Info("dhcp6: NoPrefixAvail, returning to solicit",
					"event", "NO_PREFIX_AVAIL")
				c.enterSoliciting()
			} else {
				// Keep the delegated prefixes and keep asking.
				c.log.Info("dhcp6: NoPrefixAvail on renew, retaining delegation",
					"event", "NO_PREFIX_AVAIL")
			}
		}
		return
	}
	iapd := packet.IAPDForIAID(msg, c.iaid)
	if iapd == nil {
		c.counters.Drops++
		return
	}
	d, err := packet.DelegationFromIAPD(iapd)
	if err != nil {
		// Held state is untouched and the retransmit timer re-drives
		// the exchange.
		c.counters.Rejects++
		c.log.Warn("dhcp6: rejecting reply, keeping current delegation", "err", err)
		return
	}
	if len(d.Prefixes) == 0 {
		// An IA_PD with no prefixes at all is not a withdrawal. Retain
		// and retransmit.
		c.counters.Drops++
		return
	}
	if initial && msg.Options.ServerID() != nil {
		c.serverID = msg.Options.ServerID()
	}
	c.bind(d, initial)
}

// --- delegation state ---

func expiryTimer(p netip.Prefix) string { return expirePrefix + p.String() }

// bind reconciles a validated delegation into the held prefix set and
// returns the client to Bound. Prefixes absent from the reply keep their
// previous lifetimes and expire on their own.
func (c *Client) bind(d *packet.Delegation6, initial bool) {
	now := c.clock.Now()
	changed := initial && len(c.bound) == 0

	if initial {
		for pfx := range c.bound {
			if !hasPrefix(d.Prefixes, pfx) {
				c.tm.Cancel(expiryTimer(pfx))
				delete(c.bound, pfx)
				changed = true
			}
		}
	}

	for _, p := range d.Prefixes {
		if p.Withdrawn() {
			if _, held := c.bound[p.Prefix]; held {
				c.tm.Cancel(expiryTimer(p.Prefix))
				delete(c.bound, p.Prefix)
				changed = true
				c.log.Info("dhcp6: prefix withdrawn",
					"event", "PREFIX_WITHDRAWN", "prefix", p.Prefix.String())
			}
			continue
		}
		bp, held := c.bound[p.Prefix]
		if !held {
			bp = &BoundPrefix{Prefix: p.Prefix}
			c.bound[p.Prefix] = bp
			changed = true
			c.log.Info("dhcp6: prefix delegated",
				"event", "PREFIX_DELEGATED", "prefix", p.Prefix.String(),
				"preferred", p.PreferredSecs, "valid", p.ValidSecs)
		}
		bp.PreferredSecs = p.PreferredSecs
		bp.ValidSecs = p.ValidSecs
		if p.PreferredSecs == InfiniteLifetime {
			bp.PreferredUntil = time.Time{}
		} else {
			bp.PreferredUntil = now.Add(time.Duration(p.PreferredSecs) * time.Second)
		}
		if p.ValidSecs == InfiniteLifetime {
			bp.ValidUntil = time.Time{}
			c.tm.Cancel(expiryTimer(p.Prefix))
		} else {
			bp.ValidUntil = now.Add(time.Duration(p.ValidSecs) * time.Second)
			c.tm.Schedule(expiryTimer(p.Prefix), time.Duration(p.ValidSecs)*time.Second)
		}
	}

	if len(c.bound) == 0 {
		c.log.Info("dhcp6: server withdrew all prefixes", "event", "DELEGATION_LOST")
		c.hooks.DelegationLost()
		c.enterSoliciting()
		return
	}

	t1, t2 := c.effectiveTimers(d)
	if t1 != c.t1Secs || t2 != c.t2Secs {
		changed = true
	}
	c.t1Secs, c.t2Secs = t1, t2

	c.state = Bound
	c.pending = nil
	c.surfaced = false
	c.tm.Cancel(tmRetransmit)
	c.tm.Cancel(tmT1)
	c.tm.Cancel(tmT2)
	if t1 != 0 && t1 != InfiniteLifetime {
		c.tm.ScheduleSecs(tmT1, t1)
	}
	if t2 != 0 && t2 != InfiniteLifetime {
		c.tm.ScheduleSecs(tmT2, t2)
	}

	if changed {
		c.log.Info("dhcp6: delegation bound",
			"event", "DELEGATION_BOUND", "prefixes", len(c.bound),
			"t1", t1, "t2", t2)
		c.hooks.DelegationChanged(c.Prefixes())
	} else {
		c.hooks.LifetimesRefreshed(c.Prefixes())
	}
}

// effectiveTimers applies the RFC 8415 defaults when the server leaves T1
// or T2 unspecified: half and eight tenths of the shortest preferred
// lifetime.
func (c *Client) effectiveTimers(d *packet.Delegation6) (t1, t2 uint32) {
	t1, t2 = d.T1Secs, d.T2Secs
	if t1 != 0 && t2 != 0 {
		return t1, t2
	}
	shortest := InfiniteLifetime
	for _, p := range c.bound {
		if p.PreferredSecs < shortest {
			shortest = p.PreferredSecs
		}
	}
	if shortest == InfiniteLifetime {
		return InfiniteLifetime, InfiniteLifetime
	}
	if t1 == 0 {
		t1 = shortest / 2
	}
	if t2 == 0 {
		t2 = shortest * 8 / 10
	}
	return t1, t2
}

func hasPrefix(prefixes []packet.DelegatedPrefix, pfx netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Prefix == pfx {
			return true
		}
	}
	return false
}

// --- timers ---

// HandleTimer dispatches a fired timer by name.
func (c *Client) HandleTimer(name string) {
	if c.state == Stopped {
		return
	}
	if pfx, ok := strings.CutPrefix(name, expirePrefix); ok {
		c.expirePrefix(pfx)
		return
	}
	switch name {
	case tmRetransmit:
		c.retransmit()
	case tmT1:
		if c.state == Bound {
			c.enterRenewing()
		}
	case tmT2:
		if c.state == Bound || c.state == Renewing {
			c.enterRebinding()
		}
	}
}

func (c *Client) expirePrefix(s string) {
	pfx, err := netip.ParsePrefix(s)
	if err != nil {
		return
	}
	if _, held := c.bound[pfx]; !held {
		return
	}
	delete(c.bound, pfx)
	c.log.Info("dhcp6: prefix valid lifetime expired",
		"event", "PREFIX_EXPIRED", "prefix", pfx.String())
	if len(c.bound) > 0 {
		c.hooks.DelegationChanged(c.Prefixes())
		return
	}
	c.tm.Cancel(tmT1)
	c.tm.Cancel(tmT2)
	c.hooks.DelegationLost()
	c.enterSoliciting()
}

func (c *Client) retransmit() {
	if c.pending == nil {
		return
	}
	c.attempt++
	c.counters.Retransmits++

	switch c.state {
	case Soliciting:
		if c.attempt >= failureBudget && !c.surfaced {
			c.surfaced = true
			c.log.Warn("dhcp6: no response to solicits",
				"event", "ACQUISITION_FAILED", "attempts", c.attempt)
			c.hooks.AcquisitionFailed()
		}
	case Requesting:
		if c.attempt >= requestMRC {
			c.log.Warn("dhcp6: request retransmit budget exhausted, resoliciting",
				"attempts", c.attempt)
			if !c.surfaced {
				c.surfaced = true
				c.hooks.AcquisitionFailed()
			}
			c.enterSoliciting()
			return
		}
	}

	c.countSend(c.pending)
	c.send(c.pending)
	c.rto *= 2
	if c.rto > c.maxRT {
		c.rto = c.maxRT
	}
	c.tm.Schedule(tmRetransmit, c.rto)
}
