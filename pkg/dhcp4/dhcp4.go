// Package dhcp4 implements the DHCPv4 client state machine: discovery with
// optional rapid commit, address conflict detection by ARP probing,
// renew/rebind/expiry timing, INIT-REBOOT from a cached lease, preconnect
// discovery, and IPv6-only-preferred deferral.
//
// A Client is confined to its session's event loop: every method must be
// called from that loop, and all I/O is pushed out through the Hooks
// interface. Timers post back into the loop via the shared scheduler.
package dhcp4

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/leasecache"
	"github.com/psaab/ipprov/pkg/packet"
	"github.com/psaab/ipprov/pkg/timer"
)

// State is the client FSM state.
type State int

const (
	Stopped State = iota
	Init
	Selecting
	Requesting
	Probing
	Announcing
	Bound
	Renewing
	Rebinding
	Rebooting
	Preconnecting
	V6OnlyWait
	Declining
)

var stateNames = map[State]string{
	Stopped:       "Stopped",
	Init:          "Init",
	Selecting:     "Selecting",
	Requesting:    "Requesting",
	Probing:       "Probing",
	Announcing:    "Announcing",
	Bound:         "Bound",
	Renewing:      "Renewing",
	Rebinding:     "Rebinding",
	Rebooting:     "Rebooting",
	Preconnecting: "Preconnecting",
	V6OnlyWait:    "V6OnlyWait",
	Declining:     "Declining",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Hooks is how the client reaches the outside world. Implementations run
// on the session loop and must not block.
type Hooks interface {
	// SendFrame transmits a complete Ethernet frame.
	SendFrame(frame []byte, dst net.HardwareAddr)
	// LeaseAcquired fires on every successful bind, including renewals.
	LeaseAcquired(l *packet.Lease4)
	// LeaseLost fires when a held lease becomes invalid (expiry, NAK).
	LeaseLost()
	// AcquisitionFailed fires once per acquisition attempt when the
	// retransmit budget is exhausted. The client keeps retrying.
	AcquisitionFailed()
	// V6OnlyWaitStarted fires when the server signaled IPv6-only-preferred
	// and IPv4 provisioning is deferred for wait.
	V6OnlyWaitStarted(wait time.Duration)
}

// Timing constants. Retransmission follows RFC 2131 §4.4.1 doubling;
// probe/announce counts follow RFC 5227.
const (
	backoffStart        = 4 * time.Second
	backoffCap          = 64 * time.Second
	rapidCommitAttempts = 3
	requestAttempts     = 4
	rebootAttempts      = 2
	renewAttempts       = 3
	failureBudget       = 5

	probeNum         = 3
	probeInterval    = time.Second
	announceNum      = 2
	announceInterval = 2 * time.Second

	declineQuiet      = 10 * time.Second
	minV6OnlyWait     = 300 * time.Second
	preconnectTimeout = 5 * time.Second
	renewRetransmit   = 60 * time.Second
)

// Timer names on the client's scheduler.
const (
	tmRetransmit = "retransmit"
	tmProbe      = "probe"
	tmAnnounce   = "announce"
	tmT1         = "t1"
	tmT2         = "t2"
	tmExpiry     = "expiry"
	tmQuiet      = "quiet"
	tmV6Only     = "v6only"
	tmPreconnect = "preconnect"
)

// Counters are monotonic protocol counters, read by the metrics collector.
type Counters struct {
	Discovers   uint64
	Offers      uint64
	Requests    uint64
	Acks        uint64
	Naks        uint64
	Declines    uint64
	Conflicts   uint64
	Drops       uint64
	Retransmits uint64
}

// Client is the DHCPv4 client FSM for one interface.
type Client struct {
	iface string
	mac   net.HardwareAddr
	cfg   config.Provisioning
	clock timer.Clock
	tm    *timer.Scheduler
	hooks Hooks
	log   *slog.Logger

	state    State
	xid      dhcpv4.TransactionID
	attempt  int
	backoff  time.Duration
	rapid    bool
	surfaced bool

	offer      *dhcpv4.DHCPv4
	serverMAC  net.HardwareAddr
	reqAttempt int

	lease      *packet.Lease4
	acquiredAt time.Time

	candidate     *packet.Lease4
	probeCount    int
	announceCount int

	rebootAttrs   *leasecache.Attributes
	rebootAttempt int

	counters Counters
}

// New creates a stopped client. tm must be a scheduler whose fire function
// routes timer names back to HandleTimer on the session loop.
func New(iface string, mac net.HardwareAddr, cfg config.Provisioning,
	clock timer.Clock, tm *timer.Scheduler, hooks Hooks, log *slog.Logger) *Client {
	return &Client{
		iface: iface,
		mac:   mac,
		cfg:   cfg,
		clock: clock,
		tm:    tm,
		hooks: hooks,
		log:   log.With("component", "dhcp4", "iface", iface),
		state: Stopped,
	}
}

// State returns the current FSM state.
func (c *Client) State() State { return c.state }

// Lease returns the currently held lease, or nil.
func (c *Client) Lease() *packet.Lease4 { return c.lease }

// Counters returns a snapshot of the protocol counters.
func (c *Client) Counters() Counters { return c.counters }

// Start begins a fresh acquisition with a full discovery round.
func (c *Client) Start() {
	c.reset()
	c.rapid = c.cfg.RapidCommitV4Enabled()
	c.enterInit()
}

// StartReboot begins acquisition in INIT-REBOOT using a cached lease: a
// REQUEST for the previous address is broadcast before falling back to
// discovery.
func (c *Client) StartReboot(attrs *leasecache.Attributes) {
	if attrs == nil || !attrs.AssignedAddr.IsValid() || attrs.Expired(c.clock.Now()) {
		c.Start()
		return
	}
	c.reset()
	c.rapid = c.cfg.RapidCommitV4Enabled()
	c.rebootAttrs = attrs
	c.rebootAttempt = 0
	c.state = Rebooting
	c.log.Info("dhcp4: attempting INIT-REBOOT",
		"event", "INIT_REBOOT", "addr", attrs.AssignedAddr.String())
	c.sendRebootRequest()
}

// Stop releases any held lease and halts the FSM.
func (c *Client) Stop() {
	if c.lease != nil {
		c.sendRelease()
	}
	c.reset()
	c.state = Stopped
}

// reset clears all transaction state and timers.
func (c *Client) reset() {
	c.tm.CancelAll()
	c.state = Stopped
	c.attempt = 0
	c.backoff = backoffStart
	c.surfaced = false
	c.offer = nil
	c.serverMAC = nil
	c.reqAttempt = 0
	c.lease = nil
	c.candidate = nil
	c.rebootAttrs = nil
}

// --- discovery ---

func (c *Client) enterInit() {
	c.state = Init
	c.attempt = 0
	c.backoff = backoffStart
	c.offer = nil
	c.sendDiscover()
}

func (c *Client) buildDiscover() (*dhcpv4.DHCPv4, error) {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover),
		dhcpv4.WithOption(dhcpv4.OptParameterRequestList(c.prl()...)),
		dhcpv4.WithBroadcast(true),
	}
	if c.rapid {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptGeneric(packet.OptCodeRapidCommit, nil)))
	}
	if name, ok := c.cfg.Hostname(); ok {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptHostName(name)))
	}
	msg, err := dhcpv4.New(mods...)
	if err != nil {
		return nil, err
	}
	msg.ClientHWAddr = c.mac
	return msg, nil
}

func (c *Client) sendDiscover() {
	msg, err := c.buildDiscover()
	if err != nil {
		c.log.Error("dhcp4: building discover", "err", err)
		return
	}
	if c.attempt == 0 {
		c.xid = msg.TransactionID
	} else {
		msg.TransactionID = c.xid
		c.counters.Retransmits++
	}
	c.state = Selecting
	c.counters.Discovers++
	c.broadcast(msg)

	c.attempt++
	if c.rapid && c.attempt >= rapidCommitAttempts {
		// Rapid-commit rollback: keep discovering, drop the option.
		c.rapid = false
		c.log.Info("dhcp4: no rapid-commit reply, falling back to four-way exchange",
			"event", "RAPID_COMMIT_ROLLBACK")
	}
	if !c.surfaced && c.attempt >= failureBudget {
		c.surfaced = true
		c.hooks.AcquisitionFailed()
	}
	c.tm.Schedule(tmRetransmit, c.backoff)
	c.backoff *= 2
	if c.backoff > backoffCap {
		c.backoff = backoffCap
	}
}

// prl is the parameter request list: the base set, plus the
// IPv6-only-preferred code when configured, plus caller extras.
func (c *Client) prl() []dhcpv4.OptionCode {
	codes := []dhcpv4.OptionCode{
		dhcpv4.OptionSubnetMask,
		dhcpv4.OptionRouter,
		dhcpv4.OptionDomainNameServer,
		dhcpv4.OptionDomainName,
		dhcpv4.OptionDNSDomainSearchList,
		dhcpv4.OptionInterfaceMTU,
		dhcpv4.OptionIPAddressLeaseTime,
		dhcpv4.OptionServerIdentifier,
		packet.OptCodeCaptivePortal,
	}
	if c.cfg.IPv6OnlyPreferred {
		codes = append(codes, packet.OptCodeIPv6OnlyPreferred)
	}
	for _, o := range c.cfg.RequestedOptions {
		codes = append(codes, dhcpv4.GenericOptionCode(o))
	}
	return codes
}

// --- preconnect ---

// BuildPreconnectDiscover pre-builds a DISCOVER frame for zero-round-trip
// join flows. The caller transmits it out of band and later reports the
// outcome through NotifyPreconnectComplete.
func (c *Client) BuildPreconnectDiscover() ([]byte, error) {
	c.reset()
	c.rapid = c.cfg.RapidCommitV4Enabled()
	msg, err := c.buildDiscover()
	if err != nil {
		return nil, err
	}
	c.xid = msg.TransactionID
	c.state = Preconnecting
	c.counters.Discovers++
	c.tm.Schedule(tmPreconnect, preconnectTimeout)
	return packet.BuildDHCPv4Frame(c.mac, packet.EthernetBroadcast[:],
		netip.IPv4Unspecified(), netip.AddrFrom4([4]byte{255, 255, 255, 255}),
		msg.ToBytes()), nil
}

// NotifyPreconnectComplete resolves a pending preconnect: on success the
// in-flight exchange continues, otherwise discovery restarts with a fresh
// transaction ID.
func (c *Client) NotifyPreconnectComplete(success bool) {
	if c.state != Preconnecting {
		return
	}
	c.tm.Cancel(tmPreconnect)
	if success {
		c.state = Selecting
		c.attempt = 1
		c.tm.Schedule(tmRetransmit, c.backoff)
		c.backoff *= 2
		return
	}
	c.log.Info("dhcp4: preconnect aborted, restarting discovery", "event", "PRECONNECT_ABORT")
	c.enterInit()
}

// --- INIT-REBOOT ---

func (c *Client) sendRebootRequest() {
	attrs := c.rebootAttrs
	msg, err := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(attrs.AssignedAddr.AsSlice())),
		dhcpv4.WithOption(dhcpv4.OptParameterRequestList(c.prl()...)),
		dhcpv4.WithBroadcast(true),
	)
	if err != nil {
		c.log.Error("dhcp4: building reboot request", "err", err)
		c.enterInit()
		return
	}
	msg.ClientHWAddr = c.mac
	if c.rebootAttempt == 0 {
		c.xid = msg.TransactionID
	} else {
		msg.TransactionID = c.xid
		c.counters.Retransmits++
	}
	c.rebootAttempt++
	c.counters.Requests++
	c.broadcast(msg)
	c.tm.Schedule(tmRetransmit, backoffStart)
}

// --- requesting ---

func (c *Client) sendRequestFromOffer() {
	sid := c.offer.ServerIdentifier()
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(c.offer.YourIPAddr)),
		dhcpv4.WithOption(dhcpv4.OptParameterRequestList(c.prl()...)),
		dhcpv4.WithBroadcast(true),
	}
	if sid != nil {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptServerIdentifier(sid)))
	}
	if name, ok := c.cfg.Hostname(); ok {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptHostName(name)))
	}
	msg, err := dhcpv4.New(mods...)
	if err != nil {
		c.log.Error("dhcp4: building request", "err", err)
		return
	}
	msg.ClientHWAddr = c.mac
	msg.TransactionID = c.xid
	if c.reqAttempt > 0 {
		c.counters.Retransmits++
	}
	c.reqAttempt++
	c.state = Requesting
	c.counters.Requests++
	c.broadcast(msg)
	c.tm.Schedule(tmRetransmit, backoffStart)
}

// --- renew / rebind ---

func (c *Client) buildRenewRequest() (*dhcpv4.DHCPv4, error) {
	msg, err := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithOption(dhcpv4.OptParameterRequestList(c.prl()...)),
	)
	if err != nil {
		return nil, err
	}
	msg.ClientHWAddr = c.mac
	msg.ClientIPAddr = c.lease.ClientAddr.AsSlice()
	return msg, nil
}

func (c *Client) enterRenewing() {
	if c.lease == nil {
		return
	}
	c.state = Renewing
	c.reqAttempt = 0
	c.sendRenew()
}

func (c *Client) sendRenew() {
	msg, err := c.buildRenewRequest()
	if err != nil {
		c.log.Error("dhcp4: building renew", "err", err)
		return
	}
	if c.reqAttempt == 0 {
		c.xid = msg.TransactionID
	} else {
		msg.TransactionID = c.xid
		c.counters.Retransmits++
	}
	c.reqAttempt++
	c.counters.Requests++

	// Unicast to the server that granted the lease when its MAC is known,
	// otherwise fall back to broadcast.
	if c.serverMAC != nil && c.lease.ServerID.IsValid() {
		frame := packet.BuildDHCPv4Frame(c.mac, c.serverMAC,
			c.lease.ClientAddr, c.lease.ServerID, msg.ToBytes())
		c.hooks.SendFrame(frame, c.serverMAC)
	} else {
		c.broadcast(msg)
	}
	c.tm.Schedule(tmRetransmit, renewRetransmit)
}

func (c *Client) enterRebinding() {
	if c.lease == nil {
		return
	}
	c.state = Rebinding
	c.reqAttempt = 0
	c.sendRebind()
}

func (c *Client) sendRebind() {
	msg, err := c.buildRenewRequest()
	if err != nil {
		c.log.Error("dhcp4: building rebind", "err", err)
		return
	}
	if c.reqAttempt == 0 {
		c.xid = msg.TransactionID
	} else {
		msg.TransactionID = c.xid
		c.counters.Retransmits++
	}
	c.reqAttempt++
	c.counters.Requests++
	c.broadcast(msg)
	c.tm.Schedule(tmRetransmit, renewRetransmit)
}

// Roam re-verifies the held lease after the link moved to a new attachment
// point, by renewing immediately.
func (c *Client) Roam() {
	if c.state != Bound {
		return
	}
	c.log.Info("dhcp4: roam, re-acquiring lease", "event", "ROAM_REACQUIRE",
		"addr", c.lease.ClientAddr.String())
	c.tm.Cancel(tmT1)
	c.enterRenewing()
}

// --- release / decline ---

func (c *Client) sendRelease() {
	msg, err := dhcpv4.New(dhcpv4.WithMessageType(dhcpv4.MessageTypeRelease))
	if err != nil {
		return
	}
	msg.ClientHWAddr = c.mac
	msg.ClientIPAddr = c.lease.ClientAddr.AsSlice()
	if c.lease.ServerID.IsValid() {
		msg.UpdateOption(dhcpv4.OptServerIdentifier(c.lease.ServerID.AsSlice()))
	}
	if c.serverMAC != nil && c.lease.ServerID.IsValid() {
		frame := packet.BuildDHCPv4Frame(c.mac, c.serverMAC,
			c.lease.ClientAddr, c.lease.ServerID, msg.ToBytes())
		c.hooks.SendFrame(frame, c.serverMAC)
	} else {
		c.broadcast(msg)
	}
}

func (c *Client) declineCandidate() {
	c.counters.Declines++
	msg, err := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDecline),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(c.candidate.ClientAddr.AsSlice())),
	)
	if err == nil {
		msg.ClientHWAddr = c.mac
		if c.candidate.ServerID.IsValid() {
			msg.UpdateOption(dhcpv4.OptServerIdentifier(c.candidate.ServerID.AsSlice()))
		}
		c.broadcast(msg)
	}
	c.log.Warn("dhcp4: address conflict, declining",
		"event", "ADDRESS_CONFLICT", "addr", c.candidate.ClientAddr.String())
	c.candidate = nil
	c.tm.CancelAll()
	c.state = Declining
	c.tm.Schedule(tmQuiet, declineQuiet)
}

// --- conflict detection ---

func (c *Client) startProbing(lease *packet.Lease4) {
	c.candidate = lease
	c.probeCount = 0
	c.announceCount = 0
	c.state = Probing
	c.tm.Cancel(tmRetransmit)
	c.sendProbe()
}

func (c *Client) sendProbe() {
	c.probeCount++
	c.hooks.SendFrame(packet.BuildARPProbe(c.mac, c.candidate.ClientAddr),
		packet.EthernetBroadcast[:])
	c.tm.Schedule(tmProbe, probeInterval)
}

func (c *Client) sendAnnounce() {
	c.announceCount++
	c.hooks.SendFrame(packet.BuildARPAnnounce(c.mac, c.candidate.ClientAddr),
		packet.EthernetBroadcast[:])
	if c.announceCount < announceNum {
		c.tm.Schedule(tmAnnounce, announceInterval)
		return
	}
	lease := c.candidate
	c.candidate = nil
	c.bind(lease)
}

// HandleARP feeds a received ARP packet to conflict detection. Only
// meaningful while probing or announcing.
func (c *Client) HandleARP(pkt *packet.ARPPacket) {
	if c.state != Probing && c.state != Announcing {
		return
	}
	if bytes.Equal(pkt.SenderMAC, c.mac) {
		return
	}
	target := c.candidate.ClientAddr
	// RFC 5227 §2.1.1: a conflict is any ARP from another host claiming
	// the candidate, or a competing probe for it.
	claims := pkt.SenderIP == target
	competingProbe := pkt.SenderIP == netip.IPv4Unspecified() && pkt.TargetIP == target
	if claims || competingProbe {
		c.counters.Conflicts++
		c.declineCandidate()
	}
}

// --- binding ---

func (c *Client) bind(lease *packet.Lease4) {
	// A renew may shrink or remove the lease time; timers from the
	// previous bind must not outlive it.
	c.tm.Cancel(tmRetransmit)
	c.tm.Cancel(tmT1)
	c.tm.Cancel(tmT2)
	c.tm.Cancel(tmExpiry)
	c.state = Bound
	c.lease = lease
	c.acquiredAt = c.clock.Now()
	c.surfaced = false
	c.backoff = backoffStart

	if lease.LeaseSecs != nil {
		secs := *lease.LeaseSecs
		t1 := lease.T1Secs
		if t1 == 0 || t1 >= secs {
			t1 = secs / 2
		}
		t2 := lease.T2Secs
		if t2 == 0 || t2 >= secs {
			t2 = secs / 8 * 7
		}
		if t1 < t2 {
			c.tm.ScheduleSecs(tmT1, t1)
		}
		c.tm.ScheduleSecs(tmT2, t2)
		c.tm.ScheduleSecs(tmExpiry, secs)
	}

	c.log.Info("dhcp4: lease acquired",
		"event", "LEASE_ACQUIRED",
		"addr", fmt.Sprintf("%s/%d", lease.ClientAddr, lease.PrefixLen),
		"server", lease.ServerID.String())
	c.hooks.LeaseAcquired(lease)
}

// ExpiresAt returns the absolute lease expiry, or zero time for an
// infinite or absent lease.
func (c *Client) ExpiresAt() time.Time {
	if dl, ok := c.tm.Deadline(tmExpiry); ok {
		return dl
	}
	return time.Time{}
}

// --- input dispatch ---

// HandleFrame processes a received Ethernet frame carrying a DHCPv4 reply.
// src is the link-layer source, remembered for unicast renews.
func (c *Client) HandleFrame(frame []byte, src net.HardwareAddr) {
	payload, _, err := packet.ParseDHCPv4Frame(frame)
	if err != nil {
		c.counters.Drops++
		return
	}
	msg, err := dhcpv4.FromBytes(payload)
	if err != nil {
		c.counters.Drops++
		c.log.Debug("dhcp4: dropping malformed message", "err", err)
		return
	}
	if msg.TransactionID != c.xid {
		c.counters.Drops++
		return
	}

	switch msg.MessageType() {
	case dhcpv4.MessageTypeOffer:
		c.handleOffer(msg, src)
	case dhcpv4.MessageTypeAck:
		c.handleACK(msg, src)
	case dhcpv4.MessageTypeNak:
		c.handleNAK(msg)
	default:
		c.counters.Drops++
	}
}

func (c *Client) handleOffer(msg *dhcpv4.DHCPv4, src net.HardwareAddr) {
	if c.state != Selecting && c.state != Preconnecting {
		c.counters.Drops++
		return
	}
	c.counters.Offers++

	if c.v6OnlySignaled(msg) {
		c.enterV6OnlyWait(msg)
		return
	}

	c.offer = msg
	c.serverMAC = append(net.HardwareAddr(nil), src...)
	c.reqAttempt = 0
	c.sendRequestFromOffer()
}

func (c *Client) handleACK(msg *dhcpv4.DHCPv4, src net.HardwareAddr) {
	fresh := false
	switch c.state {
	case Selecting, Preconnecting:
		// Only a rapid-commit ACK completes the exchange from here.
		if !c.rapid || !packet.HasRapidCommit(msg) {
			c.counters.Drops++
			return
		}
		fresh = true
	case Requesting, Rebooting:
		fresh = true
	case Renewing, Rebinding:
	default:
		c.counters.Drops++
		return
	}
	c.counters.Acks++

	if fresh && c.v6OnlySignaled(msg) {
		c.enterV6OnlyWait(msg)
		return
	}

	lease, err := packet.LeaseFromACK(msg)
	if err != nil {
		c.counters.Drops++
		c.log.Debug("dhcp4: unusable ACK", "err", err)
		return
	}
	if !fresh && lease.ClientAddr != c.lease.ClientAddr {
		// A renew answered with a different address is a lease loss,
		// not a reassignment. The owner decides whether to restart.
		c.log.Warn("dhcp4: renew ACK offers a different address, dropping lease",
			"event", "RENEW_ADDR_MISMATCH",
			"held", c.lease.ClientAddr.String(),
			"offered", lease.ClientAddr.String())
		c.reset()
		c.hooks.LeaseLost()
		return
	}
	c.serverMAC = append(net.HardwareAddr(nil), src...)

	if fresh && c.cfg.ARPProbeEnabled() {
		c.startProbing(lease)
		return
	}
	c.bind(lease)
}

func (c *Client) handleNAK(msg *dhcpv4.DHCPv4) {
	switch c.state {
	case Requesting, Rebooting, Renewing, Rebinding:
	default:
		c.counters.Drops++
		return
	}
	c.counters.Naks++
	c.log.Warn("dhcp4: server NAK, restarting", "event", "NAK",
		"state", c.state.String())

	hadLease := c.lease != nil
	c.tm.CancelAll()
	c.lease = nil
	c.rebootAttrs = nil
	if hadLease {
		c.hooks.LeaseLost()
	}
	c.enterInit()
}

// v6OnlySignaled reports whether RFC 8925 applies to this reply.
func (c *Client) v6OnlySignaled(msg *dhcpv4.DHCPv4) bool {
	return c.cfg.IPv6OnlyPreferred && len(msg.Options.Get(packet.OptCodeIPv6OnlyPreferred)) == 4
}

func (c *Client) enterV6OnlyWait(msg *dhcpv4.DHCPv4) {
	raw := msg.Options.Get(packet.OptCodeIPv6OnlyPreferred)
	wait := time.Duration(uint32(raw[0])<<24|uint32(raw[1])<<16|uint32(raw[2])<<8|uint32(raw[3])) * time.Second
	if wait < minV6OnlyWait {
		wait = minV6OnlyWait
	}
	c.tm.CancelAll()
	c.state = V6OnlyWait
	c.log.Info("dhcp4: network is IPv6-only-preferred, deferring IPv4",
		"event", "V6ONLY_WAIT", "wait", wait.String())
	c.tm.Schedule(tmV6Only, wait)
	c.hooks.V6OnlyWaitStarted(wait)
}

// HandleTimer dispatches an expired timer by name.
func (c *Client) HandleTimer(name string) {
	switch name {
	case tmRetransmit:
		c.retransmit()
	case tmProbe:
		if c.state != Probing {
			return
		}
		if c.probeCount < probeNum {
			c.sendProbe()
			return
		}
		c.state = Announcing
		c.tm.Schedule(tmAnnounce, announceInterval)
	case tmAnnounce:
		if c.state == Announcing {
			c.sendAnnounce()
		}
	case tmT1:
		if c.state == Bound {
			c.enterRenewing()
		}
	case tmT2:
		if c.state == Bound || c.state == Renewing {
			c.tm.Cancel(tmRetransmit)
			c.enterRebinding()
		}
	case tmExpiry:
		c.expire()
	case tmQuiet:
		if c.state == Declining {
			c.enterInit()
		}
	case tmV6Only:
		if c.state == V6OnlyWait {
			c.log.Info("dhcp4: IPv6-only wait over, resuming IPv4", "event", "V6ONLY_RESUME")
			c.Start()
		}
	case tmPreconnect:
		c.NotifyPreconnectComplete(false)
	}
}

func (c *Client) retransmit() {
	switch c.state {
	case Selecting:
		c.sendDiscover()
	case Requesting:
		if c.reqAttempt >= requestAttempts {
			c.log.Info("dhcp4: request unanswered, returning to discovery")
			c.enterInit()
			return
		}
		c.sendRequestFromOffer()
	case Rebooting:
		if c.rebootAttempt >= rebootAttempts {
			c.log.Info("dhcp4: INIT-REBOOT unanswered, falling back to discovery",
				"event", "INIT_REBOOT_FALLBACK")
			c.rebootAttrs = nil
			c.enterInit()
			return
		}
		c.sendRebootRequest()
	case Renewing:
		// A roam-triggered renew of an infinite lease has no T2 backstop;
		// give up after a bounded burst and keep the lease.
		if c.reqAttempt >= renewAttempts && !c.tm.Pending(tmT2) {
			c.state = Bound
			c.tm.Cancel(tmRetransmit)
			return
		}
		c.sendRenew()
	case Rebinding:
		c.sendRebind()
	}
}

func (c *Client) expire() {
	if c.lease == nil {
		return
	}
	c.log.Warn("dhcp4: lease expired", "event", "LEASE_EXPIRED",
		"addr", c.lease.ClientAddr.String())
	c.tm.CancelAll()
	c.lease = nil
	c.hooks.LeaseLost()
	c.enterInit()
}

func (c *Client) broadcast(msg *dhcpv4.DHCPv4) {
	frame := packet.BuildDHCPv4Frame(c.mac, packet.EthernetBroadcast[:],
		netip.IPv4Unspecified(), netip.AddrFrom4([4]byte{255, 255, 255, 255}),
		msg.ToBytes())
	c.hooks.SendFrame(frame, packet.EthernetBroadcast[:])
}
