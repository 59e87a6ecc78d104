package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/ipprov/pkg/session"
)

// ipprovCollector implements prometheus.Collector, reading per-session
// counters on each scrape.
type ipprovCollector struct {
	srv *Server

	// DHCPv4 counters
	dhcp4MessagesTotal    *prometheus.Desc
	dhcp4ConflictsTotal   *prometheus.Desc
	dhcp4DropsTotal       *prometheus.Desc
	dhcp4RetransmitsTotal *prometheus.Desc

	// DHCPv6-PD counters
	dhcp6MessagesTotal      *prometheus.Desc
	dhcp6NoPrefixAvailTotal *prometheus.Desc
	dhcp6RejectsTotal       *prometheus.Desc
	dhcp6DropsTotal         *prometheus.Desc
	dhcp6RetransmitsTotal   *prometheus.Desc

	// RA processor counters
	raSolicitsTotal    *prometheus.Desc
	raReceivedTotal    *prometheus.Desc
	gratuitousNATotal  *prometheus.Desc
	ignoredPIOsTotal   *prometheus.Desc
	droppedRDNSSTotal  *prometheus.Desc
	ignoredPref64Total *prometheus.Desc

	// Reachability monitor counters
	nudProbesTotal     *prometheus.Desc
	nudConfirmsTotal   *prometheus.Desc
	nudFailuresTotal   *prometheus.Desc
	nudSuppressedTotal *prometheus.Desc

	// Session gauges
	sessionRunning    *prometheus.Desc
	addresses         *prometheus.Desc
	delegatedPrefixes *prometheus.Desc
	neighbors         *prometheus.Desc
}

func newCollector(srv *Server) *ipprovCollector {
	return &ipprovCollector{
		srv: srv,

		dhcp4MessagesTotal: prometheus.NewDesc(
			"ipprov_dhcp4_messages_total",
			"Total DHCPv4 messages by type.",
			[]string{"iface", "type"}, nil,
		),
		dhcp4ConflictsTotal: prometheus.NewDesc(
			"ipprov_dhcp4_conflicts_total",
			"Total offered addresses declined after an ARP conflict.",
			[]string{"iface"}, nil,
		),
		dhcp4DropsTotal: prometheus.NewDesc(
			"ipprov_dhcp4_drops_total",
			"Total DHCPv4 frames dropped as unparsable or unexpected.",
			[]string{"iface"}, nil,
		),
		dhcp4RetransmitsTotal: prometheus.NewDesc(
			"ipprov_dhcp4_retransmits_total",
			"Total DHCPv4 retransmissions.",
			[]string{"iface"}, nil,
		),
		dhcp6MessagesTotal: prometheus.NewDesc(
			"ipprov_dhcp6_messages_total",
			"Total DHCPv6 messages by type.",
			[]string{"iface", "type"}, nil,
		),
		dhcp6NoPrefixAvailTotal: prometheus.NewDesc(
			"ipprov_dhcp6_no_prefix_avail_total",
			"Total NoPrefixAvail statuses received.",
			[]string{"iface"}, nil,
		),
		dhcp6RejectsTotal: prometheus.NewDesc(
			"ipprov_dhcp6_rejects_total",
			"Total DHCPv6 replies rejected whole.",
			[]string{"iface"}, nil,
		),
		dhcp6DropsTotal: prometheus.NewDesc(
			"ipprov_dhcp6_drops_total",
			"Total DHCPv6 frames dropped as unparsable or unexpected.",
			[]string{"iface"}, nil,
		),
		dhcp6RetransmitsTotal: prometheus.NewDesc(
			"ipprov_dhcp6_retransmits_total",
			"Total DHCPv6 retransmissions.",
			[]string{"iface"}, nil,
		),
		raSolicitsTotal: prometheus.NewDesc(
			"ipprov_ra_solicits_total",
			"Total router solicitations sent.",
			[]string{"iface"}, nil,
		),
		raReceivedTotal: prometheus.NewDesc(
			"ipprov_ra_received_total",
			"Total router advertisements processed.",
			[]string{"iface"}, nil,
		),
		gratuitousNATotal: prometheus.NewDesc(
			"ipprov_gratuitous_na_total",
			"Total gratuitous neighbor advertisements sent.",
			[]string{"iface"}, nil,
		),
		ignoredPIOsTotal: prometheus.NewDesc(
			"ipprov_ignored_pios_total",
			"Total prefix information options ignored.",
			[]string{"iface"}, nil,
		),
		droppedRDNSSTotal: prometheus.NewDesc(
			"ipprov_dropped_rdnss_total",
			"Total RDNSS servers dropped below the minimum lifetime.",
			[]string{"iface"}, nil,
		),
		ignoredPref64Total: prometheus.NewDesc(
			"ipprov_ignored_pref64_total",
			"Total PREF64 options ignored after the first was latched.",
			[]string{"iface"}, nil,
		),
		nudProbesTotal: prometheus.NewDesc(
			"ipprov_nud_probes_total",
			"Total neighbor probes sent by mode.",
			[]string{"iface", "mode"}, nil,
		),
		nudConfirmsTotal: prometheus.NewDesc(
			"ipprov_nud_confirms_total",
			"Total neighbor reachability confirmations.",
			[]string{"iface"}, nil,
		),
		nudFailuresTotal: prometheus.NewDesc(
			"ipprov_nud_failures_total",
			"Total neighbor reachability failures surfaced.",
			[]string{"iface"}, nil,
		),
		nudSuppressedTotal: prometheus.NewDesc(
			"ipprov_nud_suppressed_total",
			"Total neighbor failures suppressed by policy.",
			[]string{"iface"}, nil,
		),
		sessionRunning: prometheus.NewDesc(
			"ipprov_session_running",
			"Whether the provisioning session is in the Running state.",
			[]string{"iface"}, nil,
		),
		addresses: prometheus.NewDesc(
			"ipprov_addresses",
			"Installed addresses by origin.",
			[]string{"iface", "origin"}, nil,
		),
		delegatedPrefixes: prometheus.NewDesc(
			"ipprov_delegated_prefixes",
			"Currently bound delegated prefixes.",
			[]string{"iface"}, nil,
		),
		neighbors: prometheus.NewDesc(
			"ipprov_monitored_neighbors",
			"Neighbors under reachability monitoring.",
			[]string{"iface"}, nil,
		),
	}
}

func (c *ipprovCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dhcp4MessagesTotal
	ch <- c.dhcp4ConflictsTotal
	ch <- c.dhcp4DropsTotal
	ch <- c.dhcp4RetransmitsTotal
	ch <- c.dhcp6MessagesTotal
	ch <- c.dhcp6NoPrefixAvailTotal
	ch <- c.dhcp6RejectsTotal
	ch <- c.dhcp6DropsTotal
	ch <- c.dhcp6RetransmitsTotal
	ch <- c.raSolicitsTotal
	ch <- c.raReceivedTotal
	ch <- c.gratuitousNATotal
	ch <- c.ignoredPIOsTotal
	ch <- c.droppedRDNSSTotal
	ch <- c.ignoredPref64Total
	ch <- c.nudProbesTotal
	ch <- c.nudConfirmsTotal
	ch <- c.nudFailuresTotal
	ch <- c.nudSuppressedTotal
	ch <- c.sessionRunning
	ch <- c.addresses
	ch <- c.delegatedPrefixes
	ch <- c.neighbors
}

func (c *ipprovCollector) Collect(ch chan<- prometheus.Metric) {
	if c.srv.mgr == nil {
		return
	}
	for _, sess := range c.srv.mgr.Sessions() {
		st := sess.Status()
		c.collectDHCP4(ch, &st)
		c.collectDHCP6(ch, &st)
		c.collectSLAAC(ch, &st)
		c.collectNUD(ch, &st)
		c.collectGauges(ch, &st)
	}
}

func (c *ipprovCollector) collectDHCP4(ch chan<- prometheus.Metric, st *session.Status) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v),
			append([]string{st.Iface}, labels...)...)
	}
	counter(c.dhcp4MessagesTotal, st.DHCP4.Discovers, "discover")
	counter(c.dhcp4MessagesTotal, st.DHCP4.Offers, "offer")
	counter(c.dhcp4MessagesTotal, st.DHCP4.Requests, "request")
	counter(c.dhcp4MessagesTotal, st.DHCP4.Acks, "ack")
	counter(c.dhcp4MessagesTotal, st.DHCP4.Naks, "nak")
	counter(c.dhcp4MessagesTotal, st.DHCP4.Declines, "decline")
	counter(c.dhcp4ConflictsTotal, st.DHCP4.Conflicts)
	counter(c.dhcp4DropsTotal, st.DHCP4.Drops)
	counter(c.dhcp4RetransmitsTotal, st.DHCP4.Retransmits)
}

func (c *ipprovCollector) collectDHCP6(ch chan<- prometheus.Metric, st *session.Status) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v),
			append([]string{st.Iface}, labels...)...)
	}
	counter(c.dhcp6MessagesTotal, st.DHCP6.Solicits, "solicit")
	counter(c.dhcp6MessagesTotal, st.DHCP6.Advertises, "advertise")
	counter(c.dhcp6MessagesTotal, st.DHCP6.Requests, "request")
	counter(c.dhcp6MessagesTotal, st.DHCP6.Renews, "renew")
	counter(c.dhcp6MessagesTotal, st.DHCP6.Rebinds, "rebind")
	counter(c.dhcp6MessagesTotal, st.DHCP6.Replies, "reply")
	counter(c.dhcp6MessagesTotal, st.DHCP6.Releases, "release")
	counter(c.dhcp6NoPrefixAvailTotal, st.DHCP6.NoPrefixAvail)
	counter(c.dhcp6RejectsTotal, st.DHCP6.Rejects)
	counter(c.dhcp6DropsTotal, st.DHCP6.Drops)
	counter(c.dhcp6RetransmitsTotal, st.DHCP6.Retransmits)
}

func (c *ipprovCollector) collectSLAAC(ch chan<- prometheus.Metric, st *session.Status) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), st.Iface)
	}
	counter(c.raSolicitsTotal, st.SLAAC.Solicits)
	counter(c.raReceivedTotal, st.SLAAC.Adverts)
	counter(c.gratuitousNATotal, st.SLAAC.GratuitousNAs)
	counter(c.ignoredPIOsTotal, st.SLAAC.IgnoredPIOs)
	counter(c.droppedRDNSSTotal, st.SLAAC.DroppedDNS)
	counter(c.ignoredPref64Total, st.SLAAC.IgnoredPref64)
}

func (c *ipprovCollector) collectNUD(ch chan<- prometheus.Metric, st *session.Status) {
	ch <- prometheus.MustNewConstMetric(c.nudProbesTotal, prometheus.CounterValue,
		float64(st.NUD.UnicastProbes), st.Iface, "unicast")
	ch <- prometheus.MustNewConstMetric(c.nudProbesTotal, prometheus.CounterValue,
		float64(st.NUD.MulticastProbes), st.Iface, "multicast")
	ch <- prometheus.MustNewConstMetric(c.nudConfirmsTotal, prometheus.CounterValue,
		float64(st.NUD.Confirms), st.Iface)
	ch <- prometheus.MustNewConstMetric(c.nudFailuresTotal, prometheus.CounterValue,
		float64(st.NUD.Failures), st.Iface)
	ch <- prometheus.MustNewConstMetric(c.nudSuppressedTotal, prometheus.CounterValue,
		float64(st.NUD.Suppressed), st.Iface)
}

func (c *ipprovCollector) collectGauges(ch chan<- prometheus.Metric, st *session.Status) {
	running := 0.0
	if st.State == "Running" {
		running = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.sessionRunning, prometheus.GaugeValue,
		running, st.Iface)

	byOrigin := make(map[string]int)
	for _, a := range st.Snapshot.Addresses {
		byOrigin[a.Origin.String()]++
	}
	for origin, n := range byOrigin {
		ch <- prometheus.MustNewConstMetric(c.addresses, prometheus.GaugeValue,
			float64(n), st.Iface, origin)
	}
	ch <- prometheus.MustNewConstMetric(c.delegatedPrefixes, prometheus.GaugeValue,
		float64(len(st.Prefixes)), st.Iface)
	ch <- prometheus.MustNewConstMetric(c.neighbors, prometheus.GaugeValue,
		float64(len(st.Neighbors)), st.Iface)
}
