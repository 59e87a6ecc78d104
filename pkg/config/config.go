// Package config loads the daemon configuration file and resolves it into
// the immutable per-session Provisioning struct handed to each sub-FSM.
// Configuration is read once at session start and never re-polled.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top-level daemon configuration.
type Config struct {
	StateDir        string         `yaml:"state_dir"`
	APIListen       string         `yaml:"api_listen"`
	LogLevel        string         `yaml:"log_level"` // "debug", "info", "warn", "error"
	EventBufferSize int            `yaml:"event_buffer_size"`
	Syslog          []SyslogServer `yaml:"syslog"`
	Interfaces      []Interface    `yaml:"interfaces"`
}

// SyslogServer is a remote syslog destination.
type SyslogServer struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Severity string `yaml:"severity"` // "error", "warning", "info"
}

// Interface binds a provisioning profile to a network interface.
type Interface struct {
	Name         string       `yaml:"name"`
	Provisioning Provisioning `yaml:"provisioning"`
}

// Provisioning is the per-session configuration. It is resolved once at
// session start and consumed read-only by every sub-FSM.
type Provisioning struct {
	EnableIPv4 *bool `yaml:"enable_ipv4"` // default true
	EnableIPv6 *bool `yaml:"enable_ipv6"` // default true
	EnablePD   bool  `yaml:"enable_pd"`

	// StaticIPv4 overrides DHCPv4 entirely when set ("192.0.2.10/24").
	StaticIPv4    string `yaml:"static_ipv4"`
	LinkLocalOnly bool   `yaml:"link_local_only"`
	Preconnect    bool   `yaml:"preconnect"`

	RapidCommit4      *bool `yaml:"rapid_commit_v4"` // default true
	RapidCommit6      *bool `yaml:"rapid_commit_v6"` // default true
	IPv6OnlyPreferred bool  `yaml:"ipv6_only_preferred"`
	ARPProbe          *bool `yaml:"arp_probe"` // default true

	HostnamePolicy   string  `yaml:"hostname_policy"` // "send", "omit", "custom"
	CustomHostname   string  `yaml:"custom_hostname"`
	RequestedOptions []uint8 `yaml:"requested_options"` // extra DHCPv4 PRL codes

	EnableNUD *bool       `yaml:"enable_nud"` // default true
	NUD       NUDPolicy   `yaml:"nud"`
	SLAAC     SLAACPolicy `yaml:"slaac"`
	DTIM      DTIMHints   `yaml:"dtim"`

	// Layer-2 identity, supplied by the controller rather than the file.
	L2Key       string `yaml:"-"`
	Cluster     string `yaml:"-"`
	BSSID       string `yaml:"-"`
	DisplayName string `yaml:"-"`

	staticV4 netip.Prefix
}

// NUDPolicy holds reachability-monitor tunables and suppression flags.
type NUDPolicy struct {
	IgnoreOrganicFailure   bool `yaml:"ignore_organic_failure"`
	IgnoreIncompleteDNS    bool `yaml:"ignore_incomplete_dns"`
	IgnoreIncompleteRouter bool `yaml:"ignore_incomplete_router"`
	IgnoreNeverReachable   bool `yaml:"ignore_never_reachable"`
	MulticastResolicit     bool `yaml:"multicast_resolicit"`

	SteadyState ProbeProfile `yaml:"steady_state"`
	PostRoam    ProbeProfile `yaml:"post_roam"`
}

// SLAACPolicy holds RA-processor tunables.
type SLAACPolicy struct {
	// StableAddresses adds an RFC 7217 stable-privacy address alongside
	// the privacy address for each autonomous prefix. Default true.
	StableAddresses *bool `yaml:"stable_addresses"`
	// MinRDNSSLifetimeSecs is the threshold an advertised DNS server
	// lifetime must strictly exceed to be accepted.
	MinRDNSSLifetimeSecs uint32 `yaml:"min_rdnss_lifetime_secs"`
}

// ProbeProfile bounds a unicast probe burst.
type ProbeProfile struct {
	Count      int `yaml:"count"`
	IntervalMS int `yaml:"interval_ms"`
}

// Interval returns the probe spacing as a duration.
func (p ProbeProfile) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// DTIMHints are the max-DTIM-multiplier values published per connectivity
// state. DTIMNoOpinion resets the hint.
type DTIMHints struct {
	BeforeIPv6    int `yaml:"before_ipv6"`
	IPv4Only      int `yaml:"ipv4_only"`
	IPv6Only      int `yaml:"ipv6_only"`
	DualStack     int `yaml:"dual_stack"`
	MulticastLock int `yaml:"multicast_lock"`
}

// DTIMNoOpinion is the sentinel hint meaning "no constraint".
const DTIMNoOpinion = -1

// Read loads and validates a daemon configuration file.
func Read(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var conf Config
	if err := yaml.UnmarshalStrict(raw, &conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := conf.finish(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) finish() error {
	if c.StateDir == "" {
		c.StateDir = "/var/lib/ipprov"
	}
	if c.APIListen == "" {
		c.APIListen = "127.0.0.1:9680"
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 1024
	}
	seen := make(map[string]bool)
	for i := range c.Interfaces {
		ifc := &c.Interfaces[i]
		if ifc.Name == "" {
			return fmt.Errorf("interface %d: missing name", i)
		}
		if seen[ifc.Name] {
			return fmt.Errorf("interface %s: configured twice", ifc.Name)
		}
		seen[ifc.Name] = true
		if err := ifc.Provisioning.finish(); err != nil {
			return fmt.Errorf("interface %s: %w", ifc.Name, err)
		}
	}
	return nil
}

func (p *Provisioning) finish() error {
	if p.StaticIPv4 != "" {
		pfx, err := netip.ParsePrefix(p.StaticIPv4)
		if err != nil {
			return fmt.Errorf("static_ipv4: %w", err)
		}
		if !pfx.Addr().Is4() {
			return fmt.Errorf("static_ipv4 %s: not an IPv4 prefix", p.StaticIPv4)
		}
		p.staticV4 = pfx
	}
	switch p.HostnamePolicy {
	case "", "send", "omit":
	case "custom":
		if p.CustomHostname == "" {
			return fmt.Errorf("hostname_policy custom requires custom_hostname")
		}
	default:
		return fmt.Errorf("hostname_policy %q: must be send, omit or custom", p.HostnamePolicy)
	}
	if p.NUD.SteadyState.Count <= 0 {
		p.NUD.SteadyState = ProbeProfile{Count: 3, IntervalMS: 1000}
	}
	if p.NUD.PostRoam.Count <= 0 {
		p.NUD.PostRoam = ProbeProfile{Count: 5, IntervalMS: 750}
	}
	if p.SLAAC.MinRDNSSLifetimeSecs == 0 {
		p.SLAAC.MinRDNSSLifetimeSecs = 120
	}
	if p.DTIM == (DTIMHints{}) {
		p.DTIM = DTIMHints{BeforeIPv6: 1, IPv4Only: 9, IPv6Only: 2, DualStack: 2, MulticastLock: 1}
	}
	return nil
}

// IPv4Enabled reports whether DHCPv4 (or static IPv4) should run.
func (p *Provisioning) IPv4Enabled() bool { return boolDefault(p.EnableIPv4, true) }

// IPv6Enabled reports whether SLAAC/DHCPv6 should run.
func (p *Provisioning) IPv6Enabled() bool { return boolDefault(p.EnableIPv6, true) }

// RapidCommitV4Enabled reports whether DHCPv4 starts in rapid-commit mode.
func (p *Provisioning) RapidCommitV4Enabled() bool { return boolDefault(p.RapidCommit4, true) }

// RapidCommitV6Enabled reports whether DHCPv6 solicits with rapid commit.
func (p *Provisioning) RapidCommitV6Enabled() bool { return boolDefault(p.RapidCommit6, true) }

// ARPProbeEnabled reports whether offered addresses are probed before use.
func (p *Provisioning) ARPProbeEnabled() bool { return boolDefault(p.ARPProbe, true) }

// NUDEnabled reports whether the reachability monitor runs.
func (p *Provisioning) NUDEnabled() bool { return boolDefault(p.EnableNUD, true) }

// StableAddressesEnabled reports whether stable-privacy SLAAC addresses
// are generated in addition to privacy addresses.
func (p *Provisioning) StableAddressesEnabled() bool { return boolDefault(p.SLAAC.StableAddresses, true) }

// StaticIPv4Prefix returns the static override, or a zero prefix when DHCP
// should run.
func (p *Provisioning) StaticIPv4Prefix() netip.Prefix { return p.staticV4 }

// Hostname resolves the hostname policy against the OS hostname.
// ok is false when no hostname option should be sent.
func (p *Provisioning) Hostname() (name string, ok bool) {
	switch p.HostnamePolicy {
	case "omit":
		return "", false
	case "custom":
		return p.CustomHostname, true
	default:
		h, err := os.Hostname()
		if err != nil || h == "" {
			return "", false
		}
		return h, true
	}
}

func boolDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
