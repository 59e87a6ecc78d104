// ipprovctl is the remote CLI client for ipprovd.
//
// It connects to the ipprovd HTTP API and provides an interactive shell
// for inspecting and controlling provisioning sessions.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/ipprov/pkg/api"
	"github.com/psaab/ipprov/pkg/cmdtree"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9680", "ipprovd API address")
	apiKey := flag.String("api-key", "", "API key for authenticated daemons")
	flag.Parse()

	c := &ctl{
		base:   "http://" + *addr,
		apiKey: *apiKey,
		http:   &http.Client{Timeout: 5 * time.Second},
	}

	// Verify connectivity
	var status api.DaemonStatus
	if err := c.get("/api/v1/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "ipprovctl: cannot reach ipprovd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ipprov"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "remote"
	}
	c.prompt = fmt.Sprintf("%s@%s> ", username, hostname)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt,
		HistoryFile:     "/tmp/ipprovctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &treeCompleter{ctl: c},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ipprovctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("ipprovctl - connected to ipprovd (uptime: %s, %d sessions)\n",
		status.Uptime, status.Sessions)
	fmt.Println("Type '?' for help")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errExit = fmt.Errorf("exit")

type ctl struct {
	base   string
	apiKey string
	http   *http.Client
	prompt string

	cachedIfaces []string
	ifacesAt     time.Time
}

// get fetches path and decodes the data field of the response envelope.
func (c *ctl) get(path string, out any) error {
	req, err := http.NewRequest("GET", c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// post sends a JSON mutation and decodes the data field of the response.
func (c *ctl) post(path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *ctl) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("%s", envelope.Error)
	}
	if out != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

// ifaces returns the configured interface names, cached briefly for
// tab completion.
func (c *ctl) ifaces() []string {
	if time.Since(c.ifacesAt) < 5*time.Second {
		return c.cachedIfaces
	}
	var status api.DaemonStatus
	if err := c.get("/api/v1/status", &status); err != nil {
		return c.cachedIfaces
	}
	c.cachedIfaces = status.Interfaces
	c.ifacesAt = time.Now()
	return c.cachedIfaces
}

func (c *ctl) dispatch(line string) error {
	if strings.HasSuffix(line, "?") {
		c.showContextHelp(strings.TrimSuffix(line, "?"))
		return nil
	}

	parts := strings.Fields(line)
	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])
	case "monitor":
		if len(parts) >= 2 && parts[1] == "events" {
			return c.monitorEvents(parts[2:])
		}
		return fmt.Errorf("usage: monitor events [iface]")
	case "session":
		return c.handleSession(parts[1:])
	case "quit", "exit":
		return errExit
	case "?", "help":
		cmdtree.PrintTreeHelp("Available commands:", cmdtree.OperationalTree)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		cmdtree.PrintTreeHelp("show:", cmdtree.OperationalTree, "show")
		return nil
	}

	switch args[0] {
	case "status":
		return c.showStatus()
	case "interfaces":
		return c.showInterfaces(args[1:])
	case "leases":
		return c.showLeases(args[1:])
	case "prefixes":
		return c.showPrefixes(args[1:])
	case "neighbors":
		return c.showNeighbors(args[1:])
	case "counters":
		return c.showCounters(args[1:])
	case "events":
		return c.showEvents(args[1:])
	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (c *ctl) handleSession(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: session start|stop|confirm <interface>")
	}
	var path string
	switch args[0] {
	case "start":
		path = "/api/v1/sessions/start"
	case "stop":
		path = "/api/v1/sessions/stop"
	case "confirm":
		path = "/api/v1/sessions/confirm"
	default:
		return fmt.Errorf("unknown session action: %s", args[0])
	}
	if err := c.post(path, map[string]string{"iface": args[1]}); err != nil {
		return err
	}
	fmt.Printf("%s: %s requested\n", args[1], args[0])
	return nil
}

// ifaceQuery builds the optional ?iface= suffix from a command argument.
func ifaceQuery(args []string) string {
	if len(args) > 0 {
		return "?iface=" + args[0]
	}
	return ""
}

func (c *ctl) showStatus() error {
	var status api.DaemonStatus
	if err := c.get("/api/v1/status", &status); err != nil {
		return err
	}
	fmt.Printf("  %-14s %s\n", "Uptime:", status.Uptime)
	fmt.Printf("  %-14s %d\n", "Sessions:", status.Sessions)
	fmt.Printf("  %-14s %s\n", "Interfaces:", strings.Join(status.Interfaces, ", "))
	return nil
}

func (c *ctl) showInterfaces(args []string) error {
	var ifaces []api.InterfaceStatus
	if err := c.get("/api/v1/interfaces"+ifaceQuery(args), &ifaces); err != nil {
		return err
	}
	for _, ii := range ifaces {
		fmt.Printf("Interface: %s, State: %s\n", ii.Iface, ii.State)
		for _, a := range ii.Addresses {
			line := fmt.Sprintf("  Address: %-30s %s", a.Address, a.Origin)
			if a.Deprecated {
				line += " (deprecated)"
			}
			fmt.Println(line)
			fmt.Printf("    preferred until %s, valid until %s\n",
				a.PreferredUntil, a.ValidUntil)
		}
		for _, rt := range ii.Routes {
			if rt.Gateway != "" {
				fmt.Printf("  Route: %s via %s\n", rt.Destination, rt.Gateway)
			} else {
				fmt.Printf("  Route: %s (on-link)\n", rt.Destination)
			}
		}
		if len(ii.DNSServers) > 0 {
			fmt.Printf("  DNS: %s\n", strings.Join(ii.DNSServers, ", "))
		}
		if len(ii.Domains) > 0 {
			fmt.Printf("  Domains: %s\n", strings.Join(ii.Domains, ", "))
		}
		if ii.MTU > 0 {
			fmt.Printf("  MTU: %d\n", ii.MTU)
		}
		if ii.NAT64Prefix != "" {
			fmt.Printf("  NAT64 prefix: %s\n", ii.NAT64Prefix)
		}
		if ii.CaptivePortalURL != "" {
			fmt.Printf("  Captive portal: %s\n", ii.CaptivePortalURL)
		}
		fmt.Println()
	}
	return nil
}

func (c *ctl) showLeases(args []string) error {
	leases := make(map[string]*api.LeaseInfo)
	if err := c.get("/api/v1/leases"+ifaceQuery(args), &leases); err != nil {
		return err
	}
	if len(leases) == 0 {
		fmt.Println("No active DHCP leases")
		return nil
	}
	names := make([]string, 0, len(leases))
	for name := range leases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l := leases[name]
		fmt.Printf("  Interface: %s\n", name)
		fmt.Printf("    Address:   %s\n", l.Address)
		fmt.Printf("    Server:    %s\n", l.Server)
		if l.Gateway != "" {
			fmt.Printf("    Gateway:   %s\n", l.Gateway)
		}
		if len(l.DNS) > 0 {
			fmt.Printf("    DNS:       %s\n", strings.Join(l.DNS, ", "))
		}
		if l.LeaseSecs > 0 {
			fmt.Printf("    Lease:     %ds (T1 %ds, T2 %ds)\n", l.LeaseSecs, l.T1Secs, l.T2Secs)
		}
		if l.Domain != "" {
			fmt.Printf("    Domain:    %s\n", l.Domain)
		}
		fmt.Println()
	}
	return nil
}

func (c *ctl) showPrefixes(args []string) error {
	prefixes := make(map[string][]api.PrefixInfo)
	if err := c.get("/api/v1/prefixes"+ifaceQuery(args), &prefixes); err != nil {
		return err
	}
	if len(prefixes) == 0 {
		fmt.Println("No delegated prefixes")
		return nil
	}
	names := make([]string, 0, len(prefixes))
	for name := range prefixes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  Interface: %s\n", name)
		for _, p := range prefixes[name] {
			fmt.Printf("    %-30s preferred %ds, valid %ds\n",
				p.Prefix, p.PreferredSecs, p.ValidSecs)
		}
	}
	return nil
}

func (c *ctl) showNeighbors(args []string) error {
	neighbors := make(map[string][]api.NeighborInfo)
	if err := c.get("/api/v1/neighbors"+ifaceQuery(args), &neighbors); err != nil {
		return err
	}
	if len(neighbors) == 0 {
		fmt.Println("No monitored neighbors")
		return nil
	}
	names := make([]string, 0, len(neighbors))
	for name := range neighbors {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("  %-10s %-28s %-14s %-18s %-10s %s\n",
		"Interface", "Address", "Kind", "MAC", "State", "Reachable")
	for _, name := range names {
		for _, n := range neighbors[name] {
			fmt.Printf("  %-10s %-28s %-14s %-18s %-10s %v\n",
				name, n.Address, n.Kind, n.MAC, n.State, n.EverReachable)
		}
	}
	return nil
}

func (c *ctl) showCounters(args []string) error {
	var sets []api.CounterSet
	if err := c.get("/api/v1/counters"+ifaceQuery(args), &sets); err != nil {
		return err
	}
	for _, cs := range sets {
		fmt.Printf("Interface: %s\n", cs.Iface)
		printCounterGroup("dhcp4", cs.DHCP4)
		printCounterGroup("dhcp6", cs.DHCP6)
		printCounterGroup("slaac", cs.SLAAC)
		printCounterGroup("nud", cs.NUD)
		fmt.Println()
	}
	return nil
}

func printCounterGroup(name string, counters map[string]uint64) {
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("  %s:\n", name)
	for _, k := range keys {
		fmt.Printf("    %-20s %d\n", k, counters[k])
	}
}

func (c *ctl) showEvents(args []string) error {
	limit := 50
	query := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "component":
			if i+1 < len(args) {
				i++
				query += "&component=" + args[i]
			}
		case "iface":
			if i+1 < len(args) {
				i++
				query += "&iface=" + args[i]
			}
		default:
			if v, err := strconv.Atoi(args[i]); err == nil {
				limit = v
			}
		}
	}

	var events []api.EventEntry
	path := fmt.Sprintf("/api/v1/events?limit=%d%s", limit, query)
	if err := c.get(path, &events); err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events recorded")
		return nil
	}
	for _, e := range events {
		fmt.Printf("%s %-8s %-8s %-20s %s %s\n",
			e.Time, e.Iface, e.Component, e.Type, e.Addr, e.Detail)
	}
	fmt.Printf("(%d events shown)\n", len(events))
	return nil
}

// monitorEvents streams the SSE event feed until interrupted.
func (c *ctl) monitorEvents(args []string) error {
	path := "/api/v1/events/stream"
	if len(args) > 0 {
		path += "?iface=" + args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, "GET", c.base+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	// Streaming request, no client timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Println("monitoring events, ^C to stop")
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e api.EventEntry
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			continue
		}
		fmt.Printf("%s %-8s %-8s %-20s %s %s\n",
			e.Time, e.Iface, e.Component, e.Type, e.Addr, e.Detail)
	}
	if ctx.Err() != nil {
		fmt.Println()
		return nil
	}
	return scanner.Err()
}

// --- Completion and help ---

type treeCompleter struct {
	ctl *ctl
}

func (tc *treeCompleter) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	words := strings.Fields(text)
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '

	var partial string
	if !trailingSpace && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}

	candidates := cmdtree.CompleteFromTree(cmdtree.OperationalTree, words, partial, tc.ctl.ifaces())
	if len(candidates) == 0 {
		return nil, 0
	}

	sort.Strings(candidates)
	var result [][]rune
	for _, cand := range candidates {
		result = append(result, []rune(cand[len(partial):]+" "))
	}
	return result, len(partial)
}

func (c *ctl) showContextHelp(prefix string) {
	words := strings.Fields(strings.TrimSpace(prefix))
	candidates := cmdtree.CompleteFromTreeWithDesc(cmdtree.OperationalTree, words, "", c.ifaces())
	if len(candidates) == 0 {
		fmt.Println("  (no help available)")
		return
	}
	cmdtree.WriteHelp(os.Stdout, candidates)
}
