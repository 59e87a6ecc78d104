package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/leasecache"
	"github.com/psaab/ipprov/pkg/logging"
	"github.com/psaab/ipprov/pkg/session"
	"github.com/psaab/ipprov/pkg/timer"
)

type nullTransport struct{}

func (nullTransport) Send(frame []byte, dst net.HardwareAddr) {}

func (nullTransport) Close() {}

type nullConfigurator struct{}

func (nullConfigurator) AddAddress(iface string, prefix netip.Prefix, preferredSecs, validSecs uint32) error {
	return nil
}

func (nullConfigurator) RemoveAddress(iface string, prefix netip.Prefix) error { return nil }

func (nullConfigurator) AddRoute(iface string, dst netip.Prefix, gw netip.Addr) error { return nil }

func (nullConfigurator) RemoveRoute(iface string, dst netip.Prefix, gw netip.Addr) error {
	return nil
}

func (nullConfigurator) SetMTU(iface string, mtu int) error { return nil }

func (nullConfigurator) FlushAddresses(iface string) error { return nil }

func (nullConfigurator) LinkInfo(iface string) (net.HardwareAddr, int, error) {
	return net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01}, 2, nil
}

// staticSource serves a fixed session set without netlink or raw sockets.
type staticSource struct {
	sessions map[string]*session.Session
}

func (s *staticSource) Session(iface string) *session.Session { return s.sessions[iface] }

func (s *staticSource) Sessions() []*session.Session {
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*session.Session, 0, len(names))
	for _, name := range names {
		out = append(out, s.sessions[name])
	}
	return out
}

func newTestServer(t *testing.T, ifaces ...string) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	cache := leasecache.NewFileStore(t.TempDir())
	src := &staticSource{sessions: make(map[string]*session.Session)}
	for _, name := range ifaces {
		src.sessions[name] = session.New(name, config.Provisioning{}, t.TempDir(),
			timer.NewFake(), nullTransport{}, nullConfigurator{}, cache,
			session.LogCallbacks{Log: log}, log)
	}
	return &Server{mgr: src, eventBuf: logging.NewEventBuffer(64), startTime: time.Now()}
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, data any) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("response not successful: %s", resp.Error)
	}
	if data != nil {
		if err := json.Unmarshal(resp.Data, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.healthHandler(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var data map[string]string
	decodeData(t, w, &data)
	if data["status"] != "ok" {
		t.Errorf("status = %q, want ok", data["status"])
	}
}

func TestStatusHandler(t *testing.T) {
	s := newTestServer(t, "wlan0", "eth0")
	w := httptest.NewRecorder()
	s.statusHandler(w, httptest.NewRequest("GET", "/api/v1/status", nil))

	var data DaemonStatus
	decodeData(t, w, &data)
	if data.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", data.Sessions)
	}
	want := []string{"eth0", "wlan0"}
	if len(data.Interfaces) != 2 || data.Interfaces[0] != want[0] || data.Interfaces[1] != want[1] {
		t.Errorf("Interfaces = %v, want %v", data.Interfaces, want)
	}
	if data.Uptime == "" {
		t.Error("empty uptime")
	}
}

func TestInterfacesHandler(t *testing.T) {
	s := newTestServer(t, "wlan0", "eth0")

	w := httptest.NewRecorder()
	s.interfacesHandler(w, httptest.NewRequest("GET", "/api/v1/interfaces", nil))
	var all []InterfaceStatus
	decodeData(t, w, &all)
	if len(all) != 2 {
		t.Fatalf("got %d interfaces, want 2", len(all))
	}
	if all[0].Iface != "eth0" || all[1].Iface != "wlan0" {
		t.Errorf("order = %s, %s", all[0].Iface, all[1].Iface)
	}
	if all[0].State != "Stopped" {
		t.Errorf("State = %q, want Stopped", all[0].State)
	}

	w = httptest.NewRecorder()
	s.interfacesHandler(w, httptest.NewRequest("GET", "/api/v1/interfaces?iface=wlan0", nil))
	var one []InterfaceStatus
	decodeData(t, w, &one)
	if len(one) != 1 || one[0].Iface != "wlan0" {
		t.Errorf("filtered result = %+v", one)
	}
}

func TestInterfacesHandlerUnknownIface(t *testing.T) {
	s := newTestServer(t, "wlan0")
	w := httptest.NewRecorder()
	s.interfacesHandler(w, httptest.NewRequest("GET", "/api/v1/interfaces?iface=wlan9", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestLeasesHandlerEmpty(t *testing.T) {
	s := newTestServer(t, "wlan0")
	w := httptest.NewRecorder()
	s.leasesHandler(w, httptest.NewRequest("GET", "/api/v1/leases", nil))

	var data map[string]*LeaseInfo
	decodeData(t, w, &data)
	if len(data) != 0 {
		t.Errorf("got %d leases, want 0", len(data))
	}
}

func TestCountersHandler(t *testing.T) {
	s := newTestServer(t, "wlan0")
	w := httptest.NewRecorder()
	s.countersHandler(w, httptest.NewRequest("GET", "/api/v1/counters", nil))

	var data []CounterSet
	decodeData(t, w, &data)
	if len(data) != 1 {
		t.Fatalf("got %d counter sets, want 1", len(data))
	}
	cs := data[0]
	if cs.Iface != "wlan0" {
		t.Errorf("Iface = %q", cs.Iface)
	}
	for _, key := range []string{"discovers", "acks", "conflicts"} {
		if _, ok := cs.DHCP4[key]; !ok {
			t.Errorf("missing dhcp4 counter %q", key)
		}
	}
	if _, ok := cs.DHCP6["no_prefix_avail"]; !ok {
		t.Error("missing dhcp6 counter no_prefix_avail")
	}
	if _, ok := cs.NUD["suppressed"]; !ok {
		t.Error("missing nud counter suppressed")
	}
}

func TestEventsHandler(t *testing.T) {
	s := newTestServer(t, "wlan0")
	s.eventBuf.Add(logging.EventRecord{
		Time: time.Now(), Iface: "wlan0", Component: "dhcp4",
		Type: "LEASE_ACQUIRED", Addr: "192.0.2.23",
	})
	s.eventBuf.Add(logging.EventRecord{
		Time: time.Now(), Iface: "wlan0", Component: "slaac",
		Type: "RA_RECEIVED", Addr: "fe80::1",
	})

	w := httptest.NewRecorder()
	s.eventsHandler(w, httptest.NewRequest("GET", "/api/v1/events?component=dhcp4", nil))
	var data []EventEntry
	decodeData(t, w, &data)
	if len(data) != 1 {
		t.Fatalf("got %d events, want 1", len(data))
	}
	if data[0].Type != "LEASE_ACQUIRED" || data[0].Addr != "192.0.2.23" {
		t.Errorf("event = %+v", data[0])
	}
}

func TestEventsHandlerInvalidLimit(t *testing.T) {
	s := newTestServer(t, "wlan0")
	w := httptest.NewRecorder()
	s.eventsHandler(w, httptest.NewRequest("GET", "/api/v1/events?limit=bogus", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestMutationHandlers(t *testing.T) {
	s := newTestServer(t, "wlan0")

	tests := []struct {
		name    string
		handler http.HandlerFunc
		body    string
		want    int
	}{
		{"confirm ok", s.confirmHandler, `{"iface":"wlan0"}`, http.StatusOK},
		{"confirm unknown iface", s.confirmHandler, `{"iface":"wlan9"}`, http.StatusNotFound},
		{"confirm missing iface", s.confirmHandler, `{}`, http.StatusBadRequest},
		{"confirm bad json", s.confirmHandler, `{`, http.StatusBadRequest},
		{"stop ok", s.stopSessionHandler, `{"iface":"wlan0"}`, http.StatusOK},
		{"start ok", s.startSessionHandler, `{"iface":"wlan0"}`, http.StatusOK},
		{"l2 update ok", s.l2UpdateHandler,
			`{"iface":"wlan0","l2_key":"home-net","bssid":"02:00:5e:00:00:fc"}`, http.StatusOK},
		{"multicast filter ok", s.multicastFilterHandler,
			`{"iface":"wlan0","enabled":true}`, http.StatusOK},
		{"preconnect complete ok", s.preconnectCompleteHandler,
			`{"iface":"wlan0","success":true}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/sessions/x", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			tt.handler(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "wlan0")
	srv := NewServer(Config{Addr: "127.0.0.1:0", Sessions: ts.mgr, EventBuf: ts.eventBuf})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, metric := range []string{
		"ipprov_session_running{iface=\"wlan0\"} 0",
		"ipprov_dhcp4_messages_total",
		"ipprov_nud_probes_total",
		"ipprov_delegated_prefixes",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %q", metric)
		}
	}
}

func TestLifetimeString(t *testing.T) {
	if got := lifetimeString(session.Forever); got != "forever" {
		t.Errorf("forever = %q", got)
	}
	if got := lifetimeString(time.Time{}); got != "" {
		t.Errorf("zero = %q", got)
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := lifetimeString(ts); got != "2026-03-01T12:00:00Z" {
		t.Errorf("rfc3339 = %q", got)
	}
}
