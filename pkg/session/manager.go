package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/leasecache"
	"github.com/psaab/ipprov/pkg/netif"
	"github.com/psaab/ipprov/pkg/timer"
)

// Manager runs one session per configured interface against shared
// netlink and lease-cache backends.
type Manager struct {
	cfg   *config.Config
	clock timer.Clock
	cb    Callbacks
	log   *slog.Logger

	nl    *netif.Netlink
	cache leasecache.Store

	mu       sync.Mutex
	sessions map[string]*Session
	trs      map[string]*RawTransport
}

// NewManager creates a manager for cfg. Sessions are created and started
// by StartAll.
func NewManager(cfg *config.Config, clock timer.Clock, cb Callbacks, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		clock:    clock,
		cb:       cb,
		log:      log,
		cache:    leasecache.NewFileStore(cfg.StateDir),
		sessions: make(map[string]*Session),
		trs:      make(map[string]*RawTransport),
	}
}

// StartAll opens the shared netlink socket and brings up a session for
// every configured interface. Interfaces that fail to open are logged
// and skipped.
func (m *Manager) StartAll() error {
	nl, err := netif.NewNetlink()
	if err != nil {
		return fmt.Errorf("netlink: %w", err)
	}
	m.nl = nl

	for _, ifc := range m.cfg.Interfaces {
		tr, err := DialRaw(ifc.Name, m.log)
		if err != nil {
			m.log.Error("manager: interface unavailable",
				"event", "IFACE_ERROR", "iface", ifc.Name, "err", err)
			continue
		}
		s := New(ifc.Name, ifc.Provisioning, m.cfg.StateDir, m.clock,
			tr, nl, m.cache, m.cb, m.log)
		tr.Attach(s)
		go s.Run()
		s.Start()

		m.mu.Lock()
		m.sessions[ifc.Name] = s
		m.trs[ifc.Name] = tr
		m.mu.Unlock()
	}
	return nil
}

// Session returns the session for iface, or nil.
func (m *Manager) Session(iface string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[iface]
}

// Sessions returns every session, sorted by interface name.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Iface() < out[j].Iface() })
	return out
}

// Shutdown stops every session and closes the shared backends.
func (m *Manager) Shutdown() {
	for _, s := range m.Sessions() {
		s.Shutdown()
	}
	m.mu.Lock()
	for name, tr := range m.trs {
		tr.Close()
		delete(m.trs, name)
	}
	m.mu.Unlock()
	if m.nl != nil {
		m.nl.Close()
	}
}
