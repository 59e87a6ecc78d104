// Package leasecache persists lease attributes across restarts so a session
// can attempt INIT-REBOOT with its previous address instead of a full
// discovery round. Lookups that time out are treated as a cache miss.
package leasecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Attributes is the cached outcome of a successful DHCPv4 exchange.
type Attributes struct {
	AssignedAddr netip.Addr   `json:"assigned_addr"`
	PrefixLen    int          `json:"prefix_len"`
	ServerID     netip.Addr   `json:"server_id"`
	Gateway      netip.Addr   `json:"gateway,omitempty"`
	DNS          []netip.Addr `json:"dns,omitempty"`
	LeaseSecs    *uint32      `json:"lease_secs,omitempty"` // nil = infinite
	AcquiredAt   time.Time    `json:"acquired_at"`
	MTU          uint16       `json:"mtu,omitempty"`
	Domain       string       `json:"domain,omitempty"`
}

// Expired reports whether the cached lease had already run out at now.
// Infinite leases never expire.
func (a *Attributes) Expired(now time.Time) bool {
	if a.LeaseSecs == nil {
		return false
	}
	return now.After(a.AcquiredAt.Add(time.Duration(*a.LeaseSecs) * time.Second))
}

// Store is the lease-cache collaborator boundary. Retrieve returns nil on
// any miss (absent, corrupt, timed out). Store is fire-and-forget.
type Store interface {
	Retrieve(ctx context.Context, key string) *Attributes
	Store(key string, attrs *Attributes)
}

// FileStore keeps one JSON file per key under a state directory, the same
// way DHCPv6 DUIDs are persisted.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed lease cache rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, "lease-"+sanitizeKey(key))
}

// Retrieve loads the attributes cached under key. The context deadline
// bounds the lookup; expiry is treated as a miss.
func (s *FileStore) Retrieve(ctx context.Context, key string) *Attributes {
	type result struct {
		attrs *Attributes
	}
	ch := make(chan result, 1)
	go func() {
		ch <- result{s.load(key)}
	}()

	select {
	case r := <-ch:
		return r.attrs
	case <-ctx.Done():
		slog.Debug("leasecache: retrieve timed out, treating as miss", "key", key)
		return nil
	}
}

func (s *FileStore) load(key string) *Attributes {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil
	}
	var attrs Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		slog.Warn("leasecache: discarding corrupt entry", "key", key, "err", err)
		return nil
	}
	if !attrs.AssignedAddr.IsValid() {
		return nil
	}
	return &attrs
}

// Store writes the attributes for key in the background. Failures are
// logged and otherwise ignored.
func (s *FileStore) Store(key string, attrs *Attributes) {
	go func() {
		if err := s.write(key, attrs); err != nil {
			slog.Warn("leasecache: store failed", "key", key, "err", err)
		}
	}()
}

func (s *FileStore) write(key string, attrs *Attributes) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	return os.WriteFile(s.path(key), data, 0644)
}

// Forget removes the entry for key, if any.
func (s *FileStore) Forget(key string) {
	os.Remove(s.path(key))
}

// sanitizeKey maps an arbitrary cache key (typically an L2 key containing a
// BSSID) to a safe filename component.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
