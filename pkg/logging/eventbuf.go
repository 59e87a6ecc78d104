package logging

import (
	"strings"
	"sync"
	"time"
)

// EventRecord is a provisioning event stored in the event buffer.
type EventRecord struct {
	Time      time.Time
	Iface     string // interface the event belongs to ("wlan0")
	Component string // "dhcp4", "dhcp6", "slaac", "nud", "session"
	Type      string // "LEASE_ACQUIRED", "PREFIX_WITHDRAWN", "NUD_FAILURE", etc.
	Addr      string // primary address or prefix involved, if any
	Detail    string // free-form detail ("server 10.0.0.1 xid 0x1a2b3c")
}

// EventBuffer is a thread-safe circular buffer for recent provisioning events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int // number of events stored
	seq   uint64 // monotonically increasing sequence number

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// Subscribers are notified non-blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.seq++
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Iface     string // exact match on Iface; "" = no filter
	Component string // case-insensitive substring match on Component
	Type      string // case-insensitive substring match on Type
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Iface == "" && f.Component == "" && f.Type == ""
}

// Matches reports whether rec passes the filter.
func (f EventFilter) Matches(rec *EventRecord) bool {
	if f.Iface != "" && rec.Iface != f.Iface {
		return false
	}
	if f.Component != "" && !strings.Contains(strings.ToLower(rec.Component), strings.ToLower(f.Component)) {
		return false
	}
	if f.Type != "" && !strings.Contains(strings.ToLower(rec.Type), strings.ToLower(f.Type)) {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.Matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n > eb.count {
		n = eb.count
	}
	if n == 0 {
		return nil
	}

	result := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		// Walk backwards from the most recent entry
		idx := (eb.head - 1 - i + eb.size) % eb.size
		result[i] = eb.buf[idx]
	}
	return result
}
