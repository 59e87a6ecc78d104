package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// TeeSlogHandler is an slog.Handler that forwards log records to the
// provisioning event buffer and optional remote syslog servers in addition
// to a wrapped base handler (typically stderr).
type TeeSlogHandler struct {
	base    slog.Handler
	events  *EventBuffer
	mu      sync.RWMutex
	clients []*SyslogClient
	attrs   []slog.Attr
	groups  []string
}

// NewTeeSlogHandler wraps a base slog.Handler with event-buffer capture
// and syslog forwarding. events may be nil.
func NewTeeSlogHandler(base slog.Handler, events *EventBuffer) *TeeSlogHandler {
	return &TeeSlogHandler{base: base, events: events}
}

// SetClients replaces the set of syslog clients. Old clients are closed.
func (h *TeeSlogHandler) SetClients(clients []*SyslogClient) {
	h.mu.Lock()
	old := h.clients
	h.clients = clients
	h.mu.Unlock()

	for _, c := range old {
		c.Close()
	}
}

// Close closes all syslog clients.
func (h *TeeSlogHandler) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = nil
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// Enabled implements slog.Handler.
func (h *TeeSlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *TeeSlogHandler) Handle(ctx context.Context, r slog.Record) error {
	// Always forward to the base handler (stderr)
	err := h.base.Handle(ctx, r)

	if h.events != nil {
		if rec, ok := eventFromRecord(r, h.attrs); ok {
			h.events.Add(rec)
		}
	}

	// Forward to syslog clients
	h.mu.RLock()
	clients := h.clients
	h.mu.RUnlock()

	if len(clients) > 0 {
		severity := slogLevelToSyslog(r.Level)
		msg := formatRecord(r, h.attrs, h.groups)
		for _, c := range clients {
			if c.ShouldSend(severity) {
				c.Send(severity, msg)
			}
		}
	}

	return err
}

// WithAttrs implements slog.Handler.
func (h *TeeSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeSlogHandler{
		base:    h.base.WithAttrs(attrs),
		events:  h.events,
		clients: h.clients,
		attrs:   append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups:  h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *TeeSlogHandler) WithGroup(name string) slog.Handler {
	return &TeeSlogHandler{
		base:    h.base.WithGroup(name),
		events:  h.events,
		clients: h.clients,
		attrs:   h.attrs,
		groups:  append(append([]string{}, h.groups...), name),
	}
}

// eventFromRecord converts a log record carrying an "event" attribute into
// an EventRecord. Records without an event attribute are not buffered.
func eventFromRecord(r slog.Record, preAttrs []slog.Attr) (EventRecord, bool) {
	rec := EventRecord{Time: r.Time}
	found := false
	var extra []string

	take := func(a slog.Attr) {
		switch a.Key {
		case "event":
			rec.Type = a.Value.String()
			found = true
		case "iface":
			rec.Iface = a.Value.String()
		case "component":
			rec.Component = a.Value.String()
		case "addr", "prefix":
			rec.Addr = a.Value.String()
		default:
			extra = append(extra, a.Key+"="+a.Value.String())
		}
	}

	for _, a := range preAttrs {
		take(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		take(a)
		return true
	})

	if !found {
		return EventRecord{}, false
	}
	rec.Detail = strings.Join(extra, " ")
	if rec.Detail == "" {
		rec.Detail = r.Message
	}
	return rec, true
}

// slogLevelToSyslog maps slog levels to syslog severity values.
func slogLevelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	default:
		return SyslogInfo
	}
}

// formatRecord produces a compact text representation of a log record.
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)

	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if len(groups) > 0 {
			key = strings.Join(groups, ".") + "." + key
		}
		fmt.Fprintf(&b, " %s=%s", key, a.Value.String())
		return true
	})

	return b.String()
}
