package api

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/psaab/ipprov/pkg/dhcp6"
	"github.com/psaab/ipprov/pkg/logging"
	"github.com/psaab/ipprov/pkg/nud"
	"github.com/psaab/ipprov/pkg/packet"
	"github.com/psaab/ipprov/pkg/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	sessions := s.mgr.Sessions()
	resp := DaemonStatus{
		Uptime:     time.Since(s.startTime).Truncate(time.Second).String(),
		Interfaces: make([]string, 0, len(sessions)),
		Sessions:   len(sessions),
	}
	for _, sess := range sessions {
		resp.Interfaces = append(resp.Interfaces, sess.Iface())
	}
	writeOK(w, resp)
}

// selectSessions resolves the optional ?iface= query to one or all sessions.
func (s *Server) selectSessions(w http.ResponseWriter, r *http.Request) []*session.Session {
	if iface := r.URL.Query().Get("iface"); iface != "" {
		sess := s.mgr.Session(iface)
		if sess == nil {
			writeError(w, http.StatusNotFound, "no session for interface "+iface)
			return nil
		}
		return []*session.Session{sess}
	}
	return s.mgr.Sessions()
}

func (s *Server) interfacesHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.selectSessions(w, r)
	if sessions == nil {
		return
	}
	out := make([]InterfaceStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, interfaceStatus(sess.Status()))
	}
	writeOK(w, out)
}

func (s *Server) leasesHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.selectSessions(w, r)
	if sessions == nil {
		return
	}
	out := make(map[string]*LeaseInfo)
	for _, sess := range sessions {
		st := sess.Status()
		if st.Lease != nil {
			out[st.Iface] = leaseInfo(st.Lease)
		}
	}
	writeOK(w, out)
}

func (s *Server) prefixesHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.selectSessions(w, r)
	if sessions == nil {
		return
	}
	out := make(map[string][]PrefixInfo)
	for _, sess := range sessions {
		st := sess.Status()
		if len(st.Prefixes) > 0 {
			out[st.Iface] = prefixInfos(st.Prefixes)
		}
	}
	writeOK(w, out)
}

func (s *Server) neighborsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.selectSessions(w, r)
	if sessions == nil {
		return
	}
	out := make(map[string][]NeighborInfo)
	for _, sess := range sessions {
		st := sess.Status()
		if len(st.Neighbors) > 0 {
			out[st.Iface] = neighborInfos(st.Neighbors)
		}
	}
	writeOK(w, out)
}

func (s *Server) countersHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.selectSessions(w, r)
	if sessions == nil {
		return
	}
	out := make([]CounterSet, 0, len(sessions))
	for _, sess := range sessions {
		st := sess.Status()
		out = append(out, CounterSet{
			Iface: st.Iface,
			DHCP4: map[string]uint64{
				"discovers":   st.DHCP4.Discovers,
				"offers":      st.DHCP4.Offers,
				"requests":    st.DHCP4.Requests,
				"acks":        st.DHCP4.Acks,
				"naks":        st.DHCP4.Naks,
				"declines":    st.DHCP4.Declines,
				"conflicts":   st.DHCP4.Conflicts,
				"drops":       st.DHCP4.Drops,
				"retransmits": st.DHCP4.Retransmits,
			},
			DHCP6: map[string]uint64{
				"solicits":        st.DHCP6.Solicits,
				"advertises":      st.DHCP6.Advertises,
				"requests":        st.DHCP6.Requests,
				"renews":          st.DHCP6.Renews,
				"rebinds":         st.DHCP6.Rebinds,
				"replies":         st.DHCP6.Replies,
				"releases":        st.DHCP6.Releases,
				"no_prefix_avail": st.DHCP6.NoPrefixAvail,
				"rejects":         st.DHCP6.Rejects,
				"drops":           st.DHCP6.Drops,
				"retransmits":     st.DHCP6.Retransmits,
			},
			SLAAC: map[string]uint64{
				"solicits":       st.SLAAC.Solicits,
				"adverts":        st.SLAAC.Adverts,
				"gratuitous_nas": st.SLAAC.GratuitousNAs,
				"ignored_pios":   st.SLAAC.IgnoredPIOs,
				"dropped_dns":    st.SLAAC.DroppedDNS,
				"ignored_pref64": st.SLAAC.IgnoredPref64,
			},
			NUD: map[string]uint64{
				"unicast_probes":   st.NUD.UnicastProbes,
				"multicast_probes": st.NUD.MulticastProbes,
				"confirms":         st.NUD.Confirms,
				"failures":         st.NUD.Failures,
				"suppressed":       st.NUD.Suppressed,
			},
		})
	}
	writeOK(w, out)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	filter := logging.EventFilter{
		Iface:     q.Get("iface"),
		Component: q.Get("component"),
		Type:      q.Get("type"),
	}
	recs := s.eventBuf.LatestFiltered(limit, filter)
	out := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, eventEntryFromRecord(rec))
	}
	writeOK(w, out)
}

// requireSession decodes a JSON body into v and resolves its interface
// to a running session. v must embed an Iface field.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request, v any, iface func() string) *session.Session {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil
	}
	name := iface()
	if name == "" {
		writeError(w, http.StatusBadRequest, "iface is required")
		return nil
	}
	sess := s.mgr.Session(name)
	if sess == nil {
		writeError(w, http.StatusNotFound, "no session for interface "+name)
		return nil
	}
	return sess
}

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	sess := s.requireSession(w, r, &req, func() string { return req.Iface })
	if sess == nil {
		return
	}
	sess.Start()
	writeOK(w, map[string]string{"iface": req.Iface, "action": "start"})
}

func (s *Server) stopSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	sess := s.requireSession(w, r, &req, func() string { return req.Iface })
	if sess == nil {
		return
	}
	sess.Stop()
	writeOK(w, map[string]string{"iface": req.Iface, "action": "stop"})
}

func (s *Server) confirmHandler(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	sess := s.requireSession(w, r, &req, func() string { return req.Iface })
	if sess == nil {
		return
	}
	sess.ConfirmConfiguration()
	writeOK(w, map[string]string{"iface": req.Iface, "action": "confirm"})
}

func (s *Server) l2UpdateHandler(w http.ResponseWriter, r *http.Request) {
	var req l2Request
	sess := s.requireSession(w, r, &req, func() string { return req.Iface })
	if sess == nil {
		return
	}
	sess.UpdateLayer2Information(req.L2Key, req.Cluster, req.BSSID)
	writeOK(w, map[string]string{"iface": req.Iface, "action": "l2-update"})
}

func (s *Server) multicastFilterHandler(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	sess := s.requireSession(w, r, &req, func() string { return req.Iface })
	if sess == nil {
		return
	}
	sess.SetMulticastFilter(req.Enabled)
	writeOK(w, map[string]string{"iface": req.Iface, "action": "multicast-filter"})
}

func (s *Server) preconnectCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req preconnectRequest
	sess := s.requireSession(w, r, &req, func() string { return req.Iface })
	if sess == nil {
		return
	}
	sess.NotifyPreconnectionComplete(req.Success)
	writeOK(w, map[string]string{"iface": req.Iface, "action": "preconnect-complete"})
}

// lifetimeString renders an address lifetime deadline. The infinite
// sentinel becomes "forever", a zero time becomes "".
func lifetimeString(t time.Time) string {
	switch {
	case t.IsZero():
		return ""
	case t.Equal(session.Forever):
		return "forever"
	default:
		return t.UTC().Format(time.RFC3339)
	}
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

func prefixString(p netip.Prefix) string {
	if !p.IsValid() {
		return ""
	}
	return p.String()
}

func interfaceStatus(st session.Status) InterfaceStatus {
	out := InterfaceStatus{
		Iface:            st.Iface,
		State:            st.State,
		Addresses:        make([]AddressInfo, 0, len(st.Snapshot.Addresses)),
		Routes:           make([]RouteInfo, 0, len(st.Snapshot.Routes)),
		DNSServers:       make([]string, 0, len(st.Snapshot.DNSServers)),
		Domains:          st.Snapshot.Domains,
		MTU:              st.Snapshot.MTU,
		CaptivePortalURL: st.Snapshot.CaptivePortalURL,
		NAT64Prefix:      prefixString(st.Snapshot.NAT64Prefix),
		DHCPServer:       addrString(st.Snapshot.DHCPServer),
		Prefixes:         prefixInfos(st.Prefixes),
		Neighbors:        neighborInfos(st.Neighbors),
	}
	for _, a := range st.Snapshot.Addresses {
		out.Addresses = append(out.Addresses, AddressInfo{
			Address:        a.Prefix().String(),
			Origin:         a.Origin.String(),
			Deprecated:     a.Deprecated,
			PreferredUntil: lifetimeString(a.PreferredUntil),
			ValidUntil:     lifetimeString(a.ValidUntil),
		})
	}
	for _, rt := range st.Snapshot.Routes {
		out.Routes = append(out.Routes, RouteInfo{
			Destination: rt.Dst.String(),
			Gateway:     addrString(rt.Gateway),
		})
	}
	for _, d := range st.Snapshot.DNSServers {
		out.DNSServers = append(out.DNSServers, d.String())
	}
	if st.Lease != nil {
		out.Lease = leaseInfo(st.Lease)
	}
	return out
}

func leaseInfo(l *packet.Lease4) *LeaseInfo {
	info := &LeaseInfo{
		Address:          netip.PrefixFrom(l.ClientAddr, l.PrefixLen).String(),
		Server:           addrString(l.ServerID),
		Gateway:          addrString(l.Gateway),
		T1Secs:           l.T1Secs,
		T2Secs:           l.T2Secs,
		MTU:              l.MTU,
		Domain:           l.Domain,
		SearchList:       l.SearchList,
		CaptivePortalURL: l.CaptivePortalURL,
	}
	if l.LeaseSecs != nil {
		info.LeaseSecs = *l.LeaseSecs
	}
	for _, d := range l.DNS {
		info.DNS = append(info.DNS, d.String())
	}
	return info
}

func prefixInfos(prefixes []dhcp6.BoundPrefix) []PrefixInfo {
	if len(prefixes) == 0 {
		return nil
	}
	out := make([]PrefixInfo, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, PrefixInfo{
			Prefix:         p.Prefix.String(),
			PreferredSecs:  p.PreferredSecs,
			ValidSecs:      p.ValidSecs,
			PreferredUntil: lifetimeString(p.PreferredUntil),
			ValidUntil:     lifetimeString(p.ValidUntil),
		})
	}
	return out
}

func neighborInfos(entries []nud.Entry) []NeighborInfo {
	if len(entries) == 0 {
		return nil
	}
	out := make([]NeighborInfo, 0, len(entries))
	for _, e := range entries {
		info := NeighborInfo{
			Address:       e.Addr.String(),
			Kind:          e.Kind.String(),
			State:         e.State,
			EverReachable: e.EverReachable,
		}
		if len(e.MAC) > 0 {
			info.MAC = e.MAC.String()
		}
		out = append(out, info)
	}
	return out
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Time:      rec.Time.Format(time.RFC3339),
		Iface:     rec.Iface,
		Component: rec.Component,
		Type:      rec.Type,
		Addr:      rec.Addr,
		Detail:    rec.Detail,
	}
}
