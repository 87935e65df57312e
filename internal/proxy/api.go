package proxy

import (
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "ok",
		"upstream":    s.upstream,
		"engines":     len(s.globalSet.Engines()),
		"protection":  "normalizer + whitelist_gate + engine_pipeline",
		"uptime_secs": time.Since(s.started).Seconds(),
		"stats":       s.global.Stats(),
	})
}

func (s *Server) handleThreatFeed(w http.ResponseWriter, r *http.Request) {
	addrs, sels, version := s.masterFeed.Counts()
	writeJSON(w, map[string]any{
		"enabled":       s.globalSet.ThreatFeed.Enabled(),
		"version":       version,
		"addresses":     addrs,
		"selectors":     sels,
		"recent_blocks": s.global.RecentBlocks(),
		"uptime_secs":   time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"engines": s.global.EngineStats(),
		"stats":   s.global.Stats(),
	})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	events := s.global.RecentBlocks()

	s.mu.Lock()
	for _, key := range s.principals.Keys() {
		if v, ok := s.principals.Get(key); ok {
			events = append(events, v.(*principalState).fw.RecentBlocks()...)
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"count":  len(events),
		"blocks": events,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
