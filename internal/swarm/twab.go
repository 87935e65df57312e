// Package swarm implements the consensus threat-intelligence exchange:
// a cloud aggregator that ingests anonymous indicator reports from
// deployed proxies, a Sybil-resistance gate, and the proxy-side client
// that subscribes to consensus snapshots.
package swarm

import (
	"sync"
	"time"
)

// GateConfig holds the thresholds an indicator must clear before it
// enters the consensus filter.
type GateConfig struct {
	// MinReportCount is the minimum number of independent reports.
	MinReportCount int

	// MinTimeSpan is the minimum span between the first and last
	// report. Burst reporting from a single incident does not qualify.
	MinTimeSpan time.Duration

	// MinDistinctSources is the minimum number of distinct reporting
	// agents.
	MinDistinctSources int
}

// DefaultGateConfig returns the production thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinReportCount:     3,
		MinTimeSpan:        time.Hour,
		MinDistinctSources: 2,
	}
}

type gateEntry struct {
	reports   int
	sources   map[string]struct{}
	firstSeen time.Time
	lastSeen  time.Time
}

// Gate is the time-weighted Sybil-resistance tracker: an indicator must
// be reported by multiple independent sources over time before it is
// trusted. A single actor flooding reports cannot poison the feed.
type Gate struct {
	cfg GateConfig

	mu      sync.RWMutex
	entries map[string]*gateEntry
}

// NewGate creates a gate with the given thresholds.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{cfg: cfg, entries: make(map[string]*gateEntry)}
}

// Record registers one report for an indicator.
func (g *Gate) Record(indicator, sourceID string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[indicator]
	if !ok {
		e = &gateEntry{sources: make(map[string]struct{}), firstSeen: at}
		g.entries[indicator] = e
	}
	e.reports++
	e.sources[sourceID] = struct{}{}
	e.lastSeen = at
}

// MeetsThreshold reports whether an indicator has enough independent
// reports over enough time to enter the consensus filter.
func (g *Gate) MeetsThreshold(indicator string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.entries[indicator]
	if !ok {
		return false
	}
	if e.reports < g.cfg.MinReportCount {
		return false
	}
	if e.lastSeen.Sub(e.firstSeen) < g.cfg.MinTimeSpan {
		return false
	}
	return len(e.sources) >= g.cfg.MinDistinctSources
}
