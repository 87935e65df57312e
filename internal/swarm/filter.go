package swarm

import (
	"encoding/json"
	"sync"

	"github.com/scoootscooob/aegis-protocol/internal/engine"
)

// filterCapacity sizes the bloom filter; 1% false positives at this
// entry count.
const filterCapacity = 10000

// ConsensusFilter is the versioned set of indicators that cleared the
// gate. The exact sets drive the additive merge into engine deny lists;
// the bloom filter rides along on every push as the compact membership
// form.
type ConsensusFilter struct {
	bloom *Bloom

	mu        sync.RWMutex
	addresses map[string]struct{}
	selectors map[string]struct{}
	version   uint64
}

// NewConsensusFilter creates an empty filter.
func NewConsensusFilter() *ConsensusFilter {
	return &ConsensusFilter{
		bloom:     NewBloom(filterCapacity, 0.01),
		addresses: make(map[string]struct{}),
		selectors: make(map[string]struct{}),
	}
}

// AddAddress inserts a verified address and bumps the version.
func (f *ConsensusFilter) AddAddress(addr string) {
	f.mu.Lock()
	f.addresses[addr] = struct{}{}
	f.version++
	f.mu.Unlock()
	f.bloom.Add(addr)
}

// AddSelector inserts a verified selector and bumps the version.
func (f *ConsensusFilter) AddSelector(sel string) {
	f.mu.Lock()
	f.selectors[sel] = struct{}{}
	f.version++
	f.mu.Unlock()
	f.bloom.Add(sel)
}

// Contains reports whether an address has consensus. The bloom filter
// answers the common negative case without touching the exact set.
func (f *ConsensusFilter) Contains(addr string) bool {
	if !f.bloom.MightContain(addr) {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.addresses[addr]
	return ok
}

// Len returns the number of address entries.
func (f *ConsensusFilter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.addresses)
}

// Version returns the current filter version.
func (f *ConsensusFilter) Version() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

// Snapshot exports the filter as a feed snapshot.
func (f *ConsensusFilter) Snapshot() engine.FeedSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := engine.FeedSnapshot{Version: f.version}
	for a := range f.addresses {
		snap.Addresses = append(snap.Addresses, a)
	}
	for s := range f.selectors {
		snap.Selectors = append(snap.Selectors, s)
	}
	return snap
}

// pushPayload is the websocket push format: the exact snapshot for
// merging plus the bloom filter for compact membership checks.
type pushPayload struct {
	engine.FeedSnapshot
	Bloom *BloomWire `json:"bloom,omitempty"`
}

// Serialize renders the snapshot as the websocket push payload.
func (f *ConsensusFilter) Serialize() ([]byte, error) {
	payload := pushPayload{FeedSnapshot: f.Snapshot()}
	if wire, err := f.bloom.Wire(); err == nil {
		payload.Bloom = &wire
	}
	return json.Marshal(payload)
}
