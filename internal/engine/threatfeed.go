// Package engine implements the seven detection engines the firewall
// runs in fixed order. Each engine owns its state behind a private
// mutex and reads time from an injected clock; none of them touch the
// network except the simulator.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// FeedSnapshot is a versioned indicator set exchanged with the swarm
// aggregator. Merges are additive: a snapshot never removes indicators.
type FeedSnapshot struct {
	Version        uint64   `json:"version"`
	Addresses      []string `json:"addresses"`
	Selectors      []string `json:"selectors"`
	CalldataHashes []string `json:"calldata_hashes,omitempty"`
}

// ThreatFeed blocks transactions whose destination address or function
// selector appears in a deny set. The sets start from the embedded seed
// and grow through swarm merges.
type ThreatFeed struct {
	enabled bool
	blocks  atomic.Uint64

	mu        sync.RWMutex
	version   uint64
	addresses map[string]struct{}
	selectors map[string]struct{}
	calldata  map[string]struct{} // 16-hex-char SHA-256 prefixes
}

// NewThreatFeed builds an empty feed. Callers seed it afterwards.
func NewThreatFeed(cfg firewall.ThreatFeedConfig) *ThreatFeed {
	return &ThreatFeed{
		enabled:   cfg.Enabled,
		addresses: make(map[string]struct{}),
		selectors: make(map[string]struct{}),
		calldata:  make(map[string]struct{}),
	}
}

func (t *ThreatFeed) Name() string   { return "ThreatFeed" }
func (t *ThreatFeed) Enabled() bool  { return t.enabled }
func (t *ThreatFeed) Blocks() uint64 { return t.blocks.Load() }

// AddAddress inserts one denied destination address.
func (t *ThreatFeed) AddAddress(addr string) {
	t.mu.Lock()
	t.addresses[normalizeHex(addr)] = struct{}{}
	t.mu.Unlock()
}

// AddSelector inserts one denied 4-byte function selector.
func (t *ThreatFeed) AddSelector(sel string) {
	t.mu.Lock()
	t.selectors[normalizeHex(sel)] = struct{}{}
	t.mu.Unlock()
}

// AddCalldataHash inserts one denied calldata hash prefix (the first 16
// hex chars of the SHA-256 of the payload bytes without the 0x prefix).
func (t *ThreatFeed) AddCalldataHash(prefix string) {
	t.mu.Lock()
	t.calldata[normalizeHex(prefix)] = struct{}{}
	t.mu.Unlock()
}

// Merge folds a swarm snapshot into the local sets. Stale snapshots
// (version at or below the local one) are still merged additively; the
// version only ratchets upward.
func (t *ThreatFeed) Merge(snap FeedSnapshot) (added int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range snap.Addresses {
		key := normalizeHex(a)
		if _, ok := t.addresses[key]; !ok {
			t.addresses[key] = struct{}{}
			added++
		}
	}
	for _, s := range snap.Selectors {
		key := normalizeHex(s)
		if _, ok := t.selectors[key]; !ok {
			t.selectors[key] = struct{}{}
			added++
		}
	}
	for _, h := range snap.CalldataHashes {
		key := normalizeHex(h)
		if _, ok := t.calldata[key]; !ok {
			t.calldata[key] = struct{}{}
			added++
		}
	}
	if snap.Version > t.version {
		t.version = snap.Version
	}
	return added
}

// Snapshot exports the current sets for swarm exchange.
func (t *ThreatFeed) Snapshot() FeedSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := FeedSnapshot{Version: t.version}
	for a := range t.addresses {
		snap.Addresses = append(snap.Addresses, a)
	}
	for s := range t.selectors {
		snap.Selectors = append(snap.Selectors, s)
	}
	for h := range t.calldata {
		snap.CalldataHashes = append(snap.CalldataHashes, h)
	}
	return snap
}

// Counts returns (addresses, selectors, version).
func (t *ThreatFeed) Counts() (int, int, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.addresses), len(t.selectors), t.version
}

func (t *ThreatFeed) Evaluate(tx *firewall.TxView, spend float64) firewall.Verdict {
	var dataHit bool
	t.mu.RLock()
	_, addrHit := t.addresses[normalizeHex(tx.Target)]
	_, selHit := t.selectors[normalizeHex(tx.Function)]
	if len(t.calldata) > 0 && tx.Data != "" && tx.Data != "0x" {
		_, dataHit = t.calldata[Fingerprint(tx.Data)]
	}
	t.mu.RUnlock()

	if addrHit {
		t.blocks.Add(1)
		return firewall.Block(t.Name(), firewall.CodeBlockDenylist,
			fmt.Sprintf("destination %s is on the threat feed.", Fingerprint(tx.Target)),
			"The destination address is a known malicious contract. Do not send funds or calls to it.")
	}
	if selHit && tx.Function != "" {
		t.blocks.Add(1)
		return firewall.Block(t.Name(), firewall.CodeBlockDenylist,
			fmt.Sprintf("function selector %s is on the threat feed.", tx.Function),
			"The called function is associated with known drainer contracts. Do not call it.")
	}
	if dataHit {
		t.blocks.Add(1)
		return firewall.Block(t.Name(), firewall.CodeBlockDenylist,
			"calldata matches a known exploit payload.",
			"The calldata bytes match a catalogued exploit payload. Do not send this payload anywhere.")
	}
	return firewall.Allow(t.Name())
}

// normalizeHex lowercases a hex identifier so set membership is
// case-insensitive. The 0x prefix is kept.
func normalizeHex(s string) string {
	return strings.ToLower(s)
}

// Fingerprint renders a privacy-preserving handle for an address: the
// first 16 hex chars of the SHA-256 of its lowercased form without the
// 0x prefix. Used in reasons and swarm reports so raw victim addresses
// never leave the node.
func Fingerprint(addr string) string {
	s := strings.TrimPrefix(strings.ToLower(addr), "0x")
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
