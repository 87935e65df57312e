package swarm

import (
	"encoding/base64"
	"hash/fnv"
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Bloom is the compact membership filter pushed alongside the exact
// indicator sets: clients can answer "definitely clean" in O(1) from a
// few kilobytes without holding the full list. False positives are
// possible, false negatives are not.
type Bloom struct {
	mu   sync.RWMutex
	bits *bitset.BitSet
	m    uint
	k    uint
}

// NewBloom sizes a filter for the expected entry count at the given
// false-positive rate.
func NewBloom(expected int, fpRate float64) *Bloom {
	if expected < 1 {
		expected = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	n := float64(expected)
	m := uint(math.Ceil(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	k := uint(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Bloom{bits: bitset.New(m), m: m, k: k}
}

// Add inserts an indicator.
func (b *Bloom) Add(s string) {
	h1, h2 := hashPair(s)
	b.mu.Lock()
	for i := uint(0); i < b.k; i++ {
		b.bits.Set((h1 + uint(i)*h2) % b.m)
	}
	b.mu.Unlock()
}

// MightContain reports whether an indicator may be present. A false
// result is definitive.
func (b *Bloom) MightContain(s string) bool {
	h1, h2 := hashPair(s)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := uint(0); i < b.k; i++ {
		if !b.bits.Test((h1 + uint(i)*h2) % b.m) {
			return false
		}
	}
	return true
}

// BloomWire is the serialized filter carried on push payloads.
type BloomWire struct {
	M    uint   `json:"m"`
	K    uint   `json:"k"`
	Bits string `json:"bits"` // base64 of the bitset
}

// Wire exports the filter parameters and bits.
func (b *Bloom) Wire() (BloomWire, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	raw, err := b.bits.MarshalBinary()
	if err != nil {
		return BloomWire{}, err
	}
	return BloomWire{M: b.m, K: b.k, Bits: base64.StdEncoding.EncodeToString(raw)}, nil
}

// BloomFromWire rebuilds a filter from its wire form.
func BloomFromWire(w BloomWire) (*Bloom, error) {
	raw, err := base64.StdEncoding.DecodeString(w.Bits)
	if err != nil {
		return nil, err
	}
	bits := bitset.New(w.M)
	if err := bits.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &Bloom{bits: bits, m: w.M, k: w.K}, nil
}

// hashPair derives two independent hashes for double hashing.
func hashPair(s string) (uint, uint) {
	h := fnv.New64a()
	h.Write([]byte(s))
	sum := h.Sum64()
	h1 := uint(sum >> 32)
	h2 := uint(sum&0xffffffff) | 1 // odd, so the stride never collapses
	return h1, h2
}
