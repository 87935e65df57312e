package engine

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// EntropyGuard scans the free-text channel of a payload for embedded
// secrets. Keys and seed phrases read as near-random bytes; prose and
// structured text sit well below the threshold. The guard is stateless.
type EntropyGuard struct {
	cfg    firewall.EntropyConfig
	blocks atomic.Uint64
}

func NewEntropyGuard(cfg firewall.EntropyConfig) *EntropyGuard {
	return &EntropyGuard{cfg: cfg}
}

func (e *EntropyGuard) Name() string   { return "EntropyGuard" }
func (e *EntropyGuard) Enabled() bool  { return e.cfg.Threshold > 0 }
func (e *EntropyGuard) Blocks() uint64 { return e.blocks.Load() }

func (e *EntropyGuard) Evaluate(tx *firewall.TxView, spend float64) firewall.Verdict {
	// Only the memo channel is scanned. Calldata and hex value fields are
	// naturally high-entropy and would false-positive constantly.
	if len(tx.Memo) < e.cfg.MinLength {
		return firewall.Allow(e.Name())
	}
	h := shannonEntropy(tx.Memo)
	if h >= e.cfg.Threshold {
		e.blocks.Add(1)
		return firewall.Block(e.Name(), firewall.CodeBlockEntropy,
			fmt.Sprintf("memo entropy %.2f bits/byte suggests embedded secret material.", h),
			"The message payload looks like key or seed material. Never place secrets in transaction memos or signing requests.")
	}
	return firewall.Allow(e.Name())
}

// shannonEntropy returns the base-2 entropy per byte of s.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	n := float64(len(s))
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
