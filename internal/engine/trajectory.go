package engine

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/scoootscooob/aegis-protocol/internal/clock"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// TrajectoryHash detects agents stuck in retry loops: the same call
// repeated more than max_duplicates times inside the window is blocked.
type TrajectoryHash struct {
	cfg    firewall.TrajectoryConfig
	clk    clock.Clock
	blocks atomic.Uint64

	mu   sync.Mutex
	seen map[string][]time.Time
}

func NewTrajectoryHash(cfg firewall.TrajectoryConfig, clk clock.Clock) *TrajectoryHash {
	return &TrajectoryHash{
		cfg:  cfg,
		clk:  clk,
		seen: make(map[string][]time.Time),
	}
}

func (t *TrajectoryHash) Name() string   { return "TrajectoryHash" }
func (t *TrajectoryHash) Enabled() bool  { return t.cfg.MaxDuplicates > 0 }
func (t *TrajectoryHash) Blocks() uint64 { return t.blocks.Load() }

func (t *TrajectoryHash) Evaluate(tx *firewall.TxView, spend float64) firewall.Verdict {
	key := t.fingerprint(tx)
	now := t.clk.Now()
	cutoff := now.Add(-time.Duration(t.cfg.WindowSeconds * float64(time.Second)))

	t.mu.Lock()
	times := append(t.seen[key], now)
	keep := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	t.seen[key] = keep
	count := len(keep)
	t.mu.Unlock()

	if count > t.cfg.MaxDuplicates {
		t.blocks.Add(1)
		return firewall.Block(t.Name(), firewall.CodeBlockLoop,
			fmt.Sprintf("identical call repeated %d times in %.0fs.", count, t.cfg.WindowSeconds),
			"You appear to be stuck in a loop, retrying an identical transaction. Stop retrying; change strategy or escalate to a human operator.")
	}
	return firewall.Allow(t.Name())
}

// fingerprint hashes the semantic identity of a call: destination,
// selector, amount rounded to 6 decimals, and a calldata prefix. Gas
// fields and nonces are deliberately excluded so fee-bumped retries
// still collide.
func (t *TrajectoryHash) fingerprint(tx *firewall.TxView) string {
	amount := math.Round(tx.Amount*1e6) / 1e6
	data := tx.Data
	if len(data) > 64 {
		data = data[:64]
	}
	msg := fmt.Sprintf("%s|%s|%.6f|%s", tx.Target, tx.Function, amount, data)
	return fmt.Sprintf("%x", crypto.Keccak256([]byte(msg))[:16])
}
