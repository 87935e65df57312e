// Package firewall holds the deterministic transaction firewall: the
// normalized TxView, the verdict type, the config aggregate, and the
// orchestrator that runs the seven detection engines in fixed order and
// applies the post-verdict policies (Cognitive Sever, paymaster slashing).
package firewall

import (
	"log/slog"
	"sync"
	"time"

	"github.com/scoootscooob/aegis-protocol/internal/clock"
)

// Engine is one deterministic detector in the pipeline. Implementations
// guard their own state with a private lock and use an injected clock;
// a disabled engine returns ALLOW in O(1) without touching state.
type Engine interface {
	Name() string
	Enabled() bool
	Evaluate(tx *TxView, spend float64) Verdict
	Blocks() uint64
}

// recentBlocksCap bounds the ring buffer of recent block events.
const recentBlocksCap = 128

// BlockEvent is one entry of the recent-blocks ring buffer.
type BlockEvent struct {
	Time      time.Time `json:"time"`
	Code      Code      `json:"code"`
	Engine    string    `json:"engine"`
	Target    string    `json:"target"`
	Amount    float64   `json:"amount"`
	Principal string    `json:"principal,omitempty"`
}

// Firewall owns the engine pipeline and the global policies layered on
// top of it. One instance per principal; engine state is never shared
// across principals.
type Firewall struct {
	cfg     Config
	clk     clock.Clock
	engines []Engine

	principal string
	onBlock   func(BlockEvent)

	mu      sync.Mutex
	total   uint64
	allowed uint64
	blocked uint64
	recent  []BlockEvent // ring, newest last

	strikes    []time.Time
	severUntil time.Time

	revertStrikes []time.Time
	slashed       bool
}

// Option adjusts firewall construction.
type Option func(*Firewall)

// WithPrincipal labels block events with the owning principal address.
func WithPrincipal(addr string) Option {
	return func(f *Firewall) { f.principal = addr }
}

// WithOnBlock registers a hook fired (outside the firewall lock) for
// every block event. Used for the journal and metrics.
func WithOnBlock(fn func(BlockEvent)) Option {
	return func(f *Firewall) { f.onBlock = fn }
}

// New builds a firewall over an ordered engine pipeline. The order is
// significant and fixed by the caller: cheapest, most certain checks
// first; the simulator last because it is slow and can fail open.
func New(cfg Config, clk clock.Clock, engines []Engine, opts ...Option) *Firewall {
	if clk == nil {
		clk = clock.System
	}
	f := &Firewall{cfg: cfg, clk: clk, engines: engines}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Config returns the immutable config aggregate.
func (f *Firewall) Config() Config { return f.cfg }

// Evaluate runs the pipeline over a normalized view. spend is the
// firewall-computed spend amount, usually equal to tx.Amount.
func (f *Firewall) Evaluate(tx *TxView, spend float64) Verdict {
	now := f.clk.Now()

	// Sever and slash short-circuit the pipeline entirely: engines are
	// not consulted, but the attempt still counts as a block.
	if v, severed := f.severCheck(now); severed {
		f.commit(v, tx, now)
		return v
	}

	verdict := Allow("")
	for _, eng := range f.engines {
		if !eng.Enabled() {
			continue
		}
		v := f.safeEvaluate(eng, tx, spend)
		if v.Blocked {
			verdict = v
			break
		}
	}

	f.commit(verdict, tx, now)
	return verdict
}

// severCheck reports whether the firewall is currently severed or the
// principal is slashed.
func (f *Firewall) severCheck(now time.Time) (Verdict, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.slashed {
		return Block("Firewall", CodeBlockSever,
			"principal slashed after repeated simulated reverts.",
			"This signer has been permanently severed after repeated reverting transactions. No call will be forwarded."), true
	}
	if f.cfg.CognitiveSeverEnabled && now.Before(f.severUntil) {
		return Block("Firewall", CodeBlockSever,
			"cognitive sever active: too many recent blocks.",
			"The firewall is in a temporary lockout after repeated blocked calls. Wait before retrying; repeating the same call now will fail."), true
	}
	return Verdict{}, false
}

// safeEvaluate coerces an engine panic to ALLOW with a logged warning.
// Engines 0-5 are pure internal computations; the safer fallback is to
// let traffic through rather than turn the firewall into a denial of
// service. The simulator handles its own failure policy (fail_closed)
// before returning.
func (f *Firewall) safeEvaluate(eng Engine, tx *TxView, spend float64) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("engine panic coerced to ALLOW",
				"engine", eng.Name(), "panic", r, "method", tx.Method)
			v = Allow(eng.Name())
		}
	}()
	return eng.Evaluate(tx, spend)
}

// commit applies counters, the ring buffer, and the strike windows in one
// critical section, then fires the block hook outside the lock.
func (f *Firewall) commit(v Verdict, tx *TxView, now time.Time) {
	var ev BlockEvent
	fire := false

	f.mu.Lock()
	f.total++
	if !v.Blocked {
		f.allowed++
		f.mu.Unlock()
		return
	}
	f.blocked++

	ev = BlockEvent{
		Time:      now,
		Code:      v.Code,
		Engine:    v.Engine,
		Target:    tx.Target,
		Amount:    tx.Amount,
		Principal: f.principal,
	}
	f.recent = append(f.recent, ev)
	if len(f.recent) > recentBlocksCap {
		f.recent = f.recent[len(f.recent)-recentBlocksCap:]
	}

	// A sever-state block does not accumulate further strikes.
	if v.Code != CodeBlockSever && f.cfg.CognitiveSeverEnabled {
		f.strikes = pruneTimes(append(f.strikes, now), now, f.cfg.StrikeWindowSecs)
		if f.cfg.StrikeMax > 0 && len(f.strikes) >= f.cfg.StrikeMax {
			f.severUntil = now.Add(secs(f.cfg.SeverDurationSecs))
			f.strikes = f.strikes[:0]
			slog.Warn("cognitive sever engaged",
				"principal", f.principal, "until", f.severUntil)
		}
	}

	if v.Revert && f.cfg.RevertStrikeMax > 0 {
		f.revertStrikes = pruneTimes(append(f.revertStrikes, now), now, f.cfg.RevertStrikeWindowSecs)
		if len(f.revertStrikes) >= f.cfg.RevertStrikeMax {
			f.slashed = true
			slog.Warn("paymaster slashed", "principal", f.principal)
		}
	}

	fire = f.onBlock != nil
	f.mu.Unlock()

	if fire {
		f.onBlock(ev)
	}
}

// Severed reports whether the sever lockout is currently active.
func (f *Firewall) Severed() bool {
	now := f.clk.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slashed || (f.cfg.CognitiveSeverEnabled && now.Before(f.severUntil))
}

// Slashed reports whether the principal has been permanently severed.
func (f *Firewall) Slashed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slashed
}

// Stats returns the aggregate counters.
func (f *Firewall) Stats() map[string]any {
	now := f.clk.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{
		"total":   f.total,
		"allowed": f.allowed,
		"blocked": f.blocked,
		"strikes": len(f.strikes),
		"severed": f.slashed || (f.cfg.CognitiveSeverEnabled && now.Before(f.severUntil)),
		"slashed": f.slashed,
	}
}

// Counters returns (total, allowed, blocked).
func (f *Firewall) Counters() (uint64, uint64, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, f.allowed, f.blocked
}

// RecentBlocks returns a snapshot copy of the ring buffer, newest last.
func (f *Firewall) RecentBlocks() []BlockEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]BlockEvent, len(f.recent))
	copy(out, f.recent)
	return out
}

// EngineStats returns per-engine enablement and block counts in pipeline
// order.
func (f *Firewall) EngineStats() []map[string]any {
	out := make([]map[string]any, 0, len(f.engines))
	for i, eng := range f.engines {
		out = append(out, map[string]any{
			"id":      i,
			"name":    eng.Name(),
			"enabled": eng.Enabled(),
			"blocks":  eng.Blocks(),
		})
	}
	return out
}

func pruneTimes(ts []time.Time, now time.Time, windowSecs float64) []time.Time {
	cutoff := now.Add(-secs(windowSecs))
	keep := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	return keep
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
