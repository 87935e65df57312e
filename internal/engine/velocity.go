package engine

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scoootscooob/aegis-protocol/internal/clock"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// gtvEpsilon floors the previous-transfer denominator in the GTV ratio.
const gtvEpsilon = 1e-9

// CapitalVelocity is the spend-rate governor. Three sub-checks run in
// order: a hard single-transaction cap, a PID-damped leaky-bucket rate
// governor, and an optional gross-transaction-value ratio cap.
type CapitalVelocity struct {
	cfg    firewall.VelocityConfig
	clk    clock.Clock
	blocks atomic.Uint64

	mu       sync.Mutex
	level    float64 // leaky accumulator, native units
	lastLeak time.Time

	integral  float64
	prevError float64
	lastPID   time.Time

	gtvEvents []gtvEvent
	prevSpend float64
}

type gtvEvent struct {
	at     time.Time
	amount float64
}

func NewCapitalVelocity(cfg firewall.VelocityConfig, clk clock.Clock) *CapitalVelocity {
	return &CapitalVelocity{cfg: cfg, clk: clk}
}

func (c *CapitalVelocity) Name() string   { return "CapitalVelocity" }
func (c *CapitalVelocity) Enabled() bool  { return c.cfg.VMax > 0 || c.cfg.MaxSingleAmount > 0 }
func (c *CapitalVelocity) Blocks() uint64 { return c.blocks.Load() }

func (c *CapitalVelocity) Evaluate(tx *firewall.TxView, spend float64) firewall.Verdict {
	if spend <= 0 {
		return firewall.Allow(c.Name())
	}

	// Single-tx cap fires before the accumulator is touched, so a blocked
	// over-cap attempt does not poison the rate history.
	if c.cfg.MaxSingleAmount > 0 && spend > c.cfg.MaxSingleAmount {
		c.blocks.Add(1)
		return firewall.Block(c.Name(), firewall.CodeBlockSingleCap,
			fmt.Sprintf("amount %.6f exceeds the single-transaction cap.", spend),
			"The transaction amount exceeds the per-transaction spending cap. Reduce the amount; resending the same value will fail.")
	}

	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.VMax > 0 {
		c.leak(now)
		tentative := c.level + spend
		budget := c.cfg.VMax * c.cfg.WindowSeconds

		e := tentative - budget
		dt := 1.0
		if !c.lastPID.IsZero() {
			if d := now.Sub(c.lastPID).Seconds(); d > 0 {
				dt = d
			}
		}
		integral := c.integral + e*dt
		if integral < 0 {
			integral = 0
		}
		derivative := (e - c.prevError) / dt
		u := c.cfg.KP*e + c.cfg.KI*integral + c.cfg.KD*derivative

		if u > c.cfg.PIDThreshold && e > 0 {
			// Controller state advances so sustained pressure keeps the
			// integral term growing, but the spend is not committed.
			c.integral = integral
			c.prevError = e
			c.lastPID = now
			c.blocks.Add(1)
			return firewall.Block(c.Name(), firewall.CodeBlockVelocity,
				"transaction exceeds the spending velocity cap.",
				"Cumulative spend over the recent window is too high. Wait before transacting again; retrying now will fail.")
		}

		c.level = tentative
		c.integral = integral
		c.prevError = e
		c.lastPID = now
	}

	if c.cfg.GTVEnabled {
		if v := c.gtvCheck(now, spend); v.Blocked {
			c.blocks.Add(1)
			return v
		}
	}
	return firewall.Allow(c.Name())
}

// leak drains the accumulator at v_max native units per second since the
// last evaluation.
func (c *CapitalVelocity) leak(now time.Time) {
	if !c.lastLeak.IsZero() {
		elapsed := now.Sub(c.lastLeak).Seconds()
		if elapsed > 0 {
			c.level = math.Max(0, c.level-c.cfg.VMax*elapsed)
		}
	}
	c.lastLeak = now
}

// gtvCheck compares cumulative windowed outflow against the most recent
// single transfer. A long tail of spending that dwarfs the last discrete
// payment is the signature of a drain loop.
func (c *CapitalVelocity) gtvCheck(now time.Time, spend float64) firewall.Verdict {
	cutoff := now.Add(-time.Duration(c.cfg.GTVWindowSeconds * float64(time.Second)))
	keep := c.gtvEvents[:0]
	cumulative := 0.0
	for _, ev := range c.gtvEvents {
		if ev.at.After(cutoff) {
			keep = append(keep, ev)
			cumulative += ev.amount
		}
	}
	c.gtvEvents = keep

	if spend >= c.cfg.GTVMinValue && cumulative > 0 {
		total := cumulative + spend
		ratio := total / math.Max(c.prevSpend, gtvEpsilon)
		if ratio > c.cfg.GTVMaxRatio || total > c.cfg.GTVCumulativeMax {
			return firewall.Block(c.Name(), firewall.CodeBlockVelocity,
				fmt.Sprintf("cumulative outflow %.6f breaches the gross-transaction-value cap.", total),
				"Cumulative outflow is disproportionate to recent transfers. Pause spending; retrying now will fail.")
		}
	}

	c.gtvEvents = append(c.gtvEvents, gtvEvent{at: now, amount: spend})
	c.prevSpend = spend
	return firewall.Allow(c.Name())
}
