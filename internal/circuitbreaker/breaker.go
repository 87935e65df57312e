// Package circuitbreaker guards the upstream RPC endpoint: after
// repeated forward failures the proxy stops hammering a dead endpoint
// and fails fast until a probe succeeds.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/scoootscooob/aegis-protocol/internal/clock"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota // forwarding normally
	StateOpen                // failing fast
	StateHalfOpen            // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker refuses traffic.
var ErrOpen = errors.New("upstream circuit open")

// Config tunes the breaker.
type Config struct {
	Name string

	// MinRequests is the minimum sample before the failure ratio can
	// trip the breaker.
	MinRequests uint32

	// FailureRatio trips the breaker when exceeded over the current
	// window.
	FailureRatio float64

	// Interval resets the closed-state counts so old failures age out.
	Interval time.Duration

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// ProbeRequests is how many consecutive successes close a half-open
	// breaker.
	ProbeRequests uint32
}

// DefaultConfig returns the production tuning for an upstream RPC.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		MinRequests:   5,
		FailureRatio:  0.5,
		Interval:      60 * time.Second,
		Cooldown:      30 * time.Second,
		ProbeRequests: 3,
	}
}

type counts struct {
	requests             uint32
	failures             uint32
	consecutiveSuccesses uint32
}

func (c counts) failureRatio() float64 {
	if c.requests == 0 {
		return 0
	}
	return float64(c.failures) / float64(c.requests)
}

// Breaker is a single upstream circuit.
type Breaker struct {
	cfg Config
	clk clock.Clock

	mu       sync.Mutex
	state    State
	counts   counts
	deadline time.Time // counts reset (closed) or probe time (open)
	inflight uint32    // probes outstanding in half-open
}

// New creates a closed breaker.
func New(cfg Config, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.System
	}
	b := &Breaker{cfg: cfg, clk: clk, state: StateClosed}
	b.deadline = clk.Now().Add(cfg.Interval)
	return b
}

// Allow reports whether a request may proceed. The caller must follow
// up with Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.inflight >= b.cfg.ProbeRequests {
			return ErrOpen
		}
		b.inflight++
	}
	return nil
}

// Record reports the outcome of an allowed request.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case StateClosed:
		b.counts.requests++
		if success {
			b.counts.consecutiveSuccesses++
		} else {
			b.counts.failures++
			b.counts.consecutiveSuccesses = 0
			if b.counts.requests >= b.cfg.MinRequests &&
				b.counts.failureRatio() > b.cfg.FailureRatio {
				b.trip()
			}
		}
	case StateHalfOpen:
		if b.inflight > 0 {
			b.inflight--
		}
		if !success {
			b.trip()
			return
		}
		b.counts.consecutiveSuccesses++
		if b.counts.consecutiveSuccesses >= b.cfg.ProbeRequests {
			b.setState(StateClosed)
		}
	}
}

// State returns the breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// advance applies any time-based transition. Caller holds the lock.
func (b *Breaker) advance() {
	now := b.clk.Now()
	switch b.state {
	case StateClosed:
		if now.After(b.deadline) {
			b.counts = counts{}
			b.deadline = now.Add(b.cfg.Interval)
		}
	case StateOpen:
		if now.After(b.deadline) {
			b.setState(StateHalfOpen)
		}
	}
}

func (b *Breaker) trip() {
	b.setState(StateOpen)
	b.deadline = b.clk.Now().Add(b.cfg.Cooldown)
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.counts = counts{}
	b.inflight = 0
	if next == StateClosed {
		b.deadline = b.clk.Now().Add(b.cfg.Interval)
	}
	slog.Warn("circuit state changed", "name", b.cfg.Name, "from", prev.String(), "to", next.String())
}
