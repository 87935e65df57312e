// Package clock provides an injectable time source. Engines that reason
// about elapsed time (trajectory windows, velocity leaks, sever lockouts)
// take a Clock so tests can drive time by hand.
package clock

import (
	"sync"
	"time"
)

// Clock yields the current time.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// System is the default clock used outside tests.
var System Clock = Real{}

// Manual is a hand-advanced clock for deterministic tests.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual creates a manual clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{t: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = t
}
