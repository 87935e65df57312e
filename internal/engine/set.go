package engine

import (
	"github.com/scoootscooob/aegis-protocol/internal/clock"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// Set bundles one principal's seven engines with typed access to the
// ones other components need to reach (the threat feed for seeding and
// swarm merges, the simulator for gas telemetry).
type Set struct {
	ThreatFeed *ThreatFeed
	Trajectory *TrajectoryHash
	Velocity   *CapitalVelocity
	Entropy    *EntropyGuard
	Asset      *AssetGuard
	Quantizer  *PayloadQuantizer
	Simulator  *EVMSimulator
}

// NewSet constructs the full pipeline from one config aggregate.
func NewSet(cfg firewall.Config, clk clock.Clock) *Set {
	if clk == nil {
		clk = clock.System
	}
	return &Set{
		ThreatFeed: NewThreatFeed(cfg.ThreatFeed),
		Trajectory: NewTrajectoryHash(cfg.Trajectory, clk),
		Velocity:   NewCapitalVelocity(cfg.Velocity, clk),
		Entropy:    NewEntropyGuard(cfg.Entropy),
		Asset:      NewAssetGuard(cfg.Asset),
		Quantizer:  NewPayloadQuantizer(cfg.Quantizer),
		Simulator:  NewEVMSimulator(cfg.Simulator, cfg.GasAnomalyRatio, cfg.MaxPreVerificationGas),
	}
}

// Engines returns the pipeline in its fixed evaluation order.
func (s *Set) Engines() []firewall.Engine {
	return []firewall.Engine{
		s.ThreatFeed,
		s.Trajectory,
		s.Velocity,
		s.Entropy,
		s.Asset,
		s.Quantizer,
		s.Simulator,
	}
}
