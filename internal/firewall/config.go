package firewall

import (
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the single immutable aggregate the firewall and its engines
// are built from. Zero values are filled in by Default; operators override
// groups via a YAML file (LoadConfig).
type Config struct {
	ThreatFeed ThreatFeedConfig `yaml:"threat_feed"`
	Trajectory TrajectoryConfig `yaml:"trajectory"`
	Velocity   VelocityConfig   `yaml:"velocity"`
	Entropy    EntropyConfig    `yaml:"entropy"`
	Asset      AssetConfig      `yaml:"asset"`
	Quantizer  QuantizerConfig  `yaml:"quantizer"`
	Simulator  SimulatorConfig  `yaml:"simulator"`

	// Cognitive Sever: lockout after repeated blocks.
	CognitiveSeverEnabled bool    `yaml:"cognitive_sever_enabled"`
	StrikeMax             int     `yaml:"strike_max"`
	StrikeWindowSecs      float64 `yaml:"strike_window_secs"`
	SeverDurationSecs     float64 `yaml:"sever_duration_secs"`

	// Paymaster slashing: permanent sever after repeated simulator reverts.
	RevertStrikeMax        int     `yaml:"revert_strike_max"`
	RevertStrikeWindowSecs float64 `yaml:"revert_strike_window_secs"`

	GasAnomalyRatio       float64 `yaml:"gas_anomaly_ratio"`
	MaxPreVerificationGas uint64  `yaml:"max_pre_verification_gas"`
	ChainID               int64   `yaml:"chain_id"`
}

type ThreatFeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TrajectoryConfig struct {
	MaxDuplicates int     `yaml:"max_duplicates"`
	WindowSeconds float64 `yaml:"window_seconds"`
}

type VelocityConfig struct {
	VMax            float64 `yaml:"v_max"` // native units per second
	WindowSeconds   float64 `yaml:"window_seconds"`
	MaxSingleAmount float64 `yaml:"max_single_amount"`

	PIDThreshold float64 `yaml:"pid_threshold"`
	KP           float64 `yaml:"k_p"`
	KI           float64 `yaml:"k_i"`
	KD           float64 `yaml:"k_d"`

	GTVEnabled       bool    `yaml:"gtv_enabled"`
	GTVMaxRatio      float64 `yaml:"gtv_max_ratio"`
	GTVMinValue      float64 `yaml:"gtv_min_value"`
	GTVWindowSeconds float64 `yaml:"gtv_window_seconds"`
	GTVCumulativeMax float64 `yaml:"gtv_cumulative_max"`
}

type EntropyConfig struct {
	Threshold float64 `yaml:"entropy_threshold"` // bits per byte
	MinLength int     `yaml:"min_length"`
}

type AssetConfig struct {
	AllowList []string `yaml:"allow_list"` // asset (token contract) addresses
	DenyList  []string `yaml:"deny_list"`  // function selectors
}

type QuantizerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SimulatorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	FailClosed bool   `yaml:"fail_closed"`
	Endpoint   string `yaml:"endpoint"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// Default returns the fully-activated production configuration: every
// engine that needs no external service is on, sever and slashing armed.
func Default() Config {
	return Config{
		ThreatFeed: ThreatFeedConfig{Enabled: true},
		Trajectory: TrajectoryConfig{
			MaxDuplicates: 3,
			WindowSeconds: 60,
		},
		Velocity: VelocityConfig{
			VMax:            100.0,
			WindowSeconds:   300.0,
			MaxSingleAmount: 50.0,
			PIDThreshold:    1.5,
			KP:              1.0,
			KI:              0.05,
			KD:              0.2,
			GTVEnabled:       true,
			GTVMaxRatio:      5.0,
			GTVMinValue:      0.001,
			GTVWindowSeconds: 300.0,
			GTVCumulativeMax: 10.0,
		},
		Entropy: EntropyConfig{
			Threshold: 3.5,
			MinLength: 32,
		},
		Quantizer: QuantizerConfig{Enabled: true},
		Simulator: SimulatorConfig{
			Enabled:    false,
			FailClosed: false,
			TimeoutMS:  3000,
		},

		CognitiveSeverEnabled: true,
		StrikeMax:             5,
		StrikeWindowSecs:      600.0,
		SeverDurationSecs:     900.0,

		RevertStrikeMax:        10,
		RevertStrikeWindowSecs: 300.0,

		GasAnomalyRatio:       3.0,
		MaxPreVerificationGas: 500_000,
		ChainID:               8453, // Base
	}
}

// LoadConfig reads a YAML override file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
