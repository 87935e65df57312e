package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// gasHistoryCap bounds the ring of recent observed gas ratios.
const gasHistoryCap = 32

// SimResult is the simulator service's response body.
type SimResult struct {
	Status      string  `json:"status"` // "ok" or "revert"
	Reason      string  `json:"reason,omitempty"`
	GasUsed     uint64  `json:"gas_used"`
	GasEstimate uint64  `json:"gas_estimate"`
	GasRatio    float64 `json:"-"`
}

// EVMSimulator dry-runs a transaction against an out-of-process
// simulator and blocks on predicted reverts and anomalous gas. It is
// the only engine that touches the network, which is why it runs last.
type EVMSimulator struct {
	cfg        firewall.SimulatorConfig
	anomaly    float64
	maxPVG     uint64
	httpClient *http.Client
	blocks     atomic.Uint64

	mu        sync.Mutex
	gasRatios []float64 // ring, newest last
}

func NewEVMSimulator(cfg firewall.SimulatorConfig, gasAnomalyRatio float64, maxPreVerificationGas uint64) *EVMSimulator {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &EVMSimulator{
		cfg:        cfg,
		anomaly:    gasAnomalyRatio,
		maxPVG:     maxPreVerificationGas,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *EVMSimulator) Name() string   { return "EVMSimulator" }
func (s *EVMSimulator) Enabled() bool  { return s.cfg.Enabled && s.cfg.Endpoint != "" }
func (s *EVMSimulator) Blocks() uint64 { return s.blocks.Load() }

func (s *EVMSimulator) Evaluate(tx *firewall.TxView, spend float64) firewall.Verdict {
	res, err := s.simulate(tx)
	if err != nil {
		if s.cfg.FailClosed {
			s.blocks.Add(1)
			return firewall.Block(s.Name(), firewall.CodeBlockSimulation,
				"simulator unreachable and policy is fail-closed.",
				"Transaction simulation is unavailable and this deployment blocks unsimulated calls. Try again once simulation is restored.")
		}
		return firewall.Allow(s.Name())
	}

	if res.Status == "revert" {
		s.blocks.Add(1)
		v := firewall.Block(s.Name(), firewall.CodeBlockSimulation,
			fmt.Sprintf("simulation predicts a revert: %s", res.Reason),
			"This transaction reverts when executed. Sending it on-chain would only burn gas. Fix the call before retrying.")
		v.Revert = true
		return v
	}

	ratio := 0.0
	if res.GasEstimate > 0 {
		ratio = float64(res.GasUsed) / float64(res.GasEstimate)
		s.recordRatio(ratio)
	}
	if s.anomaly > 0 && ratio >= s.anomaly {
		s.blocks.Add(1)
		return firewall.Block(s.Name(), firewall.CodeBlockSimulation,
			fmt.Sprintf("gas usage %.1fx the estimate indicates anomalous execution.", ratio),
			"Simulated gas consumption is far above the estimate, a signature of gas-griefing or hidden loops. Do not resend this call.")
	}
	if s.maxPVG > 0 && res.GasUsed > s.maxPVG {
		s.blocks.Add(1)
		return firewall.Block(s.Name(), firewall.CodeBlockSimulation,
			fmt.Sprintf("simulated gas %d exceeds the verification ceiling.", res.GasUsed),
			"The call consumes more gas than this signer permits. Reduce the work done per call.")
	}
	return firewall.Allow(s.Name())
}

func (s *EVMSimulator) simulate(tx *firewall.TxView) (*SimResult, error) {
	body, err := json.Marshal(map[string]string{
		"to":    tx.Target,
		"from":  tx.From,
		"data":  tx.Data,
		"value": tx.ValueRaw,
		"gas":   tx.Gas,
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Post(s.cfg.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("simulator returned status %d", resp.StatusCode)
	}
	var res SimResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode simulator response: %w", err)
	}
	return &res, nil
}

func (s *EVMSimulator) recordRatio(r float64) {
	s.mu.Lock()
	s.gasRatios = append(s.gasRatios, r)
	if len(s.gasRatios) > gasHistoryCap {
		s.gasRatios = s.gasRatios[len(s.gasRatios)-gasHistoryCap:]
	}
	s.mu.Unlock()
}

// GasRatios returns a snapshot of recently observed gas ratios.
func (s *EVMSimulator) GasRatios() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.gasRatios))
	copy(out, s.gasRatios)
	return out
}
