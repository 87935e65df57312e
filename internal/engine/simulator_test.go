package engine_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoootscooob/aegis-protocol/internal/engine"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

func simServer(t *testing.T, res engine.SimResult) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(res)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSimulator(endpoint string, failClosed bool) *engine.EVMSimulator {
	return engine.NewEVMSimulator(firewall.SimulatorConfig{
		Enabled:    true,
		FailClosed: failClosed,
		Endpoint:   endpoint,
		TimeoutMS:  2000,
	}, 3.0, 500_000)
}

func TestSimulatorAllowsCleanRun(t *testing.T) {
	srv := simServer(t, engine.SimResult{Status: "ok", GasUsed: 50_000, GasEstimate: 48_000})
	eng := newSimulator(srv.URL, false)

	v := eng.Evaluate(&firewall.TxView{Target: "0xaaa"}, 1)
	assert.False(t, v.Blocked)
	assert.Len(t, eng.GasRatios(), 1)
}

func TestSimulatorBlocksRevert(t *testing.T) {
	srv := simServer(t, engine.SimResult{Status: "revert", Reason: "ERC20: insufficient balance"})
	eng := newSimulator(srv.URL, false)

	v := eng.Evaluate(&firewall.TxView{Target: "0xaaa"}, 1)
	require.True(t, v.Blocked)
	assert.Equal(t, firewall.CodeBlockSimulation, v.Code)
	assert.True(t, v.Revert, "a revert verdict must feed the slashing counter")
	assert.Contains(t, v.Reason, "insufficient balance")
}

func TestSimulatorBlocksGasAnomaly(t *testing.T) {
	srv := simServer(t, engine.SimResult{Status: "ok", GasUsed: 400_000, GasEstimate: 100_000})
	eng := newSimulator(srv.URL, false)

	v := eng.Evaluate(&firewall.TxView{Target: "0xaaa"}, 1)
	require.True(t, v.Blocked)
	assert.Equal(t, firewall.CodeBlockSimulation, v.Code)
	assert.False(t, v.Revert)
}

func TestSimulatorBlocksExcessiveGas(t *testing.T) {
	srv := simServer(t, engine.SimResult{Status: "ok", GasUsed: 600_000, GasEstimate: 550_000})
	eng := newSimulator(srv.URL, false)

	v := eng.Evaluate(&firewall.TxView{Target: "0xaaa"}, 1)
	assert.True(t, v.Blocked)
}

func TestSimulatorUnreachableFailOpen(t *testing.T) {
	eng := newSimulator("http://127.0.0.1:1", false)
	v := eng.Evaluate(&firewall.TxView{Target: "0xaaa"}, 1)
	assert.False(t, v.Blocked)
}

func TestSimulatorUnreachableFailClosed(t *testing.T) {
	eng := newSimulator("http://127.0.0.1:1", true)
	v := eng.Evaluate(&firewall.TxView{Target: "0xaaa"}, 1)
	require.True(t, v.Blocked)
	assert.Equal(t, firewall.CodeBlockSimulation, v.Code)
}

func TestSimulatorDisabledWithoutEndpoint(t *testing.T) {
	eng := newSimulator("", false)
	assert.False(t, eng.Enabled())
}
