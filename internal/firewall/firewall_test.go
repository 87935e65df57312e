package firewall_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoootscooob/aegis-protocol/internal/clock"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// stubEngine is a scriptable pipeline member.
type stubEngine struct {
	name    string
	enabled bool
	verdict func(tx *firewall.TxView) firewall.Verdict
	calls   int
	blocks  uint64
}

func (s *stubEngine) Name() string   { return s.name }
func (s *stubEngine) Enabled() bool  { return s.enabled }
func (s *stubEngine) Blocks() uint64 { return s.blocks }

func (s *stubEngine) Evaluate(tx *firewall.TxView, spend float64) firewall.Verdict {
	s.calls++
	v := s.verdict(tx)
	if v.Blocked {
		s.blocks++
	}
	return v
}

func allowEngine(name string) *stubEngine {
	return &stubEngine{
		name:    name,
		enabled: true,
		verdict: func(*firewall.TxView) firewall.Verdict { return firewall.Allow(name) },
	}
}

func blockEngine(name string, code firewall.Code) *stubEngine {
	return &stubEngine{
		name:    name,
		enabled: true,
		verdict: func(*firewall.TxView) firewall.Verdict {
			return firewall.Block(name, code, "scripted block.", "")
		},
	}
}

func testConfig() firewall.Config {
	cfg := firewall.Default()
	cfg.Simulator.Enabled = false
	return cfg
}

func TestEvaluateAllowPath(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	a, b := allowEngine("A"), allowEngine("B")
	fw := firewall.New(testConfig(), clk, []firewall.Engine{a, b})

	v := fw.Evaluate(&firewall.TxView{Target: "0xaaa"}, 1.0)
	assert.False(t, v.Blocked)
	assert.Equal(t, firewall.CodeAllow, v.Code)

	total, allowed, blocked := fw.Counters()
	assert.Equal(t, uint64(1), total)
	assert.Equal(t, uint64(1), allowed)
	assert.Equal(t, uint64(0), blocked)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestFirstBlockStopsPipeline(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	first := allowEngine("First")
	blocker := blockEngine("Blocker", firewall.CodeBlockDenylist)
	after := allowEngine("After")
	fw := firewall.New(testConfig(), clk, []firewall.Engine{first, blocker, after})

	v := fw.Evaluate(&firewall.TxView{Target: "0xbbb"}, 1.0)
	require.True(t, v.Blocked)
	assert.Equal(t, "Blocker", v.Engine)
	assert.Equal(t, firewall.CodeBlockDenylist, v.Code)

	// Engines downstream of the blocker never ran.
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, blocker.calls)
	assert.Equal(t, 0, after.calls)
}

func TestDisabledEngineSkipped(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	off := blockEngine("Off", firewall.CodeBlockDenylist)
	off.enabled = false
	fw := firewall.New(testConfig(), clk, []firewall.Engine{off})

	v := fw.Evaluate(&firewall.TxView{}, 0)
	assert.False(t, v.Blocked)
	assert.Equal(t, 0, off.calls)
}

func TestBlockedCounterMatchesBlocks(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cfg := testConfig()
	cfg.CognitiveSeverEnabled = false

	toggle := &stubEngine{name: "Toggle", enabled: true}
	blockNext := false
	toggle.verdict = func(*firewall.TxView) firewall.Verdict {
		if blockNext {
			return firewall.Block("Toggle", firewall.CodeBlockLoop, "scripted.", "")
		}
		return firewall.Allow("Toggle")
	}
	fw := firewall.New(cfg, clk, []firewall.Engine{toggle})

	pattern := []bool{false, true, false, true, true, false}
	wantBlocked := 0
	for _, b := range pattern {
		blockNext = b
		if b {
			wantBlocked++
		}
		fw.Evaluate(&firewall.TxView{}, 0)
	}

	total, allowed, blocked := fw.Counters()
	assert.Equal(t, uint64(len(pattern)), total)
	assert.Equal(t, uint64(wantBlocked), blocked)
	assert.Equal(t, uint64(len(pattern)-wantBlocked), allowed)
}

func TestEnginePanicCoercedToAllow(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	panicky := &stubEngine{
		name:    "Panicky",
		enabled: true,
		verdict: func(*firewall.TxView) firewall.Verdict { panic("boom") },
	}
	after := allowEngine("After")
	fw := firewall.New(testConfig(), clk, []firewall.Engine{panicky, after})

	v := fw.Evaluate(&firewall.TxView{Method: "eth_sendTransaction"}, 0)
	assert.False(t, v.Blocked)
	assert.Equal(t, 1, after.calls)
}

func TestCognitiveSever(t *testing.T) {
	cfg := testConfig()
	cfg.StrikeMax = 3
	cfg.StrikeWindowSecs = 600
	cfg.SeverDurationSecs = 900

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	fw := firewall.New(cfg, clk, []firewall.Engine{blockEngine("B", firewall.CodeBlockLoop)})

	for i := 0; i < 3; i++ {
		v := fw.Evaluate(&firewall.TxView{}, 0)
		require.True(t, v.Blocked)
		assert.Equal(t, firewall.CodeBlockLoop, v.Code, "strike %d should be an engine block", i+1)
		clk.Advance(time.Second)
	}
	require.True(t, fw.Severed())

	// During the lockout every payload is refused without engine input.
	v := fw.Evaluate(&firewall.TxView{Target: "0xtotally-different"}, 0)
	assert.Equal(t, firewall.CodeBlockSever, v.Code)

	// After the lockout expires the pipeline is consulted again.
	clk.Advance(901 * time.Second)
	assert.False(t, fw.Severed())
	v = fw.Evaluate(&firewall.TxView{}, 0)
	assert.Equal(t, firewall.CodeBlockLoop, v.Code)
}

func TestSeverStrikesExpireOutsideWindow(t *testing.T) {
	cfg := testConfig()
	cfg.StrikeMax = 3
	cfg.StrikeWindowSecs = 10

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	fw := firewall.New(cfg, clk, []firewall.Engine{blockEngine("B", firewall.CodeBlockLoop)})

	fw.Evaluate(&firewall.TxView{}, 0)
	clk.Advance(11 * time.Second)
	fw.Evaluate(&firewall.TxView{}, 0)
	clk.Advance(11 * time.Second)
	fw.Evaluate(&firewall.TxView{}, 0)

	assert.False(t, fw.Severed(), "spread-out strikes must not trigger the sever")
}

func TestPaymasterSlashing(t *testing.T) {
	cfg := testConfig()
	cfg.CognitiveSeverEnabled = false
	cfg.RevertStrikeMax = 3
	cfg.RevertStrikeWindowSecs = 300

	revert := &stubEngine{name: "Sim", enabled: true}
	revert.verdict = func(*firewall.TxView) firewall.Verdict {
		v := firewall.Block("Sim", firewall.CodeBlockSimulation, "revert.", "")
		v.Revert = true
		return v
	}
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	fw := firewall.New(cfg, clk, []firewall.Engine{revert})

	for i := 0; i < 3; i++ {
		fw.Evaluate(&firewall.TxView{}, 0)
		clk.Advance(time.Second)
	}
	require.True(t, fw.Slashed())

	// Slashing is permanent: no window expiry releases it.
	clk.Advance(24 * time.Hour)
	v := fw.Evaluate(&firewall.TxView{}, 0)
	assert.Equal(t, firewall.CodeBlockSever, v.Code)
	assert.True(t, fw.Slashed())
}

func TestRecentBlocksRing(t *testing.T) {
	cfg := testConfig()
	cfg.CognitiveSeverEnabled = false
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	fw := firewall.New(cfg, clk, []firewall.Engine{blockEngine("B", firewall.CodeBlockLoop)},
		firewall.WithPrincipal("0xprincipal"))

	for i := 0; i < 150; i++ {
		fw.Evaluate(&firewall.TxView{Target: "0xccc"}, 2.5)
	}
	events := fw.RecentBlocks()
	require.Len(t, events, 128)
	assert.Equal(t, "0xccc", events[0].Target)
	assert.Equal(t, "0xprincipal", events[0].Principal)
	assert.Equal(t, 2.5, events[0].Amount)
}

func TestOnBlockHook(t *testing.T) {
	cfg := testConfig()
	cfg.CognitiveSeverEnabled = false
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))

	var got []firewall.BlockEvent
	fw := firewall.New(cfg, clk, []firewall.Engine{blockEngine("B", firewall.CodeBlockAsset)},
		firewall.WithOnBlock(func(ev firewall.BlockEvent) { got = append(got, ev) }))

	fw.Evaluate(&firewall.TxView{Target: "0xddd"}, 1)
	require.Len(t, got, 1)
	assert.Equal(t, firewall.CodeBlockAsset, got[0].Code)
	assert.Equal(t, "0xddd", got[0].Target)
}

func TestReplayDeterminism(t *testing.T) {
	// Identical engine state, clock, and input must yield identical
	// verdicts across independent firewall instances.
	build := func() *firewall.Firewall {
		clk := clock.NewManual(time.Unix(1_700_000_000, 0))
		return firewall.New(testConfig(), clk, []firewall.Engine{
			blockEngine("B", firewall.CodeBlockVelocity),
		})
	}
	tx := &firewall.TxView{Target: "0xeee", Amount: 7}

	v1 := build().Evaluate(tx, 7)
	v2 := build().Evaluate(tx, 7)
	assert.Equal(t, v1, v2)
}
