package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoootscooob/aegis-protocol/internal/engine"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

func newQuantizer() *engine.PayloadQuantizer {
	return engine.NewPayloadQuantizer(firewall.QuantizerConfig{Enabled: true})
}

func TestQuantizerAllowsCanonicalCalldata(t *testing.T) {
	eng := newQuantizer()

	// Selector plus two full ABI words.
	v := eng.Evaluate(&firewall.TxView{
		Data: "0xa9059cbb000000000000000000000000222222222222222222222222222222222222222200000000000000000000000000000000000000000000000000000000000003e8",
	}, 0)
	assert.False(t, v.Blocked)
}

func TestQuantizerAllowsEmptyCalldata(t *testing.T) {
	eng := newQuantizer()
	assert.False(t, eng.Evaluate(&firewall.TxView{}, 0).Blocked)
	assert.False(t, eng.Evaluate(&firewall.TxView{Data: "0x"}, 0).Blocked)
}

func TestQuantizerBlocksTrailingBytes(t *testing.T) {
	eng := newQuantizer()

	// One extra byte past the ABI word grid: the classic smuggling slot.
	v := eng.Evaluate(&firewall.TxView{
		Data: "0xa9059cbb000000000000000000000000222222222222222222222222222222222222222200000000000000000000000000000000000000000000000000000000000003e8ff",
	}, 0)
	require.True(t, v.Blocked)
	assert.Equal(t, firewall.CodeBlockQuantize, v.Code)
}

func TestQuantizerBlocksMisalignedArguments(t *testing.T) {
	eng := newQuantizer()

	v := eng.Evaluate(&firewall.TxView{Data: "0xa9059cbb2222"}, 0)
	require.True(t, v.Blocked)
	assert.Equal(t, "PayloadQuantizer", v.Engine)
}

func TestQuantizerBlocksInvalidHex(t *testing.T) {
	eng := newQuantizer()

	assert.True(t, eng.Evaluate(&firewall.TxView{Data: "0xzznotahex"}, 0).Blocked)
	assert.True(t, eng.Evaluate(&firewall.TxView{Data: "a9059cbb"}, 0).Blocked)
}

func TestQuantizerBlocksBareSelectorFragment(t *testing.T) {
	eng := newQuantizer()

	v := eng.Evaluate(&firewall.TxView{Data: "0xa9"}, 0)
	assert.True(t, v.Blocked)
}

func TestQuantizerDisabled(t *testing.T) {
	eng := engine.NewPayloadQuantizer(firewall.QuantizerConfig{Enabled: false})
	assert.False(t, eng.Enabled())
}
