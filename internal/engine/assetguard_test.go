package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoootscooob/aegis-protocol/internal/engine"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

const usdcBase = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"

func TestAssetGuardDeniedSelector(t *testing.T) {
	eng := engine.NewAssetGuard(firewall.AssetConfig{
		DenyList: []string{"0x715018a6"},
	})

	v := eng.Evaluate(&firewall.TxView{
		Target:   "0x1111111111111111111111111111111111111111",
		Function: "0x715018a6",
	}, 0)
	require.True(t, v.Blocked)
	assert.Equal(t, firewall.CodeBlockAsset, v.Code)
	assert.Equal(t, "AssetGuard", v.Engine)
}

func TestAssetGuardAllowListedToken(t *testing.T) {
	eng := engine.NewAssetGuard(firewall.AssetConfig{
		AllowList: []string{usdcBase},
	})

	transfer := "0xa9059cbb000000000000000000000000222222222222222222222222222222222222222200000000000000000000000000000000000000000000000000000000000003e8"

	v := eng.Evaluate(&firewall.TxView{
		Target:   usdcBase,
		Function: "0xa9059cbb",
		Data:     transfer,
	}, 0)
	assert.False(t, v.Blocked)

	v = eng.Evaluate(&firewall.TxView{
		Target:   "0xdef1000000000000000000000000000000000001",
		Function: "0xa9059cbb",
		Data:     transfer,
	}, 0)
	require.True(t, v.Blocked)
	assert.Contains(t, v.Reason, "0x2222222222222222222222222222222222222222")
}

func TestAssetGuardNonTokenCallIgnoresAllowList(t *testing.T) {
	eng := engine.NewAssetGuard(firewall.AssetConfig{
		AllowList: []string{usdcBase},
	})

	// An arbitrary call is not an asset move; the allow-list does not
	// apply to it.
	v := eng.Evaluate(&firewall.TxView{
		Target:   "0x3333333333333333333333333333333333333333",
		Function: "0x12345678",
		Data:     "0x12345678",
	}, 0)
	assert.False(t, v.Blocked)
}

func TestAssetGuardPlainTransferPasses(t *testing.T) {
	eng := engine.NewAssetGuard(firewall.AssetConfig{
		AllowList: []string{usdcBase},
		DenyList:  []string{"0x715018a6"},
	})

	v := eng.Evaluate(&firewall.TxView{
		Target: "0x4444444444444444444444444444444444444444",
		Amount: 1.5,
	}, 1.5)
	assert.False(t, v.Blocked)
}

func TestAssetGuardDisabledWithoutConfig(t *testing.T) {
	eng := engine.NewAssetGuard(firewall.AssetConfig{})
	assert.False(t, eng.Enabled())
}
