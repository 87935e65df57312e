package vault_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoootscooob/aegis-protocol/internal/clock"
	"github.com/scoootscooob/aegis-protocol/internal/engine"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
	"github.com/scoootscooob/aegis-protocol/internal/vault"
)

const testChainID = 8453

func newVault(t *testing.T, cfg firewall.Config) *vault.Vault {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	set := engine.NewSet(cfg, clk)
	fw := firewall.New(cfg, clk, set.Engines())
	return vault.New(fw, testChainID)
}

func storeTestKey(t *testing.T, v *vault.Vault) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	secret := hexutil.Encode(crypto.FromECDSA(key))
	require.NoError(t, v.Store("agent-1", secret))
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestStoreRejectsGarbage(t *testing.T) {
	v := newVault(t, firewall.Default())
	assert.Error(t, v.Store("bad", "not-a-key"))
	assert.Error(t, v.Store("bad", "0x1234"))
	assert.Empty(t, v.KeyIDs())
}

func TestStoreAndListKeys(t *testing.T) {
	v := newVault(t, firewall.Default())
	wantAddr := storeTestKey(t, v)

	assert.Equal(t, []string{"agent-1"}, v.KeyIDs())
	addr, err := v.Address("agent-1")
	require.NoError(t, err)
	assert.True(t, strings.EqualFold(wantAddr, addr))
}

func TestSignNativeTransaction(t *testing.T) {
	v := newVault(t, firewall.Default())
	storeTestKey(t, v)

	raw, err := v.SignNativeTransaction("agent-1", map[string]any{
		"to":                   "0xaaa0000000000000000000000000000000000001",
		"value":                "0x2386f26fc10000", // 0.01
		"nonce":                "0x7",
		"gas":                  "0x5208",
		"maxFeePerGas":         "0x3b9aca00",
		"maxPriorityFeePerGas": "0x3b9aca00",
	}, 0)
	require.NoError(t, err)

	body, err := hexutil.Decode(raw)
	require.NoError(t, err)
	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(body))

	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(21000), tx.Gas())
	assert.Equal(t, int64(testChainID), tx.ChainId().Int64())

	// The signature recovers to the stored key's account.
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, &tx)
	require.NoError(t, err)
	addr, _ := v.Address("agent-1")
	assert.True(t, strings.EqualFold(addr, from.Hex()))
}

func TestSignRefusedOverSingleCap(t *testing.T) {
	cfg := firewall.Default()
	cfg.Velocity.MaxSingleAmount = 1.0
	v := newVault(t, cfg)
	storeTestKey(t, v)

	_, err := v.SignNativeTransaction("agent-1", map[string]any{
		"to":    "0xaaa0000000000000000000000000000000000001",
		"value": "0x1bc16d674ec800000", // 32
	}, 0)
	require.Error(t, err)

	var enforce *vault.EnforcementError
	require.ErrorAs(t, err, &enforce)
	assert.Equal(t, firewall.CodeBlockSingleCap, enforce.Verdict.Code)
	assert.Equal(t, "CapitalVelocity", enforce.Verdict.Engine)
}

func TestSignRefusedDenylistedTarget(t *testing.T) {
	cfg := firewall.Default()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	set := engine.NewSet(cfg, clk)
	set.ThreatFeed.AddAddress("0x0000000000ffe8b47b3e2130213b802212439497")
	fw := firewall.New(cfg, clk, set.Engines())
	v := vault.New(fw, testChainID)
	storeTestKey(t, v)

	_, err := v.SignNativeTransaction("agent-1", map[string]any{
		"to":    "0x0000000000ffe8b47b3e2130213b802212439497",
		"value": "0x01",
	}, 0)
	var enforce *vault.EnforcementError
	require.ErrorAs(t, err, &enforce)
	assert.Equal(t, firewall.CodeBlockDenylist, enforce.Verdict.Code)
}

func TestSignUnknownKey(t *testing.T) {
	v := newVault(t, firewall.Default())
	_, err := v.SignNativeTransaction("nobody", map[string]any{"to": "0xaaa0000000000000000000000000000000000001"}, 0)
	require.Error(t, err)
	var enforce *vault.EnforcementError
	assert.False(t, errors.As(err, &enforce), "missing key is operational, not enforcement")
}

func testTypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "maker", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "AegisTest",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(testChainID),
			VerifyingContract: "0xccc0000000000000000000000000000000000003",
		},
		Message: apitypes.TypedDataMessage{
			"maker":  "0xaaa0000000000000000000000000000000000001",
			"amount": "1000",
		},
	}
}

func TestSignTypedData(t *testing.T) {
	v := newVault(t, firewall.Default())
	storeTestKey(t, v)

	sigHex, err := v.SignTypedData("agent-1", testTypedData())
	require.NoError(t, err)

	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.True(t, sig[64] == 27 || sig[64] == 28)

	// Recover and compare to the stored account.
	hash, _, err := apitypes.TypedDataAndHash(testTypedData())
	require.NoError(t, err)
	recSig := make([]byte, 65)
	copy(recSig, sig)
	recSig[64] -= 27
	pub, err := crypto.SigToPub(hash, recSig)
	require.NoError(t, err)
	addr, _ := v.Address("agent-1")
	assert.True(t, strings.EqualFold(addr, crypto.PubkeyToAddress(*pub).Hex()))
}

func TestSignTypedDataRefusedDenylistedVerifier(t *testing.T) {
	cfg := firewall.Default()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	set := engine.NewSet(cfg, clk)
	set.ThreatFeed.AddAddress("0xccc0000000000000000000000000000000000003")
	fw := firewall.New(cfg, clk, set.Engines())
	v := vault.New(fw, testChainID)
	storeTestKey(t, v)

	_, err := v.SignTypedData("agent-1", testTypedData())
	var enforce *vault.EnforcementError
	require.ErrorAs(t, err, &enforce)
	assert.Equal(t, firewall.CodeBlockDenylist, enforce.Verdict.Code)
}
