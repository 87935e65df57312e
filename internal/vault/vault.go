// Package vault holds signing keys in an isolated trust domain and
// re-invokes the firewall on the signing path, so a compromised proxy
// still cannot obtain a signature for a call the engines would block.
package vault

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// EnforcementError marks a signing refusal decided by the firewall. The
// caller must treat it as terminal: the same payload will be refused
// again.
type EnforcementError struct {
	Verdict firewall.Verdict
}

func (e *EnforcementError) Error() string {
	return fmt.Sprintf("signing refused [%s/%s]: %s", e.Verdict.Engine, e.Verdict.Code, e.Verdict.Reason)
}

// Vault stores private keys and signs only what the firewall allows.
// Key material never crosses the vault boundary in any response.
type Vault struct {
	fw      *firewall.Firewall
	chainID *big.Int

	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// New builds a vault enforcing with fw and signing for chainID.
func New(fw *firewall.Firewall, chainID int64) *Vault {
	return &Vault{
		fw:      fw,
		chainID: big.NewInt(chainID),
		keys:    make(map[string]*ecdsa.PrivateKey),
	}
}

// Store imports a hex-encoded private key under keyID.
func (v *Vault) Store(keyID, secretHex string) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(secretHex, "0x"))
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	v.mu.Lock()
	v.keys[keyID] = key
	v.mu.Unlock()
	return nil
}

// KeyIDs lists stored key identifiers, sorted. Only identifiers, never
// material.
func (v *Vault) KeyIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.keys))
	for id := range v.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Address returns the account address for a stored key.
func (v *Vault) Address(keyID string) (string, error) {
	key, err := v.key(keyID)
	if err != nil {
		return "", err
	}
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()), nil
}

// SignNativeTransaction runs the firewall over the transaction object
// and, if allowed, returns the raw signed transaction hex ready for
// eth_sendRawTransaction.
func (v *Vault) SignNativeTransaction(keyID string, txObj map[string]any, spend float64) (string, error) {
	key, err := v.key(keyID)
	if err != nil {
		return "", err
	}

	view := firewall.NormalizeTxObject(txObj, "eth_sendTransaction")
	if spend <= 0 {
		spend = view.Amount
	}
	if verdict := v.fw.Evaluate(&view, spend); verdict.Blocked {
		return "", &EnforcementError{Verdict: verdict}
	}

	tx, err := buildTransaction(txObj, v.chainID)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	signer := types.LatestSignerForChainID(v.chainID)
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode signed transaction: %w", err)
	}
	return hexutil.Encode(raw), nil
}

// SignTypedData hashes EIP-712 typed data, runs the firewall over a
// view of it, and returns the 65-byte signature hex.
func (v *Vault) SignTypedData(keyID string, typed apitypes.TypedData) (string, error) {
	key, err := v.key(keyID)
	if err != nil {
		return "", err
	}

	view := firewall.TxView{
		Method: "eth_signTypedData_v4",
		Target: strings.ToLower(typed.Domain.VerifyingContract),
	}
	if verdict := v.fw.Evaluate(&view, 0); verdict.Blocked {
		return "", &EnforcementError{Verdict: verdict}
	}

	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return "", fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	// Recovery id to Ethereum convention.
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// Firewall exposes the enforcing firewall for health reporting.
func (v *Vault) Firewall() *firewall.Firewall { return v.fw }

func (v *Vault) key(keyID string) (*ecdsa.PrivateKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok := v.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	return key, nil
}

// buildTransaction assembles an unsigned dynamic-fee transaction from a
// JSON transaction object. chainID is used when the object carries none.
func buildTransaction(obj map[string]any, chainID *big.Int) (*types.Transaction, error) {
	var to *common.Address
	if s, ok := obj["to"].(string); ok && s != "" {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid to address %q", s)
		}
		addr := common.HexToAddress(s)
		to = &addr
	}

	value, err := bigField(obj, "value")
	if err != nil {
		return nil, err
	}
	nonce, err := uintField(obj, "nonce")
	if err != nil {
		return nil, err
	}
	gas, err := uintField(obj, "gas")
	if err != nil {
		return nil, err
	}
	if gas == 0 {
		gas = 21000
	}
	tip, err := bigField(obj, "maxPriorityFeePerGas")
	if err != nil {
		return nil, err
	}
	feeCap, err := bigField(obj, "maxFeePerGas")
	if err != nil {
		return nil, err
	}
	if feeCap.Sign() == 0 {
		if feeCap, err = bigField(obj, "gasPrice"); err != nil {
			return nil, err
		}
	}

	var data []byte
	if s, ok := obj["data"].(string); ok && s != "" && s != "0x" {
		if data, err = hexutil.Decode(s); err != nil {
			return nil, fmt.Errorf("invalid calldata: %w", err)
		}
	}

	if explicit, err := bigField(obj, "chainId"); err == nil && explicit.Sign() > 0 {
		chainID = explicit
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        to,
		Value:     value,
		Data:      data,
	}), nil
}

func bigField(obj map[string]any, key string) (*big.Int, error) {
	switch val := obj[key].(type) {
	case nil:
		return new(big.Int), nil
	case string:
		if val == "" {
			return new(big.Int), nil
		}
		if strings.HasPrefix(val, "0x") || strings.HasPrefix(val, "0X") {
			n, ok := new(big.Int).SetString(val[2:], 16)
			if !ok {
				return nil, fmt.Errorf("invalid hex field %q", key)
			}
			return n, nil
		}
		n, ok := new(big.Int).SetString(val, 10)
		if !ok {
			return nil, fmt.Errorf("invalid numeric field %q", key)
		}
		return n, nil
	case float64:
		return new(big.Int).SetInt64(int64(val)), nil
	default:
		return nil, fmt.Errorf("unsupported type for field %q", key)
	}
}

func uintField(obj map[string]any, key string) (uint64, error) {
	switch val := obj[key].(type) {
	case nil:
		return 0, nil
	case string:
		if val == "" {
			return 0, nil
		}
		if strings.HasPrefix(val, "0x") || strings.HasPrefix(val, "0X") {
			return strconv.ParseUint(val[2:], 16, 64)
		}
		return strconv.ParseUint(val, 10, 64)
	case float64:
		return uint64(val), nil
	default:
		return 0, fmt.Errorf("unsupported type for field %q", key)
	}
}
