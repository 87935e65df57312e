package firewall

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxView is the normalized, engine-visible transaction record. It is
// immutable once built: engines receive a pointer but never write to it.
type TxView struct {
	Target   string  // lowercased 20-byte destination, or ""
	Amount   float64 // native units (wei / 1e18)
	Function string  // 4-byte selector, "0x"-prefixed lowercase, or ""
	Data     string  // full calldata hex
	From     string
	Gas      string
	GasPrice string
	MaxFee   string
	ValueRaw string
	Memo     string // free-text channel; sign-message payloads land here
	Method   string // original RPC method
}

// RPCRequest is a decoded JSON-RPC envelope. The raw body is preserved by
// the proxy for verbatim upstream forwarding.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc,omitempty"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
}

// ParseRequest decodes a JSON-RPC request body.
func ParseRequest(body []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// stateChanging is the fixed set of RPC methods the pipeline inspects.
// Everything else is read-only and bypasses the firewall entirely.
var stateChanging = map[string]bool{
	"eth_sendTransaction":    true,
	"eth_sendRawTransaction": true,
	"eth_sign":               true,
	"personal_sign":          true,
	"eth_signTypedData":      true,
	"eth_signTypedData_v3":   true,
	"eth_signTypedData_v4":   true,
}

// IsStateChanging reports whether method mutates chain or signing state.
func IsStateChanging(method string) bool {
	return stateChanging[method]
}

// Normalize converts a JSON-RPC envelope into a TxView. It never fails:
// malformed input yields a view with safe defaults (empty target, amount
// zero) and the engines decide from there.
func Normalize(req *RPCRequest) TxView {
	switch req.Method {
	case "eth_sendRawTransaction":
		return normalizeRawTx(req)
	case "eth_sign":
		// params: [address, message]
		return normalizeSignMessage(req, 1, 0)
	case "personal_sign":
		// params: [message, address]
		return normalizeSignMessage(req, 0, 1)
	case "eth_signTypedData", "eth_signTypedData_v3", "eth_signTypedData_v4":
		return normalizeTypedData(req)
	default:
		obj := firstObjectParam(req)
		return NormalizeTxObject(obj, req.Method)
	}
}

// NormalizeTxObject flattens a transaction object (the first dict element
// of params, or a vault tx_dict) into a TxView. Shared by the proxy and
// the signing vault so both paths feed engines identical views.
func NormalizeTxObject(obj map[string]any, method string) TxView {
	view := TxView{Method: method}
	if obj == nil {
		return view
	}

	if to, ok := obj["to"].(string); ok && to != "" {
		view.Target = strings.ToLower(to)
	}
	data, _ := obj["data"].(string)
	if data == "" {
		data, _ = obj["input"].(string)
	}
	view.Data = data
	if len(data) >= 10 {
		view.Function = strings.ToLower(data[:10])
	}

	if raw, ok := obj["value"].(string); ok {
		view.ValueRaw = raw
	}
	view.Amount = DecodeAmount(obj["value"])

	view.From, _ = obj["from"].(string)
	view.Gas = stringField(obj, "gas")
	view.GasPrice = stringField(obj, "gasPrice")
	view.MaxFee = stringField(obj, "maxFeePerGas")
	view.Memo, _ = obj["memo"].(string)
	return view
}

// normalizeRawTx RLP-decodes a signed transaction so that raw broadcasts
// are inspected with the same fidelity as eth_sendTransaction.
func normalizeRawTx(req *RPCRequest) TxView {
	view := TxView{Method: req.Method}
	if len(req.Params) == 0 {
		return view
	}
	var rawHex string
	if err := json.Unmarshal(req.Params[0], &rawHex); err != nil {
		return view
	}
	raw, err := hexutil.Decode(rawHex)
	if err != nil {
		return view
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return view
	}

	if to := tx.To(); to != nil {
		view.Target = strings.ToLower(to.Hex())
	}
	view.Amount = weiToNative(tx.Value())
	view.ValueRaw = hexutil.EncodeBig(tx.Value())
	data := hexutil.Encode(tx.Data())
	if data != "0x" {
		view.Data = data
		if len(data) >= 10 {
			view.Function = strings.ToLower(data[:10])
		}
	}
	view.Gas = strconv.FormatUint(tx.Gas(), 10)
	if gp := tx.GasPrice(); gp != nil {
		view.GasPrice = gp.String()
	}
	return view
}

// normalizeSignMessage maps a sign request's message into the memo field
// so the entropy guard can scan it for exfiltrated secrets.
func normalizeSignMessage(req *RPCRequest, msgIdx, addrIdx int) TxView {
	view := TxView{Method: req.Method}
	if len(req.Params) > addrIdx {
		var addr string
		if json.Unmarshal(req.Params[addrIdx], &addr) == nil {
			view.From = strings.ToLower(addr)
		}
	}
	if len(req.Params) > msgIdx {
		var msg string
		if json.Unmarshal(req.Params[msgIdx], &msg) == nil {
			view.Memo = decodeMessage(msg)
		}
	}
	return view
}

func normalizeTypedData(req *RPCRequest) TxView {
	view := TxView{Method: req.Method}
	if len(req.Params) > 0 {
		var addr string
		if json.Unmarshal(req.Params[0], &addr) == nil {
			view.From = strings.ToLower(addr)
		}
	}
	return view
}

// decodeMessage unwraps a hex-encoded sign payload into text when it is
// valid UTF-8; otherwise the original string is scanned as-is.
func decodeMessage(msg string) string {
	if !strings.HasPrefix(msg, "0x") {
		return msg
	}
	raw, err := hexutil.Decode(msg)
	if err != nil {
		return msg
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	return msg
}

func firstObjectParam(req *RPCRequest) map[string]any {
	for _, p := range req.Params {
		var obj map[string]any
		if err := json.Unmarshal(p, &obj); err == nil && obj != nil {
			return obj
		}
	}
	return nil
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// DecodeAmount turns a JSON-RPC value field into native units. Hex wei
// strings are parsed with big-number precision; plain numerics are taken
// at face value; anything unparsable decodes to zero.
func DecodeAmount(v any) float64 {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "0x") || strings.HasPrefix(val, "0X") {
			wei, ok := new(big.Int).SetString(val[2:], 16)
			if !ok {
				return 0
			}
			return weiToNative(wei)
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	case float64:
		return val
	case int:
		return float64(val)
	default:
		return 0
	}
}

var weiPerNative = new(big.Float).SetFloat64(1e18)

func weiToNative(wei *big.Int) float64 {
	if wei == nil || wei.Sign() == 0 {
		return 0
	}
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerNative).Float64()
	return out
}
