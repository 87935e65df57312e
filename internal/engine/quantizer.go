package engine

import (
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// PayloadQuantizer re-encodes calldata under a canonical form and blocks
// payloads that do not survive the round trip unchanged. Trailing or
// misaligned bytes past the ABI word grid are the classic channel for
// steganographic smuggling. The engine is stateless.
type PayloadQuantizer struct {
	enabled bool
	blocks  atomic.Uint64
}

func NewPayloadQuantizer(cfg firewall.QuantizerConfig) *PayloadQuantizer {
	return &PayloadQuantizer{enabled: cfg.Enabled}
}

func (q *PayloadQuantizer) Name() string   { return "PayloadQuantizer" }
func (q *PayloadQuantizer) Enabled() bool  { return q.enabled }
func (q *PayloadQuantizer) Blocks() uint64 { return q.blocks.Load() }

func (q *PayloadQuantizer) Evaluate(tx *firewall.TxView, spend float64) firewall.Verdict {
	if tx.Data == "" || tx.Data == "0x" {
		return firewall.Allow(q.Name())
	}
	if reason, ok := q.quantize(tx.Data); !ok {
		q.blocks.Add(1)
		return firewall.Block(q.Name(), firewall.CodeBlockQuantize, reason,
			"The calldata does not survive canonical re-encoding. Rebuild it with a standard ABI encoder; resending these bytes will fail.")
	}
	return firewall.Allow(q.Name())
}

// quantize decodes the hex payload and re-encodes it canonically. A
// payload passes only if the round trip is byte-identical (modulo case
// and the 0x prefix) and the argument region lands on the 32-byte grid.
func (q *PayloadQuantizer) quantize(data string) (string, bool) {
	if !strings.HasPrefix(data, "0x") && !strings.HasPrefix(data, "0X") {
		return "calldata is not 0x-prefixed hex.", false
	}
	raw, err := hexutil.Decode(strings.ToLower(data))
	if err != nil {
		return "calldata is not valid hex.", false
	}
	if len(raw) < 4 {
		return "calldata is shorter than a function selector.", false
	}
	if (len(raw)-4)%32 != 0 {
		return "calldata argument region is not 32-byte aligned.", false
	}
	if hexutil.Encode(raw) != strings.ToLower(data) {
		return "calldata carries non-canonical encoding.", false
	}
	return "", true
}
