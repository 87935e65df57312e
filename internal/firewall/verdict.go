package firewall

// Code is the symbolic outcome of a firewall evaluation.
type Code string

const (
	CodeAllow           Code = "ALLOW"
	CodeBlockDenylist   Code = "BLOCK_DENYLIST"
	CodeBlockLoop       Code = "BLOCK_LOOP"
	CodeBlockVelocity   Code = "BLOCK_VELOCITY"
	CodeBlockSingleCap  Code = "BLOCK_SINGLE_CAP"
	CodeBlockEntropy    Code = "BLOCK_ENTROPY"
	CodeBlockAsset      Code = "BLOCK_ASSET"
	CodeBlockQuantize   Code = "BLOCK_QUANTIZE"
	CodeBlockSimulation Code = "BLOCK_SIMULATION"
	CodeBlockSever      Code = "BLOCK_SEVER"
	CodeBlockWhitelist  Code = "BLOCK_WHITELIST"
)

// maxReasonLen bounds the reason string carried on a verdict.
const maxReasonLen = 240

// Verdict is the outcome of one pipeline evaluation. Feedback is written
// for reinsertion into an agent's context: it names the class of problem
// and states that retrying the same call will fail again.
type Verdict struct {
	Blocked  bool   `json:"blocked"`
	Code     Code   `json:"code"`
	Engine   string `json:"engine"`
	Reason   string `json:"reason"`
	Feedback string `json:"feedback"`

	// Revert marks a simulator-observed execution revert. It drives the
	// paymaster revert-strike counter and is not serialized.
	Revert bool `json:"-"`
}

// Allow returns a passing verdict attributed to engine.
func Allow(engine string) Verdict {
	return Verdict{Code: CodeAllow, Engine: engine}
}

// Block returns a blocking verdict. The reason is truncated to a bounded
// length; if feedback is empty a standard retry warning is derived from
// the reason.
func Block(engine string, code Code, reason, feedback string) Verdict {
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	if feedback == "" {
		feedback = reason + " Retrying with the same parameters will fail."
	}
	return Verdict{
		Blocked:  true,
		Code:     code,
		Engine:   engine,
		Reason:   reason,
		Feedback: feedback,
	}
}
