package engine

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// tokenSelectors are the ERC-20/721 asset-moving entry points. When an
// asset allow-list is configured, calls through these selectors must
// target an approved token contract.
var tokenSelectors = map[string]string{
	"0xa9059cbb": "transfer",
	"0x23b872dd": "transferFrom",
	"0x095ea7b3": "approve",
	"0x42842e0e": "safeTransferFrom",
	"0xb88d4fde": "safeTransferFrom",
	"0xa22cb465": "setApprovalForAll",
}

// AssetGuard enforces asset eligibility: a selector deny-list for known
// dangerous entry points and an optional allow-list of token contracts
// that asset-moving calls may target.
type AssetGuard struct {
	blocks atomic.Uint64

	allow map[string]struct{}
	deny  map[string]struct{}
}

func NewAssetGuard(cfg firewall.AssetConfig) *AssetGuard {
	g := &AssetGuard{
		allow: make(map[string]struct{}, len(cfg.AllowList)),
		deny:  make(map[string]struct{}, len(cfg.DenyList)),
	}
	for _, a := range cfg.AllowList {
		g.allow[strings.ToLower(a)] = struct{}{}
	}
	for _, s := range cfg.DenyList {
		g.deny[strings.ToLower(s)] = struct{}{}
	}
	return g
}

func (g *AssetGuard) Name() string   { return "AssetGuard" }
func (g *AssetGuard) Enabled() bool  { return len(g.allow) > 0 || len(g.deny) > 0 }
func (g *AssetGuard) Blocks() uint64 { return g.blocks.Load() }

func (g *AssetGuard) Evaluate(tx *firewall.TxView, spend float64) firewall.Verdict {
	if tx.Function == "" {
		return firewall.Allow(g.Name())
	}
	sel := strings.ToLower(tx.Function)

	if _, denied := g.deny[sel]; denied {
		g.blocks.Add(1)
		return firewall.Block(g.Name(), firewall.CodeBlockAsset,
			fmt.Sprintf("function %s is not an eligible operation.", sel),
			"The called function is barred by asset policy. Do not call it through this signer.")
	}

	if _, isToken := tokenSelectors[sel]; isToken && len(g.allow) > 0 {
		if _, ok := g.allow[strings.ToLower(tx.Target)]; !ok {
			g.blocks.Add(1)
			reason := fmt.Sprintf("token contract %s is not on the asset allow-list.", tx.Target)
			if rcpt := calldataAddress(tx.Data, 0); rcpt != "" {
				reason = fmt.Sprintf("token contract %s is not on the asset allow-list (recipient %s).", tx.Target, rcpt)
			}
			return firewall.Block(g.Name(), firewall.CodeBlockAsset, reason,
				"Transfers are restricted to approved token contracts. This token is not approved.")
		}
	}
	return firewall.Allow(g.Name())
}

// calldataAddress extracts the address-typed argument at word index i of
// ABI-encoded calldata, or "" when the payload is too short or malformed.
func calldataAddress(data string, i int) string {
	hex := strings.TrimPrefix(strings.ToLower(data), "0x")
	if len(hex) < 8 {
		return ""
	}
	args := hex[8:]
	start := i*64 + 24
	if len(args) < start+40 {
		return ""
	}
	word := args[start : start+40]
	if !common.IsHexAddress("0x" + word) {
		return ""
	}
	return "0x" + word
}
