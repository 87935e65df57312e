// Package vaultcfg resolves per-principal firewall parameters from
// on-chain vault contracts. Reads go through eth_call against the same
// upstream the proxy forwards to; results are cached with a TTL and the
// last known value is served when a refresh fails.
package vaultcfg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/scoootscooob/aegis-protocol/internal/clock"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// Vault contract read selectors.
const (
	sigVelocityModule  = "0x951be135" // velocityModule() address
	sigWhitelistModule = "0x8fea31b0" // whitelistModule() address
	sigDrawdownModule  = "0xdd4c17ae" // drawdownModule() address
	sigOwner           = "0x8da5cb5b" // owner() address
	sigEmergencyLocked = "0xe92fab8d" // emergencyLocked() bool

	sigMaxPerHour     = "0x335c9d8c" // VelocityLimitModule.maxPerHour() uint256
	sigMaxSingleTx    = "0x0cf96009" // VelocityLimitModule.maxSingleTx() uint256
	sigMaxDrawdownBps = "0x5661d461" // DrawdownGuardModule.maxDrawdownBps() uint256

	sigWhitelistCount  = "0x3edff20f" // TargetWhitelistModule.getWhitelistCount() uint256
	sigWhitelistedList = "0x05c8d3eb" // TargetWhitelistModule.whitelistedList(uint256) address
	sigWhitelisted     = "0xd936547e" // TargetWhitelistModule.whitelisted(address) bool
)

// maxWhitelistEntries caps how many whitelist slots are read per vault.
const maxWhitelistEntries = 100

const zeroWord = "0000000000000000000000000000000000000000"

// Entry is one principal's resolved configuration.
type Entry struct {
	Config          firewall.Config
	FetchedAt       time.Time
	Owner           string
	EmergencyLocked bool
	Whitelist       map[string]struct{}
}

// Cache reads and caches on-chain vault parameters per principal.
type Cache struct {
	rpcURL     string
	ttl        time.Duration
	defaults   firewall.Config
	clk        clock.Clock
	httpClient *http.Client

	entries *gocache.Cache
}

// New builds a cache against the given parameter-source RPC endpoint.
// defaults is the config served when a vault exposes no modules.
func New(rpcURL string, ttl time.Duration, defaults firewall.Config, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.System
	}
	return &Cache{
		rpcURL:     rpcURL,
		ttl:        ttl,
		defaults:   defaults,
		clk:        clk,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Entries never auto-expire; freshness is tracked on FetchedAt so
		// a failed refresh can fall back to the last known value.
		entries: gocache.New(gocache.NoExpiration, 0),
	}
}

// Get returns the effective config for a principal, refreshing from the
// chain when the cached entry is stale. Fetch failure is never fatal:
// the last known entry, or the defaults, are returned instead.
func (c *Cache) Get(ctx context.Context, principal string) *Entry {
	key := strings.ToLower(principal)
	now := c.clk.Now()

	if v, ok := c.entries.Get(key); ok {
		e := v.(*Entry)
		if now.Sub(e.FetchedAt) < c.ttl {
			return e
		}
	}

	e, err := c.fetch(ctx, principal)
	if err != nil {
		slog.Warn("vault config fetch failed", "principal", principal, "err", err)
		if v, ok := c.entries.Get(key); ok {
			return v.(*Entry)
		}
		e = &Entry{Config: c.defaults, FetchedAt: now, Whitelist: map[string]struct{}{}}
	}
	e.FetchedAt = now
	c.entries.Set(key, e, gocache.NoExpiration)
	return e
}

// CheckWhitelist reports whether target is permitted for the principal.
// An empty whitelist means legacy mode and always allows.
func (c *Cache) CheckWhitelist(ctx context.Context, principal, target string) (bool, string) {
	e := c.Get(ctx, principal)
	if len(e.Whitelist) == 0 {
		return true, "no whitelist configured, legacy mode"
	}
	if _, ok := e.Whitelist[strings.ToLower(target)]; ok {
		return true, fmt.Sprintf("target %s is whitelisted", shortAddr(target))
	}
	return false, fmt.Sprintf("target %s is not on the vault's approved whitelist (%d entries)",
		target, len(e.Whitelist))
}

// fetch reads the vault's modules and parameters from the chain.
func (c *Cache) fetch(ctx context.Context, vault string) (*Entry, error) {
	e := &Entry{Config: c.defaults, Whitelist: map[string]struct{}{}}

	owner, err := c.ethCall(ctx, vault, sigOwner)
	if err != nil {
		return nil, fmt.Errorf("read owner: %w", err)
	}
	if owner != "" {
		e.Owner = "0x" + owner[len(owner)-40:]
	}
	if locked, err := c.ethCall(ctx, vault, sigEmergencyLocked); err == nil && locked != "" {
		e.EmergencyLocked = wordToBig(locked).Sign() != 0
	}

	if mod, err := c.ethCall(ctx, vault, sigVelocityModule); err == nil && moduleSet(mod) {
		addr := "0x" + mod[len(mod)-40:]
		maxPerHourWei := c.readUint(ctx, addr, sigMaxPerHour)
		maxSingleWei := c.readUint(ctx, addr, sigMaxSingleTx)
		if maxPerHourWei != nil && maxPerHourWei.Sign() > 0 {
			// On-chain rates are hourly; the governor wants units/second.
			e.Config.Velocity.VMax = weiToNative(maxPerHourWei) / 3600.0
		}
		if maxSingleWei != nil && maxSingleWei.Sign() > 0 {
			e.Config.Velocity.MaxSingleAmount = weiToNative(maxSingleWei)
		}
	}

	if mod, err := c.ethCall(ctx, vault, sigDrawdownModule); err == nil && moduleSet(mod) {
		addr := "0x" + mod[len(mod)-40:]
		if bps := c.readUint(ctx, addr, sigMaxDrawdownBps); bps != nil && bps.Sign() > 0 {
			e.Config.Velocity.GTVMaxRatio = float64(bps.Int64()) / 10000.0 * 100.0
		}
	}

	if mod, err := c.ethCall(ctx, vault, sigWhitelistModule); err == nil && moduleSet(mod) {
		addr := "0x" + mod[len(mod)-40:]
		e.Whitelist = c.readWhitelist(ctx, addr)
	}

	slog.Info("vault config loaded",
		"principal", shortAddr(vault),
		"v_max", e.Config.Velocity.VMax,
		"max_single", e.Config.Velocity.MaxSingleAmount,
		"whitelist", len(e.Whitelist),
		"locked", e.EmergencyLocked)
	return e, nil
}

// readWhitelist walks the whitelist array and re-verifies each entry
// against the active mapping, since removal zeroes the mapping without
// shrinking the array.
func (c *Cache) readWhitelist(ctx context.Context, module string) map[string]struct{} {
	out := make(map[string]struct{})

	countRaw := c.readUint(ctx, module, sigWhitelistCount)
	if countRaw == nil || countRaw.Sign() == 0 {
		return out
	}
	count := int(countRaw.Int64())
	if count > maxWhitelistEntries {
		count = maxWhitelistEntries
	}

	for i := 0; i < count; i++ {
		data := sigWhitelistedList + fmt.Sprintf("%064x", i)
		raw, err := c.ethCall(ctx, module, data)
		if err != nil || len(raw) < 40 {
			continue
		}
		addr := "0x" + strings.ToLower(raw[len(raw)-40:])

		verify := sigWhitelisted + strings.Repeat("0", 24) + addr[2:]
		active, err := c.ethCall(ctx, module, verify)
		if err == nil && active != "" && wordToBig(active).Sign() != 0 {
			out[addr] = struct{}{}
		}
	}
	return out
}

func (c *Cache) readUint(ctx context.Context, to, data string) *big.Int {
	raw, err := c.ethCall(ctx, to, data)
	if err != nil || raw == "" {
		return nil
	}
	return wordToBig(raw)
}

// ethCall executes a read-only call and returns the result hex without
// the 0x prefix, or "" for an empty result.
func (c *Cache) ethCall(ctx context.Context, to, data string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_call",
		"params":  []any{map[string]string{"to": to, "data": data}, "latest"},
		"id":      1,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Result string          `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode eth_call response: %w", err)
	}
	if len(out.Error) > 0 {
		return "", fmt.Errorf("eth_call error: %s", out.Error)
	}
	if out.Result == "" || out.Result == "0x" {
		return "", nil
	}
	return strings.TrimPrefix(out.Result, "0x"), nil
}

func moduleSet(word string) bool {
	return word != "" && !strings.HasSuffix(word, zeroWord)
}

func wordToBig(word string) *big.Int {
	n, ok := new(big.Int).SetString(word, 16)
	if !ok {
		return new(big.Int)
	}
	return n
}

var weiPerNative = new(big.Float).SetFloat64(1e18)

func weiToNative(wei *big.Int) float64 {
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerNative).Float64()
	return out
}

func shortAddr(a string) string {
	if len(a) > 10 {
		return a[:10] + "..."
	}
	return a
}
