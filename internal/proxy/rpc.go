package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

// maxBodyBytes bounds an inbound RPC body.
const maxBodyBytes = 1 << 20

// blockResponse is the 403 body returned for a blocked call.
type blockResponse struct {
	Blocked  bool          `json:"blocked"`
	Code     firewall.Code `json:"code"`
	Engine   string        `json:"engine,omitempty"`
	Reason   string        `json:"reason"`
	Feedback string        `json:"feedback"`
}

// handleRPC serves the global endpoint: no whitelist gate, one shared
// firewall.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	s.serveRPC(w, r, "", s.global)
}

// handlePrincipalRPC serves /v1/{principal}: whitelist gate first, then
// the principal's own firewall. The principal must be a 42-character hex
// address; anything else is rejected before a firewall or config fetch
// is ever attempted.
func (s *Server) handlePrincipalRPC(w http.ResponseWriter, r *http.Request) {
	principal := mux.Vars(r)["principal"]
	if !validPrincipal(principal) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "invalid principal address, use /v1/0x...",
		})
		return
	}
	s.serveRPC(w, r, principal, nil)
}

func validPrincipal(addr string) bool {
	return len(addr) == 42 && strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request, principal string, fw *firewall.Firewall) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	req, err := firewall.ParseRequest(body)
	if err != nil || req.Method == "" {
		writeRPCError(w, nil, -32700, "parse error: invalid JSON-RPC request")
		return
	}

	// Read-only traffic bypasses the firewall entirely: no state is read
	// or written, counters do not move.
	if !firewall.IsStateChanging(req.Method) {
		s.metrics.RequestsTotal.WithLabelValues(req.Method, "read_only").Inc()
		s.forward(w, body, req)
		return
	}
	s.metrics.RequestsTotal.WithLabelValues(req.Method, "state_changing").Inc()
	defer func() {
		s.metrics.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	}()

	view := firewall.Normalize(req)

	if principal != "" {
		if v, gated := s.gate(r, principal, &view); gated {
			s.metrics.VerdictsTotal.WithLabelValues(string(v.Code)).Inc()
			writeBlock(w, v)
			return
		}
		fw = s.firewallFor(r.Context(), principal)
	}

	verdict := fw.Evaluate(&view, view.Amount)
	s.metrics.VerdictsTotal.WithLabelValues(string(verdict.Code)).Inc()
	if verdict.Blocked {
		slog.Warn("transaction blocked",
			"principal", principal,
			"method", req.Method,
			"code", verdict.Code,
			"engine", verdict.Engine,
			"reason", verdict.Reason)
		writeBlock(w, verdict)
		return
	}

	s.forward(w, body, req)
}

// gate applies the pre-engine checks for a principal: the vault's
// emergency lock and the destination whitelist. Engines never see a
// gated call.
func (s *Server) gate(r *http.Request, principal string, view *firewall.TxView) (firewall.Verdict, bool) {
	if s.source == nil {
		return firewall.Verdict{}, false
	}
	ctx := r.Context()

	if entry := s.source.Get(ctx, principal); entry != nil && entry.EmergencyLocked {
		return firewall.Block("WhitelistGate", firewall.CodeBlockSever,
			"vault emergency lock is engaged.",
			"The vault owner has engaged the emergency lock. All transactions are refused until it is lifted."), true
	}

	if view.Target == "" {
		return firewall.Verdict{}, false
	}
	if ok, reason := s.source.CheckWhitelist(ctx, principal, view.Target); !ok {
		return firewall.Block("WhitelistGate", firewall.CodeBlockWhitelist, reason,
			"The destination address is not on this vault's approved whitelist. Ask the vault owner to add it; retrying will fail until then."), true
	}
	return firewall.Verdict{}, false
}

// forward relays the original body verbatim to the upstream RPC and
// copies the response back. Upstream failure is a 502 and never mutates
// firewall state.
func (s *Server) forward(w http.ResponseWriter, body []byte, req *firewall.RPCRequest) {
	if err := s.breaker.Allow(); err != nil {
		s.metrics.UpstreamErrors.Inc()
		writeRPCError(w, req.ID, -32002, "upstream RPC unavailable: circuit open")
		return
	}

	start := time.Now()
	resp, err := s.httpClient.Post(s.upstream, "application/json", bytes.NewReader(body))
	s.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	s.breaker.Record(err == nil)
	if err != nil {
		s.metrics.UpstreamErrors.Inc()
		slog.Error("upstream forward failed", "method", req.Method, "err", err)
		writeRPCError(w, req.ID, -32002, "upstream RPC unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func writeBlock(w http.ResponseWriter, v firewall.Verdict) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(blockResponse{
		Blocked:  true,
		Code:     v.Code,
		Engine:   v.Engine,
		Reason:   v.Reason,
		Feedback: v.Feedback,
	})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	status := http.StatusBadRequest
	if code == -32002 {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": msg},
	})
}
