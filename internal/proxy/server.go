// Package proxy implements the intercepting JSON-RPC server: routing,
// the whitelist gate, per-principal firewall management, and upstream
// forwarding.
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scoootscooob/aegis-protocol/internal/circuitbreaker"
	"github.com/scoootscooob/aegis-protocol/internal/clock"
	"github.com/scoootscooob/aegis-protocol/internal/engine"
	"github.com/scoootscooob/aegis-protocol/internal/firewall"
	"github.com/scoootscooob/aegis-protocol/internal/metrics"
	"github.com/scoootscooob/aegis-protocol/internal/middleware"
	"github.com/scoootscooob/aegis-protocol/internal/threatseed"
	"github.com/scoootscooob/aegis-protocol/internal/vaultcfg"
)

// maxPrincipals bounds the resident per-principal firewall map. Evicted
// principals are rebuilt lazily on their next request.
const maxPrincipals = 1024

// ConfigSource resolves per-principal configuration and whitelists. The
// production implementation is vaultcfg.Cache; tests substitute stubs.
type ConfigSource interface {
	Get(ctx context.Context, principal string) *vaultcfg.Entry
	CheckWhitelist(ctx context.Context, principal, target string) (bool, string)
}

// Server is the intercept proxy.
type Server struct {
	upstream string
	cfg      firewall.Config
	clk      clock.Clock
	source   ConfigSource
	metrics  *metrics.Metrics
	onBlock  func(firewall.BlockEvent)

	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	started    time.Time

	global    *firewall.Firewall
	globalSet *engine.Set

	// masterFeed accumulates seed plus swarm indicators; newly created
	// principal firewalls inherit its snapshot.
	masterFeed *engine.ThreatFeed

	mu         sync.Mutex
	principals *lru.Cache // principal -> *principalState
}

type principalState struct {
	fw  *firewall.Firewall
	set *engine.Set
}

// Option adjusts server construction.
type Option func(*Server)

// WithConfigSource installs a per-principal parameter source.
func WithConfigSource(src ConfigSource) Option {
	return func(s *Server) { s.source = src }
}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clk = clk }
}

// WithOnBlock registers a sink for block events (journal, alerting).
func WithOnBlock(fn func(firewall.BlockEvent)) Option {
	return func(s *Server) { s.onBlock = fn }
}

// New builds a server forwarding to upstream with cfg as the default
// firewall configuration. The threat feed is seeded immediately so
// protection does not wait for swarm sync.
func New(upstream string, cfg firewall.Config, opts ...Option) *Server {
	s := &Server{
		upstream:   upstream,
		cfg:        cfg,
		clk:        clock.System,
		metrics:    metrics.New(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		started:    time.Now(),
		masterFeed: engine.NewThreatFeed(firewall.ThreatFeedConfig{Enabled: true}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("upstream-rpc"), s.clk)
	seeded := threatseed.Apply(s.masterFeed)

	s.globalSet = engine.NewSet(cfg, s.clk)
	s.globalSet.ThreatFeed.Merge(s.masterFeed.Snapshot())
	s.global = firewall.New(cfg, s.clk, s.globalSet.Engines(),
		firewall.WithOnBlock(s.blockSink))

	s.principals, _ = lru.NewWithEvict(maxPrincipals, func(key, _ any) {
		s.metrics.ActiveFirewalls.Dec()
		slog.Info("principal firewall evicted", "principal", key)
	})

	addrs, sels, _ := s.masterFeed.Counts()
	s.metrics.ThreatFeedSize.Set(float64(addrs + sels))
	slog.Info("intercept proxy initialized", "upstream", upstream, "seed_indicators", seeded)
	return s
}

// Router wires the HTTP surface.
func (s *Server) Router(limiter *middleware.RequestLimiter) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/v1/{principal}", s.handlePrincipalRPC).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/threat-feed", s.handleThreatFeed).Methods(http.MethodGet)
	r.HandleFunc("/api/engines", s.handleEngines).Methods(http.MethodGet)
	r.HandleFunc("/api/blocks", s.handleBlocks).Methods(http.MethodGet)
	metricsHandler := promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
	r.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		s.refreshSevered()
		metricsHandler.ServeHTTP(w, req)
	}).Methods(http.MethodGet)

	var h http.Handler = r
	if limiter != nil {
		h = limiter.Wrap(h)
	}
	return middleware.CORS(h)
}

// MergeFeed folds a swarm snapshot into the master feed and every live
// firewall. Returns the number of new indicators on the master.
func (s *Server) MergeFeed(snap engine.FeedSnapshot) int {
	added := s.masterFeed.Merge(snap)
	s.globalSet.ThreatFeed.Merge(snap)

	s.mu.Lock()
	for _, key := range s.principals.Keys() {
		if v, ok := s.principals.Get(key); ok {
			v.(*principalState).set.ThreatFeed.Merge(snap)
		}
	}
	s.mu.Unlock()

	addrs, sels, _ := s.masterFeed.Counts()
	s.metrics.ThreatFeedSize.Set(float64(addrs + sels))
	if added > 0 {
		slog.Info("threat feed merged", "new_indicators", added, "version", snap.Version)
	}
	return added
}

// FeedSnapshot exports the master feed for swarm reporting.
func (s *Server) FeedSnapshot() engine.FeedSnapshot {
	return s.masterFeed.Snapshot()
}

// firewallFor returns the principal's firewall, creating it on first
// use. Creation is double-checked under the server lock so concurrent
// first requests build exactly one instance.
func (s *Server) firewallFor(ctx context.Context, principal string) *firewall.Firewall {
	s.mu.Lock()
	if v, ok := s.principals.Get(principal); ok {
		s.mu.Unlock()
		return v.(*principalState).fw
	}
	s.mu.Unlock()

	cfg := s.cfg
	if s.source != nil {
		cfg = s.source.Get(ctx, principal).Config
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.principals.Get(principal); ok {
		return v.(*principalState).fw
	}

	set := engine.NewSet(cfg, s.clk)
	set.ThreatFeed.Merge(s.masterFeed.Snapshot())
	fw := firewall.New(cfg, s.clk, set.Engines(),
		firewall.WithPrincipal(principal),
		firewall.WithOnBlock(s.blockSink))
	s.principals.Add(principal, &principalState{fw: fw, set: set})
	s.metrics.ActiveFirewalls.Inc()
	slog.Info("principal firewall created", "principal", principal)
	return fw
}

func (s *Server) blockSink(ev firewall.BlockEvent) {
	s.metrics.BlocksTotal.WithLabelValues(ev.Engine, string(ev.Code)).Inc()
	s.refreshSevered()
	if s.onBlock != nil {
		s.onBlock(ev)
	}
}

// refreshSevered recomputes the severed-firewalls gauge over every live
// firewall. Called on each block event and on every metrics scrape so an
// expired sever drops the gauge without new traffic.
func (s *Server) refreshSevered() {
	count := 0
	if s.global.Severed() {
		count++
	}
	s.mu.Lock()
	for _, key := range s.principals.Keys() {
		if v, ok := s.principals.Get(key); ok && v.(*principalState).fw.Severed() {
			count++
		}
	}
	s.mu.Unlock()
	s.metrics.SeveredFirewalls.Set(float64(count))
}
