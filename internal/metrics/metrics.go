package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the intercept proxy. Each
// instance registers on its own registry so servers can be built
// independently.
type Metrics struct {
	Registry *prometheus.Registry

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Verdict metrics
	VerdictsTotal *prometheus.CounterVec
	BlocksTotal   *prometheus.CounterVec

	// Upstream metrics
	UpstreamErrors  prometheus.Counter
	UpstreamLatency prometheus.Histogram

	// State metrics
	ActiveFirewalls  prometheus.Gauge
	SeveredFirewalls prometheus.Gauge
	ThreatFeedSize   prometheus.Gauge
}

// New creates all proxy metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_requests_total",
				Help: "Total JSON-RPC requests received by the proxy",
			},
			[]string{"method", "class"}, // class: state_changing, read_only
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_request_duration_seconds",
				Help:    "End-to-end request handling latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		VerdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_verdicts_total",
				Help: "Firewall verdicts by code",
			},
			[]string{"code"},
		),

		BlocksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_blocks_total",
				Help: "Blocked transactions by engine",
			},
			[]string{"engine", "code"},
		),

		UpstreamErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_upstream_errors_total",
				Help: "Failed forwards to the upstream RPC",
			},
		),

		UpstreamLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aegis_upstream_latency_seconds",
				Help:    "Upstream RPC round-trip latency",
				Buckets: prometheus.DefBuckets,
			},
		),

		ActiveFirewalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_active_firewalls",
				Help: "Per-principal firewalls currently resident",
			},
		),

		SeveredFirewalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_severed_firewalls",
				Help: "Firewalls currently in sever lockout",
			},
		),

		ThreatFeedSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_threat_feed_indicators",
				Help: "Indicators loaded in the threat feed",
			},
		),
	}
}
