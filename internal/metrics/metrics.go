package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics contains all Prometheus metrics for the gateway
type GatewayMetrics struct {
	// Guard metrics
	GuardDecisions  *prometheus.CounterVec
	GuardLatency    *prometheus.HistogramVec
	ThreatsDetected *prometheus.CounterVec
	PIIMatches      *prometheus.CounterVec

	// Cache metrics
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheEntries prometheus.Gauge

	// Policy metrics
	PolicyDenials  *prometheus.CounterVec
	BudgetSpent    prometheus.Gauge
	CostCommitted  prometheus.Counter
	TokensSaved    prometheus.Counter
	RouterFallback *prometheus.CounterVec

	// Upstream metrics
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec

	// Knowledge ingestion metrics
	SamplesIngested prometheus.Counter
	SamplesDropped  prometheus.Counter
	SamplesFailed   prometheus.Counter
	IngestQueueSize prometheus.Gauge

	// Provenance metrics
	ProvenanceAppends  prometheus.Counter
	ProvenanceFailures prometheus.Counter

	// Shadow evaluation metrics
	ShadowDivergences *prometheus.CounterVec

	// Alert delivery metrics
	AlertsDelivered  *prometheus.CounterVec
	WebSocketClients prometheus.Gauge
}

// New creates the gateway metric set registered on the default registry.
func New(namespace string) *GatewayMetrics {
	if namespace == "" {
		namespace = "promptguard"
	}

	return &GatewayMetrics{
		// Guard metrics
		GuardDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_decisions_total",
				Help:      "Total guard decisions by action",
			},
			[]string{"action", "direction"},
		),
		GuardLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "guard_latency_seconds",
				Help:      "Guard pipeline latency per stage",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"stage"},
		),
		ThreatsDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "threats_detected_total",
				Help:      "Total threats detected by category and source",
			},
			[]string{"category", "source"},
		),
		PIIMatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pii_matches_total",
				Help:      "Total PII matches by class and direction",
			},
			[]string{"class", "direction"},
		),

		// Cache metrics
		CacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total response cache hits",
			},
		),
		CacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total response cache misses",
			},
		),
		CacheEntries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Current number of live cache entries",
			},
		),

		// Policy metrics
		PolicyDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total policy denials by reason",
			},
			[]string{"reason"},
		),
		BudgetSpent: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_spent_usd",
				Help:      "Committed spend for the current UTC day",
			},
		),
		CostCommitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_committed_usd_total",
				Help:      "Cumulative committed upstream cost",
			},
		),
		TokensSaved: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compression_tokens_saved_total",
				Help:      "Total prompt tokens removed by compression",
			},
		),
		RouterFallback: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "router_downgrades_total",
				Help:      "Total cost-driven model downgrades",
			},
			[]string{"from_tier", "to_tier"},
		),

		// Upstream metrics
		UpstreamRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Total upstream provider requests",
			},
			[]string{"provider", "result"},
		),
		UpstreamLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_latency_seconds",
				Help:      "Upstream provider response latency",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		// Knowledge ingestion metrics
		SamplesIngested: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_ingested_total",
				Help:      "Total attack samples written to the knowledge store",
			},
		),
		SamplesDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_dropped_total",
				Help:      "Total samples dropped at the ingestion high-water mark",
			},
		),
		SamplesFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_failed_total",
				Help:      "Total sample ingestion failures",
			},
		),
		IngestQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ingest_queue_depth",
				Help:      "Current ingestion queue depth",
			},
		),

		// Provenance metrics
		ProvenanceAppends: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provenance_appends_total",
				Help:      "Total provenance records appended",
			},
		),
		ProvenanceFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provenance_failures_total",
				Help:      "Total provenance write failures",
			},
		),

		// Shadow evaluation metrics
		ShadowDivergences: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shadow_divergences_total",
				Help:      "Total live/candidate verdict divergences",
			},
			[]string{"kind"},
		),

		// Alert delivery metrics
		AlertsDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_delivered_total",
				Help:      "Total alerts delivered by channel",
			},
			[]string{"channel", "result"},
		),
		WebSocketClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_clients",
				Help:      "Currently connected alert stream clients",
			},
		),
	}
}

// RecordDecision records a guard decision.
func (m *GatewayMetrics) RecordDecision(action, direction string, latencySeconds float64) {
	m.GuardDecisions.WithLabelValues(action, direction).Inc()
	m.GuardLatency.WithLabelValues(direction).Observe(latencySeconds)
}

// RecordThreat records one detected threat.
func (m *GatewayMetrics) RecordThreat(category, source string) {
	m.ThreatsDetected.WithLabelValues(category, source).Inc()
}

// RecordPII records a PII match.
func (m *GatewayMetrics) RecordPII(class, direction string) {
	m.PIIMatches.WithLabelValues(class, direction).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func (m *GatewayMetrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// RecordDenial records a policy denial.
func (m *GatewayMetrics) RecordDenial(reason string) {
	m.PolicyDenials.WithLabelValues(reason).Inc()
}

// RecordCommit records committed spend and updates the daily gauge.
func (m *GatewayMetrics) RecordCommit(costUSD, daySpentUSD float64) {
	m.CostCommitted.Add(costUSD)
	m.BudgetSpent.Set(daySpentUSD)
}

// RecordDowngrade records a cost-driven model downgrade.
func (m *GatewayMetrics) RecordDowngrade(fromTier, toTier string) {
	m.RouterFallback.WithLabelValues(fromTier, toTier).Inc()
}

// RecordUpstream records an upstream call outcome.
func (m *GatewayMetrics) RecordUpstream(provider string, err error, latencySeconds float64) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.UpstreamRequests.WithLabelValues(provider, result).Inc()
	m.UpstreamLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordAlert records an alert delivery attempt.
func (m *GatewayMetrics) RecordAlert(channel string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.AlertsDelivered.WithLabelValues(channel, result).Inc()
}

// Default is the process-wide metrics instance.
var Default = New("")
