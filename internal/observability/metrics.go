package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the deposit engine.
type Metrics struct {
	// --- Submission ---
	DepositsSubmitted *prometheus.CounterVec
	DepositRejections *prometheus.CounterVec
	SubmitDuration    *prometheus.HistogramVec

	// --- Lifecycle ---
	DepositTransitions  *prometheus.CounterVec
	ConfirmationUpdates *prometheus.CounterVec
	LedgerInstructions  *prometheus.CounterVec
	TransitionConflicts prometheus.Counter
	IntegrityErrors     *prometheus.CounterVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram

	// --- Outbox ---
	OutboxPublished  *prometheus.CounterVec
	OutboxErrors     *prometheus.CounterVec
	OutboxBacklog    prometheus.Gauge
	OutboxPublishDur prometheus.Histogram

	// --- Ingestion ---
	NATSMessages *prometheus.CounterVec

	// --- Sweeper ---
	StaleOpenDeposits *prometheus.GaugeVec
	SweeperRuns       *prometheus.CounterVec

	// --- Reference data ---
	AssetCacheLookups *prometheus.CounterVec

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
	RateLimited *prometheus.CounterVec
}

// NewMetrics registers every metric on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		DepositsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_submissions_total",
			Help: "Deposit submissions by purpose and result",
		}, []string{"purpose", "result"}),
		DepositRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_rejections_total",
			Help: "Rejected submissions by error kind",
		}, []string{"kind"}),
		SubmitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deposit_submit_duration_seconds",
			Help:    "End-to-end submission latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"purpose"}),

		DepositTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_transitions_total",
			Help: "Committed lifecycle transitions",
		}, []string{"from", "to"}),
		ConfirmationUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_confirmation_updates_total",
			Help: "Watcher confirmation updates by outcome",
		}, []string{"outcome"}),
		LedgerInstructions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_ledger_instructions_total",
			Help: "Credit and debit instructions emitted",
		}, []string{"kind"}),
		TransitionConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "deposit_transition_conflicts_total",
			Help: "Optimistic version conflicts retried",
		}),
		IntegrityErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_integrity_errors_total",
			Help: "Integrity-class errors by kind",
		}, []string{"kind"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_idempotency_duplicates_total",
			Help: "Redelivered inbound messages by dedup tier",
		}, []string{"tier"}),
		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "deposit_dedup_lru_size",
			Help: "Entries in the tier-1 dedup cache",
		}),
		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deposit_dedup_tier2_duration_seconds",
			Help:    "Tier-2 dedup lookup latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),

		OutboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_outbox_published_total",
			Help: "Outbox events published by type",
		}, []string{"event_type"}),
		OutboxErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_outbox_errors_total",
			Help: "Outbox relay failures by stage",
		}, []string{"stage"}),
		OutboxBacklog: f.NewGauge(prometheus.GaugeOpts{
			Name: "deposit_outbox_backlog",
			Help: "Unpublished events fetched on the last poll",
		}),
		OutboxPublishDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deposit_outbox_publish_duration_seconds",
			Help:    "Time to publish and mark one outbox batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		NATSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_nats_messages_total",
			Help: "Inbound NATS messages by kind and result",
		}, []string{"kind", "result"}),

		StaleOpenDeposits: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deposit_stale_open",
			Help: "Open deposits past the stale threshold, by status",
		}, []string{"status"}),
		SweeperRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_sweeper_runs_total",
			Help: "Stale sweeper runs by result",
		}, []string{"result"}),

		AssetCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_asset_cache_lookups_total",
			Help: "Asset config cache lookups by result",
		}, []string{"result"}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_api_requests_total",
			Help: "API requests by transport, route and code",
		}, []string{"transport", "route", "code"}),
		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deposit_api_request_duration_seconds",
			Help:    "API latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport", "route"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_api_rate_limited_total",
			Help: "Requests rejected by the per-user limiter",
		}, []string{"route"}),
	}
}
