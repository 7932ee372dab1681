package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ForwardLedger.
type Metrics struct {
	// --- Engine ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreEventsEmitted    *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	ObservationGaps       *prometheus.CounterVec
	ObservationStale      *prometheus.CounterVec

	// --- Protocol ---
	MarketsDeployed    prometheus.Counter
	MarketsSettled     prometheus.Counter
	PositionsCreated   prometheus.Counter
	PositionsRejected  prometheus.Counter
	PositionsRedeemed  prometheus.Counter
	FeesRouted         *prometheus.CounterVec
	FeesDeferred       *prometheus.CounterVec
	OraclePriceUpdates *prometheus.CounterVec
	OracleRejections   *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken         prometheus.Counter
	SnapshotDuration      prometheus.Histogram
	SnapshotSizeBytes     prometheus.Gauge
	SnapshotLastSeq       prometheus.Gauge
	SnapshotArchiveErrors prometheus.Counter
	ReplayEventsTotal     prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	PublishDrops   prometheus.Counter

	// --- Keeper ---
	KeeperRuns     *prometheus.CounterVec
	KeeperDuration *prometheus.HistogramVec

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.5,
	}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_core_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"command"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_core_commands_rejected_total",
			Help: "Commands rejected, by error kind",
		}, []string{"command", "kind"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fwd_core_command_duration_seconds",
			Help:    "Time to execute a command",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		CoreEventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_core_events_emitted_total",
			Help: "Domain events sequenced by the engine",
		}, []string{"event_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_core_sequence",
			Help: "Next global sequence number",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fwd_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fwd_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fwd_channel_utilization",
			Help: "size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_projection_drops_total",
			Help: "Outputs dropped on a full non-blocking channel",
		}, []string{"channel"}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_idempotency_duplicates_total",
			Help: "Duplicate requests detected",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_dedup_lru_size",
			Help: "Request ids held in the dedup LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_dedup_lru_evictions_total",
			Help: "Dedup LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_dedup_tier2_errors_total",
			Help: "Failed Postgres dedup lookups",
		}),

		ObservationGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_observation_sequence_gaps_total",
			Help: "Price observation sequence gaps (tolerated)",
		}, []string{"pool"}),

		ObservationStale: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_observation_stale_total",
			Help: "Price observations dropped as replays or regressions",
		}, []string{"pool"}),

		MarketsDeployed: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_markets_deployed_total",
			Help: "Markets deployed",
		}),

		MarketsSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_markets_settled_total",
			Help: "Markets settled",
		}),

		PositionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_positions_created_total",
			Help: "Position pairs minted",
		}),

		PositionsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_positions_rejected_total",
			Help: "Deposits refunded because the market changed state",
		}),

		PositionsRedeemed: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_positions_redeemed_total",
			Help: "Redemptions",
		}),

		FeesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_fees_routed_total",
			Help: "Fee transfers delivered to the collector",
		}, []string{"kind"}),

		FeesDeferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_fees_deferred_total",
			Help: "Fee transfers left unrouted on the market",
		}, []string{"kind"}),

		OraclePriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_oracle_price_updates_total",
			Help: "Accepted oracle prices",
		}, []string{"pair"}),

		OracleRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_oracle_rejections_total",
			Help: "Rejected oracle prices",
		}, []string{"pair", "reason"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwd_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwd_persist_batch_duration_seconds",
			Help:    "Time to commit one batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwd_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		SnapshotArchiveErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_snapshot_archive_errors_total",
			Help: "Failed S3 snapshot uploads",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_replay_events_total",
			Help: "Commands replayed on startup",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_ingest_messages_total",
			Help: "NATS messages consumed",
		}, []string{"stream", "outcome"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_publish_drops_total",
			Help: "Outbound events dropped on a full publish channel",
		}),

		KeeperRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_keeper_runs_total",
			Help: "Keeper job runs",
		}, []string{"job", "outcome"}),

		KeeperDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fwd_keeper_duration_seconds",
			Help:    "Keeper job duration",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}, []string{"job"}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fwd_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
