package p2p

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for the connectivity subsystem. Registration is process-wide and
// idempotent; every component shares the one set.
type metricsSet struct {
	DialsTotal         *prometheus.CounterVec
	DialDuration       prometheus.Histogram
	HandshakeFailures  *prometheus.CounterVec
	ConnectionsCurrent *prometheus.GaugeVec
	BansTotal          *prometheus.CounterVec
	MessagesIn         *prometheus.CounterVec
	MessagesOut        *prometheus.CounterVec
	DuplicatesDropped  prometheus.Counter
	DedupCacheSize     prometheus.Gauge
	SendRetries        prometheus.Counter
	StatusValue        prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metrics     *metricsSet
)

func getMetrics() *metricsSet {
	metricsOnce.Do(func() {
		metrics = &metricsSet{
			DialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "filament_p2p_dials_total",
				Help: "Outbound dial attempts by result.",
			}, []string{"result"}),
			DialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "filament_p2p_dial_duration_seconds",
				Help:    "Wall time of successful dials, transport connect through upgrade.",
				Buckets: prometheus.DefBuckets,
			}),
			HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "filament_p2p_handshake_failures_total",
				Help: "Upgrade failures by stage.",
			}, []string{"stage"}),
			ConnectionsCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "filament_p2p_connections",
				Help: "Live upgraded connections by direction.",
			}, []string{"direction"}),
			BansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "filament_p2p_bans_total",
				Help: "Peer bans issued by severity.",
			}, []string{"severity"}),
			MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "filament_p2p_messages_in_total",
				Help: "Inbound envelopes by outcome.",
			}, []string{"outcome"}),
			MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "filament_p2p_messages_out_total",
				Help: "Outbound envelopes by strategy.",
			}, []string{"strategy"}),
			DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "filament_p2p_duplicates_dropped_total",
				Help: "Inbound envelopes dropped by the dedup cache.",
			}),
			DedupCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "filament_p2p_dedup_cache_entries",
				Help: "Entries currently tracked by the dedup cache.",
			}),
			SendRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "filament_p2p_send_retries_total",
				Help: "Outbound send attempts beyond the first.",
			}),
			StatusValue: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "filament_p2p_connectivity_status",
				Help: "Connectivity status: 0 initializing, 1 offline, 2 degraded, 3 online.",
			}),
		}
		prometheus.MustRegister(
			metrics.DialsTotal,
			metrics.DialDuration,
			metrics.HandshakeFailures,
			metrics.ConnectionsCurrent,
			metrics.BansTotal,
			metrics.MessagesIn,
			metrics.MessagesOut,
			metrics.DuplicatesDropped,
			metrics.DedupCacheSize,
			metrics.SendRetries,
			metrics.StatusValue,
		)
	})
	return metrics
}
