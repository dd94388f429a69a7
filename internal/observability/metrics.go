package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncMetrics holds the collectors of one engine. They are registered against
// an explicit Registerer so several sessions can coexist in one process.
type SyncMetrics struct {
	// Emits counts outbound events by name.
	Emits *prometheus.CounterVec
	// AckTimeouts counts emits that never received an acknowledgement.
	AckTimeouts *prometheus.CounterVec
	// Reconnects counts redials after an unexpected drop.
	Reconnects prometheus.Counter
	// InboundEvents counts inbound events by name.
	InboundEvents *prometheus.CounterVec
	// OptimisticOutcomes counts pending entries by how they settled.
	OptimisticOutcomes *prometheus.CounterVec
	// StaleStatusIgnored counts status updates dropped by the rank rule.
	StaleStatusIgnored prometheus.Counter
	// Resyncs counts full conversation list refetches.
	Resyncs prometheus.Counter
	// CallOutcomes counts terminal call records by outcome.
	CallOutcomes *prometheus.CounterVec
	// UnreadTotal mirrors the global unread counter.
	UnreadTotal prometheus.Gauge
}

// NewSyncMetrics registers the engine collectors on reg. A nil reg uses a
// private registry, which keeps the collectors usable but unexported.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &SyncMetrics{
		Emits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lectern_sync_emits_total",
			Help: "Outbound sync events by name",
		}, []string{"event"}),
		AckTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lectern_sync_ack_timeouts_total",
			Help: "Emits that were not acknowledged in time",
		}, []string{"event"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "lectern_sync_reconnects_total",
			Help: "Redials after an unexpected channel drop",
		}),
		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lectern_sync_inbound_events_total",
			Help: "Inbound sync events by name",
		}, []string{"event"}),
		OptimisticOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lectern_sync_optimistic_outcomes_total",
			Help: "Optimistic entries by outcome (confirmed, failed, retried)",
		}, []string{"outcome"}),
		StaleStatusIgnored: f.NewCounter(prometheus.CounterOpts{
			Name: "lectern_sync_stale_status_ignored_total",
			Help: "Status updates rejected by the rank rule",
		}),
		Resyncs: f.NewCounter(prometheus.CounterOpts{
			Name: "lectern_sync_resyncs_total",
			Help: "Full conversation list resynchronizations",
		}),
		CallOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lectern_call_outcomes_total",
			Help: "Terminal call records by outcome",
		}, []string{"outcome"}),
		UnreadTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "lectern_sync_unread_total",
			Help: "Current global unread counter",
		}),
	}
}

// RelayMetrics holds the collectors of the relay service.
type RelayMetrics struct {
	// Connections is the gauge of live websocket connections.
	Connections prometheus.Gauge
	// Events counts handled events by name.
	Events *prometheus.CounterVec
	// BackpressureDrops counts frames dropped because a connection buffer was full.
	BackpressureDrops *prometheus.CounterVec
	// RedisErrors counts Redis errors by operation.
	RedisErrors *prometheus.CounterVec
}

// NewRelayMetrics registers the relay collectors on reg.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &RelayMetrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "lectern_relay_connections",
			Help: "Number of live websocket connections",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lectern_relay_events_total",
			Help: "Handled websocket events by name",
		}, []string{"event"}),
		BackpressureDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lectern_relay_backpressure_drops_total",
			Help: "Frames dropped due to backpressure",
		}, []string{"reason"}),
		RedisErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lectern_relay_redis_errors_total",
			Help: "Redis errors by operation",
		}, []string{"operation"}),
	}
}
