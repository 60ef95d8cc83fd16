package telemetry

import "github.com/prometheus/client_golang/prometheus"

// CodespaceEvictionsTotal counts watcher-driven stop-on-quota-exhaustion events.
var CodespaceEvictionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "codespace",
		Subsystem: "lifecycle",
		Name:      "evictions_total",
		Help:      "Total number of codespaces stopped by the watcher for quota exhaustion.",
	},
)

// CodespaceStartsTotal counts start attempts by outcome.
var CodespaceStartsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "codespace",
		Subsystem: "lifecycle",
		Name:      "starts_total",
		Help:      "Total number of start() calls by outcome.",
	},
	[]string{"outcome"},
)

// CodespaceStopsTotal counts stop attempts by outcome.
var CodespaceStopsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "codespace",
		Subsystem: "lifecycle",
		Name:      "stops_total",
		Help:      "Total number of stop() calls by outcome.",
	},
	[]string{"outcome"},
)

// WatchTickDuration tracks how long a full watchAll sweep takes.
var WatchTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "codespace",
		Subsystem: "watcher",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a full watchAll sweep across the roster.",
		Buckets:   prometheus.DefBuckets,
	},
)

// AdapterCallDuration tracks orchestrator adapter call latency by operation.
var AdapterCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "codespace",
		Subsystem: "orchestrator",
		Name:      "call_duration_seconds",
		Help:      "Orchestrator adapter call duration in seconds, by operation.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"op"},
)

// NotificationsTotal counts best-effort Slack notifications sent by type.
var NotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "codespace",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Total number of notifications sent by type.",
	},
	[]string{"type"},
)

// Collectors returns all codespace-specific metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CodespaceEvictionsTotal,
		CodespaceStartsTotal,
		CodespaceStopsTotal,
		WatchTickDuration,
		AdapterCallDuration,
		NotificationsTotal,
	}
}
