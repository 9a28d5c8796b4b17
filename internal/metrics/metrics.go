// Package metrics provides Prometheus metrics for logpulse.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "logpulse"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// Collector metrics
var (
	// CollectorsActive tracks running collectors by source kind.
	CollectorsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "active",
			Help:      "Number of running collectors",
		},
		[]string{"kind"},
	)

	// CollectorEntriesTotal counts entries produced by collectors.
	CollectorEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "entries_total",
			Help:      "Total log entries produced by collectors",
		},
		[]string{"kind"},
	)

	// CollectorFailuresTotal counts collectors that could not start or gave up.
	CollectorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "failures_total",
			Help:      "Total collectors that failed to start or gave up reconnecting",
		},
		[]string{"kind"},
	)
)

// Ingest metrics
var (
	// IngestPending tracks entries waiting in the ingest queue.
	IngestPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "pending_entries",
			Help:      "Log entries waiting to be appended to storage",
		},
	)

	// IngestFilteredTotal counts entries dropped by the per-source level threshold.
	IngestFilteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "filtered_total",
			Help:      "Total entries below their source's minimum level",
		},
	)

	// IngestAppendedTotal counts entries appended to storage.
	IngestAppendedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "appended_total",
			Help:      "Total entries appended to storage",
		},
	)
)

// Storage metrics
var (
	// StorageEntries tracks entries currently held in the ring buffer.
	StorageEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "entries",
			Help:      "Log entries currently retained in memory",
		},
	)

	// StorageEvicted tracks entries evicted since start.
	StorageEvicted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "evicted_entries",
			Help:      "Log entries evicted from the ring buffer since start",
		},
	)

	// StorageQueryDuration tracks query latency.
	StorageQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "query_duration_seconds",
			Help:      "Storage query latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"operation"},
	)

	// StorageErrors counts storage operation errors.
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total storage operation errors",
		},
		[]string{"operation"},
	)
)

// Alerting metrics
var (
	// AlertsTriggeredTotal counts emitted alert events.
	AlertsTriggeredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "triggered_total",
			Help:      "Total alert events emitted",
		},
		[]string{"severity"},
	)

	// AlertsDroppedTotal counts alert events dropped because the channel was full.
	AlertsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "dropped_total",
			Help:      "Total alert events dropped due to a full alert channel",
		},
	)

	// AlertRulesActive tracks the enabled rules in the engine cache.
	AlertRulesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "rules_active",
			Help:      "Number of enabled alert rules loaded",
		},
	)

	// AlertRuleReloadErrors counts failed rule cache refreshes.
	AlertRuleReloadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "reload_errors_total",
			Help:      "Total failed rule cache refreshes",
		},
	)
)

// Hub metrics
var (
	// HubConnectionsActive tracks open WebSocket connections.
	HubConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections",
		},
	)

	// HubMessagesSentTotal counts messages queued to connections by type.
	HubMessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_sent_total",
			Help:      "Total messages queued to WebSocket connections",
		},
		[]string{"type"},
	)

	// HubMessagesDroppedTotal counts messages dropped on a full send queue.
	HubMessagesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped because a connection's send queue was full",
		},
	)

	// HubClientErrorsTotal counts rejected client messages.
	HubClientErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "client_errors_total",
			Help:      "Total malformed or rejected client messages",
		},
	)
)

// Notifier metrics
var (
	// NotificationsTotal counts notification attempts by notifier and result.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "notifications_total",
			Help:      "Total notification attempts",
		},
		[]string{"notifier", "result"}, // sent, failed, rate_limited
	)
)

// Info metric
var (
	// BuildInfo exposes build information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
