// Package metrics holds the Prometheus collectors exported by unisync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncOperations counts single-entity syncs by kind, direction and outcome
	SyncOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisync_sync_operations_total",
			Help: "Total number of entity sync operations",
		},
		[]string{"kind", "direction", "result"},
	)

	// SyncBatchDuration tracks how long batch syncs take
	SyncBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unisync_sync_batch_duration_seconds",
			Help:    "Batch sync duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// SyncSkipped counts batch runs rejected by the single-flight guard or health gate
	SyncSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisync_sync_skipped_total",
			Help: "Total number of batch syncs that did not run",
		},
		[]string{"reason"},
	)

	// PendingEntities reports the last observed backlog
	PendingEntities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unisync_pending_entities",
			Help: "Entities waiting for sync, by kind and status",
		},
		[]string{"kind", "status"},
	)

	// CacheLookups counts cache reads by tier (memory, store) and outcome
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisync_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"tier", "result"},
	)

	// HealthProbes counts external health probes by outcome
	HealthProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisync_health_probes_total",
			Help: "Total number of external service health probes",
		},
		[]string{"result"},
	)

	// ExternalHealthy is 1 when the last probe succeeded
	ExternalHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unisync_external_healthy",
			Help: "Whether the external service was healthy at the last probe",
		},
	)

	// Retries counts retry attempts by operation
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisync_retries_total",
			Help: "Total number of retried attempts",
		},
		[]string{"operation"},
	)

	// RouterSource counts which source served a router call
	RouterSource = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisync_router_source_total",
			Help: "Router calls by operation and serving source",
		},
		[]string{"operation", "source"},
	)

	// ExternalRequests counts external HTTP calls by endpoint and error kind
	ExternalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unisync_external_requests_total",
			Help: "Total number of external service requests",
		},
		[]string{"endpoint", "result"},
	)

	// ExternalLatency tracks external call latency
	ExternalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unisync_external_latency_seconds",
			Help:    "External service call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// BreakerState is 0 closed, 1 open, 2 half-open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unisync_breaker_state",
			Help: "Circuit breaker state per provider",
		},
		[]string{"provider"},
	)
)
