// Package metrics provides Prometheus metrics for the Canon pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed tracks inbound messages by outcome
	// (applied, skipped, dropped, parked, deferred, failed).
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "intake",
			Name:      "messages_total",
			Help:      "Total number of inbound messages by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	// RecordsParked tracks quarantined records by reason code.
	RecordsParked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "intake",
			Name:      "parked_total",
			Help:      "Total number of parked records by model and reason code",
		},
		[]string{"model", "reason"},
	)

	// CanonicalWrites tracks successful canonical applies.
	CanonicalWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "canonical",
			Name:      "writes_total",
			Help:      "Total number of canonical record writes",
		},
		[]string{"model"},
	)

	// VersionConflicts tracks optimistic write retries on the reference version.
	VersionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "canonical",
			Name:      "version_conflicts_total",
			Help:      "Total number of optimistic concurrency retries on canonical writes",
		},
		[]string{"model"},
	)

	// ProjectionTasksProcessed tracks materializer task handling by status
	// (materialized, coalesced, failed).
	ProjectionTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "projection",
			Name:      "tasks_total",
			Help:      "Total number of projection tasks processed by status",
		},
		[]string{"model", "view", "status"},
	)

	// ProcessingDuration tracks end-to-end message processing time.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "canon",
			Subsystem: "intake",
			Name:      "processing_duration_seconds",
			Help:      "Duration of message processing in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"model"},
	)
)
