// Package metrics provides Prometheus metrics for the merge service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MergesTotal tracks merge attempts by resource type and outcome
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "merge",
			Name:      "merges_total",
			Help:      "Total number of merge attempts by resource type and status",
		},
		[]string{"resource_type", "status"},
	)

	// MergeDuration tracks merge duration in seconds
	MergeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Duration of merge operations in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"resource_type"},
	)

	// MergeFailures tracks failed merges by the step that failed
	MergeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "merge",
			Name:      "failures_total",
			Help:      "Total number of failed merges by failed step",
		},
		[]string{"resource_type", "step"},
	)

	// OrphanDeleteFailures tracks deprecated rows left behind after a successful merge
	OrphanDeleteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "merge",
			Name:      "orphan_delete_failures_total",
			Help:      "Total number of deprecated rows that could not be deleted",
		},
		[]string{"resource_type"},
	)

	// SnapshotsRewritten tracks schedule snapshots rewritten by merges
	SnapshotsRewritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "snapshot",
			Name:      "rewritten_total",
			Help:      "Total number of schedule snapshots rewritten",
		},
		[]string{"resource_type"},
	)

	// RowsTouched tracks dependent rows repointed or deleted
	RowsTouched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "merge",
			Name:      "rows_touched_total",
			Help:      "Total number of dependent rows repointed or deleted",
		},
		[]string{"resource_type", "kind", "action"},
	)
)

// RecordMerge records a completed merge attempt
func RecordMerge(resourceType, status string, durationSeconds float64) {
	MergesTotal.WithLabelValues(resourceType, status).Inc()
	MergeDuration.WithLabelValues(resourceType).Observe(durationSeconds)
}

// RecordMergeFailure records the step a merge failed at
func RecordMergeFailure(resourceType, step string) {
	MergeFailures.WithLabelValues(resourceType, step).Inc()
}

// RecordOrphanDeleteFailure records a deprecated row left behind
func RecordOrphanDeleteFailure(resourceType string) {
	OrphanDeleteFailures.WithLabelValues(resourceType).Inc()
}

// RecordSnapshotsRewritten records rewritten schedule snapshots
func RecordSnapshotsRewritten(resourceType string, count int) {
	if count > 0 {
		SnapshotsRewritten.WithLabelValues(resourceType).Add(float64(count))
	}
}

// RecordRows records dependent rows repointed or deleted
func RecordRows(resourceType, kind, action string, count int) {
	if count > 0 {
		RowsTouched.WithLabelValues(resourceType, kind, action).Add(float64(count))
	}
}
