package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConflictsResolved counts documents whose conflicts were resolved.
	ConflictsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_conflicts_resolved_total",
			Help: "Total number of document conflicts resolved",
		},
	)

	// ConflictResolutionFailures counts documents skipped by a sweep because
	// resolution failed; they are retried on the next sweep.
	ConflictResolutionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_conflict_resolution_failures_total",
			Help: "Total number of conflict resolutions that failed and were skipped",
		},
	)

	// ConflictSweepDuration observes the duration of full resolver sweeps.
	ConflictSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_conflict_sweep_duration_seconds",
			Help:    "Duration of conflict resolver sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CompactionRowsRemoved counts rows removed by store compaction.
	CompactionRowsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_compaction_rows_removed_total",
			Help: "Total number of rows removed by store compaction",
		},
	)

	// SessionsSwept counts refresh tokens dropped by the expiry sweep.
	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_sessions_swept_total",
			Help: "Total number of expired refresh tokens dropped by the sweep",
		},
	)
)
