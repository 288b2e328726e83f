// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_job_transitions_total",
		Help: "Total number of job state transitions by (from, to, type)",
	}, []string{"from", "to", "job_type"})

	JobCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_job_created_total",
		Help: "Total number of createJob calls by (job_type, outcome)",
	}, []string{"job_type", "outcome"})

	LifecycleSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_lifecycle_sweeps_total",
		Help: "Total number of lifecycle monitor sweep ticks by kind",
	}, []string{"kind"})

	LifecycleReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_lifecycle_reclaimed_total",
		Help: "Total number of jobs reclaimed by the lifecycle monitor by kind",
	}, []string{"kind"})

	LockAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_lock_acquire_total",
		Help: "Total number of lock acquisition attempts by outcome",
	}, []string{"outcome"})

	LedgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_ledger_appends_total",
		Help: "Total number of asset ledger version appends by asset_key",
	}, []string{"asset_key"})

	WorkerClaimDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelctl_worker_claim_duration_seconds",
		Help:    "Latency of claimJob calls observed by workers",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})

	WorkerAgentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelctl_worker_agent_duration_seconds",
		Help:    "Duration of agent execution by job type",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"job_type", "outcome"})
)

// RecordJobTransition records a job state transition.
func RecordJobTransition(from, to, jobType string) {
	JobTransitionsTotal.WithLabelValues(from, to, jobType).Inc()
}

// RecordJobCreated records the outcome of a createJob call.
func RecordJobCreated(jobType, outcome string) {
	JobCreatedTotal.WithLabelValues(jobType, outcome).Inc()
}

// RecordLifecycleSweep records one lifecycle monitor sweep tick.
func RecordLifecycleSweep(kind string) {
	LifecycleSweepsTotal.WithLabelValues(kind).Inc()
}

// RecordLifecycleReclaimed records jobs reclaimed in one sweep.
func RecordLifecycleReclaimed(kind string, n int) {
	if n <= 0 {
		return
	}
	LifecycleReclaimedTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordLockAcquire records the outcome of a lock acquisition attempt.
func RecordLockAcquire(outcome string) {
	LockAcquireTotal.WithLabelValues(outcome).Inc()
}

// RecordLedgerAppend records one version append for an asset key.
func RecordLedgerAppend(assetKey string) {
	LedgerAppendsTotal.WithLabelValues(assetKey).Inc()
}
