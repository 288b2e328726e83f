// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_pool_acquire_total",
		Help: "Total number of connection pool acquisitions by outcome",
	}, []string{"outcome"})

	PoolAcquireDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelctl_pool_acquire_duration_seconds",
		Help:    "Duration of connection pool acquisitions",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	PoolLeakedConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelctl_pool_leaked_connections_total",
		Help: "Total number of connections held beyond the leak-detection threshold",
	})

	PoolSlowQueriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelctl_pool_slow_queries_total",
		Help: "Total number of queries exceeding the configured slow-query threshold",
	})
)

// ObservePoolAcquire records the outcome and latency of a pool acquisition.
func ObservePoolAcquire(outcome string, d time.Duration) {
	PoolAcquireTotal.WithLabelValues(outcome).Inc()
	PoolAcquireDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
