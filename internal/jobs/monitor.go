// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package jobs

import (
	"context"
	"time"

	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/metrics"
	"github.com/rs/zerolog"
)

// MonitorConfig controls the lifecycle monitor's sweep cadence and
// stall/backoff thresholds.
type MonitorConfig struct {
	TickInterval   time.Duration
	StallThreshold time.Duration
	BaseBackoff    time.Duration
}

// Monitor is a singleton background task that reclaims stalled RUNNING
// jobs and re-dispatches backed-off FAILED jobs. The stall sweep is a single
// filtered UPDATE ... RETURNING id rather than a read-then-write round
// trip, so the transition is itself the compare-and-swap; the backoff sweep
// reads its FAILED candidates first and then re-dispatches each one with an
// UPDATE guarded on state = FAILED.
type Monitor struct {
	plane  *Plane
	cfg    MonitorConfig
	logger zerolog.Logger
}

// NewMonitor returns a Monitor bound to plane.
func NewMonitor(plane *Plane, cfg MonitorConfig, logger zerolog.Logger) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 2 * time.Minute
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	return &Monitor{plane: plane, cfg: cfg, logger: logger.With().Str("component", "lifecycle_monitor").Logger()}
}

// Run blocks, sweeping on cfg.TickInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStalled(ctx)
			m.sweepBackedOff(ctx)
		}
	}
}

// sweepStalled reclaims RUNNING jobs whose claimedAt predates the stall
// threshold, returning them to DISPATCHED with attempt unchanged.
func (m *Monitor) sweepStalled(ctx context.Context) {
	metrics.RecordLifecycleSweep("stall")
	cutoff := time.Now().Add(-m.cfg.StallThreshold)

	var ids []string
	err := m.plane.pool.SelectContext(ctx, &ids, `
		UPDATE jobs SET state = $1, owner_id = '', updated_at = now()
		WHERE state = $2 AND claimed_at < $3
		RETURNING id`,
		domain.JobDispatched, domain.JobRunning, cutoff,
	)
	if err != nil {
		m.logger.Warn().Err(err).Msg("stall sweep failed")
		return
	}

	metrics.RecordLifecycleReclaimed("stall", len(ids))
	for _, id := range ids {
		metrics.RecordJobTransition(string(domain.JobRunning), string(domain.JobDispatched), "")
		m.plane.publish(ctx, domain.JobEvent{Type: domain.JobEventDispatched, JobID: id})
	}
}

// sweepBackedOff re-dispatches FAILED jobs within their retry budget once
// an exponential backoff window (base * 2^(attempt-1)) has elapsed since
// their last update.
func (m *Monitor) sweepBackedOff(ctx context.Context) {
	metrics.RecordLifecycleSweep("backoff")

	var candidates []domain.Job
	err := m.plane.pool.SelectContext(ctx, &candidates, `
		SELECT id, project_id, type, payload, state, attempt, max_retries, unique_key, asset_key, error, created_at, updated_at, claimed_at, owner_id
		FROM jobs WHERE state = $1 AND attempt <= max_retries`,
		domain.JobFailed,
	)
	if err != nil {
		m.logger.Warn().Err(err).Msg("backoff sweep query failed")
		return
	}

	reclaimed := 0
	now := time.Now()
	for _, job := range candidates {
		shift := job.Attempt - 1
		if shift < 0 {
			shift = 0
		}
		backoff := m.cfg.BaseBackoff << uint(shift)
		if now.Sub(job.UpdatedAt) < backoff {
			continue
		}

		res, err := m.plane.pool.ExecContext(ctx, `
			UPDATE jobs SET state = $2, updated_at = now()
			WHERE id = $1 AND state = $3`,
			job.ID, domain.JobDispatched, domain.JobFailed,
		)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("backoff redispatch failed")
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reclaimed++
			metrics.RecordJobTransition(string(domain.JobFailed), string(domain.JobDispatched), string(job.Type))
			m.plane.publish(ctx, domain.JobEvent{Type: domain.JobEventDispatched, JobID: job.ID, ProjectID: job.ProjectID})
		}
	}
	metrics.RecordLifecycleReclaimed("backoff", reclaimed)
}
