// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package jobs is the durable job control plane: one row per unit of
// work, advanced only through compare-and-swap writes so concurrent
// workers and the lifecycle monitor never stomp on each other's updates.
package jobs

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/metrics"
)

// EventPublisher is the subset of the event bus the control plane needs;
// satisfied structurally by internal/eventbus.Bus without importing it.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event domain.JobEvent) error
}

// Plane is the job control plane bound to a connection pool and an
// optional event publisher (nil disables publishing, useful in tests).
type Plane struct {
	pool      *dbpool.Pool
	publisher EventPublisher
}

// New returns a Plane. publisher may be nil.
func New(pool *dbpool.Pool, publisher EventPublisher) *Plane {
	return &Plane{pool: pool, publisher: publisher}
}

// Init ensures the backing table exists.
func (p *Plane) Init(ctx context.Context) error {
	_, err := p.pool.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id          TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL,
			type        TEXT NOT NULL,
			payload     JSONB NOT NULL DEFAULT '{}',
			state       TEXT NOT NULL,
			attempt     INT NOT NULL DEFAULT 1,
			max_retries INT NOT NULL DEFAULT 0,
			unique_key  TEXT NOT NULL,
			asset_key   TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			claimed_at  TIMESTAMPTZ,
			owner_id    TEXT NOT NULL DEFAULT '',
			UNIQUE (project_id, unique_key)
		)`)
	if err != nil {
		return fmt.Errorf("jobs: init: %w", err)
	}
	return nil
}

// JobID derives a deterministic, replay-safe id for a (projectId, node,
// attempt, uniqueKey) tuple, so the command handler can compute the id of
// a job it is about to create (or has already created) without a round
// trip to the database.
func JobID(projectID, node string, attempt int, uniqueKey string) string {
	h := sha256.New()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(node))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(attempt)))
	h.Write([]byte{0})
	h.Write([]byte(uniqueKey))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// CreateJob is an idempotent insertion keyed by (projectId, uniqueKey): an
// existing row, terminal or not, is returned unchanged; only a genuinely
// new (projectId, uniqueKey) pair inserts a fresh CREATED row.
func (p *Plane) CreateJob(ctx context.Context, in domain.CreateJobInput) (domain.Job, error) {
	id := JobID(in.ProjectID, string(in.Type), 1, in.UniqueKey)

	var job domain.Job
	err := p.pool.GetContext(ctx, &job, `
		INSERT INTO jobs (id, project_id, type, payload, state, attempt, max_retries, unique_key, asset_key)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8)
		ON CONFLICT (project_id, unique_key) DO UPDATE SET project_id = jobs.project_id
		RETURNING id, project_id, type, payload, state, attempt, max_retries, unique_key, asset_key, error, created_at, updated_at, claimed_at, owner_id`,
		id, in.ProjectID, in.Type, in.Payload, domain.JobCreated, in.MaxRetries, in.UniqueKey, in.AssetKey,
	)
	if err != nil {
		metrics.RecordJobCreated(string(in.Type), "error")
		return domain.Job{}, fmt.Errorf("jobs: create job %s/%s: %w", in.ProjectID, in.UniqueKey, err)
	}

	outcome := "created"
	if job.ID != id {
		outcome = "existing"
	}
	metrics.RecordJobCreated(string(in.Type), outcome)
	return job, nil
}

// Dispatch transitions a job CREATED -> DISPATCHED and publishes
// JOB_DISPATCHED. Returns domain.ErrStaleWrite if the job was not in
// CREATED state (another caller already dispatched it).
func (p *Plane) Dispatch(ctx context.Context, jobID string) error {
	target, err := validateTransition(domain.JobCreated, domain.EventDispatch)
	if err != nil {
		return fmt.Errorf("jobs: dispatch %s: %w", jobID, err)
	}

	var projectID string
	err = p.pool.GetContext(ctx, &projectID, `
		UPDATE jobs SET state = $2, updated_at = now()
		WHERE id = $1 AND state = $3
		RETURNING project_id`,
		jobID, target, domain.JobCreated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("jobs: dispatch %s: %w", jobID, domain.ErrStaleWrite)
	}
	if err != nil {
		return fmt.Errorf("jobs: dispatch %s: %w", jobID, err)
	}

	metrics.RecordJobTransition(string(domain.JobCreated), string(target), "")
	p.publish(ctx, domain.JobEvent{Type: domain.JobEventDispatched, JobID: jobID, ProjectID: projectID})
	return nil
}

// ClaimJob atomically swaps a DISPATCHED or retry-eligible FAILED job to
// RUNNING, recording ownerID and claimedAt. Returns (domain.Job{}, false, nil)
// if no eligible row matched — not an error, just nothing to claim.
func (p *Plane) ClaimJob(ctx context.Context, jobID, ownerID string) (domain.Job, bool, error) {
	target, err := validateTransition(domain.JobDispatched, domain.EventClaim)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("jobs: claim %s: %w", jobID, err)
	}

	start := time.Now()
	var job domain.Job
	err = p.pool.GetContext(ctx, &job, `
		UPDATE jobs SET state = $2, owner_id = $3, claimed_at = now(), updated_at = now()
		WHERE id = $1
		  AND (state = $4 OR (state = $5 AND attempt <= max_retries))
		RETURNING id, project_id, type, payload, state, attempt, max_retries, unique_key, asset_key, error, created_at, updated_at, claimed_at, owner_id`,
		jobID, target, ownerID, domain.JobDispatched, domain.JobFailed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.WorkerClaimDuration.WithLabelValues("").Observe(time.Since(start).Seconds())
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("jobs: claim %s: %w", jobID, err)
	}

	metrics.WorkerClaimDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	metrics.RecordJobTransition(string(domain.JobDispatched), string(domain.JobRunning), string(job.Type))
	p.publish(ctx, domain.JobEvent{Type: domain.JobEventStarted, JobID: jobID, ProjectID: job.ProjectID})
	return job, true, nil
}

// Patch carries the fields updateJobSafe may set on a successful CAS.
// Event, when set alongside State, is validated against the job state
// graph before the write is attempted: State must be a legal target of
// Event from some source state, or the patch is rejected.
type Patch struct {
	State    *domain.JobState
	Event    domain.JobTransitionEvent
	Error    string
	AssetKey *string
}

// UpdateJobSafe compares-and-swaps on (id, attempt), applying patch only if
// the row's current attempt still equals expectedAttempt. A transition to
// COMPLETED or CANCELLED clears ownerId. Returns domain.ErrStaleWrite on a
// lost race, which is not itself a failure — callers re-read and retry.
func (p *Plane) UpdateJobSafe(ctx context.Context, jobID string, expectedAttempt int, patch Patch) error {
	return p.updateSafe(ctx, jobID, expectedAttempt, patch, false)
}

// UpdateJobSafeAndIncrementAttempt is UpdateJobSafe plus an atomic
// attempt := expectedAttempt + 1, used by the worker for retry accounting.
func (p *Plane) UpdateJobSafeAndIncrementAttempt(ctx context.Context, jobID string, expectedAttempt int, patch Patch) error {
	return p.updateSafe(ctx, jobID, expectedAttempt, patch, true)
}

func (p *Plane) updateSafe(ctx context.Context, jobID string, expectedAttempt int, patch Patch, incrementAttempt bool) error {
	if patch.State != nil && patch.Event != "" {
		if err := validateEventTarget(patch.Event, *patch.State); err != nil {
			return fmt.Errorf("jobs: update %s: %w", jobID, err)
		}
	}

	sets := []string{"updated_at = now()"}
	args := []any{jobID, expectedAttempt}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.State != nil {
		add("state", *patch.State)
		if *patch.State == domain.JobCompleted || *patch.State == domain.JobCancelled {
			sets = append(sets, "owner_id = ''")
		}
	}
	if patch.Error != "" {
		add("error", patch.Error)
	}
	if patch.AssetKey != nil {
		add("asset_key", *patch.AssetKey)
	}
	if incrementAttempt {
		sets = append(sets, "attempt = $2 + 1")
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $1 AND attempt = $2 RETURNING project_id", joinComma(sets))
	var projectID string
	err := p.pool.GetContext(ctx, &projectID, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("jobs: update %s: %w", jobID, domain.ErrStaleWrite)
	}
	if err != nil {
		return fmt.Errorf("jobs: update %s: %w", jobID, err)
	}

	if patch.State != nil {
		if *patch.State == domain.JobCompleted {
			p.publish(ctx, domain.JobEvent{Type: domain.JobEventCompleted, JobID: jobID, ProjectID: projectID})
		} else if *patch.State == domain.JobFailed || *patch.State == domain.JobFatal {
			p.publish(ctx, domain.JobEvent{Type: domain.JobEventFailed, JobID: jobID, ProjectID: projectID, Error: patch.Error})
		}
	}
	return nil
}

// GetJob returns a single job by id.
func (p *Plane) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	var job domain.Job
	err := p.pool.GetContext(ctx, &job, `
		SELECT id, project_id, type, payload, state, attempt, max_retries, unique_key, asset_key, error, created_at, updated_at, claimed_at, owner_id
		FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("jobs: get %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("jobs: get %s: %w", jobID, err)
	}
	return job, nil
}

// GetProjectJobs returns all jobs belonging to a project, most recent first.
func (p *Plane) GetProjectJobs(ctx context.Context, projectID string) ([]domain.Job, error) {
	var out []domain.Job
	err := p.pool.SelectContext(ctx, &out, `
		SELECT id, project_id, type, payload, state, attempt, max_retries, unique_key, asset_key, error, created_at, updated_at, claimed_at, owner_id
		FROM jobs WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("jobs: get project jobs %s: %w", projectID, err)
	}
	return out, nil
}

func (p *Plane) publish(ctx context.Context, ev domain.JobEvent) {
	if p.publisher == nil {
		return
	}
	_ = p.publisher.PublishJobEvent(ctx, ev)
}

func joinComma(parts []string) string {
	out := ""
	for i, s := range parts {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
