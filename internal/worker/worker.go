// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package worker runs the dispatch loop that claims DISPATCHED jobs off
// the job-events topic, executes the agent registered for each job's
// type, and reports the outcome back through the job control plane.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/eventbus"
	"github.com/ManuGH/reelctl/internal/jobs"
	"github.com/ManuGH/reelctl/internal/ledger"
	"github.com/ManuGH/reelctl/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Result is what an Agent returns on success.
type Result struct {
	// AssetKey identifies the artifact the agent produced, if any.
	AssetKey string
	// Assets, when non-empty, is versioned into the ledger under AssetKey
	// before the job is marked COMPLETED, so no completion is observable
	// to the rest of the pipeline before its asset history is durable.
	Assets []ledger.AssetInput
	// Event, when non-nil, is published on the pipeline-events topic so
	// the UI reflects the new asset without waiting on a separate poll.
	Event *domain.PipelineEvent
}

// Agent executes one job type. ctx is cancelled if a cancellation for the
// job's project (published on STOP_PIPELINE) arrives while it is running.
type Agent interface {
	Run(ctx context.Context, payload domain.JobPayload) (Result, error)
}

// Registry maps a job type to the agent that executes it.
type Registry map[domain.JobType]Agent

// Bus is the subset of eventbus.Bus a worker needs.
type Bus interface {
	SubscribeJobEvents(ctx context.Context, group, consumer string, types []domain.JobEventType, handler eventbus.Handler) error
	SubscribeCancellations(ctx context.Context, group, consumer string, handler eventbus.Handler) error
	PublishPipelineEvent(ctx context.Context, ev domain.PipelineEvent) error
}

// Config tunes one worker instance.
type Config struct {
	// WorkerID identifies this process as both the job-events consumer
	// name and the owner recorded on claimed jobs.
	WorkerID string
	// Concurrency bounds the number of jobs this worker runs at once.
	Concurrency int
	// SafetyRetries is the total number of times an agent is run for one
	// job while it keeps returning ErrSafetyFiltered; if the last run is
	// still filtered the job goes FATAL. Each run gets the same payload.
	SafetyRetries int
}

// Worker claims and executes jobs dispatched to the "workers" consumer
// group, one goroutine per claimed job, bounded by a semaphore.
type Worker struct {
	cfg      Config
	bus      Bus
	jobPlane *jobs.Plane
	ledger   *ledger.Ledger
	registry Registry
	logger   zerolog.Logger

	sem chan struct{}

	mu      sync.Mutex
	nextID  int
	cancels map[string]map[int]context.CancelFunc // keyed by project id, then a per-registration token
}

// New returns a Worker. cfg.Concurrency and cfg.SafetyRetries are floored
// to 1 if given as zero or negative.
func New(cfg Config, bus Bus, jobPlane *jobs.Plane, led *ledger.Ledger, registry Registry, logger zerolog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SafetyRetries <= 0 {
		cfg.SafetyRetries = 1
	}
	return &Worker{
		cfg:      cfg,
		bus:      bus,
		jobPlane: jobPlane,
		ledger:   led,
		registry: registry,
		logger:   logger.With().Str("worker_id", cfg.WorkerID).Logger(),
		sem:      make(chan struct{}, cfg.Concurrency),
		cancels:  make(map[string]map[int]context.CancelFunc),
	}
}

// Run subscribes to dispatched jobs and cancellations and blocks until ctx
// is cancelled or either subscription returns a fatal error.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.bus.SubscribeJobEvents(ctx, "workers", w.cfg.WorkerID,
			[]domain.JobEventType{domain.JobEventDispatched}, w.onDispatched)
	})
	g.Go(func() error {
		return w.bus.SubscribeCancellations(ctx, "workers", w.cfg.WorkerID, w.onCancellation)
	})

	return g.Wait()
}

// onDispatched claims the job named in msg and, if claimed, hands it to a
// new goroutine for execution. The message is considered handled (and thus
// acked) whether or not anything was actually claimable — an unclaimable
// job just means another worker got there first.
func (w *Worker) onDispatched(ctx context.Context, msg eventbus.Message) error {
	var ev domain.JobEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		w.logger.Warn().Err(err).Msg("worker: malformed dispatch event")
		return nil
	}

	job, claimed, err := w.jobPlane.ClaimJob(ctx, ev.JobID, w.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("worker: claim %s: %w", ev.JobID, err)
	}
	if !claimed {
		return nil
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return nil
	}

	go func() {
		defer func() { <-w.sem }()
		w.execute(context.Background(), job)
	}()

	return nil
}

// onCancellation aborts every in-flight job belonging to the cancelled
// project by invoking the context.CancelFunc registered for it. Jobs that
// have already finished by the time this arrives are unaffected.
func (w *Worker) onCancellation(ctx context.Context, msg eventbus.Message) error {
	var ev domain.CancellationEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		w.logger.Warn().Err(err).Msg("worker: malformed cancellation event")
		return nil
	}

	w.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(w.cancels[ev.ProjectID]))
	for _, cancel := range w.cancels[ev.ProjectID] {
		cancels = append(cancels, cancel)
	}
	w.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// trackCancel registers cancel under projectID and returns a token to pass
// to untrackCancel once the job it belongs to finishes.
func (w *Worker) trackCancel(projectID string, cancel context.CancelFunc) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancels[projectID] == nil {
		w.cancels[projectID] = make(map[int]context.CancelFunc)
	}
	token := w.nextID
	w.nextID++
	w.cancels[projectID][token] = cancel
	return token
}

func (w *Worker) untrackCancel(projectID string, token int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancels[projectID], token)
	if len(w.cancels[projectID]) == 0 {
		delete(w.cancels, projectID)
	}
}

// execute runs the agent registered for job.Type and reports the outcome
// through the job control plane, which publishes JOB_COMPLETED/JOB_FAILED.
func (w *Worker) execute(parent context.Context, job domain.Job) {
	ctx, cancel := context.WithCancel(parent)
	token := w.trackCancel(job.ProjectID, cancel)
	defer func() {
		w.untrackCancel(job.ProjectID, token)
		cancel()
	}()

	logger := w.logger.With().
		Str("job_id", job.ID).
		Str("project_id", job.ProjectID).
		Str("job_type", string(job.Type)).
		Logger()

	agent, ok := w.registry[job.Type]
	if !ok {
		w.fail(ctx, job, domain.ErrValidationf("no agent registered for job type %s", job.Type))
		return
	}

	start := time.Now()
	result, err := w.runWithSafetyRetries(ctx, agent, job.Payload)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}
		metrics.WorkerAgentDuration.WithLabelValues(string(job.Type), outcome).Observe(duration.Seconds())
		logger.Warn().Err(err).Dur("duration", duration).Msg("worker: agent failed")
		w.fail(ctx, job, err)
		return
	}

	metrics.WorkerAgentDuration.WithLabelValues(string(job.Type), "success").Observe(duration.Seconds())
	logger.Info().Dur("duration", duration).Msg("worker: agent succeeded")
	w.complete(ctx, job, result)
}

// runWithSafetyRetries runs agent at most cfg.SafetyRetries times in total,
// running it again only after an ErrSafetyFiltered response; any other
// error returns immediately.
func (w *Worker) runWithSafetyRetries(ctx context.Context, agent Agent, payload domain.JobPayload) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.SafetyRetries; attempt++ {
		result, err := agent.Run(ctx, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrSafetyFiltered) {
			return Result{}, err
		}
	}
	return Result{}, lastErr
}

func (w *Worker) complete(ctx context.Context, job domain.Job, result Result) {
	if len(result.Assets) > 0 {
		if err := w.ledger.CreateVersionedAssets(ctx, result.AssetKey, result.Assets); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("worker: failed to version job assets")
			w.fail(ctx, job, fmt.Errorf("worker: version assets: %w", err))
			return
		}
	}

	state := domain.JobCompleted
	patch := jobs.Patch{State: &state, Event: domain.EventComplete}
	if result.AssetKey != "" {
		assetKey := result.AssetKey
		patch.AssetKey = &assetKey
	}

	if err := w.jobPlane.UpdateJobSafe(ctx, job.ID, job.Attempt, patch); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("worker: failed to mark job complete")
		return
	}

	if result.Event != nil {
		if err := w.bus.PublishPipelineEvent(ctx, *result.Event); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("worker: failed to publish pipeline event")
		}
	}
}

// fail classifies err and records the job's next state. Validation and
// safety-filter errors are terminal (FATAL, requiring operator
// intervention); everything else is a retryable FAILED with its attempt
// counter incremented, left for the lifecycle monitor or a future claim to
// pick back up within maxRetries.
func (w *Worker) fail(ctx context.Context, job domain.Job, cause error) {
	state := domain.JobFailed
	event := domain.EventFail
	if errors.Is(cause, domain.ErrValidation) || errors.Is(cause, domain.ErrSafetyFiltered) {
		state = domain.JobFatal
		event = domain.EventExhaust
	}

	patch := jobs.Patch{State: &state, Event: event, Error: truncateError(cause)}
	if err := w.jobPlane.UpdateJobSafeAndIncrementAttempt(ctx, job.ID, job.Attempt, patch); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("worker: failed to record job failure")
	}
}

// truncateError keeps published error text from blowing up downstream
// logs and UI payloads.
func truncateError(err error) string {
	msg := err.Error()
	const max = 200
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
