// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package command implements the pipeline command handler: it consumes
// commands from the commands topic, mutates project state, and advances the
// job DAG by dispatching the next stage's work units once the prior stage's
// are all COMPLETED.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/jobs"
	"github.com/ManuGH/reelctl/internal/ledger"
	"github.com/ManuGH/reelctl/internal/lock"
	"github.com/ManuGH/reelctl/internal/repository"
)

// ProjectLockLease bounds how long the project lock may be held across a
// single command or progression step.
const ProjectLockLease = 10 * time.Second

// Publisher is the subset of internal/eventbus.Bus the command handler
// needs; satisfied structurally so this package never imports eventbus.
type Publisher interface {
	PublishJobEvent(ctx context.Context, ev domain.JobEvent) error
	PublishPipelineEvent(ctx context.Context, ev domain.PipelineEvent) error
	PublishCancellation(ctx context.Context, ev domain.CancellationEvent) error
}

// Handler dispatches commands and advances the pipeline's job DAG.
type Handler struct {
	repo      *repository.Repository
	jobPlane  *jobs.Plane
	locks     *lock.Manager
	ledger    *ledger.Ledger
	publisher Publisher
	ownerID   string
}

// New returns a command Handler.
func New(repo *repository.Repository, jobPlane *jobs.Plane, locks *lock.Manager, led *ledger.Ledger, publisher Publisher, ownerID string) *Handler {
	return &Handler{repo: repo, jobPlane: jobPlane, locks: locks, ledger: led, publisher: publisher, ownerID: ownerID}
}

// Handle validates and dispatches cmd to the table entry for its Type.
func (h *Handler) Handle(ctx context.Context, cmd domain.Command) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("command: %w", err)
	}

	switch cmd.Type {
	case domain.CommandStartPipeline:
		return h.withProjectLock(ctx, cmd.ProjectID, h.handleStart)
	case domain.CommandResumePipeline:
		return h.withProjectLock(ctx, cmd.ProjectID, func(ctx context.Context, projectID string) error {
			return h.progress(ctx, projectID)
		})
	case domain.CommandRegenerateScene:
		return h.withProjectLock(ctx, cmd.ProjectID, func(ctx context.Context, projectID string) error {
			return h.handleRegenerateScene(ctx, projectID, cmd)
		})
	case domain.CommandRegenerateFrame:
		return h.withProjectLock(ctx, cmd.ProjectID, func(ctx context.Context, projectID string) error {
			return h.handleRegenerateFrame(ctx, projectID, cmd)
		})
	case domain.CommandUpdateSceneAsset:
		return h.handleUpdateSceneAsset(ctx, cmd)
	case domain.CommandResolveIntervention:
		return h.handleResolveIntervention(ctx, cmd)
	case domain.CommandStopPipeline:
		return h.publisher.PublishCancellation(ctx, domain.CancellationEvent{ProjectID: cmd.ProjectID})
	case domain.CommandRequestFullState:
		return h.handleRequestFullState(ctx, cmd.ProjectID)
	default:
		return domain.ErrUnknownCommandf(string(cmd.Type))
	}
}

// HandleJobCompletion reacts to a JOB_COMPLETED event. A storyboard- or
// audio-to-scenes job additionally materializes the produced scene list
// into the repository before the progression algorithm re-runs, since
// every later stage's work units are computed from project.Scenes.
func (h *Handler) HandleJobCompletion(ctx context.Context, ev domain.JobEvent) error {
	if ev.Type != domain.JobEventCompleted || ev.ProjectID == "" {
		return nil
	}
	return h.withProjectLock(ctx, ev.ProjectID, func(ctx context.Context, projectID string) error {
		job, err := h.jobPlane.GetJob(ctx, ev.JobID)
		if err != nil {
			return err
		}
		if job.Type == domain.JobGenerateStoryboard || job.Type == domain.JobProcessAudioToScenes {
			if err := h.materializeScenes(ctx, projectID); err != nil {
				return err
			}
		}
		return h.progress(ctx, projectID)
	})
}

// materializeScenes reads the scene list the storyboard job versioned into
// the ledger under the project entity and inserts it into the repository.
// A no-op once project.Scenes is already populated, so redelivery of the
// same JOB_COMPLETED event never double-inserts.
func (h *Handler) materializeScenes(ctx context.Context, projectID string) error {
	project, err := h.repo.GetProjectFullState(ctx, projectID)
	if err != nil {
		return err
	}
	if len(project.Scenes) > 0 {
		return nil
	}

	ref := domain.EntityRef{Type: domain.EntityProject, ID: projectID}
	best, err := h.ledger.GetBestVersion(ctx, []domain.EntityRef{ref}, domain.AssetKeyStoryboard)
	if err != nil {
		return fmt.Errorf("command: materialize scenes %s: %w", projectID, err)
	}
	version, ok := best[projectID]
	if !ok {
		return nil
	}

	var scenes []domain.Scene
	if err := json.Unmarshal([]byte(version.Data), &scenes); err != nil {
		return fmt.Errorf("command: unmarshal storyboard scenes %s: %w", projectID, err)
	}
	if len(scenes) == 0 {
		return nil
	}
	return h.repo.CreateScenes(ctx, projectID, scenes)
}

func (h *Handler) withProjectLock(ctx context.Context, projectID string, fn func(ctx context.Context, projectID string) error) error {
	name := lock.ProjectLockName(projectID)
	return h.locks.WithLease(ctx, name, h.ownerID, ProjectLockLease, func(ctx context.Context) error {
		return fn(ctx, projectID)
	})
}

func (h *Handler) handleStart(ctx context.Context, projectID string) error {
	project, err := h.repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != domain.ProjectDraft {
		return nil
	}

	status := domain.ProjectPending
	if err := h.repo.UpdateProject(ctx, projectID, repository.ProjectPatch{Status: &status}); err != nil {
		return err
	}
	return h.progress(ctx, projectID)
}

func (h *Handler) handleRegenerateScene(ctx context.Context, projectID string, cmd domain.Command) error {
	project, err := h.repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	forced := append(append([]string(nil), project.ForceRegenerateSceneIDs...), cmd.SceneID)
	if err := h.repo.UpdateProject(ctx, projectID, repository.ProjectPatch{ForceRegenerateSceneIDs: forced}); err != nil {
		return err
	}

	allJobs, err := h.jobPlane.GetProjectJobs(ctx, projectID)
	if err != nil {
		return err
	}
	n := nextVersion(allJobs, fmt.Sprintf("video:%s:%s:v", projectID, cmd.SceneID))

	return h.createAndDispatch(ctx, workUnit{
		projectID: projectID,
		jobType:   domain.JobGenerateSceneVideo,
		uniqueKey: fmt.Sprintf("video:%s:%s:v%d", projectID, cmd.SceneID, n),
		payload:   domain.JobPayload{"projectId": projectID, "sceneId": cmd.SceneID, "version": n},
	})
}

func (h *Handler) handleRegenerateFrame(ctx context.Context, projectID string, cmd domain.Command) error {
	allJobs, err := h.jobPlane.GetProjectJobs(ctx, projectID)
	if err != nil {
		return err
	}
	prefix := fmt.Sprintf("frame_render:%s:%s:%s:v", projectID, cmd.SceneID, cmd.FrameType)
	n := nextVersion(allJobs, prefix)

	payload := domain.JobPayload{"projectId": projectID, "sceneId": cmd.SceneID, "frameType": string(cmd.FrameType), "version": n}
	if cmd.PromptModification != "" {
		payload["promptModification"] = cmd.PromptModification
	}

	return h.createAndDispatch(ctx, workUnit{
		projectID: projectID,
		jobType:   domain.JobFrameRender,
		uniqueKey: fmt.Sprintf("%s%d", prefix, n),
		payload:   payload,
	})
}

func (h *Handler) handleUpdateSceneAsset(ctx context.Context, cmd domain.Command) error {
	ref := domain.EntityRef{Type: domain.EntityScene, ID: cmd.SceneID}
	return h.ledger.SetBestVersion(ctx, cmd.AssetKey, map[domain.EntityRef]int{ref: cmd.Version})
}

func (h *Handler) handleResolveIntervention(ctx context.Context, cmd domain.Command) error {
	job, err := h.jobPlane.GetJob(ctx, cmd.JobID)
	if err != nil {
		return err
	}

	switch cmd.Action {
	case domain.InterventionCancel:
		cancelled := domain.JobCancelled
		return h.jobPlane.UpdateJobSafe(ctx, cmd.JobID, job.Attempt, jobs.Patch{State: &cancelled, Event: domain.EventCancel})
	case domain.InterventionRetry:
		dispatched := domain.JobDispatched
		patch := jobs.Patch{State: &dispatched, Event: domain.EventRetry, Error: ""}
		if err := h.jobPlane.UpdateJobSafe(ctx, cmd.JobID, job.Attempt, patch); err != nil {
			return err
		}
		return h.publisher.PublishJobEvent(ctx, domain.JobEvent{Type: domain.JobEventDispatched, JobID: cmd.JobID, ProjectID: job.ProjectID})
	default:
		return domain.ErrValidationf("unrecognized intervention action %q", cmd.Action)
	}
}

func (h *Handler) handleRequestFullState(ctx context.Context, projectID string) error {
	project, err := h.repo.GetProjectFullState(ctx, projectID)
	if err != nil {
		return err
	}
	return h.publisher.PublishPipelineEvent(ctx, domain.PipelineEvent{Type: domain.PipelineEventFullState, Project: &project})
}

// workUnit is one createJob/dispatch pair the progression algorithm or a
// command handler may need to issue.
type workUnit struct {
	projectID string
	jobType   domain.JobType
	uniqueKey string
	payload   domain.JobPayload
}

// pipelineStage names one step of the fixed progression order and computes
// its work units from the hydrated project.
type pipelineStage struct {
	name  string
	units func(project domain.Project) []workUnit
}

func stages(project domain.Project) []pipelineStage {
	storyboardType, storyboardKey := domain.JobGenerateStoryboard, fmt.Sprintf("storyboard:%s", project.ID)
	if project.Metadata.HasAudio {
		storyboardType, storyboardKey = domain.JobProcessAudioToScenes, fmt.Sprintf("audio:%s", project.ID)
	}

	return []pipelineStage{
		{"expand", singleUnit(domain.JobExpandCreativePrompt, fmt.Sprintf("expand:%s", project.ID))},
		{"storyboard", singleUnit(storyboardType, storyboardKey)},
		{"enhance-storyboard", singleUnit(domain.JobEnhanceStoryboard, fmt.Sprintf("enhance:%s", project.ID))},
		{"semantic-analysis", singleUnit(domain.JobSemanticAnalysis, fmt.Sprintf("rules:%s", project.ID))},
		{"character-assets", singleUnit(domain.JobGenerateCharacterAssets, fmt.Sprintf("chars:%s", project.ID))},
		{"location-assets", singleUnit(domain.JobGenerateLocationAssets, fmt.Sprintf("locs:%s", project.ID))},
		{"scene-frames-start", sceneFrameUnits(project, domain.FrameStart)},
		{"scene-frames-end", sceneFrameUnits(project, domain.FrameEnd)},
		{"scene-video", sceneVideoUnits(project)},
		{"render-video", singleUnit(domain.JobRenderVideo, fmt.Sprintf("render:%s", project.ID))},
	}
}

func singleUnit(jobType domain.JobType, uniqueKey string) func(domain.Project) []workUnit {
	return func(project domain.Project) []workUnit {
		return []workUnit{{projectID: project.ID, jobType: jobType, uniqueKey: uniqueKey, payload: domain.JobPayload{"projectId": project.ID}}}
	}
}

func sceneFrameUnits(_ domain.Project, frameType domain.FrameType) func(domain.Project) []workUnit {
	return func(project domain.Project) []workUnit {
		units := make([]workUnit, 0, len(project.Scenes))
		for _, scene := range project.Scenes {
			units = append(units, workUnit{
				projectID: project.ID,
				jobType:   domain.JobGenerateSceneFrames,
				uniqueKey: fmt.Sprintf("frames:%s:%s:%s", project.ID, scene.ID, frameType),
				payload:   domain.JobPayload{"projectId": project.ID, "sceneId": scene.ID, "frameType": string(frameType)},
			})
		}
		return units
	}
}

func sceneVideoUnits(project domain.Project) []workUnit {
	units := make([]workUnit, 0, len(project.Scenes))
	for _, scene := range project.Scenes {
		units = append(units, workUnit{
			projectID: project.ID,
			jobType:   domain.JobGenerateSceneVideo,
			uniqueKey: fmt.Sprintf("video:%s:%s:v1", project.ID, scene.ID),
			payload:   domain.JobPayload{"projectId": project.ID, "sceneId": scene.ID, "version": 1},
		})
	}
	return units
}

// progress re-reads full project state, finds the highest fully-completed
// stage, and dispatches the next stage's work units. It never blocks on
// completion: it returns immediately after creating and dispatching.
func (h *Handler) progress(ctx context.Context, projectID string) error {
	project, err := h.repo.GetProjectFullState(ctx, projectID)
	if err != nil {
		return err
	}

	for _, stage := range stages(project) {
		units := stage.units(project)
		if len(units) == 0 {
			continue
		}

		existing := make([]domain.Job, 0, len(units))
		started := false
		for _, u := range units {
			jobID := jobs.JobID(projectID, string(u.jobType), 1, u.uniqueKey)
			job, err := h.jobPlane.GetJob(ctx, jobID)
			switch {
			case isNotFound(err):
				continue
			case err != nil:
				return fmt.Errorf("command: progress %s stage %s: %w", projectID, stage.name, err)
			default:
				started = true
				existing = append(existing, job)
			}
		}

		if !started {
			return h.dispatchStage(ctx, units)
		}

		allComplete := len(existing) == len(units)
		allTerminal := len(existing) == len(units)
		anyFatal := false
		for _, j := range existing {
			if j.State != domain.JobCompleted {
				allComplete = false
			}
			if !j.State.IsTerminal() {
				allTerminal = false
			}
			if j.State == domain.JobFatal {
				anyFatal = true
			}
		}

		if anyFatal && allTerminal {
			errored := domain.ProjectError
			return h.repo.UpdateProject(ctx, projectID, repository.ProjectPatch{Status: &errored})
		}
		if !allComplete {
			return nil
		}
		// stage fully completed; continue to the next one.
	}

	completed := domain.ProjectComplete
	return h.repo.UpdateProject(ctx, projectID, repository.ProjectPatch{Status: &completed})
}

func (h *Handler) dispatchStage(ctx context.Context, units []workUnit) error {
	for _, u := range units {
		if err := h.createAndDispatch(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) createAndDispatch(ctx context.Context, u workUnit) error {
	job, err := h.jobPlane.CreateJob(ctx, domain.CreateJobInput{
		ProjectID: u.projectID,
		Type:      u.jobType,
		UniqueKey: u.uniqueKey,
		Payload:   u.payload,
	})
	if err != nil {
		return fmt.Errorf("command: create job %s: %w", u.uniqueKey, err)
	}
	if job.State != domain.JobCreated {
		return nil
	}
	return h.jobPlane.Dispatch(ctx, job.ID)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// nextVersion returns 1 + the number of jobs whose UniqueKey starts with
// prefix, used to derive the version suffix for a forced regeneration.
func nextVersion(allJobs []domain.Job, prefix string) int {
	n := 0
	for _, j := range allJobs {
		if strings.HasPrefix(j.UniqueKey, prefix) {
			n++
		}
	}
	return n + 1
}
