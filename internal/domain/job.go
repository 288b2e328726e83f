// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobType enumerates the units of work the pipeline dispatches.
type JobType string

const (
	JobExpandCreativePrompt  JobType = "EXPAND_CREATIVE_PROMPT"
	JobGenerateStoryboard    JobType = "GENERATE_STORYBOARD"
	JobProcessAudioToScenes  JobType = "PROCESS_AUDIO_TO_SCENES"
	JobEnhanceStoryboard     JobType = "ENHANCE_STORYBOARD"
	JobSemanticAnalysis      JobType = "SEMANTIC_ANALYSIS"
	JobGenerateCharacterAssets JobType = "GENERATE_CHARACTER_ASSETS"
	JobGenerateLocationAssets  JobType = "GENERATE_LOCATION_ASSETS"
	JobGenerateSceneFrames   JobType = "GENERATE_SCENE_FRAMES"
	JobGenerateSceneVideo    JobType = "GENERATE_SCENE_VIDEO"
	JobRenderVideo           JobType = "RENDER_VIDEO"
	JobFrameRender           JobType = "FRAME_RENDER"
)

// JobState is a node in the job DAG state machine.
type JobState string

const (
	JobCreated   JobState = "CREATED"
	JobDispatched JobState = "DISPATCHED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobFatal     JobState = "FATAL"
	JobCancelled JobState = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible from this state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFatal, JobCancelled:
		return true
	default:
		return false
	}
}

// JobTransitionEvent is an edge label in the job state machine. Distinct
// from JobEvent (event.go), which is the wire payload published on the
// job-events topic.
type JobTransitionEvent string

const (
	EventDispatch JobTransitionEvent = "DISPATCH"
	EventClaim    JobTransitionEvent = "CLAIM"
	EventComplete JobTransitionEvent = "COMPLETE"
	EventFail     JobTransitionEvent = "FAIL"
	EventExhaust  JobTransitionEvent = "EXHAUST" // FAILED -> FATAL once attempt > maxRetries
	EventRetry    JobTransitionEvent = "RETRY"   // FAILED -> DISPATCHED
	EventCancel   JobTransitionEvent = "CANCEL"
	EventReclaim  JobTransitionEvent = "RECLAIM" // RUNNING -> DISPATCHED (stall recovery)
)

// JobPayload is an opaque, type-specific JSON document interpreted by the
// agent registered for a job's JobType.
type JobPayload map[string]any

// Value implements driver.Valuer.
func (p JobPayload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *JobPayload) Scan(src any) error {
	if src == nil {
		*p = JobPayload{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("domain: unsupported JobPayload scan source %T", src)
	}
	if len(raw) == 0 {
		*p = JobPayload{}
		return nil
	}
	var out JobPayload
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("domain: unmarshal job payload: %w", err)
	}
	*p = out
	return nil
}

// Job is a durable unit of work. (projectId, uniqueKey) identifies a
// logical job; at most one physical row may exist per unique key in a
// non-terminal state.
type Job struct {
	ID         string     `json:"id" db:"id"`
	ProjectID  string     `json:"projectId" db:"project_id"`
	Type       JobType    `json:"type" db:"type"`
	Payload    JobPayload `json:"payload" db:"payload"`
	State      JobState   `json:"state" db:"state"`
	Attempt    int        `json:"attempt" db:"attempt"`
	MaxRetries int        `json:"maxRetries" db:"max_retries"`
	UniqueKey  string     `json:"uniqueKey" db:"unique_key"`
	AssetKey   string     `json:"assetKey,omitempty" db:"asset_key"`
	Error      string     `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time  `json:"updatedAt" db:"updated_at"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty" db:"claimed_at"`
	OwnerID    string     `json:"ownerId,omitempty" db:"owner_id"`
}

// CreateJobInput is the argument to the idempotent createJob operation.
type CreateJobInput struct {
	ProjectID  string
	Type       JobType
	UniqueKey  string
	Payload    JobPayload
	MaxRetries int
	AssetKey   string
}
