// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package domain defines the core data model shared by the repository,
// ledger, job control plane, and command handler: projects, scenes,
// characters, locations, and the asset version ledger that backs them.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ProjectStatus is the lifecycle status of a Project.
type ProjectStatus string

const (
	ProjectDraft    ProjectStatus = "draft"
	ProjectPending  ProjectStatus = "pending"
	ProjectRunning  ProjectStatus = "running"
	ProjectPaused   ProjectStatus = "paused"
	ProjectComplete ProjectStatus = "complete"
	ProjectError    ProjectStatus = "error"
)

// SceneStatus is the lifecycle status of a Scene.
type SceneStatus string

const (
	SceneStatusPending    SceneStatus = "pending"
	SceneStatusGenerating SceneStatus = "generating"
	SceneStatusComplete   SceneStatus = "complete"
	SceneStatusError      SceneStatus = "error"
)

// ProjectMetadata carries the descriptive, non-relational attributes of a project.
type ProjectMetadata struct {
	Title          string `json:"title"`
	InitialPrompt  string `json:"initialPrompt"`
	EnhancedPrompt string `json:"enhancedPrompt,omitempty"`
	HasAudio       bool   `json:"hasAudio"`
	AudioURI       string `json:"audioUri,omitempty"`
	TotalDuration  int    `json:"totalDuration"`
}

// Value implements driver.Valuer so ProjectMetadata can be written directly
// to a JSON/JSONB column.
func (m ProjectMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner so ProjectMetadata can be read directly from
// a JSON/JSONB column.
func (m *ProjectMetadata) Scan(src any) error {
	if src == nil {
		*m = ProjectMetadata{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("domain: unsupported ProjectMetadata scan source %T", src)
	}
	if len(raw) == 0 {
		*m = ProjectMetadata{}
		return nil
	}
	var out ProjectMetadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("domain: unmarshal project metadata: %w", err)
	}
	*m = out
	return nil
}

// Project is the top-level aggregate: created on first command, mutated
// only by the command handler and completion reactions, never destroyed
// by the core.
type Project struct {
	ID                      string          `json:"id" db:"id"`
	Status                  ProjectStatus   `json:"status" db:"status"`
	Metadata                ProjectMetadata `json:"metadata" db:"metadata"`
	GenerationRules         []string        `json:"generationRules,omitempty" db:"generation_rules"`
	GenerationRulesHistory  [][]string      `json:"generationRulesHistory,omitempty" db:"generation_rules_history"`
	ForceRegenerateSceneIDs []string        `json:"forceRegenerateSceneIds,omitempty" db:"force_regenerate_scene_ids"`
	Assets                  AssetLedger     `json:"assets" db:"assets"`
	CreatedAt               time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt               time.Time       `json:"updatedAt" db:"updated_at"`

	// Populated only by getProjectFullState; absent from the lightweight read.
	Scenes     []Scene     `json:"scenes,omitempty" db:"-"`
	Characters []Character `json:"characters,omitempty" db:"-"`
	Locations  []Location  `json:"locations,omitempty" db:"-"`
}

// Scene is an ordered child of a project; scenes form a non-overlapping
// time partition of [0, totalDuration).
type Scene struct {
	ID              string      `json:"id" db:"id"`
	ProjectID       string      `json:"projectId" db:"project_id"`
	Index           int         `json:"index" db:"index"`
	StartTime       int         `json:"startTime" db:"start_time"`
	EndTime         int         `json:"endTime" db:"end_time"`
	Duration        int         `json:"duration" db:"duration"`
	Description     string      `json:"description" db:"description"`
	ShotType        string      `json:"shotType,omitempty" db:"shot_type"`
	CameraMovement  string      `json:"cameraMovement,omitempty" db:"camera_movement"`
	Lighting        string      `json:"lighting,omitempty" db:"lighting"`
	Mood            string      `json:"mood,omitempty" db:"mood"`
	CharacterIDs    []string    `json:"characterIds,omitempty" db:"character_ids"`
	LocationID      string      `json:"locationId,omitempty" db:"location_id"`
	Status          SceneStatus `json:"status" db:"status"`
	Assets          AssetLedger `json:"assets" db:"assets"`
	UpdatedAt       time.Time   `json:"updatedAt" db:"updated_at"`
}

// AllowedDurations are the valid (rounded) scene durations in seconds.
var AllowedDurations = [3]int{4, 6, 8}

// EntityState captures the free-form evolving attributes of a Character or
// Location across scenes (injuries, dirt, weather, ...).
type EntityState map[string]any

// Character is a reference entity owned by a project.
type Character struct {
	ID        string      `json:"id" db:"id"`
	ProjectID string      `json:"projectId" db:"project_id"`
	Name      string      `json:"name" db:"name"`
	State     EntityState `json:"state,omitempty" db:"state"`
	Assets    AssetLedger `json:"assets" db:"assets"`
	UpdatedAt time.Time   `json:"updatedAt" db:"updated_at"`
}

// Location is a reference entity owned by a project.
type Location struct {
	ID        string      `json:"id" db:"id"`
	ProjectID string      `json:"projectId" db:"project_id"`
	Name      string      `json:"name" db:"name"`
	State     EntityState `json:"state,omitempty" db:"state"`
	Assets    AssetLedger `json:"assets" db:"assets"`
	UpdatedAt time.Time   `json:"updatedAt" db:"updated_at"`
}

// EntityType enumerates the owners an asset ledger or a lock can scope to.
type EntityType string

const (
	EntityProject   EntityType = "project"
	EntityScene     EntityType = "scene"
	EntityCharacter EntityType = "character"
	EntityLocation  EntityType = "location"
)

// EntityRef identifies a single ledger-owning entity.
type EntityRef struct {
	Type EntityType
	ID   string
}
