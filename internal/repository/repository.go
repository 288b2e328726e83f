// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package repository reads and writes projects, scenes, characters, and
// locations through the shared connection pool. Field-level updates are
// last-writer-wins; callers needing a consistent read-modify-write must
// bracket their operation with a per-project internal/lock lease.
package repository

import (
	"context"
	"fmt"

	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/jmoiron/sqlx"
)

// Repository is the project/scene/character/location persistence boundary.
type Repository struct {
	pool *dbpool.Pool
}

// New returns a Repository bound to pool.
func New(pool *dbpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetProject returns the lightweight project row without hydrating children.
func (r *Repository) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.pool.GetContext(ctx, &p, `
		SELECT id, status, metadata, generation_rules, generation_rules_history,
		       force_regenerate_scene_ids, assets, created_at, updated_at
		FROM projects WHERE id = $1`, id)
	if err != nil {
		return domain.Project{}, notFoundOr(err, "project", id)
	}
	return p, nil
}

// GetProjectFullState returns the project hydrated with its scenes,
// characters, and locations.
func (r *Repository) GetProjectFullState(ctx context.Context, id string) (domain.Project, error) {
	p, err := r.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}

	if err := r.pool.SelectContext(ctx, &p.Scenes, `
		SELECT id, project_id, index, start_time, end_time, duration, description,
		       shot_type, camera_movement, lighting, mood, character_ids, location_id,
		       status, assets, updated_at
		FROM scenes WHERE project_id = $1 ORDER BY index`, id); err != nil {
		return domain.Project{}, fmt.Errorf("repository: load scenes for %s: %w", id, err)
	}

	if err := r.pool.SelectContext(ctx, &p.Characters, `
		SELECT id, project_id, name, state, assets, updated_at
		FROM characters WHERE project_id = $1`, id); err != nil {
		return domain.Project{}, fmt.Errorf("repository: load characters for %s: %w", id, err)
	}

	if err := r.pool.SelectContext(ctx, &p.Locations, `
		SELECT id, project_id, name, state, assets, updated_at
		FROM locations WHERE project_id = $1`, id); err != nil {
		return domain.Project{}, fmt.Errorf("repository: load locations for %s: %w", id, err)
	}

	return p, nil
}

// GetScene returns a single scene by id.
func (r *Repository) GetScene(ctx context.Context, id string) (domain.Scene, error) {
	var s domain.Scene
	err := r.pool.GetContext(ctx, &s, `
		SELECT id, project_id, index, start_time, end_time, duration, description,
		       shot_type, camera_movement, lighting, mood, character_ids, location_id,
		       status, assets, updated_at
		FROM scenes WHERE id = $1`, id)
	if err != nil {
		return domain.Scene{}, notFoundOr(err, "scene", id)
	}
	return s, nil
}

// GetCharactersByIDs returns the characters matching ids, in no particular order.
func (r *Repository) GetCharactersByIDs(ctx context.Context, ids []string) ([]domain.Character, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []domain.Character
	query, args, err := sqlx.In(`
		SELECT id, project_id, name, state, assets, updated_at
		FROM characters WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("repository: build characters query: %w", err)
	}
	if err := r.pool.SelectContext(ctx, &out, r.pool.DB().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("repository: load characters by ids: %w", err)
	}
	return out, nil
}

// GetLocationsByIDs returns the locations matching ids, in no particular order.
func (r *Repository) GetLocationsByIDs(ctx context.Context, ids []string) ([]domain.Location, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []domain.Location
	query, args, err := sqlx.In(`
		SELECT id, project_id, name, state, assets, updated_at
		FROM locations WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("repository: build locations query: %w", err)
	}
	if err := r.pool.SelectContext(ctx, &out, r.pool.DB().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("repository: load locations by ids: %w", err)
	}
	return out, nil
}

// ProjectPatch carries the last-writer-wins fields updateProject may set.
// Zero-valued fields are left untouched except where a pointer makes the
// "set to zero" intent explicit.
type ProjectPatch struct {
	Status                  *domain.ProjectStatus
	Metadata                *domain.ProjectMetadata
	GenerationRules         []string
	ForceRegenerateSceneIDs []string
	Assets                  domain.AssetLedger
}

// UpdateProject applies patch to the project row, last-writer-wins at the
// field level. Callers needing a consistent view across a read-modify-write
// must hold the project's internal/lock lease for the duration.
func (r *Repository) UpdateProject(ctx context.Context, id string, patch ProjectPatch) error {
	sets := []string{}
	args := []any{id}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Metadata != nil {
		add("metadata", *patch.Metadata)
	}
	if patch.GenerationRules != nil {
		add("generation_rules", patch.GenerationRules)
	}
	if patch.ForceRegenerateSceneIDs != nil {
		add("force_regenerate_scene_ids", patch.ForceRegenerateSceneIDs)
	}
	if patch.Assets != nil {
		add("assets", patch.Assets)
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf("UPDATE projects SET %s WHERE id = $1", joinComma(sets))
	res, err := r.pool.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("repository: update project %s: %w", id, err)
	}
	return requireOneRow(res, "project", id)
}

// UpdateScenes writes back a full set of scenes; callers are responsible
// for maintaining the time-partition invariant of §3 before calling this.
func (r *Repository) UpdateScenes(ctx context.Context, scenes []domain.Scene) error {
	for _, s := range scenes {
		_, err := r.pool.ExecContext(ctx, `
			UPDATE scenes SET
				start_time = $2, end_time = $3, duration = $4, description = $5,
				shot_type = $6, camera_movement = $7, lighting = $8, mood = $9,
				character_ids = $10, location_id = $11, status = $12, assets = $13,
				updated_at = now()
			WHERE id = $1`,
			s.ID, s.StartTime, s.EndTime, s.Duration, s.Description,
			s.ShotType, s.CameraMovement, s.Lighting, s.Mood,
			s.CharacterIDs, s.LocationID, s.Status, s.Assets,
		)
		if err != nil {
			return fmt.Errorf("repository: update scene %s: %w", s.ID, err)
		}
	}
	return nil
}

// UpdateCharacters writes back a full set of characters.
func (r *Repository) UpdateCharacters(ctx context.Context, characters []domain.Character) error {
	for _, c := range characters {
		_, err := r.pool.ExecContext(ctx, `
			UPDATE characters SET name = $2, state = $3, assets = $4, updated_at = now()
			WHERE id = $1`,
			c.ID, c.Name, c.State, c.Assets,
		)
		if err != nil {
			return fmt.Errorf("repository: update character %s: %w", c.ID, err)
		}
	}
	return nil
}

// UpdateLocations writes back a full set of locations.
func (r *Repository) UpdateLocations(ctx context.Context, locations []domain.Location) error {
	for _, loc := range locations {
		_, err := r.pool.ExecContext(ctx, `
			UPDATE locations SET name = $2, state = $3, assets = $4, updated_at = now()
			WHERE id = $1`,
			loc.ID, loc.Name, loc.State, loc.Assets,
		)
		if err != nil {
			return fmt.Errorf("repository: update location %s: %w", loc.ID, err)
		}
	}
	return nil
}

// CreateScenes inserts a batch of new scenes for projectID in a single
// transaction, so a partially-generated storyboard never becomes visible.
func (r *Repository) CreateScenes(ctx context.Context, projectID string, scenes []domain.Scene) error {
	tx, err := r.pool.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: create scenes for %s: %w", projectID, err)
	}
	defer tx.Rollback()

	for _, s := range scenes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scenes (
				id, project_id, index, start_time, end_time, duration, description,
				shot_type, camera_movement, lighting, mood, character_ids, location_id,
				status, assets, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now())`,
			s.ID, projectID, s.Index, s.StartTime, s.EndTime, s.Duration, s.Description,
			s.ShotType, s.CameraMovement, s.Lighting, s.Mood, s.CharacterIDs, s.LocationID,
			s.Status, s.Assets,
		)
		if err != nil {
			return fmt.Errorf("repository: insert scene %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: commit scenes for %s: %w", projectID, err)
	}
	return nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
