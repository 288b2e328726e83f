// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ledger implements the append-only asset version history stored
// as a JSONB column on each owning entity row (project, scene, character,
// location), serialized per entity through internal/lock.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/lock"
	"github.com/ManuGH/reelctl/internal/metrics"
)

// LeaseDuration bounds how long a per-entity ledger lock may be held; long
// enough for a single read-modify-write transaction, short enough that a
// crashed holder does not stall other writers for long.
const LeaseDuration = 5 * time.Second

var tableByEntity = map[domain.EntityType]string{
	domain.EntityProject:   "projects",
	domain.EntityScene:     "scenes",
	domain.EntityCharacter: "characters",
	domain.EntityLocation:  "locations",
}

// Ledger exposes asset version operations over a scope of owning entities.
type Ledger struct {
	pool    *dbpool.Pool
	locks   *lock.Manager
	ownerID string
}

// New returns a Ledger bound to pool, using locks for per-entity
// serialization and ownerID as the lock owner identity (typically a
// worker or command-handler instance ID).
func New(pool *dbpool.Pool, locks *lock.Manager, ownerID string) *Ledger {
	return &Ledger{pool: pool, locks: locks, ownerID: ownerID}
}

// AssetInput is one entity's contribution to a createVersionedAssets call.
type AssetInput struct {
	Entity   domain.EntityRef
	Type     domain.AssetType
	Data     string
	Metadata domain.VersionMetadata
	SetBest  bool
}

// CreateVersionedAssets appends one version per entity in inputs under
// assetKey, read-modify-write inside a per-entity lock so concurrent
// appenders never collide on head.
func (l *Ledger) CreateVersionedAssets(ctx context.Context, assetKey string, inputs []AssetInput) error {
	for _, in := range inputs {
		in := in
		name := lock.LedgerLockName(in.Entity.Type, in.Entity.ID)
		err := l.locks.WithLease(ctx, name, l.ownerID, LeaseDuration, func(ctx context.Context) error {
			return l.appendOne(ctx, in, assetKey)
		})
		if err != nil {
			return fmt.Errorf("ledger: create versioned asset for %s/%s: %w", in.Entity.Type, in.Entity.ID, err)
		}
		metrics.RecordLedgerAppend(assetKey)
	}
	return nil
}

func (l *Ledger) appendOne(ctx context.Context, in AssetInput, assetKey string) error {
	table, ok := tableByEntity[in.Entity.Type]
	if !ok {
		return fmt.Errorf("ledger: %w: unknown entity type %q", domain.ErrValidation, in.Entity.Type)
	}

	tx, err := l.pool.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var assets domain.AssetLedger
	query := fmt.Sprintf("SELECT assets FROM %s WHERE id = $1 FOR UPDATE", table)
	if err := tx.GetContext(ctx, &assets, query, in.Entity.ID); err != nil {
		return fmt.Errorf("ledger: read %s %s: %w", table, in.Entity.ID, err)
	}
	if assets == nil {
		assets = domain.AssetLedger{}
	}

	history := assets[assetKey]
	newVersion := history.Head + 1
	history.Versions = append(history.Versions, domain.AssetVersion{
		Version:   newVersion,
		Type:      in.Type,
		Data:      in.Data,
		Metadata:  in.Metadata,
		CreatedAt: time.Now(),
	})
	history.Head = newVersion
	if history.Best == 0 || in.SetBest {
		history.Best = newVersion
	}
	assets[assetKey] = history

	update := fmt.Sprintf("UPDATE %s SET assets = $2, updated_at = now() WHERE id = $1", table)
	if _, err := tx.ExecContext(ctx, update, in.Entity.ID, assets); err != nil {
		return fmt.Errorf("ledger: write %s %s: %w", table, in.Entity.ID, err)
	}

	return tx.Commit()
}

// GetNextVersionNumber returns head+1 for each entity in scope, without
// taking any lock: it is advisory information for the caller, not a
// reservation.
func (l *Ledger) GetNextVersionNumber(ctx context.Context, scope []domain.EntityRef, assetKey string) (map[string]int, error) {
	out := make(map[string]int, len(scope))
	for _, ref := range scope {
		history, err := l.readHistory(ctx, ref, assetKey)
		if err != nil {
			return nil, err
		}
		out[ref.ID] = history.Head + 1
	}
	return out, nil
}

// GetBestVersion returns the active version per entity in scope, omitting
// entities with no best version set.
func (l *Ledger) GetBestVersion(ctx context.Context, scope []domain.EntityRef, assetKey string) (map[string]domain.AssetVersion, error) {
	out := make(map[string]domain.AssetVersion, len(scope))
	for _, ref := range scope {
		history, err := l.readHistory(ctx, ref, assetKey)
		if err != nil {
			return nil, err
		}
		if v, ok := history.BestVersion(); ok {
			out[ref.ID] = v
		}
	}
	return out, nil
}

// SetBestVersion sets the best pointer for each entity, rejecting any
// pointer that does not reference an existing version.
func (l *Ledger) SetBestVersion(ctx context.Context, assetKey string, versions map[domain.EntityRef]int) error {
	for ref, version := range versions {
		ref, version := ref, version
		name := lock.LedgerLockName(ref.Type, ref.ID)
		err := l.locks.WithLease(ctx, name, l.ownerID, LeaseDuration, func(ctx context.Context) error {
			return l.setBestOne(ctx, ref, assetKey, version)
		})
		if err != nil {
			return fmt.Errorf("ledger: set best version for %s/%s: %w", ref.Type, ref.ID, err)
		}
	}
	return nil
}

func (l *Ledger) setBestOne(ctx context.Context, ref domain.EntityRef, assetKey string, version int) error {
	table, ok := tableByEntity[ref.Type]
	if !ok {
		return fmt.Errorf("ledger: %w: unknown entity type %q", domain.ErrValidation, ref.Type)
	}

	tx, err := l.pool.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var assets domain.AssetLedger
	query := fmt.Sprintf("SELECT assets FROM %s WHERE id = $1 FOR UPDATE", table)
	if err := tx.GetContext(ctx, &assets, query, ref.ID); err != nil {
		return fmt.Errorf("ledger: read %s %s: %w", table, ref.ID, err)
	}

	history, ok := assets[assetKey]
	if !ok || version < 1 || version > history.Head {
		return fmt.Errorf("ledger: %w: version %d does not exist for %s", domain.ErrValidation, version, assetKey)
	}
	history.Best = version
	assets[assetKey] = history

	update := fmt.Sprintf("UPDATE %s SET assets = $2, updated_at = now() WHERE id = $1", table)
	if _, err := tx.ExecContext(ctx, update, ref.ID, assets); err != nil {
		return fmt.Errorf("ledger: write %s %s: %w", table, ref.ID, err)
	}
	return tx.Commit()
}

// UpdateVersionMetadata merges patch onto an existing version's metadata.
// Data and Type are immutable once appended and are never touched here.
func (l *Ledger) UpdateVersionMetadata(ctx context.Context, ref domain.EntityRef, assetKey string, version int, patch domain.VersionMetadata) error {
	name := lock.LedgerLockName(ref.Type, ref.ID)
	return l.locks.WithLease(ctx, name, l.ownerID, LeaseDuration, func(ctx context.Context) error {
		table, ok := tableByEntity[ref.Type]
		if !ok {
			return fmt.Errorf("ledger: %w: unknown entity type %q", domain.ErrValidation, ref.Type)
		}

		tx, err := l.pool.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var assets domain.AssetLedger
		query := fmt.Sprintf("SELECT assets FROM %s WHERE id = $1 FOR UPDATE", table)
		if err := tx.GetContext(ctx, &assets, query, ref.ID); err != nil {
			return fmt.Errorf("ledger: read %s %s: %w", table, ref.ID, err)
		}

		history, ok := assets[assetKey]
		if !ok || version < 1 || version > len(history.Versions) {
			return fmt.Errorf("ledger: %w: version %d does not exist for %s", domain.ErrValidation, version, assetKey)
		}

		existing := history.Versions[version-1].Metadata
		merged := mergeMetadata(existing, patch)
		history.Versions[version-1].Metadata = merged
		assets[assetKey] = history

		update := fmt.Sprintf("UPDATE %s SET assets = $2, updated_at = now() WHERE id = $1", table)
		if _, err := tx.ExecContext(ctx, update, ref.ID, assets); err != nil {
			return fmt.Errorf("ledger: write %s %s: %w", table, ref.ID, err)
		}
		return tx.Commit()
	})
}

func (l *Ledger) readHistory(ctx context.Context, ref domain.EntityRef, assetKey string) (domain.AssetHistory, error) {
	table, ok := tableByEntity[ref.Type]
	if !ok {
		return domain.AssetHistory{}, fmt.Errorf("ledger: %w: unknown entity type %q", domain.ErrValidation, ref.Type)
	}
	var assets domain.AssetLedger
	query := fmt.Sprintf("SELECT assets FROM %s WHERE id = $1", table)
	if err := l.pool.GetContext(ctx, &assets, query, ref.ID); err != nil {
		return domain.AssetHistory{}, fmt.Errorf("ledger: read %s %s: %w", table, ref.ID, err)
	}
	return assets[assetKey], nil
}

func mergeMetadata(base, patch domain.VersionMetadata) domain.VersionMetadata {
	out := base
	if patch.JobID != "" {
		out.JobID = patch.JobID
	}
	if patch.Model != "" {
		out.Model = patch.Model
	}
	if patch.Prompt != "" {
		out.Prompt = patch.Prompt
	}
	if patch.Evaluation != "" {
		out.Evaluation = patch.Evaluation
	}
	return out
}
