// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package lock implements named, owner-scoped advisory leases backed by a
// single-row-per-name table, reclaimed atomically once expired.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/metrics"
)

// Manager grants, renews, and releases named leases through a shared pool.
type Manager struct {
	pool *dbpool.Pool
}

// NewManager returns a lock manager bound to the given pool.
func NewManager(pool *dbpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// Init ensures the backing table exists. Safe to call repeatedly.
func (m *Manager) Init(ctx context.Context) error {
	_, err := m.pool.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS locks (
			name       TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("lock: init: %w", err)
	}
	return nil
}

// TryAcquire attempts to grant name to owner for leaseMs, reclaiming a row
// whose lease has already expired in the same statement that would
// otherwise collide on the primary key. Returns false (not an error) when
// a live lease is held by a different owner.
func (m *Manager) TryAcquire(ctx context.Context, name, owner string, lease time.Duration) (bool, error) {
	expiresAt := time.Now().Add(lease)

	res, err := m.pool.ExecContext(ctx, `
		INSERT INTO locks (name, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE locks.expires_at < now()`,
		name, owner, expiresAt,
	)
	if err != nil {
		metrics.RecordLockAcquire("error")
		return false, fmt.Errorf("lock: try acquire %q: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		metrics.RecordLockAcquire("error")
		return false, fmt.Errorf("lock: rows affected %q: %w", name, err)
	}

	acquired := n > 0
	if acquired {
		metrics.RecordLockAcquire("acquired")
	} else {
		metrics.RecordLockAcquire("held")
	}
	return acquired, nil
}

// Renew extends an existing lease, and only if owner still matches.
func (m *Manager) Renew(ctx context.Context, name, owner string, lease time.Duration) error {
	expiresAt := time.Now().Add(lease)
	res, err := m.pool.ExecContext(ctx, `
		UPDATE locks SET expires_at = $3
		WHERE name = $1 AND owner = $2`,
		name, owner, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("lock: renew %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lock: renew rows affected %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("lock: renew %q: %w", name, domain.ErrLockHeld)
	}
	return nil
}

// Release deletes the row only if owner still matches, making release
// idempotent for an owner that already lost its lease.
func (m *Manager) Release(ctx context.Context, name, owner string) error {
	_, err := m.pool.ExecContext(ctx, `
		DELETE FROM locks WHERE name = $1 AND owner = $2`,
		name, owner,
	)
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", name, err)
	}
	return nil
}

// ProjectLockName returns the lock name serializing mutations of one project.
func ProjectLockName(projectID string) string {
	return "project:" + projectID
}

// LedgerLockName returns the per-entity lock name guarding ledger writes.
func LedgerLockName(entityType domain.EntityType, entityID string) string {
	return fmt.Sprintf("ledger:%s:%s", entityType, entityID)
}

// WithLease acquires name for owner, runs fn, then releases unconditionally,
// retrying the acquisition with backoff until ctx is done. It is the
// building block the command handler and ledger use to bracket a critical
// section without duplicating acquire/retry/release boilerplate.
func (m *Manager) WithLease(ctx context.Context, name, owner string, lease time.Duration, fn func(ctx context.Context) error) error {
	backoff := 10 * time.Millisecond
	for {
		ok, err := m.TryAcquire(ctx, name, owner, lease)
		if err != nil {
			return err
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("lock: acquire %q: %w", name, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}

	defer func() {
		_ = m.Release(context.WithoutCancel(ctx), name, owner)
	}()

	return fn(ctx)
}
