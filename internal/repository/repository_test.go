// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db := sqlx.NewDb(mockDB, "sqlmock")
	pool := dbpool.NewForTest(db, zerolog.Nop())
	return New(pool), mock, func() { _ = mockDB.Close() }
}

func TestRepository_GetProject_NotFound(t *testing.T) {
	r, mock, closeFn := newTestRepository(t)
	defer closeFn()

	mock.ExpectQuery("SELECT id, status, metadata").
		WillReturnError(sql.ErrNoRows)

	_, err := r.GetProject(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepository_UpdateProject_NoFieldsIsNoop(t *testing.T) {
	r, _, closeFn := newTestRepository(t)
	defer closeFn()

	err := r.UpdateProject(context.Background(), "p1", ProjectPatch{})
	require.NoError(t, err)
}

func TestRepository_UpdateProject_NotFound(t *testing.T) {
	r, mock, closeFn := newTestRepository(t)
	defer closeFn()

	status := domain.ProjectRunning
	mock.ExpectExec("UPDATE projects SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := r.UpdateProject(context.Background(), "p1", ProjectPatch{Status: &status})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepository_CreateScenes(t *testing.T) {
	r, mock, closeFn := newTestRepository(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scenes").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := r.CreateScenes(context.Background(), "p1", []domain.Scene{
		{ID: "s1", Index: 0, StartTime: 0, EndTime: 4, Duration: 4, Status: domain.SceneStatusPending},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
