// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db := sqlx.NewDb(mockDB, "sqlmock")
	pool := dbpool.NewForTest(db, zerolog.Nop())
	return NewManager(pool), mock, func() { _ = mockDB.Close() }
}

func TestManager_TryAcquire_Granted(t *testing.T) {
	m, mock, closeFn := newTestManager(t)
	defer closeFn()

	mock.ExpectExec("INSERT INTO locks").
		WithArgs("project:p1", "worker-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := m.TryAcquire(context.Background(), "project:p1", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_TryAcquire_HeldByAnotherOwner(t *testing.T) {
	m, mock, closeFn := newTestManager(t)
	defer closeFn()

	mock.ExpectExec("INSERT INTO locks").
		WithArgs("project:p1", "worker-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := m.TryAcquire(context.Background(), "project:p1", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_Renew_NotOwner(t *testing.T) {
	m, mock, closeFn := newTestManager(t)
	defer closeFn()

	mock.ExpectExec("UPDATE locks SET expires_at").
		WithArgs("project:p1", "worker-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.Renew(context.Background(), "project:p1", "worker-2", time.Minute)
	require.Error(t, err)
}

func TestManager_Release_Idempotent(t *testing.T) {
	m, mock, closeFn := newTestManager(t)
	defer closeFn()

	mock.ExpectExec("DELETE FROM locks").
		WithArgs("project:p1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.Release(context.Background(), "project:p1", "worker-1")
	require.NoError(t, err)
}

func TestProjectLockName(t *testing.T) {
	assert.Equal(t, "project:abc", ProjectLockName("abc"))
}
