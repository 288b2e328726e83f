// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	events []domain.JobEvent
}

func (f *fakePublisher) PublishJobEvent(ctx context.Context, ev domain.JobEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func newTestPlane(t *testing.T) (*Plane, sqlmock.Sqlmock, *fakePublisher, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db := sqlx.NewDb(mockDB, "sqlmock")
	pool := dbpool.NewForTest(db, zerolog.Nop())
	pub := &fakePublisher{}
	return New(pool, pub), mock, pub, func() { _ = mockDB.Close() }
}

func TestJobID_Deterministic(t *testing.T) {
	a := JobID("p1", "EXPAND_CREATIVE_PROMPT", 1, "scene-0")
	b := JobID("p1", "EXPAND_CREATIVE_PROMPT", 1, "scene-0")
	c := JobID("p1", "EXPAND_CREATIVE_PROMPT", 2, "scene-0")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestPlane_CreateJob_Idempotent(t *testing.T) {
	p, mock, _, closeFn := newTestPlane(t)
	defer closeFn()

	id := JobID("p1", string(domain.JobRenderVideo), 1, "k1")
	cols := []string{"id", "project_id", "type", "payload", "state", "attempt", "max_retries", "unique_key", "asset_key", "error", "created_at", "updated_at", "claimed_at", "owner_id"}
	mock.ExpectQuery("INSERT INTO jobs").WillReturnRows(
		sqlmock.NewRows(cols).AddRow(
			id, "p1", domain.JobRenderVideo, []byte(`{}`), domain.JobCreated, 1, 2, "k1", "", "",
			time.Now(), time.Now(), nil, "",
		),
	)

	job, err := p.CreateJob(context.Background(), domain.CreateJobInput{
		ProjectID: "p1", Type: domain.JobRenderVideo, UniqueKey: "k1", MaxRetries: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
}

func TestPlane_Dispatch_StaleWriteWhenNotCreated(t *testing.T) {
	p, mock, _, closeFn := newTestPlane(t)
	defer closeFn()

	mock.ExpectQuery("UPDATE jobs SET state").WillReturnError(sql.ErrNoRows)

	err := p.Dispatch(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrStaleWrite)
}

func TestPlane_Dispatch_PublishesEvent(t *testing.T) {
	p, mock, pub, closeFn := newTestPlane(t)
	defer closeFn()

	mock.ExpectQuery("UPDATE jobs SET state").
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow("p1"))

	err := p.Dispatch(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.JobEventDispatched, pub.events[0].Type)
	assert.Equal(t, "p1", pub.events[0].ProjectID)
}

func TestPlane_ClaimJob_NoRowsReturnsFalse(t *testing.T) {
	p, mock, _, closeFn := newTestPlane(t)
	defer closeFn()

	mock.ExpectQuery("UPDATE jobs SET state").WillReturnError(sql.ErrNoRows)

	job, ok, err := p.ClaimJob(context.Background(), "job-1", "worker-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.Job{}, job)
}

func TestPlane_UpdateJobSafe_StaleWrite(t *testing.T) {
	p, mock, _, closeFn := newTestPlane(t)
	defer closeFn()

	mock.ExpectQuery("UPDATE jobs SET").WillReturnError(sql.ErrNoRows)

	completed := domain.JobCompleted
	err := p.UpdateJobSafe(context.Background(), "job-1", 3, Patch{State: &completed})
	assert.ErrorIs(t, err, domain.ErrStaleWrite)
}

func TestPlane_UpdateJobSafeAndIncrementAttempt_Success(t *testing.T) {
	p, mock, pub, closeFn := newTestPlane(t)
	defer closeFn()

	mock.ExpectQuery("UPDATE jobs SET").
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow("p1"))

	failed := domain.JobFailed
	err := p.UpdateJobSafeAndIncrementAttempt(context.Background(), "job-1", 1, Patch{State: &failed, Error: "boom"})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.JobEventFailed, pub.events[0].Type)
	assert.Equal(t, "p1", pub.events[0].ProjectID)
}

func TestPlane_UpdateJobSafe_RejectsIllegalEventTarget(t *testing.T) {
	p, _, _, closeFn := newTestPlane(t)
	defer closeFn()

	completed := domain.JobCompleted
	err := p.UpdateJobSafe(context.Background(), "job-1", 1, Patch{State: &completed, Event: domain.EventFail})
	require.Error(t, err)
}

func TestPlane_GetJob_NotFound(t *testing.T) {
	p, mock, _, closeFn := newTestPlane(t)
	defer closeFn()

	mock.ExpectQuery("SELECT id, project_id, type").WillReturnError(sql.ErrNoRows)

	_, err := p.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMonitor_SweepStalled_PublishesPerReclaimedJob(t *testing.T) {
	p, mock, pub, closeFn := newTestPlane(t)
	defer closeFn()

	mock.ExpectQuery("UPDATE jobs SET state").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1").AddRow("job-2"))

	mon := NewMonitor(p, MonitorConfig{}, zerolog.Nop())
	mon.sweepStalled(context.Background())

	require.Len(t, pub.events, 2)
}

func TestMonitor_SweepBackedOff_SkipsWithinBackoffWindow(t *testing.T) {
	p, mock, pub, closeFn := newTestPlane(t)
	defer closeFn()

	cols := []string{"id", "project_id", "type", "payload", "state", "attempt", "max_retries", "unique_key", "asset_key", "error", "created_at", "updated_at", "claimed_at", "owner_id"}
	mock.ExpectQuery("SELECT id, project_id, type").WillReturnRows(
		sqlmock.NewRows(cols).AddRow(
			"job-1", "p1", "RENDER_VIDEO", []byte(`{}`), domain.JobFailed, 1, 3, "k1", "", "",
			time.Now(), time.Now(), nil, "",
		),
	)

	mon := NewMonitor(p, MonitorConfig{BaseBackoff: time.Hour}, zerolog.Nop())
	mon.sweepBackedOff(context.Background())

	assert.Empty(t, pub.events)
}
