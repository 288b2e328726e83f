// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/jobs"
	"github.com/ManuGH/reelctl/internal/ledger"
	"github.com/ManuGH/reelctl/internal/lock"
	"github.com/ManuGH/reelctl/internal/repository"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	jobEvents      []domain.JobEvent
	pipelineEvents []domain.PipelineEvent
	cancellations  []domain.CancellationEvent
}

func (f *fakePublisher) PublishJobEvent(ctx context.Context, ev domain.JobEvent) error {
	f.jobEvents = append(f.jobEvents, ev)
	return nil
}

func (f *fakePublisher) PublishPipelineEvent(ctx context.Context, ev domain.PipelineEvent) error {
	f.pipelineEvents = append(f.pipelineEvents, ev)
	return nil
}

func (f *fakePublisher) PublishCancellation(ctx context.Context, ev domain.CancellationEvent) error {
	f.cancellations = append(f.cancellations, ev)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock, *fakePublisher, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db := sqlx.NewDb(mockDB, "sqlmock")
	pool := dbpool.NewForTest(db, zerolog.Nop())
	pub := &fakePublisher{}

	locks := lock.NewManager(pool)
	repo := repository.New(pool)
	jobPlane := jobs.New(pool, pub)
	led := ledger.New(pool, locks, "handler-1")

	h := New(repo, jobPlane, locks, led, pub, "handler-1")
	return h, mock, pub, func() { _ = mockDB.Close() }
}

func TestHandler_Handle_StopPipeline_PublishesCancellation(t *testing.T) {
	h, _, pub, closeFn := newTestHandler(t)
	defer closeFn()

	err := h.Handle(context.Background(), domain.Command{Type: domain.CommandStopPipeline, ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, pub.cancellations, 1)
	assert.Equal(t, "p1", pub.cancellations[0].ProjectID)
}

func TestHandler_Handle_InvalidCommandFailsValidation(t *testing.T) {
	h, _, _, closeFn := newTestHandler(t)
	defer closeFn()

	err := h.Handle(context.Background(), domain.Command{Type: domain.CommandRegenerateScene, ProjectID: "p1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestHandler_Handle_RequestFullState_NotFound(t *testing.T) {
	h, mock, pub, closeFn := newTestHandler(t)
	defer closeFn()

	mock.ExpectQuery("SELECT id, status, metadata").WillReturnError(sql.ErrNoRows)

	err := h.Handle(context.Background(), domain.Command{Type: domain.CommandRequestFullState, ProjectID: "p1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, pub.pipelineEvents)
}

func TestHandler_HandleResolveIntervention_Cancel(t *testing.T) {
	h, mock, _, closeFn := newTestHandler(t)
	defer closeFn()

	jobCols := []string{"id", "project_id", "type", "payload", "state", "attempt", "max_retries", "unique_key", "asset_key", "error", "created_at", "updated_at", "claimed_at", "owner_id"}
	mock.ExpectQuery("SELECT id, project_id, type").WillReturnRows(
		sqlmock.NewRows(jobCols).AddRow(
			"job-1", "p1", domain.JobRenderVideo, []byte(`{}`), domain.JobFatal, 2, 3, "k1", "", "boom",
			time.Now(), time.Now(), nil, "",
		),
	)
	mock.ExpectQuery("UPDATE jobs SET").
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow("p1"))

	err := h.Handle(context.Background(), domain.Command{
		Type: domain.CommandResolveIntervention, ProjectID: "p1", JobID: "job-1", Action: domain.InterventionCancel,
	})
	require.NoError(t, err)
}

func TestHandler_HandleJobCompletion_MaterializesScenesFromStoryboard(t *testing.T) {
	h, mock, _, closeFn := newTestHandler(t)
	defer closeFn()

	jobCols := []string{"id", "project_id", "type", "payload", "state", "attempt", "max_retries", "unique_key", "asset_key", "error", "created_at", "updated_at", "claimed_at", "owner_id"}
	projectCols := []string{"id", "status", "metadata", "generation_rules", "generation_rules_history", "force_regenerate_scene_ids", "assets", "created_at", "updated_at"}
	sceneCols := []string{"id", "project_id", "index", "start_time", "end_time", "duration", "description", "shot_type", "camera_movement", "lighting", "mood", "character_ids", "location_id", "status", "assets", "updated_at"}
	characterCols := []string{"id", "project_id", "name", "state", "assets", "updated_at"}
	locationCols := characterCols

	metadata, err := json.Marshal(domain.ProjectMetadata{Title: "t"})
	require.NoError(t, err)

	storyboard := []domain.Scene{{ID: "s1", ProjectID: "p1", Index: 0, StartTime: 0, EndTime: 4, Duration: 4, Status: domain.SceneStatusPending}}
	storyboardJSON, err := json.Marshal(storyboard)
	require.NoError(t, err)

	assets := domain.AssetLedger{
		domain.AssetKeyStoryboard: domain.AssetHistory{
			Head: 1, Best: 1,
			Versions: []domain.AssetVersion{{Version: 1, Type: domain.AssetTypeText, Data: string(storyboardJSON)}},
		},
	}
	assetsJSON, err := json.Marshal(assets)
	require.NoError(t, err)

	// withProjectLock acquire.
	mock.ExpectExec("INSERT INTO locks").WillReturnResult(sqlmock.NewResult(0, 1))

	// GetJob(ev.JobID).
	mock.ExpectQuery("SELECT id, project_id, type").WillReturnRows(
		sqlmock.NewRows(jobCols).AddRow(
			"job-1", "p1", domain.JobGenerateStoryboard, []byte(`{}`), domain.JobCompleted, 1, 3, "storyboard:p1", "", "",
			time.Now(), time.Now(), nil, "",
		),
	)

	// materializeScenes: GetProjectFullState (empty scenes so far).
	mock.ExpectQuery("SELECT id, status, metadata").WillReturnRows(
		sqlmock.NewRows(projectCols).AddRow(
			"p1", domain.ProjectRunning, metadata, nil, nil, nil, []byte(`{}`), time.Now(), time.Now(),
		),
	)
	mock.ExpectQuery("FROM scenes").WillReturnRows(sqlmock.NewRows(sceneCols))
	mock.ExpectQuery("FROM characters").WillReturnRows(sqlmock.NewRows(characterCols))
	mock.ExpectQuery("FROM locations").WillReturnRows(sqlmock.NewRows(locationCols))

	// ledger.GetBestVersion reads the storyboard asset history off the project row.
	mock.ExpectQuery("SELECT assets FROM projects").WillReturnRows(
		sqlmock.NewRows([]string{"assets"}).AddRow(assetsJSON),
	)

	// repo.CreateScenes.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scenes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// progress(): re-read full state, then dispatch the first incomplete stage ("expand").
	mock.ExpectQuery("SELECT id, status, metadata").WillReturnRows(
		sqlmock.NewRows(projectCols).AddRow(
			"p1", domain.ProjectRunning, metadata, nil, nil, nil, []byte(`{}`), time.Now(), time.Now(),
		),
	)
	mock.ExpectQuery("FROM scenes").WillReturnRows(
		sqlmock.NewRows(sceneCols).AddRow(
			"s1", "p1", 0, 0, 4, 4, "", "", "", "", "", nil, "", domain.SceneStatusPending, []byte(`{}`), time.Now(),
		),
	)
	mock.ExpectQuery("FROM characters").WillReturnRows(sqlmock.NewRows(characterCols))
	mock.ExpectQuery("FROM locations").WillReturnRows(sqlmock.NewRows(locationCols))

	mock.ExpectQuery("SELECT id, project_id, type").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO jobs").WillReturnRows(
		sqlmock.NewRows(jobCols).AddRow(
			"job-2", "p1", domain.JobExpandCreativePrompt, []byte(`{}`), domain.JobCreated, 1, 3, "expand:p1", "", "",
			time.Now(), time.Now(), nil, "",
		),
	)
	mock.ExpectQuery("UPDATE jobs SET").WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow("p1"))

	// withProjectLock release.
	mock.ExpectExec("DELETE FROM locks").WillReturnResult(sqlmock.NewResult(0, 1))

	err = h.HandleJobCompletion(context.Background(), domain.JobEvent{Type: domain.JobEventCompleted, JobID: "job-1", ProjectID: "p1"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandler_HandleUpdateSceneAsset_RejectsUnknownVersion(t *testing.T) {
	h, mock, _, closeFn := newTestHandler(t)
	defer closeFn()

	mock.ExpectExec("INSERT INTO locks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT assets FROM scenes").WillReturnRows(
		sqlmock.NewRows([]string{"assets"}).AddRow([]byte(`{}`)),
	)
	mock.ExpectRollback()
	mock.ExpectExec("DELETE FROM locks").WillReturnResult(sqlmock.NewResult(0, 1))

	err := h.Handle(context.Background(), domain.Command{
		Type: domain.CommandUpdateSceneAsset, ProjectID: "p1", SceneID: "s1", AssetKey: "start_frame", Version: 5,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestNextVersion_CountsMatchingPrefix(t *testing.T) {
	jobList := []domain.Job{
		{UniqueKey: "video:p1:s1:v1"},
		{UniqueKey: "video:p1:s1:v2"},
		{UniqueKey: "video:p1:s2:v1"},
	}
	assert.Equal(t, 3, nextVersion(jobList, "video:p1:s1:v"))
	assert.Equal(t, 2, nextVersion(jobList, "video:p1:s2:v"))
}
