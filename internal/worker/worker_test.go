// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/eventbus"
	"github.com/ManuGH/reelctl/internal/jobs"
	"github.com/ManuGH/reelctl/internal/ledger"
	"github.com/ManuGH/reelctl/internal/lock"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobCols = []string{"id", "project_id", "type", "payload", "state", "attempt", "max_retries", "unique_key", "asset_key", "error", "created_at", "updated_at", "claimed_at", "owner_id"}

type fakeBus struct {
	pipelineEvents []domain.PipelineEvent
}

func (f *fakeBus) SubscribeJobEvents(ctx context.Context, group, consumer string, types []domain.JobEventType, handler eventbus.Handler) error {
	return nil
}

func (f *fakeBus) SubscribeCancellations(ctx context.Context, group, consumer string, handler eventbus.Handler) error {
	return nil
}

func (f *fakeBus) PublishPipelineEvent(ctx context.Context, ev domain.PipelineEvent) error {
	f.pipelineEvents = append(f.pipelineEvents, ev)
	return nil
}

type fakeAgent struct {
	results []Result
	errs    []error
	call    int
}

func (f *fakeAgent) Run(ctx context.Context, payload domain.JobPayload) (Result, error) {
	i := f.call
	f.call++
	var res Result
	if i < len(f.results) {
		res = f.results[i]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

func newTestWorker(t *testing.T, registry Registry) (*Worker, sqlmock.Sqlmock, *fakeBus, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db := sqlx.NewDb(mockDB, "sqlmock")
	pool := dbpool.NewForTest(db, zerolog.Nop())
	jobPlane := jobs.New(pool, nil)
	locks := lock.NewManager(pool)
	led := ledger.New(pool, locks, "worker-1")
	bus := &fakeBus{}

	w := New(Config{WorkerID: "worker-1", Concurrency: 2, SafetyRetries: 2}, bus, jobPlane, led, registry, zerolog.Nop())
	return w, mock, bus, func() { _ = mockDB.Close() }
}

func expectJobUpdate(mock sqlmock.Sqlmock, projectID string) {
	mock.ExpectQuery("UPDATE jobs SET").
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow(projectID))
}

func exampleJob(jobType domain.JobType) domain.Job {
	return domain.Job{
		ID: "job-1", ProjectID: "p1", Type: jobType, State: domain.JobRunning,
		Attempt: 1, MaxRetries: 3, UniqueKey: "k1",
	}
}

func TestWorker_Execute_Success_PublishesAssetAndEvent(t *testing.T) {
	agent := &fakeAgent{results: []Result{{AssetKey: "asset-1", Event: &domain.PipelineEvent{Type: domain.PipelineEventSceneUpdate}}}}
	w, mock, bus, closeFn := newTestWorker(t, Registry{domain.JobRenderVideo: agent})
	defer closeFn()

	expectJobUpdate(mock, "p1")

	w.execute(context.Background(), exampleJob(domain.JobRenderVideo))

	require.Len(t, bus.pipelineEvents, 1)
	assert.Equal(t, domain.PipelineEventSceneUpdate, bus.pipelineEvents[0].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_Execute_ValidationErrorMarksFatal(t *testing.T) {
	agent := &fakeAgent{errs: []error{domain.ErrValidationf("bad output")}}
	w, mock, _, closeFn := newTestWorker(t, Registry{domain.JobRenderVideo: agent})
	defer closeFn()

	expectJobUpdate(mock, "p1")

	w.execute(context.Background(), exampleJob(domain.JobRenderVideo))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_Execute_TransientErrorMarksFailed(t *testing.T) {
	agent := &fakeAgent{errs: []error{domain.ErrTransient}}
	w, mock, _, closeFn := newTestWorker(t, Registry{domain.JobRenderVideo: agent})
	defer closeFn()

	expectJobUpdate(mock, "p1")

	w.execute(context.Background(), exampleJob(domain.JobRenderVideo))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_Execute_NoAgentRegisteredMarksFatal(t *testing.T) {
	w, mock, _, closeFn := newTestWorker(t, Registry{})
	defer closeFn()

	expectJobUpdate(mock, "p1")

	w.execute(context.Background(), exampleJob(domain.JobRenderVideo))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_RunWithSafetyRetries_SucceedsAfterFilteredAttempt(t *testing.T) {
	agent := &fakeAgent{
		errs:    []error{domain.ErrSafetyFiltered},
		results: []Result{{}, {AssetKey: "asset-2"}},
	}
	w, _, _, closeFn := newTestWorker(t, Registry{domain.JobRenderVideo: agent})
	defer closeFn()

	result, err := w.runWithSafetyRetries(context.Background(), agent, domain.JobPayload{})
	require.NoError(t, err)
	assert.Equal(t, "asset-2", result.AssetKey)
	assert.Equal(t, 2, agent.call)
}

func TestWorker_RunWithSafetyRetries_ExhaustsAndReturnsLastError(t *testing.T) {
	agent := &fakeAgent{errs: []error{domain.ErrSafetyFiltered, domain.ErrSafetyFiltered}}
	w, _, _, closeFn := newTestWorker(t, Registry{domain.JobRenderVideo: agent})
	defer closeFn()

	_, err := w.runWithSafetyRetries(context.Background(), agent, domain.JobPayload{})
	assert.ErrorIs(t, err, domain.ErrSafetyFiltered)
	assert.Equal(t, 2, agent.call)
}

func TestWorker_OnDispatched_ClaimsAndSpawnsExecution(t *testing.T) {
	agent := &fakeAgent{results: []Result{{AssetKey: "asset-3"}}}
	w, mock, _, closeFn := newTestWorker(t, Registry{domain.JobRenderVideo: agent})
	defer closeFn()

	mock.ExpectQuery("UPDATE jobs SET").WillReturnRows(
		sqlmock.NewRows(jobCols).AddRow(
			"job-1", "p1", domain.JobRenderVideo, []byte(`{}`), domain.JobRunning, 1, 3, "k1", "", "",
			time.Now(), time.Now(), nil, "worker-1",
		),
	)
	expectJobUpdate(mock, "p1")

	data, err := json.Marshal(domain.JobEvent{Type: domain.JobEventDispatched, JobID: "job-1", ProjectID: "p1"})
	require.NoError(t, err)

	require.NoError(t, w.onDispatched(context.Background(), eventbus.Message{Type: string(domain.JobEventDispatched), Data: data}))

	require.Eventually(t, func() bool {
		return agent.call == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_Complete_VersionsAssetsBeforeMarkingComplete(t *testing.T) {
	agent := &fakeAgent{results: []Result{{
		AssetKey: string(domain.AssetKeyStoryboard),
		Assets: []ledger.AssetInput{{
			Entity: domain.EntityRef{Type: domain.EntityProject, ID: "p1"},
			Type:   domain.AssetTypeText,
			Data:   `[]`,
		}},
	}}}
	w, mock, _, closeFn := newTestWorker(t, Registry{domain.JobGenerateStoryboard: agent})
	defer closeFn()

	mock.ExpectExec("INSERT INTO locks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT assets FROM projects").
		WillReturnRows(sqlmock.NewRows([]string{"assets"}).AddRow([]byte(`{}`)))
	mock.ExpectExec("UPDATE projects SET assets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("DELETE FROM locks").WillReturnResult(sqlmock.NewResult(0, 1))
	expectJobUpdate(mock, "p1")

	w.execute(context.Background(), exampleJob(domain.JobGenerateStoryboard))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_OnCancellation_CancelsTrackedContext(t *testing.T) {
	w, _, _, closeFn := newTestWorker(t, Registry{})
	defer closeFn()

	ctx, cancel := context.WithCancel(context.Background())
	w.trackCancel("p1", cancel)

	data, err := json.Marshal(domain.CancellationEvent{ProjectID: "p1"})
	require.NoError(t, err)

	require.NoError(t, w.onCancellation(context.Background(), eventbus.Message{Data: data}))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected tracked context to be cancelled")
	}
}

func TestTruncateError_LimitsTo200Chars(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	got := truncateError(assertError{msg: string(long)})
	assert.Len(t, got, 200)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
