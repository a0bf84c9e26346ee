package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-io/slipway/sdk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "slipway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestPipeline(t *testing.T, st *Store, repositoryID int64) *sdk.Pipeline {
	t.Helper()
	p := &sdk.Pipeline{
		RepositoryID: repositoryID,
		Config:       "pipelines:\n  default: []\n",
		Workspace:    "acme",
		RepoSlug:     "widgets",
	}
	require.NoError(t, st.CreatePipeline(p))
	return p
}

func TestCreatePipeline_Defaults(t *testing.T) {
	st := newTestStore(t)
	p := newTestPipeline(t, st, 1)

	assert.NotZero(t, p.ID)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, sdk.StatusPlanned, p.Status)
	assert.Equal(t, "main", p.Branch)
	assert.True(t, p.Active)
}

func TestCreatePipeline_DeactivatesPrior(t *testing.T) {
	st := newTestStore(t)
	first := newTestPipeline(t, st, 1)
	second := newTestPipeline(t, st, 1)

	got, err := st.GetPipeline(first.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	active, err := st.ActivePipeline(1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestNewPipelineVersion(t *testing.T) {
	st := newTestStore(t)
	prior := newTestPipeline(t, st, 1)
	require.NoError(t, st.UpdatePipelineStatus(prior.ID, sdk.StatusSuccess, time.Now()))

	next, err := st.NewPipelineVersion(prior.ID, "pipelines:\n  default:\n    - step:\n        script: [make]\n")
	require.NoError(t, err)

	assert.Equal(t, prior.Version+1, next.Version)
	assert.Equal(t, sdk.StatusPlanned, next.Status)
	assert.Equal(t, prior.RepositoryID, next.RepositoryID)
	assert.Equal(t, prior.Workspace, next.Workspace)

	versions, err := st.ListPipelines(1)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, next.ID, versions[0].ID)
	assert.False(t, versions[1].Active)
}

func TestGetPipeline_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetPipeline(99)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.ActivePipeline(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduledPipelines(t *testing.T) {
	st := newTestStore(t)
	newTestPipeline(t, st, 1)

	scheduled := &sdk.Pipeline{
		RepositoryID: 2,
		Config:       "pipelines:\n  default: []\n",
		Schedule:     "0 3 * * *",
	}
	require.NoError(t, st.CreatePipeline(scheduled))

	got, err := st.ScheduledPipelines()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, scheduled.ID, got[0].ID)
}

func TestUpdatePipelineStatus(t *testing.T) {
	st := newTestStore(t)
	p := newTestPipeline(t, st, 1)

	at := time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpdatePipelineStatus(p.ID, sdk.StatusBuilding, at))

	got, err := st.GetPipeline(p.ID)
	require.NoError(t, err)
	assert.Equal(t, sdk.StatusBuilding, got.Status)
	require.NotNil(t, got.LastExecutionAt)
	assert.Equal(t, at, got.LastExecutionAt.UTC())
}

func TestSetPipelineTestResult(t *testing.T) {
	st := newTestStore(t)
	p := newTestPipeline(t, st, 1)

	require.NoError(t, st.SetPipelineTestResult(p.ID, sdk.StatusFailed, "=== build ===\nboom\n", "step build failed"))

	got, err := st.GetPipeline(p.ID)
	require.NoError(t, err)
	assert.Equal(t, sdk.StatusFailed, got.Status)
	assert.Contains(t, got.TestOutput, "boom")
	assert.Equal(t, "step build failed", got.ErrorMessage)
}

func newTestRun(t *testing.T, st *Store, pipelineID int64) *sdk.ExecutionRun {
	t.Helper()
	r := &sdk.ExecutionRun{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		Status:     sdk.StatusBuilding,
		Trigger:    sdk.TriggerManual,
		RemoteUUID: "{" + uuid.NewString() + "}",
	}
	require.NoError(t, st.CreateRun(r))
	return r
}

func TestCreateAndGetRun(t *testing.T) {
	st := newTestStore(t)
	p := newTestPipeline(t, st, 1)
	r := newTestRun(t, st, p.ID)

	got, err := st.GetRun(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, sdk.StatusBuilding, got.Status)
	assert.Equal(t, sdk.TriggerManual, got.Trigger)
	assert.Equal(t, r.RemoteUUID, got.RemoteUUID)
	assert.False(t, got.StartedAt.IsZero())
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.PreviousRunID)
}

func TestGetRun_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetRun(uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRunStatus(t *testing.T) {
	st := newTestStore(t)
	p := newTestPipeline(t, st, 1)
	r := newTestRun(t, st, p.ID)

	require.NoError(t, st.UpdateRunStatus(r.ID, sdk.StatusTesting))

	got, err := st.GetRun(r.ID)
	require.NoError(t, err)
	assert.Equal(t, sdk.StatusTesting, got.Status)

	// A status update touches nothing else.
	assert.Empty(t, got.Logs)
	assert.Nil(t, got.CompletedAt)
}

func TestCompleteRun(t *testing.T) {
	st := newTestStore(t)
	p := newTestPipeline(t, st, 1)
	r := newTestRun(t, st, p.ID)

	completedAt := time.Date(2024, 4, 2, 12, 5, 0, 0, time.UTC)
	require.NoError(t, st.CompleteRun(r.ID, sdk.StatusSuccess, "=== build ===\nok\n", 300, completedAt))

	got, err := st.GetRun(r.ID)
	require.NoError(t, err)
	assert.Equal(t, sdk.StatusSuccess, got.Status)
	assert.Contains(t, got.Logs, "=== build ===")
	assert.Equal(t, 300, got.DurationSeconds)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, completedAt, got.CompletedAt.UTC())
}

func TestRecordFailedRun(t *testing.T) {
	st := newTestStore(t)
	p := newTestPipeline(t, st, 1)

	r := &sdk.ExecutionRun{
		ID:           uuid.NewString(),
		PipelineID:   p.ID,
		Trigger:      sdk.TriggerManual,
		ErrorMessage: "trigger failed after 4 attempts: remote API returned 502",
	}
	require.NoError(t, st.RecordFailedRun(r))

	got, err := st.GetRun(r.ID)
	require.NoError(t, err)
	assert.Equal(t, sdk.StatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.ErrorMessage, "4 attempts")
}

func TestRollbackLinkage(t *testing.T) {
	st := newTestStore(t)
	p := newTestPipeline(t, st, 1)
	original := newTestRun(t, st, p.ID)

	rollback := &sdk.ExecutionRun{
		ID:             uuid.NewString(),
		PipelineID:     p.ID,
		Status:         sdk.StatusBuilding,
		Trigger:        sdk.TriggerManual,
		RolledBack:     true,
		RollbackReason: "bad deploy",
		PreviousRunID:  original.ID,
	}
	require.NoError(t, st.CreateRun(rollback))

	got, err := st.GetRun(rollback.ID)
	require.NoError(t, err)
	assert.True(t, got.RolledBack)
	assert.Equal(t, "bad deploy", got.RollbackReason)
	assert.Equal(t, original.ID, got.PreviousRunID)
}

func TestListRuns_NewestFirst(t *testing.T) {
	st := newTestStore(t)
	p := newTestPipeline(t, st, 1)

	older := &sdk.ExecutionRun{
		ID:         uuid.NewString(),
		PipelineID: p.ID,
		Status:     sdk.StatusSuccess,
		Trigger:    sdk.TriggerManual,
		StartedAt:  time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, st.CreateRun(older))
	newer := newTestRun(t, st, p.ID)

	runs, err := st.ListRuns(p.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, older.ID, runs[1].ID)
}

func TestSetRunError(t *testing.T) {
	st := newTestStore(t)
	p := newTestPipeline(t, st, 1)
	r := newTestRun(t, st, p.ID)

	require.NoError(t, st.SetRunError(r.ID, "status fetch failed: remote API returned 502"))

	got, err := st.GetRun(r.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMessage, "502")
	// The error alone does not terminate the run.
	assert.Equal(t, sdk.StatusBuilding, got.Status)
}
