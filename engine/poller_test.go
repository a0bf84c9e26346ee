package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-io/slipway/remote"
	"github.com/slipway-io/slipway/sdk"
	"github.com/slipway-io/slipway/store"
)

// fakeStore records every write the engine and poller make. Reads are served
// from the pipelines and runs maps.
type fakeStore struct {
	mu sync.Mutex

	pipelines map[int64]*sdk.Pipeline
	runs      map[string]*sdk.ExecutionRun

	createdRuns     []*sdk.ExecutionRun
	failedRuns      []*sdk.ExecutionRun
	statusUpdates   []sdk.Status
	runErrors       []string
	completions     []completion
	pipelineStatus  []sdk.Status
	testResults     []testResult
	scheduledResult []*sdk.Pipeline
}

type completion struct {
	id       string
	status   sdk.Status
	logs     string
	duration int
}

type testResult struct {
	status sdk.Status
	output string
	errMsg string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pipelines: make(map[int64]*sdk.Pipeline),
		runs:      make(map[string]*sdk.ExecutionRun),
	}
}

func (f *fakeStore) GetPipeline(id int64) (*sdk.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pipelines[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) UpdatePipelineStatus(id int64, status sdk.Status, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelineStatus = append(f.pipelineStatus, status)
	if p, ok := f.pipelines[id]; ok {
		p.Status = status
	}
	return nil
}

func (f *fakeStore) SetPipelineTestResult(id int64, status sdk.Status, output, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.testResults = append(f.testResults, testResult{status, output, errMsg})
	return nil
}

func (f *fakeStore) ScheduledPipelines() ([]*sdk.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduledResult, nil
}

func (f *fakeStore) CreateRun(r *sdk.ExecutionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdRuns = append(f.createdRuns, r)
	f.runs[r.ID] = r
	return nil
}

func (f *fakeStore) RecordFailedRun(r *sdk.ExecutionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.Status = sdk.StatusFailed
	f.failedRuns = append(f.failedRuns, r)
	f.runs[r.ID] = r
	return nil
}

func (f *fakeStore) GetRun(id string) (*sdk.ExecutionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) UpdateRunStatus(id string, status sdk.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, status)
	if r, ok := f.runs[id]; ok {
		r.Status = status
	}
	return nil
}

func (f *fakeStore) SetRunError(id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runErrors = append(f.runErrors, message)
	return nil
}

func (f *fakeStore) CompleteRun(id string, status sdk.Status, logs string, durationSeconds int, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, completion{id, status, logs, durationSeconds})
	if r, ok := f.runs[id]; ok {
		r.Status = status
	}
	return nil
}

// fakeEmitter captures emitted events in order.
type fakeEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeEmitter) Emit(pipelineID int64, event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEmitter) ofType(t EventType) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// scriptedFetcher returns its reports in order, repeating the last one once
// the script is exhausted.
type scriptedFetcher struct {
	reports []remote.StatusReport
	err     error
	calls   int
}

func (s *scriptedFetcher) FetchStatus(ctx context.Context, runUUID string) (remote.StatusReport, error) {
	s.calls++
	if s.err != nil {
		return remote.StatusReport{}, s.err
	}
	i := s.calls - 1
	if i >= len(s.reports) {
		i = len(s.reports) - 1
	}
	return s.reports[i], nil
}

func newTestPoller(store Store, emitter Emitter, maxIterations int) *Poller {
	return NewPoller(store, emitter, PollConfig{
		Interval:      time.Millisecond,
		MaxIterations: maxIterations,
	}, zerolog.Nop())
}

func buildingRun() *sdk.ExecutionRun {
	return &sdk.ExecutionRun{
		ID:         "run-1",
		PipelineID: 7,
		Status:     sdk.StatusBuilding,
		RemoteUUID: "{remote-1}",
		StartedAt:  time.Now().UTC().Add(-time.Minute),
	}
}

func report(state string, steps ...remote.StepReport) remote.StatusReport {
	return remote.StatusReport{State: state, Steps: steps}
}

func TestMonitor_FirstFetchEmitsEverything(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	fetcher := &scriptedFetcher{reports: []remote.StatusReport{
		report("IN_PROGRESS",
			remote.StepReport{Name: "build", State: "IN_PROGRESS", Log: "compiling"},
			remote.StepReport{Name: "deploy", State: "PENDING"},
		),
		report("SUCCESSFUL",
			remote.StepReport{Name: "build", State: "SUCCESSFUL"},
			remote.StepReport{Name: "deploy", State: "SUCCESSFUL"},
		),
	}}

	newTestPoller(store, emitter, 10).Monitor(context.Background(), buildingRun(), fetcher)

	updates := emitter.ofType(EventLogUpdate)
	require.NotEmpty(t, updates)

	// The baseline update carries every step, changed or not.
	require.Len(t, updates[0].Steps, 2)
	assert.Equal(t, "build", updates[0].Steps[0].Name)
	assert.Equal(t, "compiling", updates[0].Steps[0].LogPreview)
	assert.Equal(t, "IN_PROGRESS", updates[0].OverallState)

	// The first status_changed is emitted even without an actual change.
	changes := emitter.ofType(EventStatusChanged)
	require.NotEmpty(t, changes)
	assert.Equal(t, sdk.StatusBuilding, changes[0].Status)
	assert.Equal(t, sdk.StatusBuilding, changes[0].PreviousStatus)
}

func TestMonitor_OnlyChangedStepsAfterBaseline(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}

	steady := remote.StepReport{Name: "build", State: "IN_PROGRESS"}
	fetcher := &scriptedFetcher{reports: []remote.StatusReport{
		report("IN_PROGRESS", steady, remote.StepReport{Name: "deploy", State: "PENDING"}),
		report("IN_PROGRESS", steady, remote.StepReport{Name: "deploy", State: "PENDING"}),
		report("IN_PROGRESS", steady, remote.StepReport{Name: "deploy", State: "IN_PROGRESS"}),
		report("SUCCESSFUL",
			remote.StepReport{Name: "build", State: "SUCCESSFUL"},
			remote.StepReport{Name: "deploy", State: "SUCCESSFUL"},
		),
	}}

	newTestPoller(store, emitter, 10).Monitor(context.Background(), buildingRun(), fetcher)

	updates := emitter.ofType(EventLogUpdate)
	require.Len(t, updates, 3)

	// Baseline, then only the deploy transition, then the final states.
	assert.Len(t, updates[0].Steps, 2)
	require.Len(t, updates[1].Steps, 1)
	assert.Equal(t, "deploy", updates[1].Steps[0].Name)
	assert.Equal(t, "IN_PROGRESS", updates[1].Steps[0].State)
	assert.Len(t, updates[2].Steps, 2)
}

func TestMonitor_CompletesOnTerminalState(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	fetcher := &scriptedFetcher{reports: []remote.StatusReport{
		report("BUILDING"),
		report("BUILDING"),
		report("COMPLETED",
			remote.StepReport{Name: "build", State: "COMPLETED", Log: "done\n"},
		),
	}}

	run := buildingRun()
	newTestPoller(store, emitter, 10).Monitor(context.Background(), run, fetcher)

	// The loop stops at the terminal fetch, not the iteration cap.
	assert.Equal(t, 3, fetcher.calls)

	// Baseline emission plus the transition to SUCCESS.
	changes := emitter.ofType(EventStatusChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, sdk.StatusBuilding, changes[0].Status)
	assert.Equal(t, sdk.StatusSuccess, changes[1].Status)
	assert.Equal(t, sdk.StatusBuilding, changes[1].PreviousStatus)

	completes := emitter.ofType(EventRunComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, sdk.StatusSuccess, completes[0].Status)

	require.Len(t, store.completions, 1)
	assert.Equal(t, run.ID, store.completions[0].id)
	assert.Equal(t, sdk.StatusSuccess, store.completions[0].status)
	assert.Contains(t, store.completions[0].logs, "=== build ===")
	assert.Contains(t, store.completions[0].logs, "done")

	// The final status is mirrored onto the pipeline.
	require.NotEmpty(t, store.pipelineStatus)
	assert.Equal(t, sdk.StatusSuccess, store.pipelineStatus[len(store.pipelineStatus)-1])
}

func TestMonitor_FailedRemoteRun(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	fetcher := &scriptedFetcher{reports: []remote.StatusReport{
		report("FAILED", remote.StepReport{Name: "build", State: "FAILED", Log: "boom"}),
	}}

	newTestPoller(store, emitter, 10).Monitor(context.Background(), buildingRun(), fetcher)

	completes := emitter.ofType(EventRunComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, sdk.StatusFailed, completes[0].Status)

	require.Len(t, store.completions, 1)
	assert.Equal(t, sdk.StatusFailed, store.completions[0].status)
}

func TestMonitor_IterationCap(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	fetcher := &scriptedFetcher{reports: []remote.StatusReport{report("IN_PROGRESS")}}

	newTestPoller(store, emitter, 3).Monitor(context.Background(), buildingRun(), fetcher)

	assert.Equal(t, 3, fetcher.calls)

	timeouts := emitter.ofType(EventPollTimeout)
	require.Len(t, timeouts, 1)

	// The run may still be in progress remotely, so its status is untouched.
	assert.Empty(t, store.completions)
	assert.Empty(t, store.statusUpdates)
	assert.Empty(t, emitter.ofType(EventRunComplete))
}

func TestMonitor_FetchErrorStopsLoop(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	fetcher := &scriptedFetcher{err: &remote.TransientError{Err: assert.AnError}}

	newTestPoller(store, emitter, 10).Monitor(context.Background(), buildingRun(), fetcher)

	assert.Equal(t, 1, fetcher.calls)

	errs := emitter.ofType(EventPollError)
	require.Len(t, errs, 1)
	assert.NotEmpty(t, errs[0].Error)

	require.Len(t, store.runErrors, 1)
	assert.Empty(t, store.completions)
}

func TestMonitor_PersistsStatusTransitions(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	fetcher := &scriptedFetcher{reports: []remote.StatusReport{
		report("BUILDING"),
		report("TESTING"),
		report("DEPLOYING"),
		report("COMPLETED"),
	}}

	newTestPoller(store, emitter, 10).Monitor(context.Background(), buildingRun(), fetcher)

	assert.Equal(t, []sdk.Status{sdk.StatusTesting, sdk.StatusDeploying, sdk.StatusSuccess}, store.statusUpdates)
}

func TestMonitor_LogPreviewTruncated(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	longLog := strings.Repeat("x", 2000)
	fetcher := &scriptedFetcher{reports: []remote.StatusReport{
		report("COMPLETED", remote.StepReport{Name: "build", State: "COMPLETED", Log: longLog}),
	}}

	newTestPoller(store, emitter, 10).Monitor(context.Background(), buildingRun(), fetcher)

	updates := emitter.ofType(EventLogUpdate)
	require.Len(t, updates, 1)
	require.Len(t, updates[0].Steps, 1)
	assert.Len(t, updates[0].Steps[0].LogPreview, 500)

	// The persisted transcript keeps the full log.
	require.Len(t, store.completions, 1)
	assert.Contains(t, store.completions[0].logs, longLog)
}

func TestAssembleTranscript(t *testing.T) {
	transcript := assembleTranscript([]remote.StepReport{
		{Name: "build", Log: "built ok\n"},
		{Name: "deploy", Log: "deployed\n"},
	})

	assert.Contains(t, transcript, "=== build ===\nbuilt ok\n")
	assert.Contains(t, transcript, "=== deploy ===\ndeployed\n")
	assert.Less(t, strings.Index(transcript, "build"), strings.Index(transcript, "deploy"))
}
