package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/slipway-io/slipway/exec"
	"github.com/slipway-io/slipway/remote"
	"github.com/slipway-io/slipway/sdk"
)

// Store is the persistence boundary the engine writes through. Implemented
// by the SQLite store; faked in tests.
type Store interface {
	GetPipeline(id int64) (*sdk.Pipeline, error)
	UpdatePipelineStatus(id int64, status sdk.Status, at time.Time) error
	SetPipelineTestResult(id int64, status sdk.Status, output, errMsg string) error
	ScheduledPipelines() ([]*sdk.Pipeline, error)

	CreateRun(r *sdk.ExecutionRun) error
	RecordFailedRun(r *sdk.ExecutionRun) error
	GetRun(id string) (*sdk.ExecutionRun, error)
	UpdateRunStatus(id string, status sdk.Status) error
	SetRunError(id, message string) error
	CompleteRun(id string, status sdk.Status, logs string, durationSeconds int, completedAt time.Time) error
}

// LocalRunner executes a definition in local sandboxes for a dry run.
// Satisfied by *exec.Runner.
type LocalRunner interface {
	Run(ctx context.Context, def *sdk.PipelineDefinition, source string) exec.Result
}

// ClientFunc builds the remote client for a pipeline's repository.
type ClientFunc func(p *sdk.Pipeline) remote.Client

// ErrAlreadyMonitored is returned when a monitor is requested for a run
// that already has one live.
var ErrAlreadyMonitored = errors.New("run is already being monitored")

// Engine owns the execution lifecycle: it triggers remote runs with bounded
// retry, creates and completes execution records through valid transitions
// only, runs local dry runs, and hands live runs to the poller.
type Engine struct {
	store    Store
	runner   LocalRunner
	client   ClientFunc
	poller   *Poller
	registry *Registry
	retry    remote.Policy
	log      zerolog.Logger

	// autoMonitor starts a poller for every successfully triggered run.
	autoMonitor bool
}

type Options struct {
	Store       Store
	Runner      LocalRunner
	Client      ClientFunc
	Poller      *Poller
	Registry    *Registry
	Retry       remote.Policy
	AutoMonitor bool
	Logger      zerolog.Logger
}

func New(opts Options) *Engine {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{
		store:       opts.Store,
		runner:      opts.Runner,
		client:      opts.Client,
		poller:      opts.Poller,
		registry:    registry,
		retry:       opts.Retry,
		autoMonitor: opts.AutoMonitor,
		log:         opts.Logger,
	}
}

// Registry exposes the monitor registry for lifecycle control (stop on
// unsubscribe, cancel-all on shutdown).
func (e *Engine) Registry() *Registry {
	return e.registry
}

// TriggerRun starts a remote pipeline run. The trigger call is wrapped in
// the engine's retry policy; when every attempt fails a terminal FAILED run
// carrying the last error and the attempt count is durably recorded and no
// poller is started. On success a BUILDING run is created and, with
// auto-monitoring on, handed to the poller.
func (e *Engine) TriggerRun(ctx context.Context, pipelineID int64, branch string, kind sdk.TriggerKind) (*sdk.ExecutionRun, error) {
	return e.trigger(ctx, pipelineID, branch, kind, "", "")
}

// RollbackRun supersedes a terminal run with a new one: a fresh trigger
// whose record points back at the run being rolled back. The prior run is
// never mutated.
func (e *Engine) RollbackRun(ctx context.Context, runID, reason string) (*sdk.ExecutionRun, error) {
	prior, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if !prior.Status.Terminal() {
		return nil, fmt.Errorf("run %s is not terminal, refusing rollback", runID)
	}

	pipeline, err := e.store.GetPipeline(prior.PipelineID)
	if err != nil {
		return nil, err
	}

	return e.trigger(ctx, prior.PipelineID, pipeline.Branch, sdk.TriggerManual, prior.ID, reason)
}

func (e *Engine) trigger(ctx context.Context, pipelineID int64, branch string, kind sdk.TriggerKind, previousRunID, rollbackReason string) (*sdk.ExecutionRun, error) {
	pipeline, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = pipeline.Branch
	}

	client := e.client(pipeline)
	startedAt := time.Now().UTC()

	var result remote.TriggerResult
	triggerErr := remote.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		result, err = client.Trigger(ctx, branch)
		return err
	})

	run := &sdk.ExecutionRun{
		ID:             uuid.NewString(),
		PipelineID:     pipelineID,
		Trigger:        kind,
		PreviousRunID:  previousRunID,
		RolledBack:     previousRunID != "",
		RollbackReason: rollbackReason,
		StartedAt:      startedAt,
	}

	if triggerErr != nil {
		var exhausted *remote.ExhaustedError
		attempts := 1
		if errors.As(triggerErr, &exhausted) {
			attempts = exhausted.Attempts
		}

		run.ErrorMessage = fmt.Sprintf("trigger failed after %d attempts: %v", attempts, errors.Unwrap(triggerErr))
		run.DurationSeconds = int(time.Now().UTC().Sub(startedAt).Seconds())

		// The failure record is audit history: it must land even when
		// the caller rolls back whatever surrounds this trigger.
		if err := e.store.RecordFailedRun(run); err != nil {
			e.log.Error().Err(err).Int64("p_id", pipelineID).Msg("unable to record failed trigger")
		}
		if err := e.store.UpdatePipelineStatus(pipelineID, sdk.StatusFailed, time.Now().UTC()); err != nil {
			e.log.Error().Err(err).Int64("p_id", pipelineID).Msg("unable to mirror trigger failure")
		}

		e.log.Warn().Err(triggerErr).Int64("p_id", pipelineID).Int("attempts", attempts).Msg("remote trigger exhausted")
		return run, triggerErr
	}

	run.Status = sdk.StatusBuilding
	run.BuildNumber = result.BuildNumber
	run.RemoteUUID = result.RunUUID
	run.CommitHash = result.CommitHash

	if err := e.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("unable to create execution record: %w", err)
	}
	if err := e.store.UpdatePipelineStatus(pipelineID, sdk.StatusBuilding, startedAt); err != nil {
		e.log.Error().Err(err).Int64("p_id", pipelineID).Msg("unable to mirror trigger onto pipeline")
	}

	e.log.Info().
		Int64("p_id", pipelineID).
		Str("run_id", run.ID).
		Int("build_number", run.BuildNumber).
		Str("trigger", string(kind)).
		Msg("remote pipeline triggered")

	if e.autoMonitor {
		if err := e.StartMonitor(run); err != nil && !errors.Is(err, ErrAlreadyMonitored) {
			e.log.Warn().Err(err).Str("run_id", run.ID).Msg("unable to start monitor")
		}
	}

	return run, nil
}

// StartMonitor begins polling a live run in the background. Only one
// monitor per run may exist; a second request is rejected.
func (e *Engine) StartMonitor(run *sdk.ExecutionRun) error {
	if !run.Remote() {
		return fmt.Errorf("run %s has no remote identifier to poll", run.ID)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is already terminal", run.ID)
	}

	pipeline, err := e.store.GetPipeline(run.PipelineID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !e.registry.Add(run.ID, cancel) {
		cancel()
		return ErrAlreadyMonitored
	}

	fetch := e.client(pipeline)
	go func() {
		defer e.registry.Remove(run.ID)
		e.poller.Monitor(ctx, run, fetch)
	}()

	return nil
}

// StopMonitor cancels a run's monitor, e.g. when the last observer
// unsubscribes. State persisted up to that point remains valid.
func (e *Engine) StopMonitor(runID string) bool {
	return e.registry.Cancel(runID)
}

// GetRun returns the persisted state of a run. Terminal runs are immutable,
// so repeated reads return the same status, logs and duration without any
// polling being triggered.
func (e *Engine) GetRun(runID string) (*sdk.ExecutionRun, error) {
	return e.store.GetRun(runID)
}

// TestLocally dry-runs the pipeline's definition in local sandboxes and
// records the outcome on the pipeline and as a local execution record. This
// is the path used to gain confidence in a definition before it is trusted
// enough to trigger remotely.
func (e *Engine) TestLocally(ctx context.Context, pipelineID int64) (exec.Result, error) {
	pipeline, err := e.store.GetPipeline(pipelineID)
	if err != nil {
		return exec.Result{}, err
	}

	def, err := sdk.ParseDefinition(pipeline.Config)
	if err != nil {
		res := exec.Result{Err: err}
		e.recordLocalRun(pipeline, res, time.Now().UTC())
		return res, nil
	}

	startedAt := time.Now().UTC()
	res := e.runner.Run(ctx, def, pipeline.RepoURL)
	e.recordLocalRun(pipeline, res, startedAt)

	return res, nil
}

func (e *Engine) recordLocalRun(pipeline *sdk.Pipeline, res exec.Result, startedAt time.Time) {
	status := sdk.StatusFailed
	if res.Success {
		status = sdk.StatusSuccess
	}

	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}

	if err := e.store.SetPipelineTestResult(pipeline.ID, status, res.CombinedOutput, errMsg); err != nil {
		e.log.Error().Err(err).Int64("p_id", pipeline.ID).Msg("unable to record test result")
	}

	completedAt := time.Now().UTC()
	run := &sdk.ExecutionRun{
		ID:              uuid.NewString(),
		PipelineID:      pipeline.ID,
		Status:          status,
		Trigger:         sdk.TriggerManual,
		Logs:            res.CombinedOutput,
		ErrorMessage:    errMsg,
		StartedAt:       startedAt,
		CompletedAt:     &completedAt,
		DurationSeconds: int(completedAt.Sub(startedAt).Seconds()),
	}
	if err := e.store.CreateRun(run); err != nil {
		e.log.Error().Err(err).Int64("p_id", pipeline.ID).Msg("unable to record local run")
	}
}
