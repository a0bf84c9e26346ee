package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipway-io/slipway/remote"
	"github.com/slipway-io/slipway/sdk"
)

// StatusFetcher is the slice of the remote client the poller depends on.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, runUUID string) (remote.StatusReport, error)
}

// PollConfig bounds one monitoring loop. The product of interval and
// iteration cap bounds the total wall clock a run is watched for.
type PollConfig struct {
	Interval      time.Duration
	MaxIterations int
}

func (c PollConfig) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return 5 * time.Second
}

func (c PollConfig) maxIterations() int {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}
	return 120
}

// logPreviewLen bounds the per-step log excerpt carried in log_update
// events. The full log only travels in the persisted transcript.
const logPreviewLen = 500

// Poller repeatedly fetches the status of a remote run and streams the
// changed portions to observers until the run reaches a terminal state, the
// iteration cap elapses, or a fetch fails.
type Poller struct {
	store   Store
	emitter Emitter
	cfg     PollConfig
	log     zerolog.Logger
}

func NewPoller(store Store, emitter Emitter, cfg PollConfig, logger zerolog.Logger) *Poller {
	return &Poller{store: store, emitter: emitter, cfg: cfg, log: logger}
}

// Monitor polls the run until it completes. The first fetch always emits a
// full update to establish a baseline for observers; after that only steps
// that are new or changed state since the previous fetch are emitted. An
// overall status change is emitted separately and persisted immediately.
//
// On a terminal remote state the poller persists the assembled transcript,
// duration and completion time, mirrors the final status onto the pipeline,
// emits run_complete and stops. Reaching the iteration cap emits
// poll_timeout without touching the persisted status: the remote run may
// still be in progress. A fetch error persists the error, emits poll_error
// and stops the loop; it never retries without bound inside the loop.
func (p *Poller) Monitor(ctx context.Context, run *sdk.ExecutionRun, fetch StatusFetcher) {
	logger := p.log.With().Str("run_id", run.ID).Int64("p_id", run.PipelineID).Logger()

	lastStep := make(map[string]string)
	lastStatus := run.Status
	first := true

	for i := 0; i < p.cfg.maxIterations(); i++ {
		report, err := fetch.FetchStatus(ctx, run.RemoteUUID)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug().Msg("monitoring cancelled")
				return
			}
			logger.Warn().Err(err).Msg("status fetch failed, stopping monitor")
			if serr := p.store.SetRunError(run.ID, err.Error()); serr != nil {
				logger.Error().Err(serr).Msg("unable to persist fetch error")
			}
			p.emitter.Emit(run.PipelineID, Event{
				Type:  EventPollError,
				RunID: run.ID,
				Error: err.Error(),
			})
			return
		}

		changed := diffSteps(lastStep, report.Steps, first)
		if first || len(changed) > 0 {
			p.emitter.Emit(run.PipelineID, Event{
				Type:         EventLogUpdate,
				RunID:        run.ID,
				OverallState: report.State,
				Steps:        changed,
			})
		}

		status := sdk.FromRemoteState(report.State)
		if first || status != lastStatus {
			p.emitter.Emit(run.PipelineID, Event{
				Type:           EventStatusChanged,
				RunID:          run.ID,
				Status:         status,
				PreviousStatus: lastStatus,
			})
			if status != lastStatus && sdk.CanTransition(lastStatus, status) {
				if err := p.store.UpdateRunStatus(run.ID, status); err != nil {
					logger.Error().Err(err).Msg("unable to persist status change")
				}
			}
			lastStatus = status
		}
		first = false

		if sdk.RemoteStateTerminal(report.State) {
			p.complete(ctx, logger, run, report, status)
			return
		}

		select {
		case <-ctx.Done():
			logger.Debug().Msg("monitoring cancelled")
			return
		case <-time.After(p.cfg.interval()):
		}
	}

	logger.Warn().Msg("monitoring reached its iteration cap before the run completed")
	p.emitter.Emit(run.PipelineID, Event{Type: EventPollTimeout, RunID: run.ID})
}

func (p *Poller) complete(ctx context.Context, logger zerolog.Logger, run *sdk.ExecutionRun, report remote.StatusReport, status sdk.Status) {
	completedAt := time.Now().UTC()
	if report.CompletedOn != nil {
		completedAt = report.CompletedOn.UTC()
	}

	duration := report.DurationSeconds
	if duration == 0 {
		duration = int(completedAt.Sub(run.StartedAt).Seconds())
	}

	transcript := assembleTranscript(report.Steps)

	if err := p.store.CompleteRun(run.ID, status, transcript, duration, completedAt); err != nil {
		logger.Error().Err(err).Msg("unable to persist run completion")
	}
	if err := p.store.UpdatePipelineStatus(run.PipelineID, status, completedAt); err != nil {
		logger.Error().Err(err).Msg("unable to mirror final status onto pipeline")
	}

	p.emitter.Emit(run.PipelineID, Event{
		Type:            EventRunComplete,
		RunID:           run.ID,
		Status:          status,
		DurationSeconds: duration,
	})

	logger.Info().Str("status", string(status)).Int("duration_seconds", duration).Msg("run completed")
}

// diffSteps returns the steps to include in this iteration's update: every
// step on the first fetch, afterwards only steps not previously seen or
// whose state changed. It updates seen in place.
func diffSteps(seen map[string]string, steps []remote.StepReport, first bool) []StepUpdate {
	var changed []StepUpdate
	for _, s := range steps {
		prev, known := seen[s.Name]
		if first || !known || prev != s.State {
			changed = append(changed, StepUpdate{
				Name:            s.Name,
				State:           s.State,
				DurationSeconds: s.DurationSeconds,
				LogPreview:      preview(s.Log),
			})
		}
		seen[s.Name] = s.State
	}
	return changed
}

func preview(log string) string {
	if len(log) > logPreviewLen {
		return log[:logPreviewLen]
	}
	return log
}

// assembleTranscript joins the full logs of all steps into the durable
// combined transcript persisted on the run.
func assembleTranscript(steps []remote.StepReport) string {
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "\n=== %s ===\n", s.Name)
		b.WriteString(s.Log)
	}
	return b.String()
}
