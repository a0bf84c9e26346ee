package engine

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/slipway-io/slipway/sdk"
)

// Scheduler triggers pipelines that carry a cron schedule. Each active
// scheduled pipeline gets one cron entry; firing it is an ordinary
// scheduled trigger through the engine.
type Scheduler struct {
	engine *Engine
	store  Store
	cron   *cron.Cron
	log    zerolog.Logger
}

func NewScheduler(engine *Engine, store Store, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		store:  store,
		cron:   cron.New(),
		log:    logger,
	}
}

// Start loads the scheduled pipelines and begins firing them. Pipelines
// with an unparsable schedule are skipped and logged, not fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	pipelines, err := s.store.ScheduledPipelines()
	if err != nil {
		return err
	}

	for _, p := range pipelines {
		pipelineID := p.ID
		branch := p.Branch

		_, err := s.cron.AddFunc(p.Schedule, func() {
			if _, err := s.engine.TriggerRun(ctx, pipelineID, branch, sdk.TriggerScheduled); err != nil {
				s.log.Warn().Err(err).Int64("p_id", pipelineID).Msg("scheduled trigger failed")
			}
		})
		if err != nil {
			s.log.Warn().Err(err).Int64("p_id", pipelineID).Str("schedule", p.Schedule).Msg("invalid schedule, skipping")
			continue
		}

		s.log.Info().Int64("p_id", pipelineID).Str("schedule", p.Schedule).Msg("pipeline scheduled")
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loop. Triggers already in flight are not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
