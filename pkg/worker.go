package pkg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/shono-io/mini"

	"github.com/slipway-io/slipway/engine"
	"github.com/slipway-io/slipway/exec"
	"github.com/slipway-io/slipway/remote"
	"github.com/slipway-io/slipway/sdk"
	"github.com/slipway-io/slipway/store"
)

func NewWorker() *Worker {
	return &Worker{}
}

// Worker is the mini service worker: it owns the engine wiring and exposes
// the command surface over NATS subjects. A config document arriving on the
// config channel restarts the wiring with the new settings.
type Worker struct {
	service    *mini.Service
	configChan <-chan []byte
}

func (w *Worker) Init(service *mini.Service, configChan <-chan []byte) error {
	w.service = service
	w.configChan = configChan
	return nil
}

func (w *Worker) Run(ctx context.Context) error {
	var workerCancel context.CancelFunc
	var workerContext context.Context

	// Start from the environment; config documents overlay it.
	workerContext, workerCancel = context.WithCancel(ctx)
	go w.perform(workerContext, LoadEnv())

	for {
		select {
		case <-ctx.Done():
			if workerCancel != nil {
				workerCancel()
			}
			return nil

		case b := <-w.configChan:
			if b == nil {
				if workerCancel != nil {
					workerCancel()
				}
				return nil
			}

			cfg := LoadEnv()
			if err := json.Unmarshal(b, &cfg); err != nil {
				if workerCancel != nil {
					workerCancel()
				}
				return err
			}

			// -- restart the wiring with the new configuration
			if workerCancel != nil {
				workerCancel()
			}

			workerContext, workerCancel = context.WithCancel(ctx)
			go w.perform(workerContext, cfg)
		}
	}
}

func (w *Worker) Close() {
}

type triggerCommand struct {
	PipelineID int64  `json:"pipeline_id"`
	Branch     string `json:"branch"`
	Trigger    string `json:"trigger"`
}

type testCommand struct {
	PipelineID int64 `json:"pipeline_id"`
}

type rollbackCommand struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

type watchCommand struct {
	RunID string `json:"run_id"`
}

func (w *Worker) perform(ctx context.Context, cfg Config) {
	w.service.Log.Debug().Msg("initializing store")
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		w.service.Log.Err(err).Msg("unable to open store")
		return
	}

	w.service.Log.Debug().Msg("initializing sandbox")
	sandbox, err := exec.NewDockerSandbox(cfg.Executor, log.With().Str("component", "sandbox").Logger())
	if err != nil {
		w.service.Log.Err(err).Msg("unable to create sandbox")
		return
	}
	runner := exec.NewRunner(sandbox, cfg.Executor, log.With().Str("component", "runner").Logger())

	emitter := engine.NewNATSEmitter(w.service.Nats(), cfg.SubjectPrefix, log.With().Str("component", "emitter").Logger())
	poller := engine.NewPoller(st, emitter, engine.PollConfig{
		Interval:      time.Duration(cfg.Poll.IntervalSeconds) * time.Second,
		MaxIterations: cfg.Poll.MaxIterations,
	}, log.With().Str("component", "poller").Logger())

	clients := func(p *sdk.Pipeline) remote.Client {
		return remote.NewBitbucketClient(remote.BitbucketConfig{
			BaseURL:   cfg.Bitbucket.Url,
			Workspace: p.Workspace,
			RepoSlug:  p.RepoSlug,
			Token:     cfg.Bitbucket.Token,
		}, log.With().Str("component", "bitbucket").Logger())
	}

	eng := engine.New(engine.Options{
		Store:       st,
		Runner:      runner,
		Client:      clients,
		Poller:      poller,
		Retry:       remote.Policy{MaxRetries: cfg.Retry.MaxRetries, Retry: cfg.Retry.Enabled},
		AutoMonitor: true,
		Logger:      log.With().Str("component", "engine").Logger(),
	})

	scheduler := engine.NewScheduler(eng, st, log.With().Str("component", "scheduler").Logger())
	if err := scheduler.Start(ctx); err != nil {
		w.service.Log.Err(err).Msg("unable to start scheduler")
	}

	subs := w.subscribe(ctx, cfg.SubjectPrefix, eng)

	w.service.Log.Info().Msg("ready to receive pipeline commands")
	<-ctx.Done()

	w.service.Log.Info().Msg("worker execution stopped")
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.service.Log.Warn().Err(err).Msg("unable to unsubscribe")
		}
	}
	scheduler.Stop()
	eng.Registry().CancelAll()
	if err := st.Close(); err != nil {
		w.service.Log.Warn().Err(err).Msg("unable to close store")
	}
}

func (w *Worker) subscribe(ctx context.Context, prefix string, eng *engine.Engine) []*nats.Subscription {
	nc := w.service.Nats()
	var subs []*nats.Subscription

	sub := func(suffix string, handler nats.MsgHandler) {
		subject := fmt.Sprintf("%s.cmd.%s", prefix, suffix)
		s, err := nc.Subscribe(subject, handler)
		if err != nil {
			w.service.Log.Err(err).Msgf("unable to subscribe to %s", subject)
			return
		}
		subs = append(subs, s)
	}

	sub("trigger", func(msg *nats.Msg) {
		var cmd triggerCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			w.service.Log.Warn().Err(err).Msg("malformed trigger command")
			return
		}
		kind := sdk.TriggerKind(cmd.Trigger)
		if kind == "" {
			kind = sdk.TriggerManual
		}
		go func() {
			if _, err := eng.TriggerRun(ctx, cmd.PipelineID, cmd.Branch, kind); err != nil {
				w.service.Log.Warn().Err(err).Int64("p_id", cmd.PipelineID).Msg("trigger failed")
			}
		}()
	})

	sub("test", func(msg *nats.Msg) {
		var cmd testCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			w.service.Log.Warn().Err(err).Msg("malformed test command")
			return
		}
		go func() {
			res, err := eng.TestLocally(ctx, cmd.PipelineID)
			if err != nil {
				w.service.Log.Warn().Err(err).Int64("p_id", cmd.PipelineID).Msg("local test failed")
				return
			}
			w.service.Log.Info().Int64("p_id", cmd.PipelineID).Bool("success", res.Success).Msg("local test completed")
		}()
	})

	sub("rollback", func(msg *nats.Msg) {
		var cmd rollbackCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			w.service.Log.Warn().Err(err).Msg("malformed rollback command")
			return
		}
		go func() {
			if _, err := eng.RollbackRun(ctx, cmd.RunID, cmd.Reason); err != nil {
				w.service.Log.Warn().Err(err).Str("run_id", cmd.RunID).Msg("rollback failed")
			}
		}()
	})

	sub("watch", func(msg *nats.Msg) {
		var cmd watchCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			w.service.Log.Warn().Err(err).Msg("malformed watch command")
			return
		}
		run, err := eng.GetRun(cmd.RunID)
		if err != nil {
			w.service.Log.Warn().Err(err).Str("run_id", cmd.RunID).Msg("unknown run")
			return
		}
		if err := eng.StartMonitor(run); err != nil {
			w.service.Log.Debug().Err(err).Str("run_id", cmd.RunID).Msg("monitor not started")
		}
	})

	sub("unwatch", func(msg *nats.Msg) {
		var cmd watchCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			w.service.Log.Warn().Err(err).Msg("malformed unwatch command")
			return
		}
		eng.StopMonitor(cmd.RunID)
	})

	return subs
}
