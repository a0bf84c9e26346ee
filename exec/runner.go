package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/slipway-io/slipway/sdk"
)

const stepScriptName = "step_script.sh"

// Runner executes a pipeline definition step by step inside ephemeral
// sandboxes, all seeded from one shared working copy of the source tree.
// Steps run strictly in declared order and execution stops at the first
// step whose commands exit non-zero.
type Runner struct {
	sandbox Sandbox
	cfg     Config
	log     zerolog.Logger
}

func NewRunner(sandbox Sandbox, cfg Config, logger zerolog.Logger) *Runner {
	return &Runner{sandbox: sandbox, cfg: cfg, log: logger}
}

// Run executes the definition against a working copy of source. Source may
// be a clonable URL or a local path; when empty the steps run in an empty
// workspace. The returned result always carries the combined transcript
// accumulated up to the failure point.
func (r *Runner) Run(ctx context.Context, def *sdk.PipelineDefinition, source string) Result {
	if err := validate(def); err != nil {
		return Result{Err: err}
	}

	workspace, err := os.MkdirTemp("", "slipway-run-")
	if err != nil {
		return Result{Err: fmt.Errorf("unable to create workspace: %w", err)}
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			r.log.Warn().Err(err).Str("workspace", workspace).Msg("unable to remove workspace")
		}
	}()

	var transcript strings.Builder

	if source != "" {
		if err := r.clone(ctx, source, workspace); err != nil {
			return Result{CombinedOutput: transcript.String(), Err: err}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.runTimeout())
	defer cancel()

	for _, step := range def.Steps {
		fmt.Fprintf(&transcript, "\n=== %s ===\n", step.Name)

		if err := writeStepScript(workspace, step.Script); err != nil {
			return Result{CombinedOutput: transcript.String(), FailingStep: step.Name, Err: err}
		}

		stepCtx, stepCancel := context.WithTimeout(runCtx, r.cfg.stepTimeout())
		res, err := r.sandbox.RunStep(stepCtx, StepSpec{
			Name:      step.Name,
			Image:     def.StepImage(step),
			Workspace: workspace,
			Script:    stepScriptName,
		})
		stepCancel()

		transcript.WriteString(res.Output)

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = &RunTimeoutError{Step: step.Name}
			}
			return Result{CombinedOutput: transcript.String(), FailingStep: step.Name, Err: err}
		}

		if res.ExitCode != 0 {
			r.log.Debug().Str("step", step.Name).Int64("exit_code", res.ExitCode).Msg("step failed")
			return Result{
				CombinedOutput: transcript.String(),
				FailingStep:    step.Name,
				Err:            &StepFailedError{Name: step.Name, ExitCode: res.ExitCode},
			}
		}
	}

	return Result{Success: true, CombinedOutput: transcript.String()}
}

// validate rejects definitions before any environment is provisioned.
func validate(def *sdk.PipelineDefinition) error {
	if def == nil || len(def.Steps) == 0 {
		return &ConfigInvalidError{Reason: "no default pipeline steps defined"}
	}
	if err := def.Validate(); err != nil {
		return &ConfigInvalidError{Reason: "definition failed validation", Err: err}
	}
	return nil
}

func (r *Runner) clone(ctx context.Context, source, workspace string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, r.cfg.cloneTimeout())
	defer cancel()

	cmd := osexec.CommandContext(cloneCtx, "git", "clone", source, workspace)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &CloneFailedError{Source: source, Output: string(out), Err: err}
	}
	return nil
}

// writeStepScript materializes the step's commands as a shell script in the
// shared workspace. `set -e` makes the first failing command abort the step.
func writeStepScript(workspace string, script []string) error {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("set -e\n")
	for _, line := range script {
		b.WriteString(line)
		b.WriteString("\n")
	}

	if err := os.WriteFile(filepath.Join(workspace, stepScriptName), []byte(b.String()), 0o755); err != nil {
		return fmt.Errorf("unable to write step script: %w", err)
	}
	return nil
}
