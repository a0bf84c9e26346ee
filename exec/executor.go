package exec

import (
	"context"
	"fmt"
	"time"
)

type (
	// Config controls how sandboxed environments are provisioned.
	Config struct {
		FromEnv bool
		Url     string

		// Wall-clock bounds. Zero values fall back to the defaults
		// below.
		CloneTimeout time.Duration
		StepTimeout  time.Duration
		RunTimeout   time.Duration
	}

	// Sandbox provisions one isolated environment per step, runs the
	// step script to completion and tears the environment down again.
	Sandbox interface {
		RunStep(ctx context.Context, spec StepSpec) (StepResult, error)
	}

	// StepSpec describes a single step execution: the image to run, the
	// script file inside the shared workspace and the workspace path to
	// mount.
	StepSpec struct {
		Name      string
		Image     string
		Workspace string
		Script    string
	}

	// StepResult carries the exit code and the captured stdout/stderr of
	// one step.
	StepResult struct {
		ExitCode int64
		Output   string
	}

	// Result is the outcome of running a full pipeline definition.
	Result struct {
		Success        bool
		CombinedOutput string
		FailingStep    string
		Err            error
	}
)

const (
	DefaultCloneTimeout = 5 * time.Minute
	DefaultStepTimeout  = 5 * time.Minute
	DefaultRunTimeout   = 30 * time.Minute
)

func (c Config) cloneTimeout() time.Duration {
	if c.CloneTimeout > 0 {
		return c.CloneTimeout
	}
	return DefaultCloneTimeout
}

func (c Config) stepTimeout() time.Duration {
	if c.StepTimeout > 0 {
		return c.StepTimeout
	}
	return DefaultStepTimeout
}

func (c Config) runTimeout() time.Duration {
	if c.RunTimeout > 0 {
		return c.RunTimeout
	}
	return DefaultRunTimeout
}

// ConfigInvalidError reports a definition that failed validation before any
// environment was provisioned.
type ConfigInvalidError struct {
	Reason string
	Err    error
}

func (e *ConfigInvalidError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid pipeline configuration: %s: %v", e.Reason, e.Err)
	}
	return "invalid pipeline configuration: " + e.Reason
}

func (e *ConfigInvalidError) Unwrap() error { return e.Err }

// CloneFailedError reports that the source tree could not be obtained.
type CloneFailedError struct {
	Source string
	Output string
	Err    error
}

func (e *CloneFailedError) Error() string {
	return fmt.Sprintf("failed to clone repository %s: %v", e.Source, e.Err)
}

func (e *CloneFailedError) Unwrap() error { return e.Err }

// EnvironmentUnavailableError reports that the execution image or runtime
// could not be provisioned.
type EnvironmentUnavailableError struct {
	Image string
	Err   error
}

func (e *EnvironmentUnavailableError) Error() string {
	return fmt.Sprintf("execution environment unavailable for image %s: %v", e.Image, e.Err)
}

func (e *EnvironmentUnavailableError) Unwrap() error { return e.Err }

// StepFailedError reports a step whose command sequence exited non-zero.
type StepFailedError struct {
	Name     string
	ExitCode int64
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %q failed with exit code %d", e.Name, e.ExitCode)
}

// RunTimeoutError reports that the per-step or whole-run wall clock was
// exceeded.
type RunTimeoutError struct {
	Step string
}

func (e *RunTimeoutError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("step %q exceeded its wall-clock bound", e.Step)
	}
	return "pipeline run exceeded its wall-clock bound"
}
