package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// NewDockerSandbox creates a Sandbox backed by the docker daemon. Every step
// runs in a freshly created container that is force-removed after the step
// completes, successful or not; the only state shared between steps is the
// mounted workspace.
func NewDockerSandbox(cfg Config, logger zerolog.Logger) (Sandbox, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.FromEnv {
		opts = append(opts, client.FromEnv)
	} else if cfg.Url != "" {
		opts = append(opts, client.WithHost(cfg.Url))
	}

	dc, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create docker client: %w", err)
	}

	return &dockerSandbox{dc: dc, log: logger}, nil
}

type dockerSandbox struct {
	dc  client.APIClient
	log zerolog.Logger
}

func (d *dockerSandbox) RunStep(ctx context.Context, spec StepSpec) (StepResult, error) {
	d.pullImage(ctx, spec.Image)

	resp, err := d.dc.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        []string{"/bin/sh", path.Join("/workspace", spec.Script)},
			WorkingDir: "/workspace",
		},
		&container.HostConfig{
			Binds: []string{spec.Workspace + ":/workspace"},
		},
		nil, nil, "")
	if err != nil {
		return StepResult{}, &EnvironmentUnavailableError{Image: spec.Image, Err: err}
	}
	containerID := resp.ID

	// Teardown must happen even when the step times out, so it runs on a
	// context detached from the step deadline.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := d.dc.ContainerRemove(cleanupCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			d.log.Warn().Err(err).Str("container_id", containerID).Msg("unable to remove step container")
		}
	}()

	if err := d.dc.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return StepResult{}, &EnvironmentUnavailableError{Image: spec.Image, Err: err}
	}

	var exitCode int64
	statusCh, errCh := d.dc.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() != nil {
				return StepResult{Output: d.collectLogs(cleanupCtx, containerID)}, ctx.Err()
			}
			return StepResult{}, fmt.Errorf("waiting for step container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return StepResult{Output: d.collectLogs(cleanupCtx, containerID)}, ctx.Err()
	}

	return StepResult{ExitCode: exitCode, Output: d.collectLogs(cleanupCtx, containerID)}, nil
}

// pullImage refreshes the step image. A pull failure is not fatal here: the
// image may already be present locally, and a truly missing image surfaces
// as a create error.
func (d *dockerSandbox) pullImage(ctx context.Context, ref string) {
	out, err := d.dc.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		d.log.Debug().Err(err).Str("image", ref).Msg("image pull failed, using local image if present")
		return
	}
	defer out.Close()
	_, _ = io.Copy(io.Discard, out)
}

func (d *dockerSandbox) collectLogs(ctx context.Context, containerID string) string {
	out, err := d.dc.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		d.log.Warn().Err(err).Str("container_id", containerID).Msg("unable to read step container logs")
		return ""
	}
	defer out.Close()

	combined := new(bytes.Buffer)
	if _, err := stdcopy.StdCopy(combined, combined, out); err != nil {
		d.log.Warn().Err(err).Str("container_id", containerID).Msg("unable to demux step container logs")
	}
	return combined.String()
}
