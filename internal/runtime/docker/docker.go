// Package docker implements the runtime.Runtime interface using the
// Docker daemon to host ephemeral runners as containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/runnerforge/orchestrator/internal/runtime"
)

// Config holds Docker-specific settings.
type Config struct {
	// PullOnStart pulls the runner image at construction so the first
	// container create does not pay the download.  Default: true when
	// Image is set.
	PullOnStart bool

	// Image is pulled at construction when PullOnStart is set.  Run
	// uses the image from each RunSpec, so this is a warm-up hint,
	// not a constraint.
	Image string
}

// Runtime manages ephemeral runners as Docker containers.
type Runtime struct {
	client *dockerclient.Client
	logger *slog.Logger
}

// Compile-time check.
var _ runtime.Runtime = (*Runtime)(nil)

// New connects to the Docker daemon and optionally pre-pulls the
// runner image.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if cfg.PullOnStart && cfg.Image != "" {
		logger.Info("pulling runner image", slog.String("image", cfg.Image))

		pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
		}
		// Drain and close the pull stream so the image is fully downloaded.
		if _, err := io.Copy(io.Discard, pull); err != nil {
			return nil, fmt.Errorf("reading image pull response: %w", err)
		}
		if err := pull.Close(); err != nil {
			return nil, fmt.Errorf("closing image pull stream: %w", err)
		}

		logger.Info("runner image ready", slog.String("image", cfg.Image))
	}

	return &Runtime{client: client, logger: logger}, nil
}

// Run creates and starts a container from the spec.  On start failure
// the created container is removed so nothing is left behind.
func (d *Runtime) Run(ctx context.Context, spec runtime.RunSpec) (runtime.Ref, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	var hostCfg *container.HostConfig
	if spec.Network != "" {
		hostCfg = &container.HostConfig{
			NetworkMode: container.NetworkMode(spec.Network),
		}
	}

	resp, err := d.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  spec.Image,
			Env:    env,
			Labels: spec.Labels,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", spec.Name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", spec.Name, err)
	}

	d.logger.Info("container started",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID[:12]),
	)

	return runtime.Ref(resp.ID), nil
}

// Stop stops the container within timeout.  A missing container is
// success.
func (d *Runtime) Stop(ctx context.Context, ref runtime.Ref, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := d.client.ContainerStop(ctx, string(ref), container.StopOptions{Timeout: &secs})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("container stop %s: %w", ref, err)
	}
	return nil
}

// Remove force-removes the container.  Idempotent.
func (d *Runtime) Remove(ctx context.Context, ref runtime.Ref) error {
	err := d.client.ContainerRemove(ctx, string(ref), container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("container remove %s: %w", ref, err)
	}
	return nil
}

// ListByLabel returns all containers (running or not) carrying
// key=value.
func (d *Runtime) ListByLabel(ctx context.Context, key, value string) ([]runtime.Ref, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	if err != nil {
		return nil, fmt.Errorf("container list by label %s=%s: %w", key, value, err)
	}

	refs := make([]runtime.Ref, 0, len(containers))
	for _, c := range containers {
		refs = append(refs, runtime.Ref(c.ID))
	}
	return refs, nil
}

// Inspect returns the observed container state.
func (d *Runtime) Inspect(ctx context.Context, ref runtime.Ref) (runtime.Info, error) {
	detail, err := d.client.ContainerInspect(ctx, string(ref))
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return runtime.Info{}, runtime.ErrNotFound
		}
		return runtime.Info{}, fmt.Errorf("container inspect %s: %w", ref, err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, detail.Created)

	info := runtime.Info{
		CreatedAt: createdAt,
	}
	if detail.State != nil {
		info.Status = detail.State.Status
		info.Running = detail.State.Running
	}
	if detail.Config != nil {
		info.Labels = detail.Config.Labels
		info.Image = detail.Config.Image
	}
	return info, nil
}

// Logs returns up to tail trailing lines of the container's combined
// stdout/stderr.
func (d *Runtime) Logs(ctx context.Context, ref runtime.Ref, tail int) (string, error) {
	rc, err := d.client.ContainerLogs(ctx, string(ref), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", runtime.ErrNotFound
		}
		return "", fmt.Errorf("container logs %s: %w", ref, err)
	}
	defer rc.Close()

	// The log stream is multiplexed; demux both channels into one buffer.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("reading logs %s: %w", ref, err)
	}
	return buf.String(), nil
}
