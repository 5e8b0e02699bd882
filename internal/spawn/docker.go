package spawn

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerBackend runs commands inside Docker containers.
type DockerBackend struct {
	client *client.Client

	// DefaultImage is used when Options.Image is empty.
	DefaultImage string
}

// NewDockerBackend creates a Docker-based backend. The client is
// initialized from the standard environment variables (DOCKER_HOST...).
func NewDockerBackend(defaultImage string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("spawn: create docker client: %w", err)
	}
	return &DockerBackend{client: cli, DefaultImage: defaultImage}, nil
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// Start implements Backend.Start using Docker containers.
func (b *DockerBackend) Start(ctx context.Context, opts Options) (Handle, error) {
	img := opts.Image
	if img == "" {
		img = b.DefaultImage
	}
	if img == "" {
		return nil, fmt.Errorf("spawn: no container image configured")
	}

	// Check locally first to save a pull.
	if _, _, err := b.client.ImageInspectWithRaw(ctx, img); err != nil {
		reader, err := b.client.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("spawn: pull image %s: %w", img, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	containerConfig := &container.Config{
		Image:      img,
		Cmd:        append([]string{opts.Bin}, opts.Args...),
		Env:        mapToEnvList(opts.Env),
		WorkingDir: opts.Dir,
	}
	created, err := b.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("spawn: create container: %w", err)
	}

	if err := b.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("spawn: start container: %w", err)
	}

	logs, err := b.client.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn: attach container logs: %w", err)
	}

	// Demultiplex the log stream into separate stdout/stderr readers.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, cErr := stdcopy.StdCopy(outW, errW, logs)
		logs.Close()
		outW.CloseWithError(cErr)
		errW.CloseWithError(cErr)
	}()

	return &dockerHandle{
		client:      b.client,
		containerID: created.ID,
		stdout:      outR,
		stderr:      errR,
	}, nil
}

type dockerHandle struct {
	client      *client.Client
	containerID string
	stdout      io.Reader
	stderr      io.Reader
}

func (h *dockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		if status.Error != nil {
			return ExitResult{
				ExitCode: int(status.StatusCode),
				Error:    fmt.Errorf("%s", status.Error.Message),
			}, nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *dockerHandle) Stop(ctx context.Context) error {
	timeout := 5
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
}

func (h *dockerHandle) Stdout() io.Reader { return h.stdout }
func (h *dockerHandle) Stderr() io.Reader { return h.stderr }
