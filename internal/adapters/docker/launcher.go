package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
)

const (
	managedLabel  = "hengline.managed"
	containerName = "hengline-comfyui"
	backendPort   = "8188/tcp"
)

// Launcher starts a local ComfyUI container when the backend health probe
// fails. One long-lived container is reused across launches.
type Launcher struct {
	logger *slog.Logger
	cli    *client.Client
	image  string
}

var _ ports.BackendLauncher = (*Launcher)(nil)

func NewLauncher(logger *slog.Logger, imageRef string) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Launcher{logger: logger, cli: cli, image: imageRef}, nil
}

// Launch ensures a managed backend container is running: reuse a stopped one
// if present, otherwise create it, pulling the image when missing.
func (l *Launcher) Launch(ctx context.Context) error {
	existing, err := l.findManaged(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.State == "running" {
			return nil
		}
		l.logger.Info("restarting backend container", "id", existing.ID)
		if err := l.cli.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("start backend container: %w", err)
		}
		return nil
	}

	cfg := &container.Config{
		Image: l.image,
		Labels: map[string]string{
			managedLabel: "true",
		},
		ExposedPorts: nat.PortSet{backendPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			backendPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "8188"}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	resp, err := l.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName)
	if client.IsErrNotFound(err) {
		reader, pullErr := l.cli.ImagePull(ctx, l.image, image.PullOptions{})
		if pullErr != nil {
			return fmt.Errorf("pull backend image %s: %w", l.image, pullErr)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = l.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName)
	}
	if err != nil {
		return fmt.Errorf("create backend container: %w", err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start backend container: %w", err)
	}
	l.logger.Info("backend container started", "id", resp.ID, "image", l.image)
	return nil
}

func (l *Launcher) findManaged(ctx context.Context) (*container.Summary, error) {
	args := filters.NewArgs()
	args.Add("label", managedLabel+"=true")
	containers, err := l.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list backend containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}
