package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/N0SAFE/deployer-sub002/internal/docker"
)

// Reloader asks the edge proxy to pick up routing changes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// NewDockerReloader signals the named proxy container with SIGHUP on reload.
// An empty container name yields a no-op reloader, for setups where the proxy
// watches its config directory itself.
func NewDockerReloader(client *docker.Client, containerName string) Reloader {
	containerName = strings.TrimSpace(containerName)
	if containerName == "" || client == nil {
		return noopReloader{}
	}
	return &dockerReloader{client: client, container: containerName}
}

type dockerReloader struct {
	client    *docker.Client
	container string
}

func (r *dockerReloader) Reload(ctx context.Context) error {
	if err := r.client.KillContainer(ctx, r.container, "HUP"); err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return fmt.Errorf("proxy container %s not found", r.container)
		}
		return err
	}
	return nil
}

type noopReloader struct{}

func (noopReloader) Reload(context.Context) error { return nil }
