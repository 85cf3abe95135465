package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sethvargo/go-retry"
)

const (
	mutateAttempts  = 3
	mutateBaseDelay = 200 * time.Millisecond
)

// ManagedContainer is a flattened view of a container carrying our labels.
type ManagedContainer struct {
	ID           string
	Name         string
	Image        string
	State        string
	Status       string
	ProjectID    string
	DeploymentID string
	ServiceName  string
	RouteRule    string
	Helper       bool
	Proxy        bool
	CreatedAt    time.Time
}

// Running reports whether the container is currently running.
func (m ManagedContainer) Running() bool {
	return m.State == "running"
}

// Exited reports whether the container has stopped after running.
func (m ManagedContainer) Exited() bool {
	return m.State == "exited"
}

// ListManagedContainers returns every container (running or not) carrying the
// managed label. Extra label filters can narrow the result, e.g. "deployer.helper=true".
func (c *Client) ListManagedContainers(ctx context.Context, extraLabels ...string) ([]ManagedContainer, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	for _, label := range extraLabels {
		args.Add("label", label)
	}
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	managed := make([]ManagedContainer, 0, len(list))
	for _, item := range list {
		managed = append(managed, fromSummary(item))
	}
	return managed, nil
}

// InspectContainer fetches the full runtime state for one container.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (types.ContainerJSON, error) {
	if strings.TrimSpace(nameOrID) == "" {
		return types.ContainerJSON{}, fmt.Errorf("container id cannot be empty")
	}
	inspect, err := c.inner.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return types.ContainerJSON{}, ErrNotFound
		}
		return types.ContainerJSON{}, fmt.Errorf("container inspect: %w", err)
	}
	return inspect, nil
}

// InspectState summarizes runtime state and engine health for one container.
type InspectState struct {
	State    string // created, running, paused, exited, dead
	Health   string // healthy, unhealthy, starting; empty when the image has no healthcheck
	ExitCode int
}

// ContainerState inspects a container and flattens the fields health
// classification cares about.
func (c *Client) ContainerState(ctx context.Context, nameOrID string) (InspectState, error) {
	inspect, err := c.InspectContainer(ctx, nameOrID)
	if err != nil {
		return InspectState{}, err
	}
	state := InspectState{}
	if inspect.State != nil {
		state.State = inspect.State.Status
		state.ExitCode = inspect.State.ExitCode
		if inspect.State.Health != nil {
			state.Health = inspect.State.Health.Status
		}
	}
	return state, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.inner.ContainerStart(ctx, nameOrID, container.StartOptions{})
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// StopContainer stops a running container using the engine default grace period.
func (c *Client) StopContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.inner.ContainerStop(ctx, nameOrID, container.StopOptions{})
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// RestartContainer restarts a container in place.
func (c *Client) RestartContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.inner.ContainerRestart(ctx, nameOrID, container.StopOptions{})
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container restart: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container. A missing container is not an error.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.inner.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// KillContainer sends a signal to a running container.
func (c *Client) KillContainer(ctx context.Context, nameOrID, signal string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerKill(ctx, nameOrID, signal); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container kill: %w", err)
	}
	return nil
}

// withRetry re-attempts transient engine failures with exponential backoff.
// Not-found errors are terminal and returned as-is.
func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(mutateAttempts, retry.NewExponential(mutateBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || client.IsErrNotFound(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func fromSummary(item types.Container) ManagedContainer {
	name := ""
	if len(item.Names) > 0 {
		name = strings.TrimPrefix(item.Names[0], "/")
	}
	return ManagedContainer{
		ID:           item.ID,
		Name:         name,
		Image:        item.Image,
		State:        item.State,
		Status:       item.Status,
		ProjectID:    item.Labels[LabelProject],
		DeploymentID: item.Labels[LabelDeploymentID],
		ServiceName:  item.Labels[LabelService],
		RouteRule:    item.Labels[LabelRouteRule],
		Helper:       item.Labels[LabelHelper] == "true",
		Proxy:        item.Labels[LabelProxy] == "true",
		CreatedAt:    time.Unix(item.Created, 0),
	}
}
