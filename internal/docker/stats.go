package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Metrics carries a one-shot resource usage sample for a container.
type Metrics struct {
	CPUPercent  float64
	MemoryBytes int64
	MemoryLimit int64
}

// ContainerMetrics takes a single stats sample from the engine.
func (c *Client) ContainerMetrics(ctx context.Context, containerID string) (Metrics, error) {
	if strings.TrimSpace(containerID) == "" {
		return Metrics{}, fmt.Errorf("container id cannot be empty")
	}
	resp, err := c.inner.ContainerStats(ctx, containerID, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Metrics{}, ErrNotFound
		}
		return Metrics{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Metrics{}, fmt.Errorf("decode container stats: %w", err)
	}

	return Metrics{
		CPUPercent:  cpuPercent(stats),
		MemoryBytes: int64(stats.MemoryStats.Usage),
		MemoryLimit: int64(stats.MemoryStats.Limit),
	}, nil
}

// HostPort resolves the first published TCP host port for a container, for
// building probe URLs when a deployment has no health check URL recorded.
func (c *Client) HostPort(ctx context.Context, containerID string) (string, error) {
	inspect, err := c.InspectContainer(ctx, containerID)
	if err != nil {
		return "", err
	}
	if inspect.NetworkSettings == nil || inspect.NetworkSettings.Ports == nil {
		return "", fmt.Errorf("container %s has no port bindings", containerID)
	}
	for port, bindings := range inspect.NetworkSettings.Ports {
		if nat.Port(port).Proto() != "tcp" {
			continue
		}
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return binding.HostPort, nil
			}
		}
	}
	return "", fmt.Errorf("container %s has no published tcp port", containerID)
}

func cpuPercent(stats types.StatsJSON) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	online := float64(stats.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / systemDelta * online * 100.0
}
