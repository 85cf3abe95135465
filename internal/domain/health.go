package domain

import "time"

// HealthState classifies a deployment's aggregate container health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ContainerHealth is the observed health of a single runtime container.
type ContainerHealth struct {
	ContainerID   string
	ContainerName string
	State         string
	Healthy       bool
	Reason        string
	CPUPercent    float64
	MemoryBytes   int64
	CheckedAt     time.Time
}

// DeploymentHealth aggregates per-container health for one deployment.
type DeploymentHealth struct {
	DeploymentID string
	ProjectID    string
	State        HealthState
	Containers   []ContainerHealth
	HTTPProbeURL string
	HTTPProbeOK  *bool
	CheckedAt    time.Time
}

// MonitoringStats accumulates counters for a single monitor sweep.
type MonitoringStats struct {
	RunID     string
	Total     int
	Healthy   int
	Degraded  int
	Unhealthy int
	Unknown   int
	Stuck     int
	Restarted int
	Errors    int
	StartedAt time.Time
	Duration  time.Duration
}

// Anomalous reports whether the sweep found anything worth surfacing.
func (s MonitoringStats) Anomalous() bool {
	return s.Degraded > 0 || s.Unhealthy > 0 || s.Unknown > 0 || s.Stuck > 0 || s.Errors > 0
}
