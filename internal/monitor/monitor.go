package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/N0SAFE/deployer-sub002/internal/docker"
	"github.com/N0SAFE/deployer-sub002/internal/domain"
	"github.com/N0SAFE/deployer-sub002/internal/metrics"
	"github.com/N0SAFE/deployer-sub002/internal/phase"
	"github.com/N0SAFE/deployer-sub002/internal/repository"
)

const (
	defaultInterval     = 2 * time.Minute
	defaultInitialDelay = 30 * time.Second
	defaultStuckAfter   = 5 * time.Minute
	sweepTimeout        = 90 * time.Second
)

// RuntimeClient is the container-engine surface the monitor needs.
type RuntimeClient interface {
	ListManagedContainers(ctx context.Context, extraLabels ...string) ([]docker.ManagedContainer, error)
	ContainerState(ctx context.Context, nameOrID string) (docker.InspectState, error)
	ContainerMetrics(ctx context.Context, nameOrID string) (docker.Metrics, error)
	RestartContainer(ctx context.Context, nameOrID string) error
	HostPort(ctx context.Context, containerID string) (string, error)
}

// Monitor watches in-flight and live deployments: it force-fails deployments
// whose phase stopped advancing, classifies the container health of active
// ones, and restarts containers the engine reports unhealthy.
type Monitor struct {
	deployments repository.DeploymentRepository
	projects    repository.ProjectRepository
	logs        repository.LogRepository
	tracker     *phase.Tracker
	runtime     RuntimeClient
	prober      *Prober
	recorder    *metrics.Recorder
	logger      *slog.Logger

	interval     time.Duration
	initialDelay time.Duration
	stuckAfter   time.Duration

	inFlight atomic.Bool
	now      func() time.Time
}

// New constructs a Monitor. Prober and recorder are optional.
func New(deployments repository.DeploymentRepository, projects repository.ProjectRepository, logs repository.LogRepository, tracker *phase.Tracker, runtime RuntimeClient, prober *Prober, recorder *metrics.Recorder, logger *slog.Logger, interval, initialDelay, stuckAfter time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if initialDelay < 0 {
		initialDelay = defaultInitialDelay
	}
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		deployments:  deployments,
		projects:     projects,
		logs:         logs,
		tracker:      tracker,
		runtime:      runtime,
		prober:       prober,
		recorder:     recorder,
		logger:       logger.With("component", "monitor"),
		interval:     interval,
		initialDelay: initialDelay,
		stuckAfter:   stuckAfter,
		now:          time.Now,
	}
}

// Run executes the monitoring loop until the context is cancelled. The first
// sweep is delayed so the rest of the process finishes initializing. A tick
// arriving while a sweep is still running is skipped, never queued.
func (m *Monitor) Run(ctx context.Context) {
	if m == nil {
		return
	}
	m.logger.Info("health monitor started", "interval", m.interval, "initial_delay", m.initialDelay, "stuck_after", m.stuckAfter)

	if m.initialDelay > 0 {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped before first sweep")
			return
		case <-time.After(m.initialDelay):
		}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// TriggerManualHealthCheck runs one sweep immediately and returns its
// counters. It shares the in-flight guard with the periodic loop.
func (m *Monitor) TriggerManualHealthCheck(ctx context.Context) (domain.MonitoringStats, error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return domain.MonitoringStats{}, fmt.Errorf("health sweep already running")
	}
	defer m.inFlight.Store(false)
	return m.runSweep(ctx), nil
}

func (m *Monitor) sweep(parent context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Info("previous health sweep still running, skipping tick")
		return
	}
	defer m.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()
	m.runSweep(ctx)
}

func (m *Monitor) runSweep(ctx context.Context) domain.MonitoringStats {
	stats := domain.MonitoringStats{RunID: uuid.NewString(), StartedAt: m.now()}

	stuck := m.failStuckDeployments(ctx)
	stats.Stuck = stuck

	m.sweepActiveDeployments(ctx, &stats)

	stats.Duration = m.now().Sub(stats.StartedAt)
	m.publish(stats)

	if stats.Anomalous() {
		m.logger.Warn("health sweep found anomalies",
			"run_id", stats.RunID, "total", stats.Total, "healthy", stats.Healthy,
			"degraded", stats.Degraded, "unhealthy", stats.Unhealthy, "unknown", stats.Unknown,
			"stuck", stats.Stuck, "restarted", stats.Restarted, "errors", stats.Errors,
			"duration", stats.Duration)
	} else {
		m.logger.Info("health sweep complete",
			"run_id", stats.RunID, "total", stats.Total, "duration", stats.Duration)
	}
	return stats
}

// failStuckDeployments force-fails in-progress deployments whose phase
// timestamp is strictly older than the staleness threshold. A deployment
// sitting exactly on the boundary is left alone.
func (m *Monitor) failStuckDeployments(ctx context.Context) int {
	cutoff := m.now().Add(-m.stuckAfter)
	stuck, err := m.deployments.ListStuckDeployments(ctx, cutoff, domain.StatusBuilding, domain.StatusDeploying)
	if err != nil {
		m.logger.Warn("failed to list stuck deployments", "error", err)
		return 0
	}

	failed := 0
	for _, d := range stuck {
		staleFor := m.now().Sub(d.PhaseUpdatedAt).Round(time.Second)
		reason := fmt.Sprintf("no progress in phase %s for %s", d.Phase, staleFor)
		extra := map[string]any{
			"stuck_phase":      string(d.Phase),
			"phase_updated_at": d.PhaseUpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := m.tracker.Fail(ctx, d.ID, reason, extra); err != nil {
			m.logger.Warn("failed to force-fail stuck deployment", "deployment_id", d.ID, "error", err)
			continue
		}
		failed++
		m.logger.Warn("stuck deployment force-failed", "deployment_id", d.ID, "stuck_phase", d.Phase, "stale_for", staleFor)
	}
	m.recorder.AddStuckFailed(failed)
	return failed
}

// sweepActiveDeployments checks every live or in-rollout deployment
// concurrently, one goroutine per deployment. A failure in one deployment
// never stops the others.
func (m *Monitor) sweepActiveDeployments(ctx context.Context, stats *domain.MonitoringStats) {
	active, err := m.deployments.ListDeploymentsByStatus(ctx, domain.StatusSuccess, domain.StatusDeploying)
	if err != nil {
		m.logger.Warn("failed to list active deployments", "error", err)
		stats.Errors++
		return
	}
	stats.Total = len(active)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, d := range active {
		wg.Add(1)
		go func(d domain.Deployment) {
			defer wg.Done()
			health, err := m.checkDeployment(ctx, d)
			if err != nil {
				m.logger.Warn("health check failed", "deployment_id", d.ID, "error", err)
				mu.Lock()
				stats.Errors++
				mu.Unlock()
				return
			}
			restarted := 0
			if health.State == domain.HealthUnhealthy || health.State == domain.HealthUnknown {
				restarted = m.restartUnhealthy(ctx, d, health)
			}
			if health.State != domain.HealthHealthy {
				m.appendHealthLog(ctx, d, health, restarted)
			}

			mu.Lock()
			defer mu.Unlock()
			switch health.State {
			case domain.HealthHealthy:
				stats.Healthy++
			case domain.HealthDegraded:
				stats.Degraded++
			case domain.HealthUnhealthy:
				stats.Unhealthy++
			default:
				stats.Unknown++
			}
			stats.Restarted += restarted
		}(d)
	}
	wg.Wait()
}

// MonitorDeploymentHealth classifies one deployment's health without taking
// corrective action.
func (m *Monitor) MonitorDeploymentHealth(ctx context.Context, deploymentID string) (domain.DeploymentHealth, error) {
	d, err := m.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return domain.DeploymentHealth{}, err
	}
	return m.checkDeployment(ctx, *d)
}

// checkDeployment classifies one deployment. A runtime failure is an error,
// distinct from the unknown state reserved for deployments with no containers.
func (m *Monitor) checkDeployment(ctx context.Context, d domain.Deployment) (domain.DeploymentHealth, error) {
	health := domain.DeploymentHealth{
		DeploymentID: d.ID,
		ProjectID:    d.ProjectID,
		CheckedAt:    m.now(),
	}

	containers, err := m.runtime.ListManagedContainers(ctx, docker.LabelDeploymentID+"="+d.ID)
	if err != nil {
		return health, fmt.Errorf("list deployment containers: %w", err)
	}
	if len(containers) == 0 {
		health.State = domain.HealthUnknown
		return health, nil
	}

	healthy, unhealthy := 0, 0
	for _, c := range containers {
		ch := m.checkContainer(ctx, c)
		health.Containers = append(health.Containers, ch)
		if ch.Healthy {
			healthy++
		} else {
			unhealthy++
		}
	}

	switch {
	case unhealthy == 0:
		health.State = domain.HealthHealthy
	case healthy == 0:
		health.State = domain.HealthUnhealthy
	default:
		health.State = domain.HealthDegraded
	}

	if health.State == domain.HealthHealthy {
		m.probeHTTP(ctx, d, containers, &health)
	}
	return health, nil
}

func (m *Monitor) checkContainer(ctx context.Context, c docker.ManagedContainer) domain.ContainerHealth {
	ch := domain.ContainerHealth{
		ContainerID:   c.ID,
		ContainerName: c.Name,
		CheckedAt:     m.now(),
	}

	state, err := m.runtime.ContainerState(ctx, c.ID)
	if err != nil {
		ch.State = "unknown"
		ch.Reason = err.Error()
		return ch
	}
	ch.State = state.State

	if metricsSample, err := m.runtime.ContainerMetrics(ctx, c.ID); err == nil {
		ch.CPUPercent = metricsSample.CPUPercent
		ch.MemoryBytes = metricsSample.MemoryBytes
	}

	if state.State != "running" {
		ch.Reason = fmt.Sprintf("container %s (exit code %d)", state.State, state.ExitCode)
		return ch
	}
	if state.Health == "unhealthy" {
		ch.Reason = "engine healthcheck reports unhealthy"
		return ch
	}
	ch.Healthy = true
	return ch
}

// probeHTTP downgrades a healthy deployment to degraded when its HTTP health
// endpoint does not answer. The endpoint is the recorded health check URL or,
// failing that, the project health path against the first published port.
func (m *Monitor) probeHTTP(ctx context.Context, d domain.Deployment, containers []docker.ManagedContainer, health *domain.DeploymentHealth) {
	if m.prober == nil {
		return
	}
	url := d.HealthCheckURL
	if url == "" {
		url = m.fallbackProbeURL(ctx, d, containers)
	}
	if url == "" {
		return
	}

	health.HTTPProbeURL = url
	ok := true
	if err := m.prober.Probe(ctx, url); err != nil {
		ok = false
		health.State = domain.HealthDegraded
		m.logger.Warn("http probe failed", "deployment_id", d.ID, "url", url, "error", err)
	}
	health.HTTPProbeOK = &ok
}

func (m *Monitor) fallbackProbeURL(ctx context.Context, d domain.Deployment, containers []docker.ManagedContainer) string {
	project, err := m.projects.GetProjectByID(ctx, d.ProjectID)
	if err != nil || project.HealthCheckPath == "" {
		return ""
	}
	for _, c := range containers {
		port, err := m.runtime.HostPort(ctx, c.ID)
		if err != nil {
			continue
		}
		return fmt.Sprintf("http://127.0.0.1:%s%s", port, project.HealthCheckPath)
	}
	return ""
}

// restartUnhealthy restarts each unhealthy container individually, so one
// wedged container cannot block recovery of its siblings.
func (m *Monitor) restartUnhealthy(ctx context.Context, d domain.Deployment, health domain.DeploymentHealth) int {
	restarted := 0
	for _, c := range health.Containers {
		if c.Healthy {
			continue
		}
		if err := m.runtime.RestartContainer(ctx, c.ContainerID); err != nil {
			m.logger.Warn("failed to restart unhealthy container",
				"deployment_id", d.ID, "container", c.ContainerName, "error", err)
			continue
		}
		restarted++
		m.logger.Info("unhealthy container restarted",
			"deployment_id", d.ID, "container", c.ContainerName, "reason", c.Reason)
	}
	m.recorder.AddAction(domain.ActionRestarted, restarted)
	return restarted
}

func (m *Monitor) appendHealthLog(ctx context.Context, d domain.Deployment, health domain.DeploymentHealth, restarted int) {
	if m.logs == nil {
		return
	}
	metadata, err := json.Marshal(map[string]any{
		"state":     string(health.State),
		"restarted": restarted,
	})
	if err != nil {
		metadata = nil
	}
	entry := domain.DeploymentLog{
		DeploymentID: d.ID,
		ProjectID:    d.ProjectID,
		Level:        "warn",
		Message:      fmt.Sprintf("health check: %s (%d containers, %d restarted)", health.State, len(health.Containers), restarted),
		Source:       "health-monitor",
		Metadata:     metadata,
	}
	if err := m.logs.AppendLog(ctx, entry); err != nil {
		m.logger.Warn("failed to append health log entry", "deployment_id", d.ID, "error", err)
	}
}

func (m *Monitor) publish(stats domain.MonitoringStats) {
	m.recorder.SetHealthState(string(domain.HealthHealthy), stats.Healthy)
	m.recorder.SetHealthState(string(domain.HealthDegraded), stats.Degraded)
	m.recorder.SetHealthState(string(domain.HealthUnhealthy), stats.Unhealthy)
	m.recorder.SetHealthState(string(domain.HealthUnknown), stats.Unknown)
	m.recorder.ObserveSweep("health", stats.Duration, nil)
}
