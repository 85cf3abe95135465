package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/N0SAFE/deployer-sub002/internal/docker"
	"github.com/N0SAFE/deployer-sub002/internal/domain"
	"github.com/N0SAFE/deployer-sub002/internal/phase"
	"github.com/N0SAFE/deployer-sub002/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fakeDeploymentRepo struct {
	mu          sync.Mutex
	deployments map[string]domain.Deployment
}

func newFakeDeploymentRepo(deployments ...domain.Deployment) *fakeDeploymentRepo {
	repo := &fakeDeploymentRepo{deployments: make(map[string]domain.Deployment)}
	for _, d := range deployments {
		repo.deployments[d.ID] = d
	}
	return repo
}

func (r *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := d
	return &copied, nil
}

func (r *fakeDeploymentRepo) AdvancePhase(_ context.Context, id string, p domain.Phase, metadata json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Phase = p
	d.PhaseUpdatedAt = time.Now()
	if len(metadata) > 0 {
		d.PhaseMetadata = append(json.RawMessage(nil), metadata...)
	}
	r.deployments[id] = d
	return nil
}

func (r *fakeDeploymentRepo) UpdateDeploymentStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = status
	r.deployments[id] = d
	return nil
}

func (r *fakeDeploymentRepo) SetDeploymentContainer(_ context.Context, id, name, image, url string) error {
	return nil
}

func (r *fakeDeploymentRepo) ListDeploymentsByStatus(_ context.Context, statuses ...string) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Deployment
	for _, d := range r.deployments {
		for _, s := range statuses {
			if d.Status == s {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

func (r *fakeDeploymentRepo) ListStuckDeployments(_ context.Context, cutoff time.Time, statuses ...string) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Deployment
	for _, d := range r.deployments {
		if d.Phase == domain.PhaseActive || d.Phase == domain.PhaseFailed {
			continue
		}
		if !d.PhaseUpdatedAt.Before(cutoff) {
			continue
		}
		for _, s := range statuses {
			if d.Status == s {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

func (r *fakeDeploymentRepo) get(id string) domain.Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deployments[id]
}

type fakeProjectRepo struct {
	projects map[string]domain.Project
}

func (f *fakeProjectRepo) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (f *fakeProjectRepo) ListProjects(_ context.Context) ([]domain.Project, error) {
	return nil, nil
}

type fakeLogRepo struct {
	mu      sync.Mutex
	entries []domain.DeploymentLog
}

func (r *fakeLogRepo) AppendLog(_ context.Context, entry domain.DeploymentLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *fakeLogRepo) ListLogsByDeployment(_ context.Context, _ string, _, _ int) ([]domain.DeploymentLog, error) {
	return nil, nil
}

func (r *fakeLogRepo) bySource(source string) []domain.DeploymentLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeploymentLog
	for _, e := range r.entries {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

type fakeRuntime struct {
	mu         sync.Mutex
	containers []docker.ManagedContainer
	states     map[string]docker.InspectState
	restarted  []string
	hostPorts  map[string]string
	listErr    error
}

func (f *fakeRuntime) ListManagedContainers(_ context.Context, extraLabels ...string) ([]docker.ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	deploymentID := ""
	for _, label := range extraLabels {
		if strings.HasPrefix(label, docker.LabelDeploymentID+"=") {
			deploymentID = strings.TrimPrefix(label, docker.LabelDeploymentID+"=")
		}
	}
	var out []docker.ManagedContainer
	for _, c := range f.containers {
		if deploymentID != "" && c.DeploymentID != deploymentID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeRuntime) ContainerState(_ context.Context, id string) (docker.InspectState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[id]
	if !ok {
		return docker.InspectState{}, docker.ErrNotFound
	}
	return state, nil
}

func (f *fakeRuntime) ContainerMetrics(_ context.Context, _ string) (docker.Metrics, error) {
	return docker.Metrics{CPUPercent: 1.5, MemoryBytes: 64 << 20}, nil
}

func (f *fakeRuntime) RestartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, id)
	if state, ok := f.states[id]; ok {
		state.State = "running"
		state.Health = "healthy"
		f.states[id] = state
	}
	return nil
}

func (f *fakeRuntime) HostPort(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	port, ok := f.hostPorts[id]
	if !ok {
		return "", docker.ErrNotFound
	}
	return port, nil
}

func (f *fakeRuntime) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarted)
}

func newTestMonitor(repo *fakeDeploymentRepo, logs *fakeLogRepo, rt *fakeRuntime, prober *Prober) *Monitor {
	tracker := phase.New(repo, logs, testLogger())
	projects := &fakeProjectRepo{projects: map[string]domain.Project{}}
	return New(repo, projects, logs, tracker, rt, prober, nil, testLogger(), time.Minute, 0, 5*time.Minute)
}

func TestSweepForceFailsStuckDeployment(t *testing.T) {
	now := time.Now()
	repo := newFakeDeploymentRepo(domain.Deployment{
		ID:             "d9",
		ProjectID:      "p1",
		Status:         domain.StatusBuilding,
		Phase:          domain.PhaseCopyingFiles,
		PhaseUpdatedAt: now.Add(-10 * time.Minute),
	})
	logs := &fakeLogRepo{}
	m := newTestMonitor(repo, logs, &fakeRuntime{}, nil)
	m.now = func() time.Time { return now }

	stats := m.runSweep(context.Background())

	if stats.Stuck != 1 {
		t.Fatalf("expected 1 stuck deployment, got %d", stats.Stuck)
	}
	d := repo.get("d9")
	if d.Phase != domain.PhaseFailed {
		t.Fatalf("expected phase FAILED, got %s", d.Phase)
	}
	if d.Status != domain.StatusFailed {
		t.Fatalf("expected status failed, got %s", d.Status)
	}
	var meta map[string]any
	if err := json.Unmarshal(d.PhaseMetadata, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	errText, _ := meta["error"].(string)
	if !strings.Contains(errText, "no progress") {
		t.Fatalf("expected error metadata to mention no progress, got %q", errText)
	}
	if meta["stuck_phase"] != string(domain.PhaseCopyingFiles) {
		t.Fatalf("expected stuck phase recorded, got %v", meta["stuck_phase"])
	}
}

func TestSweepLeavesExactBoundaryAlone(t *testing.T) {
	now := time.Now()
	repo := newFakeDeploymentRepo(domain.Deployment{
		ID:             "d-boundary",
		Status:         domain.StatusDeploying,
		Phase:          domain.PhaseHealthCheck,
		PhaseUpdatedAt: now.Add(-5 * time.Minute),
	})
	m := newTestMonitor(repo, &fakeLogRepo{}, &fakeRuntime{}, nil)
	m.now = func() time.Time { return now }

	stats := m.runSweep(context.Background())

	if stats.Stuck != 0 {
		t.Fatalf("deployment exactly at the threshold must not be flagged, stuck=%d", stats.Stuck)
	}
	if got := repo.get("d-boundary").Phase; got != domain.PhaseHealthCheck {
		t.Fatalf("expected phase untouched, got %s", got)
	}
}

func TestSweepCountsHealthyDeployment(t *testing.T) {
	repo := newFakeDeploymentRepo(domain.Deployment{
		ID: "d1", ProjectID: "p1", Status: domain.StatusSuccess, Phase: domain.PhaseActive,
	})
	rt := &fakeRuntime{
		containers: []docker.ManagedContainer{{ID: "c1", DeploymentID: "d1", State: "running"}},
		states:     map[string]docker.InspectState{"c1": {State: "running", Health: "healthy"}},
	}
	m := newTestMonitor(repo, &fakeLogRepo{}, rt, nil)

	stats := m.runSweep(context.Background())

	if stats.Healthy != 1 || stats.Unhealthy != 0 || stats.Restarted != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSweepRestartsUnhealthyContainers(t *testing.T) {
	repo := newFakeDeploymentRepo(domain.Deployment{
		ID: "d1", ProjectID: "p1", Status: domain.StatusSuccess, Phase: domain.PhaseActive,
	})
	logs := &fakeLogRepo{}
	rt := &fakeRuntime{
		containers: []docker.ManagedContainer{
			{ID: "c1", Name: "web-1", DeploymentID: "d1", State: "exited"},
			{ID: "c2", Name: "web-2", DeploymentID: "d1", State: "running"},
		},
		states: map[string]docker.InspectState{
			"c1": {State: "exited", ExitCode: 137},
			"c2": {State: "running", Health: "unhealthy"},
		},
	}
	m := newTestMonitor(repo, logs, rt, nil)

	stats := m.runSweep(context.Background())

	if stats.Unhealthy != 1 {
		t.Fatalf("expected deployment unhealthy, stats=%+v", stats)
	}
	if rt.restartCount() != 2 {
		t.Fatalf("expected both unhealthy containers restarted, got %d", rt.restartCount())
	}
	if entries := logs.bySource("health-monitor"); len(entries) != 1 {
		t.Fatalf("expected one summary log entry, got %d", len(entries))
	}
}

func TestProbeFailureDowngradesToDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	repo := newFakeDeploymentRepo(domain.Deployment{
		ID: "d1", ProjectID: "p1", Status: domain.StatusSuccess, Phase: domain.PhaseActive,
		HealthCheckURL: server.URL + "/healthz",
	})
	rt := &fakeRuntime{
		containers: []docker.ManagedContainer{{ID: "c1", DeploymentID: "d1", State: "running"}},
		states:     map[string]docker.InspectState{"c1": {State: "running", Health: "healthy"}},
	}
	m := newTestMonitor(repo, &fakeLogRepo{}, rt, NewProber(2*time.Second))

	health, err := m.MonitorDeploymentHealth(context.Background(), "d1")
	if err != nil {
		t.Fatalf("monitor health: %v", err)
	}
	if health.State != domain.HealthDegraded {
		t.Fatalf("expected degraded after probe failure, got %s", health.State)
	}
	if health.HTTPProbeOK == nil || *health.HTTPProbeOK {
		t.Fatalf("expected probe marked failed")
	}
}

func TestProbeSuccessKeepsHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := newFakeDeploymentRepo(domain.Deployment{
		ID: "d1", ProjectID: "p1", Status: domain.StatusSuccess, Phase: domain.PhaseActive,
		HealthCheckURL: server.URL + "/healthz",
	})
	rt := &fakeRuntime{
		containers: []docker.ManagedContainer{{ID: "c1", DeploymentID: "d1", State: "running"}},
		states:     map[string]docker.InspectState{"c1": {State: "running"}},
	}
	m := newTestMonitor(repo, &fakeLogRepo{}, rt, NewProber(2*time.Second))

	health, err := m.MonitorDeploymentHealth(context.Background(), "d1")
	if err != nil {
		t.Fatalf("monitor health: %v", err)
	}
	if health.State != domain.HealthHealthy {
		t.Fatalf("expected healthy, got %s", health.State)
	}
	if health.HTTPProbeOK == nil || !*health.HTTPProbeOK {
		t.Fatalf("expected probe marked ok")
	}
}

func TestSweepCountsRuntimeFailureAsError(t *testing.T) {
	repo := newFakeDeploymentRepo(domain.Deployment{
		ID: "d1", ProjectID: "p1", Status: domain.StatusSuccess, Phase: domain.PhaseActive,
	})
	logs := &fakeLogRepo{}
	rt := &fakeRuntime{listErr: errors.New("engine unavailable")}
	m := newTestMonitor(repo, logs, rt, nil)

	stats := m.runSweep(context.Background())

	if stats.Errors != 1 {
		t.Fatalf("runtime failure must be counted as an error, stats=%+v", stats)
	}
	if stats.Unknown != 0 {
		t.Fatalf("runtime failure must not masquerade as unknown, stats=%+v", stats)
	}
	if rt.restartCount() != 0 {
		t.Fatalf("no restart may be attempted when the container list failed, got %d", rt.restartCount())
	}
	if entries := logs.bySource("health-monitor"); len(entries) != 0 {
		t.Fatalf("no health summary expected for a failed check, got %d", len(entries))
	}
}

func TestDeploymentWithoutContainersIsUnknown(t *testing.T) {
	repo := newFakeDeploymentRepo(domain.Deployment{
		ID: "d1", ProjectID: "p1", Status: domain.StatusSuccess, Phase: domain.PhaseActive,
	})
	m := newTestMonitor(repo, &fakeLogRepo{}, &fakeRuntime{}, nil)

	health, err := m.MonitorDeploymentHealth(context.Background(), "d1")
	if err != nil {
		t.Fatalf("monitor health: %v", err)
	}
	if health.State != domain.HealthUnknown {
		t.Fatalf("expected unknown, got %s", health.State)
	}
}

func TestManualSweepRejectedWhileRunning(t *testing.T) {
	m := newTestMonitor(newFakeDeploymentRepo(), &fakeLogRepo{}, &fakeRuntime{}, nil)
	m.inFlight.Store(true)

	if _, err := m.TriggerManualHealthCheck(context.Background()); err == nil {
		t.Fatalf("expected in-flight sweep to reject a manual trigger")
	}
}
