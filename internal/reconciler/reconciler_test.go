package reconciler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/N0SAFE/deployer-sub002/internal/docker"
	"github.com/N0SAFE/deployer-sub002/internal/domain"
	"github.com/N0SAFE/deployer-sub002/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]docker.ManagedContainer
	started    []string
	stopped    []string
	removed    []string
}

func newFakeRuntime(containers ...docker.ManagedContainer) *fakeRuntime {
	rt := &fakeRuntime{containers: make(map[string]docker.ManagedContainer)}
	for _, c := range containers {
		rt.containers[c.ID] = c
	}
	return rt
}

func (f *fakeRuntime) ListManagedContainers(_ context.Context, extraLabels ...string) ([]docker.ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	helpersOnly := false
	for _, label := range extraLabels {
		if label == docker.LabelHelper+"=true" {
			helpersOnly = true
		}
	}
	var out []docker.ManagedContainer
	for _, c := range f.containers {
		if helpersOnly && !c.Helper {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return docker.ErrNotFound
	}
	c.State = "running"
	f.containers[id] = c
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil
	}
	c.State = "exited"
	f.containers[id] = c
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[id]
	return ok
}

func (f *fakeRuntime) state(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id].State
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
	out := make([]domain.Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, nil
}

type fakeReloader struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeReloader) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func newTestReconciler(rt *fakeRuntime, projects map[string]domain.Project) *Reconciler {
	return New(rt, &fakeProjectRepo{projects: projects}, nil, nil, nil, testLogger(), time.Hour, time.Hour)
}

func TestReconcileRestartsStoppedDesiredContainer(t *testing.T) {
	rt := newFakeRuntime(docker.ManagedContainer{
		ID: "c1", Name: "web-1", ProjectID: "p1", State: "exited",
	})
	rec := newTestReconciler(rt, map[string]domain.Project{"p1": {ID: "p1"}})

	report, err := rec.ReconcileAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Restarted != 1 {
		t.Fatalf("expected 1 restart, got %d", report.Restarted)
	}
	if report.Removed != 0 {
		t.Fatalf("stopped-but-desired container must not be removed, removed=%d", report.Removed)
	}
	if rt.state("c1") != "running" {
		t.Fatalf("expected container restarted, state=%s", rt.state("c1"))
	}
}

func TestReconcileRemovesZombieAfterStopping(t *testing.T) {
	rt := newFakeRuntime(docker.ManagedContainer{
		ID: "c-zombie", Name: "gone-1", ProjectID: "deleted-project", State: "running",
	})
	rec := newTestReconciler(rt, map[string]domain.Project{"p1": {ID: "p1"}})

	report, err := rec.ReconcileAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Removed != 1 {
		t.Fatalf("expected zombie removed, got %d", report.Removed)
	}
	if rt.has("c-zombie") {
		t.Fatalf("expected zombie container gone")
	}
	if len(rt.stopped) != 1 || rt.stopped[0] != "c-zombie" {
		t.Fatalf("expected running zombie stopped before removal, stopped=%v", rt.stopped)
	}
}

func TestReconcileRestartPassPrecedesZombieSweep(t *testing.T) {
	rt := newFakeRuntime(
		docker.ManagedContainer{ID: "c-desired", ProjectID: "p1", State: "exited"},
		docker.ManagedContainer{ID: "c-zombie", ProjectID: "ghost", State: "exited"},
	)
	rec := newTestReconciler(rt, map[string]domain.Project{"p1": {ID: "p1"}})

	if _, err := rec.ReconcileAll(context.Background(), Options{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// The stopped tenant whose project exists is restarted, never deleted;
	// only the orphan is removed.
	if !rt.has("c-desired") || rt.state("c-desired") != "running" {
		t.Fatalf("desired container mishandled: present=%v state=%s", rt.has("c-desired"), rt.state("c-desired"))
	}
	if rt.has("c-zombie") {
		t.Fatalf("zombie should be removed")
	}
	if len(rt.started) == 0 || len(rt.removed) == 0 {
		t.Fatalf("expected both a start and a removal, started=%v removed=%v", rt.started, rt.removed)
	}
}

func TestReconcileSkipsRouteRuleMismatch(t *testing.T) {
	rt := newFakeRuntime(docker.ManagedContainer{
		ID: "c1", ProjectID: "p1", State: "running", RouteRule: "old.example.test",
	})
	rec := newTestReconciler(rt, map[string]domain.Project{
		"p1": {ID: "p1", BaseDomain: "new.example.test"},
	})

	report, err := rec.ReconcileAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", report.Skipped)
	}
	if rt.state("c1") != "running" {
		t.Fatalf("mismatched container must be left running, state=%s", rt.state("c1"))
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	rt := newFakeRuntime(
		docker.ManagedContainer{ID: "c1", ProjectID: "p1", State: "exited"},
		docker.ManagedContainer{ID: "c2", ProjectID: "ghost", State: "running"},
	)
	rec := newTestReconciler(rt, map[string]domain.Project{"p1": {ID: "p1"}})

	first, err := rec.ReconcileAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if first.Restarted != 1 || first.Removed != 1 {
		t.Fatalf("unexpected first report: %+v", first)
	}

	second, err := rec.ReconcileAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.Restarted != 0 || second.Removed != 0 || second.Errors != 0 {
		t.Fatalf("second run must converge with no actions: %+v", second)
	}
}

func TestReconcileDryRunTakesNoAction(t *testing.T) {
	rt := newFakeRuntime(
		docker.ManagedContainer{ID: "c1", ProjectID: "p1", State: "exited"},
		docker.ManagedContainer{ID: "c2", ProjectID: "ghost", State: "exited"},
	)
	rec := newTestReconciler(rt, map[string]domain.Project{"p1": {ID: "p1"}})

	report, err := rec.ReconcileAll(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Restarted != 1 || report.Removed != 1 {
		t.Fatalf("dry run should report intended actions: %+v", report)
	}
	if len(rt.started) != 0 || len(rt.removed) != 0 {
		t.Fatalf("dry run must not touch containers, started=%v removed=%v", rt.started, rt.removed)
	}
}

func TestCleanupZombiesIgnoresDesiredContainers(t *testing.T) {
	rt := newFakeRuntime(
		docker.ManagedContainer{ID: "c1", ProjectID: "p1", State: "exited"},
		docker.ManagedContainer{ID: "c2", ProjectID: "ghost", State: "exited"},
	)
	rec := newTestReconciler(rt, map[string]domain.Project{"p1": {ID: "p1"}})

	report, err := rec.CleanupZombies(context.Background(), Options{})
	if err != nil {
		t.Fatalf("cleanup zombies: %v", err)
	}
	if report.Removed != 1 {
		t.Fatalf("expected 1 removal, got %d", report.Removed)
	}
	if !rt.has("c1") {
		t.Fatalf("stopped-but-desired container must survive the zombie sweep")
	}
}

func TestCleanupHelpersAgesOutExitedOnly(t *testing.T) {
	now := time.Now()
	rt := newFakeRuntime(
		docker.ManagedContainer{ID: "h-old-exited", Helper: true, State: "exited", CreatedAt: now.Add(-2 * time.Hour)},
		docker.ManagedContainer{ID: "h-old-running", Helper: true, State: "running", CreatedAt: now.Add(-5 * time.Hour)},
		docker.ManagedContainer{ID: "h-young-exited", Helper: true, State: "exited", CreatedAt: now.Add(-10 * time.Minute)},
	)
	rec := newTestReconciler(rt, nil)
	rec.now = func() time.Time { return now }

	report, err := rec.CleanupHelpers(context.Background(), HelperOptions{OlderThan: time.Hour})
	if err != nil {
		t.Fatalf("cleanup helpers: %v", err)
	}
	if report.Removed != 1 {
		t.Fatalf("expected 1 helper removed, got %d", report.Removed)
	}
	if rt.has("h-old-exited") {
		t.Fatalf("old exited helper should be removed")
	}
	if !rt.has("h-old-running") {
		t.Fatalf("running helper must never be removed, whatever its age")
	}
	if !rt.has("h-young-exited") {
		t.Fatalf("young exited helper must be kept")
	}
}

func TestStatsCountsWithoutActing(t *testing.T) {
	now := time.Now()
	rt := newFakeRuntime(
		docker.ManagedContainer{ID: "c1", ProjectID: "p1", State: "running"},
		docker.ManagedContainer{ID: "c2", ProjectID: "p1", State: "exited"},
		docker.ManagedContainer{ID: "c3", ProjectID: "ghost", State: "running"},
		docker.ManagedContainer{ID: "h1", Helper: true, State: "exited", CreatedAt: now.Add(-2 * time.Hour)},
		docker.ManagedContainer{ID: "proxy", Proxy: true, State: "exited"},
	)
	rec := newTestReconciler(rt, map[string]domain.Project{"p1": {ID: "p1"}})
	rec.now = func() time.Time { return now }

	stats, err := rec.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ZombieContainers != 1 {
		t.Fatalf("zombies = %d, want 1", stats.ZombieContainers)
	}
	if stats.StoppedDesired != 1 {
		t.Fatalf("stopped desired = %d, want 1", stats.StoppedDesired)
	}
	if stats.StaleHelpers != 1 {
		t.Fatalf("stale helpers = %d, want 1", stats.StaleHelpers)
	}
	if stats.OrphanedProxy != 1 {
		t.Fatalf("orphaned proxy = %d, want 1", stats.OrphanedProxy)
	}
	if rt.has("c3") != true || len(rt.removed) != 0 {
		t.Fatalf("stats must not take corrective action")
	}
}

func TestIterationReloadsIngressAfterActions(t *testing.T) {
	rt := newFakeRuntime(docker.ManagedContainer{ID: "c1", ProjectID: "ghost", State: "exited"})
	reloader := &fakeReloader{}
	rec := New(rt, &fakeProjectRepo{projects: nil}, reloader, nil, nil, testLogger(), time.Hour, time.Hour)

	rec.runIteration(context.Background())

	if reloader.calls != 1 {
		t.Fatalf("expected one ingress reload, got %d", reloader.calls)
	}
}
