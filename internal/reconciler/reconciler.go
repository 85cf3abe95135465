package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/N0SAFE/deployer-sub002/internal/docker"
	"github.com/N0SAFE/deployer-sub002/internal/domain"
	"github.com/N0SAFE/deployer-sub002/internal/ingress"
	"github.com/N0SAFE/deployer-sub002/internal/locker"
	"github.com/N0SAFE/deployer-sub002/internal/metrics"
	"github.com/N0SAFE/deployer-sub002/internal/repository"
)

const (
	defaultInterval     = time.Hour
	defaultHelperMaxAge = 60 * time.Minute
	iterationTimeout    = 5 * time.Minute

	sweepLockKey = "reconciler"
)

// RuntimeClient is the container-engine surface the reconciler needs.
type RuntimeClient interface {
	ListManagedContainers(ctx context.Context, extraLabels ...string) ([]docker.ManagedContainer, error)
	StartContainer(ctx context.Context, nameOrID string) error
	StopContainer(ctx context.Context, nameOrID string) error
	RemoveContainer(ctx context.Context, nameOrID string) error
}

// Options narrow a reconciliation pass.
type Options struct {
	DryRun    bool
	ProjectID string
}

// HelperOptions narrow a helper-cleanup pass.
type HelperOptions struct {
	DryRun    bool
	OlderThan time.Duration
}

// Reconciler converges actual container state toward the store's desired
// state: restarting stopped tenants, removing containers whose tenant row is
// gone, and aging out exited helper containers.
type Reconciler struct {
	runtime  RuntimeClient
	projects repository.ProjectRepository
	ingress  ingress.Reloader
	lock     locker.Locker
	recorder *metrics.Recorder
	logger   *slog.Logger

	interval     time.Duration
	helperMaxAge time.Duration

	now func() time.Time
}

// New constructs a Reconciler. Ingress, lock and recorder are optional.
func New(runtime RuntimeClient, projects repository.ProjectRepository, reloader ingress.Reloader, lock locker.Locker, recorder *metrics.Recorder, logger *slog.Logger, interval, helperMaxAge time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if helperMaxAge <= 0 {
		helperMaxAge = defaultHelperMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		runtime:      runtime,
		projects:     projects,
		ingress:      reloader,
		lock:         lock,
		recorder:     recorder,
		logger:       logger.With("component", "reconciler"),
		interval:     interval,
		helperMaxAge: helperMaxAge,
		now:          time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled. One
// iteration runs immediately at startup.
func (r *Reconciler) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval, "helper_max_age", r.helperMaxAge)
	r.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reconciler) runIteration(parent context.Context) {
	opCtx, cancel := context.WithTimeout(parent, iterationTimeout)
	defer cancel()

	if r.lock != nil {
		release, ok, err := r.lock.TryLock(opCtx, sweepLockKey)
		if err != nil {
			r.logger.Warn("sweep lock unavailable, proceeding without it", "error", err)
		} else if !ok {
			r.logger.Info("sweep already running elsewhere, skipping iteration")
			return
		} else {
			defer release()
		}
	}

	start := r.now()
	report, err := r.ReconcileAll(opCtx, Options{})
	r.observe("reconcile", start, err)
	if err != nil {
		r.logger.Warn("reconcile pass failed", "error", err)
	}

	start = r.now()
	helpers, err := r.CleanupHelpers(opCtx, HelperOptions{OlderThan: r.helperMaxAge})
	r.observe("helpers", start, err)
	if err != nil {
		r.logger.Warn("helper cleanup failed", "error", err)
	}

	if report.Restarted+report.Removed > 0 || helpers.Removed > 0 {
		r.reloadIngress(opCtx)
	}
}

// ReconcileAll runs the tenant-container pass. Restarts of stopped-but-desired
// containers always happen before any zombie removal, so a stopped tenant is
// never mistaken for a zombie.
func (r *Reconciler) ReconcileAll(ctx context.Context, opts Options) (domain.ReconciliationReport, error) {
	report := domain.ReconciliationReport{
		RunID:     uuid.NewString(),
		DryRun:    opts.DryRun,
		StartedAt: r.now(),
	}

	containers, err := r.runtime.ListManagedContainers(ctx)
	if err != nil {
		return report, fmt.Errorf("list managed containers: %w", err)
	}

	known, err := r.knownProjects(ctx)
	if err != nil {
		return report, err
	}

	tenants := make([]docker.ManagedContainer, 0, len(containers))
	for _, c := range containers {
		if c.Helper || c.Proxy || c.ProjectID == "" {
			continue
		}
		if opts.ProjectID != "" && c.ProjectID != opts.ProjectID {
			continue
		}
		tenants = append(tenants, c)
	}
	report.Total = len(tenants)

	// First pass: containers whose tenant still exists.
	var zombies []docker.ManagedContainer
	for _, c := range tenants {
		project, exists := known[c.ProjectID]
		if !exists {
			zombies = append(zombies, c)
			continue
		}
		r.reconcileTenant(ctx, &report, c, project, opts.DryRun)
	}

	// Second pass: zombies, after every desired container had its chance to
	// be restarted.
	for _, c := range zombies {
		r.removeZombie(ctx, &report, c, opts.DryRun)
	}

	report.Duration = r.now().Sub(report.StartedAt)
	r.recorder.AddAction(domain.ActionRestarted, report.Restarted)
	r.recorder.AddAction(domain.ActionRemoved, report.Removed)
	r.logger.Info("reconcile pass complete",
		"run_id", report.RunID, "total", report.Total, "restarted", report.Restarted,
		"removed", report.Removed, "skipped", report.Skipped, "errors", report.Errors,
		"dry_run", report.DryRun)
	return report, nil
}

// CleanupZombies runs only the zombie sweep: containers whose project row no
// longer exists are stopped and removed.
func (r *Reconciler) CleanupZombies(ctx context.Context, opts Options) (domain.ZombieReport, error) {
	zombieReport := domain.ZombieReport{RunID: uuid.NewString(), DryRun: opts.DryRun}

	containers, err := r.runtime.ListManagedContainers(ctx)
	if err != nil {
		return zombieReport, fmt.Errorf("list managed containers: %w", err)
	}
	known, err := r.knownProjects(ctx)
	if err != nil {
		return zombieReport, err
	}

	report := domain.ReconciliationReport{DryRun: opts.DryRun}
	for _, c := range containers {
		if c.Helper || c.Proxy || c.ProjectID == "" {
			continue
		}
		if opts.ProjectID != "" && c.ProjectID != opts.ProjectID {
			continue
		}
		if _, exists := known[c.ProjectID]; exists {
			continue
		}
		zombieReport.Examined++
		r.removeZombie(ctx, &report, c, opts.DryRun)
	}

	zombieReport.Removed = report.Removed
	zombieReport.Errors = report.Errors
	zombieReport.Actions = report.Actions
	r.recorder.AddAction(domain.ActionRemoved, zombieReport.Removed)
	r.logger.Info("zombie sweep complete",
		"run_id", zombieReport.RunID, "examined", zombieReport.Examined,
		"removed", zombieReport.Removed, "errors", zombieReport.Errors, "dry_run", opts.DryRun)
	return zombieReport, nil
}

// CleanupHelpers removes exited helper containers older than the threshold.
// Running helpers are never touched, whatever their age.
func (r *Reconciler) CleanupHelpers(ctx context.Context, opts HelperOptions) (domain.HelperReport, error) {
	olderThan := opts.OlderThan
	if olderThan <= 0 {
		olderThan = r.helperMaxAge
	}
	report := domain.HelperReport{RunID: uuid.NewString(), DryRun: opts.DryRun, OlderThan: olderThan}

	helpers, err := r.runtime.ListManagedContainers(ctx, docker.LabelHelper+"=true")
	if err != nil {
		return report, fmt.Errorf("list helper containers: %w", err)
	}

	cutoff := r.now().Add(-olderThan)
	for _, c := range helpers {
		report.Examined++
		if !c.Exited() {
			continue
		}
		if c.CreatedAt.After(cutoff) {
			continue
		}
		if opts.DryRun {
			report.Actions = append(report.Actions, action(c, domain.ActionRemoved, "stale helper (dry run)"))
			continue
		}
		if err := r.runtime.RemoveContainer(ctx, c.ID); err != nil {
			report.Errors++
			report.Actions = append(report.Actions, action(c, domain.ActionError, err.Error()))
			r.logger.Warn("failed to remove stale helper", "container", c.Name, "error", err)
			continue
		}
		report.Removed++
		report.Actions = append(report.Actions, action(c, domain.ActionRemoved, "stale helper"))
		r.logger.Info("stale helper removed", "container", c.Name, "age", r.now().Sub(c.CreatedAt))
	}

	r.recorder.AddAction(domain.ActionRemoved, report.Removed)
	return report, nil
}

// Stats computes the read-only observability snapshot. It takes no action.
func (r *Reconciler) Stats(ctx context.Context) (domain.ReconcilerStats, error) {
	stats := domain.ReconcilerStats{ObservedAt: r.now()}

	containers, err := r.runtime.ListManagedContainers(ctx)
	if err != nil {
		return stats, fmt.Errorf("list managed containers: %w", err)
	}
	known, err := r.knownProjects(ctx)
	if err != nil {
		return stats, err
	}

	cutoff := r.now().Add(-r.helperMaxAge)
	for _, c := range containers {
		switch {
		case c.Helper:
			if c.Exited() && !c.CreatedAt.After(cutoff) {
				stats.StaleHelpers++
			}
		case c.Proxy:
			if !c.Running() {
				stats.OrphanedProxy++
			}
		case c.ProjectID == "":
			// Managed but unlabelled with an owner; counts as a zombie.
			stats.ZombieContainers++
		default:
			if _, exists := known[c.ProjectID]; !exists {
				stats.ZombieContainers++
			} else if !c.Running() {
				stats.StoppedDesired++
			}
		}
	}
	return stats, nil
}

func (r *Reconciler) reconcileTenant(ctx context.Context, report *domain.ReconciliationReport, c docker.ManagedContainer, project domain.Project, dryRun bool) {
	if c.Running() {
		report.Running++
		if mismatch, want := routeRuleMismatch(c, project); mismatch {
			report.Skipped++
			reason := fmt.Sprintf("route rule %q does not match %q, needs manual recreation", c.RouteRule, want)
			report.Actions = append(report.Actions, action(c, domain.ActionSkipped, reason))
			r.logger.Warn("route rule mismatch", "container", c.Name, "project_id", c.ProjectID, "have", c.RouteRule, "want", want)
			return
		}
		report.Actions = append(report.Actions, action(c, domain.ActionOK, "running"))
		return
	}

	if dryRun {
		report.Restarted++
		report.Actions = append(report.Actions, action(c, domain.ActionRestarted, "stopped but desired (dry run)"))
		return
	}
	if err := r.runtime.StartContainer(ctx, c.ID); err != nil {
		report.Errors++
		report.Actions = append(report.Actions, action(c, domain.ActionError, err.Error()))
		r.logger.Warn("failed to restart stopped tenant container", "container", c.Name, "project_id", c.ProjectID, "error", err)
		return
	}
	report.Restarted++
	report.Actions = append(report.Actions, action(c, domain.ActionRestarted, "stopped but desired"))
	r.logger.Info("stopped tenant container restarted", "container", c.Name, "project_id", c.ProjectID)
}

// removeZombie stops (if running) and removes a container whose owning tenant
// no longer exists. A container is never removed merely for being stopped.
func (r *Reconciler) removeZombie(ctx context.Context, report *domain.ReconciliationReport, c docker.ManagedContainer, dryRun bool) {
	if dryRun {
		report.Removed++
		report.Actions = append(report.Actions, action(c, domain.ActionRemoved, "zombie (dry run)"))
		return
	}
	if c.Running() {
		if err := r.runtime.StopContainer(ctx, c.ID); err != nil {
			report.Errors++
			report.Actions = append(report.Actions, action(c, domain.ActionError, err.Error()))
			r.logger.Warn("failed to stop zombie container", "container", c.Name, "project_id", c.ProjectID, "error", err)
			return
		}
	}
	if err := r.runtime.RemoveContainer(ctx, c.ID); err != nil {
		report.Errors++
		report.Actions = append(report.Actions, action(c, domain.ActionError, err.Error()))
		r.logger.Warn("failed to remove zombie container", "container", c.Name, "project_id", c.ProjectID, "error", err)
		return
	}
	report.Removed++
	report.Actions = append(report.Actions, action(c, domain.ActionRemoved, "project no longer exists"))
	r.logger.Info("zombie container removed", "container", c.Name, "project_id", c.ProjectID)
}

func (r *Reconciler) knownProjects(ctx context.Context) (map[string]domain.Project, error) {
	projects, err := r.projects.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	known := make(map[string]domain.Project, len(projects))
	for _, p := range projects {
		known[p.ID] = p
	}
	return known, nil
}

func (r *Reconciler) reloadIngress(ctx context.Context) {
	if r.ingress == nil {
		return
	}
	if err := r.ingress.Reload(ctx); err != nil {
		r.logger.Warn("failed to reload ingress after reconcile", "error", err)
		return
	}
	r.logger.Info("ingress reloaded after corrective actions")
}

func (r *Reconciler) observe(sweep string, start time.Time, err error) {
	r.recorder.ObserveSweep(sweep, r.now().Sub(start), err)
}

// routeRuleMismatch reports whether a running container's route-rule label
// diverges from the tenant's current base domain. Labels are immutable on a
// live container, so a mismatch requires recreation rather than correction.
func routeRuleMismatch(c docker.ManagedContainer, project domain.Project) (bool, string) {
	if project.BaseDomain == "" || c.RouteRule == "" {
		return false, project.BaseDomain
	}
	return c.RouteRule != project.BaseDomain, project.BaseDomain
}

func action(c docker.ManagedContainer, act, reason string) domain.ReconcileAction {
	return domain.ReconcileAction{
		ContainerID:   c.ID,
		ContainerName: c.Name,
		ProjectID:     c.ProjectID,
		Action:        act,
		Reason:        reason,
	}
}
