package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/N0SAFE/deployer-sub002/internal/domain"
	"github.com/N0SAFE/deployer-sub002/internal/logs"
	"github.com/N0SAFE/deployer-sub002/internal/monitor"
	"github.com/N0SAFE/deployer-sub002/internal/reconciler"
	"github.com/N0SAFE/deployer-sub002/internal/repository"
	"github.com/N0SAFE/deployer-sub002/internal/rollout"
	"github.com/N0SAFE/deployer-sub002/internal/ws"
)

const healthCheckTimeout = 2 * time.Second

// Router exposes the operator HTTP endpoints.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	reconciler *reconciler.Reconciler
	monitor    *monitor.Monitor
	rollout    *rollout.Switcher
	logs       logs.Service
	upgrader   websocket.Upgrader

	dbHealth     func(context.Context) error
	engineHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// New creates and registers handlers.
func New(logger *slog.Logger, rec *reconciler.Reconciler, mon *monitor.Monitor, switcher *rollout.Switcher, logSvc logs.Service, dbHealth, engineHealth func(context.Context) error) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		reconciler: rec,
		monitor:    mon,
		rollout:    switcher,
		logs:       logSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dbHealth:     dbHealth,
		engineHealth: engineHealth,
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/v1/reconcile", r.instrument("/v1/reconcile", r.handleReconcile))
	r.mux.HandleFunc("/v1/zombies/cleanup", r.instrument("/v1/zombies/cleanup", r.handleZombieCleanup))
	r.mux.HandleFunc("/v1/helpers/cleanup", r.instrument("/v1/helpers/cleanup", r.handleHelperCleanup))
	r.mux.HandleFunc("/v1/stats", r.instrument("/v1/stats", r.handleStats))
	r.mux.HandleFunc("/v1/monitor/run", r.instrument("/v1/monitor/run", r.handleMonitorRun))
	r.mux.HandleFunc("/v1/deployments/", r.instrument("/v1/deployments/:id", r.handleDeployment))
	r.mux.HandleFunc("/v1/rollout/switch", r.instrument("/v1/rollout/switch", r.handleRolloutSwitch))
	r.mux.HandleFunc("/v1/rollout/prune", r.instrument("/v1/rollout/prune", r.handleRolloutPrune))
	r.mux.HandleFunc("/v1/rollout/remove", r.instrument("/v1/rollout/remove", r.handleRolloutRemove))
	r.mux.HandleFunc("/v1/rollout/versions", r.instrument("/v1/rollout/versions", r.handleRolloutVersions))
	r.mux.HandleFunc("/ws/logs", r.handleLogsWS)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	components := map[string]any{}
	for name, check := range map[string]func(context.Context) error{
		"database": r.dbHealth,
		"docker":   r.engineHealth,
	} {
		if check == nil {
			continue
		}
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleReconcile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	opts := reconciler.Options{
		DryRun:    queryBool(req, "dry_run"),
		ProjectID: req.URL.Query().Get("project_id"),
	}
	report, err := r.reconciler.ReconcileAll(req.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reconcilePayload(report))
}

func (r *Router) handleZombieCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	opts := reconciler.Options{
		DryRun:    queryBool(req, "dry_run"),
		ProjectID: req.URL.Query().Get("project_id"),
	}
	report, err := r.reconciler.CleanupZombies(req.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   report.RunID,
		"dry_run":  report.DryRun,
		"examined": report.Examined,
		"removed":  report.Removed,
		"errors":   report.Errors,
		"actions":  actionsPayload(report.Actions),
	})
}

func (r *Router) handleHelperCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	opts := reconciler.HelperOptions{DryRun: queryBool(req, "dry_run")}
	if raw := req.URL.Query().Get("older_than"); raw != "" {
		olderThan, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid older_than duration")
			return
		}
		opts.OlderThan = olderThan
	}
	report, err := r.reconciler.CleanupHelpers(req.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     report.RunID,
		"dry_run":    report.DryRun,
		"older_than": report.OlderThan.String(),
		"examined":   report.Examined,
		"removed":    report.Removed,
		"errors":     report.Errors,
		"actions":    actionsPayload(report.Actions),
	})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := r.reconciler.Stats(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"zombie_containers": stats.ZombieContainers,
		"stopped_desired":   stats.StoppedDesired,
		"stale_helpers":     stats.StaleHelpers,
		"orphaned_proxy":    stats.OrphanedProxy,
		"observed_at":       stats.ObservedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleMonitorRun(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := r.monitor.TriggerManualHealthCheck(req.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    stats.RunID,
		"total":     stats.Total,
		"healthy":   stats.Healthy,
		"degraded":  stats.Degraded,
		"unhealthy": stats.Unhealthy,
		"unknown":   stats.Unknown,
		"stuck":     stats.Stuck,
		"restarted": stats.Restarted,
		"errors":    stats.Errors,
		"duration":  stats.Duration.String(),
	})
}

// handleDeployment serves /v1/deployments/{id}/health and
// /v1/deployments/{id}/logs.
func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v1/deployments/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	deploymentID := parts[0]
	switch parts[1] {
	case "health":
		r.handleDeploymentHealth(w, req, deploymentID)
	case "logs":
		r.handleDeploymentLogs(w, req, deploymentID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (r *Router) handleDeploymentHealth(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	health, err := r.monitor.MonitorDeploymentHealth(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, healthPayload(health))
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := queryInt(req, "limit", 100)
	offset := queryInt(req, "offset", 0)
	entries, err := r.logs.List(req.Context(), deploymentID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, logPayload(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": payload})
}

func (r *Router) handleRolloutSwitch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	project, service, deploymentID := rolloutParams(req)
	if project == "" || service == "" || deploymentID == "" {
		writeError(w, http.StatusBadRequest, "project, service and deployment_id are required")
		return
	}
	if err := r.rollout.SetCurrent(project, service, deploymentID); err != nil {
		switch {
		case errors.Is(err, rollout.ErrArtifactsNotReady):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, rollout.ErrSwitchVerification):
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"current": deploymentID})
}

func (r *Router) handleRolloutPrune(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	project, service, _ := rolloutParams(req)
	if project == "" || service == "" {
		writeError(w, http.StatusBadRequest, "project and service are required")
		return
	}
	keep := queryInt(req, "keep", 0)
	if err := r.rollout.Prune(project, service, keep); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	versions, err := r.rollout.Versions(project, service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (r *Router) handleRolloutRemove(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	project, service, deploymentID := rolloutParams(req)
	if project == "" || service == "" {
		writeError(w, http.StatusBadRequest, "project and service are required")
		return
	}
	if err := r.rollout.Remove(project, service, deploymentID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (r *Router) handleRolloutVersions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	project, service, _ := rolloutParams(req)
	if project == "" || service == "" {
		writeError(w, http.StatusBadRequest, "project and service are required")
		return
	}
	versions, err := r.rollout.Versions(project, service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]any{"versions": versions}
	if current, err := r.rollout.Current(project, service); err == nil {
		payload["current"] = current
	}
	writeJSON(w, http.StatusOK, payload)
}

func rolloutParams(req *http.Request) (project, service, deploymentID string) {
	q := req.URL.Query()
	return q.Get("project"), q.Get("service"), q.Get("deployment_id")
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.URL.Query().Get("deployment_id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	if r.logs.Hub() == nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(deploymentID, client)
	go func() {
		defer func() {
			r.logs.Hub().Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func reconcilePayload(report domain.ReconciliationReport) map[string]any {
	return map[string]any{
		"run_id":    report.RunID,
		"dry_run":   report.DryRun,
		"total":     report.Total,
		"running":   report.Running,
		"restarted": report.Restarted,
		"removed":   report.Removed,
		"skipped":   report.Skipped,
		"errors":    report.Errors,
		"actions":   actionsPayload(report.Actions),
		"duration":  report.Duration.String(),
	}
}

func actionsPayload(actions []domain.ReconcileAction) []map[string]any {
	payload := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		payload = append(payload, map[string]any{
			"container_id":   a.ContainerID,
			"container_name": a.ContainerName,
			"project_id":     a.ProjectID,
			"action":         a.Action,
			"reason":         a.Reason,
		})
	}
	return payload
}

func healthPayload(health domain.DeploymentHealth) map[string]any {
	containers := make([]map[string]any, 0, len(health.Containers))
	for _, c := range health.Containers {
		containers = append(containers, map[string]any{
			"container_id":   c.ContainerID,
			"container_name": c.ContainerName,
			"state":          c.State,
			"healthy":        c.Healthy,
			"reason":         c.Reason,
			"cpu_percent":    c.CPUPercent,
			"memory_bytes":   c.MemoryBytes,
		})
	}
	payload := map[string]any{
		"deployment_id": health.DeploymentID,
		"project_id":    health.ProjectID,
		"state":         string(health.State),
		"containers":    containers,
		"checked_at":    health.CheckedAt.UTC().Format(time.RFC3339Nano),
	}
	if health.HTTPProbeURL != "" {
		payload["http_probe_url"] = health.HTTPProbeURL
	}
	if health.HTTPProbeOK != nil {
		payload["http_probe_ok"] = *health.HTTPProbeOK
	}
	return payload
}

func logPayload(entry domain.DeploymentLog) map[string]any {
	return map[string]any{
		"id":            entry.ID,
		"deployment_id": entry.DeploymentID,
		"project_id":    entry.ProjectID,
		"level":         entry.Level,
		"message":       entry.Message,
		"phase":         entry.Phase,
		"step":          entry.Step,
		"source":        entry.Source,
		"created_at":    entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func queryBool(req *http.Request, key string) bool {
	value, err := strconv.ParseBool(req.URL.Query().Get(key))
	return err == nil && value
}

func queryInt(req *http.Request, key string, fallback int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
