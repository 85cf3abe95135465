package domain

import "time"

// Corrective actions the reconciler records per container.
const (
	ActionOK        = "ok"
	ActionRestarted = "restarted"
	ActionRemoved   = "removed"
	ActionSkipped   = "skipped"
	ActionError     = "error"
)

// ReconcileAction describes one corrective decision for one container.
type ReconcileAction struct {
	ContainerID   string
	ContainerName string
	ProjectID     string
	Action        string
	Reason        string
}

// ReconciliationReport summarizes one pass over the tenant containers.
type ReconciliationReport struct {
	RunID     string
	DryRun    bool
	Total     int
	Running   int
	Restarted int
	Removed   int
	Skipped   int
	Errors    int
	Actions   []ReconcileAction
	StartedAt time.Time
	Duration  time.Duration
}

// ZombieReport summarizes a zombie-container sweep.
type ZombieReport struct {
	RunID    string
	DryRun   bool
	Examined int
	Removed  int
	Errors   int
	Actions  []ReconcileAction
}

// HelperReport summarizes a stale-helper sweep.
type HelperReport struct {
	RunID     string
	DryRun    bool
	OlderThan time.Duration
	Examined  int
	Removed   int
	Errors    int
	Actions   []ReconcileAction
}

// ReconcilerStats is the read-only observability snapshot; computing it
// takes no corrective action.
type ReconcilerStats struct {
	ZombieContainers int
	StoppedDesired   int
	StaleHelpers     int
	OrphanedProxy    int
	ObservedAt       time.Time
}
