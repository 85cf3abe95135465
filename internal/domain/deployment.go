package domain

import (
	"encoding/json"
	"time"
)

// Deployment captures a single attempt to bring a service's code live.
type Deployment struct {
	ID             string
	ProjectID      string
	ServiceName    string
	Status         string
	Phase          Phase
	PhaseUpdatedAt time.Time
	PhaseMetadata  json.RawMessage
	ContainerName  string
	ContainerImage string
	DomainURL      string
	HealthCheckURL string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Coarse lifecycle statuses for a deployment.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusBuilding  = "building"
	StatusDeploying = "deploying"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Phase is the fine-grained progress marker for a deployment. Its
// timestamp, not the coarse status, is what stuck detection keys on.
type Phase string

const (
	PhaseQueued           Phase = "QUEUED"
	PhasePullingSource    Phase = "PULLING_SOURCE"
	PhaseBuilding         Phase = "BUILDING"
	PhaseCopyingFiles     Phase = "COPYING_FILES"
	PhaseCreatingSymlinks Phase = "CREATING_SYMLINKS"
	PhaseUpdatingRoutes   Phase = "UPDATING_ROUTES"
	PhaseHealthCheck      Phase = "HEALTH_CHECK"
	PhaseActive           Phase = "ACTIVE"
	PhaseFailed           Phase = "FAILED"
)

// phaseOrder maps each forward phase to its position. FAILED sits outside
// the ordering: it is reachable from any non-terminal phase.
var phaseOrder = map[Phase]int{
	PhaseQueued:           0,
	PhasePullingSource:    1,
	PhaseBuilding:         2,
	PhaseCopyingFiles:     3,
	PhaseCreatingSymlinks: 4,
	PhaseUpdatingRoutes:   5,
	PhaseHealthCheck:      6,
	PhaseActive:           7,
}

// Known reports whether p is a recognized phase.
func (p Phase) Known() bool {
	if p == PhaseFailed {
		return true
	}
	_, ok := phaseOrder[p]
	return ok
}

// Terminal reports whether no further phase transitions are allowed.
func (p Phase) Terminal() bool {
	return p == PhaseActive || p == PhaseFailed
}

// Before reports whether p is strictly earlier than other in the forward
// ordering. FAILED compares before nothing and after everything.
func (p Phase) Before(other Phase) bool {
	pi, pok := phaseOrder[p]
	oi, ook := phaseOrder[other]
	if !pok || !ook {
		return false
	}
	return pi < oi
}
