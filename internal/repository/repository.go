package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/N0SAFE/deployer-sub002/internal/domain"
)

// DeploymentRepository stores deployment rows and their phase progression.
type DeploymentRepository interface {
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	// AdvancePhase writes the new phase, refreshes phase_updated_at and
	// merges metadata into phase_metadata. Returns ErrNotFound when the
	// deployment row does not exist.
	AdvancePhase(ctx context.Context, deploymentID string, phase domain.Phase, metadata json.RawMessage) error
	UpdateDeploymentStatus(ctx context.Context, deploymentID, status string) error
	SetDeploymentContainer(ctx context.Context, deploymentID, containerName, containerImage, domainURL string) error
	ListDeploymentsByStatus(ctx context.Context, statuses ...string) ([]domain.Deployment, error)
	// ListStuckDeployments returns deployments whose status is one of the
	// given values, whose phase is non-terminal, and whose phase_updated_at
	// is strictly before the cutoff.
	ListStuckDeployments(ctx context.Context, cutoff time.Time, statuses ...string) ([]domain.Deployment, error)
}

// ProjectRepository reads tenant desired state.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// LogRepository appends to the deployment audit trail.
type LogRepository interface {
	AppendLog(ctx context.Context, entry domain.DeploymentLog) error
	ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error)
}
