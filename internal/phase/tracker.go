package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/N0SAFE/deployer-sub002/internal/domain"
	"github.com/N0SAFE/deployer-sub002/internal/repository"
)

// Tracker records deployment progress through the phase state machine.
// Callers advance phases in order; skipping ahead is permitted (a static
// deployment has no BUILDING phase) and going backward is logged but not
// rejected.
type Tracker struct {
	deployments repository.DeploymentRepository
	logs        repository.LogRepository
	logger      *slog.Logger
}

// New constructs a Tracker. The log repository is optional.
func New(deployments repository.DeploymentRepository, logs repository.LogRepository, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		deployments: deployments,
		logs:        logs,
		logger:      logger.With("component", "phase"),
	}
}

// AdvancePhase writes the new phase, refreshes the phase timestamp and merges
// metadata into the deployment's phase attribute bag. Returns
// repository.ErrNotFound when the deployment row does not exist and
// repository.ErrInvalidArgument for an unrecognized phase name.
func (t *Tracker) AdvancePhase(ctx context.Context, deploymentID string, phase domain.Phase, metadata json.RawMessage) error {
	if !phase.Known() {
		return fmt.Errorf("%w: unknown phase %q", repository.ErrInvalidArgument, phase)
	}

	current, err := t.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return fmt.Errorf("load deployment %s: %w", deploymentID, err)
	}

	if current.Phase.Terminal() && phase != current.Phase {
		t.logger.Warn("phase transition out of terminal state",
			"deployment_id", deploymentID, "from", current.Phase, "to", phase)
	} else if phase != domain.PhaseFailed && phase.Before(current.Phase) {
		t.logger.Warn("phase regression requested",
			"deployment_id", deploymentID, "from", current.Phase, "to", phase)
	}

	if err := t.deployments.AdvancePhase(ctx, deploymentID, phase, metadata); err != nil {
		return err
	}

	t.logger.Info("phase advanced", "deployment_id", deploymentID, "from", current.Phase, "to", phase)
	t.appendAudit(ctx, current, phase, metadata)
	return nil
}

// Fail force-transitions a deployment to FAILED, recording the reason and any
// extra attributes in the phase metadata, and marks the coarse status failed.
func (t *Tracker) Fail(ctx context.Context, deploymentID, reason string, extra map[string]any) error {
	fields := map[string]any{"error": reason}
	for k, v := range extra {
		fields[k] = v
	}
	metadata, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode failure metadata: %w", err)
	}
	if err := t.AdvancePhase(ctx, deploymentID, domain.PhaseFailed, metadata); err != nil {
		return err
	}
	if err := t.deployments.UpdateDeploymentStatus(ctx, deploymentID, domain.StatusFailed); err != nil {
		return fmt.Errorf("mark deployment failed: %w", err)
	}
	return nil
}

func (t *Tracker) appendAudit(ctx context.Context, d *domain.Deployment, phase domain.Phase, metadata json.RawMessage) {
	if t.logs == nil {
		return
	}
	level := "info"
	if phase == domain.PhaseFailed {
		level = "error"
	}
	entry := domain.DeploymentLog{
		DeploymentID: d.ID,
		ProjectID:    d.ProjectID,
		Level:        level,
		Message:      fmt.Sprintf("phase %s -> %s", d.Phase, phase),
		Phase:        string(phase),
		Source:       "phase-tracker",
		Metadata:     []byte(metadata),
	}
	if err := t.logs.AppendLog(ctx, entry); err != nil {
		t.logger.Warn("failed to append phase audit entry", "deployment_id", d.ID, "error", err)
	}
}
