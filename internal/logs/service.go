package logs

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/N0SAFE/deployer-sub002/internal/domain"
	"github.com/N0SAFE/deployer-sub002/internal/repository"
	"github.com/N0SAFE/deployer-sub002/internal/ws"
)

// Service handles log persistence and streaming.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append stores and broadcasts a log entry.
func (s Service) Append(ctx context.Context, entry domain.DeploymentLog) error {
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// List returns logs for a deployment, newest first.
func (s Service) List(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	return s.repo.ListLogsByDeployment(ctx, deploymentID, limit, offset)
}

func (s Service) broadcast(entry domain.DeploymentLog) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.DeploymentID, data)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEntry formats a deployment log for streaming payloads.
func MarshalEntry(entry domain.DeploymentLog) ([]byte, error) {
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = json.RawMessage(entry.Metadata)
	}
	payload := map[string]any{
		"deployment_id": entry.DeploymentID,
		"project_id":    entry.ProjectID,
		"phase":         entry.Phase,
		"step":          entry.Step,
		"source":        entry.Source,
		"level":         entry.Level,
		"message":       entry.Message,
		"metadata":      metadata,
		"created_at":    entry.CreatedAt.Format(time.RFC3339Nano),
		"id":            entry.ID,
	}
	return json.Marshal(payload)
}
