package domain

import "time"

// DeploymentLog is one row of the append-only audit trail. The consistency
// engine only ever writes these; it never updates or deletes them.
type DeploymentLog struct {
	ID           int64
	DeploymentID string
	ProjectID    string
	Level        string
	Message      string
	Phase        string
	Step         string
	Source       string
	Metadata     []byte
	CreatedAt    time.Time
}
