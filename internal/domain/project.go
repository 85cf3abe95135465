package domain

import "time"

// Project is a tenant: the unit of desired state the reconciler diffs
// runtime containers against.
type Project struct {
	ID              string
	Name            string
	BaseDomain      string
	HealthCheckPath string
	CreatedAt       time.Time
}
