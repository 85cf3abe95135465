package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/N0SAFE/deployer-sub002/internal/domain"
	"github.com/N0SAFE/deployer-sub002/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

const deploymentColumns = `id, project_id, service_name, status, phase, phase_updated_at,
	phase_metadata, container_name, container_image, domain_url, health_check_url,
	created_at, updated_at`

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// AdvancePhase writes the new phase, refreshes phase_updated_at and merges
// metadata into the phase_metadata attribute bag.
func (r *Repository) AdvancePhase(ctx context.Context, deploymentID string, phase domain.Phase, metadata json.RawMessage) error {
	const query = `UPDATE deployments
		SET phase = $2,
			phase_updated_at = NOW(),
			phase_metadata = COALESCE(phase_metadata, '{}'::jsonb) || COALESCE($3::jsonb, '{}'::jsonb),
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, deploymentID, string(phase), rawToNil(metadata))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "22P02", "23514":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateDeploymentStatus writes the coarse lifecycle status.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, deploymentID, status string) error {
	const query = `UPDATE deployments SET status = $2, updated_at = NOW() WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, deploymentID, status)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetDeploymentContainer records the runtime artifacts once they are known.
func (r *Repository) SetDeploymentContainer(ctx context.Context, deploymentID, containerName, containerImage, domainURL string) error {
	const query = `UPDATE deployments
		SET container_name = COALESCE($2, container_name),
			container_image = COALESCE($3, container_image),
			domain_url = COALESCE($4, domain_url),
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, deploymentID,
		emptyToNil(containerName), emptyToNil(containerImage), emptyToNil(domainURL))
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByStatus fetches deployments matching any of the statuses.
func (r *Repository) ListDeploymentsByStatus(ctx context.Context, statuses ...string) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE status = ANY($1) ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListStuckDeployments finds in-progress deployments whose phase stopped
// advancing before the cutoff.
func (r *Repository) ListStuckDeployments(ctx context.Context, cutoff time.Time, statuses ...string) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = ANY($1)
			AND phase NOT IN ($2, $3)
			AND phase_updated_at < $4
		ORDER BY phase_updated_at ASC`
	rows, err := r.pool.Query(ctx, query, statuses, string(domain.PhaseActive), string(domain.PhaseFailed), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// GetProjectByID fetches tenant desired state.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, base_domain, health_check_path, created_at FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.BaseDomain, &p.HealthCheckPath, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjects enumerates all tenants.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, base_domain, health_check_path, created_at FROM projects ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseDomain, &p.HealthCheckPath, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// AppendLog persists one audit-trail entry.
func (r *Repository) AppendLog(ctx context.Context, entry domain.DeploymentLog) error {
	const query = `INSERT INTO deployment_logs (deployment_id, project_id, level, message, phase, step, source, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`
	_, err := r.pool.Exec(ctx, query,
		entry.DeploymentID,
		emptyToNil(entry.ProjectID),
		entry.Level,
		entry.Message,
		emptyToNil(entry.Phase),
		emptyToNil(entry.Step),
		emptyToNil(entry.Source),
		bytesToNil(entry.Metadata),
		nilTime(entry.CreatedAt),
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02":
			return repository.ErrInvalidArgument
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

// ListLogsByDeployment fetches audit entries, newest first.
func (r *Repository) ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, deployment_id, project_id, level, message, phase, step, source, metadata, created_at
		FROM deployment_logs WHERE deployment_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.DeploymentLog
	for rows.Next() {
		var (
			l        domain.DeploymentLog
			project  *string
			phase    *string
			step     *string
			source   *string
			metadata []byte
		)
		if err := rows.Scan(&l.ID, &l.DeploymentID, &project, &l.Level, &l.Message, &phase, &step, &source, &metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		if project != nil {
			l.ProjectID = *project
		}
		if phase != nil {
			l.Phase = *phase
		}
		if step != nil {
			l.Step = *step
		}
		if source != nil {
			l.Source = *source
		}
		if len(metadata) > 0 {
			l.Metadata = append([]byte(nil), metadata...)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d              domain.Deployment
		phase          string
		metadata       []byte
		containerName  *string
		containerImage *string
		domainURL      *string
		healthCheckURL *string
	)
	if err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.ServiceName,
		&d.Status,
		&phase,
		&d.PhaseUpdatedAt,
		&metadata,
		&containerName,
		&containerImage,
		&domainURL,
		&healthCheckURL,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Phase = domain.Phase(phase)
	if len(metadata) > 0 {
		d.PhaseMetadata = append(json.RawMessage(nil), metadata...)
	}
	if containerName != nil {
		d.ContainerName = *containerName
	}
	if containerImage != nil {
		d.ContainerImage = *containerImage
	}
	if domainURL != nil {
		d.DomainURL = *domainURL
	}
	if healthCheckURL != nil {
		d.HealthCheckURL = *healthCheckURL
	}
	return &d, nil
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func rawToNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
