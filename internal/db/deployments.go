package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"instadeploy/internal/models"
)

const deploymentColumns = `d.id, d.project_name, d.agent_id, COALESCE(a.hostname, ''), d.status,
	d.compose_file_hash, d.last_logs, d.last_error, d.created_at, d.updated_at`

const deploymentFrom = ` FROM deployments d LEFT JOIN agents a ON a.id = d.agent_id`

// CreateDeployment inserts d and fills in its id and timestamps. An empty
// status defaults to pending.
func (s *Store) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	if d.Status == "" {
		d.Status = models.DeploymentPending
	}
	now := nowString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (project_name, agent_id, status, compose_file_hash, last_logs, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ProjectName, d.AgentID, d.Status, d.ComposeFileHash, d.LastLogs, d.LastError, now, now)
	if err != nil {
		return fmt.Errorf("insert deployment %s: %w", d.ProjectName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	d.ID = id
	d.CreatedAt = parseTime(now)
	d.UpdatedAt = d.CreatedAt
	return nil
}

// UpdateDeployment applies u and reports whether a row changed. Rows whose
// status is not in u.OnlyFrom are left alone.
func (s *Store) UpdateDeployment(ctx context.Context, u models.DeploymentUpdate) (bool, error) {
	query := `
		UPDATE deployments SET
			status     = COALESCE(NULLIF(?, ''), status),
			last_logs  = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ?`
	args := []any{u.Status, u.LastLogs, u.LastError, nowString(), u.ID}

	if len(u.OnlyFrom) > 0 {
		query += " AND status IN (?" + strings.Repeat(", ?", len(u.OnlyFrom)-1) + ")"
		for _, st := range u.OnlyFrom {
			args = append(args, st)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update deployment %d: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailPendingDeployments fails every deployment still pending with reason.
func (s *Store) FailPendingDeployments(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET status = ?, last_error = ?, updated_at = ?
		WHERE status = ?
	`, models.DeploymentFailed, reason, nowString(), models.DeploymentPending)
	if err != nil {
		return 0, fmt.Errorf("fail pending deployments: %w", err)
	}
	return res.RowsAffected()
}

// GetDeployment returns nil when the id is unknown.
func (s *Store) GetDeployment(ctx context.Context, id int64) (*models.Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+deploymentColumns+deploymentFrom+" WHERE d.id = ?", id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment %d: %w", id, err)
	}
	return d, nil
}

// LatestDeployment returns the most recently created deployment of project,
// or nil if the project was never deployed.
func (s *Store) LatestDeployment(ctx context.Context, project string) (*models.Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+deploymentColumns+deploymentFrom+`
		WHERE d.project_name = ?
		ORDER BY d.created_at DESC, d.id DESC
		LIMIT 1`, project)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest deployment %s: %w", project, err)
	}
	return d, nil
}

func scanDeployment(row scanner) (*models.Deployment, error) {
	var d models.Deployment
	var status, createdAt, updatedAt string
	if err := row.Scan(&d.ID, &d.ProjectName, &d.AgentID, &d.Hostname, &status,
		&d.ComposeFileHash, &d.LastLogs, &d.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Status = models.DeploymentStatus(status)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}
