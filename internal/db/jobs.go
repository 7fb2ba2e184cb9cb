package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"instadeploy/internal/models"
	"instadeploy/internal/protocol"
)

const jobColumns = `j.id, COALESCE(j.deployment_id, 0), j.agent_id, COALESCE(a.hostname, ''),
	j.command_type, j.status, j.logs, j.error, j.data, j.created_at, j.updated_at`

const jobFrom = ` FROM jobs j LEFT JOIN agents a ON a.id = j.agent_id`

// CreateJob inserts j. An empty status defaults to queued.
func (s *Store) CreateJob(ctx context.Context, j *models.Job) error {
	if j.Status == "" {
		j.Status = models.JobQueued
	}
	now := nowString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, deployment_id, agent_id, command_type, status, logs, error, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, nullInt64(j.DeploymentID), j.AgentID, j.CommandType, j.Status,
		j.Logs, j.Error, nullBytes(j.Data), now, now)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	j.CreatedAt = parseTime(now)
	j.UpdatedAt = j.CreatedAt
	return nil
}

// UpdateJob writes u unless the job is already completed or failed. It
// reports whether the row changed; false means the job is unknown or
// terminal.
func (s *Store) UpdateJob(ctx context.Context, u models.JobUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status     = ?,
			logs       = ?,
			error      = ?,
			data       = COALESCE(?, data),
			updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, u.Status, u.Logs, u.Error, nullBytes(u.Data), nowString(), u.ID,
		models.JobCompleted, models.JobFailed)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailUnfinishedJobs fails every queued or in-progress job with reason.
// It runs at startup, when no pending entry from a previous run survives.
func (s *Store) FailUnfinishedJobs(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ?
		WHERE status IN (?, ?)
	`, models.JobFailed, reason, nowString(), models.JobQueued, models.JobInProgress)
	if err != nil {
		return 0, fmt.Errorf("fail unfinished jobs: %w", err)
	}
	return res.RowsAffected()
}

// GetJob returns nil when the id is unknown.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+jobFrom+" WHERE j.id = ?", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobsByDeployment returns a deployment's jobs, newest first.
func (s *Store) ListJobsByDeployment(ctx context.Context, deploymentID int64) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+jobColumns+jobFrom+`
		WHERE j.deployment_id = ?
		ORDER BY j.created_at DESC, j.rowid DESC`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for deployment %d: %w", deploymentID, err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	var commandType, status, createdAt, updatedAt string
	var data sql.NullString
	if err := row.Scan(&j.ID, &j.DeploymentID, &j.AgentID, &j.Hostname, &commandType,
		&status, &j.Logs, &j.Error, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.CommandType = protocol.CommandType(commandType)
	j.Status = models.JobStatus(status)
	if data.Valid && data.String != "" {
		j.Data = json.RawMessage(data.String)
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}
