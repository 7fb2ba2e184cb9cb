package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"instadeploy/internal/models"
)

const agentColumns = `id, hostname, ip_address, status, last_seen, version, architecture, created_at`

// UpsertAgent creates or refreshes the agent row for meta.Hostname and marks
// it online.
func (s *Store) UpsertAgent(ctx context.Context, meta models.AgentMetadata) (*models.Agent, error) {
	now := nowString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (hostname, ip_address, status, last_seen, version, architecture, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			ip_address   = excluded.ip_address,
			status       = excluded.status,
			last_seen    = excluded.last_seen,
			version      = excluded.version,
			architecture = excluded.architecture
	`, meta.Hostname, meta.Address, models.AgentOnline, now, meta.Version, meta.Architecture, now)
	if err != nil {
		return nil, fmt.Errorf("upsert agent %s: %w", meta.Hostname, err)
	}

	a, err := s.GetAgentByHostname(ctx, meta.Hostname)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("upsert agent %s: row vanished", meta.Hostname)
	}
	return a, nil
}

// SetAgentOffline marks the agent offline and stamps last_seen.
func (s *Store) SetAgentOffline(ctx context.Context, hostname string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = ?, last_seen = ? WHERE hostname = ?",
		models.AgentOffline, nowString(), hostname,
	)
	if err != nil {
		return fmt.Errorf("set agent %s offline: %w", hostname, err)
	}
	return nil
}

// MarkAllAgentsOffline resets connectivity at startup; no session survives a
// restart.
func (s *Store) MarkAllAgentsOffline(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = ? WHERE status = ?",
		models.AgentOffline, models.AgentOnline,
	)
	if err != nil {
		return 0, fmt.Errorf("mark agents offline: %w", err)
	}
	return res.RowsAffected()
}

// GetAgentByHostname returns nil when no agent has that hostname.
func (s *Store) GetAgentByHostname(ctx context.Context, hostname string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE hostname = ?", hostname)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", hostname, err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by hostname.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents ORDER BY hostname")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAgent(row scanner) (*models.Agent, error) {
	var a models.Agent
	var status, createdAt string
	var lastSeen sql.NullString
	if err := row.Scan(&a.ID, &a.Hostname, &a.IPAddress, &status, &lastSeen,
		&a.Version, &a.Architecture, &createdAt); err != nil {
		return nil, err
	}
	a.Status = models.AgentStatus(status)
	a.LastSeen = parseNullTime(lastSeen)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}
