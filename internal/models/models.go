package models

import (
	"encoding/json"
	"time"

	"instadeploy/internal/protocol"
)

// AgentStatus is the durable connectivity status of an agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// AgentMetadata is what an agent declares during the handshake.
type AgentMetadata struct {
	Hostname     string `json:"hostname"`
	Version      string `json:"version"`
	Architecture string `json:"architecture"`
	Address      string `json:"ip_address"`
}

// Agent is the durable record of a known agent
type Agent struct {
	ID           int64       `json:"id"`
	Hostname     string      `json:"hostname"`
	IPAddress    string      `json:"ip_address"`
	Status       AgentStatus `json:"status"`
	LastSeen     time.Time   `json:"last_seen"`
	Version      string      `json:"version"`
	Architecture string      `json:"architecture"`
	CreatedAt    time.Time   `json:"created_at"`
}

// DeploymentStatus tracks a project's lifecycle on an agent.
type DeploymentStatus string

const (
	DeploymentPending DeploymentStatus = "pending"
	DeploymentRunning DeploymentStatus = "running"
	DeploymentStopped DeploymentStatus = "stopped"
	DeploymentFailed  DeploymentStatus = "failed"
)

// Deployment is one deployment of a compose project. A project can have
// many; the newest one is current.
type Deployment struct {
	ID              int64            `json:"id"`
	ProjectName     string           `json:"project_name"`
	AgentID         int64            `json:"agent_id"`
	Hostname        string           `json:"hostname"`
	Status          DeploymentStatus `json:"status"`
	ComposeFileHash string           `json:"compose_file_hash,omitempty"`
	LastLogs        string           `json:"last_logs,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DeploymentUpdate changes a deployment. An empty Status leaves the status
// untouched. OnlyFrom, when set, restricts the update to deployments whose
// current status is listed.
type DeploymentUpdate struct {
	ID        int64
	Status    DeploymentStatus
	LastLogs  string
	LastError string
	OnlyFrom  []DeploymentStatus
}

// JobStatus is the lifecycle status of a dispatched command.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobStatusFromReply maps an agent-reported status to a job status.
func JobStatusFromReply(s protocol.ReplyStatus) JobStatus {
	switch s {
	case protocol.StatusCompleted:
		return JobCompleted
	case protocol.StatusFailed:
		return JobFailed
	case protocol.StatusInProgress:
		return JobInProgress
	default:
		return JobQueued
	}
}

// Job is the durable record of one command. Its ID is the command's
// correlation id.
type Job struct {
	ID           string               `json:"id"`
	DeploymentID int64                `json:"deployment_id,omitempty"`
	AgentID      int64                `json:"agent_id"`
	Hostname     string               `json:"hostname"`
	CommandType  protocol.CommandType `json:"command_type"`
	Status       JobStatus            `json:"status"`
	Logs         string               `json:"logs,omitempty"`
	Error        string               `json:"error,omitempty"`
	Data         json.RawMessage      `json:"data,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// JobUpdate carries the fields written when a job changes status.
type JobUpdate struct {
	ID     string
	Status JobStatus
	Logs   string
	Error  string
	Data   json.RawMessage
}
