// Package protocol defines the JSON messages exchanged between the control
// plane and its agents over the WebSocket connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is returned when an inbound frame cannot be decoded into a Reply.
var ErrDecode = errors.New("protocol: malformed frame")

// ─── Commands ─────────────────────────────────────────────────────────────

// CommandType is the closed set of commands an agent understands.
type CommandType string

const (
	CommandDeploy      CommandType = "DEPLOY_COMPOSE"
	CommandStop        CommandType = "STOP_COMPOSE"
	CommandStatus      CommandType = "STATUS"
	CommandHealthCheck CommandType = "HEALTH_CHECK"
)

// Valid reports whether t is one of the known command types.
func (t CommandType) Valid() bool {
	switch t {
	case CommandDeploy, CommandStop, CommandStatus, CommandHealthCheck:
		return true
	}
	return false
}

// Command is sent from the control plane to an agent. ID is the
// correlation id the agent echoes back as Reply.JobID.
type Command struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DeployPayload is the payload of a DEPLOY_COMPOSE command.
type DeployPayload struct {
	ProjectName       string `json:"project_name"`
	ComposeFileBase64 string `json:"compose_file_base64"`
}

// ProjectPayload is the payload of STOP_COMPOSE and STATUS commands.
type ProjectPayload struct {
	ProjectName string `json:"project_name"`
}

// NewCommand builds a command with the payload marshalled to JSON.
// A nil payload is encoded as an empty object.
func NewCommand(id string, t CommandType, payload any) (Command, error) {
	if id == "" {
		return Command{}, errors.New("protocol: command id is required")
	}
	if !t.Valid() {
		return Command{}, fmt.Errorf("protocol: unknown command type %q", t)
	}
	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Command{}, fmt.Errorf("protocol: encode %s payload: %w", t, err)
		}
		raw = b
	}
	return Command{ID: id, Type: t, Payload: raw}, nil
}

// EncodeCommand serializes a command into a single text frame.
func EncodeCommand(c Command) ([]byte, error) {
	if c.Payload == nil {
		c.Payload = json.RawMessage(`{}`)
	}
	return json.Marshal(c)
}

// DecodeCommand parses a command frame. Used by agents.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if c.ID == "" || !c.Type.Valid() {
		return Command{}, fmt.Errorf("%w: command missing id or type", ErrDecode)
	}
	return c, nil
}

// ─── Replies ──────────────────────────────────────────────────────────────

// ReplyStatus is the job status reported by an agent.
type ReplyStatus string

const (
	StatusQueued     ReplyStatus = "QUEUED"
	StatusInProgress ReplyStatus = "IN_PROGRESS"
	StatusCompleted  ReplyStatus = "COMPLETED"
	StatusFailed     ReplyStatus = "FAILED"
)

// Terminal reports whether the status ends the job.
func (s ReplyStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known reply statuses.
func (s ReplyStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Reply is sent from an agent in response to a Command.
type Reply struct {
	JobID  string          `json:"job_id"`
	Status ReplyStatus     `json:"status"`
	Logs   string          `json:"logs"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// EncodeReply serializes a reply. Used by agents.
func EncodeReply(r Reply) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReply parses an inbound frame. Any error wraps ErrDecode.
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if r.JobID == "" {
		return Reply{}, fmt.Errorf("%w: reply missing job_id", ErrDecode)
	}
	if !r.Status.Valid() {
		return Reply{}, fmt.Errorf("%w: unknown reply status %q", ErrDecode, r.Status)
	}
	return r, nil
}
