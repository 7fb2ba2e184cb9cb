package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Connectivity events
	SessionClosed EventType = "session_closed"
	AgentOnline   EventType = "agent_online"
	AgentOffline  EventType = "agent_offline"

	// Job events
	JobCompleted EventType = "job_completed"
	JobFailed    EventType = "job_failed"
)

// Metadata keys shared between publishers and subscribers.
const (
	MetaSessionID    = "session_id"
	MetaReason       = "reason"
	MetaJobID        = "job_id"
	MetaCommandType  = "command_type"
	MetaDeploymentID = "deployment_id"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus. Hostname carries the
// agent identity for connectivity and job events.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Hostname  string            `json:"hostname,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
