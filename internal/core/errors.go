package core

import (
	"errors"

	"instadeploy/internal/dispatch"
	"instadeploy/internal/protocol"
)

// Request rejections and failure kinds surfaced to callers. Match with
// errors.Is.
var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrNoAgentAvailable   = errors.New("no agents available")
	ErrAgentNotConnected  = dispatch.ErrAgentNotConnected
	ErrSendFailed         = dispatch.ErrSendFailed
	ErrDecode             = protocol.ErrDecode
	ErrTimeout            = errors.New("timed out waiting for agent reply")
	ErrDurableStore       = errors.New("durable store error")
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrShuttingDown       = errors.New("control plane is shutting down")
)
