package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"instadeploy/internal/protocol"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// agentConfig is what the simulated agent needs to connect.
type agentConfig struct {
	URL          string
	Token        string
	Hostname     string
	Version      string
	Architecture string
	// WorkDelay is how long a command "runs" between the IN_PROGRESS and
	// the final reply.
	WorkDelay time.Duration
}

// agent connects to the control plane and answers every command without
// touching the host. It exists for local smoke tests.
type agent struct {
	cfg    agentConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	mu       sync.Mutex
	projects map[string]string // project -> state
}

func newAgent(cfg agentConfig, logger *zap.Logger) *agent {
	if cfg.Architecture == "" {
		cfg.Architecture = runtime.GOARCH
	}
	return &agent{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.Named("agent"),
		projects: make(map[string]string),
	}
}

// Run keeps a connection open until ctx ends, reconnecting with
// exponential backoff. A rejected handshake other than a transient one
// stops the loop.
func (a *agent) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := a.session(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		var fatal *handshakeError
		if errors.As(err, &fatal) && fatal.permanent() {
			return err
		}

		wait := b.NextBackOff()
		a.logger.Warn("connection lost, retrying",
			zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

type handshakeError struct {
	status int
	err    error
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with %d: %v", e.status, e.err)
}

func (e *handshakeError) Unwrap() error { return e.err }

// permanent reports rejections that retrying cannot fix.
func (e *handshakeError) permanent() bool {
	switch e.status {
	case http.StatusUnauthorized, http.StatusBadRequest, http.StatusUpgradeRequired:
		return true
	}
	return false
}

// session serves one connection. connected is called once the handshake
// succeeds.
func (a *agent) session(ctx context.Context, connected func()) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.Token)
	header.Set("X-Agent-Hostname", a.cfg.Hostname)
	header.Set("X-Agent-Version", a.cfg.Version)
	header.Set("X-Agent-Architecture", a.cfg.Architecture)

	conn, resp, err := a.dialer.DialContext(ctx, a.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return &handshakeError{status: resp.StatusCode, err: err}
		}
		return err
	}
	defer conn.Close()
	connected()
	a.logger.Info("connected", zap.String("url", a.cfg.URL), zap.String("hostname", a.cfg.Hostname))

	// One writer at a time; replies come from many command goroutines.
	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(messageType, data)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent stopping"),
					time.Now().Add(writeTimeout))
				writeMu.Unlock()
				_ = conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cancel()
			return err
		}
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			a.logger.Warn("dropping undecodable command", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, r := range a.execute(sctx, cmd) {
				frame, err := protocol.EncodeReply(r)
				if err != nil {
					a.logger.Error("failed to encode reply", zap.String("job_id", r.JobID), zap.Error(err))
					return
				}
				if err := write(websocket.TextMessage, frame); err != nil {
					a.logger.Warn("failed to send reply", zap.String("job_id", r.JobID), zap.Error(err))
					return
				}
			}
		}()
	}
}

// execute returns the replies for cmd: IN_PROGRESS then a final status.
func (a *agent) execute(ctx context.Context, cmd protocol.Command) []protocol.Reply {
	log := a.logger.With(zap.String("job_id", cmd.ID), zap.String("type", string(cmd.Type)))
	log.Info("command received")

	replies := []protocol.Reply{{
		JobID:  cmd.ID,
		Status: protocol.StatusInProgress,
		Logs:   "Command received, processing...",
	}}

	if a.cfg.WorkDelay > 0 {
		select {
		case <-ctx.Done():
			return replies
		case <-time.After(a.cfg.WorkDelay):
		}
	}

	final := a.complete(cmd)
	log.Info("command finished", zap.String("status", string(final.Status)))
	return append(replies, final)
}

func (a *agent) complete(cmd protocol.Command) protocol.Reply {
	done := protocol.Reply{JobID: cmd.ID, Status: protocol.StatusCompleted}

	switch cmd.Type {
	case protocol.CommandDeploy:
		var p protocol.DeployPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return failed(cmd.ID, fmt.Sprintf("Invalid deploy payload: %v", err))
		}
		if p.ProjectName == "" || p.ComposeFileBase64 == "" {
			return failed(cmd.ID, "Invalid deploy payload: project_name and compose_file_base64 are required")
		}
		a.setProject(p.ProjectName, "running")
		done.Logs = fmt.Sprintf("Project %s started (simulated)", p.ProjectName)

	case protocol.CommandStop:
		p, err := projectPayload(cmd)
		if err != nil {
			return failed(cmd.ID, err.Error())
		}
		a.setProject(p.ProjectName, "stopped")
		done.Logs = fmt.Sprintf("Project %s stopped (simulated)", p.ProjectName)

	case protocol.CommandStatus:
		p, err := projectPayload(cmd)
		if err != nil {
			return failed(cmd.ID, err.Error())
		}
		state := a.project(p.ProjectName)
		done.Logs = fmt.Sprintf("Project %s is %s", p.ProjectName, state)
		done.Data, _ = json.Marshal(map[string]string{"project_name": p.ProjectName, "state": state})

	case protocol.CommandHealthCheck:
		hostname, _ := os.Hostname()
		done.Logs = "healthy"
		done.Data, _ = json.Marshal(map[string]any{
			"hostname":     a.cfg.Hostname,
			"os_hostname":  hostname,
			"version":      a.cfg.Version,
			"os":           runtime.GOOS,
			"architecture": a.cfg.Architecture,
			"cpus":         runtime.NumCPU(),
			"projects":     a.projectCount(),
		})

	default:
		return failed(cmd.ID, fmt.Sprintf("Unknown command type: %s", cmd.Type))
	}
	return done
}

func projectPayload(cmd protocol.Command) (protocol.ProjectPayload, error) {
	var p protocol.ProjectPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return p, fmt.Errorf("invalid payload: %w", err)
	}
	if p.ProjectName == "" {
		return p, errors.New("invalid payload: project_name is required")
	}
	return p, nil
}

func failed(jobID, msg string) protocol.Reply {
	return protocol.Reply{JobID: jobID, Status: protocol.StatusFailed, Error: msg}
}

func (a *agent) setProject(name, state string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.projects[name] = state
}

func (a *agent) project(name string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.projects[name]; ok {
		return s
	}
	return "unknown"
}

func (a *agent) projectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.projects)
}
